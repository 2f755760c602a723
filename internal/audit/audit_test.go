package audit

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type fakeAlerter struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeAlerter) Alert(level Level, message string, _ map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, string(level)+":"+message)
}

func (f *fakeAlerter) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestLogger_CriticalForwardsToAlerterAsynchronously(t *testing.T) {
	alerter := &fakeAlerter{}
	l := New(zerolog.Nop(), alerter)

	l.Critical("offline queue unreachable", map[string]any{"retry": 3})

	assert.Eventually(t, func() bool { return len(alerter.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "critical:offline queue unreachable", alerter.snapshot()[0])
}

func TestLogger_CriticalIsSafeWithoutAnAlerter(t *testing.T) {
	l := New(zerolog.Nop(), nil)
	assert.NotPanics(t, func() {
		l.Critical("no alerter configured", nil)
	})
}
