package envelope

import (
	"strings"
	"testing"

	"github.com/degenduel/gateway/internal/gatewayerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_TableDriven(t *testing.T) {
	cases := []struct {
		name     string
		raw      string
		wantCode gatewayerr.Code
		wantErr  bool
	}{
		{"valid subscribe", `{"type":"SUBSCRIBE","topics":["market-data"]}`, 0, false},
		{"missing type", `{"topics":["x"]}`, gatewayerr.CodeMissingType, true},
		{"unknown type", `{"type":"BOGUS"}`, gatewayerr.CodeInvalidFormat, true},
		{"subscribe no topics", `{"type":"SUBSCRIBE","topics":[]}`, gatewayerr.CodeSubscribeNeedsTopics, true},
		{"unsubscribe no topics", `{"type":"UNSUBSCRIBE"}`, gatewayerr.CodeSubscribeNeedsTopics, true},
		{"request missing action", `{"type":"REQUEST","topic":"market-data"}`, gatewayerr.CodeInvalidFormat, true},
		{"command missing topic", `{"type":"COMMAND","action":"refresh"}`, gatewayerr.CodeInvalidFormat, true},
		{"malformed json", `{"type":`, gatewayerr.CodeInvalidFormat, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.raw), MaxEnvelopeBytes)
			if tc.wantErr {
				require.NotNil(t, err)
				assert.Equal(t, tc.wantCode, err.Code)
			} else {
				assert.Nil(t, err)
			}
		})
	}
}

func TestDecode_RejectsOversizedFrame(t *testing.T) {
	oversized := `{"type":"COMMAND","topic":"x","action":"y","data":"` + strings.Repeat("a", 128) + `"}`
	_, err := Decode([]byte(oversized), 16)
	require.NotNil(t, err)
	assert.Equal(t, gatewayerr.CodeInvalidFormat, err.Code)
}

func TestEncode_StampsTimestampWhenUnset(t *testing.T) {
	out, err := Encode(Envelope{Type: TypeSystem, Action: "heartbeat"})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"timestamp"`)
	assert.NotContains(t, string(out), `"timestamp":"0001-01-01T00:00:00Z"`)
}

func TestNewError_EchoesRequestIDAndTopic(t *testing.T) {
	gerr := gatewayerr.New(gatewayerr.CodeAuthRequired, "authentication required").WithTopic("portfolio")
	env := NewError(gerr, "req-1")
	assert.Equal(t, TypeError, env.Type)
	assert.Equal(t, int(gatewayerr.CodeAuthRequired), env.Code)
	assert.Equal(t, "req-1", env.RequestID)
	assert.Equal(t, "portfolio", env.Topic)
}
