package wire

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Run("Response", func(t *testing.T) {
		frame, err := Decode([]byte(`{"jsonrpc":"2.0","id":42,"result":{"order":{"order_id":"ETH-123"}}}`))
		require.NoError(t, err)
		assert.Equal(t, FrameResponse, frame.Kind)
		assert.Equal(t, uint64(42), frame.ID)
		assert.JSONEq(t, `{"order":{"order_id":"ETH-123"}}`, string(frame.Result))
	})

	t.Run("Notification", func(t *testing.T) {
		raw := `{"jsonrpc":"2.0","method":"subscription","params":{"channel":"user.trades.BTC-PERPETUAL","data":[{"trade_id":"t1"}]}}`
		frame, err := Decode([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, FrameNotification, frame.Kind)
		assert.Equal(t, "user.trades.BTC-PERPETUAL", frame.Channel)
		assert.JSONEq(t, `[{"trade_id":"t1"}]`, string(frame.Data))
	})

	t.Run("HeartbeatRequest", func(t *testing.T) {
		frame, err := Decode([]byte(`{"jsonrpc":"2.0","method":"heartbeat","params":{"type":"test_request"}}`))
		require.NoError(t, err)
		assert.Equal(t, FrameNotification, frame.Kind)
		assert.Equal(t, "heartbeat", frame.Channel)
	})

	t.Run("ErrorResponse", func(t *testing.T) {
		frame, err := Decode([]byte(`{"jsonrpc":"2.0","id":7,"error":{"code":10009,"message":"not_enough_funds"}}`))
		require.NoError(t, err)
		assert.Equal(t, FrameError, frame.Kind)
		assert.Equal(t, uint64(7), frame.ID)
		require.NotNil(t, frame.Err)
		assert.Equal(t, 10009, frame.Err.Code)
		assert.Equal(t, "not_enough_funds", frame.Err.Message)
	})

	t.Run("Malformed", func(t *testing.T) {
		cases := map[string]string{
			"truncated":       `{"jsonrpc":"2.0","id":`,
			"no id or method": `{"jsonrpc":"2.0"}`,
			"string id":       `{"jsonrpc":"2.0","id":"abc","result":{}}`,
			"no result":       `{"jsonrpc":"2.0","id":3}`,
		}
		for name, raw := range cases {
			t.Run(name, func(t *testing.T) {
				_, err := Decode([]byte(raw))
				var protoErr *ProtocolError
				require.Error(t, err)
				assert.True(t, errors.As(err, &protoErr), "expected ProtocolError, got %v", err)
			})
		}
	})
}

func TestEncodeRequest(t *testing.T) {
	data, err := EncodeRequest(5, "private/buy", OrderParams{InstrumentName: "BTC-PERPETUAL", Type: "market"})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"jsonrpc":"2.0"`)
	assert.Contains(t, string(data), `"id":5`)
	assert.Contains(t, string(data), `"method":"private/buy"`)
	assert.NotContains(t, string(data), `"price"`)
}
