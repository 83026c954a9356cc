package ws

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnState_String(t *testing.T) {
	tests := []struct {
		state ConnState
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateReconnecting, "reconnecting"},
		{StateFailed, "failed"},
		{ConnState(42), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.String())
		})
	}
}

func TestConnState_Active(t *testing.T) {
	assert.True(t, StateConnecting.Active())
	assert.True(t, StateConnected.Active())
	assert.False(t, StateDisconnected.Active())
	assert.False(t, StateReconnecting.Active())
	assert.False(t, StateFailed.Active())
}

func TestState_StoreReturnsPrevious(t *testing.T) {
	var s State
	assert.Equal(t, StateDisconnected, s.Load())

	prev := s.Store(StateConnecting)
	assert.Equal(t, StateDisconnected, prev)
	assert.Equal(t, StateConnecting, s.Load())
}

func TestState_CompareAndSwap(t *testing.T) {
	var s State

	assert.True(t, s.CompareAndSwap(StateDisconnected, StateConnecting))
	assert.False(t, s.CompareAndSwap(StateDisconnected, StateConnected))
	assert.Equal(t, StateConnecting, s.Load())
}

func TestConnState_JSON(t *testing.T) {
	data, err := StateReconnecting.MarshalJSON()
	assert.NoError(t, err)
	assert.Equal(t, `"reconnecting"`, string(data))

	var s ConnState
	assert.NoError(t, s.UnmarshalJSON([]byte(`"failed"`)))
	assert.Equal(t, StateFailed, s)
	assert.Error(t, s.UnmarshalJSON([]byte(`"bogus"`)))
}
