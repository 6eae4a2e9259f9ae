package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestConnectionEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewMemoryStore()
	states := s.ConnectionEvents(ctx)

	assert.Equal(t, StateConnected, <-states)
	s.SetConnectionState(StateSuspended)
	s.SetConnectionState(StateLost)
	assert.Equal(t, StateSuspended, <-states)
	assert.Equal(t, StateLost, <-states)
}

func TestPutGetJSON(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	type hub struct {
		HeartBeatPeriod int64 `json:"heartBeatPeriod"`
	}
	require.NoError(t, PutJSON(ctx, s, "/hub", hub{HeartBeatPeriod: 2000}))

	var got hub
	require.NoError(t, GetJSON(ctx, s, "/hub", &got))
	assert.Equal(t, int64(2000), got.HeartBeatPeriod)

	require.NoError(t, s.Write(ctx, "/bad", []byte("{")))
	assert.Error(t, GetJSON(ctx, s, "/bad", &got))
	assert.ErrorIs(t, GetJSON(ctx, s, "/none", &got), ErrNotFound)
}
