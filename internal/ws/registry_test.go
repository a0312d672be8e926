package ws

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func TestRegistry_RoomFanOut(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	a := r.Register("m1", "alice")
	b := r.Register("m1", "bob")
	other := r.Register("m2", "carol")

	require.NoError(t, r.BroadcastRoom(context.Background(), "m1", []byte("hi")))

	assert.Equal(t, []byte("hi"), <-a.Out())
	assert.Equal(t, []byte("hi"), <-b.Out())
	assert.Empty(t, other.Out())
}

func TestRegistry_Presence(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	c := r.Register("m1", "alice")

	assert.True(t, r.IsConnected("m1", "alice"))
	assert.False(t, r.IsConnected("m1", "bob"))
	assert.False(t, r.IsConnected("m2", "alice"))
	require.Len(t, r.Members("m1"), 1)
	assert.Equal(t, c.ID, r.Members("m1")[0].ConnID)

	r.Unregister(c.ID)
	r.Unregister(c.ID)
	assert.False(t, r.IsConnected("m1", "alice"))
	assert.Empty(t, r.Members("m1"))

	_, open := <-c.Out()
	assert.False(t, open)
}

func TestRegistry_SendToUnknownConn(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	err := r.SendTo(context.Background(), "nope", []byte("x"))
	assert.ErrorIs(t, err, ErrUnknownConn)
}

func TestRegistry_SlowClientIsDropped(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	slow := r.Register("m1", "alice")
	fast := r.Register("m1", "bob")

	for i := 0; i < outboxSize; i++ {
		require.NoError(t, r.SendTo(context.Background(), slow.ID, []byte("x")))
	}

	err := r.BroadcastRoom(context.Background(), "m1", []byte("y"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSlowClient)
	assert.Len(t, multierr.Errors(err), 1)

	assert.False(t, r.IsConnected("m1", "alice"))
	assert.True(t, r.IsConnected("m1", "bob"))
	assert.Equal(t, []byte("y"), <-fast.Out())
}

func TestRegistry_Close(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register("m1", "alice")
	r.Register("m2", "bob")

	r.Close()

	assert.Empty(t, r.Members("m1"))
	assert.Empty(t, r.Members("m2"))
}
