package hub

import (
	"context"
	"testing"
	"time"

	"github.com/DoyleJ11/tower-duel-backend/internal/room"
)

func TestHub_Ensure_Get_SamePointer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub(ctx)
	reply := make(chan *room.Room, 1)

	h.Inbox() <- EnsureRoom{MatchID: "ZED123", Reply: reply}
	r1 := <-reply

	h.Inbox() <- GetRoom{MatchID: "ZED123", Reply: reply}
	r2 := <-reply

	if r1 == nil || r2 == nil || r1 != r2 {
		t.Fatalf("expected same room pointer")
	}
	if r3 := h.Ensure(ctx, "ZED123"); r3 != r1 {
		t.Fatalf("Ensure created a second room")
	}
}

func TestHub_GetUnknownIsNil(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub(ctx)

	if rm := h.Get(ctx, "nope"); rm != nil {
		t.Fatalf("expected nil room, got %v", rm.ID())
	}
}

func TestHub_RemoveStopsRoom(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub(ctx)

	rm := h.Ensure(ctx, "m1")
	h.Remove("m1")

	select {
	case <-rm.Done():
	case <-time.After(time.Second):
		t.Fatalf("removed room still running")
	}
	if n := h.Count(ctx); n != 0 {
		t.Fatalf("want 0 rooms, got %d", n)
	}
	if again := h.Ensure(ctx, "m1"); again == rm {
		t.Fatalf("expected a fresh room after removal")
	}
}

func TestHub_ShutdownStopsEveryRoom(t *testing.T) {
	h := NewHub(context.Background())
	a := h.Ensure(context.Background(), "a")
	b := h.Ensure(context.Background(), "b")

	h.Inbox() <- ShutdownHub{}

	for _, rm := range []*room.Room{a, b} {
		select {
		case <-rm.Done():
		case <-time.After(time.Second):
			t.Fatalf("room %s still running after hub shutdown", rm.ID())
		}
	}
	if rm := h.Ensure(context.Background(), "c"); rm != nil {
		t.Fatalf("hub accepted work after shutdown")
	}
}
