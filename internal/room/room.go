// Package room is the per-match actor. A Room serializes broadcasts for its
// match on one goroutine and owns the ephemeral per-match state: the
// round-end lock, the round guard, dedupe claims and the armed deadline.
package room

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/DoyleJ11/tower-duel-backend/internal/dedupe"
)

var ErrClosed = errors.New("room closed")

type Msg interface{ isRoomMsg() }

// Run executes Fn on the room goroutine. Done receives Fn's error.
type Run struct {
	Ctx  context.Context
	Fn   func(ctx context.Context) error
	Done chan error
}

func (Run) isRoomMsg() {}

type Shutdown struct{}

func (Shutdown) isRoomMsg() {}

// GetView reflects internal state without data races; used by tests.
type GetView struct {
	Reply chan View
}

func (GetView) isRoomMsg() {}

type View struct {
	MatchID   string
	Processed int
	InFlight  []int
	Armed     bool
	Round     int
	Deadline  time.Time
}

type Room struct {
	id     string
	inbox  chan Msg
	ctx    context.Context
	cancel context.CancelFunc

	clock clockwork.Clock
	lock  chan struct{}

	guardMu   sync.Mutex
	inFlight  map[int]struct{}
	processed int
	plans     map[int][]byte

	claims        *dedupe.Memory
	lastBroadcast atomic.Int64

	schedMu sync.Mutex
	armed   *armed
	gen     uint64
}

type armed struct {
	round    int
	deadline time.Time
	timer    clockwork.Timer
	gen      uint64
}

type Option func(*Room)

// WithClock sets the clock Acquire waits on.
func WithClock(c clockwork.Clock) Option { return func(r *Room) { r.clock = c } }

func New(parent context.Context, matchID string, opts ...Option) *Room {
	ctx, cancel := context.WithCancel(parent)
	r := &Room{
		id:       matchID,
		inbox:    make(chan Msg, 64),
		ctx:      ctx,
		cancel:   cancel,
		clock:    clockwork.NewRealClock(),
		lock:     make(chan struct{}, 1),
		inFlight: make(map[int]struct{}),
		plans:    make(map[int][]byte),
		claims:   dedupe.NewMemory(),
	}
	for _, o := range opts {
		o(r)
	}
	go r.loop()
	return r
}

func (r *Room) ID() string { return r.id }

func (r *Room) Inbox() chan<- Msg { return r.inbox }

// Done is closed once the room stops processing messages.
func (r *Room) Done() <-chan struct{} { return r.ctx.Done() }

func (r *Room) loop() {
	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Run:
				ctx := msg.Ctx
				if ctx == nil {
					ctx = r.ctx
				}
				var err error
				if ctx.Err() != nil {
					err = ctx.Err()
				} else {
					err = msg.Fn(ctx)
				}
				msg.Done <- err

			case GetView:
				msg.Reply <- r.view()

			case Shutdown:
				r.shutdown()
				return
			}
		}
	}
}

func (r *Room) shutdown() {
	r.schedMu.Lock()
	r.disarmLocked()
	r.schedMu.Unlock()
	r.cancel()
	// Fail anything still queued so callers don't wait forever.
	for {
		select {
		case m := <-r.inbox:
			if run, ok := m.(Run); ok {
				run.Done <- ErrClosed
			}
		default:
			return
		}
	}
}

// Serialize runs fn on the room goroutine and waits for it. Calls for the
// same room never overlap. fn must not call Serialize on the same room.
func (r *Room) Serialize(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	select {
	case r.inbox <- Run{Ctx: ctx, Fn: fn, Done: done}:
	case <-r.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-r.ctx.Done():
		// The run may already be executing; give it a moment to report.
		select {
		case err := <-done:
			return err
		case <-time.After(50 * time.Millisecond):
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acquire takes the round-end lock, waiting at most wait. The returned
// unlock must be called exactly once when ok is true.
func (r *Room) Acquire(ctx context.Context, wait time.Duration) (unlock func(), ok bool) {
	var once sync.Once
	release := func() { once.Do(func() { <-r.lock }) }
	select {
	case r.lock <- struct{}{}:
		return release, true
	default:
	}

	t := r.clock.NewTimer(wait)
	defer t.Stop()
	select {
	case r.lock <- struct{}{}:
		return release, true
	case <-t.Chan():
		return nil, false
	case <-ctx.Done():
		return nil, false
	case <-r.ctx.Done():
		return nil, false
	}
}

// Begin marks round as in flight. It fails if the round is already being
// processed or has already completed.
func (r *Room) Begin(round int) bool {
	r.guardMu.Lock()
	defer r.guardMu.Unlock()
	if round <= r.processed {
		return false
	}
	if _, busy := r.inFlight[round]; busy {
		return false
	}
	r.inFlight[round] = struct{}{}
	return true
}

// End clears the in-flight mark. completed records round as fully processed
// and drops its stashed plan.
func (r *Room) End(round int, completed bool) {
	r.guardMu.Lock()
	defer r.guardMu.Unlock()
	delete(r.inFlight, round)
	if completed {
		delete(r.plans, round)
		if round > r.processed {
			r.processed = round
		}
	}
}

// StashPlan keeps the encoded plan of an unfinished round so a retry in this
// process merges the same numbers even when the snapshot never got stored.
func (r *Room) StashPlan(round int, replay []byte) {
	r.guardMu.Lock()
	defer r.guardMu.Unlock()
	r.plans[round] = replay
}

func (r *Room) StashedPlan(round int) ([]byte, bool) {
	r.guardMu.Lock()
	defer r.guardMu.Unlock()
	b, ok := r.plans[round]
	return b, ok
}

func (r *Room) Processed() int {
	r.guardMu.Lock()
	defer r.guardMu.Unlock()
	return r.processed
}

// Claim reports whether key is claimed for the first time in this room.
func (r *Room) Claim(ctx context.Context, key string) bool {
	ok, _ := r.claims.Claim(ctx, key)
	return ok
}

func (r *Room) TouchBroadcast(now time.Time) { r.lastBroadcast.Store(now.UnixNano()) }

// LastBroadcast is the zero time if nothing was ever sent.
func (r *Room) LastBroadcast() time.Time {
	n := r.lastBroadcast.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// LockSchedule serializes scheduling decisions for the match. Armed, Arm,
// Disarm and Fired must be called while it is held.
func (r *Room) LockSchedule() (unlock func()) {
	r.schedMu.Lock()
	return r.schedMu.Unlock
}

// Armed returns the round and deadline of the pending timer.
func (r *Room) Armed() (round int, deadline time.Time, ok bool) {
	if r.armed == nil {
		return 0, time.Time{}, false
	}
	return r.armed.round, r.armed.deadline, true
}

// Arm replaces any pending timer with the one start returns. start
// receives the generation that identifies this arming to the timer callback.
func (r *Room) Arm(round int, deadline time.Time, start func(gen uint64) clockwork.Timer) uint64 {
	r.disarmLocked()
	gen := r.gen
	r.armed = &armed{round: round, deadline: deadline, timer: start(gen), gen: gen}
	return gen
}

// Disarm stops the pending timer, if any.
func (r *Room) Disarm() bool { return r.disarmLocked() }

// Fired is called by a timer callback. It returns false when the arming it
// belongs to has since been replaced or cancelled.
func (r *Room) Fired(gen uint64) bool {
	if r.armed == nil || r.armed.gen != gen {
		return false
	}
	r.armed = nil
	return true
}

func (r *Room) disarmLocked() bool {
	r.gen++
	if r.armed == nil {
		return false
	}
	if r.armed.timer != nil {
		r.armed.timer.Stop()
	}
	r.armed = nil
	return true
}

func (r *Room) view() View {
	r.guardMu.Lock()
	v := View{MatchID: r.id, Processed: r.processed}
	for round := range r.inFlight {
		v.InFlight = append(v.InFlight, round)
	}
	r.guardMu.Unlock()
	sort.Ints(v.InFlight)

	r.schedMu.Lock()
	if r.armed != nil {
		v.Armed, v.Round, v.Deadline = true, r.armed.round, r.armed.deadline
	}
	r.schedMu.Unlock()
	return v
}
