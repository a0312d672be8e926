package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DoyleJ11/tower-duel-backend/internal/broadcast"
	"github.com/DoyleJ11/tower-duel-backend/internal/engine"
	"github.com/DoyleJ11/tower-duel-backend/internal/hub"
	"github.com/DoyleJ11/tower-duel-backend/internal/round"
	"github.com/DoyleJ11/tower-duel-backend/internal/schedule"
	"github.com/DoyleJ11/tower-duel-backend/internal/store"
	pub "github.com/DoyleJ11/tower-duel-backend/pkg/types"
)

type frame struct {
	Type  string          `json:"type"`
	Code  string          `json:"code"`
	Round int             `json:"round"`
	Self  *pub.SelfView   `json:"self"`
	Raw   json.RawMessage `json:"-"`
}

type testServer struct {
	url string
	mem *store.Memory
	reg *Registry
	hub *hub.Hub
	clk *clockwork.FakeClock
}

func newServer(t *testing.T, allowEndRound bool) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	log := zaptest.NewLogger(t)
	mem := store.NewMemory()
	h := hub.NewHub(ctx)
	reg := NewRegistry(log)
	clk := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	bc := broadcast.New(h, reg, mem, log, broadcast.WithClock(clk))
	coord := round.New(mem, h, bc, engine.DefaultCatalog(), round.DefaultConfig, log, round.WithClock(clk))
	sched := schedule.New(ctx, mem, h, coord, reg, clk, schedule.Config{Durations: round.DefaultConfig.Durations, MinDelay: time.Second, StaleAfter: time.Minute}, log)
	coord.SetScheduler(sched)

	deck := []string{"goblin", "archer", "ogre"}
	require.NoError(t, coord.StartMatch(ctx, "m1", []round.Entry{{UserID: "alice", Deck: deck}, {UserID: "bob", Deck: deck}}))

	srv := httptest.NewServer(Handler(Deps{
		Registry:            reg,
		Store:               mem,
		Rounds:              coord,
		States:              bc,
		Scheduler:           sched,
		Log:                 log,
		AllowClientEndRound: allowEndRound,
	}))
	t.Cleanup(srv.Close)
	return &testServer{url: "ws" + strings.TrimPrefix(srv.URL, "http"), mem: mem, reg: reg, hub: h, clk: clk}
}

func (s *testServer) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, s.url+"?"+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func recvFrame(t *testing.T, conn *websocket.Conn, within time.Duration) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err, "timed out waiting for frame")
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	f.Raw = data
	return f
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, b))
}

func TestHandler_RejectsBadRequests(t *testing.T) {
	s := newServer(t, false)
	httpURL := "http" + strings.TrimPrefix(s.url, "ws")

	cases := []struct {
		name  string
		query string
		want  int
	}{
		{"missing user", "match=m1", http.StatusBadRequest},
		{"unknown match", "match=nope&user=alice", http.StatusNotFound},
		{"not a participant", "match=m1&user=mallory", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Get(httpURL + "?" + tc.query)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}
}

func TestHandler_JoinSendsStateAndSyncResends(t *testing.T) {
	s := newServer(t, false)
	conn := s.dial(t, "match=m1&user=alice")

	f := recvFrame(t, conn, 2*time.Second)
	require.Equal(t, pub.TypeState, f.Type)
	require.NotNil(t, f.Self)
	assert.Equal(t, "alice", f.Self.UserID)
	assert.True(t, s.reg.IsConnected("m1", "alice"))

	sendJSON(t, conn, map[string]any{"type": "SYNC", "match": "m1"})
	f = recvFrame(t, conn, 2*time.Second)
	assert.Equal(t, pub.TypeState, f.Type)
}

func TestHandler_ErrorFrames(t *testing.T) {
	s := newServer(t, false)
	conn := s.dial(t, "match=m1&user=alice")
	recvFrame(t, conn, 2*time.Second)

	cases := []struct {
		name string
		send string
		code string
	}{
		{"bad json", `{"type":`, "bad_json"},
		{"unknown type", `{"type":"DANCE"}`, "unknown_type"},
		{"other match", `{"type":"SYNC","match":"m2"}`, "wrong_match"},
		{"client end round disabled", `{"type":"END_ROUND","match":"m1","round":1}`, "forbidden"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(tc.send)))

			f := recvFrame(t, conn, 2*time.Second)
			assert.Equal(t, pub.TypeError, f.Type)
			assert.Equal(t, tc.code, f.Code)
		})
	}

	p, err := s.mem.Read(context.Background(), "m1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Round)
}

func TestHandler_EndRoundBroadcastsToRoom(t *testing.T) {
	s := newServer(t, true)
	alice := s.dial(t, "match=m1&user=alice")
	recvFrame(t, alice, 2*time.Second)
	bob := s.dial(t, "match=m1&user=bob")
	recvFrame(t, bob, 2*time.Second)

	sendJSON(t, alice, map[string]any{"type": "END_ROUND", "match": "m1", "round": 1})

	for _, conn := range []*websocket.Conn{alice, bob} {
		f := recvFrame(t, conn, 2*time.Second)
		assert.Equal(t, pub.TypeRoundEnd, f.Type)
		assert.Equal(t, 1, f.Round)
		assert.Equal(t, pub.TypeBattleUpdate, recvFrame(t, conn, 2*time.Second).Type)
		assert.Equal(t, pub.TypeState, recvFrame(t, conn, 2*time.Second).Type)
	}

	p, err := s.mem.Read(context.Background(), "m1", "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, p.Round)
}

func TestHandler_ForfeitFinishesMatch(t *testing.T) {
	s := newServer(t, false)
	alice := s.dial(t, "match=m1&user=alice")
	recvFrame(t, alice, 2*time.Second)

	sendJSON(t, alice, map[string]any{"type": "FORFEIT", "match": "m1"})

	f := recvFrame(t, alice, 2*time.Second)
	assert.Equal(t, pub.TypeRoundEnd, f.Type)
	assert.Contains(t, string(f.Raw), `"winner":"bob"`)

	m, err := s.mem.Match(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, store.MatchFinished, m.Status)
	assert.Equal(t, "bob", m.WinnerUserID)
}

func TestHandler_FinishedMatchStaysRoomless(t *testing.T) {
	s := newServer(t, false)
	alice := s.dial(t, "match=m1&user=alice")
	recvFrame(t, alice, 2*time.Second)

	sendJSON(t, alice, map[string]any{"type": "FORFEIT", "match": "m1"})
	require.Equal(t, pub.TypeRoundEnd, recvFrame(t, alice, 2*time.Second).Type)
	require.Equal(t, pub.TypeState, recvFrame(t, alice, 2*time.Second).Type)
	require.Eventually(t, func() bool { return s.hub.Count(context.Background()) == 0 }, 2*time.Second, 10*time.Millisecond)

	bob := s.dial(t, "match=m1&user=bob")
	f := recvFrame(t, bob, 2*time.Second)
	require.Equal(t, pub.TypeState, f.Type)
	sendJSON(t, bob, map[string]any{"type": "SYNC", "match": "m1"})
	assert.Equal(t, pub.TypeState, recvFrame(t, bob, 2*time.Second).Type)
	sendJSON(t, alice, map[string]any{"type": "SYNC", "match": "m1"})
	assert.Equal(t, pub.TypeState, recvFrame(t, alice, 2*time.Second).Type)

	assert.Zero(t, s.hub.Count(context.Background()), "finished match got a room back")
}
