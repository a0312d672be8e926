package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tower-duel-backend/internal/round"
	"github.com/DoyleJ11/tower-duel-backend/internal/store"
	"github.com/DoyleJ11/tower-duel-backend/internal/types"
	pub "github.com/DoyleJ11/tower-duel-backend/pkg/types"
)

type Rounds interface {
	EndRound(ctx context.Context, req round.Request) error
	Forfeit(ctx context.Context, matchID, userID string) error
}

type States interface {
	SendStateTo(ctx context.Context, matchID, connID, userID string) error
}

type Scheduler interface {
	Schedule(ctx context.Context, matchID string)
}

type Deps struct {
	Registry  *Registry
	Store     store.Store
	Rounds    Rounds
	States    States
	Scheduler Scheduler
	Log       *zap.Logger

	AllowClientEndRound bool
	WriteTimeout        time.Duration
	// OriginPatterns is passed through to websocket.Accept.
	OriginPatterns []string
}

func Handler(d Deps) http.HandlerFunc {
	if d.WriteTimeout <= 0 {
		d.WriteTimeout = 3 * time.Second
	}
	return func(w http.ResponseWriter, r *http.Request) {
		matchID := r.URL.Query().Get("match")
		userID := r.URL.Query().Get("user")
		if matchID == "" || userID == "" {
			http.Error(w, "missing match or user", http.StatusBadRequest)
			return
		}
		if _, err := d.Store.Read(r.Context(), matchID, userID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "player not in match", http.StatusNotFound)
				return
			}
			http.Error(w, "failed to load match", http.StatusInternalServerError)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: d.OriginPatterns})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		cl := d.Registry.Register(matchID, userID)
		defer d.Registry.Unregister(cl.ID)
		log := d.Log.With(zap.String("match_id", matchID), zap.String("user_id", userID), zap.String("conn_id", cl.ID))
		log.Debug("client connected")

		// Writer goroutine
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for payload := range cl.Out() {
				ctx, cancel := context.WithTimeout(writeCtx, d.WriteTimeout)
				err := conn.Write(ctx, websocket.MessageText, payload)
				cancel()
				if err != nil {
					log.Debug("write failed", zap.Error(err))
					return
				}
			}
			// Out also closes when the registry drops a slow client. The
			// reader is still blocked then and needs the close to return.
			if writeCtx.Err() == nil {
				_ = conn.Close(websocket.StatusTryAgainLater, "too slow")
			}
		}()

		if err := d.States.SendStateTo(r.Context(), matchID, cl.ID, userID); err != nil {
			log.Warn("failed to send initial state", zap.Error(err))
		}
		d.Scheduler.Schedule(r.Context(), matchID)

		// Reader loop
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					log.Debug("client disconnected")
				default:
					log.Debug("read failed", zap.Error(err))
				}
				return
			}

			var cm types.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				d.sendError(r.Context(), cl, "bad_json", "bad json")
				continue
			}
			if cm.Match != "" && cm.Match != matchID {
				d.sendError(r.Context(), cl, "wrong_match", "connection is bound to another match")
				continue
			}
			d.dispatch(r.Context(), log, cl, cm)
		}
	}
}

func (d Deps) dispatch(ctx context.Context, log *zap.Logger, cl *Client, cm types.ClientMessage) {
	switch cm.Type {
	case types.MsgEndRound:
		if !d.AllowClientEndRound {
			d.sendError(ctx, cl, "forbidden", "rounds end on the server timer")
			return
		}
		err := d.Rounds.EndRound(ctx, round.Request{MatchID: cl.MatchID, UserID: cl.UserID, Round: cm.Round, Trigger: round.TriggerClient})
		if err != nil {
			log.Error("end round failed", zap.Int("round", cm.Round), zap.Error(err))
			d.sendError(ctx, cl, "end_round_failed", "could not end round")
		}
	case types.MsgForfeit:
		if err := d.Rounds.Forfeit(ctx, cl.MatchID, cl.UserID); err != nil {
			log.Error("forfeit failed", zap.Error(err))
			d.sendError(ctx, cl, "forfeit_failed", "could not forfeit")
		}
	case types.MsgSync:
		if err := d.States.SendStateTo(ctx, cl.MatchID, cl.ID, cl.UserID); err != nil {
			log.Warn("sync failed", zap.Error(err))
		}
	default:
		d.sendError(ctx, cl, "unknown_type", "unknown type")
	}
}

func (d Deps) sendError(ctx context.Context, cl *Client, code, msg string) {
	b, err := json.Marshal(pub.NewError(code, msg))
	if err != nil {
		return
	}
	_ = d.Registry.SendTo(ctx, cl.ID, b)
}
