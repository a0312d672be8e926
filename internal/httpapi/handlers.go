package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tower-duel-backend/internal/dedupe"
	"github.com/DoyleJ11/tower-duel-backend/internal/round"
	"github.com/DoyleJ11/tower-duel-backend/internal/store"
)

type Matches interface {
	StartMatch(ctx context.Context, matchID string, entries []round.Entry) error
}

type createMatchRequest struct {
	MatchID string `json:"matchId,omitempty"`
	Players []struct {
		UserID string   `json:"userId"`
		Deck   []string `json:"deck"`
	} `json:"players"`
}

type matchResponse struct {
	MatchID       string     `json:"matchId"`
	Status        string     `json:"status,omitempty"`
	Winner        string     `json:"winner,omitempty"`
	FinishedRound int        `json:"finishedRound,omitempty"`
	CreatedAt     *time.Time `json:"createdAt,omitempty"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
}

type replayResponse struct {
	MatchID   string      `json:"matchId"`
	Round     int         `json:"round"`
	Winner    string      `json:"winner,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
	Plan      *round.Plan `json:"replay"`
}

func CreateMatch(m Matches, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createMatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad json")
			return
		}
		if req.MatchID == "" {
			req.MatchID = uuid.NewString()
		}
		entries := make([]round.Entry, 0, len(req.Players))
		for _, p := range req.Players {
			entries = append(entries, round.Entry{UserID: p.UserID, Deck: p.Deck})
		}

		err := m.StartMatch(r.Context(), req.MatchID, entries)
		switch {
		case errors.Is(err, round.ErrBadRoster):
			writeError(w, http.StatusBadRequest, err.Error())
			return
		case errors.Is(err, store.ErrDuplicate):
			writeError(w, http.StatusConflict, "match already exists")
			return
		case err != nil:
			log.Error("start match failed", zap.String("match_id", req.MatchID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to start match")
			return
		}

		writeJSON(w, http.StatusCreated, matchResponse{MatchID: req.MatchID})
	}
}

func GetMatch(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := st.Match(r.Context(), chi.URLParam(r, "matchID"))
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "match not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load match")
			return
		}
		created := m.CreatedAt
		writeJSON(w, http.StatusOK, matchResponse{
			MatchID:       m.ID,
			Status:        string(m.Status),
			Winner:        m.WinnerUserID,
			FinishedRound: m.FinishedRound,
			CreatedAt:     &created,
			FinishedAt:    m.FinishedAt,
		})
	}
}

// GetReplay serves a resolved round's battle log. Concurrent requests for
// the same round share one store read and decode.
func GetReplay(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		matchID := chi.URLParam(r, "matchID")
		n, err := strconv.Atoi(chi.URLParam(r, "round"))
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "round must be a positive integer")
			return
		}

		key := matchID + "/" + strconv.Itoa(n)
		v, err, _ := dedupe.ReplayGroup.Do(key, func() (interface{}, error) {
			snap, err := st.RoundSnapshot(r.Context(), matchID, n)
			if err != nil {
				return nil, err
			}
			plan, err := round.DecodeReplay(snap.Replay)
			if err != nil {
				return nil, err
			}
			return replayResponse{MatchID: matchID, Round: n, Winner: snap.Winner, CreatedAt: snap.CreatedAt, Plan: plan}, nil
		})
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "replay not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load replay")
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: msg})
}
