package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/DoyleJ11/tower-duel-backend/internal/engine"
)

type matchRow struct {
	ID            string `gorm:"primaryKey;size:64"`
	Status        string `gorm:"size:16;not null"`
	WinnerUserID  string `gorm:"size:64"`
	FinishedRound int
	CreatedAt     time.Time
	FinishedAt    *time.Time
}

func (matchRow) TableName() string { return "matches" }

type playerRow struct {
	MatchID string `gorm:"primaryKey;size:64"`
	UserID  string `gorm:"primaryKey;size:64"`

	Board   datatypes.JSON
	Hand    datatypes.JSON
	Deck    datatypes.JSON
	Discard datatypes.JSON
	Gold    int

	TowerHP    float64
	TowerHPMax float64
	TowerDPS   float64
	TowerLevel int

	Round                 int    `gorm:"not null"`
	Phase                 string `gorm:"size:16;not null"`
	RoundDeadline         *time.Time
	LastTowerUpgradeRound int

	Eliminated      bool
	EliminatedRound int
	Rank            int

	ShopOffer      datatypes.JSON
	PendingEffects datatypes.JSON
	BonusDraws     int
	GoldBonus      int

	DamageDealt float64
	DamageTaken float64

	UpdatedAt time.Time
}

func (playerRow) TableName() string { return "player_match_states" }

type snapshotRow struct {
	MatchID   string `gorm:"primaryKey;size:64"`
	Round     int    `gorm:"primaryKey;autoIncrement:false"`
	Winner    string `gorm:"size:64"`
	Replay    []byte
	CreatedAt time.Time
}

func (snapshotRow) TableName() string { return "round_snapshots" }

// Gorm is the SQL-backed Store. Postgres rows are locked FOR UPDATE inside
// Update; sqlite serializes writers on its own.
type Gorm struct {
	db *gorm.DB
}

// Open connects with the named driver ("postgres" or "sqlite") and migrates
// the schema.
func Open(driver, dsn string) (*Gorm, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := db.AutoMigrate(&matchRow{}, &playerRow{}, &snapshotRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Gorm{db: db}, nil
}

func NewGorm(db *gorm.DB) *Gorm { return &Gorm{db: db} }

func (g *Gorm) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (g *Gorm) CreateMatch(ctx context.Context, m *Match, players []*PlayerMatchState) error {
	mr := matchRow{
		ID:        m.ID,
		Status:    string(m.Status),
		CreatedAt: m.CreatedAt,
	}
	if mr.Status == "" {
		mr.Status = string(MatchRunning)
	}
	if mr.CreatedAt.IsZero() {
		mr.CreatedAt = time.Now()
	}
	rows := make([]playerRow, 0, len(players))
	for _, p := range players {
		c := p.Clone()
		c.MatchID = m.ID
		c.UpdatedAt = time.Now()
		r, err := newPlayerRow(c)
		if err != nil {
			return err
		}
		rows = append(rows, r)
	}
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&mr).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("match %s: %w", m.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("create match %s: %w", m.ID, err)
	}
	return nil
}

func (g *Gorm) Match(ctx context.Context, matchID string) (*Match, error) {
	var r matchRow
	if err := g.db.WithContext(ctx).First(&r, "id = ?", matchID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("match %s: %w", matchID, ErrNotFound)
		}
		return nil, fmt.Errorf("read match %s: %w", matchID, err)
	}
	return &Match{
		ID:            r.ID,
		Status:        MatchStatus(r.Status),
		WinnerUserID:  r.WinnerUserID,
		FinishedRound: r.FinishedRound,
		CreatedAt:     r.CreatedAt,
		FinishedAt:    r.FinishedAt,
	}, nil
}

func (g *Gorm) Read(ctx context.Context, matchID, userID string) (*PlayerMatchState, error) {
	var r playerRow
	err := g.db.WithContext(ctx).Where("match_id = ? AND user_id = ?", matchID, userID).First(&r).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("player %s in match %s: %w", userID, matchID, ErrNotFound)
		}
		return nil, fmt.Errorf("read player %s: %w", userID, err)
	}
	return r.state()
}

func (g *Gorm) Players(ctx context.Context, matchID string) ([]*PlayerMatchState, error) {
	var rows []playerRow
	if err := g.db.WithContext(ctx).Where("match_id = ?", matchID).Order("user_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list players of %s: %w", matchID, err)
	}
	out := make([]*PlayerMatchState, 0, len(rows))
	for i := range rows {
		st, err := rows[i].state()
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (g *Gorm) Update(ctx context.Context, matchID, userID string, fn func(*PlayerMatchState) error) (*PlayerMatchState, error) {
	var out *PlayerMatchState
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if tx.Dialector.Name() == "postgres" {
			q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var r playerRow
		if err := q.Where("match_id = ? AND user_id = ?", matchID, userID).First(&r).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("player %s in match %s: %w", userID, matchID, ErrNotFound)
			}
			return err
		}
		st, err := r.state()
		if err != nil {
			return err
		}
		if err := fn(st); err != nil {
			return err
		}
		st.MatchID, st.UserID = matchID, userID
		st.UpdatedAt = time.Now()
		next, err := newPlayerRow(st)
		if err != nil {
			return err
		}
		if err := tx.Save(&next).Error; err != nil {
			return fmt.Errorf("save player %s: %w", userID, err)
		}
		out = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Gorm) FinishMatch(ctx context.Context, matchID, winnerUserID string, round int) error {
	now := time.Now()
	res := g.db.WithContext(ctx).Model(&matchRow{}).Where("id = ?", matchID).Updates(map[string]any{
		"status":         string(MatchFinished),
		"winner_user_id": winnerUserID,
		"finished_round": round,
		"finished_at":    now,
	})
	if res.Error != nil {
		return fmt.Errorf("finish match %s: %w", matchID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("match %s: %w", matchID, ErrNotFound)
	}
	return nil
}

func (g *Gorm) SaveRoundSnapshot(ctx context.Context, snap *RoundSnapshot) error {
	r := snapshotRow{
		MatchID:   snap.MatchID,
		Round:     snap.Round,
		Winner:    snap.Winner,
		Replay:    snap.Replay,
		CreatedAt: snap.CreatedAt,
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	err := g.db.WithContext(ctx).Create(&r).Error
	if isUniqueViolation(err) {
		return fmt.Errorf("snapshot %s/%d: %w", snap.MatchID, snap.Round, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("save snapshot %s/%d: %w", snap.MatchID, snap.Round, err)
	}
	return nil
}

func (g *Gorm) RoundSnapshot(ctx context.Context, matchID string, round int) (*RoundSnapshot, error) {
	var r snapshotRow
	err := g.db.WithContext(ctx).Where("match_id = ? AND round = ?", matchID, round).First(&r).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("snapshot %s/%d: %w", matchID, round, ErrNotFound)
		}
		return nil, fmt.Errorf("read snapshot %s/%d: %w", matchID, round, err)
	}
	return &RoundSnapshot{
		MatchID:   r.MatchID,
		Round:     r.Round,
		Winner:    r.Winner,
		Replay:    r.Replay,
		CreatedAt: r.CreatedAt,
	}, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func newPlayerRow(s *PlayerMatchState) (playerRow, error) {
	r := playerRow{
		MatchID:               s.MatchID,
		UserID:                s.UserID,
		Gold:                  s.Gold,
		TowerHP:               s.TowerHP,
		TowerHPMax:            s.TowerHPMax,
		TowerDPS:              s.TowerDPS,
		TowerLevel:            s.TowerLevel,
		Round:                 s.Round,
		Phase:                 string(s.Phase),
		RoundDeadline:         s.RoundDeadline,
		LastTowerUpgradeRound: s.LastTowerUpgradeRound,
		Eliminated:            s.Eliminated,
		EliminatedRound:       s.EliminatedRound,
		Rank:                  s.Rank,
		BonusDraws:            s.BonusDraws,
		GoldBonus:             s.GoldBonus,
		DamageDealt:           s.DamageDealt,
		DamageTaken:           s.DamageTaken,
		UpdatedAt:             s.UpdatedAt,
	}
	var err error
	for _, f := range []struct {
		dst *datatypes.JSON
		v   any
	}{
		{&r.Board, s.Board},
		{&r.Hand, s.Hand},
		{&r.Deck, s.Deck},
		{&r.Discard, s.Discard},
		{&r.ShopOffer, s.ShopOffer},
		{&r.PendingEffects, s.PendingEffects},
	} {
		if *f.dst, err = toJSON(f.v); err != nil {
			return playerRow{}, fmt.Errorf("encode player %s: %w", s.UserID, err)
		}
	}
	return r, nil
}

func (r *playerRow) state() (*PlayerMatchState, error) {
	s := &PlayerMatchState{
		MatchID:               r.MatchID,
		UserID:                r.UserID,
		Gold:                  r.Gold,
		TowerHP:               r.TowerHP,
		TowerHPMax:            r.TowerHPMax,
		TowerDPS:              r.TowerDPS,
		TowerLevel:            r.TowerLevel,
		Round:                 r.Round,
		Phase:                 Phase(r.Phase),
		RoundDeadline:         r.RoundDeadline,
		LastTowerUpgradeRound: r.LastTowerUpgradeRound,
		Eliminated:            r.Eliminated,
		EliminatedRound:       r.EliminatedRound,
		Rank:                  r.Rank,
		BonusDraws:            r.BonusDraws,
		GoldBonus:             r.GoldBonus,
		DamageDealt:           r.DamageDealt,
		DamageTaken:           r.DamageTaken,
		UpdatedAt:             r.UpdatedAt,
	}
	var board []engine.Slot
	var effects []engine.Effect
	for _, f := range []struct {
		src datatypes.JSON
		dst any
	}{
		{r.Board, &board},
		{r.Hand, &s.Hand},
		{r.Deck, &s.Deck},
		{r.Discard, &s.Discard},
		{r.ShopOffer, &s.ShopOffer},
		{r.PendingEffects, &effects},
	} {
		if len(f.src) == 0 {
			continue
		}
		if err := json.Unmarshal(f.src, f.dst); err != nil {
			return nil, fmt.Errorf("decode player %s: %w", r.UserID, err)
		}
	}
	s.Board = board
	s.PendingEffects = effects
	return s, nil
}

func toJSON(v any) (datatypes.JSON, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}
