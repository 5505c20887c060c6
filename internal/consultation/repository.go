package consultation

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Repository records completed analyses and whether they were helpful.
type Repository interface {
	SaveOutcome(ctx context.Context, o *Outcome) error
	MarkFeedback(ctx context.Context, logID int64, helpful bool) error
	ListRecent(ctx context.Context, limit int) ([]Outcome, error)
}

type postgresRepo struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &postgresRepo{db: db}
}

func (r *postgresRepo) SaveOutcome(ctx context.Context, o *Outcome) error {
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	query := `
		INSERT INTO triage_outcomes (log_id, session_id, recommendation, disease, region_label, intake_token, helpful, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (log_id) DO UPDATE SET
			recommendation = $3,
			disease = $4,
			region_label = $5,
			intake_token = $6,
			updated_at = $9
	`
	_, err := r.db.ExecContext(ctx, query,
		o.LogID, o.SessionID, o.Recommendation, o.Disease, o.RegionLabel, o.IntakeToken, o.Helpful, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save outcome %d: %w", o.LogID, err)
	}
	return nil
}

func (r *postgresRepo) MarkFeedback(ctx context.Context, logID int64, helpful bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE triage_outcomes SET helpful = $2, updated_at = $3 WHERE log_id = $1`,
		logID, helpful, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark feedback %d: %w", logID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("outcome %d: %w", logID, ErrNotFound)
	}
	return nil
}

func (r *postgresRepo) ListRecent(ctx context.Context, limit int) ([]Outcome, error) {
	query := `SELECT log_id, session_id, recommendation, disease, region_label, intake_token, helpful, created_at, updated_at
		FROM triage_outcomes ORDER BY created_at DESC LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var o Outcome
		var helpful sql.NullBool
		err := rows.Scan(
			&o.LogID,
			&o.SessionID,
			&o.Recommendation,
			&o.Disease,
			&o.RegionLabel,
			&o.IntakeToken,
			&helpful,
			&o.CreatedAt,
			&o.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		if helpful.Valid {
			h := helpful.Bool
			o.Helpful = &h
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// memoryRepo is used when no database is reachable.
type memoryRepo struct {
	mu       sync.RWMutex
	outcomes map[int64]Outcome
}

func NewMemoryRepository() Repository {
	return &memoryRepo{outcomes: make(map[int64]Outcome)}
}

func (r *memoryRepo) SaveOutcome(_ context.Context, o *Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if prev, ok := r.outcomes[o.LogID]; ok {
		o.CreatedAt = prev.CreatedAt
		o.Helpful = prev.Helpful
	} else if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	r.outcomes[o.LogID] = *o
	return nil
}

func (r *memoryRepo) MarkFeedback(_ context.Context, logID int64, helpful bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.outcomes[logID]
	if !ok {
		return fmt.Errorf("outcome %d: %w", logID, ErrNotFound)
	}
	o.Helpful = &helpful
	o.UpdatedAt = time.Now().UTC()
	r.outcomes[logID] = o
	return nil
}

func (r *memoryRepo) ListRecent(_ context.Context, limit int) ([]Outcome, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Outcome, 0, len(r.outcomes))
	for _, o := range r.outcomes {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].LogID > out[j].LogID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
