// Package history records every check outcome per subscriber for reporting and retention.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"slotwatch/pkg/slotwatch"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Retention is how long history rows are kept by default.
const Retention = 7 * 24 * time.Hour

// Entry is one outcome as seen by one subscriber.
type Entry struct {
	CheckedAt      time.Time
	SubscriptionID string
	Fingerprint    string
	Date           string
	ProductID      string
	Language       string
	Status         slotwatch.Status
	Source         slotwatch.Source
	Error          string
	Slots          []slotwatch.Slot
}

// EntriesFor expands one outcome into one entry per subscriber.
func EntriesFor(out *slotwatch.CheckOutcome, subscriptionIDs []string) []Entry {
	entries := make([]Entry, 0, len(subscriptionIDs))
	var errText string
	if out.Err != nil {
		errText = out.Err.Error()
	}
	for _, id := range subscriptionIDs {
		entries = append(entries, Entry{
			CheckedAt:      out.CheckedAt,
			SubscriptionID: id,
			Fingerprint:    out.Fingerprint.String(),
			Date:           out.Fingerprint.Date,
			ProductID:      out.Fingerprint.ProductID,
			Language:       out.Fingerprint.Language,
			Status:         out.Status(),
			Source:         out.Source,
			Error:          errText,
			Slots:          out.Slots,
		})
	}
	return entries
}

const schema = `
CREATE TABLE IF NOT EXISTS check_history (
	id              BIGSERIAL PRIMARY KEY,
	checked_at      TIMESTAMPTZ NOT NULL,
	subscription_id TEXT NOT NULL,
	fingerprint     TEXT NOT NULL,
	visit_date      TEXT NOT NULL,
	product_id      TEXT,
	language        TEXT,
	status          TEXT NOT NULL,
	source          TEXT,
	error           TEXT,
	slots           JSONB NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS check_history_checked_at_idx ON check_history (checked_at);
CREATE INDEX IF NOT EXISTS check_history_subscription_idx ON check_history (subscription_id, checked_at DESC);
`

// Postgres stores history in PostgreSQL.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	// PgBouncer in transaction mode rejects prepared statements.
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool, logger: logger}, nil
}

// Migrate creates the history table if needed.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate history schema: %w", err)
	}
	return nil
}

// Record inserts entries in one batch.
func (p *Postgres) Record(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		slots := e.Slots
		if slots == nil {
			slots = []slotwatch.Slot{}
		}
		data, err := json.Marshal(slots)
		if err != nil {
			return fmt.Errorf("marshal slots: %w", err)
		}
		batch.Queue(`
			INSERT INTO check_history
				(checked_at, subscription_id, fingerprint, visit_date, product_id, language, status, source, error, slots)
			VALUES
				($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, NULLIF($8, ''), NULLIF($9, ''), $10::jsonb)
		`, e.CheckedAt, e.SubscriptionID, e.Fingerprint, e.Date, e.ProductID, e.Language,
			string(e.Status), string(e.Source), e.Error, string(data))
	}

	br := p.pool.SendBatch(ctx, batch)
	for range entries {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("insert history: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close history batch: %w", err)
	}
	return nil
}

// Prune deletes rows checked before cutoff and returns how many were removed.
func (p *Postgres) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM check_history WHERE checked_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	p.logger.Info("History pruned", "cutoff", cutoff.Format(time.RFC3339), "deleted", tag.RowsAffected())
	return tag.RowsAffected(), nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Memory keeps history in process, for development without a database.
type Memory struct {
	entries []Entry
	mu      sync.Mutex
}

// NewMemory creates an empty Memory recorder.
func NewMemory() *Memory {
	return &Memory{}
}

// Record appends entries.
func (m *Memory) Record(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entries...)
	return nil
}

// Prune drops entries checked before cutoff.
func (m *Memory) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	for _, e := range m.entries {
		if !e.CheckedAt.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	removed := int64(len(m.entries) - len(kept))
	m.entries = kept
	return removed, nil
}

// Entries returns a copy of the stored entries, oldest first.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]Entry(nil), m.entries...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CheckedAt.Before(out[j].CheckedAt) })
	return out
}
