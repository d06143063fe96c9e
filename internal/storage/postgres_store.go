package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-booking/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// AuditFilter narrows the audit log listing.
type AuditFilter struct {
	EntityType string
	EntityID   string
	ActorID    string
}

// AuditLog is the append-only record of state changes. Append is
// idempotent on EventID so replayed events are harmless.
type AuditLog interface {
	Append(ctx context.Context, e models.AuditEntry) error
	List(ctx context.Context, f AuditFilter, p Page) ([]models.AuditEntry, int64, error)
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies the embedded SQL files in name order. Every statement is
// written to be re-runnable.
func (p *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return nil, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return nil, fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return names, nil
}

func (p *PostgresStore) Append(ctx context.Context, e models.AuditEntry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return err
	}
	if e.Details == nil {
		details = []byte("{}")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO audit_log(event_id, action, entity_type, entity_id, actor_id, details, created_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7) ON CONFLICT (event_id) DO NOTHING`,
		e.EventID, e.Action, e.EntityType, e.EntityID, e.ActorID, details, e.CreatedAt)
	return err
}

func (p *PostgresStore) List(ctx context.Context, f AuditFilter, pg Page) ([]models.AuditEntry, int64, error) {
	var (
		where []string
		args  []any
	)
	add := func(col, v string) {
		if v == "" {
			return
		}
		args = append(args, v)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("entity_type", f.EntityType)
	add("entity_id", f.EntityID)
	add("actor_id", f.ActorID)
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM audit_log"+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := "SELECT id, event_id, action, entity_type, entity_id, actor_id, details, created_at FROM audit_log" +
		clause + " ORDER BY created_at DESC, id DESC"
	if pg.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d OFFSET %d", pg.Limit, pg.skip())
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []models.AuditEntry{}
	for rows.Next() {
		var (
			e   models.AuditEntry
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.EventID, &e.Action, &e.EntityType, &e.EntityID, &e.ActorID, &raw, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &e.Details)
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

func (p *PostgresStore) Close() error { return p.db.Close() }

type MemoryAuditLog struct {
	mu      sync.RWMutex
	seq     int64
	entries []models.AuditEntry
	seen    map[string]struct{}
}

func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{seen: make(map[string]struct{})}
}

func (m *MemoryAuditLog) Append(_ context.Context, e models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.seen[e.EventID]; dup && e.EventID != "" {
		return nil
	}
	m.seq++
	e.ID = m.seq
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.entries = append(m.entries, e)
	m.seen[e.EventID] = struct{}{}
	return nil
}

func (m *MemoryAuditLog) List(_ context.Context, f AuditFilter, p Page) ([]models.AuditEntry, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.AuditEntry{}
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if (f.EntityType == "" || f.EntityType == e.EntityType) &&
			(f.EntityID == "" || f.EntityID == e.EntityID) &&
			(f.ActorID == "" || f.ActorID == e.ActorID) {
			out = append(out, e)
		}
	}
	total := int64(len(out))
	start := p.skip()
	if start >= total {
		return []models.AuditEntry{}, total, nil
	}
	out = out[start:]
	if p.Limit > 0 && len(out) > p.Limit {
		out = out[:p.Limit]
	}
	return out, total, nil
}
