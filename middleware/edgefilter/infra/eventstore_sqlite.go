package infra

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"filtering-gateway/middleware/edgefilter/domain"

	_ "modernc.org/sqlite" // driver SQLite puro-Go
)

const sqliteSchema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS filter_events (
	client_key TEXT NOT NULL,
	source     TEXT NOT NULL,
	outcome    INTEGER NOT NULL,
	count      INTEGER NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (client_key, source, outcome)
);

CREATE INDEX IF NOT EXISTS idx_filter_events_key ON filter_events (client_key);
`

// SQLiteEventStore é a variante durável do agregado de filtragem.
//
// Mesmo contrato do MemoryEventStore, sem política de orçamento de memória:
// o upsert incrementa o agregado direto na tabela e as consultas agrupam por
// SQL. O gate segue a mesma disciplina: compartilhado para operações normais,
// exclusivo só no Clear.
type SQLiteEventStore struct {
	gate  sync.RWMutex
	db    *sql.DB
	clock func() time.Time
}

// SQLiteEventStoreOption configura o SQLiteEventStore na construção.
type SQLiteEventStoreOption func(*SQLiteEventStore)

// WithSQLiteClock troca a fonte de tempo (testes).
func WithSQLiteClock(clock func() time.Time) SQLiteEventStoreOption {
	return func(s *SQLiteEventStore) { s.clock = clock }
}

// OpenSQLiteEventStore abre (ou cria) a base no caminho dado e aplica o
// schema. Use ":memory:" para uma base efêmera.
func OpenSQLiteEventStore(ctx context.Context, path string, o ...SQLiteEventStoreOption) (*SQLiteEventStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &SQLiteEventStore{db: db, clock: time.Now}
	for _, opt := range o {
		opt(s)
	}
	return s, nil
}

func (s *SQLiteEventStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Store implementa domain.EventStore via upsert de incremento.
func (s *SQLiteEventStore) Store(ctx context.Context, ev domain.Event) error {
	s.gate.RLock()
	defer s.gate.RUnlock()

	at := ev.At
	if at.IsZero() {
		at = s.clock()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO filter_events (client_key, source, outcome, count, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (client_key, source, outcome)
		DO UPDATE SET count = count + 1, updated_at = excluded.updated_at
	`, ev.ClientKey, ev.Source, int(ev.Outcome), at.UTC())
	if err != nil {
		return fmt.Errorf("store event: %w", err)
	}
	return nil
}

// BlacklistCount implementa domain.EventStore.
func (s *SQLiteEventStore) BlacklistCount(ctx context.Context, clientKey string) (int64, error) {
	return s.countByOutcome(ctx, clientKey, domain.OutcomeBlacklist)
}

// UnmatchedCount implementa domain.EventStore.
func (s *SQLiteEventStore) UnmatchedCount(ctx context.Context, clientKey string) (int64, error) {
	return s.countByOutcome(ctx, clientKey, domain.OutcomeUnmatched)
}

func (s *SQLiteEventStore) countByOutcome(ctx context.Context, clientKey string, out domain.Outcome) (int64, error) {
	s.gate.RLock()
	defer s.gate.RUnlock()

	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(count), 0) FROM filter_events
		WHERE client_key = ? AND outcome = ?
	`, clientKey, int(out)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count by outcome: %w", err)
	}
	return n, nil
}

// BySourceAndOutcome implementa domain.EventStore.
func (s *SQLiteEventStore) BySourceAndOutcome(ctx context.Context, clientKey string) (map[domain.SourceOutcome]int64, error) {
	s.gate.RLock()
	defer s.gate.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT source, outcome, count FROM filter_events WHERE client_key = ?
	`, clientKey)
	if err != nil {
		return nil, fmt.Errorf("query by source/outcome: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.SourceOutcome]int64)
	for rows.Next() {
		var (
			source  string
			outcome int
			n       int64
		)
		if err := rows.Scan(&source, &outcome, &n); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out[domain.SourceOutcome{Source: source, Outcome: domain.Outcome(outcome)}] = n
	}
	return out, rows.Err()
}

// BySource implementa domain.EventStore.
func (s *SQLiteEventStore) BySource(ctx context.Context, clientKey string) (map[string]int64, error) {
	s.gate.RLock()
	defer s.gate.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT source, SUM(count) FROM filter_events WHERE client_key = ? GROUP BY source
	`, clientKey)
	if err != nil {
		return nil, fmt.Errorf("query by source: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			source string
			n      int64
		)
		if err := rows.Scan(&source, &n); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out[source] = n
	}
	return out, rows.Err()
}

// ByOutcome implementa domain.EventStore.
func (s *SQLiteEventStore) ByOutcome(ctx context.Context, clientKey string) (map[domain.Outcome]int64, error) {
	s.gate.RLock()
	defer s.gate.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT outcome, SUM(count) FROM filter_events WHERE client_key = ? GROUP BY outcome
	`, clientKey)
	if err != nil {
		return nil, fmt.Errorf("query by outcome: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.Outcome]int64)
	for rows.Next() {
		var (
			outcome int
			n       int64
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out[domain.Outcome(outcome)] = n
	}
	return out, rows.Err()
}

// Remove implementa domain.EventStore com DELETE de predicado dinâmico.
func (s *SQLiteEventStore) Remove(ctx context.Context, clientKey string, filter domain.RemoveFilter) error {
	s.gate.RLock()
	defer s.gate.RUnlock()

	var (
		where = []string{"client_key = ?"}
		args  = []any{clientKey}
	)
	if filter.Source != "" {
		where = append(where, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.Outcome != nil {
		where = append(where, "outcome = ?")
		args = append(args, int(*filter.Outcome))
	}

	_, err := s.db.ExecContext(ctx, "DELETE FROM filter_events WHERE "+strings.Join(where, " AND "), args...)
	if err != nil {
		return fmt.Errorf("remove events: %w", err)
	}
	return nil
}

// Clear implementa domain.EventStore. Exclusivo, como na variante em memória.
func (s *SQLiteEventStore) Clear(ctx context.Context) error {
	s.gate.Lock()
	defer s.gate.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM filter_events"); err != nil {
		return fmt.Errorf("clear events: %w", err)
	}
	return nil
}

var _ domain.EventStore = (*SQLiteEventStore)(nil)
