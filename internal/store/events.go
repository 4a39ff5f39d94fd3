package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"relcal/internal/model"
)

// ErrNotFound is returned when an event does not exist for the tenant.
var ErrNotFound = errors.New("event not found")

// Store persists calendar events. Every query is scoped to a tenant.
type Store struct {
	db *sql.DB
}

// New wraps an open, migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const eventColumns = `id, tenant_id, title, description, start_at, end_at, is_all_day,
	color, recurrence_rule, source_type, source_task_id, subscription_id`

const insertEvent = `INSERT INTO calendar_events (` + eventColumns + `, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CreateEvent inserts ev. ID and TenantID must be set.
func (s *Store) CreateEvent(ctx context.Context, ev model.CalendarEvent) error {
	return insert(ctx, s.db, ev)
}

func insert(ctx context.Context, db execer, ev model.CalendarEvent) error {
	if ev.ID == "" || ev.TenantID == "" {
		return errors.New("store: event id and tenant are required")
	}

	var endAt sql.NullInt64
	if ev.EndAt != nil {
		endAt = sql.NullInt64{Int64: toMillis(*ev.EndAt), Valid: true}
	}
	var rule sql.NullString
	if ev.IsRecurring() {
		rule = sql.NullString{String: ev.RecurrenceRule, Valid: true}
	}

	_, err := db.ExecContext(ctx, insertEvent,
		ev.ID,
		ev.TenantID,
		ev.Title,
		ev.Description,
		toMillis(ev.StartAt),
		endAt,
		ev.IsAllDay,
		ev.Color,
		rule,
		string(ev.SourceType),
		ev.SourceTaskID,
		ev.SubscriptionID,
		toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("store: insert event %s: %w", ev.ID, err)
	}
	return nil
}

// GetEvent returns a single event owned by tenant.
func (s *Store) GetEvent(ctx context.Context, tenant, id string) (model.CalendarEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM calendar_events WHERE tenant_id = ? AND id = ?`,
		tenant, id)

	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CalendarEvent{}, ErrNotFound
	}
	if err != nil {
		return model.CalendarEvent{}, fmt.Errorf("store: get event %s: %w", id, err)
	}
	return ev, nil
}

// DeleteEvent removes an event owned by tenant.
func (s *Store) DeleteEvent(ctx context.Context, tenant, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM calendar_events WHERE tenant_id = ? AND id = ?`, tenant, id)
	if err != nil {
		return fmt.Errorf("store: delete event %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete event %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListCandidates returns the events that may contribute occurrences to a
// window ending at rangeEnd: single events starting at or before rangeEnd,
// and every recurring event regardless of its anchor.
func (s *Store) ListCandidates(ctx context.Context, tenant string, rangeEnd time.Time) ([]model.CalendarEvent, error) {
	return s.query(ctx,
		`SELECT `+eventColumns+` FROM calendar_events
		WHERE tenant_id = ? AND (recurrence_rule IS NOT NULL OR start_at <= ?)
		ORDER BY start_at, id`,
		tenant, toMillis(rangeEnd))
}

// ListEvents returns all stored events of tenant ordered by start.
func (s *Store) ListEvents(ctx context.Context, tenant string) ([]model.CalendarEvent, error) {
	return s.query(ctx,
		`SELECT `+eventColumns+` FROM calendar_events WHERE tenant_id = ? ORDER BY start_at, id`,
		tenant)
}

// ReplaceSubscriptionEvents swaps all events previously imported from
// subscriptionID with events in one transaction.
func (s *Store) ReplaceSubscriptionEvents(ctx context.Context, tenant, subscriptionID string, events []model.CalendarEvent) error {
	if subscriptionID == "" {
		return errors.New("store: subscription id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM calendar_events WHERE tenant_id = ? AND subscription_id = ?`,
		tenant, subscriptionID); err != nil {
		return fmt.Errorf("store: clear subscription %s: %w", subscriptionID, err)
	}

	for _, ev := range events {
		ev.TenantID = tenant
		ev.SubscriptionID = subscriptionID
		if err := insert(ctx, tx, ev); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit subscription %s: %w", subscriptionID, err)
	}
	return nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]model.CalendarEvent, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query events: %w", err)
	}
	defer rows.Close()

	events := make([]model.CalendarEvent, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate events: %w", err)
	}
	return events, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (model.CalendarEvent, error) {
	var (
		ev         model.CalendarEvent
		startAt    int64
		endAt      sql.NullInt64
		rule       sql.NullString
		sourceType string
	)

	if err := row.Scan(
		&ev.ID,
		&ev.TenantID,
		&ev.Title,
		&ev.Description,
		&startAt,
		&endAt,
		&ev.IsAllDay,
		&ev.Color,
		&rule,
		&sourceType,
		&ev.SourceTaskID,
		&ev.SubscriptionID,
	); err != nil {
		return model.CalendarEvent{}, err
	}

	ev.StartAt = fromMillis(startAt)
	if endAt.Valid {
		end := fromMillis(endAt.Int64)
		ev.EndAt = &end
	}
	ev.RecurrenceRule = rule.String
	ev.SourceType = model.SourceType(sourceType)
	return ev, nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
