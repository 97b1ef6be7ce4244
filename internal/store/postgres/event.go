package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bastion-sec/bastion/internal/models"
	"github.com/jackc/pgx/v5"
)

// EventSink persists audit events in the audit_events table
type EventSink struct {
	db *DB
}

func NewEventSink(db *DB) *EventSink {
	return &EventSink{db: db}
}

const eventColumns = `id, event_time, identity, origin, kind, severity, outcome, detail`

func scanEvent(row pgx.Row) (*models.AuditEvent, error) {
	var e models.AuditEvent
	err := row.Scan(&e.ID, &e.Timestamp, &e.Identity, &e.Origin, &e.Kind, &e.Severity, &e.Outcome, &e.Detail)
	if err != nil {
		return nil, MapError(err)
	}
	return &e, nil
}

func (s *EventSink) Append(ctx context.Context, event *models.AuditEvent) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO audit_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		event.ID, event.Timestamp, event.Identity, event.Origin,
		event.Kind, event.Severity, event.Outcome, event.Detail,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", MapError(err))
	}
	return nil
}

func (s *EventSink) Query(ctx context.Context, tr models.TimeRange, filter models.EventFilter) ([]*models.AuditEvent, error) {
	var (
		conds = []string{"event_time >= $1", "event_time < $2"}
		args  = []interface{}{tr.From, tr.To}
	)

	addCond := func(expr string, value interface{}) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}

	if filter.Identity != nil {
		addCond("identity = $%d", *filter.Identity)
	}
	if filter.Origin != nil {
		addCond("origin = $%d", *filter.Origin)
	}
	if filter.Severity != nil {
		addCond("severity = $%d", *filter.Severity)
	}
	if filter.Outcome != nil {
		addCond("outcome = $%d", *filter.Outcome)
	}
	if len(filter.Kinds) > 0 {
		addCond("kind = ANY($%d)", filter.Kinds)
	}

	query := `SELECT ` + eventColumns + ` FROM audit_events WHERE ` +
		strings.Join(conds, " AND ") + ` ORDER BY event_time ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	events := make([]*models.AuditEvent, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit event rows: %w", err)
	}
	return events, nil
}

func (s *EventSink) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM audit_events WHERE event_time < $1`, t)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit events: %w", err)
	}
	return tag.RowsAffected(), nil
}
