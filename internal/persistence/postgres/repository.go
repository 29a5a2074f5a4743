package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/greenpoints/internal/domain"
	"example.com/greenpoints/internal/events"
	"example.com/greenpoints/internal/observability"
)

// Repository provides Postgres-backed persistence for verifications, ledger entries and outbox events.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// RecordVerification persists the audit row, the optional ledger entry and its outbox event inside a single transaction.
func (r *Repository) RecordVerification(ctx context.Context, record domain.VerificationRecord, award *domain.LedgerEntry) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	const insertVerification = `INSERT INTO action_verifications (id, user_id, action_type, user_description, verification_status, ai_confidence, ai_feedback, points_awarded, video_path, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	_, err = tx.Exec(ctx, insertVerification,
		record.ID,
		record.UserID,
		string(record.Category),
		record.Description,
		string(record.Status),
		record.Confidence,
		record.Feedback,
		record.PointsAwarded,
		nullIfEmpty(record.VideoPath),
		record.CreatedAt,
	)
	if err != nil {
		return err
	}

	if award != nil {
		if err = r.appendTx(ctx, tx, *award); err != nil {
			return err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return err
	}
	if award != nil {
		observability.RecordLedgerAppended(award.CreatedAt)
	}
	return nil
}

// Append writes a standalone ledger entry with its outbox event.
func (r *Repository) Append(ctx context.Context, entry domain.LedgerEntry) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	if err = r.appendTx(ctx, tx, entry); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return err
	}
	observability.RecordLedgerAppended(entry.CreatedAt)
	return nil
}

func (r *Repository) appendTx(ctx context.Context, tx pgx.Tx, entry domain.LedgerEntry) error {
	const insertEntry = `INSERT INTO user_actions (id, user_id, action_type, points, date, day, created_at)
        VALUES ($1,$2,$3,$4,$5::text::date,$6,$7)`

	if _, err := tx.Exec(ctx, insertEntry,
		entry.ID,
		entry.UserID,
		string(entry.Category),
		entry.Points,
		entry.Date,
		entry.Day,
		entry.CreatedAt,
	); err != nil {
		return err
	}
	return r.insertOutbox(ctx, tx, entry, events.LedgerEntryAppendedType, events.FromEntry(entry))
}

func (r *Repository) insertOutbox(ctx context.Context, tx pgx.Tx, entry domain.LedgerEntry, eventType string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	meta := eventCatalog[eventType]
	if meta.Topic == "" {
		return fmt.Errorf("unknown event type: %s", eventType)
	}

	partitionKey := meta.PartitionKeyFn(entry)
	dedupeKey := fmt.Sprintf("%s:%s", entry.ID, eventType)

	const stmt = `INSERT INTO outbox (user_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	_, err = tx.Exec(ctx, stmt,
		entry.UserID,
		"ledger_entry",
		entry.ID,
		eventType,
		meta.Topic,
		meta.SchemaSubject,
		partitionKey,
		body,
		dedupeKey,
	)
	return err
}

// TotalFor sums points across every ledger entry of the user.
func (r *Repository) TotalFor(ctx context.Context, userID string) (int, error) {
	var total int
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(points), 0) FROM user_actions WHERE user_id=$1`, userID).Scan(&total)
	return total, err
}

// EntriesInRange returns entries whose calendar date falls within [start, end], oldest first.
func (r *Repository) EntriesInRange(ctx context.Context, userID string, start, end time.Time) ([]domain.LedgerEntry, error) {
	const query = `SELECT id, user_id, action_type, points, to_char(date, 'YYYY-MM-DD'), day, created_at
        FROM user_actions WHERE user_id=$1 AND date BETWEEN $2::text::date AND $3::text::date
        ORDER BY created_at, id`

	rows, err := r.pool.Query(ctx, query, userID, start.Format(domain.LedgerDateLayout), end.Format(domain.LedgerDateLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]domain.LedgerEntry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, entry)
	}
	return results, rows.Err()
}

// ListByUser returns ledger entries for a user ordered newest first.
func (r *Repository) ListByUser(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.LedgerEntry, *domain.Cursor, error) {
	args := []interface{}{userID, limit}
	query := `SELECT id, user_id, action_type, points, to_char(date, 'YYYY-MM-DD'), day, created_at
        FROM user_actions WHERE user_id=$1`

	if cursor != nil {
		query += ` AND (created_at, id) < ($3, $4)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}

	query += ` ORDER BY created_at DESC, id DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	results := make([]domain.LedgerEntry, 0, limit)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, nil, err
		}
		results = append(results, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var nextCursor *domain.Cursor
	if len(results) == limit {
		last := results[len(results)-1]
		nextCursor = &domain.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return results, nextCursor, nil
}

// Verifications returns the user's audit rows newest first.
func (r *Repository) Verifications(ctx context.Context, userID string, limit int) ([]domain.VerificationRecord, error) {
	const query = `SELECT id, user_id, action_type, user_description, verification_status, ai_confidence, ai_feedback, points_awarded, COALESCE(video_path, ''), created_at
        FROM action_verifications WHERE user_id=$1 ORDER BY created_at DESC, id DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]domain.VerificationRecord, 0)
	for rows.Next() {
		var rec domain.VerificationRecord
		var category, status string
		if err := rows.Scan(&rec.ID, &rec.UserID, &category, &rec.Description, &status, &rec.Confidence, &rec.Feedback, &rec.PointsAwarded, &rec.VideoPath, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Category = domain.ActionCategory(category)
		rec.Status = domain.VerificationStatus(status)
		results = append(results, rec)
	}
	return results, rows.Err()
}

func scanEntry(rows pgx.Rows) (domain.LedgerEntry, error) {
	var entry domain.LedgerEntry
	var category string
	if err := rows.Scan(&entry.ID, &entry.UserID, &category, &entry.Points, &entry.Date, &entry.Day, &entry.CreatedAt); err != nil {
		return domain.LedgerEntry{}, err
	}
	entry.Category = domain.ActionCategory(category)
	return entry, nil
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic          string
	SchemaSubject  string
	PartitionKeyFn func(domain.LedgerEntry) string
}

var eventCatalog = map[string]EventMetadata{
	events.LedgerEntryAppendedType: {
		Topic:         events.LedgerTopic,
		SchemaSubject: events.LedgerSubject,
		PartitionKeyFn: func(e domain.LedgerEntry) string {
			return e.UserID
		},
	},
}
