// Package queue provides the durable sync queue for offline mutations.
// Items are drained in FIFO order by id and dropped after a bounded number
// of failed dispatches.
package queue

import (
	"context"
	"database/sql"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"

	"github.com/kimhsiao/receiptsync/internal/models"
)

// DefaultMaxRetries is the number of dispatch attempts before an item is dropped.
const DefaultMaxRetries = 3

const (
	queueTable = "sync_queue"
	leaseTable = "sync_lease"
	leaseName  = "drain"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

var itemColumns = []string{
	"id", "table_name", "record_id", "action", "payload",
	"enqueued_at", "retry_count", "status", "last_error",
}

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Item is a decoded queue row. When the stored payload cannot be decoded,
// Payload is nil and DecodeErr holds the reason.
type Item struct {
	ID         int64
	Table      string
	RecordID   models.UUID
	Action     models.SyncAction
	Payload    Payload
	DecodeErr  error
	EnqueuedAt int64
	RetryCount int
	Status     models.QueueStatus
	LastError  string
}

// Stats is a point-in-time count of queue rows by status.
type Stats struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// Queue manages the sync_queue table.
type Queue struct {
	db         *sql.DB
	maxRetries int
	clock      func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxRetries overrides DefaultMaxRetries. Values below 1 are ignored.
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(q *Queue) {
		if clock != nil {
			q.clock = clock
		}
	}
}

// New creates a Queue over an already migrated database.
func New(db *sql.DB, opts ...Option) *Queue {
	q := &Queue{
		db:         db,
		maxRetries: DefaultMaxRetries,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// MaxRetries returns the configured dispatch limit.
func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

// Enqueue appends p to the queue using ex, which is normally the caller's
// open transaction so the record write and the queue row commit together.
func Enqueue(ctx context.Context, ex Execer, p Payload, now time.Time) (int64, error) {
	if p == nil {
		return 0, errors.New("enqueue: nil payload")
	}
	if p.RecordID() == "" {
		return 0, errors.Errorf("enqueue %s/%s: empty record id", p.Table(), p.Action())
	}
	raw, err := encodePayload(p)
	if err != nil {
		return 0, errors.Wrap(err, "enqueue")
	}

	ms := now.UnixMilli()
	query, args, err := psql.Insert(queueTable).
		Columns("table_name", "record_id", "action", "payload", "enqueued_at", "retry_count", "status", "updated_at").
		Values(p.Table(), p.RecordID(), string(p.Action()), string(raw), ms, 0, string(models.QueueStatusPending), ms).
		ToSql()
	if err != nil {
		return 0, errors.Wrap(err, "build enqueue")
	}
	res, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrapf(err, "enqueue %s/%s", p.Table(), p.Action())
	}
	return res.LastInsertId()
}

// ListPending returns every item eligible for dispatch, oldest first.
// Rows whose payload no longer decodes are returned with DecodeErr set.
func (q *Queue) ListPending(ctx context.Context) ([]*Item, error) {
	return q.selectItems(ctx, sq.Eq{"status": []string{
		string(models.QueueStatusPending),
		string(models.QueueStatusFailed),
	}})
}

// List returns all queue rows regardless of status, oldest first.
func (q *Queue) List(ctx context.Context) ([]*Item, error) {
	return q.selectItems(ctx, nil)
}

func (q *Queue) selectItems(ctx context.Context, where sq.Sqlizer) ([]*Item, error) {
	b := psql.Select(itemColumns...).From(queueTable).OrderBy("id ASC")
	if where != nil {
		b = b.Where(where)
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "build select")
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query queue")
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		var (
			row       models.SyncQueue
			payload   string
			lastError sql.NullString
		)
		if err := rows.Scan(&row.ID, &row.Table, &row.RecordID, &row.Action, &payload,
			&row.EnqueuedAt, &row.RetryCount, &row.Status, &lastError); err != nil {
			return nil, errors.Wrap(err, "scan queue row")
		}
		item := &Item{
			ID:         row.ID,
			Table:      row.Table,
			RecordID:   row.RecordID,
			Action:     row.Action,
			EnqueuedAt: row.EnqueuedAt,
			RetryCount: row.RetryCount,
			Status:     row.Status,
			LastError:  lastError.String,
		}
		p, err := DecodePayload(row.Table, row.Action, []byte(payload))
		if err != nil {
			item.DecodeErr = errors.Wrapf(err, "queue item %d", row.ID)
		} else {
			item.Payload = p
		}
		items = append(items, item)
	}
	return items, errors.Wrap(rows.Err(), "iterate queue")
}

// MarkInProgress flags an item as being dispatched.
func (q *Queue) MarkInProgress(ctx context.Context, id int64) error {
	return q.setStatus(ctx, id, models.QueueStatusInProgress)
}

func (q *Queue) setStatus(ctx context.Context, id int64, status models.QueueStatus) error {
	query, args, err := psql.Update(queueTable).
		Set("status", string(status)).
		Set("updated_at", q.clock().UnixMilli()).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return errors.Wrap(err, "build status update")
	}
	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrapf(err, "mark item %d %s", id, status)
	}
	return nil
}

// MarkCompleted removes an item. Completing a missing item is a no-op.
func (q *Queue) MarkCompleted(ctx context.Context, id int64) error {
	return Complete(ctx, q.db, id)
}

// Drop removes an item that can never be dispatched.
func (q *Queue) Drop(ctx context.Context, id int64) error {
	return Complete(ctx, q.db, id)
}

// Complete removes an item using ex, so the removal can share a transaction
// with the record update that acknowledges it.
func Complete(ctx context.Context, ex Execer, id int64) error {
	query, args, err := psql.Delete(queueTable).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return errors.Wrap(err, "build delete")
	}
	if _, err := ex.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrapf(err, "complete item %d", id)
	}
	return nil
}

// MarkFailed records a failed dispatch. Once the retry count reaches the
// limit the item is deleted and dropped is true. A missing item reports
// dropped false with a zero retry count.
func (q *Queue) MarkFailed(ctx context.Context, id int64, cause error) (dropped bool, retryCount int, err error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, errors.Wrap(err, "begin mark failed")
	}
	defer tx.Rollback()

	query, args, err := psql.Select("retry_count").From(queueTable).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return false, 0, errors.Wrap(err, "build retry select")
	}
	var current int
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return false, 0, nil
		}
		return false, 0, errors.Wrapf(err, "read retry count %d", id)
	}
	retryCount = current + 1

	if retryCount >= q.maxRetries {
		query, args, err = psql.Delete(queueTable).Where(sq.Eq{"id": id}).ToSql()
		dropped = true
	} else {
		query, args, err = psql.Update(queueTable).
			Set("retry_count", retryCount).
			Set("status", string(models.QueueStatusFailed)).
			Set("last_error", msg).
			Set("updated_at", q.clock().UnixMilli()).
			Where(sq.Eq{"id": id}).
			ToSql()
	}
	if err != nil {
		return false, 0, errors.Wrap(err, "build mark failed")
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return false, 0, errors.Wrapf(err, "mark item %d failed", id)
	}
	if err := tx.Commit(); err != nil {
		return false, 0, errors.Wrap(err, "commit mark failed")
	}
	return dropped, retryCount, nil
}

// Recover returns items left in-progress by an interrupted drain to pending.
// Callers must hold the drain lease, otherwise another process's in-flight
// item would be dispatched twice.
func (q *Queue) Recover(ctx context.Context) (int64, error) {
	query, args, err := psql.Update(queueTable).
		Set("status", string(models.QueueStatusPending)).
		Set("updated_at", q.clock().UnixMilli()).
		Where(sq.Eq{"status": string(models.QueueStatusInProgress)}).
		ToSql()
	if err != nil {
		return 0, errors.Wrap(err, "build recover")
	}
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrap(err, "recover queue")
	}
	return res.RowsAffected()
}

// AcquireLease takes or renews the drain lease for owner. It returns false
// while another owner holds an unexpired lease.
func (q *Queue) AcquireLease(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	now := q.clock().UnixMilli()
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO `+leaseTable+` (name, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE `+leaseTable+`.owner = excluded.owner OR `+leaseTable+`.expires_at <= ?`,
		leaseName, owner, now+ttl.Milliseconds(), now)
	if err != nil {
		return false, errors.Wrap(err, "acquire drain lease")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "acquire drain lease")
	}
	return n == 1, nil
}

// ReleaseLease gives up the drain lease if owner still holds it.
func (q *Queue) ReleaseLease(ctx context.Context, owner string) error {
	query, args, err := psql.Delete(leaseTable).
		Where(sq.Eq{"name": leaseName, "owner": owner}).
		ToSql()
	if err != nil {
		return errors.Wrap(err, "build release")
	}
	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrap(err, "release drain lease")
	}
	return nil
}

// Size returns the number of rows in the queue.
func (q *Queue) Size(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+queueTable).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count queue")
	}
	return n, nil
}

// Stats counts queue rows grouped by status.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	query, args, err := psql.Select("status", "COUNT(*)").From(queueTable).GroupBy("status").ToSql()
	if err != nil {
		return s, errors.Wrap(err, "build stats")
	}
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return s, errors.Wrap(err, "queue stats")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status models.QueueStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return s, errors.Wrap(err, "scan stats")
		}
		switch status {
		case models.QueueStatusPending:
			s.Pending = n
		case models.QueueStatusInProgress:
			s.InProgress = n
		case models.QueueStatusFailed:
			s.Failed = n
		}
		s.Total += n
	}
	return s, errors.Wrap(rows.Err(), "iterate stats")
}

// Outstanding reports whether any queue row still targets the record,
// reading through q so it can run inside the caller's transaction.
func Outstanding(ctx context.Context, q Querier, table string, recordID models.UUID) (bool, error) {
	query, args, err := psql.Select("1").From(queueTable).
		Where(sq.Eq{"table_name": table, "record_id": recordID}).
		Limit(1).
		ToSql()
	if err != nil {
		return false, errors.Wrap(err, "build outstanding")
	}
	var one int
	err = q.QueryRowContext(ctx, query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "outstanding %s/%s", table, recordID)
	}
	return true, nil
}
