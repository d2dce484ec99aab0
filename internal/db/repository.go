// Package db provides the Local Store: receipts, categories, settings and
// conflict logs, each mutation committed together with its sync queue item.
package db

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"

	apperrors "github.com/kimhsiao/receiptsync/internal/errors"
	"github.com/kimhsiao/receiptsync/internal/models"
	"github.com/kimhsiao/receiptsync/internal/sync/queue"
	"github.com/kimhsiao/receiptsync/internal/uuid"
)

// ErrNotFound is returned when a record does not exist or is soft-deleted.
var ErrNotFound = apperrors.New(apperrors.ErrNotFound, "record not found")

// ErrInvalid is returned for malformed input.
var ErrInvalid = apperrors.New(apperrors.ErrInvalid, "invalid input")

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

const receiptColumns = `id, merchant, date, amount, category, status, image_uri,
	created_at, updated_at, is_synced, pending_action`

const categoryColumns = `id, name, color, icon, created_at, updated_at, is_synced, pending_action`

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Repository is the Local Store.
type Repository struct {
	db    *sql.DB
	clock func() time.Time

	// Prepared statement cache for frequently used read queries
	stmtCache sync.Map // map[string]*sql.Stmt
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*Repository)

// WithClock overrides the time source used for timestamps.
func WithClock(clock func() time.Time) RepositoryOption {
	return func(r *Repository) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB, opts ...RepositoryOption) *Repository {
	r := &Repository{db: db, clock: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "prepare statement")
	}

	// If already stored by another goroutine, use existing
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
// Should be called when the Repository is no longer needed.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

func (r *Repository) now() int64 {
	return r.clock().UnixMilli()
}

// withTx runs fn in a transaction, committing only if fn succeeds.
func (r *Repository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit transaction")
}

// =====================================================
// Receipt Operations
// =====================================================

func scanReceipt(s rowScanner) (*models.Receipt, error) {
	var rec models.Receipt
	err := s.Scan(&rec.ID, &rec.Merchant, &rec.Date, &rec.Amount, &rec.Category,
		&rec.Status, &rec.ImageURI, &rec.CreatedAt, &rec.UpdatedAt,
		&rec.IsSynced, &rec.PendingAction)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func getReceipt(ctx context.Context, q querier, id models.UUID, includeDeleted bool) (*models.Receipt, error) {
	query := "SELECT " + receiptColumns + " FROM receipts WHERE id = ?"
	if !includeDeleted {
		query += " AND status != '" + models.StatusDeleted + "'"
	}
	rec, err := scanReceipt(q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "receipt %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get receipt %s", id)
	}
	return rec, nil
}

func validateReceipt(rec *models.Receipt) error {
	if rec.Amount < 0 {
		return errors.Wrapf(ErrInvalid, "amount %v is negative", rec.Amount)
	}
	if rec.Date != "" {
		if _, err := time.Parse(DateLayout, rec.Date); err != nil {
			return errors.Wrapf(ErrInvalid, "date %q is not YYYY-MM-DD", rec.Date)
		}
	}
	return nil
}

func upsertReceipt(ctx context.Context, ex queue.Execer, rec *models.Receipt) error {
	query := `
	INSERT INTO receipts (` + receiptColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		merchant = excluded.merchant,
		date = excluded.date,
		amount = excluded.amount,
		category = excluded.category,
		status = excluded.status,
		image_uri = excluded.image_uri,
		updated_at = excluded.updated_at,
		is_synced = excluded.is_synced,
		pending_action = excluded.pending_action
	`
	_, err := ex.ExecContext(ctx, query, rec.ID, rec.Merchant, rec.Date, rec.Amount,
		rec.Category, rec.Status, rec.ImageURI, rec.CreatedAt, rec.UpdatedAt,
		rec.IsSynced, rec.PendingAction)
	return errors.Wrapf(err, "upsert receipt %s", rec.ID)
}

// SaveReceipt upserts a receipt by id. A new receipt gets a fresh id when it
// has none and is queued as a create; an existing one is queued as an update.
// A receipt whose create was dropped before reaching the remote is queued as
// a create again.
func (r *Repository) SaveReceipt(ctx context.Context, in *models.Receipt) (*models.Receipt, error) {
	if in == nil {
		return nil, errors.Wrap(ErrInvalid, "nil receipt")
	}
	if err := validateReceipt(in); err != nil {
		return nil, err
	}

	rec := *in
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		now := r.now()

		var existing *models.Receipt
		if rec.ID != "" {
			found, err := getReceipt(ctx, tx, rec.ID, true)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			existing = found
		} else {
			rec.ID = models.UUID(uuid.New())
		}

		create := existing == nil
		if existing != nil && existing.PendingAction == models.ActionCreate {
			queued, err := queue.Outstanding(ctx, tx, models.TableReceipts, rec.ID)
			if err != nil {
				return err
			}
			create = !queued
		}

		var payload queue.Payload
		if existing == nil {
			rec.CreatedAt = now
		} else {
			rec.CreatedAt = existing.CreatedAt
		}
		if create {
			rec.PendingAction = models.ActionCreate
		} else {
			rec.PendingAction = models.ActionUpdate
		}
		if rec.Status == "" {
			rec.Status = models.StatusActive
		}
		rec.UpdatedAt = now
		rec.IsSynced = false

		if err := upsertReceipt(ctx, tx, &rec); err != nil {
			return err
		}
		if create {
			payload = queue.ReceiptCreate{Receipt: rec}
		} else {
			payload = queue.ReceiptUpdate{Receipt: rec}
		}
		_, err := queue.Enqueue(ctx, tx, payload, r.clock())
		return errors.Wrap(err, "enqueue receipt")
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveMany saves each receipt as its own mutation. It stops at the first
// error and returns the receipts saved so far.
func (r *Repository) SaveMany(ctx context.Context, receipts []*models.Receipt) ([]*models.Receipt, error) {
	saved := make([]*models.Receipt, 0, len(receipts))
	for _, in := range receipts {
		rec, err := r.SaveReceipt(ctx, in)
		if err != nil {
			return saved, err
		}
		saved = append(saved, rec)
	}
	return saved, nil
}

// UpdateReceipt merges patch into a live receipt and queues an update.
// An empty patch returns the current receipt without queuing anything.
func (r *Repository) UpdateReceipt(ctx context.Context, id models.UUID, patch models.ReceiptPatch) (*models.Receipt, error) {
	var rec *models.Receipt
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getReceipt(ctx, tx, id, false)
		if err != nil {
			return err
		}
		rec = current
		if patch.Empty() {
			return nil
		}

		patch.Apply(rec)
		if rec.IsDeleted() {
			return errors.Wrap(ErrInvalid, "use SoftDeleteReceipt to delete")
		}
		if err := validateReceipt(rec); err != nil {
			return err
		}
		rec.UpdatedAt = r.now()
		rec.IsSynced = false
		rec.PendingAction = models.ActionUpdate

		if err := upsertReceipt(ctx, tx, rec); err != nil {
			return err
		}
		_, err = queue.Enqueue(ctx, tx, queue.ReceiptUpdate{Receipt: *rec}, r.clock())
		return errors.Wrap(err, "enqueue receipt")
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// SoftDeleteReceipt marks a receipt deleted and queues the remote delete.
// The row is kept until that delete completes.
func (r *Repository) SoftDeleteReceipt(ctx context.Context, id models.UUID) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := getReceipt(ctx, tx, id, false)
		if err != nil {
			return err
		}
		rec.Status = models.StatusDeleted
		rec.UpdatedAt = r.now()
		rec.IsSynced = false
		rec.PendingAction = models.ActionDelete

		if err := upsertReceipt(ctx, tx, rec); err != nil {
			return err
		}
		_, err = queue.Enqueue(ctx, tx, queue.ReceiptDelete{ID: id}, r.clock())
		return errors.Wrap(err, "enqueue receipt delete")
	})
}

// SoftDeleteMany deletes each receipt as its own mutation, stopping at the
// first error.
func (r *Repository) SoftDeleteMany(ctx context.Context, ids []models.UUID) error {
	for _, id := range ids {
		if err := r.SoftDeleteReceipt(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// GetReceipt retrieves a live receipt by id.
func (r *Repository) GetReceipt(ctx context.Context, id models.UUID) (*models.Receipt, error) {
	stmt, err := r.PrepareStmt(ctx, "SELECT "+receiptColumns+" FROM receipts WHERE id = ? AND status != ?")
	if err != nil {
		return nil, err
	}
	rec, err := scanReceipt(stmt.QueryRowContext(ctx, id, models.StatusDeleted))
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "receipt %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get receipt %s", id)
	}
	return rec, nil
}

// ListReceipts returns receipts matching filter, newest date first.
// Soft-deleted rows are excluded unless IncludeDeleted is set.
func (r *Repository) ListReceipts(ctx context.Context, filter ReceiptFilter) ([]*models.Receipt, error) {
	if err := filter.Validate(); err != nil {
		return nil, errors.Wrap(ErrInvalid, err.Error())
	}

	b := psql.Select(receiptColumns).From("receipts").
		OrderBy("date DESC", "created_at DESC", "id ASC")
	if !filter.IncludeDeleted {
		b = b.Where(sq.NotEq{"status": models.StatusDeleted})
	}
	if where := filter.Builder().Build(); where != nil {
		b = b.Where(where)
	}
	if filter.Limit > 0 {
		b = b.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		if filter.Limit == 0 {
			b = b.Limit(1<<63 - 1)
		}
		b = b.Offset(uint64(filter.Offset))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "build receipt list")
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list receipts")
	}
	defer rows.Close()

	receipts := make([]*models.Receipt, 0)
	for rows.Next() {
		rec, err := scanReceipt(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan receipt")
		}
		receipts = append(receipts, rec)
	}
	return receipts, errors.Wrap(rows.Err(), "iterate receipts")
}

// ImportRemote stores remote receipts as synced rows without queuing them.
// Rows with a local pending action are left untouched. It returns the
// number of rows written.
func (r *Repository) ImportRemote(ctx context.Context, receipts []*models.Receipt) (int, error) {
	written := 0
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		now := r.now()
		for _, in := range receipts {
			if in == nil || in.ID == "" {
				continue
			}
			rec := *in
			if rec.CreatedAt <= 0 {
				rec.CreatedAt = now
			}
			if rec.UpdatedAt < rec.CreatedAt {
				rec.UpdatedAt = rec.CreatedAt
			}
			if rec.Status == "" {
				rec.Status = models.StatusActive
			}

			res, err := tx.ExecContext(ctx, `
			INSERT INTO receipts (`+receiptColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, NULL)
			ON CONFLICT(id) DO UPDATE SET
				merchant = excluded.merchant,
				date = excluded.date,
				amount = excluded.amount,
				category = excluded.category,
				status = excluded.status,
				image_uri = excluded.image_uri,
				created_at = excluded.created_at,
				updated_at = excluded.updated_at,
				is_synced = 1,
				pending_action = NULL
			WHERE receipts.pending_action IS NULL
			`, rec.ID, rec.Merchant, rec.Date, rec.Amount, rec.Category, rec.Status,
				rec.ImageURI, rec.CreatedAt, rec.UpdatedAt)
			if err != nil {
				return errors.Wrapf(err, "import receipt %s", rec.ID)
			}
			n, _ := res.RowsAffected()
			written += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// =====================================================
// Sync Acknowledgement
// =====================================================

// CompleteSync removes a dispatched queue item and acknowledges its record
// in one transaction: deletes purge the row, other actions mark it synced.
func (r *Repository) CompleteSync(ctx context.Context, item *queue.Item, winner *models.Receipt) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if err := queue.Complete(ctx, tx, item.ID); err != nil {
			return errors.Wrap(err, "complete queue item")
		}
		if item.Action == models.ActionDelete && item.Table == models.TableReceipts {
			return purgeReceipt(ctx, tx, item.RecordID)
		}
		return markSynced(ctx, tx, item.Table, item.RecordID, winner)
	})
}

func tableFor(table string) (string, error) {
	switch table {
	case models.TableReceipts, models.TableCategories:
		return table, nil
	}
	return "", errors.Wrapf(ErrInvalid, "unknown table %q", table)
}

const noOutstanding = `NOT EXISTS (SELECT 1 FROM sync_queue WHERE table_name = ? AND record_id = ?)`

func markSynced(ctx context.Context, ex queue.Execer, table string, id models.UUID, winner *models.Receipt) error {
	table, err := tableFor(table)
	if err != nil {
		return err
	}

	if winner != nil && table == models.TableReceipts && !winner.IsDeleted() {
		_, err = ex.ExecContext(ctx, `
		UPDATE receipts SET merchant = ?, date = ?, amount = ?, category = ?, status = ?,
			image_uri = ?, updated_at = MAX(created_at, ?), is_synced = 1, pending_action = NULL
		WHERE id = ? AND status != ? AND `+noOutstanding,
			winner.Merchant, winner.Date, winner.Amount, winner.Category, winner.Status,
			winner.ImageURI, winner.UpdatedAt, id, models.StatusDeleted, table, id)
		return errors.Wrapf(err, "write back %s %s", table, id)
	}

	_, err = ex.ExecContext(ctx, `
	UPDATE `+table+` SET is_synced = 1, pending_action = NULL
	WHERE id = ? AND (pending_action IS NULL OR pending_action != 'delete') AND `+noOutstanding,
		id, table, id)
	return errors.Wrapf(err, "mark %s %s synced", table, id)
}

func purgeReceipt(ctx context.Context, ex queue.Execer, id models.UUID) error {
	_, err := ex.ExecContext(ctx,
		"DELETE FROM receipts WHERE id = ? AND status = ? AND "+noOutstanding,
		id, models.StatusDeleted, models.TableReceipts, id)
	return errors.Wrapf(err, "purge receipt %s", id)
}

// =====================================================
// Category Operations
// =====================================================

func scanCategory(s rowScanner) (*models.Category, error) {
	var c models.Category
	err := s.Scan(&c.ID, &c.Name, &c.Color, &c.Icon, &c.CreatedAt, &c.UpdatedAt,
		&c.IsSynced, &c.PendingAction)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveCategory upserts a category by id and queues the matching action.
func (r *Repository) SaveCategory(ctx context.Context, in *models.Category) (*models.Category, error) {
	if in == nil || strings.TrimSpace(in.Name) == "" {
		return nil, errors.Wrap(ErrInvalid, "category name is required")
	}

	c := *in
	c.Name = strings.TrimSpace(c.Name)
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		now := r.now()

		var existing *models.Category
		if c.ID != "" {
			found, err := scanCategory(tx.QueryRowContext(ctx,
				"SELECT "+categoryColumns+" FROM categories WHERE id = ?", c.ID))
			if err != nil && err != sql.ErrNoRows {
				return errors.Wrapf(err, "get category %s", c.ID)
			}
			existing = found
		} else {
			c.ID = models.UUID(uuid.New())
		}

		var payload queue.Payload
		if existing == nil {
			c.CreatedAt = now
			c.PendingAction = models.ActionCreate
		} else {
			c.CreatedAt = existing.CreatedAt
			c.PendingAction = models.ActionUpdate
		}
		c.UpdatedAt = now
		c.IsSynced = false

		_, err := tx.ExecContext(ctx, `
		INSERT INTO categories (`+categoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			color = excluded.color,
			icon = excluded.icon,
			updated_at = excluded.updated_at,
			is_synced = excluded.is_synced,
			pending_action = excluded.pending_action
		`, c.ID, c.Name, c.Color, c.Icon, c.CreatedAt, c.UpdatedAt, c.IsSynced, c.PendingAction)
		if err != nil {
			return errors.Wrapf(err, "upsert category %s", c.ID)
		}

		if existing == nil {
			payload = queue.CategoryCreate{Category: c}
		} else {
			payload = queue.CategoryUpdate{Category: c}
		}
		_, err = queue.Enqueue(ctx, tx, payload, r.clock())
		return errors.Wrap(err, "enqueue category")
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCategories returns all categories ordered by name.
func (r *Repository) ListCategories(ctx context.Context) ([]*models.Category, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+categoryColumns+" FROM categories ORDER BY name COLLATE NOCASE")
	if err != nil {
		return nil, errors.Wrap(err, "list categories")
	}
	defer rows.Close()

	categories := make([]*models.Category, 0)
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan category")
		}
		categories = append(categories, c)
	}
	return categories, errors.Wrap(rows.Err(), "iterate categories")
}

// =====================================================
// Setting Operations
// =====================================================

// GetSetting returns a setting value and whether it exists.
func (r *Repository) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "get setting %s", key)
	}
	return value, true, nil
}

// SetSetting upserts a setting value.
func (r *Repository) SetSetting(ctx context.Context, key, value string) error {
	if key == "" {
		return errors.Wrap(ErrInvalid, "setting key is required")
	}
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, r.now())
	return errors.Wrapf(err, "set setting %s", key)
}

// LastSyncAt returns the last successful sync time, or the zero time.
func (r *Repository) LastSyncAt(ctx context.Context) (time.Time, error) {
	v, ok, err := r.GetSetting(ctx, models.SettingLastSyncAt)
	if err != nil || !ok {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse %s", models.SettingLastSyncAt)
	}
	return time.UnixMilli(ms), nil
}

// SetLastSyncAt records the last successful sync time.
func (r *Repository) SetLastSyncAt(ctx context.Context, t time.Time) error {
	return r.SetSetting(ctx, models.SettingLastSyncAt, strconv.FormatInt(t.UnixMilli(), 10))
}

// =====================================================
// ConflictLog Operations
// =====================================================

// CreateConflictLog creates a new conflict log entry.
func (r *Repository) CreateConflictLog(ctx context.Context, entry *models.ConflictLog) error {
	if entry.ID == "" {
		entry.ID = models.UUID(uuid.New())
	}
	if entry.DetectedAt == 0 {
		entry.DetectedAt = r.now()
	}
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO conflict_log (id, table_name, record_id, local_timestamp, remote_timestamp,
		strategy, resolution, detected_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.Table, entry.RecordID, entry.LocalTimestamp, entry.RemoteTimestamp,
		entry.Strategy, entry.Resolution, entry.DetectedAt)
	return errors.Wrap(err, "create conflict log")
}

// ListConflictLogs returns the most recent conflict logs first. A limit of
// zero returns all of them.
func (r *Repository) ListConflictLogs(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	b := psql.Select("id", "table_name", "record_id", "local_timestamp", "remote_timestamp",
		"strategy", "resolution", "detected_at").
		From("conflict_log").
		OrderBy("detected_at DESC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "build conflict log list")
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list conflict logs")
	}
	defer rows.Close()

	logs := make([]*models.ConflictLog, 0)
	for rows.Next() {
		var l models.ConflictLog
		if err := rows.Scan(&l.ID, &l.Table, &l.RecordID, &l.LocalTimestamp, &l.RemoteTimestamp,
			&l.Strategy, &l.Resolution, &l.DetectedAt); err != nil {
			return nil, errors.Wrap(err, "scan conflict log")
		}
		logs = append(logs, &l)
	}
	return logs, errors.Wrap(rows.Err(), "iterate conflict logs")
}
