// Package cache is a TTL key/value store for read-through caching of remote
// query results. It lives in its own SQLite file and holds no authority over
// sync state, so it can be dropped and rebuilt at any time.
package cache

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"

	"github.com/kimhsiao/receiptsync/internal/db"
	apperrors "github.com/kimhsiao/receiptsync/internal/errors"
	"github.com/kimhsiao/receiptsync/internal/logging"
	"github.com/kimhsiao/receiptsync/internal/metrics"
)

const (
	// FileName is the cache database created inside the data directory.
	FileName = "cache.db"
	// KeyPrefix starts every key built by Key.
	KeyPrefix = "cache_"

	DefaultTTL      = 24 * time.Hour
	DefaultMaxBytes = 50 << 20

	// budgetTarget is the share of max bytes EnforceBudget evicts down to.
	budgetTarget = 0.8

	table = "cache_entries"
)

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key TEXT PRIMARY KEY CHECK (length(key) > 0),
	payload TEXT NOT NULL,
	written_at INTEGER NOT NULL,
	size INTEGER NOT NULL CHECK (size >= 0)
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_written_at ON cache_entries(written_at);
`

// ErrMiss is returned by Lookup when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

var unsafeKeyChars = regexp.MustCompile(`[^a-z0-9_\-.]+`)

// Key derives a cache key from a logical query identity.
func Key(parts ...string) string {
	clean := make([]string, 0, len(parts))
	for _, p := range parts {
		p = unsafeKeyChars.ReplaceAllString(strings.ToLower(strings.TrimSpace(p)), "_")
		p = strings.Trim(p, "_")
		if p != "" {
			clean = append(clean, p)
		}
	}
	return KeyPrefix + strings.Join(clean, "_")
}

// Usage summarizes what the cache holds.
type Usage struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
}

// OptimizeResult reports what Optimize removed.
type OptimizeResult struct {
	Expired int64 `json:"expired"`
	Evicted int64 `json:"evicted"`
	Usage   Usage `json:"usage"`
}

// Cache is the TTL store.
type Cache struct {
	db       *sql.DB
	closer   func() error
	ttl      time.Duration
	maxBytes int64
	clock    func() time.Time
	metrics  *metrics.Metrics
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets how long entries stay valid.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithMaxBytes sets the storage ceiling used by EnforceBudget.
func WithMaxBytes(n int64) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxBytes = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(c *Cache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// Open opens the cache file in dataDir.
func Open(dataDir string, opts ...Option) (*Cache, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, errors.Wrap(err, "create cache directory")
	}
	conn, err := db.Connect(filepath.Join(dataDir, FileName))
	if err != nil {
		return nil, err
	}
	c, err := New(conn.DB, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.closer = conn.Close
	return c, nil
}

// OpenMemory opens an in-memory cache.
func OpenMemory(opts ...Option) (*Cache, error) {
	conn, err := db.Connect(":memory:")
	if err != nil {
		return nil, err
	}
	c, err := New(conn.DB, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.closer = conn.Close
	return c, nil
}

// New creates the cache table on conn when missing. The caller keeps
// ownership of conn.
func New(conn *sql.DB, opts ...Option) (*Cache, error) {
	c := &Cache{
		db:       conn,
		ttl:      DefaultTTL,
		maxBytes: DefaultMaxBytes,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if _, err := conn.Exec(schema); err != nil {
		return nil, errors.Wrap(err, "create cache schema")
	}
	return c, nil
}

// Close releases the connection when the cache opened it.
func (c *Cache) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

// TTL returns the entry lifetime.
func (c *Cache) TTL() time.Duration { return c.ttl }

// MaxBytes returns the storage ceiling.
func (c *Cache) MaxBytes() int64 { return c.maxBytes }

func (c *Cache) warn(msg, key string, err error) {
	logging.WarnWithCode(msg, string(apperrors.ErrCache), err, map[string]interface{}{
		"key": key,
	})
}

// Get decodes the entry for key into v and reports a hit. Expired entries
// are removed. Any storage or decode failure counts as a miss.
func (c *Cache) Get(ctx context.Context, key string, v any) bool {
	err := c.Lookup(ctx, key, v)
	if err != nil && err != ErrMiss {
		c.warn("Cache read failed, treating as miss", key, err)
	}
	hit := err == nil
	c.metrics.CacheLookup(hit)
	return hit
}

// Lookup is Get with the failure reason: ErrMiss for an absent or expired
// entry, or the storage or decode error.
func (c *Cache) Lookup(ctx context.Context, key string, v any) error {
	query, args, err := psql.Select("payload", "written_at").From(table).Where(sq.Eq{"key": key}).ToSql()
	if err != nil {
		return errors.Wrap(err, "build cache get")
	}

	var (
		payload   string
		writtenAt int64
	)
	err = c.db.QueryRowContext(ctx, query, args...).Scan(&payload, &writtenAt)
	if err == sql.ErrNoRows {
		return ErrMiss
	}
	if err != nil {
		return errors.Wrapf(err, "get %s", key)
	}

	age := c.clock().Sub(time.UnixMilli(writtenAt))
	if age >= c.ttl {
		if err := c.Delete(ctx, key); err != nil {
			c.warn("Failed to remove expired cache entry", key, err)
		}
		return ErrMiss
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return errors.Wrapf(err, "decode %s", key)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrapf(err, "unmarshal %s", key)
	}
	return nil
}

// Set stores v under key, stamped with the current time.
func (c *Cache) Set(ctx context.Context, key string, v any) error {
	if key == "" {
		return errors.New("empty cache key")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", key)
	}
	payload := base64.StdEncoding.EncodeToString(raw)

	query, args, err := psql.Insert(table).
		Columns("key", "payload", "written_at", "size").
		Values(key, payload, c.clock().UnixMilli(), len(payload)).
		Suffix("ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, written_at = excluded.written_at, size = excluded.size").
		ToSql()
	if err != nil {
		return errors.Wrap(err, "build cache set")
	}
	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrapf(err, "set %s", key)
	}
	return nil
}

// Delete removes one entry. A missing key is not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	query, args, err := psql.Delete(table).Where(sq.Eq{"key": key}).ToSql()
	if err != nil {
		return errors.Wrap(err, "build cache delete")
	}
	_, err = c.db.ExecContext(ctx, query, args...)
	return errors.Wrapf(err, "delete %s", key)
}

// Clear removes every entry whose key starts with prefix; an empty prefix
// clears the whole cache.
func (c *Cache) Clear(ctx context.Context, prefix string) (int64, error) {
	b := psql.Delete(table)
	if prefix != "" {
		b = b.Where(sq.Like{"key": escapeLike(prefix) + "%"}).Suffix(`ESCAPE '\'`)
	}
	query, args, err := b.ToSql()
	if err != nil {
		return 0, errors.Wrap(err, "build cache clear")
	}
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrap(err, "clear cache")
	}
	return res.RowsAffected()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Purge drops every expired entry.
func (c *Cache) Purge(ctx context.Context) (int64, error) {
	cutoff := c.clock().Add(-c.ttl).UnixMilli()
	query, args, err := psql.Delete(table).Where(sq.LtOrEq{"written_at": cutoff}).ToSql()
	if err != nil {
		return 0, errors.Wrap(err, "build cache purge")
	}
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrap(err, "purge cache")
	}
	n, err := res.RowsAffected()
	if n > 0 {
		logging.Info("Purged expired cache entries", map[string]interface{}{
			"count": n,
		})
	}
	return n, err
}

// Usage reports the entry count and encoded size.
func (c *Cache) Usage(ctx context.Context) (Usage, error) {
	var u Usage
	query, args, err := psql.Select("COUNT(*)", "COALESCE(SUM(size), 0)").From(table).ToSql()
	if err != nil {
		return u, errors.Wrap(err, "build cache usage")
	}
	if err := c.db.QueryRowContext(ctx, query, args...).Scan(&u.Entries, &u.Bytes); err != nil {
		return u, errors.Wrap(err, "cache usage")
	}
	c.metrics.SetCacheBytes(u.Bytes)
	return u, nil
}

// EnforceBudget evicts the oldest entries once the cache exceeds its
// ceiling, until it is back under 80% of it. It returns the evicted count.
func (c *Cache) EnforceBudget(ctx context.Context) (int64, error) {
	u, err := c.Usage(ctx)
	if err != nil {
		return 0, err
	}
	if u.Bytes <= c.maxBytes {
		return 0, nil
	}

	target := int64(float64(c.maxBytes) * budgetTarget)
	query, args, err := psql.Select("key", "size").From(table).OrderBy("written_at ASC", "key ASC").ToSql()
	if err != nil {
		return 0, errors.Wrap(err, "build cache scan")
	}
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrap(err, "scan cache")
	}

	var victims []string
	total := u.Bytes
	for rows.Next() && total > target {
		var (
			key  string
			size int64
		)
		if err := rows.Scan(&key, &size); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "scan cache entry")
		}
		victims = append(victims, key)
		total -= size
	}
	if err := rows.Close(); err != nil {
		return 0, errors.Wrap(err, "scan cache")
	}

	if len(victims) == 0 {
		return 0, nil
	}
	query, args, err = psql.Delete(table).Where(sq.Eq{"key": victims}).ToSql()
	if err != nil {
		return 0, errors.Wrap(err, "build cache evict")
	}
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrap(err, "evict cache entries")
	}
	n, _ := res.RowsAffected()

	c.metrics.CacheEvicted(n)
	c.metrics.SetCacheBytes(total)
	logging.Info("Evicted cache entries over budget", map[string]interface{}{
		"count":     n,
		"max_bytes": c.maxBytes,
		"bytes":     total,
	})
	return n, nil
}

// Optimize purges expired entries and then enforces the storage budget.
func (c *Cache) Optimize(ctx context.Context) (*OptimizeResult, error) {
	expired, err := c.Purge(ctx)
	if err != nil {
		return nil, err
	}
	evicted, err := c.EnforceBudget(ctx)
	if err != nil {
		return nil, err
	}
	u, err := c.Usage(ctx)
	if err != nil {
		return nil, err
	}
	return &OptimizeResult{Expired: expired, Evicted: evicted, Usage: u}, nil
}
