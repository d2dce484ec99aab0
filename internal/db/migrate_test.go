// Package db tests for database migration management.
package db

import (
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openRaw(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Connect(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db.DB
}

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"m/V1__create_a.up.sql":   {Data: []byte("CREATE TABLE a (id INTEGER PRIMARY KEY);")},
		"m/V1__create_a.down.sql": {Data: []byte("DROP TABLE a;")},
		"m/V2__create_b.up.sql":   {Data: []byte("CREATE TABLE b (id INTEGER PRIMARY KEY);")},
		"m/V2__create_b.down.sql": {Data: []byte("DROP TABLE b;")},
		"m/README.md":             {Data: []byte("not a migration")},
		"m/Vx__bad.up.sql":        {Data: []byte("SELECT 1;")},
	}
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&n))
	return n == 1
}

// TestInitialize verifies schema_migrations table creation.
func TestInitialize(t *testing.T) {
	db := openRaw(t)
	m := NewMigratorFS(db, testMigrations(), "m")

	require.NoError(t, m.Initialize())
	assert.True(t, tableExists(t, db, "schema_migrations"))

	_, err := db.Exec("INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		1, 123456, "test_migration", strings.Repeat("a", 64))
	assert.NoError(t, err)
}

// TestCurrentVersion verifies version tracking.
func TestCurrentVersion(t *testing.T) {
	db := openRaw(t)
	m := NewMigratorFS(db, testMigrations(), "m")

	_, err := m.CurrentVersion()
	assert.Error(t, err, "CurrentVersion() should fail before Initialize()")

	require.NoError(t, m.Initialize())
	v, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 0, v)
}

// TestUp verifies pending migrations apply in order and skip bad names.
func TestUp(t *testing.T) {
	db := openRaw(t)
	m := NewMigratorFS(db, testMigrations(), "m")

	require.NoError(t, m.Up())
	assert.True(t, tableExists(t, db, "a"))
	assert.True(t, tableExists(t, db, "b"))

	applied, err := m.GetAppliedMigrations()
	require.NoError(t, err)
	require.Len(t, applied, 2)
	assert.Equal(t, "create_a", applied[0].Description)
	assert.Equal(t, "create_b", applied[1].Description)
	assert.Len(t, applied[0].Checksum, 64)

	// Second run is a no-op
	require.NoError(t, m.Up())
	v, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

// TestUp_failedMigrationRollsBack verifies a broken migration is not recorded.
func TestUp_failedMigrationRollsBack(t *testing.T) {
	db := openRaw(t)
	fsys := fstest.MapFS{
		"m/V1__broken.up.sql": {Data: []byte("CREATE TABLE ok (id INTEGER); THIS IS NOT SQL;")},
	}
	m := NewMigratorFS(db, fsys, "m")

	assert.Error(t, m.Up())
	v, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 0, v)
}

// TestDown verifies the last migration is rolled back.
func TestDown(t *testing.T) {
	db := openRaw(t)
	m := NewMigratorFS(db, testMigrations(), "m")
	require.NoError(t, m.Up())

	require.NoError(t, m.Down())
	assert.False(t, tableExists(t, db, "b"))
	assert.True(t, tableExists(t, db, "a"))

	require.NoError(t, m.Down())
	assert.False(t, tableExists(t, db, "a"))

	assert.Error(t, m.Down(), "nothing left to roll back")
}

// TestEmbeddedMigrations verifies the shipped schema round-trips.
func TestEmbeddedMigrations(t *testing.T) {
	db := openRaw(t)
	m := NewMigrator(db)

	require.NoError(t, m.Up())
	assert.True(t, tableExists(t, db, "sync_queue"))
	assert.True(t, tableExists(t, db, "sync_lease"))

	version, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	require.NoError(t, m.Down())
	assert.False(t, tableExists(t, db, "sync_lease"))
	assert.True(t, tableExists(t, db, "sync_queue"))

	require.NoError(t, m.Down())
	assert.False(t, tableExists(t, db, "sync_queue"))
	assert.False(t, tableExists(t, db, "receipts"))
}
