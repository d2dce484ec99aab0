package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cli struct {
	t       *testing.T
	dataDir string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return &cli{t: t, dataDir: t.TempDir()}
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	var stdout, stderr bytes.Buffer
	err := execute(append([]string{"--data-dir", c.dataDir}, args...), &stdout, &stderr)
	return stdout.String(), err
}

func (c *cli) mustRun(args ...string) string {
	c.t.Helper()
	out, err := c.run(args...)
	require.NoError(c.t, err, out)
	return out
}

func (c *cli) listJSON() []map[string]interface{} {
	c.t.Helper()
	var rows []map[string]interface{}
	require.NoError(c.t, json.Unmarshal([]byte(c.mustRun("list", "--json")), &rows))
	return rows
}

// fakeRemote accepts creates and deletes and records every API request.
type fakeRemote struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeRemote) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" {
		w.WriteHeader(http.StatusOK)
		return
	}
	f.mu.Lock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)
	f.mu.Unlock()

	switch {
	case r.Method == http.MethodPost:
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(body)
	case r.Method == http.MethodDelete:
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet && r.URL.Path == "/receipts":
		_, _ = w.Write([]byte(`{"receipts":[{"id":"remote-1","merchant":"Remote Cafe","date":"2023-05-01","amount":3.5,"created_at":1,"updated_at":1}]}`))
	default:
		http.NotFound(w, r)
	}
}

// TestVersion verifies the version command.
func TestVersion(t *testing.T) {
	c := newCLI(t)
	out := c.mustRun("version")
	assert.Equal(t, "receiptsync version "+Version+"\n", out)
}

// TestReceiptCommands walks a receipt through add, update, show and delete.
func TestReceiptCommands(t *testing.T) {
	c := newCLI(t)

	id := strings.TrimSpace(c.mustRun("add", "--merchant", "Starbucks", "--date", "2023-06-15", "--amount", "42.5", "--category", "Food"))
	require.NotEmpty(t, id)

	rows := c.listJSON()
	require.Len(t, rows, 1)
	assert.Equal(t, "Starbucks", rows[0]["merchant"])
	assert.Equal(t, false, rows[0]["is_synced"])
	assert.Equal(t, "create", rows[0]["pending_action"])

	out := c.mustRun("update", id, "--merchant", "Blue Bottle")
	assert.Contains(t, out, `"merchant": "Blue Bottle"`)

	out = c.mustRun("show", id)
	assert.Contains(t, out, "Blue Bottle")

	out = c.mustRun("list")
	assert.Contains(t, out, "pending update")

	out = c.mustRun("queue", "stats")
	assert.Contains(t, out, `"total": 2`)

	c.mustRun("delete", id)
	assert.Empty(t, c.listJSON())

	_, err := c.run("show", id)
	assert.Error(t, err)

	_, err = c.run("update", id)
	assert.Error(t, err)
}

// TestReceiptCommands_idForms verifies ids are accepted in any UUID spelling.
func TestReceiptCommands_idForms(t *testing.T) {
	c := newCLI(t)
	const id = "3f2504e0-4f89-41d3-9a0c-0305e82c3301"

	out := c.mustRun("add", "--id", strings.ToUpper(id), "--merchant", "Starbucks", "--date", "2023-06-15", "--amount", "1")
	assert.Equal(t, id+"\n", out)

	out = c.mustRun("show", " "+strings.ToUpper(id))
	assert.Contains(t, out, `"id": "`+id+`"`)

	c.mustRun("update", strings.ToUpper(id), "--amount", "2")
	c.mustRun("delete", strings.ToUpper(id))
	assert.Empty(t, c.listJSON())
}

// TestDBCommands verifies schema status and rollback.
func TestDBCommands(t *testing.T) {
	c := newCLI(t)

	out := c.mustRun("db", "status")
	assert.Contains(t, out, "Schema version: 2")
	assert.Contains(t, out, "initial_schema")
	assert.Contains(t, out, "sync_lease")

	out = c.mustRun("db", "rollback")
	assert.Contains(t, out, "Rolled back to schema version 1")

	// The next command migrates forward again
	out = c.mustRun("db", "status")
	assert.Contains(t, out, "Schema version: 2")
}

// TestQueueRecover verifies recovery runs under the drain lease.
func TestQueueRecover(t *testing.T) {
	c := newCLI(t)
	c.mustRun("add", "--merchant", "Starbucks", "--date", "2023-06-15", "--amount", "1")

	out := c.mustRun("queue", "recover")
	assert.Contains(t, out, "Recovered 0 item(s)")
}

// TestAdd_requiresFields verifies required flags are enforced.
func TestAdd_requiresFields(t *testing.T) {
	c := newCLI(t)
	_, err := c.run("add", "--merchant", "Starbucks")
	assert.Error(t, err)
}

// TestSync drains the queue against an HTTP remote.
func TestSync(t *testing.T) {
	c := newCLI(t)
	remote := &fakeRemote{}
	srv := httptest.NewServer(remote)
	defer srv.Close()
	t.Setenv("RECEIPTSYNC_REMOTE_BASE_URL", srv.URL)

	id := strings.TrimSpace(c.mustRun("add", "--merchant", "Starbucks", "--date", "2023-06-15", "--amount", "42.5"))
	c.mustRun("category", "add", "Food", "--color", "#ff0000")

	out := c.mustRun("sync")
	assert.Contains(t, out, "[info] Sync Started")
	assert.Contains(t, out, "[success] Sync Complete")
	assert.Contains(t, out, "Synced 2 of 2")
	assert.Contains(t, out, "Remaining:          0")

	rows := c.listJSON()
	require.Len(t, rows, 1)
	assert.Equal(t, true, rows[0]["is_synced"])

	out = c.mustRun("status")
	assert.Contains(t, out, "Pending:      0")
	assert.NotContains(t, out, "never")

	c.mustRun("delete", id)
	c.mustRun("sync")
	assert.Equal(t, []string{"POST /receipts", "POST /categories", "DELETE /receipts/" + id}, remote.calls)
}

// TestSync_initial verifies remote receipts are imported once.
func TestSync_initial(t *testing.T) {
	c := newCLI(t)
	srv := httptest.NewServer(&fakeRemote{})
	defer srv.Close()
	t.Setenv("RECEIPTSYNC_REMOTE_BASE_URL", srv.URL)

	out := c.mustRun("sync", "--initial")
	assert.Contains(t, out, "Imported 1 remote receipt(s)")

	out = c.mustRun("sync", "--initial")
	assert.Contains(t, out, "Imported 0 remote receipt(s)")

	rows := c.listJSON()
	require.Len(t, rows, 1)
	assert.Equal(t, "Remote Cafe", rows[0]["merchant"])
}

// TestSync_remoteFailure verifies failed items stay queued and the command fails.
func TestSync_remoteFailure(t *testing.T) {
	c := newCLI(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	t.Setenv("RECEIPTSYNC_REMOTE_BASE_URL", srv.URL)

	c.mustRun("add", "--merchant", "Starbucks", "--date", "2023-06-15", "--amount", "1")
	out, err := c.run("sync")
	require.Error(t, err)
	assert.Contains(t, out, "Waiting to retry:   1")

	out = c.mustRun("queue", "list")
	assert.Contains(t, out, "failed")
}

// TestSync_offline verifies a manual sync against an unreachable remote
// reports offline and leaves the queue untouched.
func TestSync_offline(t *testing.T) {
	c := newCLI(t)
	srv := httptest.NewServer(&fakeRemote{})
	srv.Close()
	t.Setenv("RECEIPTSYNC_REMOTE_BASE_URL", srv.URL)

	c.mustRun("add", "--merchant", "Starbucks", "--date", "2023-06-15", "--amount", "1")
	out, err := c.run("sync")
	require.Error(t, err)
	assert.Contains(t, out, "[failure] Sync Failed: You are offline")

	out = c.mustRun("queue", "list")
	assert.Contains(t, out, "pending")
}

// TestSync_noRemote verifies sync needs a configured remote.
func TestSync_noRemote(t *testing.T) {
	c := newCLI(t)
	_, err := c.run("sync")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote.base_url")
}

// TestRemoteCommand verifies a remote page is served from cache once the
// remote goes away.
func TestRemoteCommand(t *testing.T) {
	c := newCLI(t)
	srv := httptest.NewServer(&fakeRemote{})
	t.Setenv("RECEIPTSYNC_REMOTE_BASE_URL", srv.URL)

	out := c.mustRun("remote")
	assert.Contains(t, out, "Remote Cafe")

	srv.Close()
	out = c.mustRun("remote")
	assert.Contains(t, out, "Remote Cafe")

	_, err := c.run("remote", "--page", "2")
	assert.Error(t, err)
}

// TestExportCommand writes a workbook of local receipts.
func TestExportCommand(t *testing.T) {
	c := newCLI(t)
	c.mustRun("add", "--merchant", "Starbucks", "--date", "2023-06-15", "--amount", "42.5")

	path := filepath.Join(t.TempDir(), "receipts.xlsx")
	out := c.mustRun("export", "-o", path)
	assert.Contains(t, out, "Exported 1 receipt(s)")
	assert.FileExists(t, path)
}

// TestCacheCommands verifies the maintenance commands run against the cache file.
func TestCacheCommands(t *testing.T) {
	c := newCLI(t)
	c.mustRun("add", "--merchant", "Starbucks", "--date", "2023-06-15", "--amount", "42.5")

	out := c.mustRun("cache", "usage")
	assert.Contains(t, out, "Entries: 1")

	out = c.mustRun("cache", "optimize")
	assert.Contains(t, out, "Evicted: 0")

	out = c.mustRun("cache", "clear", "cache_receipts")
	assert.Contains(t, out, "Cleared 1")

	out = c.mustRun("cache", "purge")
	assert.Contains(t, out, "Purged 0")
}

// TestConfigCommands verifies init writes a file that show reads back.
func TestConfigCommands(t *testing.T) {
	c := newCLI(t)
	path := filepath.Join(t.TempDir(), "receiptsync.yaml")

	out := c.mustRun("config", "init", path)
	assert.Contains(t, out, path)

	_, err := c.run("config", "init", path)
	assert.Error(t, err)
	c.mustRun("config", "init", path, "--force")

	out = c.mustRun("--config", path, "config", "show")
	assert.Contains(t, out, "# "+path)
	assert.Contains(t, out, "interval: 30s")
	assert.Contains(t, out, "strategy: timestamp")
}

// TestInvalidConfig verifies a bad setting stops every command.
func TestInvalidConfig(t *testing.T) {
	c := newCLI(t)
	t.Setenv("RECEIPTSYNC_SYNC_STRATEGY", "newest")
	_, err := c.run("list")
	assert.Error(t, err)
}
