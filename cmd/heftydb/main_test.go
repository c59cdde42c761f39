package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/heftydb/pkg/config"
	"github.com/dd0wney/heftydb/pkg/heftydb"
	"github.com/dd0wney/heftydb/pkg/logging"
)

// runCLI runs the command with a fresh set of buffers and no metrics
// listener.
func runCLI(t *testing.T, dir string, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"-dir", dir, "-env", "", "-metrics", "", "-log-level", "error"}, args...)
	code := run(full, strings.NewReader(""), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestPutGetDeleteRoundTrip(t *testing.T) {
	dir := t.TempDir()

	code, out, _ := runCLI(t, dir, "put", "greeting", "hello")
	require.Equal(t, 0, code)
	assert.Equal(t, "snapshot 1\n", out)

	code, out, _ = runCLI(t, dir, "get", "greeting")
	require.Equal(t, 0, code)
	assert.Equal(t, "hello\n", out)

	code, _, _ = runCLI(t, dir, "delete", "greeting")
	require.Equal(t, 0, code)

	code, _, errOut := runCLI(t, dir, "get", "greeting")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "not found")
}

func TestScanFlags(t *testing.T) {
	dir := t.TempDir()
	for _, k := range []string{"a", "b", "c", "d"} {
		code, _, _ := runCLI(t, dir, "put", k, strings.ToUpper(k))
		require.Equal(t, 0, code)
	}

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"all", nil, "a\tA\nb\tB\nc\tC\nd\tD\n"},
		{"from", []string{"-from", "b", "-limit", "2"}, "b\tB\nc\tC\n"},
		{"reverse", []string{"-reverse", "-from", "c"}, "c\tC\nb\tB\na\tA\n"},
		{"snapshot", []string{"-snapshot", "2"}, "a\tA\nb\tB\n"},
		{"versions", []string{"-from", "d", "-versions"}, "d\tD\t4\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, out, errOut := runCLI(t, dir, append([]string{"scan"}, tt.args...)...)
			require.Equal(t, 0, code, errOut)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestFlushCompactStats(t *testing.T) {
	dir := t.TempDir()
	code, _, _ := runCLI(t, dir, "put", "k", "v")
	require.Equal(t, 0, code)
	code, _, _ = runCLI(t, dir, "flush")
	require.Equal(t, 0, code)
	code, _, _ = runCLI(t, dir, "compact")
	require.Equal(t, 0, code)

	code, out, _ := runCLI(t, dir, "stats")
	require.Equal(t, 0, code)
	var s heftydb.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	assert.Equal(t, uint64(1), s.Snapshot)
	assert.Equal(t, 1, s.Tables)
}

func TestUsageErrors(t *testing.T) {
	dir := t.TempDir()

	code, _, _ := runCLI(t, dir)
	assert.Equal(t, 2, code)

	code, _, errOut := runCLI(t, dir, "put", "only-key")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "put <key> <value>")

	code, _, errOut = runCLI(t, dir, "frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "unknown command")

	code, _, _ = runCLI(t, dir, "scan", "-snapshot", "abc")
	assert.Equal(t, 2, code)
}

func TestConfigLayering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "heftydb.yaml")
	require.NoError(t, config.Default(filepath.Join(dir, "from-file")).Save(path))

	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("HEFTYDB_MEMORY_TABLE_SIZE=65536\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("HEFTYDB_MEMORY_TABLE_SIZE") })

	cfg, err := loadConfig(cliFlags{configPath: path, envFile: envFile})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "from-file"), cfg.TableDirectory)
	assert.Equal(t, int64(65536), cfg.MemoryTableSize)

	cfg, err = loadConfig(cliFlags{configPath: path, dir: filepath.Join(dir, "flag"), logLevel: "debug"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "flag"), cfg.TableDirectory)
	assert.Equal(t, filepath.Join(dir, "flag"), cfg.LogDirectory)
	assert.Equal(t, "debug", cfg.LogLevel)

	_, err = loadConfig(cliFlags{envFile: filepath.Join(dir, "missing.env")})
	assert.NoError(t, err, "a missing environment file is not an error")
}

func TestShell(t *testing.T) {
	db, err := heftydb.Open(config.TestConfig(t.TempDir()), heftydb.WithLogger(logging.NewNopLogger()))
	require.NoError(t, err)
	defer db.Close()

	script := strings.Join([]string{
		"put k first value",
		"snapshot",
		"put k second",
		"get k",
		"at 1 k",
		"release 1",
		"at 1 k",
		"get missing",
		"bogus",
		"exit",
	}, "\n")
	var out bytes.Buffer
	require.NoError(t, runShell(db, "", logging.NewNopLogger(), strings.NewReader(script), &out))

	got := out.String()
	assert.Contains(t, got, "📌 snapshot 1")
	assert.Contains(t, got, "second\n")
	assert.Contains(t, got, "first value\n")
	assert.Contains(t, got, "snapshot 1 is not pinned")
	assert.Contains(t, got, "(not found)")
	assert.Contains(t, got, "unknown command")
	assert.Contains(t, got, "Goodbye")
}

func TestMetricsServer(t *testing.T) {
	db, err := heftydb.Open(config.TestConfig(t.TempDir()), heftydb.WithLogger(logging.NewNopLogger()))
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Put([]byte("k"), []byte("v"))
	require.NoError(t, err)

	ms := newMetricsServer(db, logging.NewNopLogger())
	require.NoError(t, ms.Start("127.0.0.1:0"))
	defer ms.Shutdown(shutdownTimeout)

	resp, err := http.Get("http://" + ms.Addr() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "heftydb_operations_total")

	resp, err = http.Get("http://" + ms.Addr() + "/health")
	require.NoError(t, err)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, db.ID(), health["id"])

	require.NoError(t, ms.Shutdown(shutdownTimeout))
}

func TestServeUntilCancelled(t *testing.T) {
	db, err := heftydb.Open(config.TestConfig(t.TempDir()), heftydb.WithLogger(logging.NewNopLogger()))
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, serveUntil(ctx, db, "127.0.0.1:0", logging.NewNopLogger()))
	assert.ErrorIs(t, serveUntil(ctx, db, "", logging.NewNopLogger()), errUsage)
}
