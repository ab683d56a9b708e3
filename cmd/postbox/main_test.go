// ABOUTME: Tests for the postbox CLI wiring
// ABOUTME: Drives cobra commands end to end against a temporary SQLite database

package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-postbox/internal/config"
	"github.com/2389/coven-postbox/internal/notify"
	"github.com/2389/coven-postbox/internal/store"
)

func init() {
	color.NoColor = true
}

// writeTestConfig writes a sqlite config into a temp dir and returns its path.
func writeTestConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	content := "database:\n  backend: sqlite\n  path: \"" + filepath.Join(dir, "postbox.db") + "\"\n" + extra
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// execute runs the CLI with args and returns trimmed stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return strings.TrimSpace(out.String()), err
}

func mustExecute(t *testing.T, args ...string) string {
	t.Helper()
	out, err := execute(t, args...)
	require.NoError(t, err, "postbox %s", strings.Join(args, " "))
	return out
}

func TestCLI_EndToEnd(t *testing.T) {
	cfg := writeTestConfig(t, "cache:\n  grace_period: \"0s\"\n")

	alice := mustExecute(t, "-c", cfg, "contacts", "add", "Alice", "--alias", "al")
	bob := mustExecute(t, "-c", cfg, "contacts", "add", "Bob")
	mustExecute(t, "-c", cfg, "contacts", "add", "Team", "--kind", "group")

	list := mustExecute(t, "-c", cfg, "contacts", "list")
	lines := strings.Split(list, "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], alice)
	assert.Contains(t, lines[0], "(al)")
	assert.Contains(t, lines[1], bob)
	assert.Contains(t, lines[2], "group")

	stats := mustExecute(t, "-c", cfg, "stats")
	assert.Contains(t, stats, "total    3")
	assert.Contains(t, stats, "person   2")
	assert.Contains(t, stats, "group    1")
	assert.Contains(t, stats, "channel  0")

	conv := mustExecute(t, "-c", cfg, "direct", alice, bob)
	again := mustExecute(t, "-c", cfg, "direct", bob, alice)
	assert.Equal(t, conv, again, "direct conversation should be symmetric")

	attachment := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(attachment, []byte("hello"), 0644))

	msgID := mustExecute(t, "-c", cfg, "post",
		"--conversation", conv, "--author", alice,
		"--text", "hi bob", "--markdown", "**bold**", "--attach", attachment)
	assert.NotEmpty(t, msgID)

	history := mustExecute(t, "-c", cfg, "history", conv)
	assert.Contains(t, history, msgID)
	assert.Contains(t, history, "hi bob")
	assert.Contains(t, history, "<strong>bold</strong>")
	assert.Contains(t, history, "[notes.txt 5 B]")

	// Referenced by the message, so nothing to evict yet.
	assert.Equal(t, "evicted 0 file(s)", mustExecute(t, "-c", cfg, "sweep"))

	assert.Equal(t, "wiped 1 message(s)", mustExecute(t, "-c", cfg, "wipe", "--conversation", conv))
	assert.Empty(t, mustExecute(t, "-c", cfg, "history", conv))

	assert.Equal(t, "evicted 1 file(s)", mustExecute(t, "-c", cfg, "sweep"))
}

func TestCLI_PostToUnknownConversation(t *testing.T) {
	cfg := writeTestConfig(t, "")
	alice := mustExecute(t, "-c", cfg, "contacts", "add", "Alice")

	_, err := execute(t, "-c", cfg, "post",
		"--conversation", "0190a0b0-0000-7000-8000-000000000001",
		"--author", alice, "--text", "hello")
	require.Error(t, err)
}

func TestCLI_PostMissingAttachment(t *testing.T) {
	cfg := writeTestConfig(t, "")
	alice := mustExecute(t, "-c", cfg, "contacts", "add", "Alice")
	bob := mustExecute(t, "-c", cfg, "contacts", "add", "Bob")
	conv := mustExecute(t, "-c", cfg, "direct", alice, bob)

	_, err := execute(t, "-c", cfg, "post", "--conversation", conv, "--author", alice,
		"--attach", filepath.Join(t.TempDir(), "absent.bin"))
	require.Error(t, err)
	assert.Empty(t, mustExecute(t, "-c", cfg, "history", conv))
}

func TestCLI_UsageErrors(t *testing.T) {
	cfg := writeTestConfig(t, "")

	tests := []struct {
		name string
		args []string
	}{
		{"wipe needs a target", []string{"wipe"}},
		{"wipe rejects both targets", []string{"wipe", "--all", "--conversation", "x"}},
		{"wipe rejects bad id", []string{"wipe", "--conversation", "not-a-uuid"}},
		{"direct rejects bad id", []string{"direct", "nope", "nope"}},
		{"history rejects bad since", []string{"history", "0190a0b0-0000-7000-8000-000000000001", "--since", "yesterday"}},
		{"contacts add rejects bad kind", []string{"contacts", "add", "X", "--kind", "robot"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, append([]string{"-c", cfg}, tt.args...)...)
			require.Error(t, err)
		})
	}
}

func TestCLI_WipeAll(t *testing.T) {
	cfg := writeTestConfig(t, "")
	alice := mustExecute(t, "-c", cfg, "contacts", "add", "Alice")
	bob := mustExecute(t, "-c", cfg, "contacts", "add", "Bob")
	carol := mustExecute(t, "-c", cfg, "contacts", "add", "Carol")

	ab := mustExecute(t, "-c", cfg, "direct", alice, bob)
	ac := mustExecute(t, "-c", cfg, "direct", alice, carol)
	mustExecute(t, "-c", cfg, "post", "--conversation", ab, "--author", alice, "--text", "one")
	mustExecute(t, "-c", cfg, "post", "--conversation", ac, "--author", carol, "--text", "two")

	assert.Equal(t, "wiped 2 message(s)", mustExecute(t, "-c", cfg, "wipe", "--all"))
}

func TestCLI_BadConfig(t *testing.T) {
	_, err := execute(t, "-c", filepath.Join(t.TempDir(), "missing.yaml"), "stats")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading config")
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("POSTBOX_CONFIG", "/env/config.yaml")
	assert.Equal(t, "/flag.yaml", getConfigPath("/flag.yaml"))
	assert.Equal(t, "/env/config.yaml", getConfigPath(""))

	t.Setenv("POSTBOX_CONFIG", "")
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	assert.Equal(t, "", getConfigPath(""), "absent XDG file falls back to defaults")

	path := filepath.Join(xdg, "postbox", "config.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("database:\n  backend: memory\n"), 0644))
	assert.Equal(t, path, getConfigPath(""))
}

func TestLoadConfig_DefaultsToDataDir(t *testing.T) {
	t.Setenv("POSTBOX_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	data := t.TempDir()
	t.Setenv("XDG_DATA_HOME", data)

	cfg, err := loadConfig(&rootOptions{})
	require.NoError(t, err)
	assert.Equal(t, config.BackendSQLite, cfg.Database.Backend)
	assert.Equal(t, filepath.Join(data, "postbox", "postbox.db"), cfg.Database.Path)
}

func TestOpenBackend(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("memory", func(t *testing.T) {
		b, err := openBackend(config.DatabaseConfig{Backend: config.BackendMemory}, nil, logger)
		require.NoError(t, err)
		_, ok := b.(*store.MemoryStore)
		assert.True(t, ok)
		require.NoError(t, b.Close())
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := openBackend(config.DatabaseConfig{Backend: "tape"}, nil, logger)
		require.Error(t, err)
	})

	t.Run("failure is reported", func(t *testing.T) {
		blocker := filepath.Join(t.TempDir(), "blocker")
		require.NoError(t, os.WriteFile(blocker, nil, 0644))

		stream := notify.NewStream(4, nil, logger)
		defer stream.Close()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		failures, _ := stream.Subscribe(ctx)

		_, err := openBackend(config.DatabaseConfig{
			Backend: config.BackendSQLite,
			Driver:  store.DriverModernc,
			Path:    filepath.Join(blocker, "postbox.db"),
		}, stream, logger)
		require.Error(t, err)
		assert.ErrorIs(t, err, store.ErrIO)

		select {
		case f := <-failures:
			assert.Equal(t, notify.SourceBackend, f.Source)
		case <-time.After(time.Second):
			t.Fatal("expected a backend failure report")
		}
	})
}

func TestRunServe_StopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Backend = config.BackendMemory
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, cfg, logger) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runServe did not return after cancel")
	}
}

func TestRunServe_ExposesMetrics(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	cfg := config.Default()
	cfg.Database.Backend = config.BackendMemory
	cfg.Metrics = config.MetricsConfig{Enabled: true, Addr: addr, Path: "/metrics"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, cfg, logger) }()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil || resp.StatusCode != http.StatusOK {
			return false
		}
		body = string(data)
		return true
	}, 5*time.Second, 20*time.Millisecond)

	assert.Contains(t, body, "postbox_messages_committed_total 0")
	assert.Contains(t, body, "postbox_filecache_evictions_total 0")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runServe did not return after cancel")
	}
}

func TestRunServe_BackendFailure(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))

	cfg := config.Default()
	cfg.Database.Path = filepath.Join(blocker, "postbox.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	err := runServe(context.Background(), cfg, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opening store")
}

func TestSetupLogger(t *testing.T) {
	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		logger := setupLogger(config.LoggingConfig{Level: "info", Format: "text"}, &buf)
		logger.With("component", "test").WithGroup("req").Info("hello", "id", 7)
		logger.Debug("hidden")

		out := buf.String()
		assert.Contains(t, out, "INF hello")
		assert.Contains(t, out, "component=test")
		assert.Contains(t, out, "req.id=7")
		assert.NotContains(t, out, "hidden")
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		logger := setupLogger(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
		logger.Debug("visible", "n", 1)
		assert.Contains(t, buf.String(), `"msg":"visible"`)
	})

	t.Run("validated spellings are honoured", func(t *testing.T) {
		for _, level := range []string{"WARN", "warning", "Warn"} {
			cfg := config.LoggingConfig{Level: level, Format: "text"}
			full := config.Default()
			full.Database.Path = "postbox.db"
			full.Logging = cfg
			require.NoError(t, full.Validate(), level)

			var buf bytes.Buffer
			logger := setupLogger(cfg, &buf)
			logger.Info("quiet")
			logger.Warn("loud")
			assert.NotContains(t, buf.String(), "quiet", level)
			assert.Contains(t, buf.String(), "WRN loud", level)
		}
	})

	t.Run("levels", func(t *testing.T) {
		assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
		assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
		assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
		assert.Equal(t, slog.LevelDebug, parseLevel("Debug"))
		assert.Equal(t, slog.LevelError, parseLevel("error"))
		assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
	})
}
