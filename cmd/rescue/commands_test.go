package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-rescue/internal/app"
	"media-rescue/internal/config"
	"media-rescue/internal/domain/entity"
	"media-rescue/internal/infra/db"
)

func newTestApp(t *testing.T) *app.App {
	t.Helper()
	cfg := config.Default()
	cfg.Database = config.DatabaseConfig{
		Driver: db.DriverSQLite,
		URL:    filepath.Join(t.TempDir(), "rescue.db"),
	}
	cfg.Download.Dir = t.TempDir()

	a, err := app.New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func runCommand(t *testing.T, a *app.App, name string, args ...string) (string, error) {
	t.Helper()
	fs, run := commands[name]()
	fs.SetOutput(io.Discard)
	require.NoError(t, fs.Parse(args))

	var out bytes.Buffer
	err := run(context.Background(), a, fs.Args(), &out)
	return out.String(), err
}

func TestReadURLs(t *testing.T) {
	in := strings.NewReader("https://i.imgur.com/a.jpg\n\n  # saved from thread\n  https://v.redd.it/xyz  \n")

	urls, err := readURLs(in)

	require.NoError(t, err)
	assert.Equal(t, []string{"https://i.imgur.com/a.jpg", "https://v.redd.it/xyz"}, urls)
}

func TestPrintOutcomes(t *testing.T) {
	urls := []string{"https://a/1.jpg", "https://a/2.jpg", "https://a/3.jpg"}
	outcomes := []entity.DownloadOutcome{
		{Status: entity.DownloadSuccess, LocalPath: "/d/1.jpg"},
		{Status: entity.DownloadSuccess, LocalPath: "/d/2.jpg", RecoveredFrom: entity.ProviderWayback, Quality: entity.QualityOriginal},
		{Status: entity.DownloadFailed, ErrorMessage: "HTTP 404"},
	}

	var buf bytes.Buffer
	printOutcomes(&buf, urls, outcomes)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "OK"))
	assert.Contains(t, lines[1], "RECOVERED")
	assert.Contains(t, lines[1], entity.ProviderWayback)
	assert.Equal(t, "FAILED    https://a/3.jpg: HTTP 404", lines[2])
}

func TestDownloadCommand_InvalidURL(t *testing.T) {
	a := newTestApp(t)

	out, err := runCommand(t, a, "download", "-output", "json", "ftp://example.com/file.jpg")
	require.NoError(t, err)

	var got struct {
		Results []downloadResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got.Results, 1)
	assert.Equal(t, string(entity.DownloadInvalidURL), got.Results[0].Status)

	stats, err := a.Ledger.Stats(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stats.PendingByService, "invalid URLs are never queued")
}

func TestCommands_UsageErrors(t *testing.T) {
	a := newTestApp(t)

	tests := []struct {
		name string
		cmd  string
		args []string
	}{
		{"download without urls", "download", nil},
		{"recover without url", "recover", nil},
		{"deadletter without action", "deadletter", nil},
		{"deadletter unknown action", "deadletter", []string{"purge"}},
		{"requeue missing service", "deadletter", []string{"requeue", "https://a/1.jpg"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCommand(t, a, tt.cmd, tt.args...)
			assert.ErrorIs(t, err, errUsage)
		})
	}
}

func TestDeadLetterCommand(t *testing.T) {
	a := newTestApp(t)

	out, err := runCommand(t, a, "deadletter", "list")
	require.NoError(t, err)
	assert.Equal(t, "no dead-letter items\n", out)

	_, err = runCommand(t, a, "deadletter", "requeue", "https://a/1.jpg", "imgur")
	assert.ErrorContains(t, err, "no dead-letter item")

	out, err = runCommand(t, a, "deadletter", "-output", "json", "list")
	require.NoError(t, err)
	var items []entity.DeadLetterItem
	require.NoError(t, json.Unmarshal([]byte(out), &items))
	assert.Empty(t, items)
}

func TestStatsCommand(t *testing.T) {
	a := newTestApp(t)

	out, err := runCommand(t, a, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Ledger: 0 ready, 0 dead letter")
	assert.Contains(t, out, "Cache: 0 entries")

	out, err = runCommand(t, a, "stats", "-output", "json")
	require.NoError(t, err)
	var got map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Contains(t, got, "ledger")
	assert.Contains(t, got, "breakers")
}
