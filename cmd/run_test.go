package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

const testFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Test feed</title>
    <link>https://example.com</link>
    <item>
      <title>Newest</title>
      <link>https://example.com/newest</link>
      <description>The newest entry</description>
      <pubDate>%s</pubDate>
    </item>
    <item>
      <title>Older</title>
      <link>https://example.com/older</link>
      <description>An older entry</description>
      <pubDate>%s</pubDate>
    </item>
  </channel>
</rss>`

// testApp returns the app with exit handling disabled so tests can inspect codes
func testApp(out *bytes.Buffer) *cli.App {
	app := RootApp()
	app.ExitErrHandler = func(*cli.Context, error) {}
	app.Writer = out
	app.ErrWriter = out
	return app
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	if err == nil {
		return 0
	}
	var coder cli.ExitCoder
	require.True(t, errors.As(err, &coder), "expected an exit error, got %v", err)
	return coder.ExitCode()
}

func clearEnv(t *testing.T) {
	for _, name := range []string{
		"LAST_RUNS_PATH", "RSS_FEED_URLS", "ACTIVE_DESTINATIONS", "RSS2SOCIAL_CONFIG",
		"RSS2SOCIAL_FORCE_LATEST", "BLUESKY_IDENTIFIER", "BLUESKY_PASSWORD",
		"REDDIT_CLIENT_ID", "REDDIT_CLIENT_SECRET", "REDDIT_USERNAME", "REDDIT_PASSWORD",
		"REDDIT_SUBREDDIT", "DISCORD_WEBHOOK_URL",
	} {
		t.Setenv(name, "")
	}
}

func feedServer(t *testing.T) *httptest.Server {
	newest := time.Now().Add(-time.Hour).UTC().Format(time.RFC1123Z)
	older := time.Now().Add(-48 * time.Hour).UTC().Format(time.RFC1123Z)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprintf(w, testFeed, newest, older)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type webhook struct {
	mu       sync.Mutex
	contents []string
}

func webhookServer(t *testing.T, hook *webhook) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg struct {
			Content string `json:"content"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		hook.mu.Lock()
		hook.contents = append(hook.contents, msg.Content)
		hook.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestExitCodes(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "last_runs.json")

	tests := []struct {
		name string
		args []string
		want int
	}{
		{name: "missing state", args: []string{"run", "--feeds", "https://example.com/feed"}, want: exitNoStatePath},
		{name: "missing feeds", args: []string{"run", "--state", statePath}, want: exitNoFeeds},
		{name: "blank feeds", args: []string{"run", "--state", statePath, "--feeds", "\n \n"}, want: exitNoFeeds},
		{name: "negative force", args: []string{"run", "--state", statePath, "--feeds", "https://example.com/feed", "--force-latest", "-1"}, want: exitBadForce},
		{name: "malformed force", args: []string{"run", "--state", statePath, "--feeds", "https://example.com/feed", "--force-latest", "two"}, want: exitBadForce},
		{name: "state checked before feeds", args: []string{"run"}, want: exitNoStatePath},
		{name: "state before command name", args: []string{"--state", statePath, "run"}, want: exitNoFeeds},
		{name: "state without command", args: []string{"--state", statePath}, want: exitNoFeeds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			var out bytes.Buffer
			err := testApp(&out).Run(append([]string{"rss2social", "--log-level", "panic"}, tt.args...))
			assert.Equal(t, tt.want, exitCode(t, err))
		})
	}
}

func TestStorageFailureExitCode(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	statePath := filepath.Join(dir, "last_runs.json")
	require.NoError(t, os.WriteFile(statePath, []byte(`{"https://example.com/feed": "yesterday"}`), 0o644))

	var out bytes.Buffer
	err := testApp(&out).Run([]string{"rss2social", "--log-level", "panic", "run",
		"--state", statePath,
		"--feeds", feedServer(t).URL,
	})
	assert.Equal(t, exitStorage, exitCode(t, err))
}

func TestRunPublishesAndRecordsWatermark(t *testing.T) {
	clearEnv(t)
	hook := &webhook{}
	feed := feedServer(t)
	wh := webhookServer(t, hook)
	statePath := filepath.Join(t.TempDir(), "last_runs.json")

	args := []string{"rss2social", "--log-level", "panic", "run",
		"--state", statePath,
		"--feeds", feed.URL,
		"--destinations", "discord",
		"--discord-webhook-url", wh.URL,
	}

	var out bytes.Buffer
	require.NoError(t, testApp(&out).Run(args))

	require.Len(t, hook.contents, 2)
	assert.True(t, strings.HasPrefix(hook.contents[0], "**Newest**"))
	assert.True(t, strings.HasPrefix(hook.contents[1], "**Older**"))

	data, err := os.ReadFile(statePath)
	require.NoError(t, err)
	var stored map[string]float64
	require.NoError(t, json.Unmarshal(data, &stored))
	assert.InDelta(t, float64(time.Now().Unix()), stored[feed.URL], 60)

	// nothing new on the second pass
	require.NoError(t, testApp(&out).Run(args))
	assert.Len(t, hook.contents, 2)

	// forced replay of the latest entry
	require.NoError(t, testApp(&out).Run(append(args, "--force-latest", "1")))
	require.Len(t, hook.contents, 3)
	assert.True(t, strings.HasPrefix(hook.contents[2], "**Newest**"))
}

func TestRunFlagsBeforeCommandName(t *testing.T) {
	clearEnv(t)
	hook := &webhook{}
	statePath := filepath.Join(t.TempDir(), "last_runs.json")

	var out bytes.Buffer
	err := testApp(&out).Run([]string{"rss2social", "--log-level", "panic",
		"--state", statePath,
		"--feeds", feedServer(t).URL,
		"run",
		"--destinations", "discord",
		"--discord-webhook-url", webhookServer(t, hook).URL,
	})
	require.NoError(t, err)

	assert.Len(t, hook.contents, 2)
	assert.FileExists(t, statePath)
}

func TestDryRunLeavesStateAlone(t *testing.T) {
	clearEnv(t)
	hook := &webhook{}
	statePath := filepath.Join(t.TempDir(), "last_runs.json")

	var out bytes.Buffer
	err := testApp(&out).Run([]string{"rss2social", "--log-level", "panic", "run",
		"--state", statePath,
		"--feeds", feedServer(t).URL,
		"--destinations", "discord",
		"--discord-webhook-url", webhookServer(t, hook).URL,
		"--dry-run",
	})
	require.NoError(t, err)

	assert.Empty(t, hook.contents)
	assert.NoFileExists(t, statePath)
}

func TestStateCommand(t *testing.T) {
	clearEnv(t)
	statePath := filepath.Join(t.TempDir(), "last_runs.json")
	require.NoError(t, os.WriteFile(statePath, []byte(`{"https://b.example/feed": 1700000000, "https://a.example/feed": 1600000000.0}`), 0o644))

	var out bytes.Buffer
	require.NoError(t, testApp(&out).Run([]string{"rss2social", "state", "--state", statePath}))

	assert.Equal(t,
		"2020-09-13T12:26:40Z\thttps://a.example/feed\n2023-11-14T22:13:20Z\thttps://b.example/feed\n",
		out.String())
}

func TestMigrateCommand(t *testing.T) {
	clearEnv(t)
	dbPath := filepath.Join(t.TempDir(), "state.db")

	var out bytes.Buffer
	require.NoError(t, testApp(&out).Run([]string{"rss2social", "--log-level", "panic", "migrate", "--state", dbPath}))
	assert.FileExists(t, dbPath)

	err := testApp(&out).Run([]string{"rss2social", "migrate", "--state", filepath.Join(t.TempDir(), "last_runs.json")})
	assert.Error(t, err)

	err = testApp(&out).Run([]string{"rss2social", "migrate"})
	assert.Equal(t, exitNoStatePath, exitCode(t, err))
}
