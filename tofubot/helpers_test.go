package tofubot

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testNow is a Monday morning in the default timezone
func testNow(t testing.TB) time.Time {
	t.Helper()
	loc, err := time.LoadLocation(DefaultTimezone)
	require.NoError(t, err)
	return time.Date(2024, time.June, 3, 8, 35, 0, 0, loc)
}

// newTestBot returns a bot with its stores loaded from a temp dir, a
// mock discord session and a fake clock set to testNow. Nothing is
// started.
func newTestBot(t testing.TB) (*TofuBot, *mockDiscordSession, clock.FakeClock) {
	t.Helper()
	gin.DefaultWriter = io.Discard
	gin.DefaultErrorWriter = io.Discard

	cfg := DefaultTestConfig(t)
	bot, err := New(cfg)
	require.NoError(t, err)

	fakeClock := clock.NewFake()
	fakeClock.Set(testNow(t))
	bot.clock = fakeClock

	session := newMockDiscordSession()
	bot.discord.session = session
	bot.openai.client = &mockOpenAIClient{}

	require.NoError(t, bot.initStores(context.Background()))
	return bot, session, fakeClock
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", truncate("hello", 10))
	assert.Equal(t, "hel", truncate("hello", 3))
	assert.Equal(t, "豆腐", truncate("豆腐機器人", 2))
	assert.Equal(t, "", truncate("", 2))
}

func TestChunkItems(t *testing.T) {
	assert.Equal(
		t,
		[][]string{{"a", "b"}, {"c", "d"}, {"e"}},
		chunkItems(2, "a", "b", "c", "d", "e"),
	)
	assert.Equal(t, [][]int{{1, 2, 3}}, chunkItems(5, 1, 2, 3))
	assert.Nil(t, chunkItems[int](3))
}

func TestLoadJSONFile(t *testing.T) {
	dir := t.TempDir()

	t.Run(
		"missing file is created", func(t *testing.T) {
			path := filepath.Join(dir, "nested", "missing.json")
			v := map[string]int{}
			require.NoError(t, loadJSONFile(path, &v))

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.JSONEq(t, `{}`, string(data))
		},
	)

	t.Run(
		"empty file leaves value untouched", func(t *testing.T) {
			path := filepath.Join(dir, "empty.json")
			require.NoError(t, os.WriteFile(path, []byte("\n"), 0o644))
			v := []string{"keep"}
			require.NoError(t, loadJSONFile(path, &v))
			assert.Equal(t, []string{"keep"}, v)
		},
	)

	t.Run(
		"invalid json", func(t *testing.T) {
			path := filepath.Join(dir, "bad.json")
			require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o644))
			var v map[string]int
			assert.ErrorContains(t, loadJSONFile(path, &v), path)
		},
	)

	t.Run(
		"round trip", func(t *testing.T) {
			path := filepath.Join(dir, "data.json")
			want := map[string][]string{"a": {"1", "2"}}
			require.NoError(t, saveJSONFile(path, want))

			var got map[string][]string
			require.NoError(t, loadJSONFile(path, &got))
			assert.Equal(t, want, got)
		},
	)
}

func TestWriteFileAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")
	require.NoError(t, writeFileAtomic(path, []byte("one")))
	require.NoError(t, writeFileAtomic(path, []byte("two")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func TestStructToSlogValueRedacts(t *testing.T) {
	type inner struct {
		Secret string `json:"secret" log:"[redacted]"`
		Name   string `json:"name"`
	}
	type outer struct {
		Inner *inner `json:"inner"`
		Empty string `json:"empty"`
		Count int    `json:"count"`
	}

	v := structToSlogValue(outer{Inner: &inner{Secret: "hunter2", Name: "tofu"}, Count: 3})
	attrs := v.Group()
	require.Len(t, attrs, 2)
	assert.Equal(t, "inner", attrs[0].Key)
	assert.Equal(t, "count", attrs[1].Key)
	assert.Equal(t, int64(3), attrs[1].Value.Int64())

	innerAttrs := attrs[0].Value.Group()
	require.Len(t, innerAttrs, 2)
	assert.Equal(t, "[redacted]", innerAttrs[0].Value.String())
	assert.Equal(t, "tofu", innerAttrs[1].Value.String())
}

func TestContextLogger(t *testing.T) {
	_, ok := ContextLogger(context.Background())
	assert.False(t, ok)

	logger := discardLogger()
	ctx := WithLogger(context.Background(), logger)
	got, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, logger, got)

	fallback := discardLogger()
	assert.Same(t, fallback, contextLoggerOr(context.Background(), fallback))
	assert.Same(t, logger, contextLoggerOr(ctx, fallback))
}
