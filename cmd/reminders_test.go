package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/akiyatamashii/tofubot/tofubot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeRoot(t testing.TB, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs(args)
	t.Cleanup(
		func() {
			rootCmd.SetOut(nil)
			reminderGuildID = ""
			reminderChannelID = ""
			reminderWeekdays = ""
			reminderTime = ""
			reminderMessage = ""
			reminderIndex = 0
			reminderForce = false
		},
	)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestRemindersAddListRemove(t *testing.T) {
	clearEnv(t)
	storePath := filepath.Join(t.TempDir(), "reminders.json")
	t.Setenv("TOFU_REMINDER_STORE_PATH", storePath)

	out, err := executeRoot(
		t,
		"reminders", "add",
		"--guild", "100",
		"--channel", "200",
		"--weekdays", "1,3,5",
		"--time", "09:30",
		"--message", "stand up",
	)
	require.NoError(t, err)
	assert.Equal(t, "added reminder #1\n", out)

	out, err = executeRoot(t, "reminders", "list")
	require.NoError(t, err)
	var m tofubot.ReminderMap
	require.NoError(t, json.Unmarshal([]byte(out), &m))
	require.Len(t, m["100"]["200"], 1)
	assert.Equal(t, "stand up", m["100"]["200"][0].Message)
	assert.Equal(t, tofubot.NewTimeOfDay(9, 30, 0), m["100"]["200"][0].Time)

	out, err = executeRoot(
		t,
		"reminders", "rm",
		"--guild", "100",
		"--channel", "200",
		"--index", "1",
	)
	require.NoError(t, err)
	assert.Equal(t, "removed reminder #1: stand up\n", out)

	data, err := os.ReadFile(storePath)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(data))
}

func TestRemindersAddInvalidWeekdays(t *testing.T) {
	clearEnv(t)
	t.Setenv("TOFU_REMINDER_STORE_PATH", filepath.Join(t.TempDir(), "reminders.json"))

	_, err := executeRoot(
		t,
		"reminders", "add",
		"--guild", "100",
		"--channel", "200",
		"--weekdays", "8",
		"--time", "09:30",
		"--message", "never",
	)
	var vErr *tofubot.ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestRemindersRefuseUnreadableStore(t *testing.T) {
	clearEnv(t)
	storePath := filepath.Join(t.TempDir(), "reminders.json")
	require.NoError(t, os.WriteFile(storePath, []byte("{not json"), 0o600))
	t.Setenv("TOFU_REMINDER_STORE_PATH", storePath)

	_, err := executeRoot(
		t,
		"reminders", "add",
		"--guild", "100",
		"--channel", "200",
		"--weekdays", "1",
		"--time", "09:30",
		"--message", "hello",
	)
	require.Error(t, err)

	data, err := os.ReadFile(storePath)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data))
}

func TestRemindersRefuseEditsWhileBotRuns(t *testing.T) {
	clearEnv(t)
	storePath := filepath.Join(t.TempDir(), "reminders.json")
	t.Setenv("TOFU_REMINDER_STORE_PATH", storePath)

	bot := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/healthz" {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				_, _ = w.Write([]byte(`{"discord_gateway_connected":true}`))
			},
		),
	)
	defer bot.Close()
	t.Setenv("TOFU_API_LISTEN", strings.TrimPrefix(bot.URL, "http://"))

	addArgs := []string{
		"reminders", "add",
		"--guild", "100",
		"--channel", "200",
		"--weekdays", "1",
		"--time", "09:30",
		"--message", "stand up",
	}
	_, err := executeRoot(t, addArgs...)
	assert.ErrorIs(t, err, errBotRunning)
	assert.NoFileExists(t, storePath)

	_, err = executeRoot(t, "reminders", "rm", "--guild", "100", "--channel", "200", "--index", "1")
	assert.ErrorIs(t, err, errBotRunning)

	// listing only reads
	_, err = executeRoot(t, "reminders", "list")
	require.NoError(t, err)

	out, err := executeRoot(t, append(addArgs, "--force")...)
	require.NoError(t, err)
	assert.Equal(t, "added reminder #1\n", out)
}
