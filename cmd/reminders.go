package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/akiyatamashii/tofubot/tofubot"
	"github.com/spf13/cobra"
)

// The reminders commands edit the configured store directly. A running
// bot never re-reads the store, and its next save would overwrite the
// edit, so add and rm refuse to run while the bot's admin API answers.
// Live edits go through POST /api/reminders instead.
var (
	reminderGuildID   string
	reminderChannelID string
	reminderWeekdays  string
	reminderTime      string
	reminderMessage   string
	reminderIndex     int
	reminderForce     bool

	remindersCmd = &cobra.Command{
		Use:   "reminders",
		Short: "List and edit stored reminders",
	}

	remindersListCmd = &cobra.Command{
		Use:   "list",
		Short: "Print stored reminders as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			table, err := openReminderTable(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return printReminders(cmd.OutOrStdout(), table, reminderGuildID)
		},
	}

	remindersAddCmd = &cobra.Command{
		Use:   "add",
		Short: "Add a reminder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := tofubot.NewReminder(reminderWeekdays, reminderTime, reminderMessage)
			if err != nil {
				return err
			}
			if err = checkBotStopped(cmd.Context(), cfg); err != nil {
				return err
			}
			table, err := openReminderTable(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			index, err := table.Add(cmd.Context(), reminderGuildID, reminderChannelID, r)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "added reminder #%d\n", index)
			return err
		},
	}

	remindersRmCmd = &cobra.Command{
		Use:   "rm",
		Short: "Remove a reminder by its 1-based index in the channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkBotStopped(cmd.Context(), cfg); err != nil {
				return err
			}
			table, err := openReminderTable(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			removed, err := table.Remove(
				cmd.Context(),
				reminderGuildID,
				reminderChannelID,
				reminderIndex,
			)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(
				cmd.OutOrStdout(),
				"removed reminder #%d: %s\n",
				reminderIndex,
				removed.Message,
			)
			return err
		},
	}
)

var errBotRunning = errors.New("the bot is running")

// checkBotStopped returns errBotRunning if the configured admin API
// answers its health check, unless --force was given
func checkBotStopped(ctx context.Context, c *tofubot.Config) error {
	if reminderForce || c.API == nil || !c.API.Enabled {
		return nil
	}
	host, port, err := net.SplitHostPort(c.API.Listen)
	if err != nil {
		return nil
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	healthURL := "http://" + net.JoinHostPort(host, port) + "/healthz"

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return nil
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	return fmt.Errorf(
		"%w (%s answered), its next save would overwrite this edit: "+
			"use POST /api/reminders, stop the bot, or pass --force",
		errBotRunning,
		healthURL,
	)
}

// openReminderTable loads the store selected by the config. Unlike the
// bot, a store that can't be loaded is an error, so a bad file is never
// overwritten by an edit.
func openReminderTable(ctx context.Context, c *tofubot.Config) (*tofubot.ReminderTable, error) {
	gateway, err := tofubot.NewReminderGateway(ctx, c)
	if err != nil {
		return nil, err
	}
	return tofubot.OpenReminderTable(ctx, gateway, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func printReminders(w io.Writer, table *tofubot.ReminderTable, guildID string) error {
	var v any = table.Snapshot()
	if guildID != "" {
		v = table.Guild(guildID)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

//nolint:gochecknoinits
func init() {
	remindersListCmd.Flags().StringVar(&reminderGuildID, "guild", "", "only list this guild")

	for _, c := range []*cobra.Command{remindersAddCmd, remindersRmCmd} {
		c.Flags().StringVar(&reminderGuildID, "guild", "", "guild ID")
		c.Flags().StringVar(&reminderChannelID, "channel", "", "channel ID")
		_ = c.MarkFlagRequired("guild")
		_ = c.MarkFlagRequired("channel")
		c.Flags().BoolVar(
			&reminderForce,
			"force",
			false,
			"edit the store even if the bot appears to be running",
		)
	}

	remindersAddCmd.Flags().StringVar(
		&reminderWeekdays,
		"weekdays",
		"",
		"comma separated weekdays, 1 (Monday) to 7 (Sunday)",
	)
	remindersAddCmd.Flags().StringVar(&reminderTime, "time", "", "time of day, HH:MM")
	remindersAddCmd.Flags().StringVar(&reminderMessage, "message", "", "message to send")
	for _, name := range []string{"weekdays", "time", "message"} {
		_ = remindersAddCmd.MarkFlagRequired(name)
	}

	remindersRmCmd.Flags().IntVar(&reminderIndex, "index", 0, "1-based reminder index")
	_ = remindersRmCmd.MarkFlagRequired("index")

	remindersCmd.AddCommand(remindersListCmd, remindersAddCmd, remindersRmCmd)
	rootCmd.AddCommand(remindersCmd)
}
