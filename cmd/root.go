package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/akiyatamashii/tofubot/tofubot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = tofubot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:          "tofubot [flags]",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cfg)
	},
}

// loadConfig decodes viper's settings into c. Log levels are rebuilt
// from viper's level names, since mapstructure can't decode a string
// into an existing *slog.LevelVar.
func loadConfig(c *tofubot.Config) error {
	for _, lv := range c.LevelVars() {
		*lv = nil
	}
	return viper.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
				LevelToStringHookFunc(),
			),
		),
		func(dc *mapstructure.DecoderConfig) {
			// replace default slices rather than overwriting a prefix of them
			dc.ZeroFields = true
		},
	)
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names (DEBUG, INFO, WARN, ERROR)
// into *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("unable to load %s: %v", configFile, err)
		}
	}

	setDefaults()

	envPrefix := os.Getenv(tofubot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = tofubot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// env values arrive as strings
	for _, key := range []string{
		"moderation.protected_user_ids",
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		if s, ok := viper.Get(key).(string); ok {
			viper.Set(key, splitList(s))
		}
	}
}

// splitList splits a comma or space separated list
func splitList(s string) []string {
	return strings.FieldsFunc(
		s, func(r rune) bool {
			return r == ',' || r == ' '
		},
	)
}

func setDefaults() {
	viper.SetDefault("timezone", tofubot.DefaultTimezone)
	viper.SetDefault("log_level", tofubot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", tofubot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", tofubot.DefaultShutdownTimeout)
	viper.SetDefault("database_slow_threshold", tofubot.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", tofubot.DefaultDatabaseLogLevel.String())

	// Reminder store and scheduler
	viper.SetDefault("reminder_store.type", tofubot.DefaultReminderStoreType)
	viper.SetDefault("reminder_store.path", tofubot.DefaultReminderStorePath)
	viper.SetDefault("reminder_store.database", tofubot.DefaultDatabase)
	viper.SetDefault("scheduler.scan_interval", tofubot.DefaultScanInterval)
	viper.SetDefault("scheduler.promote_interval", tofubot.DefaultPromoteInterval)
	viper.SetDefault("scheduler.fire_interval", tofubot.DefaultFireInterval)

	// Assets
	viper.SetDefault("assets.ledger_path", tofubot.DefaultLedgerPath)
	viper.SetDefault("assets.ban_list_path", tofubot.DefaultBanListPath)
	viper.SetDefault("assets.block_list_path", tofubot.DefaultBlockListPath)
	viper.SetDefault("assets.tiktok_messages_path", tofubot.DefaultTikTokMessagesPath)
	viper.SetDefault("assets.info_dir", tofubot.DefaultInfoDir)

	// Moderation
	viper.SetDefault("moderation.protected_user_ids", []string{})
	viper.SetDefault("moderation.sweep_interval", tofubot.DefaultBanSweepInterval)

	// OpenAI config
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.log_level", tofubot.DefaultLogLevel.String())
	viper.SetDefault("openai.chat_model", tofubot.DefaultOpenAIChatModel)
	viper.SetDefault("openai.image_model", tofubot.DefaultOpenAIImageModel)
	viper.SetDefault("openai.system_prompt", tofubot.DefaultOpenAISystemPrompt)
	viper.SetDefault(
		"openai.max_requests_per_second",
		tofubot.DefaultOpenAIMaxRequestsPerSecond,
	)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", tofubot.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		tofubot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", int(tofubot.DefaultDiscordGatewayIntent))
	viper.SetDefault("discord.error_message", tofubot.DefaultDiscordErrorMessage)

	// API config
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.listen", tofubot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.log_level", tofubot.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", tofubot.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", tofubot.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", tofubot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", tofubot.DefaultIdleTimeout)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", tofubot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", tofubot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", tofubot.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", tofubot.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", tofubot.DefaultAPICORSAllowCredentials)
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"env file to load",
	)
}
