//nolint:lll // struct tags can't be split
package tofubot

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	openai "github.com/sashabaranov/go-openai"
)

const (
	EnvvarSetEnvPrefix = "TOFU_ENV_PREFIX"
	DefaultEnvPrefix   = "TOFU"

	DefaultTimezone           = "Asia/Taipei"
	DefaultReminderStoreType  = storeTypeJSON
	DefaultReminderStorePath  = "assets/reminders.json"
	DefaultDatabase           = "assets/tofubot.sqlite3"
	DefaultLedgerPath         = "assets/cash.json"
	DefaultBanListPath        = "assets/ban_list.json"
	DefaultBlockListPath      = "assets/block_list.json"
	DefaultTikTokMessagesPath = "assets/tiktok_refuse_msg.txt"
	DefaultInfoDir            = "assets/info"

	DefaultScanInterval    = 30 * time.Minute
	DefaultPromoteInterval = 2 * time.Minute
	DefaultFireInterval    = time.Second

	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	DefaultOpenAIMaxRequestsPerSecond = 1
	DefaultOpenAIChatModel            = openai.GPT4oMini
	DefaultOpenAIImageModel           = openai.CreateImageModelDallE3
	DefaultOpenAISystemPrompt         = "Keep every reply under 2000 characters. Answer in the language the user writes in."

	DefaultDiscordGatewayIntent = discordgo.IntentsAllWithoutPrivileged | discordgo.IntentMessageContent
	DefaultDiscordLogLevel      = slog.LevelWarn
	DefaultDiscordgoLogLevel    = slog.LevelWarn
	DefaultDiscordErrorMessage  = "sorry, something went wrong!"
	DefaultBanSweepInterval     = time.Minute

	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultAPICORSAllowCredentials = false
	DefaultReadTimeout             = 5 * time.Second
	DefaultReadHeaderTimeout       = 5 * time.Second
	DefaultWriteTimeout            = 10 * time.Second
	DefaultIdleTimeout             = 30 * time.Second
	defaultListenNetwork           = "tcp"

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelWarn

	discordMaxMessageLength = 2000
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Timezone all reminder times are interpreted in
	Timezone string `yaml:"timezone" mapstructure:"timezone" json:"timezone" binding:"required"`

	// ReminderStore selects where reminder definitions are persisted
	ReminderStore *ReminderStoreConfig `yaml:"reminder_store" mapstructure:"reminder_store" json:"reminder_store" binding:"required"`

	// Scheduler sets the polling tier intervals
	Scheduler *SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler" json:"scheduler" binding:"required"`

	// Assets holds the paths of the smaller JSON/text stores
	Assets *AssetsConfig `yaml:"assets" mapstructure:"assets" json:"assets" binding:"required"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// OpenAI holds the configuration for OpenAI integration
	OpenAI *OpenAIConfig `yaml:"openai" mapstructure:"openai" json:"openai" binding:"required"`

	// API configures the admin API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	// Moderation configures /ban and the block list
	Moderation *ModerationConfig `yaml:"moderation" mapstructure:"moderation" json:"moderation" binding:"required"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// load its stores and connect to discord.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout" binding:"min=1s"`

	// ShutdownTimeout is the time to allow for a graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// LevelVars returns the address of every log level in the config,
// skipping sub-configs which are nil
func (c *Config) LevelVars() []**slog.LevelVar {
	levels := []**slog.LevelVar{&c.LogLevel, &c.DatabaseLogLevel}
	if c.Discord != nil {
		levels = append(levels, &c.Discord.LogLevel, &c.Discord.DiscordGoLogLevel)
	}
	if c.OpenAI != nil {
		levels = append(levels, &c.OpenAI.LogLevel)
	}
	if c.API != nil {
		levels = append(levels, &c.API.LogLevel)
	}
	return levels
}

// Location loads the configured timezone
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// ReminderStoreConfig selects the [ReminderGateway] implementation.
type ReminderStoreConfig struct {
	// Type is one of 'json', 'sqlite' or 'postgres'
	Type string `yaml:"type" mapstructure:"type" json:"type" binding:"oneof=json sqlite postgres"`

	// Path of the reminders JSON file, when Type is 'json'
	Path string `yaml:"path" mapstructure:"path" json:"path" binding:"required_if=Type json"`

	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database" log:"[redacted]" binding:"required_unless=Type json"`
}

// SchedulerConfig sets how often each polling tier wakes.
type SchedulerConfig struct {
	ScanInterval    time.Duration `yaml:"scan_interval" mapstructure:"scan_interval" json:"scan_interval" binding:"min=1s"`
	PromoteInterval time.Duration `yaml:"promote_interval" mapstructure:"promote_interval" json:"promote_interval" binding:"min=1s"`
	FireInterval    time.Duration `yaml:"fire_interval" mapstructure:"fire_interval" json:"fire_interval" binding:"min=10ms"`
}

func (c SchedulerConfig) validate() error {
	if c.PromoteInterval > c.ScanInterval {
		return errors.New("scheduler.promote_interval must be <= scheduler.scan_interval")
	}
	if c.FireInterval > c.PromoteInterval {
		return errors.New("scheduler.fire_interval must be <= scheduler.promote_interval")
	}
	return nil
}

type AssetsConfig struct {
	LedgerPath         string `yaml:"ledger_path" mapstructure:"ledger_path" json:"ledger_path" binding:"required"`
	BanListPath        string `yaml:"ban_list_path" mapstructure:"ban_list_path" json:"ban_list_path" binding:"required"`
	BlockListPath      string `yaml:"block_list_path" mapstructure:"block_list_path" json:"block_list_path" binding:"required"`
	TikTokMessagesPath string `yaml:"tiktok_messages_path" mapstructure:"tiktok_messages_path" json:"tiktok_messages_path" binding:"required"`
	InfoDir            string `yaml:"info_dir" mapstructure:"info_dir" json:"info_dir" binding:"required"`
}

type ModerationConfig struct {
	// User IDs that /ban refuses to target
	ProtectedUserIDs []string `yaml:"protected_user_ids" mapstructure:"protected_user_ids" json:"protected_user_ids"`

	// How often expired bans are lifted
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval" json:"sweep_interval" binding:"min=1s"`
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// Reply used when a command fails unexpectedly
	ErrorMessage string `yaml:"error_message" mapstructure:"error_message" json:"error_message"`

	httpClient *http.Client
}

// OpenAIConfig configures the OpenAI-backed commands
type OpenAIConfig struct {
	// OpenAI API token. When empty, /chat, /image and /model_list
	// reply that the feature is unavailable.
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// OpenAI base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	ChatModel    string `yaml:"chat_model" mapstructure:"chat_model" json:"chat_model" binding:"required"`
	ImageModel   string `yaml:"image_model" mapstructure:"image_model" json:"image_model" binding:"required"`
	SystemPrompt string `yaml:"system_prompt" mapstructure:"system_prompt" json:"system_prompt"`

	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"gt=0"`
}

// APIConfig configures the admin API server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Bearer token required on /api routes. Empty disables the check.
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"  binding:"required_if=Enabled true"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"  binding:"required_if=Enabled true"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"  binding:"required_if=Enabled true"`

	// Enables pprof routes under /debug
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string{}, DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string{}, DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string{}, DefaultCORSExposeHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	openaiLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	openaiLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		Timezone: DefaultTimezone,
		ReminderStore: &ReminderStoreConfig{
			Type:     DefaultReminderStoreType,
			Path:     DefaultReminderStorePath,
			Database: DefaultDatabase,
		},
		Scheduler: &SchedulerConfig{
			ScanInterval:    DefaultScanInterval,
			PromoteInterval: DefaultPromoteInterval,
			FireInterval:    DefaultFireInterval,
		},
		Assets: &AssetsConfig{
			LedgerPath:         DefaultLedgerPath,
			BanListPath:        DefaultBanListPath,
			BlockListPath:      DefaultBlockListPath,
			TikTokMessagesPath: DefaultTikTokMessagesPath,
			InfoDir:            DefaultInfoDir,
		},
		Moderation: &ModerationConfig{
			ProtectedUserIDs: []string{},
			SweepInterval:    DefaultBanSweepInterval,
		},
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		OpenAI: &OpenAIConfig{
			LogLevel:             openaiLogLevel,
			ChatModel:            DefaultOpenAIChatModel,
			ImageModel:           DefaultOpenAIImageModel,
			SystemPrompt:         DefaultOpenAISystemPrompt,
			MaxRequestsPerSecond: DefaultOpenAIMaxRequestsPerSecond,
		},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			ErrorMessage:      DefaultDiscordErrorMessage,
		},
		API: &APIConfig{
			Enabled:           true,
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}
