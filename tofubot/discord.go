package tofubot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Slash command names
const (
	commandPing             = "ping"
	commandInfo             = "info"
	commandRemind           = "remind"
	commandRmRemind         = "rm_remind"
	commandLook             = "look"
	commandChat             = "chat"
	commandImage            = "image"
	commandModelList        = "model_list"
	commandCash             = "cash"
	commandTikTokMsgAdd     = "tiktok_msg_add"
	commandBan              = "ban"
	commandUnban            = "unban"
	commandBlock            = "block"
	commandRemoveBlock      = "remove_block"
	commandDisplayBlockList = "display_block_list"
)

// Discord manages the discord session, and the gateway event handlers
// registered on it.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metrics                     *Metrics
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
}

func newDiscord(config *DiscordConfig, metrics *Metrics) *Discord {
	return &Discord{
		config:                      config,
		metrics:                     metrics,
		logger:                      newComponentLogger("discord", config.LogLevel),
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession creates a discordgo session for the configured bot token.
// No connection is made until Open is called.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = true
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// ChannelMessageSend sends a message using the current session. Discord
// satisfies MessageSender, so the scheduler doesn't need to care whether
// the session has been created yet.
func (d *Discord) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	if d.session == nil {
		return nil, fmt.Errorf("discord session not initialized")
	}
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		if r == nil || r.User == nil {
			d.logger.Info("Ready")
			return
		}
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			"user_id", r.User.ID,
			"username", r.User.Username,
			"guilds", len(r.Guilds),
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, r *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		if d.metrics != nil {
			d.metrics.discordConnected.Set(1)
		}
		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, r *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		if d.metrics != nil {
			d.metrics.discordConnected.Set(0)
		}

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("disconnected", "session_id", sessionID)
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint. When GuildID is set, commands are registered to that guild
// only, which makes them available immediately.
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		appCommands(),
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	if len(created) == 0 {
		d.logger.Warn("no commands created")
	}
	return created, nil
}

var (
	adminPermission int64 = discordgo.PermissionAdministrator
	dmDisabled            = false
)

func guildOnly(cmd *discordgo.ApplicationCommand) *discordgo.ApplicationCommand {
	cmd.DMPermission = &dmDisabled
	return cmd
}

func adminOnly(cmd *discordgo.ApplicationCommand) *discordgo.ApplicationCommand {
	cmd.DefaultMemberPermissions = &adminPermission
	return guildOnly(cmd)
}

// appCommands returns every slash command the bot handles
func appCommands() []*discordgo.ApplicationCommand {
	infoChoices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(infoTopics))
	for _, topic := range infoTopics {
		infoChoices = append(
			infoChoices,
			&discordgo.ApplicationCommandOptionChoice{Name: topic, Value: topic},
		)
	}
	minOne := 1.0

	return []*discordgo.ApplicationCommand{
		{
			Name:        commandPing,
			Description: "A ping command",
		},
		{
			Name:        commandInfo,
			Description: "Get bot info and the command list",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "type",
					Description: "Which part of the info to show",
					Choices:     infoChoices,
				},
			},
		},
		adminOnly(
			&discordgo.ApplicationCommand{
				Name:        commandRemind,
				Description: "Set a weekly reminder in this channel",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "weekdays",
						Description: "Days to remind on, 1-7 (1 is Monday), comma separated",
						Required:    true,
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "time",
						Description: "Time to remind at, HH:MM (24h)",
						Required:    true,
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "message",
						Description: "The reminder message",
						Required:    true,
					},
				},
			},
		),
		adminOnly(
			&discordgo.ApplicationCommand{
				Name:        commandRmRemind,
				Description: "Remove a reminder from this channel",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        "index",
						Description: "Index shown by /look",
						Required:    true,
						MinValue:    &minOne,
					},
					{
						Type:         discordgo.ApplicationCommandOptionChannel,
						Name:         "channel",
						Description:  "Channel to remove the reminder from (defaults to this one)",
						ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
					},
				},
			},
		),
		adminOnly(
			&discordgo.ApplicationCommand{
				Name:        commandLook,
				Description: "List reminders in this server",
			},
		),
		{
			Name:        commandChat,
			Description: "Chat with the AI",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "message",
					Description: "What to say",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        "public",
					Description: "Show the reply to everyone",
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "model",
					Description: "Chat model to use",
				},
			},
		},
		{
			Name:        commandImage,
			Description: "Generate an image",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "prompt",
					Description: "What to draw",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "model",
					Description: "Image model to use",
				},
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        "public",
					Description: "Show the image to everyone",
				},
			},
		},
		{
			Name:        commandModelList,
			Description: "List available AI models",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "model_type",
					Description: "Only list models of this type",
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: modelGroupLanguage, Value: modelGroupLanguage},
						{Name: modelGroupImage, Value: modelGroupImage},
						{Name: modelGroupSpeech, Value: modelGroupSpeech},
						{Name: modelGroupTTS, Value: modelGroupTTS},
						{Name: modelGroupEmbedding, Value: modelGroupEmbedding},
						{Name: modelGroupOther, Value: modelGroupOther},
					},
				},
			},
		},
		guildOnly(
			&discordgo.ApplicationCommand{
				Name:        commandCash,
				Description: "Debt ledger",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "type",
						Description: "What to do",
						Required:    true,
						Choices: []*discordgo.ApplicationCommandOptionChoice{
							{Name: cashLook, Value: cashLook},
							{Name: cashAdd, Value: cashAdd},
							{Name: cashDel, Value: cashDel},
						},
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "debtor",
						Description: "Who owes (@Somebody)",
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "creditor",
						Description: "Who is owed (@Somebody)",
					},
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        "debt",
						Description: "Amount owed",
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "ps",
						Description: "Note",
					},
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        "index",
						Description: "Index to delete",
					},
				},
			},
		),
		{
			Name:        commandTikTokMsgAdd,
			Description: "Add a reply for short video links",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "message",
					Description: "The reply",
					Required:    true,
				},
			},
		},
		adminOnly(
			&discordgo.ApplicationCommand{
				Name:        commandBan,
				Description: "Server mute a member for a while",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        "member",
						Description: "The member to ban",
						Required:    true,
					},
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        "mins",
						Description: "How long to ban, in minutes",
						Required:    true,
						MinValue:    &minOne,
					},
				},
			},
		),
		adminOnly(
			&discordgo.ApplicationCommand{
				Name:        commandUnban,
				Description: "Lift a ban",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        "member",
						Description: "The member to unban",
						Required:    true,
					},
				},
			},
		),
		adminOnly(
			&discordgo.ApplicationCommand{
				Name:        commandBlock,
				Description: "Delete every message a user sends",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        "user",
						Description: "The user to block",
						Required:    true,
					},
				},
			},
		),
		adminOnly(
			&discordgo.ApplicationCommand{
				Name:        commandRemoveBlock,
				Description: "Remove a user from the block list",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        "user",
						Description: "The user to remove",
						Required:    true,
					},
				},
			},
		),
		adminOnly(
			&discordgo.ApplicationCommand{
				Name:        commandDisplayBlockList,
				Description: "Show the block list",
			},
		),
	}
}

// DiscordSessionHandler defines the methods of `discordgo.Session` used
// by the bot, so the session can be mocked in tests.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendReply sends a message to the given channel, as a
	// reply to the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageDelete(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) error

	// GuildMemberMute server mutes/unmutes a member in voice channels
	GuildMemberMute(
		guildID string,
		userID string,
		mute bool,
		options ...discordgo.RequestOption,
	) error

	// ApplicationCommandBulkOverwrite overwrites Discord application commands in bulk.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendReply(
		channelID, content, reference, options...,
	)
	if err != nil {
		d.logger.Error(
			"error sending message reply",
			tint.Err(err),
			"channel_id", channelID,
			"reference", reference,
		)
	} else {
		d.logger.Debug(
			"sent message reply",
			"channel_id", channelID,
			"content", content,
			"reference", reference,
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessageDelete(channelID, messageID, options...)
}

func (d DiscordSession) GuildMemberMute(
	guildID string,
	userID string,
	mute bool,
	options ...discordgo.RequestOption,
) error {
	err := d.session.GuildMemberMute(guildID, userID, mute, options...)
	if err != nil {
		d.logger.Error(
			"error updating member mute",
			tint.Err(err),
			"guild_id", guildID,
			"user_id", userID,
			"mute", mute,
		)
	}
	return err
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name, "id", c.ID)
	}
	return created, nil
}

// InteractionHandler responds to a single discord interaction
type InteractionHandler interface {
	// Respond sends the initial response to the interaction
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// Edit modifies the interaction's response
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] for interactions
// received via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(w.interaction.Interaction, response)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.DebugContext(ctx, "responded to interaction")
	}
	return err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := w.session.InteractionResponseEdit(
		w.interaction.Interaction,
		wh,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	} else {
		w.logger.DebugContext(ctx, "edited interaction")
	}
	return msg, err
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

// respondText sends a plain text reply to the interaction
func respondText(
	ctx context.Context,
	h InteractionHandler,
	content string,
	ephemeral bool,
) error {
	data := &discordgo.InteractionResponseData{
		Content: truncate(content, discordMaxMessageLength),
	}
	if ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	return h.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: data,
		},
	)
}

// deferResponse acknowledges the interaction, for commands whose reply
// is sent later via editResponse
func deferResponse(ctx context.Context, h InteractionHandler, ephemeral bool) error {
	data := &discordgo.InteractionResponseData{}
	if ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	return h.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: data,
		},
	)
}

func editResponse(ctx context.Context, h InteractionHandler, content string) error {
	content = truncate(content, discordMaxMessageLength)
	_, err := h.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
	return err
}

// hasAdminPermission reports whether the interaction's member has the
// Administrator permission in the guild
func hasAdminPermission(i *discordgo.InteractionCreate) bool {
	if i == nil || i.Member == nil {
		return false
	}
	return i.Member.Permissions&discordgo.PermissionAdministrator != 0
}
