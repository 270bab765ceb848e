package tofubot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jmhodges/clock"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// TofuBot is the discord bot. It owns the reminder table and scheduler,
// the smaller JSON-backed stores, the discord session and the admin API.
type TofuBot struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler
	clock      clock.Clock
	location   *time.Location
	metrics    *Metrics

	discord *Discord
	openai  *OpenAI
	api     *API

	reminders *ReminderTable
	scheduler *Scheduler
	ledger    *Ledger
	bans      *BanList
	blocks    *BlockList
	tiktok    *TikTokResponder

	commands map[string]botCommand

	// getInteractionHandlerFunc wraps incoming interactions. Tests replace
	// it to capture responses.
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	// signalReady has a value sent on it once Run has loaded the stores,
	// connected to discord and started the scheduler
	signalReady chan struct{}

	// prevents concurrent runs
	runMu     sync.Mutex
	startedAt time.Time
}

// New creates a TofuBot from the given config. No files are read and no
// connections are made until Run is called.
func New(config *Config) (*TofuBot, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	var errs []error
	for name, missing := range map[string]bool{
		"discord":        config.Discord == nil,
		"openai":         config.OpenAI == nil,
		"api":            config.API == nil,
		"scheduler":      config.Scheduler == nil,
		"reminder_store": config.ReminderStore == nil,
		"assets":         config.Assets == nil,
		"moderation":     config.Moderation == nil,
	} {
		if missing {
			errs = append(errs, fmt.Errorf("missing %s config", name))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	for _, lv := range config.LevelVars() {
		if *lv == nil {
			*lv = &slog.LevelVar{}
		}
	}

	b := &TofuBot{
		config:      config,
		clock:       clock.New(),
		metrics:     newMetrics(),
		signalReady: make(chan struct{}, 1),
	}

	b.logHandler = newLogHandler(defaultLogWriter, config.LogLevel)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	loc, err := config.Location()
	if err != nil {
		errs = append(errs, err)
	}
	b.location = loc

	config.Discord.httpClient = config.HTTPClient
	b.discord = newDiscord(config.Discord, b.metrics)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(defaultLogWriter, config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	b.openai = newOpenAI(config.OpenAI, config.HTTPClient)

	if config.API.Enabled {
		b.api = newAPI(b, config.API)
	}

	b.commands = b.commandHandlers()

	b.getInteractionHandlerFunc = func(
		_ context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler {
		return GatewayHandler{
			session:     b.discord.session,
			interaction: i,
			logger: b.logger.With(
				slog.Group("interaction", interactionLogAttrs(*i)...),
			),
		}
	}

	return b, errors.Join(errs...)
}

// ValidateConfig checks the config's binding tags, and the constraints
// the tags can't express
func (b *TofuBot) ValidateConfig() error {
	if err := structValidator.Struct(b.config); err != nil {
		return err
	}
	if err := b.config.Scheduler.validate(); err != nil {
		return err
	}
	_, err := b.config.Location()
	return err
}

// Run loads the stores, connects to discord and runs the scheduler, the
// ban sweeper and the API server until ctx is cancelled.
func (b *TofuBot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = b.clock.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(
		ctx,
		slog.LevelInfo,
		"starting",
		slog.Any("config", b.config),
		slog.String("version", Version),
	)

	// interaction and message handlers are tracked here, so shutdown can
	// wait for in-flight commands
	runtimeWG := &sync.WaitGroup{}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- b.initRun(startCtx, ctx, runtimeWG)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			if b.discord.session != nil {
				_ = b.discord.session.Close()
			}
			return err
		}
		logger.InfoContext(ctx, "init complete", "startup_duration", b.clock.Now().Sub(b.startedAt))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(
		func() error {
			return b.scheduler.Run(gctx)
		},
	)
	g.Go(
		func() error {
			return b.runBanSweeper(gctx)
		},
	)
	if b.api != nil {
		g.Go(
			func() error {
				return b.api.Serve(gctx)
			},
		)
	}

	select {
	case b.signalReady <- struct{}{}:
	default:
	}
	logger.InfoContext(ctx, "sent ready signal")

	runErr := g.Wait()
	if runErr != nil {
		logger.ErrorContext(ctx, "runtime error", tint.Err(runErr))
	}
	return errors.Join(runErr, b.shutdown(ctx, runtimeWG))
}

// initRun loads the stores, then connects to discord. startCtx bounds
// the loading, ctx is the runtime context handed to discord handlers.
func (b *TofuBot) initRun(
	startCtx context.Context,
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	if err := b.initStores(startCtx); err != nil {
		return err
	}
	if err := b.initDiscordSession(ctx, runtimeWG); err != nil {
		return err
	}
	if err := b.discord.session.Open(); err != nil {
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	if _, err := b.discord.registerCommands(); err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}
	return nil
}

// initStores loads anything that hasn't already been set
func (b *TofuBot) initStores(ctx context.Context) error {
	cfg := b.config
	if b.reminders == nil {
		gateway, err := NewReminderGateway(ctx, cfg)
		if err != nil {
			return fmt.Errorf("error creating reminder store: %w", err)
		}
		b.reminders = LoadReminderTable(
			ctx,
			gateway,
			b.logger.With(loggerNameKey, "reminders"),
		)
		b.metrics.registerReminderCount(b.reminders)
	}
	if b.scheduler == nil {
		b.scheduler = NewScheduler(
			b.reminders,
			b.discord,
			b.location,
			WithClock(b.clock),
			WithIntervals(*cfg.Scheduler),
			WithSchedulerLogger(b.logger.With(loggerNameKey, "scheduler")),
			withMetrics(b.metrics),
		)
	}
	if b.ledger == nil {
		b.ledger = LoadLedger(cfg.Assets.LedgerPath, b.logger.With(loggerNameKey, "ledger"))
	}
	if b.bans == nil {
		b.bans = LoadBanList(cfg.Assets.BanListPath, b.logger.With(loggerNameKey, "bans"))
	}
	if b.blocks == nil {
		b.blocks = LoadBlockList(cfg.Assets.BlockListPath, b.logger.With(loggerNameKey, "blocks"))
	}
	if b.tiktok == nil {
		b.tiktok = LoadTikTokResponder(
			cfg.Assets.TikTokMessagesPath,
			b.logger.With(loggerNameKey, "tiktok"),
		)
	}
	return nil
}

func (b *TofuBot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := b.logger.With(loggerNameKey, "discord_session")

	if b.discord.session == nil {
		disc, err := b.discord.newSession()
		if err != nil {
			return err
		}
		b.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	for _, h := range b.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		b.discord.session.AddHandler(b.discord.handlerConnect()),
		b.discord.session.AddHandler(b.discord.handlerDisconnect()),
		b.discord.session.AddHandler(b.discord.handlerReady()),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := b.getInteractionHandlerFunc(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleInteraction(ctx, handler)
				}()
			},
		),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					defer func() {
						if rc := recover(); rc != nil {
							b.handleRecover(ctx, rc)
						}
					}()
					b.handleMessage(ctx, m)
				}()
			},
		),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, v *discordgo.VoiceStateUpdate) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					defer func() {
						if rc := recover(); rc != nil {
							b.handleRecover(ctx, rc)
						}
					}()
					b.handleVoiceStateUpdate(ctx, v)
				}()
			},
		),
	}
	return nil
}

// shutdown waits for in-flight handlers, then closes the discord session.
// The scheduler and API have already stopped by the time this is called.
func (b *TofuBot) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	b.logger.WarnContext(ctx, "shutting down")
	shutdownStart := time.Now()
	shutdownTimeout := b.config.ShutdownTimeout
	if shutdownTimeout <= 0 {
		b.logger.Warn("immediate shutdown")
		if b.discord.session != nil {
			go func() {
				_ = b.discord.session.Close()
			}()
		}
		return nil
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	announcementTicker := time.NewTicker(10 * time.Second)
	defer announcementTicker.Stop()

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	done := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait()
		b.logger.InfoContext(
			ctx,
			"finished handling in-flight interactions",
			"runtime_stop_duration", time.Since(shutdownStart),
		)
		if b.discord.session != nil {
			b.logger.InfoContext(ctx, "closing discord session")
			_ = b.discord.session.Close()
			for _, h := range b.discord.discordgoRemoveHandlerFuncs {
				h()
			}
			b.discord.discordgoRemoveHandlerFuncs = nil
		}
		done <- struct{}{}
	}()

	for {
		select {
		case <-done:
			b.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_duration", time.Since(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			b.logger.Warn(
				fmt.Sprintf("time until hard shutdown: %s", time.Until(shutdownDeadline)),
			)
		case <-closeCtx.Done():
			return fmt.Errorf("interactions did not finish in time")
		}
	}
}

type commandFunc func(ctx context.Context, h InteractionHandler) error

type botCommand struct {
	run commandFunc

	// admin commands are refused for members without the Administrator
	// permission, regardless of the command's default permissions
	admin bool
}

func (b *TofuBot) commandHandlers() map[string]botCommand {
	return map[string]botCommand{
		commandPing:             {run: b.handlePing},
		commandInfo:             {run: b.handleInfo},
		commandRemind:           {run: b.handleRemind, admin: true},
		commandRmRemind:         {run: b.handleRmRemind, admin: true},
		commandLook:             {run: b.handleLook, admin: true},
		commandChat:             {run: b.handleChat},
		commandImage:            {run: b.handleImage},
		commandModelList:        {run: b.handleModelList},
		commandCash:             {run: b.handleCash},
		commandTikTokMsgAdd:     {run: b.handleTikTokMsgAdd},
		commandBan:              {run: b.handleBan, admin: true},
		commandUnban:            {run: b.handleUnban, admin: true},
		commandBlock:            {run: b.handleBlock, admin: true},
		commandRemoveBlock:      {run: b.handleRemoveBlock, admin: true},
		commandDisplayBlockList: {run: b.handleDisplayBlockList, admin: true},
	}
}

// handleInteraction dispatches a slash command to its handler
func (b *TofuBot) handleInteraction(ctx context.Context, h InteractionHandler) {
	i := h.GetInteraction()
	logger := h.Logger()
	ctx = WithLogger(ctx, logger)

	defer func() {
		if rc := recover(); rc != nil {
			b.handleRecover(ctx, rc)
		}
	}()

	if i.Type != discordgo.InteractionApplicationCommand {
		logger.DebugContext(ctx, "ignoring interaction", "interaction_type", i.Type.String())
		return
	}

	u := getDiscordUser(i)
	if u == nil {
		logger.WarnContext(ctx, "interaction has no user")
		return
	}
	if u.Bot {
		logger.WarnContext(ctx, "ignoring interaction from bot", "user_id", u.ID)
		return
	}

	name := i.ApplicationCommandData().Name
	logger = logger.With("command", name, "user_id", u.ID)
	ctx = WithLogger(ctx, logger)

	cmd, ok := b.commands[name]
	if !ok {
		logger.WarnContext(ctx, "unknown command")
		_ = respondText(ctx, h, b.config.Discord.ErrorMessage, true)
		return
	}

	if cmd.admin && !hasAdminPermission(i) {
		logger.WarnContext(ctx, "permission denied")
		b.metrics.commandHandled(name, outcomeDenied)
		_ = respondText(ctx, h, ">> You don't have permission to use this command", true)
		return
	}

	start := b.clock.Now()
	err := cmd.run(ctx, h)
	elapsed := b.clock.Now().Sub(start)

	var vErr *ValidationError
	switch {
	case err == nil:
		b.metrics.commandHandled(name, outcomeOK)
		logger.InfoContext(ctx, "command handled", "duration", elapsed)
	case errors.As(err, &vErr):
		b.metrics.commandHandled(name, outcomeInvalid)
		logger.InfoContext(ctx, "invalid command input", tint.Err(err), "duration", elapsed)
	default:
		b.metrics.commandHandled(name, outcomeError)
		logger.ErrorContext(ctx, "error handling command", tint.Err(err), "duration", elapsed)
	}
}

func (*TofuBot) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(v)),
			"stack_trace", stackTrace,
		)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}
