package tofubot

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jmhodges/clock"
	"github.com/lmittmann/tint"
)

// MessageSender delivers a plain text message to a discord channel
type MessageSender interface {
	ChannelMessageSend(
		channelID string,
		content string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)
}

// scheduledReminder is a single occurrence of a reminder that has been
// committed for delivery at DueAt
type scheduledReminder struct {
	GuildID   string
	ChannelID string
	Reminder  Reminder
	DueAt     time.Time
}

func (s scheduledReminder) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", s.GuildID),
		slog.String("channel_id", s.ChannelID),
		slog.Time("due_at", s.DueAt),
		slog.Any("reminder", s.Reminder),
	)
}

// tierStore holds the two promotion tiers, and a flag per sub-poller
// recording whether it's running. A flag is only cleared while the lock
// of the tier it drains is held, so an entry can't be added to an empty
// tier between the poller deciding to exit and the flag being cleared.
type tierStore struct {
	mu30     sync.RWMutex
	within30 []scheduledReminder

	mu2     sync.RWMutex
	within2 []scheduledReminder

	twoMinuteMu       sync.Mutex
	twoMinuteChecking bool

	oneSecondMu       sync.Mutex
	oneSecondChecking bool
}

// Scheduler moves reminder occurrences through three polling tiers:
//
//   - every ScanInterval (and on Notify), the table is scanned for
//     occurrences due within the interval, which are stamped as executed
//     and promoted to the 30-minute tier
//   - a 2-minute poller moves entries due within PromoteInterval to the
//     2-minute tier
//   - a 1-second poller sends entries on their due second
//
// The sub-pollers only run while their source tier has entries.
type Scheduler struct {
	table    *ReminderTable
	sender   MessageSender
	clock    clock.Clock
	location *time.Location
	logger   *slog.Logger
	metrics  *Metrics

	scanInterval    time.Duration
	promoteInterval time.Duration
	fireInterval    time.Duration

	notify chan struct{}
	tiers  tierStore
	wg     sync.WaitGroup

	// scanMu serializes scans. lastHorizon is the end of the previous
	// scan window.
	scanMu      sync.Mutex
	lastHorizon time.Time
}

// SchedulerOption configures optional Scheduler fields
type SchedulerOption func(s *Scheduler)

func WithClock(c clock.Clock) SchedulerOption {
	return func(s *Scheduler) {
		s.clock = c
	}
}

func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

func WithIntervals(cfg SchedulerConfig) SchedulerOption {
	return func(s *Scheduler) {
		s.scanInterval = cfg.ScanInterval
		s.promoteInterval = cfg.PromoteInterval
		s.fireInterval = cfg.FireInterval
	}
}

func withMetrics(m *Metrics) SchedulerOption {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

func NewScheduler(
	table *ReminderTable,
	sender MessageSender,
	location *time.Location,
	opts ...SchedulerOption,
) *Scheduler {
	s := &Scheduler{
		table:           table,
		sender:          sender,
		location:        location,
		clock:           clock.New(),
		logger:          slog.Default(),
		scanInterval:    DefaultScanInterval,
		promoteInterval: DefaultPromoteInterval,
		fireInterval:    DefaultFireInterval,
		notify:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = newMetrics()
	}
	return s
}

// Notify asks the scheduler to rescan the table. Signals sent while a
// scan is already pending are coalesced into that scan.
func (s *Scheduler) Notify() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Run scans the table immediately, then again every ScanInterval and
// whenever Notify is called, until ctx is cancelled. Sub-pollers are
// stopped and waited on before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.wg.Wait()

	s.logger.InfoContext(
		ctx,
		"starting scheduler",
		"scan_interval", s.scanInterval,
		"promote_interval", s.promoteInterval,
		"fire_interval", s.fireInterval,
		"location", s.location.String(),
	)

	s.scan(ctx)
	next := s.clock.After(s.scanInterval)
	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "scheduler stopping")
			return nil
		case <-next:
			next = s.clock.After(s.scanInterval)
			s.scan(ctx)
		case <-s.notify:
			s.logger.DebugContext(ctx, "rescan requested")
			s.scan(ctx)
		}
	}
}

func (s *Scheduler) now() time.Time {
	return s.clock.Now().In(s.location)
}

// TierSizes returns the number of entries in the 30-minute and
// 2-minute tiers
func (s *Scheduler) TierSizes() (within30 int, within2 int) {
	s.tiers.mu30.RLock()
	within30 = len(s.tiers.within30)
	s.tiers.mu30.RUnlock()

	s.tiers.mu2.RLock()
	within2 = len(s.tiers.within2)
	s.tiers.mu2.RUnlock()
	return within30, within2
}

// PollersRunning reports whether the 2-minute and 1-second pollers
// are running
func (s *Scheduler) PollersRunning() (twoMinute bool, oneSecond bool) {
	s.tiers.twoMinuteMu.Lock()
	twoMinute = s.tiers.twoMinuteChecking
	s.tiers.twoMinuteMu.Unlock()

	s.tiers.oneSecondMu.Lock()
	oneSecond = s.tiers.oneSecondChecking
	s.tiers.oneSecondMu.Unlock()
	return twoMinute, oneSecond
}

// nextOccurrence returns the first occurrence of r after from and no
// later than horizon which hasn't already been executed. Dates are
// taken from from's location, so windows crossing midnight find
// tomorrow's occurrence.
func (s *Scheduler) nextOccurrence(
	r Reminder,
	from time.Time,
	horizon time.Time,
) (time.Time, bool) {
	if len(r.Weekdays) == 0 {
		return time.Time{}, false
	}
	for day := from; !DateOf(day).In(0, from.Location()).After(horizon); day = day.AddDate(0, 0, 1) {
		date := DateOf(day)
		dueAt := date.In(r.Time, from.Location())
		if !r.Weekdays.Contains(dueAt.Weekday()) {
			continue
		}
		if !dueAt.After(from) || dueAt.After(horizon) {
			continue
		}
		if r.ExecutedOn(date) {
			continue
		}
		return dueAt, true
	}
	return time.Time{}, false
}

// scan promotes every occurrence due within the scan interval into the
// 30-minute tier. Each promoted reminder is stamped with the date of
// its occurrence, and the table persisted, before anything is sent.
//
// The window starts where the previous one ended when that's in the
// past (a late tick), looking back at most one scan interval. Those
// occurrences are already overdue and fire late.
func (s *Scheduler) scan(ctx context.Context) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	now := s.now()
	horizon := now.Add(s.scanInterval)
	from := s.scanWindowStart(ctx, now)
	s.lastHorizon = horizon

	var promoted []scheduledReminder
	err := s.table.Update(
		ctx, func(m ReminderMap) bool {
			for guildID, channels := range m {
				for channelID, reminders := range channels {
					for i := range reminders {
						r := &reminders[i]
						dueAt, ok := s.nextOccurrence(*r, from, horizon)
						if !ok {
							continue
						}
						executed := DateOf(dueAt)
						r.LastExecuted = &executed
						promoted = append(
							promoted,
							scheduledReminder{
								GuildID:   guildID,
								ChannelID: channelID,
								Reminder:  r.clone(),
								DueAt:     dueAt,
							},
						)
					}
				}
			}
			return len(promoted) > 0
		},
	)
	if err != nil {
		// the stamps are kept in memory, so this process won't promote
		// the same occurrences again
		s.metrics.persistFailures.Inc()
		s.logger.ErrorContext(ctx, "error persisting reminder stamps", tint.Err(err))
	}

	s.logger.DebugContext(
		ctx,
		"scanned reminders",
		"from", from,
		"horizon", horizon,
		"promoted", len(promoted),
	)
	if len(promoted) == 0 {
		return
	}

	for _, p := range promoted {
		s.logger.InfoContext(ctx, "promoted reminder", "entry", p)
	}
	s.metrics.promoted.WithLabelValues(tierThirtyMin).Add(float64(len(promoted)))

	s.tiers.mu30.Lock()
	s.tiers.within30 = append(s.tiers.within30, promoted...)
	s.metrics.tierSize.WithLabelValues(tierThirtyMin).Set(float64(len(s.tiers.within30)))
	s.tiers.mu30.Unlock()

	s.startTwoMinutePoller(ctx)
}

// scanWindowStart returns the exclusive start of the scan window
// ending at now+ScanInterval. scanMu must be held.
func (s *Scheduler) scanWindowStart(ctx context.Context, now time.Time) time.Time {
	if s.lastHorizon.IsZero() || !s.lastHorizon.Before(now) {
		return now
	}
	if earliest := now.Add(-s.scanInterval); s.lastHorizon.Before(earliest) {
		s.logger.WarnContext(
			ctx,
			"scan gap longer than the scan interval, skipping older occurrences",
			"previous_horizon", s.lastHorizon,
			"now", now,
		)
		return earliest
	}
	return s.lastHorizon.In(now.Location())
}

// startTwoMinutePoller starts the 2-minute poller unless it's
// already running
func (s *Scheduler) startTwoMinutePoller(ctx context.Context) bool {
	s.tiers.twoMinuteMu.Lock()
	defer s.tiers.twoMinuteMu.Unlock()
	if s.tiers.twoMinuteChecking {
		return false
	}
	s.tiers.twoMinuteChecking = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runTwoMinutePoller(ctx)
	}()
	return true
}

func (s *Scheduler) runTwoMinutePoller(ctx context.Context) {
	logger := s.logger.With("poller", tierTwoMin)
	logger.DebugContext(ctx, "poller started")
	for {
		if done := s.promotePass(ctx, s.now()); done {
			logger.DebugContext(ctx, "poller finished, 30-minute tier empty")
			return
		}
		select {
		case <-ctx.Done():
			s.tiers.twoMinuteMu.Lock()
			s.tiers.twoMinuteChecking = false
			s.tiers.twoMinuteMu.Unlock()
			return
		case <-s.clock.After(s.promoteInterval):
		}
	}
}

// promotePass moves entries due within the promote interval from the
// 30-minute tier to the 2-minute tier, and reports whether the
// 30-minute tier is now empty (in which case the 2-minute poller flag
// has been cleared). Entries that are already overdue are moved too so
// they fire late instead of never.
func (s *Scheduler) promotePass(ctx context.Context, now time.Time) bool {
	horizon := now.Add(s.promoteInterval)

	s.tiers.mu30.Lock()
	var moved []scheduledReminder
	kept := s.tiers.within30[:0]
	for _, e := range s.tiers.within30 {
		if e.DueAt.After(horizon) {
			kept = append(kept, e)
			continue
		}
		if !e.DueAt.After(now) {
			s.logger.WarnContext(ctx, "reminder overdue in 30-minute tier", "entry", e, "now", now)
		}
		moved = append(moved, e)
	}
	clear(s.tiers.within30[len(kept):])
	s.tiers.within30 = kept
	s.metrics.tierSize.WithLabelValues(tierThirtyMin).Set(float64(len(kept)))
	done := len(kept) == 0
	if done {
		s.tiers.twoMinuteMu.Lock()
		s.tiers.twoMinuteChecking = false
		s.tiers.twoMinuteMu.Unlock()
	}
	s.tiers.mu30.Unlock()

	if len(moved) > 0 {
		s.metrics.promoted.WithLabelValues(tierTwoMin).Add(float64(len(moved)))
		s.tiers.mu2.Lock()
		s.tiers.within2 = append(s.tiers.within2, moved...)
		s.metrics.tierSize.WithLabelValues(tierTwoMin).Set(float64(len(s.tiers.within2)))
		s.tiers.mu2.Unlock()
		s.startOneSecondPoller(ctx)
	}
	return done
}

// startOneSecondPoller starts the 1-second poller unless it's
// already running
func (s *Scheduler) startOneSecondPoller(ctx context.Context) bool {
	s.tiers.oneSecondMu.Lock()
	defer s.tiers.oneSecondMu.Unlock()
	if s.tiers.oneSecondChecking {
		return false
	}
	s.tiers.oneSecondChecking = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runOneSecondPoller(ctx)
	}()
	return true
}

func (s *Scheduler) runOneSecondPoller(ctx context.Context) {
	logger := s.logger.With("poller", "1s")
	logger.DebugContext(ctx, "poller started")
	for {
		// wake on interval boundaries, so due seconds are hit exactly
		now := s.now()
		wait := now.Truncate(s.fireInterval).Add(s.fireInterval).Sub(now)
		select {
		case <-ctx.Done():
			s.tiers.oneSecondMu.Lock()
			s.tiers.oneSecondChecking = false
			s.tiers.oneSecondMu.Unlock()
			return
		case <-s.clock.After(wait):
		}
		if done := s.firePass(ctx, s.now()); done {
			logger.DebugContext(ctx, "poller finished, 2-minute tier empty")
			return
		}
	}
}

// firePass sends every entry in the 2-minute tier whose due second has
// arrived, and reports whether the tier is now empty (in which case the
// 1-second poller flag has been cleared). Sends happen after the tier
// lock is released.
func (s *Scheduler) firePass(ctx context.Context, now time.Time) bool {
	s.tiers.mu2.Lock()
	var due []scheduledReminder
	kept := s.tiers.within2[:0]
	for _, e := range s.tiers.within2 {
		if e.DueAt.After(now) {
			kept = append(kept, e)
			continue
		}
		due = append(due, e)
	}
	clear(s.tiers.within2[len(kept):])
	s.tiers.within2 = kept
	s.metrics.tierSize.WithLabelValues(tierTwoMin).Set(float64(len(kept)))
	done := len(kept) == 0
	if done {
		s.tiers.oneSecondMu.Lock()
		s.tiers.oneSecondChecking = false
		s.tiers.oneSecondMu.Unlock()
	}
	s.tiers.mu2.Unlock()

	slices.SortStableFunc(
		due, func(a, b scheduledReminder) int {
			return a.DueAt.Compare(b.DueAt)
		},
	)
	for _, e := range due {
		s.deliver(ctx, e, now)
	}
	return done
}

// deliver sends a single occurrence. Failures are logged and dropped,
// the occurrence was already stamped when it was promoted.
func (s *Scheduler) deliver(ctx context.Context, e scheduledReminder, now time.Time) {
	logger := s.logger.With("entry", e)
	if late := now.Sub(e.DueAt); late >= time.Second {
		s.metrics.firedLate.Inc()
		logger.WarnContext(ctx, "firing reminder late", "late_by", late)
	}
	s.metrics.fired.Inc()

	_, err := s.sender.ChannelMessageSend(
		e.ChannelID,
		truncate(e.Reminder.Message, discordMaxMessageLength),
	)
	if err != nil {
		s.metrics.deliveryFailures.Inc()
		logger.ErrorContext(ctx, "error sending reminder", tint.Err(err))
		return
	}
	logger.InfoContext(ctx, "sent reminder")
}
