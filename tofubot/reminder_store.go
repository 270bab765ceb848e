package tofubot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

// ReminderMap maps guild ID -> channel ID -> ordered reminders
type ReminderMap map[string]map[string][]Reminder

// Len returns the total number of reminders
func (m ReminderMap) Len() int {
	n := 0
	for _, channels := range m {
		for _, reminders := range channels {
			n += len(reminders)
		}
	}
	return n
}

func (m ReminderMap) clone() ReminderMap {
	c := make(ReminderMap, len(m))
	for guildID, channels := range m {
		cc := make(map[string][]Reminder, len(channels))
		for channelID, reminders := range channels {
			rc := make([]Reminder, len(reminders))
			for i, r := range reminders {
				rc[i] = r.clone()
			}
			cc[channelID] = rc
		}
		c[guildID] = cc
	}
	return c
}

// ReminderGateway loads and saves the full reminder table
type ReminderGateway interface {
	// Load returns the stored table. A missing store is created empty.
	Load(ctx context.Context) (ReminderMap, error)

	// Save replaces the stored table with m
	Save(ctx context.Context, m ReminderMap) error
}

// PersistenceError wraps a failure to save the reminder table
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("error saving reminders: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// NewReminderGateway returns the gateway selected by the config
func NewReminderGateway(
	ctx context.Context,
	cfg *Config,
) (ReminderGateway, error) {
	switch cfg.ReminderStore.Type {
	case storeTypeJSON:
		return NewJSONFileGateway(cfg.ReminderStore.Path), nil
	case dbTypeSQLite, dbTypePostgres:
		db, err := CreateDB(
			ctx,
			cfg.ReminderStore.Type,
			cfg.ReminderStore.Database,
			newLogHandler(defaultLogWriter, cfg.DatabaseLogLevel),
			cfg.DatabaseSlowThreshold,
		)
		if err != nil {
			return nil, err
		}
		return NewDBReminderGateway(db), nil
	default:
		return nil, fmt.Errorf("unsupported reminder store type: %q", cfg.ReminderStore.Type)
	}
}

// JSONFileGateway persists reminders as a JSON document of the form
// {"<guild id>": {"<channel id>": [reminder, ...]}}
type JSONFileGateway struct {
	path string
	mu   sync.Mutex
}

func NewJSONFileGateway(path string) *JSONFileGateway {
	return &JSONFileGateway{path: path}
}

func (g *JSONFileGateway) Path() string {
	return g.path
}

func (g *JSONFileGateway) Load(_ context.Context) (ReminderMap, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	m := ReminderMap{}
	if err := loadJSONFile(g.path, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (g *JSONFileGateway) Save(_ context.Context, m ReminderMap) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return saveJSONFile(g.path, m)
}

// reminderRecord is the database row for a single reminder. Position
// keeps the per-channel order that /rm_remind indices refer to.
type reminderRecord struct {
	ID           uint      `gorm:"primarykey"`
	GuildID      string    `gorm:"index:idx_reminder_channel,priority:1;not null"`
	ChannelID    string    `gorm:"index:idx_reminder_channel,priority:2;not null"`
	Position     int       `gorm:"index:idx_reminder_channel,priority:3;not null"`
	Weekdays     string    `gorm:"not null"`
	Time         string    `gorm:"not null"`
	Message      string    `gorm:"not null"`
	LastExecuted *string
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

func (reminderRecord) TableName() string {
	return "reminders"
}

func newReminderRecord(guildID, channelID string, pos int, r Reminder) (reminderRecord, error) {
	days, err := json.Marshal(r.Weekdays)
	if err != nil {
		return reminderRecord{}, err
	}
	rec := reminderRecord{
		GuildID:   guildID,
		ChannelID: channelID,
		Position:  pos,
		Weekdays:  string(days),
		Time:      r.Time.String(),
		Message:   r.Message,
	}
	if r.LastExecuted != nil {
		s := r.LastExecuted.String()
		rec.LastExecuted = &s
	}
	return rec, nil
}

func (rec reminderRecord) reminder() (Reminder, error) {
	var r Reminder
	if err := json.Unmarshal([]byte(rec.Weekdays), &r.Weekdays); err != nil {
		return r, fmt.Errorf("reminder %d: %w", rec.ID, err)
	}
	if err := r.Time.UnmarshalJSON([]byte(`"` + rec.Time + `"`)); err != nil {
		return r, fmt.Errorf("reminder %d: %w", rec.ID, err)
	}
	r.Message = rec.Message
	if rec.LastExecuted != nil {
		t, err := time.Parse(time.DateOnly, *rec.LastExecuted)
		if err != nil {
			return r, fmt.Errorf("reminder %d: %w", rec.ID, err)
		}
		d := DateOf(t)
		r.LastExecuted = &d
	}
	return r, nil
}

// DBReminderGateway persists reminders in a SQLite or PostgreSQL
// database via gorm
type DBReminderGateway struct {
	db *gorm.DB
}

func NewDBReminderGateway(db *gorm.DB) *DBReminderGateway {
	return &DBReminderGateway{db: db}
}

func (g *DBReminderGateway) Load(ctx context.Context) (ReminderMap, error) {
	var records []reminderRecord
	err := g.db.WithContext(ctx).
		Order("guild_id, channel_id, position").
		Find(&records).Error
	if err != nil {
		return nil, err
	}

	m := ReminderMap{}
	for _, rec := range records {
		r, convErr := rec.reminder()
		if convErr != nil {
			return nil, convErr
		}
		channels, ok := m[rec.GuildID]
		if !ok {
			channels = map[string][]Reminder{}
			m[rec.GuildID] = channels
		}
		channels[rec.ChannelID] = append(channels[rec.ChannelID], r)
	}
	return m, nil
}

// Save replaces every stored row with the contents of m, in a single
// transaction
func (g *DBReminderGateway) Save(ctx context.Context, m ReminderMap) error {
	records := make([]reminderRecord, 0, m.Len())
	for guildID, channels := range m {
		for channelID, reminders := range channels {
			for pos, r := range reminders {
				rec, err := newReminderRecord(guildID, channelID, pos, r)
				if err != nil {
					return err
				}
				records = append(records, rec)
			}
		}
	}

	return g.db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).
				Delete(&reminderRecord{}).Error; err != nil {
				return err
			}
			if len(records) == 0 {
				return nil
			}
			return tx.CreateInBatches(records, 100).Error
		},
	)
}
