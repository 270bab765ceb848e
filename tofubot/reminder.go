package tofubot

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"
)

var (
	ErrIndexOutOfRange = errors.New("index out of range")
	ErrNotFound        = errors.New("not found")
)

// weekdayNames are the serialized names of time.Weekday, indexed by
// time.Weekday (Sunday=0)
var weekdayNames = [7]string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

// ValidationError is returned when user-supplied command input can't
// be parsed
type ValidationError struct {
	Field string
	Value string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Msg)
}

// IndexOutOfRangeError is returned when a 1-based index doesn't address
// an existing entry. It matches [ErrIndexOutOfRange] with errors.Is.
type IndexOutOfRangeError struct {
	Index int
	Len   int
}

func (e *IndexOutOfRangeError) Error() string {
	return fmt.Sprintf("index %d out of range (1-%d)", e.Index, e.Len)
}

func (e *IndexOutOfRangeError) Is(target error) bool {
	return target == ErrIndexOutOfRange
}

// WeekdaySet is an ordered, de-duplicated set of weekdays, serialized as
// a list of short day names ("Mon".."Sun").
type WeekdaySet []time.Weekday

// ParseWeekdays parses a comma-separated list of ISO day numbers, where
// 1 is Monday and 7 is Sunday. Every token must be an integer in 1..7.
func ParseWeekdays(s string) (WeekdaySet, error) {
	if strings.TrimSpace(s) == "" {
		return nil, &ValidationError{Field: "weekdays", Value: s, Msg: "no weekdays given (ex: 1,3,5)"}
	}
	var days WeekdaySet
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		n, err := strconv.Atoi(tok)
		if err != nil || n < 1 || n > 7 {
			return nil, &ValidationError{
				Field: "weekdays",
				Value: s,
				Msg:   fmt.Sprintf("%q is not a day number from 1 (Mon) to 7 (Sun)", tok),
			}
		}
		day := time.Weekday(n % 7)
		if !slices.Contains(days, day) {
			days = append(days, day)
		}
	}
	return days, nil
}

// Contains reports whether the set includes the given weekday
func (w WeekdaySet) Contains(day time.Weekday) bool {
	return slices.Contains(w, day)
}

func (w WeekdaySet) String() string {
	names := make([]string, len(w))
	for i, d := range w {
		names[i] = weekdayNames[d]
	}
	return strings.Join(names, ",")
}

func (w WeekdaySet) MarshalJSON() ([]byte, error) {
	names := make([]string, len(w))
	for i, d := range w {
		if d < time.Sunday || d > time.Saturday {
			return nil, fmt.Errorf("invalid weekday: %d", d)
		}
		names[i] = weekdayNames[d]
	}
	return json.Marshal(names)
}

func (w *WeekdaySet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	days := make(WeekdaySet, 0, len(names))
	for _, name := range names {
		idx := slices.Index(weekdayNames[:], name)
		if idx < 0 {
			return fmt.Errorf("invalid weekday: %q", name)
		}
		if day := time.Weekday(idx); !slices.Contains(days, day) {
			days = append(days, day)
		}
	}
	*w = days
	return nil
}

// TimeOfDay is a wall-clock time with second precision, stored as seconds
// since midnight and serialized as "HH:MM:SS".
type TimeOfDay int

// ParseTimeOfDay parses a 24-hour "HH:MM" time
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, &ValidationError{Field: "time", Value: s, Msg: "must be 24-hour HH:MM (ex: 01:24 or 23:34)"}
	}
	return NewTimeOfDay(t.Hour(), t.Minute(), 0), nil
}

func NewTimeOfDay(hour, minute, second int) TimeOfDay {
	return TimeOfDay(hour*3600 + minute*60 + second)
}

// TimeOfDayOf returns the wall-clock time of t
func TimeOfDayOf(t time.Time) TimeOfDay {
	return NewTimeOfDay(t.Hour(), t.Minute(), t.Second())
}

func (t TimeOfDay) Hour() int   { return int(t) / 3600 }
func (t TimeOfDay) Minute() int { return int(t) % 3600 / 60 }
func (t TimeOfDay) Second() int { return int(t) % 60 }

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour(), t.Minute(), t.Second())
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(time.TimeOnly, s)
	if err != nil {
		return fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	*t = TimeOfDayOf(parsed)
	return nil
}

// Date is a civil date in the scheduler's reference timezone
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the date of t in t's location
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// In returns the instant at the given time of day on d, in loc
func (d Date) In(tod TimeOfDay, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, tod.Hour(), tod.Minute(), tod.Second(), 0, loc)
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return fmt.Errorf("invalid date %q: %w", s, err)
	}
	*d = DateOf(t)
	return nil
}

// Reminder is a recurring reminder definition. LastExecuted is the date
// of the most recent occurrence committed for delivery, and prevents the
// same occurrence from being scheduled twice.
type Reminder struct {
	Weekdays     WeekdaySet `json:"weekdays"`
	Time         TimeOfDay  `json:"time"`
	Message      string     `json:"message"`
	LastExecuted *Date      `json:"last_executed"`
}

// NewReminder parses command input into a Reminder
func NewReminder(weekdays, timeOfDay, message string) (Reminder, error) {
	days, err := ParseWeekdays(weekdays)
	if err != nil {
		return Reminder{}, err
	}
	tod, err := ParseTimeOfDay(timeOfDay)
	if err != nil {
		return Reminder{}, err
	}
	if strings.TrimSpace(message) == "" {
		return Reminder{}, &ValidationError{Field: "message", Value: message, Msg: "must not be empty"}
	}
	return Reminder{Weekdays: days, Time: tod, Message: message}, nil
}

// ExecutedOn reports whether the occurrence on the given date has
// already been committed
func (r Reminder) ExecutedOn(d Date) bool {
	return r.LastExecuted != nil && *r.LastExecuted == d
}

func (r Reminder) clone() Reminder {
	c := r
	c.Weekdays = slices.Clone(r.Weekdays)
	if r.LastExecuted != nil {
		d := *r.LastExecuted
		c.LastExecuted = &d
	}
	return c
}

func (r Reminder) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("weekdays", r.Weekdays.String()),
		slog.String("time", r.Time.String()),
		slog.String("message", truncate(r.Message, 50)),
	)
}

// describe renders a reminder for a discord message
func (r Reminder) describe() string {
	return fmt.Sprintf("[%s] %s  %s", r.Weekdays.String(), r.Time.String()[:5], r.Message)
}
