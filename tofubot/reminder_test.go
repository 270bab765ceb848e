package tofubot

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWeekdays(t *testing.T) {
	tests := []struct {
		input   string
		want    WeekdaySet
		wantErr bool
	}{
		{input: "1", want: WeekdaySet{time.Monday}},
		{input: "1,3,5", want: WeekdaySet{time.Monday, time.Wednesday, time.Friday}},
		{input: " 7 , 6", want: WeekdaySet{time.Sunday, time.Saturday}},
		{input: "2,2,2", want: WeekdaySet{time.Tuesday}},
		{input: "", wantErr: true},
		{input: "0", wantErr: true},
		{input: "8", wantErr: true},
		{input: "1,,3", wantErr: true},
		{input: "mon", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(
			tc.input, func(t *testing.T) {
				got, err := ParseWeekdays(tc.input)
				if tc.wantErr {
					var vErr *ValidationError
					require.ErrorAs(t, err, &vErr)
					assert.Equal(t, "weekdays", vErr.Field)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, tc.want, got)
			},
		)
	}
}

func TestParseTimeOfDay(t *testing.T) {
	tod, err := ParseTimeOfDay("08:50")
	require.NoError(t, err)
	assert.Equal(t, 8, tod.Hour())
	assert.Equal(t, 50, tod.Minute())
	assert.Equal(t, 0, tod.Second())
	assert.Equal(t, "08:50:00", tod.String())

	tod, err = ParseTimeOfDay("23:59")
	require.NoError(t, err)
	assert.Equal(t, NewTimeOfDay(23, 59, 0), tod)

	for _, bad := range []string{"24:00", "8:5", "08:60", "0850", "noon", ""} {
		_, err = ParseTimeOfDay(bad)
		assert.Error(t, err, bad)
	}
}

func TestNewReminder(t *testing.T) {
	r, err := NewReminder("1,3,5", "09:00", "standup")
	require.NoError(t, err)
	assert.Equal(t, WeekdaySet{time.Monday, time.Wednesday, time.Friday}, r.Weekdays)
	assert.Equal(t, NewTimeOfDay(9, 0, 0), r.Time)
	assert.Equal(t, "standup", r.Message)
	assert.Nil(t, r.LastExecuted)

	_, err = NewReminder("1", "09:00", "   ")
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "message", vErr.Field)

	_, err = NewReminder("1", "9am", "standup")
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "time", vErr.Field)
}

func TestReminderJSON(t *testing.T) {
	executed := Date{Year: 2024, Month: time.June, Day: 3}
	r := Reminder{
		Weekdays:     WeekdaySet{time.Monday, time.Sunday},
		Time:         NewTimeOfDay(8, 50, 0),
		Message:      "drink water",
		LastExecuted: &executed,
	}

	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(
		t,
		`{"weekdays":["Mon","Sun"],"time":"08:50:00","message":"drink water","last_executed":"2024-06-03"}`,
		string(data),
	)

	var decoded Reminder
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, r, decoded)

	require.NoError(
		t,
		json.Unmarshal(
			[]byte(`{"weekdays":["Tue"],"time":"21:00:00","message":"x","last_executed":null}`),
			&decoded,
		),
	)
	assert.Nil(t, decoded.LastExecuted)
	assert.Equal(t, WeekdaySet{time.Tuesday}, decoded.Weekdays)

	assert.Error(t, json.Unmarshal([]byte(`{"weekdays":["Someday"]}`), &decoded))
	assert.Error(t, json.Unmarshal([]byte(`{"time":"25:00:00"}`), &decoded))
	assert.Error(t, json.Unmarshal([]byte(`{"last_executed":"June 3"}`), &decoded))
}

func TestReminderExecutedOn(t *testing.T) {
	monday := Date{Year: 2024, Month: time.June, Day: 3}
	tuesday := Date{Year: 2024, Month: time.June, Day: 4}

	r := Reminder{}
	assert.False(t, r.ExecutedOn(monday))

	r.LastExecuted = &monday
	assert.True(t, r.ExecutedOn(monday))
	assert.False(t, r.ExecutedOn(tuesday))
}

func TestReminderCloneIsDeep(t *testing.T) {
	d := Date{Year: 2024, Month: time.June, Day: 3}
	r := Reminder{Weekdays: WeekdaySet{time.Monday}, LastExecuted: &d}
	c := r.clone()

	c.Weekdays[0] = time.Friday
	c.LastExecuted.Day = 10

	assert.Equal(t, time.Monday, r.Weekdays[0])
	assert.Equal(t, 3, r.LastExecuted.Day)
}

func TestDateIn(t *testing.T) {
	loc, err := time.LoadLocation(DefaultTimezone)
	require.NoError(t, err)

	d := Date{Year: 2024, Month: time.June, Day: 3}
	got := d.In(NewTimeOfDay(8, 50, 0), loc)
	assert.Equal(t, time.Date(2024, time.June, 3, 8, 50, 0, 0, loc), got)
	assert.Equal(t, d, DateOf(got))
	assert.Equal(t, "2024-06-03", d.String())
}

func TestIndexOutOfRangeErrorIs(t *testing.T) {
	err := error(&IndexOutOfRangeError{Index: 4, Len: 3})
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "index 4 out of range (1-3)", err.Error())
}
