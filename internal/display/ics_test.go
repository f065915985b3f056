package display

import (
	"bytes"
	"testing"
	"time"

	ical "github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mirrorcal/internal/model"
)

func TestEncodeICS_RoundTrip(t *testing.T) {
	start := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	events := []model.Event{
		{
			Title:          "Standup",
			Start:          start,
			End:            start.Add(30 * time.Minute),
			Location:       "Room 1",
			SourceName:     "Work",
			SourceCategory: "work",
			SourceColor:    "#ca5010",
		},
		{
			Title:   "Holiday",
			Start:   time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
			End:     time.Date(2024, 1, 6, 0, 0, 0, 0, time.UTC),
			FullDay: true,
		},
	}

	var buf bytes.Buffer
	require.NoError(t, EncodeICS(&buf, events, start))

	cal, err := ical.NewDecoder(&buf).Decode()
	require.NoError(t, err)
	got := cal.Events()
	require.Len(t, got, 2)

	summary, err := got[0].Props.Text(ical.PropSummary)
	require.NoError(t, err)
	assert.Equal(t, "Standup", summary)

	dtstart, err := got[0].DateTimeStart(time.UTC)
	require.NoError(t, err)
	assert.True(t, start.Equal(dtstart))

	uid, err := got[0].Props.Text(ical.PropUID)
	require.NoError(t, err)
	assert.Equal(t, EventUID(events[0]), uid)

	allDay := got[1].Props.Get(ical.PropDateTimeStart)
	require.NotNil(t, allDay)
	assert.Equal(t, "20240105", allDay.Value)
}

func TestEncodeICS_Empty(t *testing.T) {
	var buf bytes.Buffer
	assert.ErrorIs(t, EncodeICS(&buf, nil, time.Now()), ErrNoEvents)
}

func TestEventUID_Stable(t *testing.T) {
	start := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	a := model.Event{Title: "x", Start: start, End: start.Add(time.Hour)}
	b := a
	b.Start = b.Start.Add(10 * time.Second)
	c := a
	c.Title = "y"

	assert.Equal(t, EventUID(a), EventUID(b))
	assert.NotEqual(t, EventUID(a), EventUID(c))
}
