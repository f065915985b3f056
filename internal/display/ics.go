package display

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	ical "github.com/emersion/go-ical"
	"github.com/google/uuid"

	"mirrorcal/internal/model"
)

const prodID = "-//mirrorcal//agenda//EN"

// ErrNoEvents is returned by EncodeICS for an empty list; a VCALENDAR
// needs at least one component.
var ErrNoEvents = errors.New("display: no events to export")

// uidNamespace scopes exported UIDs so they do not collide with feed UIDs.
var uidNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:mirrorcal:event"))

// EventUID derives a stable UID from the same fields used for dedup, so a
// re-export of an unchanged agenda keeps its UIDs.
func EventUID(e model.Event) string {
	key := e.Title + "\x00" +
		strconv.FormatInt(e.Start.Truncate(time.Minute).Unix(), 10) + "\x00" +
		strconv.FormatInt(e.End.Truncate(time.Minute).Unix(), 10)
	return uuid.NewSHA1(uidNamespace, []byte(key)).String() + "@mirrorcal"
}

// EncodeICS writes events as a VCALENDAR document.
func EncodeICS(w io.Writer, events []model.Event, now time.Time) error {
	if len(events) == 0 {
		return ErrNoEvents
	}
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, prodID)

	stamp := now.UTC()
	for _, e := range events {
		cal.Children = append(cal.Children, eventComponent(e, stamp))
	}

	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("encode agenda: %w", err)
	}
	return nil
}

func eventComponent(e model.Event, stamp time.Time) *ical.Component {
	vevent := ical.NewComponent(ical.CompEvent)
	vevent.Props.SetText(ical.PropUID, EventUID(e))
	vevent.Props.SetDateTime(ical.PropDateTimeStamp, stamp)
	vevent.Props.SetText(ical.PropSummary, e.Title)

	if e.FullDay {
		start := dateOf(e.Start)
		end := dateOf(e.End)
		if !end.After(start) {
			end = start.AddDate(0, 0, 1)
		}
		dtstart := ical.NewProp(ical.PropDateTimeStart)
		dtstart.SetDate(start)
		vevent.Props.Set(dtstart)
		dtend := ical.NewProp(ical.PropDateTimeEnd)
		dtend.SetDate(end)
		vevent.Props.Set(dtend)
	} else {
		vevent.Props.SetDateTime(ical.PropDateTimeStart, e.Start.UTC())
		vevent.Props.SetDateTime(ical.PropDateTimeEnd, e.End.UTC())
	}

	if e.Description != "" {
		vevent.Props.SetText(ical.PropDescription, e.Description)
	}
	if e.Location != "" {
		vevent.Props.SetText(ical.PropLocation, e.Location)
	}
	if e.SourceCategory != "" {
		vevent.Props.SetText(ical.PropCategories, e.SourceCategory)
	}
	if e.SourceColor != "" {
		vevent.Props.SetText(ical.PropColor, e.SourceColor)
	}
	if e.SourceName != "" {
		vevent.Props.SetText("X-MIRRORCAL-SOURCE", e.SourceName)
	}
	return vevent
}

// dateOf keeps the calendar date as seen in t's own zone.
func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
