package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	eical "github.com/emersion/go-ical"
)

// ParsedEvent is the normalized representation of a VEVENT as produced
// by the ICS parser. Recurrence expansion operates on this type.
type ParsedEvent struct {
	UID string

	Summary     string
	Description string
	Location    string

	Start    time.Time
	End      time.Time
	HasEnd   bool // DTEND or DURATION was present
	DateOnly bool // DTSTART carries no time of day

	RawRRule   string
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID (if present)
}

// IsOverride reports whether this VEVENT replaces one occurrence of a
// recurring series.
func (p ParsedEvent) IsOverride() bool {
	return p.Recurrence != nil
}

const componentVEvent = "VEVENT"

// Outcome tags a ComponentResult.
type Outcome int

const (
	Valid Outcome = iota + 1
	Skipped
)

// ComponentResult is the per-component parse result: either a Valid
// event or a Skipped component with its reason.
type ComponentResult struct {
	Outcome Outcome
	Event   ParsedEvent // set when Outcome == Valid
	Kind    string      // component type, e.g. VEVENT, VTODO
	UID     string
	Reason  string // set when Outcome == Skipped
}

func valid(ev ParsedEvent) ComponentResult {
	return ComponentResult{Outcome: Valid, Event: ev, Kind: componentVEvent, UID: ev.UID}
}

func skipped(kind, uid, reason string) ComponentResult {
	return ComponentResult{Outcome: Skipped, Kind: kind, UID: uid, Reason: reason}
}

// Parse parses a single ICS payload into one result per top-level
// component, in document order.
//
//   - A document that cannot be parsed at all fails with *ParseError.
//   - Components other than VEVENT are returned as Skipped.
//   - A VEVENT without a usable DTSTART, or with otherwise malformed
//     timing, is returned as Skipped; the rest of the document still
//     parses.
func Parse(body []byte) ([]ComponentResult, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &ParseError{Err: errors.New("empty ICS body")}
	}
	if !bytes.Contains(body, []byte("BEGIN:VCALENDAR")) {
		return nil, &ParseError{Err: errors.New("missing BEGIN:VCALENDAR")}
	}

	cal, err := parseCalendar(body)
	if err != nil {
		return nil, &ParseError{Err: err}
	}

	results := make([]ComponentResult, 0, len(cal.Components))
	for _, comp := range cal.Components {
		ve, ok := comp.(*ical.VEvent)
		if !ok {
			results = append(results, skipped(componentKind(comp), "", "not an event"))
			continue
		}
		results = append(results, parseComponent(ve))
	}
	return results, nil
}

// parseCalendar shields callers from panics inside the parser library on
// hostile input.
func parseCalendar(body []byte) (cal *ical.Calendar, err error) {
	defer func() {
		if r := recover(); r != nil {
			cal, err = nil, fmt.Errorf("parser panic: %v", r)
		}
	}()
	return ical.ParseCalendar(bytes.NewReader(body))
}

func parseComponent(ve *ical.VEvent) (res ComponentResult) {
	uid := propValue(ve, ical.ComponentPropertyUniqueId)
	defer func() {
		if r := recover(); r != nil {
			res = skipped(componentVEvent, uid, fmt.Sprintf("panic: %v", r))
		}
	}()
	ev, err := parseVEvent(ve)
	if err != nil {
		return skipped(componentVEvent, uid, err.Error())
	}
	return valid(ev)
}

func parseVEvent(ve *ical.VEvent) (ParsedEvent, error) {
	var out ParsedEvent

	out.UID = propValue(ve, ical.ComponentPropertyUniqueId)
	out.Summary = propValue(ve, ical.ComponentPropertySummary)
	out.Description = propValue(ve, ical.ComponentPropertyDescription)
	out.Location = propValue(ve, ical.ComponentPropertyLocation)

	dtStartProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStartProp == nil || strings.TrimSpace(dtStartProp.Value) == "" {
		return out, errors.New("missing DTSTART")
	}
	start, err := ve.GetStartAt()
	if err != nil {
		return out, fmt.Errorf("invalid DTSTART: %w", err)
	}
	out.Start = start
	out.DateOnly = isDateOnly(dtStartProp)

	if dtEndProp := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEndProp != nil && strings.TrimSpace(dtEndProp.Value) != "" {
		end, err := ve.GetEndAt()
		if err != nil {
			return out, fmt.Errorf("invalid DTEND: %w", err)
		}
		if end.Before(start) {
			return out, errors.New("DTEND before DTSTART")
		}
		out.End = end
		out.HasEnd = true
	} else if durProp := ve.GetProperty(ical.ComponentPropertyDuration); durProp != nil && strings.TrimSpace(durProp.Value) != "" {
		d, err := parseDuration(durProp.Value)
		if err != nil {
			return out, fmt.Errorf("invalid DURATION: %w", err)
		}
		if d < 0 {
			return out, errors.New("negative DURATION")
		}
		out.End = start.Add(d)
		out.HasEnd = true
	}

	// RRULE is kept raw; expansion happens in expand.go.
	if rruleProp := ve.GetProperty(ical.ComponentPropertyRrule); rruleProp != nil {
		out.RawRRule = strings.TrimSpace(rruleProp.Value)
	}

	// EXDATE can appear multiple times, each with a comma separated list.
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		loc := locationFor(p.ICalParameters, start.Location())
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part, loc); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	if ridProp := ve.GetProperty("RECURRENCE-ID"); ridProp != nil {
		loc := locationFor(ridProp.ICalParameters, start.Location())
		t, err := parseICSTime(ridProp.Value, loc)
		if err != nil {
			return out, fmt.Errorf("invalid RECURRENCE-ID: %w", err)
		}
		out.Recurrence = &t
	}

	return out, nil
}

// parseDuration reads an RFC 5545 dur-value such as PT1H30M or P1D.
func parseDuration(v string) (time.Duration, error) {
	p := eical.NewProp(eical.PropDuration)
	p.Value = strings.TrimSpace(v)
	return p.Duration()
}

func propValue(ve *ical.VEvent, p ical.ComponentProperty) string {
	if prop := ve.GetProperty(p); prop != nil {
		return prop.Value
	}
	return ""
}

// isDateOnly reports VALUE=DATE or a value without a time part.
func isDateOnly(p *ical.IANAProperty) bool {
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

func locationFor(params map[string][]string, fallback *time.Location) *time.Location {
	if tzs, ok := params["TZID"]; ok && len(tzs) > 0 {
		if loc, err := time.LoadLocation(strings.Trim(tzs[0], `"`)); err == nil {
			return loc
		}
	}
	if fallback == nil {
		return time.Local
	}
	return fallback
}

// parseICSTime parses a basic ICS date or date-time value. Floating and
// date-only values are interpreted in loc.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	// UTC form, e.g., 20250101T090000Z
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}

	// Local date-time, e.g., 20250101T090000
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, loc)
	}

	// Date-only (all-day), e.g., 20250101
	return time.ParseInLocation("20060102", v, loc)
}

func componentKind(c ical.Component) string {
	switch c.(type) {
	case *ical.VTodo:
		return "VTODO"
	case *ical.VJournal:
		return "VJOURNAL"
	case *ical.VTimezone:
		return "VTIMEZONE"
	default:
		return "OTHER"
	}
}
