package ics

import (
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	appLog "mirrorcal/internal/log"
	"mirrorcal/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
	defaultEventDuration          = time.Hour
	untitledEvent                 = "Untitled Event"
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// DisplayLocation is the timezone to which all occurrences will be converted.
	// If nil, time.Local is used.
	DisplayLocation *time.Location

	// RangeStart / RangeEnd define the inclusive window for recurring
	// occurrences. Non-recurring events are not range filtered here.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent is a safety cap to avoid infinite or extremely
	// large expansions. If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// ExpandResult wraps the list of expanded occurrences and optionally
// information about truncation.
type ExpandResult struct {
	Events []model.Event
	// TruncatedEvents records UIDs that hit the MaxOccurrencesPerEvent cap.
	TruncatedEvents []string
	// Rejected records components whose recurrence rule could not be used.
	Rejected []ComponentResult
}

// Expand turns parsed VEVENTs into concrete events stamped with sub's
// metadata. Output order follows document order, with each series'
// occurrences in chronological order.
//
//   - Non-recurring events: end defaults to start + 1h.
//   - RRULE series: occurrences within [RangeStart, RangeEnd], each
//     keeping the series' DTEND-DTSTART duration (or 1h).
//   - EXDATE removes occurrences; a RECURRENCE-ID component replaces the
//     matching occurrence. Overrides without a matching series are
//     emitted as standalone events.
func Expand(events []ParsedEvent, sub model.Subscription, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.DisplayLocation == nil {
		cfg.DisplayLocation = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	// Overrides by UID, and which UIDs have a base series to attach to.
	overridesByUID := make(map[string][]ParsedEvent)
	hasBase := make(map[string]bool)
	for _, ev := range events {
		if ev.IsOverride() && ev.UID != "" {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
		} else if !ev.IsOverride() {
			hasBase[ev.UID] = true
		}
	}

	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if ev.IsOverride() && ev.UID != "" && hasBase[ev.UID] {
			// Consumed by its series.
			continue
		}
		if ev.IsOverride() {
			out = append(out, makeEvent(ev, ev.Start, endOf(ev), sub, cfg.DisplayLocation))
			continue
		}

		occ, hitCap, err := expandEvent(ev, overridesByUID[ev.UID], sub, cfg)
		if err != nil {
			appLog.Warn("expand: skipping component", err, "uid", ev.UID, "rrule", ev.RawRRule)
			result.Rejected = append(result.Rejected, skipped(componentVEvent, ev.UID, err.Error()))
			continue
		}
		if hitCap {
			result.TruncatedEvents = append(result.TruncatedEvents, ev.UID)
			appLog.Warn("expand: truncated occurrences for UID due to cap",
				errors.New("max occurrences reached"),
				"uid", ev.UID,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
		}
		out = append(out, occ...)
	}

	result.Events = out
	return result, nil
}

// expandEvent expands a single base event with its possible overrides,
// returning occurrences and whether the cap was hit.
func expandEvent(ev ParsedEvent, overrides []ParsedEvent, sub model.Subscription, cfg ExpandConfig) ([]model.Event, bool, error) {
	if ev.RawRRule == "" {
		start, end := ev.Start, endOf(ev)
		if o, ok := findOverrideForStart(overrides, start); ok {
			return []model.Event{makeEvent(o, o.Start, endOf(o), sub, cfg.DisplayLocation)}, false, nil
		}
		return []model.Event{makeEvent(ev, start, end, sub, cfg.DisplayLocation)}, false, nil
	}
	return expandRecurringEvent(ev, overrides, sub, cfg)
}

func expandRecurringEvent(ev ParsedEvent, overrides []ParsedEvent, sub model.Subscription, cfg ExpandConfig) ([]model.Event, bool, error) {
	opt, err := rrule.StrToROption(ev.RawRRule)
	if err != nil {
		return nil, false, fmt.Errorf("invalid RRULE: %w", err)
	}
	// The series is anchored at the event's own DTSTART.
	opt.Dtstart = ev.Start
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, false, fmt.Errorf("invalid RRULE: %w", err)
	}

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	rangeStart := cfg.RangeStart.In(ev.Start.Location())
	rangeEnd := cfg.RangeEnd.In(ev.Start.Location())
	occTimes := set.Between(rangeStart, rangeEnd, true)

	hitCap := false
	if len(occTimes) > cfg.MaxOccurrencesPerEvent {
		occTimes = occTimes[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	// Duration is constant across the series.
	dur := defaultEventDuration
	if ev.HasEnd {
		dur = ev.End.Sub(ev.Start)
	}

	out := make([]model.Event, 0, len(occTimes))
	for _, occStart := range occTimes {
		if o, ok := findOverrideForStart(overrides, occStart); ok {
			out = append(out, makeEvent(o, o.Start, endOf(o), sub, cfg.DisplayLocation))
			continue
		}
		e := makeEvent(ev, occStart, occStart.Add(dur), sub, cfg.DisplayLocation)
		out = append(out, e)
	}
	return out, hitCap, nil
}

// findOverrideForStart finds an override whose RECURRENCE-ID matches the
// given occurrence start with exact instant equality.
func findOverrideForStart(overrides []ParsedEvent, occStart time.Time) (ParsedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence != nil && ov.Recurrence.Equal(occStart) {
			return ov, true
		}
	}
	return ParsedEvent{}, false
}

func endOf(ev ParsedEvent) time.Time {
	if ev.HasEnd {
		return ev.End
	}
	return ev.Start.Add(defaultEventDuration)
}

// makeEvent converts a ParsedEvent plus concrete start/end into a
// model.Event in displayLoc. FullDay follows the component, not the
// occurrence: no DTEND, or a date-only DTSTART.
func makeEvent(ev ParsedEvent, start, end time.Time, sub model.Subscription, displayLoc *time.Location) model.Event {
	title := ev.Summary
	if title == "" {
		title = untitledEvent
	}
	return model.Event{
		Title:          title,
		Start:          start.In(displayLoc),
		End:            end.In(displayLoc),
		FullDay:        !ev.HasEnd || ev.DateOnly,
		Description:    ev.Description,
		Location:       ev.Location,
		SourceName:     sub.Name,
		SourceSymbol:   sub.Symbol,
		SourceCategory: sub.Category,
		SourceColor:    sub.Color,
	}
}
