package ics

import (
	"time"

	appLog "mirrorcal/internal/log"
	"mirrorcal/internal/model"
)

// DefaultLookaheadDays bounds recurrence expansion.
const DefaultLookaheadDays = 90

// Normalizer turns raw calendar text into display events.
type Normalizer struct {
	// Location is the display timezone. nil means time.Local.
	Location *time.Location
	// LookaheadDays bounds recurrence expansion to [now, now+LookaheadDays].
	LookaheadDays int
	// MaxOccurrencesPerEvent caps a single series.
	MaxOccurrencesPerEvent int
}

// Result is the outcome of one Normalize call.
type Result struct {
	Events    []model.Event
	Skipped   []ComponentResult
	Truncated []string
}

// Normalize parses body and expands it relative to now. Only a document
// that cannot be parsed at all returns an error (*ParseError); malformed
// components are reported in Result.Skipped.
func (n Normalizer) Normalize(body []byte, sub model.Subscription, now time.Time) (Result, error) {
	components, err := Parse(body)
	if err != nil {
		appLog.Warn("ics parse failed", err, "url", redactURL(sub.URL))
		return Result{}, err
	}

	var res Result
	parsed := make([]ParsedEvent, 0, len(components))
	for _, c := range components {
		switch c.Outcome {
		case Valid:
			parsed = append(parsed, c.Event)
		case Skipped:
			// Non-event components are expected; only malformed events count.
			if c.Kind == componentVEvent {
				res.Skipped = append(res.Skipped, c)
				appLog.Debug("ics vevent skipped", "url", redactURL(sub.URL), "uid", c.UID, "reason", c.Reason)
			}
		}
	}

	days := n.LookaheadDays
	if days <= 0 {
		days = DefaultLookaheadDays
	}
	expanded, err := Expand(parsed, sub, ExpandConfig{
		DisplayLocation:        n.Location,
		RangeStart:             now,
		RangeEnd:               now.AddDate(0, 0, days),
		MaxOccurrencesPerEvent: n.MaxOccurrencesPerEvent,
	})
	if err != nil {
		return Result{}, err
	}

	res.Events = expanded.Events
	res.Truncated = expanded.TruncatedEvents
	res.Skipped = append(res.Skipped, expanded.Rejected...)

	appLog.Debug("ics normalize completed",
		"url", redactURL(sub.URL),
		"event_count", len(res.Events),
		"skipped", len(res.Skipped),
	)
	return res, nil
}
