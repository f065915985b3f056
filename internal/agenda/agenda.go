// Package agenda merges per-feed event lists into the bounded, ordered
// list shown on a display. Every function is pure and never mutates its
// input slice.
package agenda

import (
	"slices"
	"time"

	"mirrorcal/internal/model"
)

// dedupKey identifies an event for deduplication: title plus start and
// end truncated to the minute.
type dedupKey struct {
	title string
	start int64
	end   int64
}

func keyOf(e model.Event) dedupKey {
	return dedupKey{
		title: e.Title,
		start: e.Start.Truncate(time.Minute).Unix(),
		end:   e.End.Truncate(time.Minute).Unix(),
	}
}

// Dedupe drops events whose (title, start minute, end minute) was already
// seen. The first occurrence in input order wins.
func Dedupe(events []model.Event) []model.Event {
	seen := make(map[dedupKey]struct{}, len(events))
	out := make([]model.Event, 0, len(events))
	for _, e := range events {
		k := keyOf(e)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, e)
	}
	return out
}

// SortByStart returns a copy ordered by start time. Events with equal
// start keep their input order.
func SortByStart(events []model.Event) []model.Event {
	out := slices.Clone(events)
	slices.SortStableFunc(out, func(a, b model.Event) int {
		return a.Start.Compare(b.Start)
	})
	return out
}

// Window keeps events with now <= start <= now+maxFutureDays (both ends
// inclusive) and truncates to maxEntries. The input must already be
// sorted.
func Window(events []model.Event, now time.Time, maxFutureDays, maxEntries int) []model.Event {
	horizon := now.AddDate(0, 0, maxFutureDays)
	out := make([]model.Event, 0, min(len(events), max(maxEntries, 0)))
	for _, e := range events {
		if len(out) >= maxEntries {
			break
		}
		if e.Start.Before(now) || e.Start.After(horizon) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Build runs Dedupe, SortByStart and Window with settings defaults applied.
func Build(events []model.Event, now time.Time, settings model.Settings) []model.Event {
	s := settings.WithDefaults()
	return Window(SortByStart(Dedupe(events)), now, s.MaximumDaysInFuture, s.MaximumEntries)
}
