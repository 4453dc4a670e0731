// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

package oee

import (
	"fmt"
	"strings"
	"time"
)

// Interval is one recurring planned-downtime window on the wall clock.
type Interval struct {
	// AnyDay applies the interval every day; otherwise Weekday selects one.
	AnyDay  bool
	Weekday time.Weekday
	// Start and End are offsets from local midnight; End is exclusive.
	Start time.Duration
	End   time.Duration
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday,
	"wed": time.Wednesday, "thu": time.Thursday, "fri": time.Friday,
	"sat": time.Saturday,
}

// ParseInterval builds an Interval from "Mon"/"" and "15:04" clock strings.
func ParseInterval(weekday, start, end string) (Interval, error) {
	var iv Interval
	if weekday == "" {
		iv.AnyDay = true
	} else {
		wd, ok := weekdays[strings.ToLower(weekday[:3])]
		if !ok {
			return iv, fmt.Errorf("unknown weekday %q", weekday)
		}
		iv.Weekday = wd
	}
	s, err := time.Parse("15:04", start)
	if err != nil {
		return iv, fmt.Errorf("bad start %q: %w", start, err)
	}
	e, err := time.Parse("15:04", end)
	if err != nil {
		return iv, fmt.Errorf("bad end %q: %w", end, err)
	}
	iv.Start = time.Duration(s.Hour())*time.Hour + time.Duration(s.Minute())*time.Minute
	iv.End = time.Duration(e.Hour())*time.Hour + time.Duration(e.Minute())*time.Minute
	if iv.End <= iv.Start {
		return iv, fmt.Errorf("interval end %q not after start %q", end, start)
	}
	return iv, nil
}

// plannedOverlap sums the downtime interval time overlapping [from, to].
func plannedOverlap(intervals []Interval, from, to time.Time) time.Duration {
	if len(intervals) == 0 || !to.After(from) {
		return 0
	}
	var total time.Duration
	// Walk day by day; the window horizon is short enough for this to stay
	// cheap.
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, from.Location())
	for !day.After(to) {
		for _, iv := range intervals {
			if !iv.AnyDay && day.Weekday() != iv.Weekday {
				continue
			}
			s := day.Add(iv.Start)
			e := day.Add(iv.End)
			if s.Before(from) {
				s = from
			}
			if e.After(to) {
				e = to
			}
			if e.After(s) {
				total += e.Sub(s)
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return total
}
