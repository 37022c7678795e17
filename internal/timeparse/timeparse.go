// Package timeparse turns the post times shown next to captured posts
// ("3h", "45m", "Jul 4", "Jul 4, 2023") into absolute timestamps
package timeparse

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	perr "github.com/pbaille/taglisten/internal/errors"
)

const (
	layoutWithYear = "Jan 2, 2006"
	layoutNoYear   = "Jan 2"
)

var relativeRe = regexp.MustCompile(`^(\d+)\s*([hms])$`)

// Normalize resolves raw against capture, the moment the post was scraped.
// Absolute dates are interpreted in capture's location. A result later
// than capture is moved back one year, which only happens when a
// year-less date crosses the new year. Returns a Parse error when no
// rule matches.
func Normalize(raw string, capture time.Time) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, perr.Parsef("empty post time")
	}

	t, err := resolve(s, capture)
	if err != nil {
		return time.Time{}, err
	}
	if t.After(capture) {
		t = t.AddDate(-1, 0, 0)
	}
	return t, nil
}

func resolve(s string, capture time.Time) (time.Time, error) {
	loc := capture.Location()

	if t, err := time.ParseInLocation(layoutWithYear, s, loc); err == nil {
		return t, nil
	}

	if m := relativeRe.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, perr.Parsef("post time %q: %v", s, err)
		}
		var unit time.Duration
		switch m[2] {
		case "h":
			unit = time.Hour
		case "m":
			unit = time.Minute
		default:
			unit = time.Second
		}
		return capture.Add(-time.Duration(n) * unit), nil
	}

	t, err := time.ParseInLocation(layoutNoYear, s, loc)
	if err != nil {
		return time.Time{}, perr.Parsef("post time %q matches no known format", s)
	}
	year := capture.Year()
	for !exists(year, t.Month(), t.Day()) {
		year--
	}
	return time.Date(year, t.Month(), t.Day(), 0, 0, 0, 0, loc), nil
}

// exists reports whether the date is on the calendar; Feb 29 only is in leap years
func exists(year int, month time.Month, day int) bool {
	d := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return d.Month() == month && d.Day() == day
}
