// Package timecond evaluates weekly schedules and holiday overrides.
//
// Evaluation is a pure function of the condition and the instant; nothing is
// cached and it is safe to call from any goroutine.
package timecond

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"voip-router/internal/models"
)

// ErrMalformedCondition is returned when schedule data cannot be interpreted.
var ErrMalformedCondition = errors.New("malformed time condition")

const (
	defaultTimezone = "UTC"
	holidayLayout   = "2006-01-02"
	secondsPerDay   = 24 * 60 * 60
)

// Matches reports whether cond selects its match branch at instant.
// Malformed conditions never match; use Evaluate to see why.
func Matches(cond *models.TimeCondition, instant time.Time) bool {
	ok, err := Evaluate(cond, instant)
	return ok && err == nil
}

// Evaluate checks holidays first, then weekly windows in order.
func Evaluate(cond *models.TimeCondition, instant time.Time) (bool, error) {
	if cond == nil {
		return false, fmt.Errorf("%w: nil condition", ErrMalformedCondition)
	}
	if cond.ScheduleErr != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedCondition, cond.ScheduleErr)
	}

	loc, err := loadLocation(cond.Timezone)
	if err != nil {
		return false, err
	}
	local := instant.In(loc)

	if h, found, err := holidayOn(cond.Holidays, local); err != nil {
		return false, err
	} else if found {
		switch p := h.EffectivePolicy(); p {
		case models.PolicyClosed:
			return false, nil
		case models.PolicyOpen:
			return true, nil
		case models.PolicyWeekly:
		default:
			return false, fmt.Errorf("%w: holiday %s has unknown policy %q", ErrMalformedCondition, h.Date, p)
		}
	}

	for i, w := range cond.Windows {
		ok, err := windowMatches(w, instant, loc)
		if err != nil {
			return false, fmt.Errorf("window %d: %w", i, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func holidayOn(holidays []models.Holiday, local time.Time) (models.Holiday, bool, error) {
	today := local.Format(holidayLayout)
	for _, h := range holidays {
		if _, err := time.Parse(holidayLayout, h.Date); err != nil {
			return models.Holiday{}, false, fmt.Errorf("%w: holiday date %q", ErrMalformedCondition, h.Date)
		}
		if h.Date == today {
			return h, true, nil
		}
	}
	return models.Holiday{}, false, nil
}

// windowMatches uses [start,end). A window with end before start wraps past
// midnight; equal start and end covers the whole day.
func windowMatches(w models.TimeWindow, instant time.Time, condLoc *time.Location) (bool, error) {
	loc := condLoc
	if w.Timezone != "" {
		l, err := loadLocation(w.Timezone)
		if err != nil {
			return false, err
		}
		loc = l
	}
	local := instant.In(loc)

	start, err := parseClock(w.Start)
	if err != nil {
		return false, err
	}
	end, err := parseClock(w.End)
	if err != nil {
		return false, err
	}

	dayMatch := false
	for _, d := range w.Days {
		if d < 0 || d > 6 {
			return false, fmt.Errorf("%w: weekday %d out of range", ErrMalformedCondition, d)
		}
		if time.Weekday(d) == local.Weekday() {
			dayMatch = true
		}
	}
	if !dayMatch {
		return false, nil
	}

	now := local.Hour()*3600 + local.Minute()*60 + local.Second()
	switch {
	case start == end:
		return true, nil
	case start < end:
		return now >= start && now < end, nil
	default:
		return now >= start || now < end, nil
	}
}

// parseClock turns "HH:MM" or "HH:MM:SS" into seconds since midnight.
// "24:00" is accepted as end of day.
func parseClock(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("%w: time %q", ErrMalformedCondition, s)
	}
	vals := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: time %q", ErrMalformedCondition, s)
		}
		vals[i] = n
	}
	h, m, sec := vals[0], vals[1], vals[2]
	if h == 24 && m == 0 && sec == 0 {
		return secondsPerDay, nil
	}
	if h > 23 || m > 59 || sec > 59 {
		return 0, fmt.Errorf("%w: time %q", ErrMalformedCondition, s)
	}
	return h*3600 + m*60 + sec, nil
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		name = defaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrMalformedCondition, name, err)
	}
	return loc, nil
}
