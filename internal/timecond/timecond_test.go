package timecond

import (
	"errors"
	"testing"
	"time"

	"voip-router/internal/models"
)

func businessHours() *models.TimeCondition {
	return &models.TimeCondition{
		ID:       "tc-1",
		Name:     "Business Hours",
		Timezone: "Europe/Rome",
		Windows: []models.TimeWindow{
			{Days: []int{1, 2, 3, 4, 5}, Start: "08:30", End: "17:00"},
		},
		Enabled: true,
	}
}

func rome(t *testing.T, y int, mo time.Month, d, h, mi, s int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Rome")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return time.Date(y, mo, d, h, mi, s, 0, loc)
}

func TestEvaluateWeeklyWindow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		at   func(*testing.T) time.Time
		want bool
	}{
		// 2025-03-12 is a Wednesday.
		{"inside window", func(t *testing.T) time.Time { return rome(t, 2025, 3, 12, 10, 0, 0) }, true},
		{"start is inclusive", func(t *testing.T) time.Time { return rome(t, 2025, 3, 12, 8, 30, 0) }, true},
		{"just before start", func(t *testing.T) time.Time { return rome(t, 2025, 3, 12, 8, 29, 59) }, false},
		{"end is exclusive", func(t *testing.T) time.Time { return rome(t, 2025, 3, 12, 17, 0, 0) }, false},
		{"weekend", func(t *testing.T) time.Time { return rome(t, 2025, 3, 15, 10, 0, 0) }, false},
		{"utc instant converted to zone", func(t *testing.T) time.Time {
			// 07:45 UTC is 08:45 in Rome (CET).
			return time.Date(2025, 3, 12, 7, 45, 0, 0, time.UTC)
		}, true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Evaluate(businessHours(), tc.at(t))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("Evaluate() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEvaluateOvernightWindowWraps(t *testing.T) {
	t.Parallel()

	cond := &models.TimeCondition{
		Timezone: "UTC",
		Windows: []models.TimeWindow{
			{Days: []int{0, 1, 2, 3, 4, 5, 6}, Start: "22:00", End: "06:00"},
		},
	}

	for _, tc := range []struct {
		hour int
		want bool
	}{
		{23, true},
		{22, true},
		{2, true},
		{5, true},
		{6, false},
		{12, false},
		{21, false},
	} {
		at := time.Date(2025, 3, 12, tc.hour, 0, 0, 0, time.UTC)
		if got := Matches(cond, at); got != tc.want {
			t.Errorf("hour %d: Matches() = %v, want %v", tc.hour, got, tc.want)
		}
	}
}

func TestEvaluateHolidayOverridesWeeklyWindow(t *testing.T) {
	t.Parallel()

	at := func(t *testing.T) time.Time { return rome(t, 2025, 12, 25, 10, 0, 0) } // Thursday

	tests := []struct {
		name    string
		holiday models.Holiday
		windows []models.TimeWindow
		want    bool
	}{
		{
			name:    "holiday forces no match",
			holiday: models.Holiday{Date: "2025-12-25", Name: "Christmas", Kind: models.HolidayClosed},
			windows: businessHours().Windows,
			want:    false,
		},
		{
			name:    "special day keeps weekly schedule by default",
			holiday: models.Holiday{Date: "2025-12-25", Name: "Late opening", Kind: models.HolidaySpecialDay},
			windows: businessHours().Windows,
			want:    true,
		},
		{
			name:    "special day with closed policy",
			holiday: models.Holiday{Date: "2025-12-25", Kind: models.HolidaySpecialDay, Policy: models.PolicyClosed},
			windows: businessHours().Windows,
			want:    false,
		},
		{
			name:    "open policy matches without any window",
			holiday: models.Holiday{Date: "2025-12-25", Kind: models.HolidaySpecialDay, Policy: models.PolicyOpen},
			windows: nil,
			want:    true,
		},
		{
			name:    "holiday on another date is ignored",
			holiday: models.Holiday{Date: "2025-12-26", Kind: models.HolidayClosed},
			windows: businessHours().Windows,
			want:    true,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cond := businessHours()
			cond.Windows = tc.windows
			cond.Holidays = []models.Holiday{tc.holiday}

			got, err := Evaluate(cond, at(t))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("Evaluate() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEvaluateHolidayUsesConditionTimezone(t *testing.T) {
	t.Parallel()

	cond := &models.TimeCondition{
		Timezone: "America/New_York",
		Windows:  []models.TimeWindow{{Days: []int{0, 1, 2, 3, 4, 5, 6}, Start: "00:00", End: "24:00"}},
		Holidays: []models.Holiday{{Date: "2025-07-04", Kind: models.HolidayClosed}},
	}

	// 03:00 UTC on July 5th is still July 4th in New York.
	if Matches(cond, time.Date(2025, 7, 5, 3, 0, 0, 0, time.UTC)) {
		t.Error("expected holiday to apply on the local date")
	}
	if !Matches(cond, time.Date(2025, 7, 5, 12, 0, 0, 0, time.UTC)) {
		t.Error("expected weekly window to apply the day after the holiday")
	}
}

func TestEvaluateFirstMatchingWindowWins(t *testing.T) {
	t.Parallel()

	cond := &models.TimeCondition{
		Timezone: "UTC",
		Windows: []models.TimeWindow{
			{Days: []int{3}, Start: "08:00", End: "12:00"},
			{Days: []int{3}, Start: "14:00", End: "18:00", Timezone: "Asia/Tokyo"},
		},
	}

	// 06:00 UTC is 15:00 in Tokyo.
	if !Matches(cond, time.Date(2025, 3, 12, 6, 0, 0, 0, time.UTC)) {
		t.Error("expected second window in its own timezone to match")
	}
	if Matches(cond, time.Date(2025, 3, 12, 13, 0, 0, 0, time.UTC)) {
		t.Error("expected no window to match at 13:00 UTC")
	}
}

func TestEvaluateMalformed(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		cond *models.TimeCondition
	}{
		{"nil condition", nil},
		{"unknown timezone", &models.TimeCondition{Timezone: "Mars/Olympus"}},
		{"bad start", &models.TimeCondition{Windows: []models.TimeWindow{{Days: []int{3}, Start: "8am", End: "17:00"}}}},
		{"bad end", &models.TimeCondition{Windows: []models.TimeWindow{{Days: []int{3}, Start: "08:00", End: "25:00"}}}},
		{"weekday out of range", &models.TimeCondition{Windows: []models.TimeWindow{{Days: []int{7}, Start: "08:00", End: "17:00"}}}},
		{"bad holiday date", &models.TimeCondition{Holidays: []models.Holiday{{Date: "25/12/2025"}}}},
		{"unknown holiday policy", &models.TimeCondition{Holidays: []models.Holiday{{Date: "2025-03-12", Policy: "maybe"}}}},
		{"undecodable schedule", &models.TimeCondition{ScheduleErr: errors.New("decode time_groups: unexpected end of JSON input")}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ok, err := Evaluate(tc.cond, at)
			if !errors.Is(err, ErrMalformedCondition) {
				t.Fatalf("expected ErrMalformedCondition, got %v", err)
			}
			if ok {
				t.Error("malformed condition must not match")
			}
			if Matches(tc.cond, at) {
				t.Error("Matches must report false for malformed data")
			}
		})
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	t.Parallel()

	cond := businessHours()
	at := rome(t, 2025, 3, 12, 10, 0, 0)
	first := Matches(cond, at)
	for i := 0; i < 50; i++ {
		if Matches(cond, at) != first {
			t.Fatal("repeated evaluation changed result")
		}
	}
}
