package temporal

import (
	"fmt"
	"testing"
	"time"
)

func strp(s string) *string { return &s }

func TestAge(t *testing.T) {
	birth := time.Date(1980, time.June, 15, 10, 30, 0, 0, time.UTC)
	for _, tc := range []struct {
		now  time.Time
		want int
	}{
		{now: time.Date(2024, time.June, 14, 0, 0, 0, 0, time.UTC), want: 43},
		{now: time.Date(2024, time.June, 15, 0, 0, 0, 0, time.UTC), want: 44},
		{now: time.Date(2024, time.May, 30, 0, 0, 0, 0, time.UTC), want: 43},
		{now: time.Date(2024, time.July, 1, 0, 0, 0, 0, time.UTC), want: 44},
		{now: time.Date(1980, time.June, 15, 0, 0, 0, 0, time.UTC), want: 0},
	} {
		if got := Age(birth, tc.now); got != tc.want {
			t.Fatalf("Age(%s) got %d, want %d", tc.now.Format("2006-01-02"), got, tc.want)
		}
	}
}

func TestParseBirthTime(t *testing.T) {
	got, err := ParseBirthTime("19800615103000")
	if err != nil {
		t.Fatalf("ParseBirthTime: %v", err)
	}
	if got.Year() != 1980 || got.Month() != time.June || got.Day() != 15 || got.Hour() != 10 {
		t.Fatalf("unexpected birth time %s", got)
	}
	if _, err := ParseBirthTime("19800615"); err != nil {
		t.Fatalf("date-only birth time should parse: %v", err)
	}
	if _, err := ParseBirthTime("June 1980"); err == nil {
		t.Fatal("expected error for malformed birth time")
	}
}

func TestDurationInclusive(t *testing.T) {
	got := Duration(strp("2023-01-01T00:00:00Z"), strp("2023-01-10T00:00:00Z"))
	if got.Kind != KindValue || got.Text != "10 days" {
		t.Fatalf("got %+v, want 10 days", got)
	}
	same := Duration(strp("2023-02-01T00:00:00Z"), strp("2023-02-01T00:00:00Z"))
	if same.Text != "1 days" {
		t.Fatalf("same-day duration got %q", same.Text)
	}
}

func TestDurationAbsentAndSentinel(t *testing.T) {
	if got := Duration(nil, strp("2023-01-10T00:00:00Z")); got.Present() {
		t.Fatalf("missing start should be absent, got %+v", got)
	}
	if got := Duration(strp("2023-01-10T00:00:00Z"), nil); got.Ptr() != nil {
		t.Fatalf("missing stop should be absent, got %+v", got)
	}
	got := Duration(strp("not-a-date"), strp("2023-01-10T00:00:00Z"))
	if !got.IsSentinel() || got.Text != InvalidDateFormat {
		t.Fatalf("got %+v, want sentinel %q", got, InvalidDateFormat)
	}
	if got := Duration(strp("2023-01-10T00:00:00Z"), strp("2023-01-10")); got.Text != "Invalid date format" {
		t.Fatalf("malformed stop got %+v", got)
	}
}

func TestDurationReversedRangeFloors(t *testing.T) {
	got := Duration(strp("2023-01-10T12:00:00Z"), strp("2023-01-10T00:00:00Z"))
	if got.Text != "0 days" {
		t.Fatalf("got %q, want 0 days", got.Text)
	}
}

func TestLastUsage(t *testing.T) {
	now := time.Date(2024, time.October, 7, 9, 0, 0, 0, time.UTC)
	if got := LastUsage(nil, now); got.Text != "Currently used" || got.Kind != KindValue {
		t.Fatalf("absent stop got %+v", got)
	}
	if got := LastUsage(strp("yesterday"), now); got.Text != "Invalid date" || !got.IsSentinel() {
		t.Fatalf("malformed stop got %+v", got)
	}
	stop := "2023-01-10T00:00:00Z"
	stopAt, _ := ParseTimestamp(stop)
	want := fmt.Sprintf("%d days ago", int(now.Sub(stopAt).Hours()/24))
	if got := LastUsage(&stop, now); got.Text != want {
		t.Fatalf("got %q, want %q", got.Text, want)
	}
}

func TestLastUsageUsesWallClock(t *testing.T) {
	zone := time.FixedZone("UTC-8", -8*3600)
	now := time.Date(2023, time.January, 11, 1, 0, 0, 0, zone)
	if got := LastUsage(strp("2023-01-10T00:00:00Z"), now); got.Text != "1 days ago" {
		t.Fatalf("got %q, want 1 days ago", got.Text)
	}
}
