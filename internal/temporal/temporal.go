// Package temporal derives age, duration and recency values from the date
// strings found in clinical documents.
//
// Malformed dates never produce errors here. They degrade into sentinel
// strings ("Invalid date format", "Invalid date") carried in a tagged Result,
// so callers can tell a missing date from a malformed one without comparing
// types.
package temporal

import (
	"fmt"
	"time"
)

const (
	// TimestampLayout is the fixed ISO-like layout of section table dates.
	TimestampLayout = "2006-01-02T15:04:05Z"
	// BirthTimeLayout is the HL7 TS layout of patient birth times.
	BirthTimeLayout = "20060102150405"
	birthDateLayout = "20060102"
)

const (
	InvalidDateFormat = "Invalid date format"
	InvalidDate       = "Invalid date"
	CurrentlyUsed     = "Currently used"
)

const day = 24 * time.Hour

type Kind int

const (
	KindAbsent Kind = iota
	KindValue
	KindSentinel
)

func (k Kind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindSentinel:
		return "sentinel"
	default:
		return "absent"
	}
}

// Result is a derived temporal value: absent, a computed value, or a
// sentinel string standing in for a malformed input.
type Result struct {
	Kind Kind
	Text string
}

func Absent() Result { return Result{Kind: KindAbsent} }
func Value(text string) Result { return Result{Kind: KindValue, Text: text} }
func Sentinel(text string) Result { return Result{Kind: KindSentinel, Text: text} }
func (r Result) Present() bool { return r.Kind != KindAbsent }
func (r Result) IsSentinel() bool { return r.Kind == KindSentinel }
func (r Result) String() string { return r.Text }

// Ptr returns nil for an absent result and a pointer to the text otherwise.
func (r Result) Ptr() *string {
	if r.Kind == KindAbsent {
		return nil
	}
	s := r.Text
	return &s
}

func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(TimestampLayout, s)
}

// ParseBirthTime accepts a full HL7 timestamp (YYYYMMDDHHMMSS) or a bare
// date (YYYYMMDD).
func ParseBirthTime(s string) (time.Time, error) {
	if t, err := time.Parse(BirthTimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(birthDateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("birth time %q: %w", s, err)
	}
	return t, nil
}

// Age returns whole years between birth and now, one less when now's
// (month, day) falls before birth's.
func Age(birth, now time.Time) int {
	years := now.Year() - birth.Year()
	if now.Month() < birth.Month() || (now.Month() == birth.Month() && now.Day() < birth.Day()) {
		years--
	}
	return years
}

// Duration returns "{n} days" inclusive of both endpoints. Either date
// missing yields Absent; either date malformed yields InvalidDateFormat.
func Duration(start, stop *string) Result {
	if start == nil || stop == nil || *start == "" || *stop == "" {
		return Absent()
	}
	startAt, err := ParseTimestamp(*start)
	if err != nil {
		return Sentinel(InvalidDateFormat)
	}
	stopAt, err := ParseTimestamp(*stop)
	if err != nil {
		return Sentinel(InvalidDateFormat)
	}
	return Value(fmt.Sprintf("%d days", daysBetween(startAt, stopAt)+1))
}

// LastUsage reports how long ago stop was, evaluated against now's wall
// clock. A missing stop means the item is still in use.
func LastUsage(stop *string, now time.Time) Result {
	if stop == nil || *stop == "" {
		return Value(CurrentlyUsed)
	}
	stopAt, err := ParseTimestamp(*stop)
	if err != nil {
		return Sentinel(InvalidDate)
	}
	return Value(fmt.Sprintf("%d days ago", daysBetween(stopAt, wallClock(now))))
}

// daysBetween floors (to - from) to whole days, rounding toward negative
// infinity for reversed ranges.
func daysBetween(from, to time.Time) int {
	d := to.Sub(from)
	n := int(d / day)
	if d%day < 0 {
		n--
	}
	return n
}

// wallClock reinterprets now's local wall time as UTC so it compares with
// the zone-less timestamps found in documents.
func wallClock(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), now.Minute(), now.Second(), now.Nanosecond(), time.UTC)
}
