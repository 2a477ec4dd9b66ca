package billing

import (
	"testing"
	"time"
)

func TestAnniversaryClampsToMonthLength(t *testing.T) {
	from := time.Date(2024, time.January, 31, 0, 0, 0, 0, time.UTC)
	got := Anniversary(from, 31)
	want := time.Date(2024, time.February, 29, 0, 0, 0, 0, time.UTC) // 2024 is a leap year
	if !got.Equal(want) {
		t.Fatalf("Anniversary(Jan 31, day=31) = %v, want %v", got, want)
	}
}

func TestAnniversaryRollsOverYear(t *testing.T) {
	from := time.Date(2024, time.December, 15, 0, 0, 0, 0, time.UTC)
	got := Anniversary(from, 15)
	want := time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Anniversary(Dec 15, day=15) = %v, want %v", got, want)
	}
}

func TestAnniversaryNonLeapFebruary(t *testing.T) {
	from := time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC)
	got := Anniversary(from, 31)
	want := time.Date(2025, time.February, 28, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Anniversary(Jan 31, day=31) in non-leap year = %v, want %v", got, want)
	}
}
