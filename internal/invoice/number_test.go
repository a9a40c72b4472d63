package invoice

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

var numberPattern = regexp.MustCompile(`^INV-\d{4}-[23456789ABCDEFGHJKLMNPQRSTUVWXYZ]{6}$`)

func TestNextFormat(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	gen := NewGenerator(func(context.Context, string) (bool, error) { return false, nil }, clock)

	for i := 0; i < 50; i++ {
		number, err := gen.Next(context.Background())
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !numberPattern.MatchString(number) {
			t.Fatalf("number %q does not match INV-YYYY-XXXXXX", number)
		}
		if number[4:8] != "2026" {
			t.Errorf("number %q should carry the current year", number)
		}
	}
}

func TestNextRetriesOnCollision(t *testing.T) {
	collisions := 0
	exists := func(context.Context, string) (bool, error) {
		// First three candidates collide.
		if collisions < 3 {
			collisions++
			return true, nil
		}
		return false, nil
	}
	gen := NewGenerator(exists, clockwork.NewRealClock())

	number, err := gen.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if collisions != 3 {
		t.Errorf("collisions consumed = %d, want 3", collisions)
	}
	if !numberPattern.MatchString(number) {
		t.Errorf("number %q malformed after retries", number)
	}
}

func TestNextGivesUpAfterBoundedAttempts(t *testing.T) {
	calls := 0
	exists := func(context.Context, string) (bool, error) {
		calls++
		return true, nil
	}
	gen := NewGenerator(exists, clockwork.NewRealClock())

	if _, err := gen.Next(context.Background()); err == nil {
		t.Fatal("expected failure when every candidate collides")
	}
	if calls != maxAttempts {
		t.Errorf("uniqueness checks = %d, want %d", calls, maxAttempts)
	}
}

func TestNextPropagatesCheckError(t *testing.T) {
	boom := errors.New("db down")
	gen := NewGenerator(func(context.Context, string) (bool, error) { return false, boom }, clockwork.NewRealClock())

	if _, err := gen.Next(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped check error, got %v", err)
	}
}
