// Package invoice generates human-readable invoice numbers.
package invoice

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/jonboulle/clockwork"
)

// numberAlphabet excludes ambiguous characters (0/O, 1/I) so numbers
// survive being read aloud or retyped from a chat message.
const numberAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

const (
	suffixLength = 6
	maxAttempts  = 10
)

// ExistsFunc reports whether an invoice number is already taken.
type ExistsFunc func(ctx context.Context, number string) (bool, error)

// Generator produces unique invoice numbers of the form INV-YYYY-XXXXXX.
type Generator struct {
	exists ExistsFunc
	clock  clockwork.Clock
}

// NewGenerator constructs a Generator checking uniqueness through exists.
func NewGenerator(exists ExistsFunc, clock clockwork.Clock) *Generator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Generator{exists: exists, clock: clock}
}

// Next returns a fresh invoice number. Collisions are retried a bounded
// number of times; with a 32-char alphabet and six positions the space
// holds over a billion numbers, so exhausting the retries means the
// uniqueness check itself is broken.
func (g *Generator) Next(ctx context.Context) (string, error) {
	year := g.clock.Now().UTC().Year()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		suffix, err := randomSuffix()
		if err != nil {
			return "", fmt.Errorf("generate invoice suffix: %w", err)
		}
		number := fmt.Sprintf("INV-%d-%s", year, suffix)

		taken, err := g.exists(ctx, number)
		if err != nil {
			return "", fmt.Errorf("check invoice number: %w", err)
		}
		if !taken {
			return number, nil
		}
	}
	return "", fmt.Errorf("invoice number space exhausted after %d attempts", maxAttempts)
}

func randomSuffix() (string, error) {
	buf := make([]byte, suffixLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, suffixLength)
	for i, b := range buf {
		out[i] = numberAlphabet[int(b)%len(numberAlphabet)]
	}
	return string(out), nil
}
