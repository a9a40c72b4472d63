package money

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// Money represents a monetary amount in atomic units for a specific asset.
// All arithmetic is performed on int64 to avoid floating-point precision
// issues; payments are compared on normalized atomic units, never floats.
//
// Examples:
//   - EUR 10.50       = Money{Asset: EUR, Atomic: 1050}      // 1050 cents
//   - BTC 0.00020000  = Money{Asset: BTC, Atomic: 20000}     // 20000 satoshi
//   - USDT 1.5        = Money{Asset: USDT_TRC20, Atomic: 1500000}
type Money struct {
	Asset  Asset // The currency
	Atomic int64 // Amount in smallest unit (cents, satoshi, ...)
}

var (
	// ErrOverflow occurs when an operation would exceed int64 capacity.
	ErrOverflow = errors.New("money: arithmetic overflow")

	// ErrAssetMismatch occurs when operating on different assets.
	ErrAssetMismatch = errors.New("money: asset mismatch")

	// ErrInvalidFormat occurs when parsing fails.
	ErrInvalidFormat = errors.New("money: invalid format")

	// ErrDivisionByZero occurs when dividing by zero.
	ErrDivisionByZero = errors.New("money: division by zero")
)

// Zero returns a zero amount for the given asset.
func Zero(asset Asset) Money {
	return Money{Asset: asset, Atomic: 0}
}

// New creates a Money from atomic units.
func New(asset Asset, atomic int64) Money {
	return Money{Asset: asset, Atomic: atomic}
}

// FromMajor creates Money from a major unit string (e.g., "10.50").
// Fractional digits beyond the asset's precision are rounded half-up.
//
// Examples:
//   - FromMajor(EUR, "10.50")       -> 1050 cents
//   - FromMajor(BTC, "0.00020000")  -> 20000 satoshi
func FromMajor(asset Asset, major string) (Money, error) {
	parts := strings.Split(major, ".")
	if len(parts) > 2 {
		return Money{}, fmt.Errorf("%w: too many decimal points", ErrInvalidFormat)
	}

	integerPart := parts[0]
	fractionalPart := ""
	if len(parts) == 2 {
		fractionalPart = parts[1]
	}

	integerVal, err := strconv.ParseInt(integerPart, 10, 64)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	// Handle fractional part with proper rounding
	var atomicFromFraction int64
	if fractionalPart != "" {
		if len(fractionalPart) > int(asset.Decimals) {
			// Truncate and round (half-up)
			roundDigit := fractionalPart[asset.Decimals] - '0'
			fractionalPart = fractionalPart[:asset.Decimals]

			parsed, _ := strconv.ParseInt(fractionalPart, 10, 64)
			atomicFromFraction = parsed

			if roundDigit >= 5 {
				atomicFromFraction++
			}
		} else {
			// Pad with zeros
			for len(fractionalPart) < int(asset.Decimals) {
				fractionalPart += "0"
			}
			atomicFromFraction, _ = strconv.ParseInt(fractionalPart, 10, 64)
		}
	}

	multiplier := int64(math.Pow10(int(asset.Decimals)))

	if integerVal > 0 && multiplier > math.MaxInt64/integerVal {
		return Money{}, ErrOverflow
	}
	if integerVal < 0 && multiplier > math.MaxInt64/(-integerVal) {
		return Money{}, ErrOverflow
	}

	atomicFromInteger := integerVal * multiplier

	if integerVal < 0 {
		atomicFromFraction = -atomicFromFraction
	}

	total := atomicFromInteger + atomicFromFraction

	return Money{Asset: asset, Atomic: total}, nil
}

// FromAtomic creates Money from an atomic units string.
func FromAtomic(asset Asset, atomic string) (Money, error) {
	value, err := strconv.ParseInt(atomic, 10, 64)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return Money{Asset: asset, Atomic: value}, nil
}

// ToMajor converts Money to a major unit string with the asset's decimal places.
//
// Examples:
//   - Money{EUR, 1050}.ToMajor()  -> "10.50"
//   - Money{BTC, 20000}.ToMajor() -> "0.00020000"
func (m Money) ToMajor() string {
	if m.Atomic == 0 {
		if m.Asset.Decimals == 0 {
			return "0"
		}
		return "0." + strings.Repeat("0", int(m.Asset.Decimals))
	}

	divisor := int64(math.Pow10(int(m.Asset.Decimals)))
	integerPart := m.Atomic / divisor
	fractionalPart := m.Atomic % divisor

	if fractionalPart < 0 {
		fractionalPart = -fractionalPart
	}

	if m.Asset.Decimals == 0 {
		return strconv.FormatInt(integerPart, 10)
	}

	var buf strings.Builder
	buf.WriteString(strconv.FormatInt(integerPart, 10))
	if m.Atomic < 0 && integerPart == 0 {
		// Sign lives on the integer part, which FormatInt loses for 0
		s := buf.String()
		buf.Reset()
		buf.WriteByte('-')
		buf.WriteString(s)
	}
	buf.WriteByte('.')

	fractionalStr := strconv.FormatInt(fractionalPart, 10)
	leadingZeros := int(m.Asset.Decimals) - len(fractionalStr)
	for i := 0; i < leadingZeros; i++ {
		buf.WriteByte('0')
	}
	buf.WriteString(fractionalStr)

	return buf.String()
}

// ToAtomic returns the atomic units as a string.
func (m Money) ToAtomic() string {
	return strconv.FormatInt(m.Atomic, 10)
}

// Add returns the sum of two Money values.
func (m Money) Add(other Money) (Money, error) {
	if m.Asset.Code != other.Asset.Code {
		return Money{}, fmt.Errorf("%w: cannot add %s and %s", ErrAssetMismatch, m.Asset.Code, other.Asset.Code)
	}

	result := m.Atomic + other.Atomic
	if (result > m.Atomic) != (other.Atomic > 0) {
		return Money{}, ErrOverflow
	}

	return Money{Asset: m.Asset, Atomic: result}, nil
}

// Sub returns the difference of two Money values.
func (m Money) Sub(other Money) (Money, error) {
	if m.Asset.Code != other.Asset.Code {
		return Money{}, fmt.Errorf("%w: cannot subtract %s and %s", ErrAssetMismatch, m.Asset.Code, other.Asset.Code)
	}

	result := m.Atomic - other.Atomic
	if (result < m.Atomic) != (other.Atomic > 0) {
		return Money{}, ErrOverflow
	}

	return Money{Asset: m.Asset, Atomic: result}, nil
}

// Mul multiplies Money by an integer scalar.
func (m Money) Mul(multiplier int64) (Money, error) {
	if multiplier == 0 {
		return Zero(m.Asset), nil
	}

	bigResult := new(big.Int).Mul(big.NewInt(m.Atomic), big.NewInt(multiplier))
	if !bigResult.IsInt64() {
		return Money{}, ErrOverflow
	}

	return Money{Asset: m.Asset, Atomic: bigResult.Int64()}, nil
}

// MulBasisPoints multiplies Money by basis points (1/100th of a percent)
// with half-to-even rounding. Fiat amounts are rounded half-to-even at
// every assignment, so penalty and tolerance math goes through here.
// Example: amount.MulBasisPoints(250) applies a 2.5% rate.
func (m Money) MulBasisPoints(basisPoints int64) (Money, error) {
	if basisPoints == 0 {
		return Zero(m.Asset), nil
	}

	// result = (atomic * basisPoints) / 10000, half-to-even.
	// big.Int intermediate avoids overflow on the product.
	bigResult := new(big.Int).Mul(big.NewInt(m.Atomic), big.NewInt(basisPoints))

	quo, rem := new(big.Int).QuoRem(bigResult, big.NewInt(10000), new(big.Int))
	remAbs := new(big.Int).Abs(rem)
	twice := new(big.Int).Mul(remAbs, big.NewInt(2))

	cmp := twice.Cmp(big.NewInt(10000))
	roundAway := cmp > 0
	if cmp == 0 {
		// Exactly half: round to even
		roundAway = quo.Bit(0) == 1
	}
	if roundAway {
		if bigResult.Sign() >= 0 {
			quo.Add(quo, big.NewInt(1))
		} else {
			quo.Sub(quo, big.NewInt(1))
		}
	}

	if !quo.IsInt64() {
		return Money{}, ErrOverflow
	}

	return Money{Asset: m.Asset, Atomic: quo.Int64()}, nil
}

// MulPercent multiplies Money by a percentage (0-100).
// Example: amount.MulPercent(10) applies a 10% penalty rate.
func (m Money) MulPercent(percent int64) (Money, error) {
	return m.MulBasisPoints(percent * 100)
}

// Div divides Money by an integer divisor with half-up rounding.
func (m Money) Div(divisor int64) (Money, error) {
	if divisor == 0 {
		return Money{}, ErrDivisionByZero
	}

	quotient := m.Atomic / divisor
	remainder := m.Atomic % divisor

	if remainder*2 >= divisor {
		quotient++
	} else if remainder*2 <= -divisor {
		quotient--
	}

	return Money{Asset: m.Asset, Atomic: quotient}, nil
}

// IsPositive returns true if amount is greater than zero.
func (m Money) IsPositive() bool {
	return m.Atomic > 0
}

// IsNegative returns true if amount is less than zero.
func (m Money) IsNegative() bool {
	return m.Atomic < 0
}

// IsZero returns true if amount is exactly zero.
func (m Money) IsZero() bool {
	return m.Atomic == 0
}

// LessThan returns true if m < other (same asset required).
func (m Money) LessThan(other Money) bool {
	if m.Asset.Code != other.Asset.Code {
		return false
	}
	return m.Atomic < other.Atomic
}

// GreaterThan returns true if m > other (same asset required).
func (m Money) GreaterThan(other Money) bool {
	if m.Asset.Code != other.Asset.Code {
		return false
	}
	return m.Atomic > other.Atomic
}

// Equal returns true if m == other (same asset and amount).
func (m Money) Equal(other Money) bool {
	return m.Asset.Code == other.Asset.Code && m.Atomic == other.Atomic
}

// Min returns the smaller of m and other (same asset assumed).
func (m Money) Min(other Money) Money {
	if other.Atomic < m.Atomic {
		return other
	}
	return m
}

// Abs returns the absolute value.
func (m Money) Abs() Money {
	if m.Atomic < 0 {
		return Money{Asset: m.Asset, Atomic: -m.Atomic}
	}
	return m
}

// Negate returns the negated amount.
func (m Money) Negate() Money {
	return Money{Asset: m.Asset, Atomic: -m.Atomic}
}

// String returns a human-readable representation.
// Example: Money{EUR, 1050} -> "10.50 EUR"
func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.ToMajor(), m.Asset.Code)
}
