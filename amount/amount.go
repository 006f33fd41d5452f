// Package amount provides the fixed-point monetary value carried by FAIC network messages.
//
// An Amount counts smallest units; 10^8 smallest units make one FAIC. Values are bounded by
// Max (2^128 - 1) and every arithmetic operation is checked: nothing wraps silently.
package amount

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Decimals is the number of implied fractional digits in the display form.
const Decimals = 8

// Common errors for amount operations
var (
	ErrAmountOverflow  = errors.New("amount overflow")
	ErrAmountUnderflow = errors.New("amount underflow")
	ErrDivisionByZero  = errors.New("division by zero")
	ErrAmountParse     = errors.New("invalid amount")
)

// Fee and exchange-rate parameters.
const (
	feeRateNumerator   = 3000 // 0.3% = 3000 / 1_000_000
	feeRateDenominator = 1000000
	externalRateScale  = 10000000
)

// Computed once at package init and never mutated; accessors hand out copies.
var (
	oneUnit   = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)
	maxAmount = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	bigTen    = big.NewInt(10)
	bigFive   = big.NewInt(5)
)

// Amount is an immutable count of smallest units. The zero value is 0.
type Amount struct {
	value *big.Int
}

// Zero returns an amount of 0.
func Zero() Amount {
	return Amount{value: new(big.Int)}
}

// One returns one display unit (1.00000000).
func One() Amount {
	return Amount{value: new(big.Int).Set(oneUnit)}
}

// Max returns the largest representable amount.
func Max() Amount {
	return Amount{value: new(big.Int).Set(maxAmount)}
}

// FromUint64 creates an amount of v smallest units.
func FromUint64(v uint64) Amount {
	return Amount{value: new(big.Int).SetUint64(v)}
}

// FromBigInt creates an amount from a copy of v.
func FromBigInt(v *big.Int) (Amount, error) {
	if v == nil || v.Sign() < 0 {
		return Amount{}, fmt.Errorf("%w: negative value", ErrAmountParse)
	}
	return checked(new(big.Int).Set(v))
}

// FromDecimalString parses an integer string of smallest units, e.g. "100000000" for 1 FAIC.
func FromDecimalString(s string) (Amount, error) {
	if !isDigits(s) {
		return Amount{}, fmt.Errorf("%w: %q", ErrAmountParse, s)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{}, fmt.Errorf("%w: %q", ErrAmountParse, s)
	}
	return checked(v)
}

// ParseDisplay parses the display form, e.g. "1.5" or "0.00000001".
// More than Decimals fractional digits is rejected rather than rounded.
func ParseDisplay(s string) (Amount, error) {
	intPart, fracPart, hasDot := strings.Cut(s, ".")
	if intPart == "" || !isDigits(intPart) {
		return Amount{}, fmt.Errorf("%w: %q", ErrAmountParse, s)
	}
	if hasDot {
		if fracPart == "" || !isDigits(fracPart) || len(fracPart) > Decimals {
			return Amount{}, fmt.Errorf("%w: %q", ErrAmountParse, s)
		}
	}
	fracPart += strings.Repeat("0", Decimals-len(fracPart))
	return FromDecimalString(intPart + fracPart)
}

// FromBytes decodes a big-endian unsigned integer of any length.
func FromBytes(b []byte) (Amount, error) {
	if len(b) == 0 {
		return Amount{}, fmt.Errorf("%w: empty bytes", ErrAmountParse)
	}
	return checked(new(big.Int).SetBytes(b))
}

func checked(v *big.Int) (Amount, error) {
	if v.Cmp(maxAmount) > 0 {
		return Amount{}, ErrAmountOverflow
	}
	return Amount{value: v}, nil
}

func (a Amount) int() *big.Int {
	if a.value == nil {
		return new(big.Int)
	}
	return a.value
}

// BigInt returns a copy of the underlying value.
func (a Amount) BigInt() *big.Int {
	return new(big.Int).Set(a.int())
}

// IsZero reports whether the amount is 0.
func (a Amount) IsZero() bool {
	return a.int().Sign() == 0
}

// IsPositive reports whether the amount meets the minimum transferable value of one smallest unit.
func (a Amount) IsPositive() bool {
	return a.int().Sign() > 0
}

// Cmp compares a and b and returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int {
	return a.int().Cmp(b.int())
}

// Equal reports whether a and b hold the same value.
func (a Amount) Equal(b Amount) bool {
	return a.Cmp(b) == 0
}

// CheckedAdd returns a + b.
func (a Amount) CheckedAdd(b Amount) (Amount, error) {
	return checked(new(big.Int).Add(a.int(), b.int()))
}

// CheckedSub returns a - b.
func (a Amount) CheckedSub(b Amount) (Amount, error) {
	if a.int().Cmp(b.int()) < 0 {
		return Amount{}, ErrAmountUnderflow
	}
	return Amount{value: new(big.Int).Sub(a.int(), b.int())}, nil
}

// CheckedMul returns a * b in smallest units (no rescaling).
func (a Amount) CheckedMul(b Amount) (Amount, error) {
	return checked(new(big.Int).Mul(a.int(), b.int()))
}

// CheckedDiv returns a / b as a fixed-point value with Decimals fractional digits.
func (a Amount) CheckedDiv(b Amount) (Amount, error) {
	if b.IsZero() {
		return Amount{}, ErrDivisionByZero
	}
	return checked(divRound(a.int(), b.int()))
}

// divRound scales num by 10^8, divides by den and rounds half up on the ninth digit.
func divRound(num, den *big.Int) *big.Int {
	scaled := new(big.Int).Mul(num, oneUnit)
	q, r := new(big.Int).QuoRem(scaled, den, new(big.Int))
	if r.Sign() != 0 {
		next := new(big.Int).Quo(r.Mul(r, bigTen), den)
		if next.Cmp(bigFive) >= 0 {
			q.Add(q, big.NewInt(1))
		}
	}
	return q
}

// Normalize rounds down to a whole number of display units.
func (a Amount) Normalize() Amount {
	if a.IsNormalized() {
		return Amount{value: new(big.Int).Set(a.int())}
	}
	v := new(big.Int).Quo(a.int(), oneUnit)
	return Amount{value: v.Mul(v, oneUnit)}
}

// IsNormalized reports whether the amount has no fractional part.
func (a Amount) IsNormalized() bool {
	return new(big.Int).Rem(a.int(), oneUnit).Sign() == 0
}

// CalculateFee returns the 0.3% network fee.
func (a Amount) CalculateFee() (Amount, error) {
	num := new(big.Int).Mul(a.int(), big.NewInt(feeRateNumerator))
	den := new(big.Int).Mul(big.NewInt(feeRateDenominator), oneUnit)
	return checked(divRound(num, den))
}

// ToExternalRate converts a into an external currency. rate carries 7 implied decimals,
// so 1381 means 0.0001381 units of the external currency per FAIC.
func (a Amount) ToExternalRate(rate Amount) (Amount, error) {
	num := new(big.Int).Mul(a.int(), rate.int())
	den := new(big.Int).Mul(big.NewInt(externalRateScale), oneUnit)
	return checked(divRound(num, den))
}

// Bytes returns the big-endian encoding; zero encodes as a single 0x00 byte.
func (a Amount) Bytes() []byte {
	if a.IsZero() {
		return []byte{0}
	}
	return a.int().Bytes()
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (a Amount) MarshalBinary() ([]byte, error) {
	return a.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (a *Amount) UnmarshalBinary(b []byte) error {
	v, err := FromBytes(b)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// DecimalString returns the smallest-unit integer form accepted by FromDecimalString.
func (a Amount) DecimalString() string {
	return a.int().String()
}

// String returns the display form with exactly 8 fractional digits.
func (a Amount) String() string {
	s := a.int().String()
	if len(s) <= Decimals {
		return "0." + strings.Repeat("0", Decimals-len(s)) + s
	}
	return s[:len(s)-Decimals] + "." + s[len(s)-Decimals:]
}

// PaymentURI formats a BIP-21 style payment request.
func (a Amount) PaymentURI(address string) string {
	return fmt.Sprintf("faic:%s?amount=%s", address, a.String())
}

// ParsePaymentURI parses "faic:<address>?amount=<display amount>".
func ParsePaymentURI(uri string) (string, Amount, error) {
	rest, ok := strings.CutPrefix(uri, "faic:")
	if !ok {
		return "", Amount{}, fmt.Errorf("%w: invalid payment URI %q", ErrAmountParse, uri)
	}
	address, value, ok := strings.Cut(rest, "?amount=")
	if !ok || address == "" {
		return "", Amount{}, fmt.Errorf("%w: invalid payment URI %q", ErrAmountParse, uri)
	}
	a, err := ParseDisplay(value)
	if err != nil {
		return "", Amount{}, err
	}
	return address, a, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
