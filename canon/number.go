package canon

import (
	"errors"
	"math/big"
	"strings"
)

var errNumberDomain = errors.New("canon: number not representable (NaN/Inf or out of domain)")

// parseNumber reduces a JSON number token to its canonical NRF-1.1 form: a
// signed int64 when the logical value is integral and fits in 64 bits, or a
// canonical minimal decimal string when it is not integral; integral values
// outside the int64 range are rejected. The reduction is exact
// (backed by math/big), so "1.50" and "1.5" and "0.150e1" all converge to
// the same canonical value, matching the NRF round-trip invariant.
func parseNumber(tok string) (isInt bool, i int64, dec string, err error) {
	s := tok
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	} else if strings.HasPrefix(s, "+") {
		s = s[1:]
	}
	if s == "" {
		return false, 0, "", errNumberDomain
	}

	mantissa := s
	exp := 0
	if idx := strings.IndexAny(s, "eE"); idx >= 0 {
		mantissa = s[:idx]
		expPart := s[idx+1:]
		e, ok := parseSmallInt(expPart)
		if !ok {
			return false, 0, "", errNumberDomain
		}
		exp = e
	}

	intPart := mantissa
	fracPart := ""
	if idx := strings.IndexByte(mantissa, '.'); idx >= 0 {
		intPart = mantissa[:idx]
		fracPart = mantissa[idx+1:]
	}
	if intPart == "" {
		intPart = "0"
	}
	for _, c := range intPart + fracPart {
		if c < '0' || c > '9' {
			return false, 0, "", errNumberDomain
		}
	}

	digits := intPart + fracPart
	// Effective decimal exponent: value = digits(as integer) * 10^(exp - len(fracPart))
	e10 := exp - len(fracPart)

	m := new(big.Int)
	if _, ok := m.SetString(digits, 10); !ok {
		return false, 0, "", errNumberDomain
	}

	// Strip trailing zeros from the mantissa, absorbing them into e10, so
	// the (mantissa, exponent) pair is minimal and canonical.
	ten := big.NewInt(10)
	zero := big.NewInt(0)
	if m.Cmp(zero) != 0 {
		for {
			q, r := new(big.Int), new(big.Int)
			q.QuoRem(m, ten, r)
			if r.Cmp(zero) != 0 {
				break
			}
			m = q
			e10++
		}
	} else {
		e10 = 0
	}

	if e10 >= 0 {
		whole := new(big.Int).Set(m)
		if e10 > 0 {
			whole.Mul(whole, new(big.Int).Exp(ten, big.NewInt(int64(e10)), nil))
		}
		if neg {
			whole.Neg(whole)
		}
		if whole.IsInt64() {
			return true, whole.Int64(), "", nil
		}
		return false, 0, "", errNumberDomain
	}

	digitsStr := m.String()
	fracLen := -e10
	if fracLen >= len(digitsStr) {
		digitsStr = strings.Repeat("0", fracLen-len(digitsStr)+1) + digitsStr
	}
	split := len(digitsStr) - fracLen
	whole := digitsStr[:split]
	frac := digitsStr[split:]
	if whole == "" {
		whole = "0"
	}
	out := whole + "." + frac
	if neg {
		out = "-" + out
	}
	return false, 0, out, nil
}

func parseSmallInt(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	neg := false
	if s[0] == '+' {
		s = s[1:]
	} else if s[0] == '-' {
		neg = true
		s = s[1:]
	}
	if s == "" {
		return 0, false
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
		if n > 1_000_000 {
			return 0, false
		}
	}
	if neg {
		n = -n
	}
	return n, true
}

// renderDecimal returns the decimal text held in dec unchanged; it performs
// no validation, so a hand-constructed Value is encoded as given.
func renderDecimal(dec string) string {
	return dec
}
