// Package tokens converts abbreviated token counts ("1.2M") into exact integers.
package tokens

import (
	"math/big"
	"regexp"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var amountPattern = regexp.MustCompile(`(?i)^(\d+)(?:\.(\d+))?\s*([KMB]?)$`)

var multipliers = map[string]int64{
	"":  1,
	"K": 1_000,
	"M": 1_000_000,
	"B": 1_000_000_000,
}

var displayPrinter = message.NewPrinter(language.English)

// Amount is a parsed token count. When the source text did not match the
// abbreviation pattern the raw text is kept verbatim and Valid reports false.
type Amount struct {
	raw   string
	value *big.Int
}

// Parse converts strings such as "2.5M", "900K", "1B" or "42" into an exact
// integer amount, rounding half-up like the listing pages do. Unrecognized
// input is preserved unchanged.
func Parse(raw string) Amount {
	match := amountPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if match == nil {
		return Amount{raw: raw}
	}
	whole, frac, unit := match[1], match[2], strings.ToUpper(match[3])

	digits, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return Amount{raw: raw}
	}
	digits.Mul(digits, big.NewInt(multipliers[unit]))

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(len(frac))), nil)
	quo, rem := new(big.Int).QuoRem(digits, scale, new(big.Int))
	if rem.Lsh(rem, 1).Cmp(scale) >= 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return Amount{raw: raw, value: quo}
}

// FromText reads an amount previously produced by Text or Display. Grouping
// commas are ignored; anything else non-numeric yields an invalid Amount.
func FromText(text string) Amount {
	clean := strings.ReplaceAll(strings.TrimSpace(text), ",", "")
	if clean == "" {
		return Amount{raw: text}
	}
	for _, r := range clean {
		if r < '0' || r > '9' {
			return Amount{raw: text}
		}
	}
	v, ok := new(big.Int).SetString(clean, 10)
	if !ok {
		return Amount{raw: text}
	}
	return Amount{raw: text, value: v}
}

// FromInt64 wraps an already exact count.
func FromInt64(n int64) Amount {
	v := big.NewInt(n)
	return Amount{raw: v.String(), value: v}
}

// Valid reports whether the raw text was recognized.
func (a Amount) Valid() bool {
	return a.value != nil
}

// Raw returns the text the amount was parsed from.
func (a Amount) Raw() string {
	return a.raw
}

// Value returns a copy of the exact integer, or nil when invalid.
func (a Amount) Value() *big.Int {
	if a.value == nil {
		return nil
	}
	return new(big.Int).Set(a.value)
}

// Int64 returns the value when it is valid and fits in an int64.
func (a Amount) Int64() (int64, bool) {
	if a.value == nil || !a.value.IsInt64() {
		return 0, false
	}
	return a.value.Int64(), true
}

// Text is the storage form: plain decimal digits, or the raw input.
func (a Amount) Text() string {
	if a.value == nil {
		return a.raw
	}
	return a.value.String()
}

// Display renders the amount with grouping separators ("1,200,000").
func (a Amount) Display() string {
	if a.value == nil {
		return a.raw
	}
	if n, ok := a.Int64(); ok {
		return displayPrinter.Sprintf("%d", n)
	}
	return groupDigits(a.value.String())
}

// groupDigits inserts a comma every three digits, keeping any leading sign.
func groupDigits(s string) string {
	sign := ""
	if s != "" && (s[0] == '-' || s[0] == '+') {
		sign, s = s[:1], s[1:]
	}
	if len(s) <= 3 {
		return sign + s
	}
	var b strings.Builder
	b.Grow(len(sign) + len(s) + len(s)/3)
	b.WriteString(sign)
	head := len(s) % 3
	if head == 0 {
		head = 3
	}
	b.WriteString(s[:head])
	for i := head; i < len(s); i += 3 {
		b.WriteByte(',')
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// String implements fmt.Stringer using the display form.
func (a Amount) String() string {
	return a.Display()
}

// MarshalText stores the exact digits so JSON output round-trips without float loss.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.Text()), nil
}

// UnmarshalText accepts either stored digits or an abbreviated amount.
func (a *Amount) UnmarshalText(b []byte) error {
	parsed := FromText(string(b))
	if !parsed.Valid() {
		parsed = Parse(string(b))
	}
	*a = parsed
	return nil
}
