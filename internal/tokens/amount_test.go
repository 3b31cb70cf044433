package tokens

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw     string
		text    string
		display string
		valid   bool
	}{
		{raw: "2.5M", text: "2500000", display: "2,500,000", valid: true},
		{raw: "900K", text: "900000", display: "900,000", valid: true},
		{raw: "1B", text: "1000000000", display: "1,000,000,000", valid: true},
		{raw: "42", text: "42", display: "42", valid: true},
		{raw: "1.2m", text: "1200000", display: "1,200,000", valid: true},
		{raw: "800 k", text: "800000", display: "800,000", valid: true},
		{raw: "1.0005K", text: "1001", display: "1,001", valid: true},
		{raw: "1.0004K", text: "1000", display: "1,000", valid: true},
		{raw: "123.456789123B", text: "123456789123", display: "123,456,789,123", valid: true},
		{raw: "not-a-number", text: "not-a-number", display: "not-a-number", valid: false},
		{raw: "1.2T", text: "1.2T", display: "1.2T", valid: false},
		{raw: "", text: "", display: "", valid: false},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			t.Parallel()
			got := Parse(tc.raw)
			assert.Equal(t, tc.valid, got.Valid())
			assert.Equal(t, tc.text, got.Text())
			assert.Equal(t, tc.display, got.Display())
			assert.Equal(t, tc.raw, got.Raw())
		})
	}
}

func TestParseLargeValueStaysExact(t *testing.T) {
	t.Parallel()

	got := Parse("98765432109876.123456789B")
	require.True(t, got.Valid())
	require.Equal(t, "98765432109876123456789", got.Text())
	_, fits := got.Int64()
	require.False(t, fits)
	require.Equal(t, "98,765,432,109,876,123,456,789", got.Display())
}

func TestGroupDigits(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":                     "",
		"7":                    "7",
		"999":                  "999",
		"1000":                 "1,000",
		"-123456":              "-123,456",
		"12345678901234567890": "12,345,678,901,234,567,890",
	}
	for in, want := range cases {
		assert.Equal(t, want, groupDigits(in), in)
	}
}

func TestFromText(t *testing.T) {
	t.Parallel()

	n, ok := FromText("1,200,000").Int64()
	require.True(t, ok)
	require.Equal(t, int64(1200000), n)

	n, ok = FromText("800000").Int64()
	require.True(t, ok)
	require.Equal(t, int64(800000), n)

	require.False(t, FromText("12K").Valid())
	require.False(t, FromText("").Valid())
}

func TestAmountJSON(t *testing.T) {
	t.Parallel()

	payload, err := json.Marshal(struct {
		Tokens Amount `json:"tokens"`
	}{Tokens: Parse("1.5K")})
	require.NoError(t, err)
	require.JSONEq(t, `{"tokens":"1500"}`, string(payload))

	var decoded struct {
		Tokens Amount `json:"tokens"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"tokens":"3M"}`), &decoded))
	require.Equal(t, "3000000", decoded.Tokens.Text())
}
