package recognizer

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pii-anonymizer/internal/entity"
)

func builtinFor(t *testing.T, typ entity.Type) Recognizer {
	t.Helper()
	for _, r := range Builtins() {
		if r.SupportedEntities()[0] == typ {
			return r
		}
	}
	t.Fatalf("no builtin for %s", typ)
	return nil
}

func analyze(t *testing.T, r Recognizer, text string) []entity.Result {
	t.Helper()
	got, err := r.Analyze(context.Background(), text, nil)
	require.NoError(t, err)
	return got
}

func TestBuiltinsOrderAndTypes(t *testing.T) {
	var types []entity.Type
	for _, r := range Builtins() {
		types = append(types, r.SupportedEntities()...)
	}
	assert.Equal(t, []entity.Type{
		entity.EmailAddress, entity.PhoneNumber, entity.CreditCard,
		entity.USSSN, entity.IPAddress, entity.URL,
	}, types)
}

func TestEmailWithContext(t *testing.T) {
	text := "Email: test@example.com"
	got := analyze(t, builtinFor(t, entity.EmailAddress), text)
	require.Len(t, got, 1)
	assert.Equal(t, 7, got[0].Start)
	assert.Equal(t, 23, got[0].End)
	assert.Equal(t, "test@example.com", got[0].Text)
	assert.InDelta(t, 0.95, got[0].Score, 1e-9, "0.90 + 0.1 is capped at 0.95")
}

func TestEmailWithoutContext(t *testing.T) {
	got := analyze(t, builtinFor(t, entity.EmailAddress), "reach bob.smith@corp.io today")
	require.Len(t, got, 1)
	assert.Equal(t, "bob.smith@corp.io", got[0].Text)
	assert.InDelta(t, 0.90, got[0].Score, 1e-9)
}

func TestPhoneFormats(t *testing.T) {
	r := builtinFor(t, entity.PhoneNumber)

	got := analyze(t, r, "ring (555) 123-4567 now")
	require.Len(t, got, 1)
	assert.Equal(t, "(555) 123-4567", got[0].Text)
	assert.InDelta(t, 0.85, got[0].Score, 1e-9)

	got = analyze(t, r, "office +44 20 7946 0958")
	require.NotEmpty(t, got)
	assert.Equal(t, "+44 20 7946 0958", got[0].Text)

	got = analyze(t, r, "phone: 555.123.4567")
	require.Len(t, got, 1)
	assert.InDelta(t, 0.95, got[0].Score, 1e-9)
}

func TestCreditCardLuhn(t *testing.T) {
	r := builtinFor(t, entity.CreditCard)

	got := analyze(t, r, "paid with 4532015112830366 yesterday")
	require.Len(t, got, 1)
	assert.Equal(t, "4532015112830366", got[0].Text)
	assert.InDelta(t, 0.80, got[0].Score, 1e-9)

	got = analyze(t, r, "card 4532 0151 1283 0366")
	require.Len(t, got, 1)
	assert.Equal(t, "4532 0151 1283 0366", got[0].Text)
	assert.InDelta(t, 0.90, got[0].Score, 1e-9)

	assert.Empty(t, analyze(t, r, "order 1234567890123456"))
}

func TestLuhn(t *testing.T) {
	assert.True(t, Luhn("4532015112830366"))
	assert.True(t, Luhn("4532-0151-1283-0366"))
	assert.False(t, Luhn("1234567890123456"))
	assert.False(t, Luhn("0"))
	assert.False(t, Luhn(""))
}

func TestSSN(t *testing.T) {
	r := builtinFor(t, entity.USSSN)
	got := analyze(t, r, "id 123-45-6789")
	require.Len(t, got, 1)
	assert.InDelta(t, 0.90, got[0].Score, 1e-9)

	got = analyze(t, r, "SSN 123 45 6789")
	require.Len(t, got, 1)
	assert.InDelta(t, 0.95, got[0].Score, 1e-9)

	assert.Empty(t, analyze(t, r, "000-12-3456 666-12-3456 923-45-6789 123-00-6789 123-45-0000"))
	assert.Empty(t, analyze(t, r, "123456789"), "undelimited digits are not matched")
}

func TestIPAddress(t *testing.T) {
	r := builtinFor(t, entity.IPAddress)
	got := analyze(t, r, "from 192.168.1.10 and 2001:0db8:85a3:0000:0000:8a2e:0370:7334")
	require.Len(t, got, 2)
	assert.Equal(t, "192.168.1.10", got[0].Text)
	assert.Equal(t, "2001:0db8:85a3:0000:0000:8a2e:0370:7334", got[1].Text)

	assert.Empty(t, analyze(t, r, "version 999.1.1.1"))
}

func TestURL(t *testing.T) {
	r := builtinFor(t, entity.URL)
	got := analyze(t, r, "see https://example.com/a?b=c. Or www.example.org!")
	require.Len(t, got, 2)
	assert.Equal(t, "https://example.com/a?b=c", got[0].Text)
	assert.Equal(t, "www.example.org", got[1].Text)

	assert.Empty(t, analyze(t, r, "mail test@example.com"), "emails are not URLs")
}

func TestBoostScore(t *testing.T) {
	words := []string{"phone"}
	assert.InDelta(t, 0.6, BoostScore("phone: 123", 7, 10, 0.5, words), 1e-9)
	assert.InDelta(t, 0.95, BoostScore("PHONE: 123", 7, 10, 0.9, words), 1e-9)

	far := "phone" + strings.Repeat(" ", 60) + "123"
	assert.InDelta(t, 0.5, BoostScore(far, 65, 68, 0.5, words), 1e-9)

	after := "123" + strings.Repeat(" ", 45) + "phone"
	assert.InDelta(t, 0.6, BoostScore(after, 0, 3, 0.5, words), 1e-9, "window extends past the end")

	assert.InDelta(t, 0.5, BoostScore("phone 1", 6, 7, 0.5, nil), 1e-9)
}

func TestBoostScoreIgnoresMatchedText(t *testing.T) {
	assert.InDelta(t, 0.5, BoostScore("x telephone y", 2, 11, 0.5, []string{"phone"}), 1e-9)

	cases := []struct {
		typ  entity.Type
		text string
		want float64
	}{
		{entity.EmailAddress, "reach bob@gmail.com today", 0.90},
		{entity.EmailAddress, "reach bob@hotmail.com today", 0.90},
		{entity.EmailAddress, "mail bob@gmail.com today", 0.95},
		{entity.URL, "see https://mysite.com/link now", 0.90},
		{entity.URL, "site: https://example.com/x", 0.95},
		{entity.PhoneNumber, "ring 555.123.4567, tel. desk", 0.95},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			got := analyze(t, builtinFor(t, tc.typ), tc.text)
			require.Len(t, got, 1)
			assert.InDelta(t, tc.want, got[0].Score, 1e-9)
		})
	}
}

func TestPatternRecognizerRespectsFilter(t *testing.T) {
	r := builtinFor(t, entity.EmailAddress)
	got, err := r.Analyze(context.Background(), "a@b.co", []entity.Type{entity.Person})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = r.Analyze(context.Background(), "a@bc.co", []entity.Type{entity.EmailAddress})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestPatternRecognizerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := builtinFor(t, entity.EmailAddress).Analyze(ctx, "a@bc.co", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewPatternRecognizerValidation(t *testing.T) {
	_, err := NewPatternRecognizer("x", entity.Type{}, []Pattern{{Name: "p"}}, nil, nil)
	assert.Error(t, err)
	_, err = NewPatternRecognizer("x", entity.Person, nil, nil, nil)
	assert.Error(t, err)
	_, err = NewPatternRecognizer("x", entity.Person, []Pattern{{Name: "p"}}, nil, nil)
	assert.Error(t, err, "nil regex")
}
