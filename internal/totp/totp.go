// Package totp derives the six digit time-based one-time passcodes the
// Microsoft identity provider accepts as a second factor.
package totp

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// DefaultIssuer is the display name the authenticator app shows for the account.
const DefaultIssuer = "Microsoft"

const (
	period    = 30
	digits    = otp.DigitsSix
	algorithm = otp.AlgorithmSHA1
)

// ErrEmptySecret is returned when no shared secret is supplied.
var ErrEmptySecret = errors.New("totp: secret is empty")

// Generator produces TOTP codes. It holds no per-account state; every call
// recomputes the code from the secret and the current time.
type Generator struct {
	Issuer string
	// Now is the clock used by Code. Defaults to time.Now.
	Now func() time.Time
}

// NewGenerator returns a Generator for issuer, using the wall clock.
func NewGenerator(issuer string) *Generator {
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &Generator{Issuer: issuer, Now: time.Now}
}

// Code returns the passcode for the current time window.
func (g *Generator) Code(label, secret string) (string, error) {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	return g.CodeAt(label, secret, now())
}

// CodeAt returns the passcode valid at t.
func (g *Generator) CodeAt(label, secret string, t time.Time) (string, error) {
	key, err := g.Key(label, secret)
	if err != nil {
		return "", err
	}
	code, err := totp.GenerateCodeCustom(key.Secret(), t, totp.ValidateOpts{
		Period:    uint(key.Period()),
		Digits:    key.Digits(),
		Algorithm: key.Algorithm(),
	})
	if err != nil {
		return "", fmt.Errorf("totp: generating code for %q: %w", label, err)
	}
	return code, nil
}

// Key builds the otpauth key the code is derived from. The label becomes the
// account name, exactly as an authenticator app enrolled from a QR code would
// see it.
func (g *Generator) Key(label, secret string) (*otp.Key, error) {
	secret = normalizeSecret(secret)
	if secret == "" {
		return nil, ErrEmptySecret
	}

	issuer := g.Issuer
	if issuer == "" {
		issuer = DefaultIssuer
	}

	params := url.Values{}
	params.Set("secret", secret)
	params.Set("issuer", issuer)
	params.Set("algorithm", algorithm.String())
	params.Set("digits", digits.String())
	params.Set("period", fmt.Sprint(period))

	u := url.URL{
		Scheme:   "otpauth",
		Host:     "totp",
		Path:     "/" + issuer + ":" + label,
		RawQuery: params.Encode(),
	}
	key, err := otp.NewKeyFromURL(u.String())
	if err != nil {
		return nil, fmt.Errorf("totp: building key for %q: %w", label, err)
	}
	return key, nil
}

// normalizeSecret strips the spaces and dashes the enrollment page inserts for
// readability and upper-cases the base32 alphabet.
func normalizeSecret(secret string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '-' {
			return -1
		}
		return unicode.ToUpper(r)
	}, secret)
}
