// Package auth drives the Microsoft sign-in form in a browser page, including
// the optional authenticator-app passcode challenge.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shamak1/azure-mfa-auth/internal/config"
	"github.com/shamak1/azure-mfa-auth/internal/totp"
)

const (
	DefaultElementTimeout      = 30 * time.Second
	DefaultMFATimeout          = 10 * time.Second
	DefaultSettleDelay         = 3 * time.Second
	DefaultStaySignedInTimeout = 5 * time.Second
)

// Page is the subset of a browser tab the sign-in flow needs.
// *browser.Page satisfies it.
type Page interface {
	Navigate(ctx context.Context, url string) error
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	Sleep(ctx context.Context, d time.Duration) error
}

// MFAOutcome records what happened in the passcode branch.
type MFAOutcome int

const (
	// MFANotAttempted means no OTP secret was supplied.
	MFANotAttempted MFAOutcome = iota
	// MFANotRequired means the alternate sign-in control never appeared.
	MFANotRequired
	// MFACompleted means a passcode was generated and submitted.
	MFACompleted
	// MFAFailed means the challenge appeared but a later step failed.
	MFAFailed
)

func (o MFAOutcome) String() string {
	switch o {
	case MFANotAttempted:
		return "not_attempted"
	case MFANotRequired:
		return "not_required"
	case MFACompleted:
		return "completed"
	case MFAFailed:
		return "failed"
	default:
		return fmt.Sprintf("MFAOutcome(%d)", int(o))
	}
}

// Result describes a sign-in run that did not fail outright.
type Result struct {
	MFA MFAOutcome
	// MFAError is the cause when MFA is MFAFailed.
	MFAError error
	// StaySignedIn reports whether the "stay signed in" prompt was accepted.
	StaySignedIn bool
}

// Options tune an Authenticator. Zero values, including individual empty
// selectors, fall back to the defaults.
type Options struct {
	Selectors           Selectors
	ElementTimeout      time.Duration
	MFATimeout          time.Duration
	SettleDelay         time.Duration
	StaySignedInTimeout time.Duration
	Generator           *totp.Generator
	Logger              *zap.Logger
}

// Authenticator signs a page in. It keeps no state between runs and may be
// reused for any number of pages, one run at a time per page.
type Authenticator struct {
	selectors           Selectors
	elementTimeout      time.Duration
	mfaTimeout          time.Duration
	settleDelay         time.Duration
	staySignedInTimeout time.Duration
	gen                 *totp.Generator
	logger              *zap.Logger
}

// NewAuthenticator builds an Authenticator from opts.
func NewAuthenticator(opts Options) *Authenticator {
	a := &Authenticator{
		selectors:           opts.Selectors.withDefaults(),
		elementTimeout:      orDefault(opts.ElementTimeout, DefaultElementTimeout),
		mfaTimeout:          orDefault(opts.MFATimeout, DefaultMFATimeout),
		settleDelay:         opts.SettleDelay,
		staySignedInTimeout: orDefault(opts.StaySignedInTimeout, DefaultStaySignedInTimeout),
		gen:                 opts.Generator,
		logger:              opts.Logger,
	}
	if a.settleDelay < 0 {
		a.settleDelay = 0
	}
	if a.gen == nil {
		a.gen = totp.NewGenerator(totp.DefaultIssuer)
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	a.logger = a.logger.Named("auth")
	return a
}

// FromConfig builds an Authenticator from the auth section of the config.
func FromConfig(cfg config.AuthConfig, logger *zap.Logger) *Authenticator {
	return NewAuthenticator(Options{
		Selectors:           SelectorsFromConfig(cfg.Selectors),
		ElementTimeout:      cfg.ElementTimeout,
		MFATimeout:          cfg.MFATimeout,
		SettleDelay:         cfg.SettleDelay,
		StaySignedInTimeout: cfg.StaySignedInTimeout,
		Generator:           totp.NewGenerator(cfg.Issuer),
		Logger:              logger,
	})
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Authenticate navigates page to creds.TargetURL and completes the sign-in
// form. It returns a *ValidationError before touching the page when a required
// credential is blank, and a *TimeoutError when the email or password input
// never shows up. Problems inside the passcode branch never fail the run; they
// are reported through Result.MFA.
func (a *Authenticator) Authenticate(ctx context.Context, page Page, creds Credentials) (Result, error) {
	if err := creds.Validate(); err != nil {
		return Result{}, err
	}
	log := a.logger.With(zap.Object("credentials", creds))
	log.Info("Starting sign-in")

	if err := page.Navigate(ctx, creds.TargetURL); err != nil {
		return Result{}, stepError("navigate", "", 0, err)
	}

	if err := a.fillAndSubmit(ctx, page, "email", a.selectors.Email, creds.Username, a.selectors.Next); err != nil {
		return Result{}, err
	}
	if err := a.fillAndSubmit(ctx, page, "password", a.selectors.Password, creds.Password, a.selectors.Submit); err != nil {
		return Result{}, err
	}

	res := Result{MFA: MFANotAttempted}
	if creds.HasOTPSecret() {
		res.MFA, res.MFAError = a.completeMFA(ctx, page, creds)
		if res.MFA == MFAFailed {
			log.Warn("MFA challenge could not be completed, continuing", zap.Error(res.MFAError))
		} else {
			log.Debug("MFA branch finished", zap.Stringer("outcome", res.MFA))
		}
	}

	if err := page.Sleep(ctx, a.settleDelay); err != nil {
		return res, fmt.Errorf("auth: settling after sign-in: %w", err)
	}
	res.StaySignedIn = a.acceptStaySignedIn(ctx, page)

	log.Info("Sign-in finished",
		zap.Stringer("mfa", res.MFA),
		zap.Bool("stay_signed_in", res.StaySignedIn),
	)
	return res, nil
}

// fillAndSubmit waits for a required input, types value into it and presses
// the submit control. Each action gets its own element timeout.
func (a *Authenticator) fillAndSubmit(ctx context.Context, page Page, step, inputSel, value, submitSel string) error {
	d := a.elementTimeout
	if err := page.WaitVisible(ctx, inputSel, d); err != nil {
		return stepError(step, inputSel, d, err)
	}
	if err := fill(ctx, page, inputSel, value, d); err != nil {
		return stepError(step, inputSel, d, err)
	}
	if err := click(ctx, page, submitSel, d); err != nil {
		return stepError(step, submitSel, d, err)
	}
	return nil
}

// completeMFA runs the passcode branch. It never returns a hard error: the
// provider only prompts when the device is not trusted yet. Every step is
// bounded by the MFA timeout.
func (a *Authenticator) completeMFA(ctx context.Context, page Page, creds Credentials) (MFAOutcome, error) {
	sel := a.selectors
	d := a.mfaTimeout
	if err := page.WaitVisible(ctx, sel.OtherWay, d); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return MFANotRequired, nil
		}
		return MFAFailed, stepError("mfa", sel.OtherWay, d, err)
	}

	if err := click(ctx, page, sel.OtherWay, d); err != nil {
		return MFAFailed, stepError("mfa", sel.OtherWay, d, err)
	}
	if err := page.WaitVisible(ctx, sel.OTPOption, d); err != nil {
		return MFAFailed, stepError("mfa", sel.OTPOption, d, err)
	}
	if err := click(ctx, page, sel.OTPOption, d); err != nil {
		return MFAFailed, stepError("mfa", sel.OTPOption, d, err)
	}

	// Generated after the option is chosen so the code is as fresh as possible.
	code, err := a.gen.Code(creds.Username, creds.OTPSecret)
	if err != nil {
		return MFAFailed, fmt.Errorf("auth: mfa: %w", err)
	}

	if err := page.WaitVisible(ctx, sel.OTPInput, d); err != nil {
		return MFAFailed, stepError("mfa", sel.OTPInput, d, err)
	}
	if err := fill(ctx, page, sel.OTPInput, code, d); err != nil {
		return MFAFailed, stepError("mfa", sel.OTPInput, d, err)
	}
	if err := click(ctx, page, sel.OTPSubmit, d); err != nil {
		return MFAFailed, stepError("mfa", sel.OTPSubmit, d, err)
	}
	return MFACompleted, nil
}

// click and fill bound a page action: chromedp keeps polling for a visible
// node until its context ends.
func click(ctx context.Context, page Page, selector string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return page.Click(ctx, selector)
}

func fill(ctx context.Context, page Page, selector, value string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return page.Fill(ctx, selector, value)
}

func (a *Authenticator) acceptStaySignedIn(ctx context.Context, page Page) bool {
	sel := a.selectors.StaySignedInOK
	if err := page.WaitVisible(ctx, sel, a.staySignedInTimeout); err != nil {
		a.logger.Debug("No stay-signed-in prompt", zap.Error(err))
		return false
	}
	if err := click(ctx, page, sel, a.staySignedInTimeout); err != nil {
		a.logger.Warn("Failed to accept stay-signed-in prompt", zap.Error(err))
		return false
	}
	return true
}

// stepError turns a deadline under a known bound into a *TimeoutError and
// wraps everything else with the step name. A zero timeout means the deadline
// came from the caller's or the page's own context.
func stepError(step, selector string, timeout time.Duration, err error) error {
	if timeout > 0 && errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Step: step, Selector: selector, Timeout: timeout, Err: err}
	}
	if selector == "" {
		return fmt.Errorf("auth: %s: %w", step, err)
	}
	return fmt.Errorf("auth: %s %q: %w", step, selector, err)
}
