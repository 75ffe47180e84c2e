// Package stealth makes a headless Chrome look like a regular desktop browser
// to the identity provider, which otherwise may serve a degraded sign-in page.
package stealth

import (
	"context"
	"strings"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Persona describes how the browser presents itself.
type Persona struct {
	// UserAgent overrides the reported user agent. When empty, the browser's own
	// user agent is used with the headless marker removed.
	UserAgent string
	Locale    string
	Width     int
	Height    int
}

// DefaultPersona is a plain desktop profile.
var DefaultPersona = Persona{
	Locale: "en-US",
	Width:  1280,
	Height: 720,
}

// webdriverShim hides the automation flag some login pages check for.
const webdriverShim = `Object.defineProperty(Object.getPrototypeOf(navigator), 'webdriver', {get: () => undefined, configurable: true});`

// Apply returns an action that installs the persona on the current tab. It
// must run through chromedp.Run so it has a target executor.
func Apply(persona Persona, logger *zap.Logger) chromedp.Action {
	if logger == nil {
		logger = zap.NewNop()
	}
	return chromedp.ActionFunc(func(ctx context.Context) error {
		ua := persona.UserAgent
		if ua == "" {
			_, _, _, browserUA, _, err := browser.GetVersion().Do(ctx)
			if err != nil {
				return err
			}
			ua = NormalizeUserAgent(browserUA)
		}

		override := emulation.SetUserAgentOverride(ua)
		if persona.Locale != "" {
			override = override.WithAcceptLanguage(persona.Locale)
		}
		if err := override.Do(ctx); err != nil {
			return err
		}

		if persona.Locale != "" {
			if err := emulation.SetLocaleOverride().WithLocale(persona.Locale).Do(ctx); err != nil {
				// Only one locale override is allowed per target; a second Apply is harmless.
				logger.Debug("Locale override not applied", zap.Error(err))
			}
		}

		if persona.Width > 0 && persona.Height > 0 {
			if err := emulation.SetDeviceMetricsOverride(int64(persona.Width), int64(persona.Height), 1, false).Do(ctx); err != nil {
				return err
			}
		}

		if _, err := page.AddScriptToEvaluateOnNewDocument(webdriverShim).Do(ctx); err != nil {
			return err
		}

		logger.Debug("Persona applied", zap.String("user_agent", ua), zap.String("locale", persona.Locale))
		return nil
	})
}

// NormalizeUserAgent removes the HeadlessChrome product token.
func NormalizeUserAgent(ua string) string {
	return strings.ReplaceAll(ua, "HeadlessChrome", "Chrome")
}
