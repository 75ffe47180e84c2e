package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// StorageState is a snapshot of an authenticated browsing context. The JSON
// layout matches Playwright's storageState file so either tool can replay it.
type StorageState struct {
	Cookies []Cookie      `json:"cookies"`
	Origins []OriginState `json:"origins"`
}

// Cookie is one browser cookie. Expires is in seconds since the epoch, -1 for
// session cookies.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite"`
}

// OriginState holds the localStorage entries of one origin.
type OriginState struct {
	Origin       string      `json:"origin"`
	LocalStorage []NameValue `json:"localStorage"`
}

// NameValue is a single localStorage entry.
type NameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

const captureLocalStorageJS = `(() => {
	const items = [];
	try {
		for (let i = 0; i < localStorage.length; i++) {
			const name = localStorage.key(i);
			items.push({name: name, value: localStorage.getItem(name)});
		}
	} catch (e) {}
	return {origin: location.origin, localStorage: items};
})()`

// StorageState captures every cookie of the browser context plus the
// localStorage of the page's current origin.
func (p *Page) StorageState(ctx context.Context) (*StorageState, error) {
	var (
		cookies []*network.Cookie
		origin  OriginState
	)
	err := p.run(ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = storage.GetCookies().Do(ctx)
			return err
		}),
		chromedp.Evaluate(captureLocalStorageJS, &origin),
	)
	if err != nil {
		return nil, fmt.Errorf("capturing storage state: %w", err)
	}

	state := &StorageState{
		Cookies: make([]Cookie, 0, len(cookies)),
		Origins: []OriginState{},
	}
	for _, c := range cookies {
		expires := c.Expires
		if c.Session {
			expires = -1
		}
		state.Cookies = append(state.Cookies, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: sameSiteOrDefault(c.SameSite),
		})
	}
	if origin.Origin != "" && origin.Origin != "null" && len(origin.LocalStorage) > 0 {
		state.Origins = append(state.Origins, origin)
	}
	return state, nil
}

// SaveStorageState captures the storage state and writes it to path,
// readable only by the current user.
func (p *Page) SaveStorageState(ctx context.Context, path string) (*StorageState, error) {
	state, err := p.StorageState(ctx)
	if err != nil {
		return nil, err
	}
	if err := WriteStorageState(path, state); err != nil {
		return nil, err
	}
	p.logger.Info("Storage state saved",
		zap.String("path", path),
		zap.Int("cookies", len(state.Cookies)),
		zap.Int("origins", len(state.Origins)),
	)
	return state, nil
}

// RestoreStorageState loads cookies into the browser context and arranges for
// localStorage entries to be present before any page script runs.
func (p *Page) RestoreStorageState(ctx context.Context, state *StorageState) error {
	if state == nil {
		return nil
	}

	params := make([]*network.CookieParam, 0, len(state.Cookies))
	for _, c := range state.Cookies {
		param := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.SameSite != "" {
			param.SameSite = network.CookieSameSite(c.SameSite)
		}
		if c.Expires > 0 {
			sec, frac := math.Modf(c.Expires)
			expires := cdp.TimeSinceEpoch(time.Unix(int64(sec), int64(frac*1e9)))
			param.Expires = &expires
		}
		params = append(params, param)
	}

	actions := []chromedp.Action{}
	if len(params) > 0 {
		actions = append(actions, network.SetCookies(params))
	}
	if len(state.Origins) > 0 {
		script, err := restoreLocalStorageJS(state.Origins)
		if err != nil {
			return err
		}
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
			return err
		}))
	}
	if len(actions) == 0 {
		return nil
	}
	if err := p.run(ctx, actions...); err != nil {
		return fmt.Errorf("restoring storage state: %w", err)
	}
	p.logger.Debug("Storage state restored", zap.Int("cookies", len(params)), zap.Int("origins", len(state.Origins)))
	return nil
}

func restoreLocalStorageJS(origins []OriginState) (string, error) {
	data, err := json.Marshal(origins)
	if err != nil {
		return "", fmt.Errorf("encoding local storage: %w", err)
	}
	return `(() => {
	const origins = ` + string(data) + `;
	for (const o of origins) {
		if (o.origin !== location.origin) continue;
		try {
			for (const kv of o.localStorage) localStorage.setItem(kv.name, kv.value);
		} catch (e) {}
	}
})()`, nil
}

func sameSiteOrDefault(s network.CookieSameSite) string {
	if s == "" {
		return string(network.CookieSameSiteLax)
	}
	return string(s)
}

// WriteStorageState writes state to path atomically with mode 0600, creating
// parent directories as needed.
func WriteStorageState(path string, state *StorageState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding storage state: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".storage-state-*")
	if err != nil {
		return fmt.Errorf("creating temporary storage state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing storage state: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("setting storage state permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing storage state: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("moving storage state into place: %w", err)
	}
	return nil
}

// ReadStorageState loads a snapshot written by WriteStorageState or by Playwright.
func ReadStorageState(path string) (*StorageState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading storage state: %w", err)
	}
	var state StorageState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decoding storage state %s: %w", path, err)
	}
	return &state, nil
}
