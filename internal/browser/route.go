package browser

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/chromedp"
	"github.com/gobwas/glob"
	"go.uber.org/zap"
)

// Request is the view of an intercepted outgoing request handed to a RouteHandler.
type Request struct {
	URL     string
	Method  string
	Headers map[string]string
}

// RouteHandler decides the headers an intercepted request is sent with.
// Returning nil continues the request unmodified. Handlers run on the
// chromedp event goroutine and must not block.
type RouteHandler func(req Request) map[string]string

type route struct {
	pattern string
	matcher glob.Glob
	handler RouteHandler
}

// CompileURLGlob compiles a URL glob where "*" matches within one path segment
// and "**" matches across segments.
func CompileURLGlob(pattern string) (glob.Glob, error) {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("invalid url glob %q: %w", pattern, err)
	}
	return g, nil
}

// cdpURLPattern converts a URL glob into the Fetch domain's wildcard syntax,
// where "*" already spans slashes. The result may match more than the glob;
// requests are matched again against the compiled glob before a handler runs.
func cdpURLPattern(pattern string) string {
	if strings.ContainsAny(pattern, "{}[]") {
		return "*"
	}
	for strings.Contains(pattern, "**") {
		pattern = strings.ReplaceAll(pattern, "**", "*")
	}
	return pattern
}

// Route registers handler for requests whose URL matches pattern. When several
// routes match, the most recently registered one wins.
func (p *Page) Route(ctx context.Context, pattern string, handler RouteHandler) error {
	matcher, err := CompileURLGlob(pattern)
	if err != nil {
		return err
	}

	r := &route{pattern: pattern, matcher: matcher, handler: handler}
	p.routesMu.Lock()
	p.routes = append(p.routes, r)
	if !p.listening {
		chromedp.ListenTarget(p.ctx, p.handleTargetEvent)
		p.listening = true
	}
	patterns := p.requestPatternsLocked()
	p.routesMu.Unlock()

	if err := p.syncInterception(ctx, patterns); err != nil {
		// Keep the table in step with what the browser intercepts.
		p.removeRoute(r)
		return err
	}
	p.logger.Debug("Route registered", zap.String("pattern", pattern))
	return nil
}

func (p *Page) removeRoute(target *route) {
	p.routesMu.Lock()
	defer p.routesMu.Unlock()
	for i, r := range p.routes {
		if r == target {
			copy(p.routes[i:], p.routes[i+1:])
			p.routes[len(p.routes)-1] = nil
			p.routes = p.routes[:len(p.routes)-1]
			return
		}
	}
}

// Unroute removes every route registered with pattern. Removing a pattern that
// was never registered is not an error.
func (p *Page) Unroute(ctx context.Context, pattern string) error {
	p.routesMu.Lock()
	kept := p.routes[:0]
	removed := 0
	for _, r := range p.routes {
		if r.pattern == pattern {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(p.routes); i++ {
		p.routes[i] = nil
	}
	p.routes = kept
	patterns := p.requestPatternsLocked()
	p.routesMu.Unlock()

	if removed == 0 {
		return nil
	}
	p.logger.Debug("Route removed", zap.String("pattern", pattern), zap.Int("count", removed))
	return p.syncInterception(ctx, patterns)
}

func (p *Page) requestPatternsLocked() []*fetch.RequestPattern {
	seen := make(map[string]bool, len(p.routes))
	patterns := make([]*fetch.RequestPattern, 0, len(p.routes))
	for _, r := range p.routes {
		urlPattern := cdpURLPattern(r.pattern)
		if seen[urlPattern] {
			continue
		}
		seen[urlPattern] = true
		patterns = append(patterns, &fetch.RequestPattern{
			URLPattern:   urlPattern,
			RequestStage: fetch.RequestStageRequest,
		})
	}
	return patterns
}

// syncInterception re-sends the Fetch patterns, or turns interception off when
// no routes are left.
func (p *Page) syncInterception(ctx context.Context, patterns []*fetch.RequestPattern) error {
	var action chromedp.Action
	if len(patterns) == 0 {
		action = fetch.Disable()
	} else {
		action = fetch.Enable().WithPatterns(patterns)
	}
	if err := p.run(ctx, action); err != nil {
		return fmt.Errorf("updating request interception: %w", err)
	}
	return nil
}

func (p *Page) handleTargetEvent(ev interface{}) {
	if paused, ok := ev.(*fetch.EventRequestPaused); ok {
		// The listener must not block; continuing is a round trip to the browser.
		go p.continueRequest(paused)
	}
}

func (p *Page) matchRoute(url string) RouteHandler {
	p.routesMu.RLock()
	defer p.routesMu.RUnlock()
	for i := len(p.routes) - 1; i >= 0; i-- {
		if p.routes[i].matcher.Match(url) {
			return p.routes[i].handler
		}
	}
	return nil
}

func (p *Page) continueRequest(ev *fetch.EventRequestPaused) {
	url := ev.Request.URL + ev.Request.URLFragment
	action := fetch.ContinueRequest(ev.RequestID)

	if handler := p.matchRoute(url); handler != nil {
		req := Request{
			URL:     url,
			Method:  ev.Request.Method,
			Headers: flattenHeaders(ev.Request.Headers),
		}
		if headers := handler(req); headers != nil {
			action = action.WithHeaders(headerEntries(headers))
		}
	}

	c := chromedp.FromContext(p.ctx)
	if c == nil || c.Target == nil {
		return
	}
	if err := action.Do(cdp.WithExecutor(p.ctx, c.Target)); err != nil {
		// Expected when the tab closes while a request is paused.
		p.logger.Debug("Failed to continue intercepted request", zap.String("url", url), zap.Error(err))
	}
}

func flattenHeaders(headers map[string]interface{}) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func headerEntries(headers map[string]string) []*fetch.HeaderEntry {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]*fetch.HeaderEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, &fetch.HeaderEntry{Name: name, Value: headers[name]})
	}
	return entries
}
