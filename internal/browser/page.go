package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Page is a single Chrome tab driven over the DevTools protocol. It offers the
// small set of primitives the login flow and the impersonation controller need:
// navigation, bounded visibility waits, form input, and request routing.
//
// A Page is meant to be used by one caller at a time. Route handlers run on the
// chromedp event goroutine, so the route table is guarded separately.
type Page struct {
	id                string
	ctx               context.Context
	cancel            context.CancelFunc
	logger            *zap.Logger
	navigationTimeout time.Duration
	observer          PageLifecycleObserver

	routesMu  sync.RWMutex
	routes    []*route
	listening bool

	closeOnce sync.Once
}

func newPage(ctx context.Context, cancel context.CancelFunc, logger *zap.Logger, id string, navigationTimeout time.Duration, observer PageLifecycleObserver) *Page {
	return &Page{
		id:                id,
		ctx:               ctx,
		cancel:            cancel,
		logger:            logger.Named("page").With(zap.String("page_id", id)),
		navigationTimeout: navigationTimeout,
		observer:          observer,
	}
}

// ID returns the unique identifier of the page.
func (p *Page) ID() string { return p.id }

// Context returns the underlying chromedp context.
func (p *Page) Context() context.Context { return p.ctx }

func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(p.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// Navigate loads targetURL and waits for the load event.
func (p *Page) Navigate(ctx context.Context, targetURL string) error {
	p.logger.Debug("Navigating", zap.String("url", targetURL))
	if p.navigationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.navigationTimeout)
		defer cancel()
	}
	if err := p.run(ctx, chromedp.Navigate(targetURL)); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("navigating to %s: %w", targetURL, ctx.Err())
		}
		return fmt.Errorf("navigating to %s: %w", targetURL, err)
	}
	return nil
}

// WaitVisible blocks until the first element matching selector is visible, or
// until timeout elapses. On expiry the returned error wraps
// context.DeadlineExceeded.
func (p *Page) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.run(waitCtx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		if waitCtx.Err() != nil {
			return fmt.Errorf("waiting for %q: %w", selector, waitCtx.Err())
		}
		return fmt.Errorf("waiting for %q: %w", selector, err)
	}
	return nil
}

// Fill replaces the value of the input matching selector with value.
func (p *Page) Fill(ctx context.Context, selector, value string) error {
	p.logger.Debug("Filling", zap.String("selector", selector), zap.Int("length", len(value)))
	err := p.run(ctx,
		chromedp.Clear(selector, chromedp.ByQuery, chromedp.NodeVisible),
		chromedp.SendKeys(selector, value, chromedp.ByQuery, chromedp.NodeVisible),
	)
	if err != nil {
		return fmt.Errorf("filling %q: %w", selector, err)
	}
	return nil
}

// Click clicks the first visible element matching selector.
func (p *Page) Click(ctx context.Context, selector string) error {
	p.logger.Debug("Clicking", zap.String("selector", selector))
	if err := p.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("clicking %q: %w", selector, err)
	}
	return nil
}

// Sleep pauses for d, returning early if ctx is cancelled.
func (p *Page) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

// CurrentURL returns the document location of the page.
func (p *Page) CurrentURL(ctx context.Context) (string, error) {
	var loc string
	if err := p.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("reading location: %w", err)
	}
	return loc, nil
}

// Close closes the tab and releases its resources.
func (p *Page) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.logger.Debug("Closing page")
		if p.observer != nil {
			p.observer.unregisterPage(p.id)
		}
		p.cancel()
	})
	return nil
}
