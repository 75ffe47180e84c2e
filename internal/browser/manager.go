package browser

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shamak1/azure-mfa-auth/internal/browser/stealth"
	"github.com/shamak1/azure-mfa-auth/internal/config"
)

// Manager manages the lifecycle of the Chrome process and the pages opened in it.
type Manager struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	// The allocator context owns the browser executable.
	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc

	pages map[string]*Page
	mu    sync.Mutex
}

var _ PageLifecycleObserver = (*Manager)(nil)

// NewManager creates the browser allocator. Chrome itself starts lazily with
// the first page.
func NewManager(ctx context.Context, logger *zap.Logger, cfg config.BrowserConfig) (*Manager, error) {
	m := &Manager{
		logger: logger.Named("browser_manager"),
		cfg:    cfg,
		pages:  make(map[string]*Page),
	}

	opts, err := m.generateAllocatorOptions()
	if err != nil {
		return nil, err
	}
	m.allocatorCtx, m.allocatorCancel = chromedp.NewExecAllocator(ctx, opts...)

	m.logger.Info("Browser manager initialized",
		zap.Bool("headless", cfg.Headless),
		zap.String("proxy", cfg.Proxy),
	)
	return m, nil
}

// generateAllocatorOptions configures the flags for the browser executable.
func (m *Manager) generateAllocatorOptions() ([]chromedp.ExecAllocatorOption, error) {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	if !m.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	opts = append(opts,
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-default-apps", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-gpu", m.cfg.Headless),
		chromedp.Flag("ignore-certificate-errors", m.cfg.IgnoreTLSErrors),
	)

	if m.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(m.cfg.ExecPath))
	}
	if m.cfg.Viewport.Width > 0 && m.cfg.Viewport.Height > 0 {
		opts = append(opts, chromedp.WindowSize(m.cfg.Viewport.Width, m.cfg.Viewport.Height))
	}
	if m.cfg.Proxy != "" {
		if _, err := url.Parse(m.cfg.Proxy); err != nil {
			return nil, fmt.Errorf("invalid browser proxy %q: %w", m.cfg.Proxy, err)
		}
		opts = append(opts, chromedp.ProxyServer(m.cfg.Proxy))
	}
	for _, arg := range m.cfg.Args {
		opts = append(opts, chromedp.Flag(arg, true))
	}
	return opts, nil
}

// NewPage opens a new tab with the configured persona applied. The page is
// closed when ctx is cancelled or Close is called, whichever comes first.
func (m *Manager) NewPage(ctx context.Context) (*Page, error) {
	cdpLog := newCDPLogAdapter(m.logger)
	contextOpts := []chromedp.ContextOption{
		chromedp.WithLogf(cdpLog.Logf),
		chromedp.WithErrorf(cdpLog.Errorf),
	}
	if m.cfg.Debug {
		// Every protocol message; very verbose.
		contextOpts = append(contextOpts, chromedp.WithDebugf(cdpLog.Debugf))
	}
	tabCtx, cancel := chromedp.NewContext(m.allocatorCtx, contextOpts...)

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-tabCtx.Done():
		}
	}()

	if err := chromedp.Run(tabCtx, chromedp.Navigate("about:blank")); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize new browser tab: %w", err)
	}

	persona := stealth.DefaultPersona
	persona.UserAgent = m.cfg.UserAgent
	if m.cfg.Locale != "" {
		persona.Locale = m.cfg.Locale
	}
	if m.cfg.Viewport.Width > 0 && m.cfg.Viewport.Height > 0 {
		persona.Width, persona.Height = m.cfg.Viewport.Width, m.cfg.Viewport.Height
	}
	if err := chromedp.Run(tabCtx, stealth.Apply(persona, m.logger)); err != nil {
		// The sign-in page usually works without it.
		m.logger.Warn("Failed to apply browser persona", zap.Error(err))
	}

	id := uuid.New().String()
	p := newPage(tabCtx, cancel, m.logger, id, m.cfg.NavigationTimeout, m)

	m.mu.Lock()
	m.pages[id] = p
	m.mu.Unlock()

	return p, nil
}

func (m *Manager) unregisterPage(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pages, id)
}

// Shutdown closes every open page and then the browser process.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Shutting down browser manager...")

	m.mu.Lock()
	pages := make([]*Page, 0, len(m.pages))
	for _, p := range m.pages {
		pages = append(pages, p)
	}
	m.pages = make(map[string]*Page)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range pages {
		wg.Add(1)
		go func(p *Page) {
			defer wg.Done()
			closeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := p.Close(closeCtx); err != nil {
				m.logger.Warn("Error closing page during shutdown", zap.String("page_id", p.ID()), zap.Error(err))
			}
		}(p)
	}
	wg.Wait()

	if m.allocatorCancel != nil {
		m.allocatorCancel()
	}

	m.logger.Info("Browser manager shutdown complete.")
	return nil
}
