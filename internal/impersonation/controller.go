// Package impersonation makes Dataverse Web API calls issued by a browser page
// run as another user, by adding the caller header to every matching request.
package impersonation

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/shamak1/azure-mfa-auth/internal/browser"
)

const (
	// HeaderCallerObjectID selects the user by Microsoft Entra object id.
	HeaderCallerObjectID = "CallerObjectId"
	// HeaderCallerID selects the user by Dataverse systemuserid.
	HeaderCallerID = "MSCRMCallerID"

	// DefaultAPIPattern matches the Dataverse Web API.
	DefaultAPIPattern = "**/api/data/**"
)

// Router registers request handlers on a page. *browser.Page satisfies it.
type Router interface {
	Route(ctx context.Context, pattern string, handler browser.RouteHandler) error
	Unroute(ctx context.Context, pattern string) error
}

var _ Router = (*browser.Page)(nil)

// ValidationError reports a blank user identifier.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("impersonation: %s must not be empty", e.Field)
}

// Controller owns the impersonation header of one page. At most one user is
// impersonated at a time; the latest call wins.
//
// A single route is kept on the API pattern while impersonation is active. It
// reads the current header on every request, so switching users does not
// touch the page.
type Controller struct {
	router  Router
	pattern string
	logger  *zap.Logger

	// opMu serializes the mutators. installed is guarded by it.
	opMu      sync.Mutex
	installed bool

	// mu guards headers, which the route handler reads from the browser
	// event goroutine. The map is replaced, never modified in place.
	mu      sync.RWMutex
	headers map[string]string
}

// NewController returns an inactive Controller routing requests that match
// pattern, or DefaultAPIPattern when pattern is empty.
func NewController(router Router, pattern string, logger *zap.Logger) *Controller {
	if pattern == "" {
		pattern = DefaultAPIPattern
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		router:  router,
		pattern: pattern,
		logger:  logger.Named("impersonation").With(zap.String("pattern", pattern)),
	}
}

// ImpersonateByDirectoryObjectID impersonates the user with the given
// Microsoft Entra object id.
func (c *Controller) ImpersonateByDirectoryObjectID(ctx context.Context, objectID string) error {
	return c.impersonate(ctx, HeaderCallerObjectID, "directory object id", objectID)
}

// ImpersonateByUserID impersonates the user with the given Dataverse
// systemuserid.
func (c *Controller) ImpersonateByUserID(ctx context.Context, userID string) error {
	return c.impersonate(ctx, HeaderCallerID, "user id", userID)
}

func (c *Controller) impersonate(ctx context.Context, header, field, id string) error {
	if strings.TrimSpace(id) == "" {
		return &ValidationError{Field: field}
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	prev := c.swap(map[string]string{header: id})
	if !c.installed {
		if err := c.router.Route(ctx, c.pattern, c.handle); err != nil {
			c.swap(prev)
			return fmt.Errorf("impersonation: installing route: %w", err)
		}
		c.installed = true
	}

	c.logger.Info("Impersonating user", zap.String("header", header), zap.String("id", id))
	return nil
}

// StopImpersonation clears the header and removes the route. It is safe to
// call when nothing is active.
func (c *Controller) StopImpersonation(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.swap(nil)
	if err := c.router.Unroute(ctx, c.pattern); err != nil {
		// The route stays, but with an empty header it leaves requests alone.
		return fmt.Errorf("impersonation: removing route: %w", err)
	}
	c.installed = false

	c.logger.Info("Impersonation stopped")
	return nil
}

// IsActive reports whether a user is being impersonated.
func (c *Controller) IsActive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.headers) > 0
}

// Headers returns a copy of the headers added to matching requests.
func (c *Controller) Headers() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.headers))
	for k, v := range c.headers {
		out[k] = v
	}
	return out
}

func (c *Controller) swap(next map[string]string) (prev map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, c.headers = c.headers, next
	return prev
}

// handle is the route handler. It returns nil, leaving the request untouched,
// when nothing is impersonated.
func (c *Controller) handle(req browser.Request) map[string]string {
	c.mu.RLock()
	extra := c.headers
	c.mu.RUnlock()
	if len(extra) == 0 {
		return nil
	}
	return mergeHeaders(req.Headers, extra)
}

// mergeHeaders overlays extra on original. Header names compare
// case-insensitively and extra wins a collision.
func mergeHeaders(original, extra map[string]string) map[string]string {
	out := make(map[string]string, len(original)+len(extra))
	for k, v := range original {
		if !containsFold(extra, k) {
			out[k] = v
		}
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func containsFold(m map[string]string, key string) bool {
	for k := range m {
		if strings.EqualFold(k, key) {
			return true
		}
	}
	return false
}
