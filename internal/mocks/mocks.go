// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/shamak1/azure-mfa-auth/internal/browser"
)

// -- Page Mock --

// MockPage mocks the browser tab used by the sign-in flow.
type MockPage struct {
	mock.Mock
}

func (m *MockPage) Navigate(ctx context.Context, url string) error {
	return m.Called(ctx, url).Error(0)
}

func (m *MockPage) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	return m.Called(ctx, selector, timeout).Error(0)
}

func (m *MockPage) Fill(ctx context.Context, selector, value string) error {
	return m.Called(ctx, selector, value).Error(0)
}

func (m *MockPage) Click(ctx context.Context, selector string) error {
	return m.Called(ctx, selector).Error(0)
}

// Sleep returns immediately unless ctx is already done.
func (m *MockPage) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return m.Called(ctx, d).Error(0)
}

// -- Router Mock --

// MockRouter mocks route registration on a page. It keeps the most recently
// registered handler per pattern so tests can push synthetic requests
// through it.
type MockRouter struct {
	mock.Mock

	mu       sync.Mutex
	handlers map[string]browser.RouteHandler
}

func (m *MockRouter) Route(ctx context.Context, pattern string, handler browser.RouteHandler) error {
	args := m.Called(ctx, pattern, handler)
	if err := args.Error(0); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handlers == nil {
		m.handlers = make(map[string]browser.RouteHandler)
	}
	m.handlers[pattern] = handler
	return nil
}

func (m *MockRouter) Unroute(ctx context.Context, pattern string) error {
	args := m.Called(ctx, pattern)
	if err := args.Error(0); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, pattern)
	return nil
}

// Dispatch runs req through the handler registered for pattern, the way the
// page does for a matching request. ok is false when no handler is
// registered.
func (m *MockRouter) Dispatch(pattern string, req browser.Request) (headers map[string]string, ok bool) {
	m.mu.Lock()
	h, found := m.handlers[pattern]
	m.mu.Unlock()
	if !found {
		return nil, false
	}
	return h(req), true
}
