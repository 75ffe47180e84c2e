package impersonation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/shamak1/azure-mfa-auth/internal/browser"
	"github.com/shamak1/azure-mfa-auth/internal/mocks"
)

var _ Router = (*mocks.MockRouter)(nil)

const apiURL = "https://contoso.crm.dynamics.com/api/data/v9.2/accounts"

func newTestController(t *testing.T) (*Controller, *mocks.MockRouter) {
	t.Helper()
	router := new(mocks.MockRouter)
	router.On("Route", mock.Anything, DefaultAPIPattern, mock.Anything).Return(nil)
	router.On("Unroute", mock.Anything, DefaultAPIPattern).Return(nil)
	return NewController(router, "", nil), router
}

func apiRequest(headers map[string]string) browser.Request {
	return browser.Request{URL: apiURL, Method: "GET", Headers: headers}
}

func TestImpersonateByDirectoryObjectID(t *testing.T) {
	c, router := newTestController(t)
	ctx := context.Background()

	require.NoError(t, c.ImpersonateByDirectoryObjectID(ctx, "abc"))

	assert.True(t, c.IsActive())
	assert.Equal(t, map[string]string{HeaderCallerObjectID: "abc"}, c.Headers())

	got, ok := router.Dispatch(DefaultAPIPattern, apiRequest(map[string]string{
		"Accept":        "application/json",
		"OData-Version": "4.0",
	}))
	require.True(t, ok, "a route must be installed while active")
	assert.Equal(t, map[string]string{
		"Accept":             "application/json",
		"OData-Version":      "4.0",
		HeaderCallerObjectID: "abc",
	}, got)
	router.AssertNumberOfCalls(t, "Route", 1)
}

func TestImpersonateByUserID(t *testing.T) {
	c, router := newTestController(t)

	require.NoError(t, c.ImpersonateByUserID(context.Background(), "00000000-0000-0000-0000-000000000001"))

	assert.Equal(t, map[string]string{HeaderCallerID: "00000000-0000-0000-0000-000000000001"}, c.Headers())
	got, ok := router.Dispatch(DefaultAPIPattern, apiRequest(nil))
	require.True(t, ok)
	assert.Equal(t, map[string]string{HeaderCallerID: "00000000-0000-0000-0000-000000000001"}, got)
}

func TestHeaderSetHoldsAtMostOneKey(t *testing.T) {
	c, router := newTestController(t)
	ctx := context.Background()

	steps := []struct {
		name string
		run  func() error
		want map[string]string
	}{
		{"object id", func() error { return c.ImpersonateByDirectoryObjectID(ctx, "a") }, map[string]string{HeaderCallerObjectID: "a"}},
		{"user id replaces object id", func() error { return c.ImpersonateByUserID(ctx, "b") }, map[string]string{HeaderCallerID: "b"}},
		{"object id replaces user id", func() error { return c.ImpersonateByDirectoryObjectID(ctx, "c") }, map[string]string{HeaderCallerObjectID: "c"}},
		{"same key new value", func() error { return c.ImpersonateByDirectoryObjectID(ctx, "d") }, map[string]string{HeaderCallerObjectID: "d"}},
		{"stop", func() error { return c.StopImpersonation(ctx) }, map[string]string{}},
		{"stop again", func() error { return c.StopImpersonation(ctx) }, map[string]string{}},
		{"restart", func() error { return c.ImpersonateByUserID(ctx, "e") }, map[string]string{HeaderCallerID: "e"}},
	}
	for _, step := range steps {
		require.NoError(t, step.run(), step.name)
		headers := c.Headers()
		assert.LessOrEqual(t, len(headers), 1, step.name)
		assert.Equal(t, step.want, headers, step.name)
		assert.Equal(t, len(step.want) == 1, c.IsActive(), step.name)
	}

	// One install per inactive to active transition.
	router.AssertNumberOfCalls(t, "Route", 2)
	router.AssertNumberOfCalls(t, "Unroute", 2)
}

func TestSwitchingUsersKeepsTheSameRoute(t *testing.T) {
	c, router := newTestController(t)
	ctx := context.Background()

	require.NoError(t, c.ImpersonateByDirectoryObjectID(ctx, "first"))
	require.NoError(t, c.ImpersonateByUserID(ctx, "second"))

	router.AssertNumberOfCalls(t, "Route", 1)
	router.AssertNotCalled(t, "Unroute", mock.Anything, mock.Anything)

	got, ok := router.Dispatch(DefaultAPIPattern, apiRequest(map[string]string{"Accept": "*/*"}))
	require.True(t, ok)
	assert.Equal(t, map[string]string{"Accept": "*/*", HeaderCallerID: "second"}, got,
		"the installed route must pick up the new user without re-registering")
}

func TestStopImpersonation(t *testing.T) {
	c, router := newTestController(t)
	ctx := context.Background()

	require.NoError(t, c.ImpersonateByDirectoryObjectID(ctx, "abc"))
	handler := router.Calls[0].Arguments.Get(2).(browser.RouteHandler)

	require.NoError(t, c.StopImpersonation(ctx))

	assert.False(t, c.IsActive())
	assert.Empty(t, c.Headers())
	_, ok := router.Dispatch(DefaultAPIPattern, apiRequest(nil))
	assert.False(t, ok, "the route must be removed")
	// A request already paused when the route was removed goes out unchanged.
	assert.Nil(t, handler(apiRequest(map[string]string{"Accept": "*/*"})))
}

func TestStopWhenInactiveIsSafe(t *testing.T) {
	c, router := newTestController(t)

	require.NoError(t, c.StopImpersonation(context.Background()))
	assert.False(t, c.IsActive())
	router.AssertNumberOfCalls(t, "Unroute", 1)
	router.AssertNotCalled(t, "Route", mock.Anything, mock.Anything, mock.Anything)
}

func TestBlankIDLeavesStateUnchanged(t *testing.T) {
	c, router := newTestController(t)
	ctx := context.Background()

	require.NoError(t, c.ImpersonateByDirectoryObjectID(ctx, "abc"))

	for _, id := range []string{"", "   ", "\t\n"} {
		var verr *ValidationError
		err := c.ImpersonateByUserID(ctx, id)
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "user id", verr.Field)

		err = c.ImpersonateByDirectoryObjectID(ctx, id)
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "directory object id", verr.Field)
	}

	assert.Equal(t, map[string]string{HeaderCallerObjectID: "abc"}, c.Headers())
	router.AssertNumberOfCalls(t, "Route", 1)
	router.AssertNotCalled(t, "Unroute", mock.Anything, mock.Anything)
}

func TestBlankIDWhenInactiveTouchesNothing(t *testing.T) {
	router := new(mocks.MockRouter)
	c := NewController(router, "", nil)

	var verr *ValidationError
	require.ErrorAs(t, c.ImpersonateByUserID(context.Background(), ""), &verr)
	assert.False(t, c.IsActive())
	router.AssertExpectations(t)
}

func TestRouteFailureRollsBack(t *testing.T) {
	router := new(mocks.MockRouter)
	boom := errors.New("target closed")
	router.On("Route", mock.Anything, DefaultAPIPattern, mock.Anything).Return(boom).Once()
	c := NewController(router, "", nil)

	err := c.ImpersonateByDirectoryObjectID(context.Background(), "abc")
	require.ErrorIs(t, err, boom)
	assert.False(t, c.IsActive())
	assert.Empty(t, c.Headers())

	// The next call retries the install.
	router.On("Route", mock.Anything, DefaultAPIPattern, mock.Anything).Return(nil).Once()
	require.NoError(t, c.ImpersonateByDirectoryObjectID(context.Background(), "abc"))
	assert.True(t, c.IsActive())
	router.AssertNumberOfCalls(t, "Route", 2)
}

func TestUnrouteFailureStillClearsHeaders(t *testing.T) {
	router := new(mocks.MockRouter)
	router.On("Route", mock.Anything, DefaultAPIPattern, mock.Anything).Return(nil)
	router.On("Unroute", mock.Anything, DefaultAPIPattern).Return(errors.New("target closed")).Once()
	c := NewController(router, "", nil)
	ctx := context.Background()

	require.NoError(t, c.ImpersonateByUserID(ctx, "abc"))
	require.Error(t, c.StopImpersonation(ctx))
	assert.False(t, c.IsActive())

	got, ok := router.Dispatch(DefaultAPIPattern, apiRequest(map[string]string{"Accept": "*/*"}))
	require.True(t, ok, "the route survived the failed removal")
	assert.Nil(t, got, "but it no longer rewrites requests")

	// The route is still installed, so reactivating does not register twice.
	require.NoError(t, c.ImpersonateByUserID(ctx, "def"))
	router.AssertNumberOfCalls(t, "Route", 1)
}

func TestCustomPattern(t *testing.T) {
	router := new(mocks.MockRouter)
	router.On("Route", mock.Anything, "**/api/custom/**", mock.Anything).Return(nil).Once()
	c := NewController(router, "**/api/custom/**", nil)

	require.NoError(t, c.ImpersonateByUserID(context.Background(), "abc"))
	router.AssertExpectations(t)
}

func TestHeadersReturnsCopy(t *testing.T) {
	c, _ := newTestController(t)
	require.NoError(t, c.ImpersonateByDirectoryObjectID(context.Background(), "abc"))

	h := c.Headers()
	h[HeaderCallerObjectID] = "tampered"
	h["X-Other"] = "1"

	assert.Equal(t, map[string]string{HeaderCallerObjectID: "abc"}, c.Headers())
}

func TestMergeHeaders(t *testing.T) {
	testCases := []struct {
		name     string
		original map[string]string
		extra    map[string]string
		want     map[string]string
	}{
		{
			name:     "original keys preserved",
			original: map[string]string{"Accept": "application/json", "Prefer": "odata.include-annotations=*"},
			extra:    map[string]string{HeaderCallerObjectID: "abc"},
			want:     map[string]string{"Accept": "application/json", "Prefer": "odata.include-annotations=*", HeaderCallerObjectID: "abc"},
		},
		{
			name:     "exact collision overwritten",
			original: map[string]string{HeaderCallerObjectID: "old"},
			extra:    map[string]string{HeaderCallerObjectID: "new"},
			want:     map[string]string{HeaderCallerObjectID: "new"},
		},
		{
			name:     "case-insensitive collision overwritten",
			original: map[string]string{"callerobjectid": "old", "accept": "*/*"},
			extra:    map[string]string{HeaderCallerObjectID: "new"},
			want:     map[string]string{HeaderCallerObjectID: "new", "accept": "*/*"},
		},
		{
			name:     "nil original",
			original: nil,
			extra:    map[string]string{HeaderCallerID: "id"},
			want:     map[string]string{HeaderCallerID: "id"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			before := make(map[string]string, len(tc.original))
			for k, v := range tc.original {
				before[k] = v
			}
			assert.Equal(t, tc.want, mergeHeaders(tc.original, tc.extra))
			if tc.original != nil {
				assert.Equal(t, before, tc.original, "the request headers must not be mutated")
			}
		})
	}
}

func TestHandlerConcurrentWithSwitching(t *testing.T) {
	c, router := newTestController(t)
	ctx := context.Background()
	require.NoError(t, c.ImpersonateByDirectoryObjectID(ctx, "start"))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				got, ok := router.Dispatch(DefaultAPIPattern, apiRequest(map[string]string{"Accept": "*/*"}))
				if ok && got != nil {
					// Exactly one impersonation header plus the original.
					assert.Len(t, got, 2)
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		if i%2 == 0 {
			require.NoError(t, c.ImpersonateByUserID(ctx, "u"))
		} else {
			require.NoError(t, c.ImpersonateByDirectoryObjectID(ctx, "o"))
		}
	}
	close(stop)
	wg.Wait()
}

func TestLogsTransitions(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	router := new(mocks.MockRouter)
	router.On("Route", mock.Anything, DefaultAPIPattern, mock.Anything).Return(nil)
	router.On("Unroute", mock.Anything, DefaultAPIPattern).Return(nil)
	c := NewController(router, "", zap.New(core))
	ctx := context.Background()

	require.NoError(t, c.ImpersonateByUserID(ctx, "abc"))
	require.NoError(t, c.StopImpersonation(ctx))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "Impersonating user", entries[0].Message)
	assert.Equal(t, HeaderCallerID, entries[0].ContextMap()["header"])
	assert.Equal(t, "impersonation", entries[0].LoggerName)
	assert.Equal(t, "Impersonation stopped", entries[1].Message)
}
