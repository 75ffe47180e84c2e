package browser

import (
	"context"
)

// PageLifecycleObserver is notified when a page is closed so its owner can
// stop tracking it.
type PageLifecycleObserver interface {
	unregisterPage(id string)
}

// CombineContext creates a new context derived from sessionCtx (inheriting its values,
// including the chromedp context) but ensures it is cancelled if opCtx is cancelled.
// This lets callers control timeouts through opCtx while chromedp still finds the
// tab it has to talk to through sessionCtx.
func CombineContext(sessionCtx context.Context, opCtx context.Context) (context.Context, context.CancelFunc) {
	combinedCtx, cancel := context.WithCancel(sessionCtx)

	go func() {
		select {
		case <-opCtx.Done():
			cancel()
		case <-combinedCtx.Done():
		}
	}()

	return combinedCtx, cancel
}
