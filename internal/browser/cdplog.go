// browser/cdplog.go
package browser

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// noisyCDPErrors are chromedp errors that come from protocol events newer than
// the bundled cdproto. They don't affect the page and are logged at debug.
var noisyCDPErrors = []string{
	"could not unmarshal event",
	"unhandled page event",
	"unhandled node event",
}

// cdpLogAdapter routes chromedp's printf-style log callbacks into zap.
type cdpLogAdapter struct {
	logger *zap.SugaredLogger
}

func newCDPLogAdapter(logger *zap.Logger) *cdpLogAdapter {
	return &cdpLogAdapter{logger: logger.Named("cdp").Sugar()}
}

func (a *cdpLogAdapter) Logf(format string, args ...interface{}) {
	a.logger.Debugf(format, args...)
}

func (a *cdpLogAdapter) Debugf(format string, args ...interface{}) {
	a.logger.Debugf(format, args...)
}

func (a *cdpLogAdapter) Errorf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	for _, noisy := range noisyCDPErrors {
		if strings.Contains(msg, noisy) {
			a.logger.Debug(msg)
			return
		}
	}
	a.logger.Warn(msg)
}
