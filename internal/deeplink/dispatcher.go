// file: internal/deeplink/dispatcher.go
package deeplink

import (
	"context"
	"os/exec"
	"runtime"

	"github.com/cockroachdb/errors"
	"github.com/dkoosis/emailsignin/internal/logging"
)

// Dispatcher opens a URL outside the application.
type Dispatcher interface {
	Open(ctx context.Context, url string) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, url string) error

// Open implements Dispatcher.
func (f DispatcherFunc) Open(ctx context.Context, url string) error { return f(ctx, url) }

// BrowserDispatcher hands the URL to the platform's default handler.
type BrowserDispatcher struct {
	logger logging.Logger
	goos   string
}

// NewBrowserDispatcher returns a dispatcher for the running platform.
func NewBrowserDispatcher(logger logging.Logger) *BrowserDispatcher {
	return &BrowserDispatcher{
		logger: logging.OrNoop(logger).WithField("component", "browser_dispatcher"),
		goos:   runtime.GOOS,
	}
}

// Command returns the argv used to open url on this platform.
func (b *BrowserDispatcher) Command(url string) []string {
	switch b.goos {
	case "darwin":
		return []string{"open", url}
	case "windows":
		return []string{"rundll32", "url.dll,FileProtocolHandler", url}
	default:
		return []string{"xdg-open", url}
	}
}

// Open starts the platform opener and does not wait for it to exit. The
// opener outlives ctx.
func (b *BrowserDispatcher) Open(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	argv := b.Command(url)
	// #nosec G204 -- argv[0] is a fixed opener, url is passed as a single argument.
	cmd := exec.Command(argv[0], argv[1:]...)
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "failed to start %s", argv[0])
	}
	b.logger.Info("Opened sign-in page in external browser.", "opener", argv[0])
	go func() { _ = cmd.Wait() }()
	return nil
}
