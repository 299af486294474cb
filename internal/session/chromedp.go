// -----------------------------------------------------------------------
// ChromeDP Provider - Browser-backed session provider
// -----------------------------------------------------------------------

package session

import (
	"context"
	"fmt"
	"time"

	cdplog "github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conveyor/internal/common"
	"github.com/ternarybob/conveyor/internal/interfaces"
)

// ChromeDPConfig holds browser launch configuration.
type ChromeDPConfig struct {
	UserAgent   string        `json:"user_agent"`
	Headless    bool          `json:"headless"`
	DisableGPU  bool          `json:"disable_gpu"`
	NoSandbox   bool          `json:"no_sandbox"`
	StartupTest time.Duration `json:"startup_test_timeout"`
}

// DefaultChromeDPConfig returns the headless profile used in production.
func DefaultChromeDPConfig() ChromeDPConfig {
	return ChromeDPConfig{
		UserAgent:   "Conveyor/1.0",
		Headless:    true,
		DisableGPU:  true,
		NoSandbox:   true,
		StartupTest: 30 * time.Second,
	}
}

// browserSession is the Native payload of a chromedp-backed handle.
type browserSession struct {
	ctx             context.Context
	browserCancel   context.CancelFunc
	allocatorCancel context.CancelFunc
}

// ChromeDPProvider creates one dedicated browser per session. Each handle
// owns its own exec allocator so that a crashed browser never poisons a
// later session.
type ChromeDPProvider struct {
	config ChromeDPConfig
	logger arbor.ILogger
}

// NewChromeDPProvider creates a chromedp session provider.
func NewChromeDPProvider(config ChromeDPConfig, logger arbor.ILogger) *ChromeDPProvider {
	if config.UserAgent == "" {
		config.UserAgent = DefaultChromeDPConfig().UserAgent
	}
	if config.StartupTest <= 0 {
		config.StartupTest = DefaultChromeDPConfig().StartupTest
	}
	return &ChromeDPProvider{config: config, logger: logger}
}

// sessionContexts builds the allocator and browser contexts for one new
// session. The tree is rooted on context.Background, never on the
// acquisition context: that context is cancelled the moment Acquire
// returns, and a browser parented on it would die with it. Only the
// returned cancel funcs, held by the handle, end the session.
func (p *ChromeDPProvider) sessionContexts() (context.Context, context.CancelFunc, context.CancelFunc) {
	allocatorOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", p.config.Headless),
		chromedp.Flag("disable-gpu", p.config.DisableGPU),
		chromedp.Flag("no-sandbox", p.config.NoSandbox),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(p.config.UserAgent),
	)

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), allocatorOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)
	return browserCtx, browserCancel, allocatorCancel
}

// CreateSession launches a browser and verifies it is responsive before
// handing out the handle. The caller's ctx only bounds the startup test;
// the browser itself outlives this call.
func (p *ChromeDPProvider) CreateSession(ctx context.Context) (*interfaces.SessionHandle, error) {
	start := time.Now()

	browserCtx, browserCancel, allocatorCancel := p.sessionContexts()

	// Startup test with a bounded deadline so a wedged browser cannot
	// stall acquisition past the manager's acquire timeout.
	testCtx, testCancel := context.WithTimeout(browserCtx, p.config.StartupTest)
	defer testCancel()
	stop := context.AfterFunc(ctx, testCancel)
	defer stop()

	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("browser failed startup test: %w", err)
	}

	var title string
	if err := chromedp.Run(testCtx, chromedp.Title(&title)); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("browser failed responsiveness test: %w", err)
	}

	// Enable the network domain up front so processors can rely on
	// request events being delivered for the lifetime of the session.
	if err := chromedp.Run(browserCtx, network.Enable()); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("failed to enable network domain: %w", err)
	}

	// Console capture is diagnostic only, so a failure here is not fatal.
	if err := chromedp.Run(browserCtx, cdplog.Enable()); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to enable browser log domain")
	}

	sessionID := common.NewSessionID()
	p.attachDiagnostics(browserCtx, sessionID)

	handle := &interfaces.SessionHandle{
		ID:         sessionID,
		AcquiredAt: time.Now(),
		Native: &browserSession{
			ctx:             browserCtx,
			browserCancel:   browserCancel,
			allocatorCancel: allocatorCancel,
		},
	}

	p.logger.Debug().
		Str("session_id", handle.ID).
		Dur("startup_time", time.Since(start)).
		Msg("Browser session created and tested")

	return handle, nil
}

// attachDiagnostics subscribes to browser events that surface page-level
// failures which would otherwise be invisible at the chromedp API surface.
func (p *ChromeDPProvider) attachDiagnostics(browserCtx context.Context, sessionID string) {
	chromedp.ListenTarget(browserCtx, func(ev interface{}) {
		switch evTyped := ev.(type) {
		case *cdplog.EventEntryAdded:
			if evTyped.Entry.Level == cdplog.LevelError {
				p.logger.Trace().
					Str("session_id", sessionID).
					Str("source", evTyped.Entry.Source.String()).
					Str("message", evTyped.Entry.Text).
					Msg("Browser console error")
			}

		case *network.EventLoadingFailed:
			p.logger.Trace().
				Str("session_id", sessionID).
				Str("request_id", evTyped.RequestID.String()).
				Str("error_text", evTyped.ErrorText).
				Str("type", evTyped.Type.String()).
				Msg("Network request failed in browser")
		}
	})
}

// CloseSession cancels the browser and allocator contexts. Safe on a
// handle whose browser already died.
func (p *ChromeDPProvider) CloseSession(handle *interfaces.SessionHandle) error {
	bs, ok := handle.Native.(*browserSession)
	if !ok {
		return fmt.Errorf("handle %s does not carry a browser session", handle.ID)
	}
	if bs.browserCancel != nil {
		bs.browserCancel()
	}
	if bs.allocatorCancel != nil {
		bs.allocatorCancel()
	}
	p.logger.Debug().Str("session_id", handle.ID).Msg("Browser session closed")
	return nil
}

// HealthCheck runs a cheap title read against the browser.
func (p *ChromeDPProvider) HealthCheck(ctx context.Context, handle *interfaces.SessionHandle) bool {
	bs, ok := handle.Native.(*browserSession)
	if !ok {
		return false
	}

	checkCtx, cancel := context.WithTimeout(bs.ctx, 10*time.Second)
	defer cancel()

	var title string
	if err := chromedp.Run(checkCtx, chromedp.Title(&title)); err != nil {
		p.logger.Warn().
			Err(err).
			Str("session_id", handle.ID).
			Msg("Session health check failed")
		return false
	}
	return true
}

// BrowserContext exposes the chromedp context for processors that drive
// the page. Returns false if the handle is not chromedp-backed.
func BrowserContext(handle *interfaces.SessionHandle) (context.Context, bool) {
	bs, ok := handle.Native.(*browserSession)
	if !ok {
		return nil, false
	}
	return bs.ctx, true
}
