// File: internal/browser/session.go

// Package browser owns the single shared browser session. The session is
// an exclusive resource: one step may hold it at a time, acquisition is
// explicit, and release is guaranteed by the runner on every exit path.
package browser

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xops-dev/taskpilot/internal/config"
)

// Session wraps a lazily started headless browser tab.
type Session struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	// sem enforces the one-holder-at-a-time invariant.
	sem *semaphore.Weighted

	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	started     bool
	closed      bool
}

// NewSession prepares the session without launching a browser; the
// process starts on first use.
func NewSession(cfg config.BrowserConfig, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		cfg:    cfg,
		logger: logger.Named("browser"),
		sem:    semaphore.NewWeighted(1),
	}
}

// Acquire takes exclusive ownership of the session, blocking until it is
// free or ctx is done.
func (s *Session) Acquire(ctx context.Context) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire browser session: %w", err)
	}
	return nil
}

// Release returns ownership. Must follow a successful Acquire.
func (s *Session) Release() { s.sem.Release(1) }

// ensureStarted launches the browser on first use. Callers hold the
// semaphore, so no two starts race beyond the mutex.
func (s *Session) ensureStarted() (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("browser session is closed")
	}
	if s.started {
		return s.tabCtx, nil
	}

	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if !s.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	for _, arg := range s.cfg.ExecArgs {
		opts = append(opts, chromedp.Flag(arg, true))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	s.allocCtx = allocCtx
	s.allocCancel = allocCancel
	s.tabCtx = tabCtx
	s.tabCancel = tabCancel
	s.started = true
	s.logger.Info("Browser session started", zap.Bool("headless", s.cfg.Headless))
	return s.tabCtx, nil
}

// run executes chromedp actions against the shared tab under the
// configured navigation timeout.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	tabCtx, err := s.ensureStarted()
	if err != nil {
		return err
	}

	timeout := s.cfg.NavigationTimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	runCtx, cancel := context.WithTimeout(tabCtx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- chromedp.Run(runCtx, actions...) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}
}

// Navigate opens a URL in the shared tab.
func (s *Session) Navigate(ctx context.Context, url string) error {
	return s.run(ctx, chromedp.Navigate(url), chromedp.WaitReady("body"))
}

// Click clicks the first element matching the selector.
func (s *Session) Click(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.Click(selector, chromedp.NodeVisible))
}

// Type focuses the element and types the given text.
func (s *Session) Type(ctx context.Context, selector, text string) error {
	return s.run(ctx, chromedp.SendKeys(selector, text, chromedp.NodeVisible))
}

// Content returns the visible text of the current page body.
func (s *Session) Content(ctx context.Context) (string, error) {
	var text string
	if err := s.run(ctx, chromedp.Text("body", &text, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return text, nil
}

// Screenshot captures the current viewport as a PNG file.
func (s *Session) Screenshot(ctx context.Context, path string) error {
	var buf []byte
	capture := chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().Do(ctx)
		return err
	})
	if err := s.run(ctx, capture); err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0o644)
}

// Eval evaluates a JavaScript expression and returns its string form.
func (s *Session) Eval(ctx context.Context, expression string) (string, error) {
	var result string
	wrapped := fmt.Sprintf("String(%s)", expression)
	if err := s.run(ctx, chromedp.Evaluate(wrapped, &result)); err != nil {
		return "", err
	}
	return result, nil
}

// Close shuts the browser down. Safe to call when never started, and
// idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.started {
		s.tabCancel()
		s.allocCancel()
		// Wait until the spawned browser process has exited so shutdown
		// never leaves an orphan.
		if c := chromedp.FromContext(s.allocCtx); c != nil && c.Allocator != nil {
			c.Allocator.Wait()
		}
		s.logger.Info("Browser session closed")
	}
}
