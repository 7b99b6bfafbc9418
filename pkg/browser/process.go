package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/playwright-community/playwright-go"
)

// Process wraps a launched persistent browser context as a supervisable
// process. Exit is observed through the context's close event, which fires
// both for orderly closes and for the browser dying underneath us.
type Process struct {
	ctx       playwright.BrowserContext
	alive     atomic.Bool
	exited    chan struct{}
	exitOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

func newProcess(pctx playwright.BrowserContext) *Process {
	p := &Process{
		ctx:    pctx,
		exited: make(chan struct{}),
	}
	p.alive.Store(true)

	pctx.OnClose(func(playwright.BrowserContext) {
		p.alive.Store(false)
		p.exitOnce.Do(func() { close(p.exited) })
	})

	return p
}

// IsAlive reports whether the browser is still running.
func (p *Process) IsAlive() bool {
	return p.alive.Load()
}

// Terminate closes the browser context, shutting down the browser.
// Safe to call multiple times and after the browser already exited.
func (p *Process) Terminate(ctx context.Context) error {
	p.closeOnce.Do(func() {
		if !p.alive.Load() {
			return
		}

		done := make(chan error, 1)
		go func() {
			done <- p.ctx.Close()
		}()

		select {
		case err := <-done:
			if err != nil {
				p.closeErr = fmt.Errorf("browser: close context: %w", err)
			}
		case <-ctx.Done():
			p.closeErr = fmt.Errorf("browser: close context: %w", ctx.Err())
		}
	})
	return p.closeErr
}

// Exited returns a channel closed once the browser has exited.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Pages returns the open pages of the persistent context, letting callers
// drive automation on the session they own.
func (p *Process) Pages() []playwright.Page {
	return p.ctx.Pages()
}

// Context exposes the underlying Playwright browser context.
func (p *Process) Context() playwright.BrowserContext {
	return p.ctx
}
