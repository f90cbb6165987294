// Package browser implements the kernel side of the `browser_*`
// built-in tools named in §4.E. The browser automation library itself
// is an out-of-scope external collaborator (spec.md §1); this package
// is the thin adapter the tool registry dispatches into, grounded on
// the teacher's Pool/BrowserTool split (internal/tools/browser in
// haasonsaas/nexus) and backed by the same playwright-go driver.
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// PoolConfig configures the pool's browser instances.
type PoolConfig struct {
	MaxInstances   int
	Timeout        time.Duration
	Headless       bool
	ViewportWidth  int
	ViewportHeight int
}

func (c *PoolConfig) sanitize() {
	if c.MaxInstances <= 0 {
		c.MaxInstances = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = 1280
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = 800
	}
}

// Instance wraps one live page a tool call operates against.
type Instance struct {
	Browser playwright.Browser
	Context playwright.BrowserContext
	Page    playwright.Page
	id      string
}

// Pool manages a small set of reusable browser instances so
// browser_* tool calls (each scheduled Exclusive per §4.F, since a
// page is shared mutable state) don't pay Playwright's launch cost on
// every call.
type Pool struct {
	cfg       PoolConfig
	mu        sync.Mutex
	pw        *playwright.Playwright
	instances chan *Instance
	created   int
	closed    bool
}

// NewPool starts the Playwright driver process and prepares an empty
// pool; instances are created lazily on first Acquire.
func NewPool(cfg PoolConfig) (*Pool, error) {
	cfg.sanitize()
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("browser: starting playwright: %w", err)
	}
	return &Pool{cfg: cfg, pw: pw, instances: make(chan *Instance, cfg.MaxInstances)}, nil
}

// Acquire returns an idle instance or launches a new one, up to
// MaxInstances; beyond that it blocks until Release frees one or ctx
// is cancelled.
func (p *Pool) Acquire(ctx context.Context) (*Instance, error) {
	select {
	case inst := <-p.instances:
		return inst, nil
	default:
	}

	p.mu.Lock()
	if p.created < p.cfg.MaxInstances {
		p.created++
		p.mu.Unlock()
		return p.launch()
	}
	p.mu.Unlock()

	select {
	case inst := <-p.instances:
		return inst, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) launch() (*Instance, error) {
	b, err := p.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(p.cfg.Headless),
	})
	if err != nil {
		return nil, fmt.Errorf("browser: launch: %w", err)
	}
	bctx, err := b.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: p.cfg.ViewportWidth, Height: p.cfg.ViewportHeight},
	})
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("browser: new context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		b.Close()
		return nil, fmt.Errorf("browser: new page: %w", err)
	}
	return &Instance{Browser: b, Context: bctx, Page: page}, nil
}

// Release returns inst to the pool for reuse.
func (p *Pool) Release(inst *Instance) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		inst.Context.Close()
		inst.Browser.Close()
		return
	}
	select {
	case p.instances <- inst:
	default:
		inst.Context.Close()
		inst.Browser.Close()
	}
}

// Close stops Playwright and every instance still checked in.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	close(p.instances)
	p.mu.Unlock()
	for inst := range p.instances {
		inst.Context.Close()
		inst.Browser.Close()
	}
	return p.pw.Stop()
}
