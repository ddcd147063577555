// Package browser maintains a fixed pool of headless Chrome sessions
// shared by scrape workers. A session is held by at most one worker at
// a time; workers block in Acquire until a session frees up.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultNavTimeout = 45 * time.Second
	settleDelay       = 500 * time.Millisecond
)

// ErrClosed is returned by Acquire after the pool has been shut down.
var ErrClosed = errors.New("browser pool closed")

// Config controls pool sizing and per-session navigation behavior.
type Config struct {
	Size       int
	UserAgent  string
	NavTimeout time.Duration
	Headless   bool
}

// Pool owns one Chrome process allocator and Size independent browser
// sessions created from it.
type Pool struct {
	log         *zap.Logger
	free        chan *Session
	all         []*Session
	allocCancel context.CancelFunc
	done        chan struct{}
	closeOnce   sync.Once
}

// NewPool launches cfg.Size browser sessions off a shared allocator and
// verifies each one starts before returning.
func NewPool(ctx context.Context, cfg Config, log *zap.Logger) (*Pool, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("browser pool size must be positive, got %d", cfg.Size)
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = defaultNavTimeout
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)

	sessions := make([]*Session, 0, cfg.Size)
	for i := 0; i < cfg.Size; i++ {
		sessCtx, sessCancel := chromedp.NewContext(allocCtx)
		if err := chromedp.Run(sessCtx); err != nil {
			sessCancel()
			for _, s := range sessions {
				s.cancel()
			}
			allocCancel()
			return nil, fmt.Errorf("chromedp warmup: %w", err)
		}
		id := uuid.NewString()
		sessions = append(sessions, &Session{
			ID:      id,
			ctx:     sessCtx,
			cancel:  sessCancel,
			ua:      cfg.UserAgent,
			timeout: cfg.NavTimeout,
			log:     log.With(zap.String("session_id", id)),
		})
	}

	p := newPool(log, allocCancel, sessions)
	log.Info("browser pool ready", zap.Int("sessions", cfg.Size))
	return p, nil
}

func newPool(log *zap.Logger, allocCancel context.CancelFunc, sessions []*Session) *Pool {
	p := &Pool{
		log:         log,
		free:        make(chan *Session, len(sessions)),
		all:         sessions,
		allocCancel: allocCancel,
		done:        make(chan struct{}),
	}
	for _, s := range sessions {
		p.free <- s
	}
	return p
}

// Acquire blocks until a session is available, the pool closes, or ctx
// is canceled.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	select {
	case s := <-p.free:
		s.mu.Lock()
		s.inUse = true
		s.mu.Unlock()
		return s, nil
	case <-p.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire browser session: %w", ctx.Err())
	}
}

// Release returns a session to the pool. Releasing twice, releasing
// nil, or releasing a session from another pool is a no-op.
func (p *Pool) Release(s *Session) {
	if s == nil || !p.owns(s) {
		return
	}
	s.mu.Lock()
	if !s.inUse {
		s.mu.Unlock()
		return
	}
	s.inUse = false
	s.mu.Unlock()

	select {
	case p.free <- s:
	default:
	}
}

// Size reports how many sessions the pool was built with.
func (p *Pool) Size() int {
	return cap(p.free)
}

// Close cancels every session and the allocator. Subsequent Acquire
// calls fail with ErrClosed.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		for _, s := range p.all {
			s.cancel()
		}
		if p.allocCancel != nil {
			p.allocCancel()
		}
		p.log.Info("browser pool closed")
	})
}

func (p *Pool) owns(s *Session) bool {
	for _, candidate := range p.all {
		if candidate == s {
			return true
		}
	}
	return false
}

// Session is a single browser context. Navigate must only be called
// between Acquire and Release.
type Session struct {
	ID string

	ctx     context.Context
	cancel  context.CancelFunc
	ua      string
	timeout time.Duration
	log     *zap.Logger

	// run overrides the chromedp navigation in tests.
	run func(ctx context.Context, rawURL string) (string, error)

	mu    sync.Mutex
	inUse bool
}

// Navigate loads rawURL in this session, waits for the document body,
// and returns the rendered DOM.
func (s *Session) Navigate(ctx context.Context, rawURL string) (string, error) {
	if s.run != nil {
		return s.run(ctx, rawURL)
	}

	taskCtx, cancelTask := context.WithTimeout(s.ctx, s.navTimeout())
	defer cancelTask()

	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		s.networkSetupAction(),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(settleDelay),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return "", fmt.Errorf("chromedp run: %w", err)
	}

	s.log.Debug("page rendered",
		zap.String("url", rawURL),
		zap.String("final_url", finalURL),
		zap.Int("bytes", len(html)),
	)
	return html, nil
}

func (s *Session) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.ua != "" {
			if err := emulation.SetUserAgentOverride(s.ua).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (s *Session) navTimeout() time.Duration {
	if s.timeout > 0 {
		return s.timeout
	}
	return defaultNavTimeout
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
