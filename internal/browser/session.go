// Package browser wraps one headless Chromium process driven over CDP.
// Each Session owns exactly one browser process bound to a leased virtual
// display and is never shared across concurrent callers.
package browser

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/browsergrid/browsergrid/internal/display"
	"github.com/browsergrid/browsergrid/pkg/models"
)

// State is the lifecycle state of a session.
type State string

const (
	StateCreated State = "created"
	StateReady   State = "ready"
	StateBusy    State = "busy"
	StateClosing State = "closing"
	StateClosed  State = "closed"
)

// Config holds browser launch settings.
type Config struct {
	// ChromePath overrides the Chromium binary chromedp resolves by default.
	ChromePath string
	// Headless runs the browser without a visible window. When false the
	// browser renders onto the leased virtual display.
	Headless bool
	// StartupTimeout bounds how long a launch may take before it is
	// reported as a launch failure.
	StartupTimeout time.Duration
	WindowWidth    int
	WindowHeight   int
}

// Session is one browser process plus its CDP connection.
//
// State machine: Created -> Ready -> Busy -> Ready -> ... -> Closing -> Closed.
// Actions execute only in Busy. A Ready session may move straight to
// Closing when the pool evicts it.
type Session struct {
	id        string
	displayID int
	logger    *zap.Logger

	ctx         context.Context // browser lifetime; actions derive from it
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	onClose     func() // releases the display lease

	mu    sync.Mutex
	state State

	closeOnce sync.Once
}

// Open launches an isolated browser process bound to the given display.
// The parent context must outlive individual task requests; cancelling it
// tears the browser down. onClose runs exactly once when the session
// closes, releasing the display lease.
func Open(parent context.Context, cfg Config, id string, displayID int, onClose func(), logger *zap.Logger) (*Session, error) {
	log := logger.With(zap.String("session_id", id), zap.Int("display", displayID))

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ChromePath))
	}
	if !cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.WindowWidth > 0 && cfg.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight))
	}
	if displayID >= 0 {
		opts = append(opts, chromedp.Env(display.Env(displayID)))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, opts...)
	browserCtx, cancel := chromedp.NewContext(allocCtx)

	s := &Session{
		id:          id,
		displayID:   displayID,
		logger:      log,
		ctx:         browserCtx,
		cancel:      cancel,
		allocCancel: allocCancel,
		onClose:     onClose,
		state:       StateCreated,
	}

	startupTimeout := cfg.StartupTimeout
	if startupTimeout <= 0 {
		startupTimeout = 20 * time.Second
	}

	// Start the browser eagerly so launch failures surface here instead of
	// on the first action. The timeout runs beside chromedp.Run rather than
	// through a derived context, so a slow start does not poison browserCtx.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browserCtx) }()

	select {
	case err := <-started:
		if err != nil {
			s.teardown()
			return nil, models.WrapError(models.KindLaunchFailure, err, "browser process failed to start")
		}
	case <-time.After(startupTimeout):
		s.teardown()
		return nil, models.NewError(models.KindLaunchFailure, "browser did not start within %s", startupTimeout)
	}

	s.mu.Lock()
	s.state = StateReady
	s.mu.Unlock()

	log.Debug("browser session ready")
	return s, nil
}

// ID returns the opaque session id.
func (s *Session) ID() string { return s.id }

// DisplayID returns the display number the session is bound to.
func (s *Session) DisplayID() int { return s.displayID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Execute runs one action against the page. Navigation errors, script
// errors and element-not-found conditions are reported as action failures
// and do not kill the session. The returned result is populated even on
// failure so callers can surface partial outcomes.
func (s *Session) Execute(ctx context.Context, a models.Action) (models.ActionResult, error) {
	res := models.ActionResult{Type: a.Type}

	if err := s.beginAction(); err != nil {
		res.Error = err.Error()
		return res, err
	}
	defer s.endAction()

	// Actions must respect both the browser lifetime (s.ctx carries the
	// CDP target) and the caller's deadline.
	runCtx, cancel := combineContext(s.ctx, ctx)
	defer cancel()

	start := time.Now()
	err := s.perform(runCtx, a, &res)
	res.ElapsedMs = time.Since(start).Milliseconds()

	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			res.Error = cerr.Error()
			return res, cerr
		}
		res.Error = err.Error()
		return res, models.WrapError(models.KindActionFailure, err, string(a.Type))
	}

	res.OK = true
	return res, nil
}

// Close terminates the browser process and releases the display lease.
// It is idempotent and never fails on an already-closed session.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosing
		s.mu.Unlock()

		s.teardown()

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()

		s.logger.Debug("browser session closed")
	})
	return nil
}

// teardown cancels the CDP contexts, which kills the process if it is
// still alive, then releases the display lease.
func (s *Session) teardown() {
	s.cancel()
	s.allocCancel()
	if s.onClose != nil {
		s.onClose()
	}
}

func (s *Session) beginAction() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateReady {
		return models.NewError(models.KindInternal, "session %s cannot execute in state %q", s.id, s.state)
	}
	s.state = StateBusy
	return nil
}

func (s *Session) endAction() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateBusy {
		s.state = StateReady
	}
}

// combineContext derives a context from primary that is also cancelled
// when secondary is done. chromedp contexts carry target information, so
// the primary must be the session context.
func combineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)

	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combined.Done():
		}
	}()

	return combined, cancel
}
