package detect

import (
	"context"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"wafersight/internal/capture"
	"wafersight/internal/config"
	apperrors "wafersight/internal/errors"
	"wafersight/internal/syncx"
	"wafersight/internal/trace"
)

// readRetryDelay paces the loop when the capture source is failing so a
// dead stream does not spin the CPU.
const readRetryDelay = 100 * time.Millisecond

// subscriberBuffer is the per-subscriber channel depth. Slow consumers
// lose intermediate results rather than stalling the loop.
const subscriberBuffer = 8

// Runner drives a session from a capture source on its own goroutine and
// fans results out to subscribers. All methods are safe for concurrent use.
type Runner struct {
	cfg     *config.Config
	source  capture.Source
	session *Session

	last *syncx.RWGuard[Result]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	subMu sync.Mutex
	subs  map[chan Result]struct{}
}

// NewRunner wires a session to its frame source.
func NewRunner(cfg *config.Config, source capture.Source, session *Session) *Runner {
	return &Runner{
		cfg:     cfg,
		source:  source,
		session: session,
		last:    syncx.NewGuard(Result{Phase: PhaseIdle}),
		subs:    make(map[chan Result]struct{}),
	}
}

// Start arms the session and launches the detection loop. Starting a
// running session is an error.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		select {
		case <-r.done:
			// Previous loop auto-stopped; fall through and restart.
			r.cancel = nil
		default:
			return apperrors.New(apperrors.CodeInvalidSessionState, "session already running")
		}
	}

	if err := r.session.Start(); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(loopCtx, r.done)
	return nil
}

// Stop cancels the loop and waits for it to drain. Safe to call when not
// running or after an auto-stop.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// loop reads frames until the context is canceled or the pass hold
// expires. The session returns to idle on exit so it can be restarted.
func (r *Runner) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer r.session.Stop()

	ctx = trace.WithContext(ctx, trace.New())
	log := trace.Logger(ctx)
	log.Info("detection loop started", "gate_mode", string(r.cfg.GateMode))

	frame := gocv.NewMat()
	defer frame.Close()

	for {
		select {
		case <-ctx.Done():
			log.Info("detection loop stopped")
			return
		default:
		}

		if err := r.source.Read(&frame); err != nil {
			log.Warn("frame read failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(readRetryDelay):
			}
			continue
		}

		now := time.Now()
		result, err := r.session.Tick(ctx, frame, now)
		if err != nil {
			log.Error("cycle failed", "error", err)
			return
		}
		if result.Skipped {
			continue
		}

		r.last.Set(result)
		r.publish(result)

		if r.session.HoldExpired(now) {
			log.Info("pass hold expired, stopping", "passed_at", r.session.latch.PassedAt())
			return
		}
	}
}

// Snapshot returns the most recent published result.
func (r *Runner) Snapshot() Result {
	return r.last.Get()
}

// Subscribe registers for live results. The cancel func must be called to
// release the subscription; the channel is closed by it.
func (r *Runner) Subscribe() (<-chan Result, func()) {
	ch := make(chan Result, subscriberBuffer)
	r.subMu.Lock()
	r.subs[ch] = struct{}{}
	r.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs, ch)
			r.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// publish delivers to every subscriber without blocking; a full channel
// drops the result for that subscriber.
func (r *Runner) publish(result Result) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for ch := range r.subs {
		select {
		case ch <- result:
		default:
		}
	}
}

// Close stops the loop and releases the session and capture source.
func (r *Runner) Close() error {
	r.Stop()
	r.session.Close()
	return r.source.Close()
}
