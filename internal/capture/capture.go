// Package capture provides the video frame source for the detection loop
package capture

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"gocv.io/x/gocv"

	apperrors "wafersight/internal/errors"
	"wafersight/internal/resilience"
)

// Source delivers raw frames at native capture resolution. Implementations
// must be safe to Close concurrently with a blocked Read.
type Source interface {
	Read(dst *gocv.Mat) error
	Close() error
}

// Video reads frames from a camera device, file, or stream URL via gocv.
// A circuit breaker wraps reads so a dead stream trips into background
// reconnection instead of hammering a broken handle.
type Video struct {
	input string

	mu     sync.Mutex
	vc     *gocv.VideoCapture
	closed bool

	brk          *resilience.Breaker
	reconnecting atomic.Bool
}

// Open opens the configured input. The input string is a device index
// ("0"), a file path, or a stream URL. Failure is fatal to session start.
func Open(input string) (*Video, error) {
	vc, err := open(input)
	if err != nil {
		return nil, err
	}
	return &Video{
		input: input,
		vc:    vc,
		brk:   resilience.New(resilience.CaptureConfig()),
	}, nil
}

func open(input string) (*gocv.VideoCapture, error) {
	var (
		vc  *gocv.VideoCapture
		err error
	)
	if idx, convErr := strconv.Atoi(input); convErr == nil {
		vc, err = gocv.OpenVideoCapture(idx)
	} else {
		vc, err = gocv.OpenVideoCapture(input)
	}
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeCaptureUnavailable, "cannot open capture %q", input)
	}
	if !vc.IsOpened() {
		_ = vc.Close()
		return nil, apperrors.Newf(apperrors.CodeCaptureUnavailable, "capture %q did not open", input)
	}
	return vc, nil
}

// Read fetches the next frame into dst. A read on a closed source is a
// programming error, not a transient failure.
func (v *Video) Read(dst *gocv.Mat) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return apperrors.New(apperrors.CodeInvalidSessionState, "read on closed capture source")
	}

	err := v.brk.Execute(func() error {
		if v.vc == nil {
			return apperrors.New(apperrors.CodeCaptureRead, "capture handle not open")
		}
		if ok := v.vc.Read(dst); !ok || dst.Empty() {
			return apperrors.New(apperrors.CodeCaptureRead, "frame read failed")
		}
		return nil
	})
	if err == resilience.ErrOpen {
		v.kickReconnect()
		return apperrors.Wrapf(err, apperrors.CodeCaptureRead, "stream %q down, reconnecting", v.input)
	}
	return err
}

// kickReconnect starts a single background reopen attempt with backoff.
func (v *Video) kickReconnect() {
	if !v.reconnecting.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer v.reconnecting.Store(false)

		var fresh *gocv.VideoCapture
		err := resilience.Retry(context.Background(), resilience.CaptureRetryConfig(), func() error {
			var openErr error
			fresh, openErr = open(v.input)
			return openErr
		})
		if err != nil {
			slog.Error("capture reconnect failed", "input", v.input, "error", err)
			return
		}

		v.mu.Lock()
		defer v.mu.Unlock()
		if v.closed {
			_ = fresh.Close()
			return
		}
		if v.vc != nil {
			_ = v.vc.Close()
		}
		v.vc = fresh
		v.brk.Reset()
		slog.Info("capture reconnected", "input", v.input)
	}()
}

// Close releases the capture handle. Idempotent.
func (v *Video) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil
	}
	v.closed = true
	if v.vc != nil {
		err := v.vc.Close()
		v.vc = nil
		return err
	}
	return nil
}
