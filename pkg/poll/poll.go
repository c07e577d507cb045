// Package poll implements bounded readiness polling for the processes the
// harness supervises. A Poller probes a target at a fixed interval and gives
// up after a fixed attempt budget; it never proceeds on a half-started server.
package poll

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrTimedOut is returned when every probe in the attempt budget failed.
var ErrTimedOut = errors.New("readiness poll timed out")

// Prober checks whether a target is ready. One probe, one answer.
type Prober interface {
	Probe(ctx context.Context) error
}

// Sleeper abstracts the inter-probe wait so tests can burn through an
// attempt budget without wall-clock delay.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// RealSleeper waits on a timer, honoring context cancellation.
type RealSleeper struct{}

func (RealSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Poller waits for a target to come up.
type Poller struct {
	Interval    time.Duration
	MaxAttempts int
	Sleeper     Sleeper
}

// New creates a Poller with a real sleeper.
func New(interval time.Duration, maxAttempts int) *Poller {
	return &Poller{Interval: interval, MaxAttempts: maxAttempts, Sleeper: RealSleeper{}}
}

// WaitForReady probes until one probe succeeds or the attempt budget is
// exhausted. Exactly MaxAttempts probes are issued in the failure case.
// Returns ErrTimedOut (wrapped with the last probe error) on exhaustion.
func (p *Poller) WaitForReady(ctx context.Context, target Prober) error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("poller: max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := target.Probe(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt == p.MaxAttempts {
			break
		}
		if err := p.Sleeper.Sleep(ctx, p.Interval); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrTimedOut, p.MaxAttempts, lastErr)
}

// TCPProber reports ready when a TCP connection to Addr succeeds.
// Readiness is observed only through reachability, never by log scraping.
type TCPProber struct {
	Addr    string
	Timeout time.Duration
}

func (t TCPProber) Probe(ctx context.Context) error {
	d := net.Dialer{Timeout: t.Timeout}
	conn, err := d.DialContext(ctx, "tcp", t.Addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.Addr, err)
	}
	return conn.Close()
}

// ProbeFunc adapts a function to the Prober interface.
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Probe(ctx context.Context) error { return f(ctx) }
