package auth

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"
)

// FailureDelay pads failed credential checks to a floor plus jitter, so an
// unknown email and a wrong password answer in similar time.
type FailureDelay struct {
	Floor  time.Duration
	Jitter time.Duration
}

// DefaultFailureDelay is used by the login flows.
var DefaultFailureDelay = FailureDelay{Floor: 250 * time.Millisecond, Jitter: 100 * time.Millisecond}

// Pad sleeps until at least the target delay has passed since start. It
// returns early if ctx is done.
func (d FailureDelay) Pad(ctx context.Context, start time.Time) {
	remaining := d.target() - time.Since(start)
	if remaining <= 0 {
		return
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (d FailureDelay) target() time.Duration {
	if d.Jitter <= 0 {
		return d.Floor
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(d.Jitter)))
	if err != nil {
		return d.Floor
	}
	return d.Floor + time.Duration(n.Int64())
}
