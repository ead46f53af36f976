package health

import (
	"context"
	"time"

	"github.com/keithlinneman/tickkit/internal/xerrors"
)

// Ticker is the part of the owner loop the liveness probe reads.
type Ticker interface {
	Ticks() uint64
	LastTick() time.Time
}

// LoopLiveness fails until the loop has ticked once and whenever the last
// tick is older than maxAge. now is injectable for tests, nil means
// time.Now.
func LoopLiveness(t Ticker, maxAge time.Duration, now func() time.Time) CheckFunc {
	if now == nil {
		now = time.Now
	}
	return func(context.Context) error {
		if t.Ticks() == 0 {
			return xerrors.New("owner loop has not ticked yet")
		}
		if age := now().Sub(t.LastTick()); age > maxAge {
			return xerrors.Newf("owner loop stalled: last tick %s ago", age.Round(time.Millisecond))
		}
		return nil
	}
}
