package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock abstracts wall time so replay tolerance, payout eligibility and
// sweep scheduling are testable with a fake.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func NewSystemClock() Clock { return systemClock{} }

var Module = fx.Module("clock",
	fx.Provide(NewSystemClock),
)
