package vehicle

import (
	"sync"

	"github.com/rs/zerolog"
)

// LogActuator is the simulator backend: it logs every command instead of
// touching hardware. Used by the car binary when no motor driver is wired.
type LogActuator struct {
	logger zerolog.Logger

	mu       sync.Mutex
	throttle float64
	steering float64
}

func NewLogActuator(logger zerolog.Logger) *LogActuator {
	return &LogActuator{logger: logger.With().Str("component", "actuator").Logger()}
}

func (a *LogActuator) Apply(throttle, steering float64) error {
	a.mu.Lock()
	changed := throttle != a.throttle || steering != a.steering
	a.throttle = throttle
	a.steering = steering
	a.mu.Unlock()

	if changed {
		a.logger.Debug().Float64("throttle", throttle).Float64("steering", steering).Msg("drive command")
	}
	return nil
}

// Last returns the most recently applied command.
func (a *LogActuator) Last() (throttle, steering float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.throttle, a.steering
}
