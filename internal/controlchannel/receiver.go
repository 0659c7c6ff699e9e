package controlchannel

import (
	"github.com/rs/zerolog"

	"github.com/roverlink/roverlink/internal/controlframe"
	"github.com/roverlink/roverlink/internal/lifecycle"
	"github.com/roverlink/roverlink/internal/metrics"
)

// Receiver decodes inbound control frames and hands them to a consumer.
// Malformed frames are counted and dropped; the channel stays up.
type Receiver struct {
	handler func(controlframe.Frame)
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewReceiver(handler func(controlframe.Frame), logger zerolog.Logger, m *metrics.Metrics) *Receiver {
	if m == nil {
		m = metrics.New()
	}
	return &Receiver{
		handler: handler,
		logger:  logger.With().Str("component", "controlchannel").Logger(),
		metrics: m,
	}
}

// Attach subscribes the receiver to a data channel. Called again after each
// reconnection, since the channel identity changes.
func (r *Receiver) Attach(ch lifecycle.DataChannel) {
	ch.OnMessage(r.Handle)
}

// Handle decodes one wire frame. Exposed for transports that deliver raw
// payloads directly.
func (r *Receiver) Handle(data []byte) {
	frame, err := controlframe.Decode(data)
	if err != nil {
		r.metrics.Inc(metrics.FramesDroppedMalformed)
		r.logger.Debug().Err(err).Int("len", len(data)).Msg("dropped malformed frame")
		return
	}
	r.handler(frame)
}
