package webrtctransport

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/roverlink/roverlink/internal/lifecycle"
)

var ErrChannelNotOpen = errors.New("webrtctransport: data channel not open")

// Transport wraps one PeerConnection. It implements lifecycle.Transport and,
// when created with a DataChannelLabel, lifecycle.DataChannel.
//
// Only the offering side pre-creates the data channel; the answering side
// adopts the inbound channel with the matching label.
type Transport struct {
	pc     *webrtc.PeerConnection
	opts   lifecycle.TransportOptions
	logger zerolog.Logger

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	healthFn  func(lifecycle.Health)
	candFn    func(lifecycle.Candidate)
	msgFn     func([]byte)
	trackFn   func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	closeOnce sync.Once
}

func newTransport(pc *webrtc.PeerConnection, opts lifecycle.TransportOptions, logger zerolog.Logger) *Transport {
	t := &Transport{pc: pc, opts: opts, logger: logger}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.emitHealth(mapConnectionState(state))
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end of gathering
		}
		init := c.ToJSON()
		t.emitCandidate(lifecycle.Candidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
	if opts.DataChannelLabel != "" {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != opts.DataChannelLabel {
				_ = dc.Close()
				return
			}
			t.adoptDataChannel(dc)
		})
	}
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		t.mu.Lock()
		fn := t.trackFn
		t.mu.Unlock()
		if fn != nil {
			fn(track, receiver)
		}
	})

	return t
}

func mapConnectionState(state webrtc.PeerConnectionState) lifecycle.Health {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		return lifecycle.HealthConnected
	case webrtc.PeerConnectionStateDisconnected:
		return lifecycle.HealthDisconnected
	case webrtc.PeerConnectionStateFailed:
		return lifecycle.HealthFailed
	case webrtc.PeerConnectionStateClosed:
		return lifecycle.HealthClosed
	default:
		return ""
	}
}

func (t *Transport) emitHealth(h lifecycle.Health) {
	if h == "" {
		return
	}
	t.mu.Lock()
	fn := t.healthFn
	t.mu.Unlock()
	if fn != nil {
		fn(h)
	}
}

func (t *Transport) emitCandidate(c lifecycle.Candidate) {
	t.mu.Lock()
	fn := t.candFn
	t.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// adoptDataChannel wires the message callback through a copy: pion reuses
// internal buffers across deliveries.
func (t *Transport) adoptDataChannel(dc *webrtc.DataChannel) {
	t.mu.Lock()
	old := t.dc
	t.dc = dc
	t.mu.Unlock()
	if old != nil && old != dc {
		_ = old.Close()
	}

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			return
		}
		t.mu.Lock()
		fn := t.msgFn
		t.mu.Unlock()
		if fn != nil {
			fn(append([]byte(nil), msg.Data...))
		}
	})
}

func (t *Transport) SetRemoteDescription(desc lifecycle.SessionDescription) error {
	sdpType := webrtc.NewSDPType(desc.Type)
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP})
}

// CreateOffer attaches the configured outputs (media transceiver, data
// channel), produces the offer and sets it as the local description.
func (t *Transport) CreateOffer(_ context.Context) (lifecycle.SessionDescription, error) {
	if t.opts.Media {
		if _, err := t.pc.AddTransceiverFromKind(
			webrtc.RTPCodecTypeVideo,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly},
		); err != nil {
			return lifecycle.SessionDescription{}, err
		}
	}
	if t.opts.DataChannelLabel != "" {
		// Control traffic is latest-wins: resends of a stale frame are worse
		// than losing it, so the channel is unordered with zero retransmits.
		ordered := false
		var maxRetransmits uint16
		dc, err := t.pc.CreateDataChannel(t.opts.DataChannelLabel, &webrtc.DataChannelInit{
			Ordered:        &ordered,
			MaxRetransmits: &maxRetransmits,
		})
		if err != nil {
			return lifecycle.SessionDescription{}, err
		}
		t.adoptDataChannel(dc)
	}

	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return lifecycle.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return lifecycle.SessionDescription{}, err
	}
	return lifecycle.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (t *Transport) CreateAnswer(_ context.Context) (lifecycle.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return lifecycle.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return lifecycle.SessionDescription{}, err
	}
	return lifecycle.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (t *Transport) AddRemoteCandidate(cand lifecycle.Candidate) error {
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	})
}

func (t *Transport) OnLocalCandidate(fn func(lifecycle.Candidate)) {
	t.mu.Lock()
	t.candFn = fn
	t.mu.Unlock()
}

func (t *Transport) OnHealth(fn func(lifecycle.Health)) {
	t.mu.Lock()
	t.healthFn = fn
	t.mu.Unlock()
}

// OnRemoteTrack registers the callback for inbound media. The controller
// binary uses this to hand the vehicle's video track to its renderer.
func (t *Transport) OnRemoteTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	t.mu.Lock()
	t.trackFn = fn
	t.mu.Unlock()
}

// AddLocalTrack attaches an outbound media track. The vehicle binary uses
// this before answering so its camera feed rides the negotiated session.
func (t *Transport) AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return t.pc.AddTrack(track)
}

func (t *Transport) Ready() bool {
	t.mu.Lock()
	dc := t.dc
	t.mu.Unlock()
	return dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (t *Transport) Send(data []byte) error {
	t.mu.Lock()
	dc := t.dc
	t.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	return dc.Send(data)
}

func (t *Transport) OnMessage(fn func([]byte)) {
	t.mu.Lock()
	t.msgFn = fn
	t.mu.Unlock()
}

func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		dc := t.dc
		t.mu.Unlock()
		if dc != nil {
			_ = dc.Close()
		}
		err = t.pc.Close()
	})
	return err
}
