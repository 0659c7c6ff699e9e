package relayclient

import (
	"github.com/rs/zerolog"

	"github.com/roverlink/roverlink/internal/lifecycle"
	"github.com/roverlink/roverlink/internal/registry"
)

// ManagerHandlers builds the Handlers that feed a lifecycle.Manager from relay
// events: membership updates plus the offer/answer/candidate triplet. The
// manager is resolved through a func because it is usually constructed after
// the client (the manager's Signaler is the client itself); it must be
// non-nil by the time the first room is joined.
//
// Callers set OnDisconnect (and any other handlers they need) on the returned
// value before dialing.
func ManagerHandlers(logger zerolog.Logger, mgr func() *lifecycle.Manager) Handlers {
	return Handlers{
		OnJoinedRoom: func(selfID, roomID string, members []registry.Member) {
			peers := make([]registry.Member, 0, len(members))
			for _, m := range members {
				if m.ID != selfID {
					peers = append(peers, m)
				}
			}
			logger.Info().
				Str("room", roomID).
				Str("self_id", selfID).
				Int("peers", len(peers)).
				Msg("joined room")
			mgr().SetMembers(peers)
		},
		OnUserJoined: func(mem registry.Member) {
			logger.Info().Str("user_id", mem.ID).Str("role", string(mem.Info.Role)).Msg("peer joined")
			mgr().HandleUserJoined(mem)
		},
		OnUserLeft: func(userID string) {
			logger.Info().Str("user_id", userID).Msg("peer left")
			mgr().HandleUserLeft(userID)
		},
		OnOffer: func(fromUserID string, desc lifecycle.SessionDescription) {
			if err := mgr().HandleOffer(fromUserID, desc); err != nil {
				logger.Warn().Err(err).Str("from", fromUserID).Msg("offer rejected")
			}
		},
		OnAnswer: func(fromUserID string, desc lifecycle.SessionDescription) {
			if err := mgr().HandleAnswer(fromUserID, desc); err != nil {
				logger.Warn().Err(err).Str("from", fromUserID).Msg("answer rejected")
			}
		},
		OnCandidate: func(fromUserID string, cand lifecycle.Candidate) {
			mgr().HandleCandidate(fromUserID, cand)
		},
	}
}
