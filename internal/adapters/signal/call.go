package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/peerwave/peerwave/internal/app"
	"github.com/peerwave/peerwave/internal/core"
	"github.com/peerwave/peerwave/internal/domain"
	"github.com/peerwave/peerwave/internal/proto"
)

func (ctl *Controller) handleCall(connID core.ConnID, data []byte) {
	var p proto.Participants
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad call payload")
		return
	}

	// the caller is whoever owns this connection, not whatever the
	// payload claims
	caller, ok := ctl.Presence.ByConn(connID)
	if !ok {
		log.Warn().Str("module", "signal").Str("conn_id", string(connID)).Msg("call from unregistered connection")
		return
	}

	if !ctl.Limiter.Allow(caller.Profile().ID) {
		log.Warn().Str("module", "signal").
			Str("caller", string(caller.Profile().ID)).
			Msg("call rate limited")
		ctl.Relay.RejectInitiate(caller, p)
		return
	}

	sess, err := ctl.Calls.Initiate(caller, p.Receiver.UserID)
	if err != nil {
		log.Info().Err(err).Str("module", "signal").
			Str("caller", string(caller.Profile().ID)).
			Str("receiver", string(p.Receiver.UserID)).
			Msg("call rejected")
		ctl.Relay.RejectInitiate(caller, p)
		return
	}

	ctl.Relay.NotifyIncomingCall(sess)
}

func (ctl *Controller) handleWebRTCSignal(connID core.ConnID, data []byte) {
	var p proto.WebRTCSignal
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad webrtcSignal payload")
		return
	}

	sender, sess, ok := ctl.sessionOf(connID)
	if !ok {
		log.Warn().Str("module", "signal").Str("conn_id", string(connID)).Msg("signal without a call")
		return
	}

	role := domain.RoleReceiver
	if sess.Caller.Profile().ID == sender.Profile().ID {
		role = domain.RoleCaller
	}
	ctl.Relay.RelayNegotiationPayload(sess, p.SDP, role)
}

func (ctl *Controller) handleHangup(connID core.ConnID, data []byte) {
	var p proto.Hangup
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad hangup payload")
		return
	}

	sender, sess, ok := ctl.sessionOf(connID)
	if !ok {
		// already torn down elsewhere; duplicate hangups are expected
		return
	}
	ctl.Relay.RelayHangup(sess, sender.Profile().ID)
}

// sessionOf resolves the live call the owner of connID participates in.
func (ctl *Controller) sessionOf(connID core.ConnID) (core.UserSession, *app.CallSession, bool) {
	sender, ok := ctl.Presence.ByConn(connID)
	if !ok {
		return nil, nil, false
	}
	sess, ok := ctl.Calls.ByUser(sender.Profile().ID)
	if !ok {
		return sender, nil, false
	}
	return sender, sess, true
}
