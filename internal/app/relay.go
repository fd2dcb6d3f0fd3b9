package app

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/peerwave/peerwave/internal/core"
	"github.com/peerwave/peerwave/internal/domain"
	"github.com/peerwave/peerwave/internal/proto"
)

// Relay forwards signaling messages between the two participants of a
// call and broadcasts the presence directory. It never interprets
// negotiation payloads; they pass through verbatim. Delivery failures
// are logged, not surfaced: the channel has no request/response
// coupling to report them over.
type Relay struct {
	Presence *Presence
	Calls    *CallStore
}

func NewRelay(presence *Presence, calls *CallStore) *Relay {
	return &Relay{Presence: presence, Calls: calls}
}

// BroadcastDirectory pushes the full current directory to every
// connected client. Called after every presence mutation.
func (r *Relay) BroadcastDirectory() {
	sessions := r.Presence.Snapshot()
	users := make([]proto.SocketUser, 0, len(sessions))
	for _, s := range sessions {
		users = append(users, socketUser(s))
	}
	for _, s := range sessions {
		r.send(s, proto.EventGetUsers, users)
	}
}

// NotifyIncomingCall delivers the call invitation to the receiver's
// current connection. If the receiver vanished between initiation and
// delivery the session is ended and the caller gets an explicit
// hangup instead of ringing forever.
func (r *Relay) NotifyIncomingCall(sess *CallSession) {
	receiverID := sess.Receiver.Profile().ID
	receiver, ok := r.Presence.Get(receiverID)
	if !ok {
		log.Warn().Str("module", "app.relay").
			Str("call_id", string(sess.ID)).
			Str("receiver", string(receiverID)).
			Msg("receiver gone before invitation, rejecting call")
		if r.Calls.End(sess, domain.EndReceiverUnreachable) {
			r.sendHangup(sess, sess.Caller.Profile().ID, receiverID)
		}
		return
	}
	r.send(receiver, proto.EventIncomingCall, r.OngoingCall(sess).Participants)
}

// RejectInitiate tells a caller its initiation did not happen. The
// hangup notice doubles as the rejection signal so a caller is never
// left ringing against nothing.
func (r *Relay) RejectInitiate(caller core.UserSession, participants proto.Participants) {
	r.send(caller, proto.EventHangup, proto.Hangup{
		OngoingCall:     proto.OngoingCall{Participants: participants},
		UserHangingupID: participants.Receiver.UserID,
	})
}

// RelayNegotiationPayload forwards one opaque payload to whichever
// participant did not send it. An absent peer is logged and dropped;
// the disconnect path tears the session down, not the relay.
func (r *Relay) RelayNegotiationPayload(sess *CallSession, sdp json.RawMessage, from domain.Role) {
	r.Calls.RecordSignal(sess, from)

	targetID := sess.Participant(from.Other()).Profile().ID
	target, ok := r.Presence.Get(targetID)
	if !ok {
		log.Warn().Str("module", "app.relay").
			Str("call_id", string(sess.ID)).
			Str("target", string(targetID)).
			Msg("negotiation target not present, dropping payload")
		return
	}
	r.send(target, proto.EventWebRTCSignal, proto.WebRTCSignal{
		SDP:         sdp,
		OngoingCall: r.OngoingCall(sess),
		IsCaller:    from == domain.RoleCaller,
	})
}

// RelayHangup ends the session and notifies the other participant.
// Ending first keeps the notice single-shot when teardown sources race.
func (r *Relay) RelayHangup(sess *CallSession, initiator domain.UserID) {
	if !r.Calls.End(sess, domain.EndHangup) {
		return
	}
	otherID := sess.Receiver.Profile().ID
	if otherID == initiator {
		otherID = sess.Caller.Profile().ID
	}
	r.sendHangup(sess, otherID, initiator)
}

// DisconnectUser tears down the call a vanished user was part of and
// tells the remaining participant. Duplicate disconnects no-op via the
// idempotent End.
func (r *Relay) DisconnectUser(uid domain.UserID) {
	sess, ok := r.Calls.ByUser(uid)
	if !ok {
		return
	}
	if !r.Calls.End(sess, domain.EndDisconnect) {
		return
	}
	otherID := sess.Receiver.Profile().ID
	if otherID == uid {
		otherID = sess.Caller.Profile().ID
	}
	r.sendHangup(sess, otherID, uid)
}

// OngoingCall builds the wire representation of a session.
func (r *Relay) OngoingCall(sess *CallSession) proto.OngoingCall {
	return proto.OngoingCall{
		Participants: proto.Participants{
			Caller:   socketUser(sess.Caller),
			Receiver: socketUser(sess.Receiver),
		},
	}
}

func (r *Relay) sendHangup(sess *CallSession, to, initiator domain.UserID) {
	target, ok := r.Presence.Get(to)
	if !ok {
		return
	}
	r.send(target, proto.EventHangup, proto.Hangup{
		OngoingCall:     r.OngoingCall(sess),
		UserHangingupID: initiator,
	})
}

func (r *Relay) send(target core.UserSession, event string, payload any) {
	frame, err := proto.Encode(event, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "app.relay").Str("event", event).Msg("encode")
		return
	}
	if err := target.Signal().TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "app.relay").
			Str("event", event).
			Str("target", string(target.Profile().ID)).
			Msg("send failed")
	}
}

func socketUser(s core.UserSession) proto.SocketUser {
	return proto.SocketUser{
		UserID:   s.Profile().ID,
		SocketID: s.ConnID(),
		Profile:  s.Profile(),
	}
}
