package app

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/peerwave/peerwave/internal/core"
	"github.com/peerwave/peerwave/internal/domain"
)

var (
	// Rejections: the initiation simply does not happen. Never fatal.
	ErrReceiverOffline = errors.New("receiver not present")
	ErrParticipantBusy = errors.New("participant already in a call")
	ErrSelfCall        = errors.New("cannot call yourself")
)

// CallSession is one in-progress call attempt or active call.
// Caller and receiver roles are fixed for its whole lifetime.
type CallSession struct {
	ID       domain.CallID
	Caller   core.UserSession
	Receiver core.UserSession

	mu    sync.Mutex
	phase domain.Phase
	// one bit per direction; both set is the server's proxy for a
	// live media exchange
	signaled [2]bool
	reason   domain.EndReason
}

func (s *CallSession) Phase() domain.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *CallSession) EndReason() domain.EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Participant returns the session holding the given role.
func (s *CallSession) Participant(role domain.Role) core.UserSession {
	if role == domain.RoleCaller {
		return s.Caller
	}
	return s.Receiver
}

// Has reports whether the user takes part in this call.
func (s *CallSession) Has(uid domain.UserID) bool {
	return s.Caller.Profile().ID == uid || s.Receiver.Profile().ID == uid
}

// transition is the single authoritative phase guard. Duplicate moves
// into the current phase are tolerated; anything else illegal errors.
func (s *CallSession) transition(to domain.Phase) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == to {
		return false, nil
	}
	legal := false
	switch to {
	case domain.PhaseNegotiating:
		legal = s.phase == domain.PhaseRinging
	case domain.PhaseActive:
		legal = s.phase == domain.PhaseNegotiating
	case domain.PhaseEnded:
		legal = true
	}
	if !legal {
		return false, fmt.Errorf("illegal call transition %s -> %s", s.phase, to)
	}
	s.phase = to
	return true, nil
}

// CallStore tracks at most one non-ended call session per participant.
type CallStore struct {
	presence *Presence

	mu       sync.Mutex
	sessions map[domain.CallID]*CallSession
	byUser   map[domain.UserID]domain.CallID
}

func NewCallStore(presence *Presence) *CallStore {
	return &CallStore{
		presence: presence,
		sessions: make(map[domain.CallID]*CallSession),
		byUser:   make(map[domain.UserID]domain.CallID),
	}
}

// Initiate creates a call in phase Ringing, or rejects: offline
// receiver, self-call, or either participant already holding a live
// session. Rejection is an expected outcome, not a failure.
func (c *CallStore) Initiate(caller core.UserSession, receiverID domain.UserID) (*CallSession, error) {
	callerID := caller.Profile().ID
	if callerID == receiverID {
		return nil, ErrSelfCall
	}
	receiver, ok := c.presence.Get(receiverID)
	if !ok {
		return nil, ErrReceiverOffline
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, busy := c.byUser[callerID]; busy {
		return nil, ErrParticipantBusy
	}
	if _, busy := c.byUser[receiverID]; busy {
		return nil, ErrParticipantBusy
	}

	sess := &CallSession{
		ID:       domain.NewCallID(),
		Caller:   caller,
		Receiver: receiver,
		phase:    domain.PhaseRinging,
	}
	c.sessions[sess.ID] = sess
	c.byUser[callerID] = sess.ID
	c.byUser[receiverID] = sess.ID

	log.Info().Str("module", "app.calls").
		Str("call_id", string(sess.ID)).
		Str("caller", string(callerID)).
		Str("receiver", string(receiverID)).
		Msg("call initiated")
	return sess, nil
}

// Accept moves Ringing -> Negotiating. Calling it on a session already
// past Ringing is a no-op so duplicate UI triggers stay harmless.
func (c *CallStore) Accept(sess *CallSession) {
	changed, err := sess.transition(domain.PhaseNegotiating)
	if err != nil || !changed {
		return
	}
	log.Info().Str("module", "app.calls").
		Str("call_id", string(sess.ID)).
		Msg("call accepted")
}

// RecordSignal notes one relayed negotiation payload. The receiver's
// first payload is an implicit accept; once both directions have
// signaled the session is considered active.
func (c *CallStore) RecordSignal(sess *CallSession, from domain.Role) {
	sess.mu.Lock()
	sess.signaled[from] = true
	both := sess.signaled[domain.RoleCaller] && sess.signaled[domain.RoleReceiver]
	sess.mu.Unlock()

	if from == domain.RoleReceiver {
		c.Accept(sess)
	}
	if both {
		if changed, err := sess.transition(domain.PhaseActive); err == nil && changed {
			log.Info().Str("module", "app.calls").
				Str("call_id", string(sess.ID)).
				Msg("call active")
		}
	}
}

// End moves the session to Ended and drops it from the store. It is
// idempotent: teardown fires from several independent sources (user
// hangup, failure detector, disconnect events) and only the first one
// observes true.
func (c *CallStore) End(sess *CallSession, reason domain.EndReason) bool {
	if sess == nil {
		return false
	}
	changed, _ := sess.transition(domain.PhaseEnded)
	if !changed {
		return false
	}
	sess.mu.Lock()
	sess.reason = reason
	sess.mu.Unlock()

	c.mu.Lock()
	delete(c.sessions, sess.ID)
	if id, ok := c.byUser[sess.Caller.Profile().ID]; ok && id == sess.ID {
		delete(c.byUser, sess.Caller.Profile().ID)
	}
	if id, ok := c.byUser[sess.Receiver.Profile().ID]; ok && id == sess.ID {
		delete(c.byUser, sess.Receiver.Profile().ID)
	}
	c.mu.Unlock()

	log.Info().Str("module", "app.calls").
		Str("call_id", string(sess.ID)).
		Str("reason", string(reason)).
		Msg("call ended")
	return true
}

// Get looks a session up by id; ended sessions are gone.
func (c *CallStore) Get(id domain.CallID) (*CallSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[id]
	return sess, ok
}

// ByUser returns the live session a user participates in, if any.
func (c *CallStore) ByUser(uid domain.UserID) (*CallSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byUser[uid]
	if !ok {
		return nil, false
	}
	sess, ok := c.sessions[id]
	return sess, ok
}
