package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/peerwave/peerwave/internal/core"
	"github.com/peerwave/peerwave/internal/domain"
)

// Presence is the authoritative set of currently reachable users.
// Mutations are serialized behind one mutex so a disconnect racing a
// register always settles into a single consistent ordering, and
// every directory broadcast sees a post-mutation state.
type Presence struct {
	mu     sync.RWMutex
	order  []domain.UserID
	byUser map[domain.UserID]core.UserSession
	byConn map[core.ConnID]domain.UserID
}

func NewPresence() *Presence {
	return &Presence{
		byUser: make(map[domain.UserID]core.UserSession),
		byConn: make(map[core.ConnID]domain.UserID),
	}
}

// Register inserts the session, or replaces the previous one when the
// same user reconnects. The replaced session, if any, is returned so
// the adapter that owns its connection can close it. An invalid
// profile (unauthenticated connection) is rejected, not stored.
func (p *Presence) Register(sess core.UserSession) (core.UserSession, error) {
	profile := sess.Profile()
	if err := profile.Validate(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	uid := profile.ID
	prev, replaced := p.byUser[uid]
	if replaced {
		delete(p.byConn, prev.ConnID())
	} else {
		p.order = append(p.order, uid)
	}
	p.byUser[uid] = sess
	p.byConn[sess.ConnID()] = uid

	log.Info().Str("module", "app.presence").
		Str("user_id", string(uid)).
		Str("conn_id", string(sess.ConnID())).
		Bool("replaced", replaced).
		Msg("registered user")

	if replaced {
		return prev, nil
	}
	return nil, nil
}

// Unregister removes the session whose connection matches. Duplicate
// disconnects, and disconnects of connections already evicted by a
// reconnect, are tolerated as no-ops.
func (p *Presence) Unregister(connID core.ConnID) (core.UserSession, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	uid, ok := p.byConn[connID]
	if !ok {
		return nil, false
	}
	sess := p.byUser[uid]
	delete(p.byConn, connID)
	delete(p.byUser, uid)
	for i, id := range p.order {
		if id == uid {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}

	log.Info().Str("module", "app.presence").
		Str("user_id", string(uid)).
		Str("conn_id", string(connID)).
		Msg("unregistered user")
	return sess, true
}

// Get returns the live session for a user, if present.
func (p *Presence) Get(uid domain.UserID) (core.UserSession, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sess, ok := p.byUser[uid]
	return sess, ok
}

// ByConn resolves the session owning a connection; this is how a
// caller's own identity is recovered from its transport handle.
func (p *Presence) ByConn(connID core.ConnID) (core.UserSession, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	uid, ok := p.byConn[connID]
	if !ok {
		return nil, false
	}
	sess, ok := p.byUser[uid]
	return sess, ok
}

// Snapshot returns all live sessions in insertion order.
func (p *Presence) Snapshot() []core.UserSession {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]core.UserSession, 0, len(p.order))
	for _, uid := range p.order {
		if sess, ok := p.byUser[uid]; ok {
			out = append(out, sess)
		}
	}
	return out
}
