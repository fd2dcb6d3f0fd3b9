package core

import "github.com/peerwave/peerwave/internal/domain"

// UserSession binds an identified user to its current transport
// endpoint. This is what the presence registry stores and the relay
// fans out to. At most one live UserSession exists per user id; a
// reconnect replaces the session and evicts the stale connection.
type UserSession interface {
	Profile() domain.Profile
	ConnID() ConnID
	Signal() SignalConnection
}

type userSession struct {
	profile domain.Profile
	connID  ConnID
	conn    SignalConnection
}

func NewUserSession(profile domain.Profile, connID ConnID, conn SignalConnection) UserSession {
	return &userSession{profile: profile, connID: connID, conn: conn}
}

func (s *userSession) Profile() domain.Profile  { return s.profile }
func (s *userSession) ConnID() ConnID           { return s.connID }
func (s *userSession) Signal() SignalConnection { return s.conn }
