package domain

import "github.com/google/uuid"

type CallID string

func NewCallID() CallID { return CallID(uuid.NewString()) }

// Role of a participant within one call. Fixed at initiation for the
// whole lifetime of the session.
type Role int

const (
	RoleCaller Role = iota
	RoleReceiver
)

func (r Role) Other() Role {
	if r == RoleCaller {
		return RoleReceiver
	}
	return RoleCaller
}

func (r Role) String() string {
	if r == RoleCaller {
		return "caller"
	}
	return "receiver"
}

// Phase is the lifecycle state of a call session. Keep values stable,
// they show up in logs and client state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRinging
	PhaseNegotiating
	PhaseActive
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRinging:
		return "ringing"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseActive:
		return "active"
	case PhaseEnded:
		return "ended"
	}
	return "unknown"
}

// Terminal reports whether no further transition is legal from p.
func (p Phase) Terminal() bool { return p == PhaseEnded }

// EndReason says which teardown path closed a session.
type EndReason string

const (
	EndHangup              EndReason = "hangup"
	EndDisconnect          EndReason = "disconnect"
	EndConnectionFailed    EndReason = "connection-failed"
	EndReceiverUnreachable EndReason = "receiver-unreachable"
)
