package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/peerwave/peerwave/internal/domain"
	"github.com/peerwave/peerwave/internal/proto"
)

var (
	ErrAlreadyInCall  = errors.New("already in a call")
	ErrNoIncomingCall = errors.New("no incoming call to join")
	ErrNotRegistered  = errors.New("not registered with the server yet")
)

// EndedResetDelay is how long the terminal "call ended" state stays
// visible before the controller reverts to idle.
const EndedResetDelay = 2 * time.Second

// Controller drives one client's view of the call state machine. All
// session state is owned by the Run loop; public methods hand their
// work to that loop, so no two transitions ever race.
type Controller struct {
	// overridable before Run
	Media      *LocalMedia
	NewLink    LinkFactory
	EndedDelay time.Duration

	profile   domain.Profile
	transport Transport

	cmds  chan func()
	linkC chan LinkEvent

	// loop-owned state
	phase    domain.Phase
	online   []proto.SocketUser
	ongoing  *proto.OngoingCall
	isCaller bool
	link     PeerLink
	endedC   <-chan time.Time

	mu sync.RWMutex // guards snapshot reads of phase/online/ongoing
}

func NewController(profile domain.Profile, transport Transport) *Controller {
	return &Controller{
		Media:      NewLocalMedia(nil),
		NewLink:    NewPionLink,
		EndedDelay: EndedResetDelay,
		profile:    profile,
		transport:  transport,
		cmds:       make(chan func(), 16),
		linkC:      make(chan LinkEvent, 8),
		phase:      domain.PhaseIdle,
	}
}

// Run announces the user and processes events until ctx is done or
// the transport closes. It must be running for the public methods to
// make progress.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.transport.Emit(proto.EventAddNewUser, c.profile); err != nil {
		return fmt.Errorf("announce user: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			c.hangup(false)
			return ctx.Err()
		case ev, ok := <-c.transport.Events():
			if !ok {
				c.hangup(false)
				return nil
			}
			c.handleEvent(ev)
		case le := <-c.linkC:
			c.handleLinkEvent(le)
		case cmd := <-c.cmds:
			cmd()
		case <-c.endedC:
			c.endedC = nil
			if c.phase == domain.PhaseEnded {
				c.setPhase(domain.PhaseIdle)
			}
		}
	}
}

// PlaceCall dials an online user. On rejection or media failure the
// controller stays idle with no session.
func (c *Controller) PlaceCall(target proto.SocketUser) error {
	return c.do(func() error { return c.placeCall(target) })
}

// JoinCall accepts the currently ringing incoming call.
func (c *Controller) JoinCall() error {
	return c.do(func() error { return c.joinCall() })
}

// Hangup ends the current call and tells the other side.
func (c *Controller) Hangup() {
	_ = c.do(func() error {
		c.hangup(true)
		return nil
	})
}

// Phase is the UI-observable call state.
func (c *Controller) Phase() domain.Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// OnlineUsers is the latest presence directory.
func (c *Controller) OnlineUsers() []proto.SocketUser {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]proto.SocketUser, len(c.online))
	copy(out, c.online)
	return out
}

// Ongoing returns the current call, if one exists.
func (c *Controller) Ongoing() (proto.OngoingCall, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ongoing == nil {
		return proto.OngoingCall{}, false
	}
	return *c.ongoing, true
}

func (c *Controller) do(fn func() error) error {
	errc := make(chan error, 1)
	c.cmds <- func() { errc <- fn() }
	return <-errc
}

func (c *Controller) setPhase(p domain.Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
	log.Info().Str("module", "client").
		Str("user", string(c.profile.ID)).
		Str("phase", p.String()).
		Msg("phase change")
}

func (c *Controller) setOngoing(og *proto.OngoingCall) {
	c.mu.Lock()
	c.ongoing = og
	c.mu.Unlock()
}

func (c *Controller) handleEvent(ev Event) {
	switch ev.Name {
	case proto.EventGetUsers:
		var users []proto.SocketUser
		if err := json.Unmarshal(ev.Data, &users); err != nil {
			log.Error().Err(err).Str("module", "client").Msg("bad getUsers payload")
			return
		}
		c.mu.Lock()
		c.online = users
		c.mu.Unlock()
	case proto.EventIncomingCall:
		var p proto.Participants
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			log.Error().Err(err).Str("module", "client").Msg("bad incomingCall payload")
			return
		}
		if c.phase != domain.PhaseIdle {
			log.Warn().Str("module", "client").Msg("incoming call while busy, ignoring")
			return
		}
		c.isCaller = false
		c.setOngoing(&proto.OngoingCall{Participants: p})
		c.setPhase(domain.PhaseRinging)
	case proto.EventWebRTCSignal:
		var p proto.WebRTCSignal
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			log.Error().Err(err).Str("module", "client").Msg("bad webrtcSignal payload")
			return
		}
		c.onNegotiationPayload(p.SDP)
	case proto.EventHangup:
		c.hangup(false)
	default:
		log.Warn().Str("module", "client").Str("event", ev.Name).Msg("unknown event")
	}
}

func (c *Controller) handleLinkEvent(le LinkEvent) {
	switch le {
	case LinkRemoteStream:
		if c.phase == domain.PhaseNegotiating {
			c.setPhase(domain.PhaseActive)
		}
	case LinkClosed:
		c.hangup(false)
	}
}

func (c *Controller) placeCall(target proto.SocketUser) error {
	if c.phase != domain.PhaseIdle {
		return ErrAlreadyInCall
	}

	var self *proto.SocketUser
	for i := range c.online {
		if c.online[i].UserID == c.profile.ID {
			self = &c.online[i]
			break
		}
	}
	if self == nil {
		return ErrNotRegistered
	}

	if _, err := c.Media.Acquire(); err != nil {
		return fmt.Errorf("acquire media: %w", err)
	}

	og := proto.OngoingCall{Participants: proto.Participants{
		Caller:   *self,
		Receiver: target,
	}}
	if err := c.transport.Emit(proto.EventCall, og.Participants); err != nil {
		c.Media.Release()
		return fmt.Errorf("emit call: %w", err)
	}

	c.isCaller = true
	c.setOngoing(&og)
	c.setPhase(domain.PhaseRinging)
	return nil
}

func (c *Controller) joinCall() error {
	if c.phase != domain.PhaseRinging || c.isCaller || c.ongoing == nil {
		return ErrNoIncomingCall
	}
	c.setPhase(domain.PhaseNegotiating)

	src, err := c.Media.Acquire()
	if err != nil {
		// the caller is waiting on us; clear the session both ways
		c.hangup(true)
		return fmt.Errorf("acquire media: %w", err)
	}

	link, err := c.newLinkFor(src, true, *c.ongoing, false)
	if err != nil {
		c.hangup(true)
		return fmt.Errorf("create peer link: %w", err)
	}
	c.link = link
	return nil
}

// onNegotiationPayload feeds one relayed payload into the link,
// creating the non-offering link on first contact. Recreating a link
// mid-negotiation would desynchronize the exchange, so an existing
// link is always reused.
func (c *Controller) onNegotiationPayload(payload json.RawMessage) {
	if c.ongoing == nil {
		log.Warn().Str("module", "client").Msg("negotiation payload without a call, dropping")
		return
	}
	// the caller's view leaves ringing once negotiation traffic flows
	if c.phase == domain.PhaseRinging {
		c.setPhase(domain.PhaseNegotiating)
	}

	if c.link == nil {
		src, err := c.Media.Acquire()
		if err != nil {
			log.Error().Err(err).Str("module", "client").Msg("media lost mid-negotiation")
			c.hangup(true)
			return
		}
		link, err := c.newLinkFor(src, false, *c.ongoing, c.isCaller)
		if err != nil {
			log.Error().Err(err).Str("module", "client").Msg("create peer link")
			c.hangup(true)
			return
		}
		c.link = link
	}

	if err := c.link.Signal(payload); err != nil {
		log.Error().Err(err).Str("module", "client").Msg("feed negotiation payload")
	}
}

func (c *Controller) newLinkFor(src MediaSource, initiator bool, og proto.OngoingCall, asCaller bool) (PeerLink, error) {
	out := func(payload json.RawMessage) {
		err := c.transport.Emit(proto.EventWebRTCSignal, proto.WebRTCSignal{
			SDP:         payload,
			OngoingCall: og,
			IsCaller:    asCaller,
		})
		if err != nil {
			log.Error().Err(err).Str("module", "client").Msg("emit negotiation payload")
		}
	}
	notify := func(le LinkEvent) {
		select {
		case c.linkC <- le:
		default:
			log.Warn().Str("module", "client").Int("event", int(le)).Msg("link event dropped")
		}
	}
	return c.NewLink(src, initiator, out, notify)
}

// hangup is the single teardown path: local click, remote notice,
// link failure and transport loss all converge here, so it must stay
// idempotent. emit is false when reacting to a remote or failure
// trigger, to avoid an echo loop.
func (c *Controller) hangup(emit bool) {
	if c.phase == domain.PhaseIdle && c.ongoing == nil {
		return
	}

	if emit && c.ongoing != nil {
		err := c.transport.Emit(proto.EventHangup, proto.Hangup{
			OngoingCall:     *c.ongoing,
			UserHangingupID: c.profile.ID,
		})
		if err != nil {
			log.Warn().Err(err).Str("module", "client").Msg("emit hangup")
		}
	}

	if c.link != nil {
		c.link.Close()
		c.link = nil
	}
	c.Media.Release()
	c.setOngoing(nil)
	c.isCaller = false

	if !c.phase.Terminal() && c.phase != domain.PhaseIdle {
		c.setPhase(domain.PhaseEnded)
		c.endedC = time.After(c.EndedDelay)
	}
}
