package client

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// LinkEvent is an asynchronous notification from the peer link,
// consumed by the controller's single state loop.
type LinkEvent int

const (
	// remote media arrived; the call is live
	LinkRemoteStream LinkEvent = iota
	// link closed or the connectivity layer gave up
	LinkClosed
)

// PeerLink is the live negotiation object for one call. At most one
// exists per controller; it is fed remote payloads and pushes its own
// payloads out through the signaling relay.
type PeerLink interface {
	Signal(payload json.RawMessage) error
	Close()
}

// LinkFactory creates a link wired to the given media source.
// initiator decides who produces the first offer. out carries local
// negotiation payloads toward the relay; notify carries link events
// back to the controller loop.
type LinkFactory func(media MediaSource, initiator bool, out func(json.RawMessage), notify func(LinkEvent)) (PeerLink, error)

// signalData is the negotiation payload shape both sides exchange.
// The server relays it verbatim and never parses it.
type signalData struct {
	Type      string                   `json:"type,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// DefaultRTCConfiguration mirrors the STUN set the browser client
// negotiates against.
func DefaultRTCConfiguration() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{
					"stun:stun.l.google.com:19302",
					"stun:stun1.l.google.com:19302",
					"stun:stun2.l.google.com:19302",
					"stun:stun3.l.google.com:19302",
				},
			},
		},
	}
}

type pionLink struct {
	pc     *webrtc.PeerConnection
	out    func(json.RawMessage)
	notify func(LinkEvent)

	mu        sync.Mutex
	pending   []webrtc.ICECandidateInit
	hasRemote bool
	closed    bool
}

// NewPionLink builds a PeerLink over a pion PeerConnection with the
// local tracks attached. The initiating side produces an offer
// immediately; the other side answers when the offer is fed in.
func NewPionLink(media MediaSource, initiator bool, out func(json.RawMessage), notify func(LinkEvent)) (PeerLink, error) {
	pc, err := webrtc.NewPeerConnection(DefaultRTCConfiguration())
	if err != nil {
		return nil, err
	}
	l := &pionLink{pc: pc, out: out, notify: notify}

	if media != nil {
		for _, track := range media.Tracks() {
			if _, err := pc.AddTrack(track); err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("add local track: %w", err)
			}
		}
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		ci := cand.ToJSON()
		l.emit(signalData{Candidate: &ci})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().Str("module", "client.peerlink").
			Str("kind", track.Kind().String()).
			Str("stream_id", track.StreamID()).
			Msg("remote track")
		l.notify(LinkRemoteStream)
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "client.peerlink").Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateDisconnected || s == webrtc.ICEConnectionStateFailed {
			l.notify(LinkClosed)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			l.notify(LinkClosed)
		}
	})

	if initiator {
		if err := l.negotiate(); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}
	return l, nil
}

func (l *pionLink) negotiate() error {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	l.emit(signalData{Type: offer.Type.String(), SDP: offer.SDP})
	return nil
}

// Signal feeds one remote negotiation payload in. Candidates arriving
// before the remote description are held back until it lands.
func (l *pionLink) Signal(payload json.RawMessage) error {
	var data signalData
	if err := json.Unmarshal(payload, &data); err != nil {
		return fmt.Errorf("bad negotiation payload: %w", err)
	}

	if data.Candidate != nil {
		l.mu.Lock()
		if !l.hasRemote {
			l.pending = append(l.pending, *data.Candidate)
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()
		return l.pc.AddICECandidate(*data.Candidate)
	}

	sdpType := webrtc.NewSDPType(data.Type)
	desc := webrtc.SessionDescription{Type: sdpType, SDP: data.SDP}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return err
	}

	l.mu.Lock()
	l.hasRemote = true
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()
	for _, ci := range pending {
		if err := l.pc.AddICECandidate(ci); err != nil {
			log.Warn().Err(err).Str("module", "client.peerlink").Msg("late candidate")
		}
	}

	if sdpType == webrtc.SDPTypeOffer {
		answer, err := l.pc.CreateAnswer(nil)
		if err != nil {
			return err
		}
		if err := l.pc.SetLocalDescription(answer); err != nil {
			return err
		}
		l.emit(signalData{Type: answer.Type.String(), SDP: answer.SDP})
	}
	return nil
}

func (l *pionLink) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	if err := l.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "client.peerlink").Msg("close error")
	}
}

func (l *pionLink) emit(data signalData) {
	b, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Str("module", "client.peerlink").Msg("marshal signal")
		return
	}
	l.out(b)
}
