package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/peerwave/peerwave/internal/core"
	"github.com/peerwave/peerwave/internal/domain"
	"github.com/peerwave/peerwave/internal/proto"
)

type emitted struct {
	event string
	data  json.RawMessage
}

type fakeTransport struct {
	mu     sync.Mutex
	sent   []emitted
	events chan Event
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan Event, 16)}
}

func (f *fakeTransport) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, emitted{event: event, data: data})
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Events() <-chan Event { return f.events }
func (f *fakeTransport) Close() error         { return nil }

func (f *fakeTransport) push(event string, payload any) {
	data, _ := json.Marshal(payload)
	f.events <- Event{Name: event, Data: data}
}

func (f *fakeTransport) emittedEvents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, e := range f.sent {
		out[i] = e.event
	}
	return out
}

func (f *fakeTransport) count(event string) int {
	n := 0
	for _, e := range f.emittedEvents() {
		if e == event {
			n++
		}
	}
	return n
}

type fakeLink struct {
	mu        sync.Mutex
	fed       []json.RawMessage
	closed    bool
	initiator bool
	out       func(json.RawMessage)
	notify    func(LinkEvent)
}

func (l *fakeLink) Signal(payload json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fed = append(l.fed, payload)
	return nil
}

func (l *fakeLink) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}

type fakeMedia struct {
	mu       sync.Mutex
	acquires int
	closes   int
	fail     bool
}

func (m *fakeMedia) factory() (MediaSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, errors.New("no camera")
	}
	m.acquires++
	return m, nil
}

func (m *fakeMedia) Tracks() []webrtc.TrackLocal { return nil }

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}

type harness struct {
	ctrl      *Controller
	transport *fakeTransport
	media     *fakeMedia
	links     []*fakeLink
	mu        sync.Mutex
	cancel    context.CancelFunc
}

func newHarness(t *testing.T, uid string) *harness {
	t.Helper()
	h := &harness{
		transport: newFakeTransport(),
		media:     &fakeMedia{},
	}
	ctrl := NewController(domain.Profile{ID: domain.UserID(uid), FullName: "User " + uid}, h.transport)
	ctrl.Media = NewLocalMedia(h.media.factory)
	ctrl.EndedDelay = 20 * time.Millisecond
	ctrl.NewLink = func(media MediaSource, initiator bool, out func(json.RawMessage), notify func(LinkEvent)) (PeerLink, error) {
		link := &fakeLink{initiator: initiator, out: out, notify: notify}
		h.mu.Lock()
		h.links = append(h.links, link)
		h.mu.Unlock()
		return link, nil
	}
	h.ctrl = ctrl

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)
	go func() { _ = ctrl.Run(ctx) }()
	return h
}

func (h *harness) link(t *testing.T, i int) *fakeLink {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		if len(h.links) > i {
			l := h.links[i]
			h.mu.Unlock()
			return l
		}
		h.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("link %d never created", i)
	return nil
}

func waitPhase(t *testing.T, c *Controller, want domain.Phase) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.Phase() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("phase = %s, want %s", c.Phase(), want)
}

func directory(uids ...string) []proto.SocketUser {
	out := make([]proto.SocketUser, len(uids))
	for i, uid := range uids {
		out[i] = proto.SocketUser{
			UserID:   domain.UserID(uid),
			SocketID: core.ConnID("conn-" + uid),
			Profile:  domain.Profile{ID: domain.UserID(uid)},
		}
	}
	return out
}

func TestPlaceCall(t *testing.T) {
	h := newHarness(t, "alice")
	h.transport.push(proto.EventGetUsers, directory("alice", "bob"))

	// directory is consumed asynchronously; PlaceCall serializes after it
	deadline := time.Now().Add(time.Second)
	for len(h.ctrl.OnlineUsers()) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	if err := h.ctrl.PlaceCall(directory("bob")[0]); err != nil {
		t.Fatal(err)
	}
	if got := h.ctrl.Phase(); got != domain.PhaseRinging {
		t.Fatalf("phase = %s, want ringing", got)
	}
	if got := h.transport.emittedEvents(); len(got) != 2 || got[0] != proto.EventAddNewUser || got[1] != proto.EventCall {
		t.Fatalf("emitted %v, want [addNewUser call]", got)
	}
	if !h.ctrl.Media.Held() {
		t.Error("media not held while dialing")
	}

	// a second call attempt while busy is refused locally
	if err := h.ctrl.PlaceCall(directory("bob")[0]); !errors.Is(err, ErrAlreadyInCall) {
		t.Fatalf("err = %v, want ErrAlreadyInCall", err)
	}
}

func TestPlaceCallMediaFailure(t *testing.T) {
	h := newHarness(t, "alice")
	h.media.fail = true
	h.transport.push(proto.EventGetUsers, directory("alice", "bob"))
	deadline := time.Now().Add(time.Second)
	for len(h.ctrl.OnlineUsers()) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	if err := h.ctrl.PlaceCall(directory("bob")[0]); err == nil {
		t.Fatal("expected media failure")
	}
	if got := h.ctrl.Phase(); got != domain.PhaseIdle {
		t.Fatalf("phase = %s, want idle after aborted attempt", got)
	}
	if h.transport.count(proto.EventCall) != 0 {
		t.Error("call emitted despite media failure")
	}
}

func TestPlaceCallBeforeDirectory(t *testing.T) {
	h := newHarness(t, "alice")
	if err := h.ctrl.PlaceCall(proto.SocketUser{UserID: "bob"}); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("err = %v, want ErrNotRegistered", err)
	}
}

func TestReceiverJoinFlow(t *testing.T) {
	h := newHarness(t, "bob")
	participants := proto.Participants{
		Caller:   proto.SocketUser{UserID: "alice"},
		Receiver: proto.SocketUser{UserID: "bob"},
	}
	h.transport.push(proto.EventIncomingCall, participants)
	waitPhase(t, h.ctrl, domain.PhaseRinging)

	if err := h.ctrl.JoinCall(); err != nil {
		t.Fatal(err)
	}
	waitPhase(t, h.ctrl, domain.PhaseNegotiating)

	link := h.link(t, 0)
	if !link.initiator {
		t.Error("joining side must create the offering link")
	}

	// inbound payloads feed the existing link; no second link appears
	h.transport.push(proto.EventWebRTCSignal, proto.WebRTCSignal{SDP: json.RawMessage(`{"type":"answer"}`)})
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		link.mu.Lock()
		n := len(link.fed)
		link.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	h.mu.Lock()
	if len(h.links) != 1 {
		t.Errorf("links created = %d, want 1 (never recreate mid-negotiation)", len(h.links))
	}
	h.mu.Unlock()

	// remote stream arrives
	link.notify(LinkRemoteStream)
	waitPhase(t, h.ctrl, domain.PhaseActive)
}

func TestCallerLinkIsNonOffering(t *testing.T) {
	h := newHarness(t, "alice")
	h.transport.push(proto.EventGetUsers, directory("alice", "bob"))
	deadline := time.Now().Add(time.Second)
	for len(h.ctrl.OnlineUsers()) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if err := h.ctrl.PlaceCall(directory("bob")[0]); err != nil {
		t.Fatal(err)
	}

	h.transport.push(proto.EventWebRTCSignal, proto.WebRTCSignal{SDP: json.RawMessage(`{"type":"offer"}`)})
	link := h.link(t, 0)
	if link.initiator {
		t.Error("caller's link must be the non-offering side")
	}
	waitPhase(t, h.ctrl, domain.PhaseNegotiating)
}

func TestRemoteHangupNoEcho(t *testing.T) {
	h := newHarness(t, "bob")
	h.transport.push(proto.EventIncomingCall, proto.Participants{
		Caller:   proto.SocketUser{UserID: "alice"},
		Receiver: proto.SocketUser{UserID: "bob"},
	})
	waitPhase(t, h.ctrl, domain.PhaseRinging)
	if err := h.ctrl.JoinCall(); err != nil {
		t.Fatal(err)
	}
	link := h.link(t, 0)

	h.transport.push(proto.EventHangup, proto.Hangup{UserHangingupID: "alice"})
	waitPhase(t, h.ctrl, domain.PhaseEnded)

	if h.transport.count(proto.EventHangup) != 0 {
		t.Error("remote hangup echoed back")
	}
	link.mu.Lock()
	if !link.closed {
		t.Error("link not closed on remote hangup")
	}
	link.mu.Unlock()
	if h.ctrl.Media.Held() {
		t.Error("media still held after teardown")
	}

	// local hangup racing in after the remote one changes nothing
	h.ctrl.Hangup()
	h.media.mu.Lock()
	closes := h.media.closes
	h.media.mu.Unlock()
	if closes != 1 {
		t.Errorf("media released %d times, want once", closes)
	}

	// terminal UI state clears on its own
	waitPhase(t, h.ctrl, domain.PhaseIdle)
}

func TestLocalHangupEmitsOnce(t *testing.T) {
	h := newHarness(t, "alice")
	h.transport.push(proto.EventGetUsers, directory("alice", "bob"))
	deadline := time.Now().Add(time.Second)
	for len(h.ctrl.OnlineUsers()) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if err := h.ctrl.PlaceCall(directory("bob")[0]); err != nil {
		t.Fatal(err)
	}

	h.ctrl.Hangup()
	h.ctrl.Hangup()
	if n := h.transport.count(proto.EventHangup); n != 1 {
		t.Fatalf("hangup emitted %d times, want once", n)
	}
	waitPhase(t, h.ctrl, domain.PhaseEnded)
	waitPhase(t, h.ctrl, domain.PhaseIdle)
}

func TestLinkFailureTearsDown(t *testing.T) {
	h := newHarness(t, "bob")
	h.transport.push(proto.EventIncomingCall, proto.Participants{
		Caller:   proto.SocketUser{UserID: "alice"},
		Receiver: proto.SocketUser{UserID: "bob"},
	})
	waitPhase(t, h.ctrl, domain.PhaseRinging)
	if err := h.ctrl.JoinCall(); err != nil {
		t.Fatal(err)
	}
	link := h.link(t, 0)

	// connectivity layer reports failure
	link.notify(LinkClosed)
	waitPhase(t, h.ctrl, domain.PhaseEnded)
	if h.ctrl.Media.Held() {
		t.Error("media survived link failure")
	}
	waitPhase(t, h.ctrl, domain.PhaseIdle)
}
