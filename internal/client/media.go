package client

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// MediaSource supplies the local tracks attached to a peer link.
// Browser capture lives outside this process; the default source
// carries static sample tracks so the negotiation offers real
// audio/video sections.
type MediaSource interface {
	Tracks() []webrtc.TrackLocal
	Close() error
}

// MediaFactory acquires a fresh source. It may fail (no devices,
// permission denied) and that failure aborts the call attempt.
type MediaFactory func() (MediaSource, error)

// LocalMedia is the exclusive handle on the acquired capture source.
// Acquire is idempotent while held; Release stops it exactly once.
type LocalMedia struct {
	mu      sync.Mutex
	factory MediaFactory
	src     MediaSource
}

func NewLocalMedia(factory MediaFactory) *LocalMedia {
	if factory == nil {
		factory = NewStaticSource
	}
	return &LocalMedia{factory: factory}
}

// Acquire returns the held source, acquiring one if needed.
func (m *LocalMedia) Acquire() (MediaSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.src != nil {
		return m.src, nil
	}
	src, err := m.factory()
	if err != nil {
		return nil, err
	}
	m.src = src
	return src, nil
}

// Release stops the held source. Safe to call repeatedly and without
// a prior acquire.
func (m *LocalMedia) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.src == nil {
		return
	}
	_ = m.src.Close()
	m.src = nil
}

// Held reports whether a source is currently acquired.
func (m *LocalMedia) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.src != nil
}

type staticSource struct {
	tracks []webrtc.TrackLocal
}

// NewStaticSource builds one opus audio and one vp8 video track
// sharing a stream id, the shape a browser capture would produce.
func NewStaticSource() (MediaSource, error) {
	streamID := uuid.NewString()
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", streamID,
	)
	if err != nil {
		return nil, err
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", streamID,
	)
	if err != nil {
		return nil, err
	}
	return &staticSource{tracks: []webrtc.TrackLocal{audio, video}}, nil
}

func (s *staticSource) Tracks() []webrtc.TrackLocal { return s.tracks }

func (s *staticSource) Close() error { return nil }
