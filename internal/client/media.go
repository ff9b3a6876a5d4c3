package client

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// TrackSource feeds one outgoing track. Sources are accepted, not produced:
// anything that can pump media into a webrtc.TrackLocal can join a session.
type TrackSource interface {
	// Track is the local track this source writes to. It must be stable for
	// the lifetime of the source.
	Track() webrtc.TrackLocal

	// Start begins producing media. Stop halts it; both are idempotent.
	Start() error
	Stop() error

	// Done closes when the source ends on its own, e.g. the user ends a
	// screen capture from the OS picker.
	Done() <-chan struct{}
}

// SyntheticSource generates an RTP test pattern into a TrackLocalStaticRTP.
// It stands in for camera or screen capture in tests and headless runs; the
// payload is not decodable video, but it exercises the full RTP path.
type SyntheticSource struct {
	track    *webrtc.TrackLocalStaticRTP
	interval time.Duration
	clock    uint32

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
	closed  bool
}

func NewSyntheticVideoSource(id string) (*SyntheticSource, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video-"+id,
		"meshconf-"+id,
	)
	if err != nil {
		return nil, fmt.Errorf("new video track: %w", err)
	}
	// ~30fps: 90kHz clock advances 3000 ticks per frame.
	return &SyntheticSource{track: track, interval: 33 * time.Millisecond, clock: 3000, done: make(chan struct{})}, nil
}

func NewSyntheticAudioSource(id string) (*SyntheticSource, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio-"+id,
		"meshconf-"+id,
	)
	if err != nil {
		return nil, fmt.Errorf("new audio track: %w", err)
	}
	// 20ms opus frames: 48kHz clock advances 960 ticks per packet.
	return &SyntheticSource{track: track, interval: 20 * time.Millisecond, clock: 960, done: make(chan struct{})}, nil
}

func (s *SyntheticSource) Track() webrtc.TrackLocal { return s.track }

func (s *SyntheticSource) Done() <-chan struct{} { return s.done }

func (s *SyntheticSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.closed {
		return nil
	}
	s.running = true
	s.stop = make(chan struct{})
	go s.pump(s.stop)
	return nil
}

func (s *SyntheticSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		close(s.stop)
		s.running = false
	}
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

func (s *SyntheticSource) pump(stop chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	seq := uint16(rand.Uint32())
	ts := rand.Uint32()
	payload := make([]byte, 120)
	for i := range payload {
		payload[i] = byte(i)
	}

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			pkt := &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					SequenceNumber: seq,
					Timestamp:      ts,
				},
				Payload: payload,
			}
			seq++
			ts += s.clock
			// WriteRTP is a no-op while the track is unbound; the source can
			// run before any negotiation completes.
			if err := s.track.WriteRTP(pkt); err != nil {
				return
			}
		}
	}
}
