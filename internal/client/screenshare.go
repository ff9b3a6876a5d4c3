package client

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/meshconf/meshconf/internal/signaling"
)

// screenShare tracks one active substitution: which senders were swapped and
// what camera track each one must get back.
type screenShare struct {
	source TrackSource
	prev   map[*webrtc.RTPSender]webrtc.TrackLocal
	cancel chan struct{}
}

// StartScreenShare swaps the outgoing video track on every active negotiation
// for the screen source via RTPSender.ReplaceTrack. No renegotiation happens;
// remote peers keep decoding the same sender, now carrying screen content.
// Safe with zero negotiations: only the announcement goes out.
func (c *Client) StartScreenShare(source TrackSource) error {
	if source == nil {
		return errors.New("screen share needs a source")
	}
	track := source.Track()
	if track == nil || track.Kind() != webrtc.RTPCodecTypeVideo {
		return errors.New("screen share source must produce a video track")
	}

	c.mu.Lock()
	if c.state != StateJoined {
		c.mu.Unlock()
		return fmt.Errorf("cannot screen share in state %s", c.state)
	}
	if c.screen != nil {
		c.mu.Unlock()
		return errors.New("screen share already active")
	}
	ss := &screenShare{
		source: source,
		prev:   make(map[*webrtc.RTPSender]webrtc.TrackLocal),
		cancel: make(chan struct{}),
	}
	c.screen = ss
	negs := make([]*peerSenders, 0, len(c.negotiations))
	for _, n := range c.negotiations {
		negs = append(negs, &peerSenders{remote: n.RemoteConnID(), senders: n.Senders()})
	}
	c.mu.Unlock()

	if err := source.Start(); err != nil {
		c.clearScreen(ss)
		return fmt.Errorf("start screen source: %w", err)
	}

	for _, ps := range negs {
		for _, sender := range ps.senders {
			current := sender.Track()
			if current == nil || current.Kind() != webrtc.RTPCodecTypeVideo {
				continue
			}
			if err := sender.ReplaceTrack(track); err != nil {
				c.log.Warn("replace track failed", "remote", ps.remote, "err", err)
				continue
			}
			ss.prev[sender] = current
		}
	}

	if err := c.writeMsg(signaling.Message{Type: signaling.MessageTypeStartScreenShare}); err != nil {
		c.log.Warn("announce screen share failed", "err", err)
	}

	// Auto-revert when the capture ends on its own (OS-level stop).
	go func() {
		select {
		case <-source.Done():
			if err := c.StopScreenShare(); err != nil {
				c.log.Warn("auto-revert screen share failed", "err", err)
			}
		case <-ss.cancel:
		}
	}()

	return nil
}

// StopScreenShare restores the camera track on every swapped sender and
// announces the end of the share. Idempotent.
func (c *Client) StopScreenShare() error {
	ss := c.takeScreen()
	if ss == nil {
		return nil
	}

	c.revertScreen(ss)

	if err := c.writeMsg(signaling.Message{Type: signaling.MessageTypeStopScreenShare}); err != nil {
		return fmt.Errorf("announce screen share stop: %w", err)
	}
	return nil
}

// stopScreenShareLocalOnly reverts the swap without signaling, for teardown
// paths where the socket is already gone or about to be.
func (c *Client) stopScreenShareLocalOnly() error {
	ss := c.takeScreen()
	if ss == nil {
		return nil
	}
	c.revertScreen(ss)
	return nil
}

func (c *Client) takeScreen() *screenShare {
	c.mu.Lock()
	defer c.mu.Unlock()
	ss := c.screen
	c.screen = nil
	return ss
}

func (c *Client) clearScreen(ss *screenShare) {
	c.mu.Lock()
	if c.screen == ss {
		c.screen = nil
	}
	c.mu.Unlock()
}

func (c *Client) revertScreen(ss *screenShare) {
	close(ss.cancel)
	for sender, camera := range ss.prev {
		if err := sender.ReplaceTrack(camera); err != nil {
			c.log.Warn("restore camera track failed", "err", err)
		}
	}
	_ = ss.source.Stop()
}

type peerSenders struct {
	remote  string
	senders []*webrtc.RTPSender
}
