package client_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/meshconf/meshconf/internal/auth"
	"github.com/meshconf/meshconf/internal/client"
	"github.com/meshconf/meshconf/internal/config"
	"github.com/meshconf/meshconf/internal/metrics"
	"github.com/meshconf/meshconf/internal/peer"
	"github.com/meshconf/meshconf/internal/registry"
	"github.com/meshconf/meshconf/internal/signaling"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type relayFixture struct {
	url string
	reg *registry.Registry
	m   *metrics.Metrics
}

func startRelay(t *testing.T, cfg signaling.Config) relayFixture {
	t.Helper()

	if cfg.Registry == nil {
		cfg.Registry = registry.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	cfg.Logger = testLogger()

	srv := signaling.NewServer(cfg)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	return relayFixture{
		url: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		reg: cfg.Registry,
		m:   cfg.Metrics,
	}
}

func newClient(t *testing.T, url, name string, sources ...client.TrackSource) *client.Client {
	t.Helper()
	c, err := client.New(client.Config{
		URL:         url,
		UserID:      "user-" + name,
		DisplayName: name,
		Sources:     sources,
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("new client %s: %v", name, err)
	}
	t.Cleanup(func() { _ = c.Leave() })
	return c
}

func join(t *testing.T, c *client.Client, room string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Join(ctx, room); err != nil {
		t.Fatalf("join: %v", err)
	}
}

func waitEvent(t *testing.T, c *client.Client, kind client.EventKind) client.Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func waitPeerStable(t *testing.T, c *client.Client, remote string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if n, ok := c.Negotiation(remote); ok && n.State() == peer.StateStable {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	n, ok := c.Negotiation(remote)
	if !ok {
		t.Fatalf("no negotiation for %s", remote)
	}
	t.Fatalf("negotiation with %s stuck in %s", remote, n.State())
}

func waitPeerCount(t *testing.T, c *client.Client, want int) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if len(c.Peers()) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("peer count = %d, want %d", len(c.Peers()), want)
}

// The three-way scenario: C joining an established A/B room negotiates with
// both, and B leaving tears down exactly the B legs everywhere.
func TestThreeWaySession(t *testing.T) {
	fx := startRelay(t, signaling.Config{})

	a := newClient(t, fx.url, "alice")
	b := newClient(t, fx.url, "bob")
	c := newClient(t, fx.url, "carol")

	join(t, a, "room-1")
	join(t, b, "room-1")
	waitPeerStable(t, b, a.ConnID())
	waitPeerStable(t, a, b.ConnID())

	join(t, c, "room-1")
	waitPeerStable(t, c, a.ConnID())
	waitPeerStable(t, c, b.ConnID())
	waitPeerStable(t, a, c.ConnID())
	waitPeerStable(t, b, c.ConnID())

	if got := fx.reg.Participants("room-1"); got != 3 {
		t.Fatalf("room size = %d, want 3", got)
	}

	if err := b.Leave(); err != nil {
		t.Fatalf("leave: %v", err)
	}

	evA := waitEvent(t, a, client.EventPeerLeft)
	if evA.From != b.ConnID() {
		t.Fatalf("A saw %s leave, want %s", evA.From, b.ConnID())
	}
	evC := waitEvent(t, c, client.EventPeerLeft)
	if evC.From != b.ConnID() {
		t.Fatalf("C saw %s leave, want %s", evC.From, b.ConnID())
	}

	waitPeerCount(t, a, 1)
	waitPeerCount(t, c, 1)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && fx.reg.Participants("room-1") != 2 {
		time.Sleep(10 * time.Millisecond)
	}
	if got := fx.reg.Participants("room-1"); got != 2 {
		t.Fatalf("room size after leave = %d, want 2", got)
	}

	_ = a.Leave()
	_ = c.Leave()
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && fx.reg.Rooms() != 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if fx.reg.Rooms() != 0 {
		t.Fatalf("empty room was not destroyed")
	}
}

// An abruptly dropped socket must synthesize exactly one departure.
func TestAbruptDisconnectSynthesizesOneLeave(t *testing.T) {
	fx := startRelay(t, signaling.Config{})

	a := newClient(t, fx.url, "alice")
	join(t, a, "room-1")

	// Raw connection standing in for a client whose process dies.
	ws, _, err := websocket.DefaultDialer.Dial(fx.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	joinMsg := signaling.Message{
		Type: signaling.MessageTypeJoinRoom,
		Room: "room-1",
		Join: &signaling.JoinPayload{User: &registry.Participant{}},
	}
	if err := ws.WriteJSON(joinMsg); err != nil {
		t.Fatalf("write join: %v", err)
	}
	ev := waitEvent(t, a, client.EventPeerJoined)

	// Kill the TCP connection without a close handshake.
	_ = ws.UnderlyingConn().Close()

	left := waitEvent(t, a, client.EventPeerLeft)
	if left.From != ev.From {
		t.Fatalf("user-left for %s, want %s", left.From, ev.From)
	}

	select {
	case extra := <-a.Events():
		if extra.Kind == client.EventPeerLeft {
			t.Fatalf("second user-left for the same departure")
		}
	case <-time.After(300 * time.Millisecond):
	}
}

func TestScreenShareSwapAndRevert(t *testing.T) {
	fx := startRelay(t, signaling.Config{})

	camera, err := client.NewSyntheticVideoSource("camera")
	if err != nil {
		t.Fatalf("camera source: %v", err)
	}
	a := newClient(t, fx.url, "alice", camera)
	b := newClient(t, fx.url, "bob")

	join(t, a, "room-1")
	join(t, b, "room-1")
	waitPeerStable(t, b, a.ConnID())
	waitPeerStable(t, a, b.ConnID())

	screen, err := client.NewSyntheticVideoSource("screen")
	if err != nil {
		t.Fatalf("screen source: %v", err)
	}
	if err := a.StartScreenShare(screen); err != nil {
		t.Fatalf("start screen share: %v", err)
	}

	ev := waitEvent(t, b, client.EventScreenShareStarted)
	if ev.From != a.ConnID() {
		t.Fatalf("screen share announced by %s, want %s", ev.From, a.ConnID())
	}
	if ev.User == nil || !ev.User.ScreenSharing {
		t.Fatalf("announcement should carry the sharing flag: %+v", ev.User)
	}

	n, _ := a.Negotiation(b.ConnID())
	foundScreen := false
	for _, sender := range n.Senders() {
		if tr := sender.Track(); tr != nil && tr.ID() == screen.Track().ID() {
			foundScreen = true
		}
	}
	if !foundScreen {
		t.Fatalf("no sender carries the screen track after swap")
	}
	// The swap must not disturb the negotiation.
	if n.State() != peer.StateStable {
		t.Fatalf("negotiation left stable state during swap: %s", n.State())
	}

	if err := a.StopScreenShare(); err != nil {
		t.Fatalf("stop screen share: %v", err)
	}
	waitEvent(t, b, client.EventScreenShareStopped)

	foundCamera := false
	for _, sender := range n.Senders() {
		if tr := sender.Track(); tr != nil && tr.ID() == camera.Track().ID() {
			foundCamera = true
		}
	}
	if !foundCamera {
		t.Fatalf("camera track not restored after stop")
	}

	// Stopping twice is a no-op.
	if err := a.StopScreenShare(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestScreenShareAutoRevertsWhenSourceEnds(t *testing.T) {
	fx := startRelay(t, signaling.Config{})

	a := newClient(t, fx.url, "alice")
	b := newClient(t, fx.url, "bob")
	join(t, a, "room-1")
	join(t, b, "room-1")
	waitPeerStable(t, a, b.ConnID())

	screen, err := client.NewSyntheticVideoSource("screen")
	if err != nil {
		t.Fatalf("screen source: %v", err)
	}
	if err := a.StartScreenShare(screen); err != nil {
		t.Fatalf("start screen share: %v", err)
	}
	waitEvent(t, b, client.EventScreenShareStarted)

	// The source ending out-of-band must revert without an explicit stop.
	_ = screen.Stop()
	waitEvent(t, b, client.EventScreenShareStopped)
}

func TestChatAndRecordingBroadcasts(t *testing.T) {
	fx := startRelay(t, signaling.Config{})

	a := newClient(t, fx.url, "alice")
	b := newClient(t, fx.url, "bob")
	join(t, a, "room-1")
	join(t, b, "room-1")
	waitPeerStable(t, a, b.ConnID())

	if err := a.SendChat("hello mesh"); err != nil {
		t.Fatalf("send chat: %v", err)
	}
	ev := waitEvent(t, b, client.EventChat)
	if ev.Chat == nil || ev.Chat.Text != "hello mesh" {
		t.Fatalf("chat = %+v", ev.Chat)
	}
	if ev.From != a.ConnID() {
		t.Fatalf("chat from %s, want %s", ev.From, a.ConnID())
	}
	if ev.Chat.Timestamp.IsZero() {
		t.Fatalf("chat timestamp must be relay-stamped")
	}

	if err := a.StartRecording(); err != nil {
		t.Fatalf("start recording: %v", err)
	}
	rec := waitEvent(t, b, client.EventRecordingStarted)
	if rec.From != a.ConnID() {
		t.Fatalf("recording announced by %s, want %s", rec.From, a.ConnID())
	}
	if err := a.StopRecording(); err != nil {
		t.Fatalf("stop recording: %v", err)
	}
	waitEvent(t, b, client.EventRecordingStopped)
}

func TestJoinRejectedWhenRoomFull(t *testing.T) {
	fx := startRelay(t, signaling.Config{MaxParticipantsPerRoom: 2})

	a := newClient(t, fx.url, "alice")
	b := newClient(t, fx.url, "bob")
	c := newClient(t, fx.url, "carol")
	join(t, a, "room-1")
	join(t, b, "room-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Join(ctx, "room-1")
	if err == nil || !strings.Contains(err.Error(), "room_full") {
		t.Fatalf("join to full room = %v, want room_full", err)
	}
	if got := fx.reg.Participants("room-1"); got != 2 {
		t.Fatalf("room size = %d, want 2", got)
	}
}

func TestJoinWithJWT(t *testing.T) {
	const secret = "test-secret"
	verifier, err := auth.NewVerifier(config.Config{AuthMode: config.AuthModeJWT, JWTSecret: secret})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	fx := startRelay(t, signaling.Config{
		Verifier: verifier,
		AuthMode: config.AuthModeJWT,
	})

	token := signJWT(t, secret, "user-42", "Dana")
	c, err := client.New(client.Config{
		URL:    fx.url,
		Token:  token,
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = c.Leave() })
	join(t, c, "room-1")

	p, ok := fx.reg.Get("room-1", c.ConnID())
	if !ok {
		t.Fatalf("participant not registered")
	}
	if p.Identity.ID != "user-42" || p.Identity.Name != "Dana" {
		t.Fatalf("identity = %+v, want claims from token", p.Identity)
	}

	bad, err := client.New(client.Config{
		URL:    fx.url,
		Token:  "not-a-token",
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bad.Join(ctx, "room-1"); err == nil {
		t.Fatalf("join with garbage token must fail")
	}
}

func signJWT(t *testing.T, secret, sub, name string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  sub,
		"name": name,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// The relay only guarantees delivery order per sender, so an established
// peer's offer can reach a joiner before the joiner's own room-users ack. The
// client must hold that offer and answer it once the ack lands, not drop it.
func TestOfferArrivingBeforeJoinAckIsAnswered(t *testing.T) {
	remote, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("remote peer: %v", err)
	}
	t.Cleanup(func() { _ = remote.Close() })
	if _, err := remote.CreateDataChannel("data", nil); err != nil {
		t.Fatalf("data channel: %v", err)
	}
	offer, err := remote.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	gathered := webrtc.GatheringCompletePromise(remote)
	if err := remote.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local description: %v", err)
	}
	<-gathered

	answers := make(chan signaling.Message, 1)
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		var joinMsg signaling.Message
		if err := ws.ReadJSON(&joinMsg); err != nil || joinMsg.Type != signaling.MessageTypeJoinRoom {
			t.Errorf("first message = %+v, %v; want join-room", joinMsg, err)
			return
		}

		early := signaling.SDPFromPion(*remote.LocalDescription())
		_ = ws.WriteJSON(signaling.Message{
			Type: signaling.MessageTypeOffer,
			Room: "room-1",
			From: "peer-early",
			To:   "conn-you",
			SDP:  &early,
		})
		_ = ws.WriteJSON(signaling.Message{
			Type:  signaling.MessageTypeRoomUsers,
			Room:  "room-1",
			To:    "conn-you",
			Users: []registry.Participant{},
		})

		for {
			var msg signaling.Message
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type == signaling.MessageTypeAnswer {
				select {
				case answers <- msg:
				default:
				}
			}
		}
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	c := newClient(t, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", "dana")
	join(t, c, "room-1")

	select {
	case ans := <-answers:
		if ans.To != "peer-early" {
			t.Fatalf("answer addressed to %q, want peer-early", ans.To)
		}
		if ans.SDP == nil || ans.SDP.Type != "answer" {
			t.Fatalf("answer payload = %+v", ans.SDP)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("offer delivered before the join ack was never answered")
	}
	if _, ok := c.Negotiation("peer-early"); !ok {
		t.Fatalf("no negotiation for the early offerer; peers: %v", c.Peers())
	}
}
