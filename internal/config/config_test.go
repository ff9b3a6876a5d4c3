package config

import (
	"strings"
	"testing"
	"time"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(nil, lookupFrom(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("ListenAddr = %q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.AuthMode != AuthModeNone {
		t.Fatalf("AuthMode = %q, want none", cfg.AuthMode)
	}
	if cfg.MaxParticipantsPerRoom != DefaultMaxParticipantsPerRoom {
		t.Fatalf("MaxParticipantsPerRoom = %d", cfg.MaxParticipantsPerRoom)
	}
	if cfg.MaxSignalingMessageBytes != DefaultMaxSignalingMessageBytes {
		t.Fatalf("MaxSignalingMessageBytes = %d", cfg.MaxSignalingMessageBytes)
	}
}

func TestLoad_EnvAndFlagOverrides(t *testing.T) {
	env := map[string]string{
		"MESHCONF_LISTEN_ADDR":       "0.0.0.0:9000",
		"MESHCONF_LOG_FORMAT":        "json",
		"MESHCONF_LOG_LEVEL":         "debug",
		"SIGNALING_WS_IDLE_TIMEOUT":  "90s",
		"MAX_PARTICIPANTS_PER_ROOM":  "8",
		"MAX_SIGNALING_MESSAGE_BYTES": "1024",
	}
	cfg, err := load([]string{"-listen-addr", "127.0.0.1:9999"}, lookupFrom(env))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9999" {
		t.Fatalf("flag override lost: %q", cfg.ListenAddr)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("LogFormat = %q", cfg.LogFormat)
	}
	if cfg.SignalingWSIdleTimeout != 90*time.Second {
		t.Fatalf("SignalingWSIdleTimeout = %v", cfg.SignalingWSIdleTimeout)
	}
	if cfg.MaxParticipantsPerRoom != 8 {
		t.Fatalf("MaxParticipantsPerRoom = %d", cfg.MaxParticipantsPerRoom)
	}
	if cfg.MaxSignalingMessageBytes != 1024 {
		t.Fatalf("MaxSignalingMessageBytes = %d", cfg.MaxSignalingMessageBytes)
	}
}

func TestLoad_JWTModeRequiresSecret(t *testing.T) {
	_, err := load(nil, lookupFrom(map[string]string{"AUTH_MODE": "jwt"}))
	if err == nil || !strings.Contains(err.Error(), "JWT_SECRET") {
		t.Fatalf("expected JWT_SECRET error, got %v", err)
	}

	cfg, err := load(nil, lookupFrom(map[string]string{"AUTH_MODE": "jwt", "JWT_SECRET": "s3cret"}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AuthMode != AuthModeJWT {
		t.Fatalf("AuthMode = %q", cfg.AuthMode)
	}
}

func TestLoad_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"bad log format", map[string]string{"MESHCONF_LOG_FORMAT": "xml"}},
		{"bad log level", map[string]string{"MESHCONF_LOG_LEVEL": "loud"}},
		{"bad auth mode", map[string]string{"AUTH_MODE": "basic"}},
		{"room cap too small", map[string]string{"MAX_PARTICIPANTS_PER_ROOM": "1"}},
		{"ping >= idle", map[string]string{"SIGNALING_WS_PING_INTERVAL": "2m"}},
		{"bad duration", map[string]string{"MESHCONF_SHUTDOWN_TIMEOUT": "soon"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := load(nil, lookupFrom(tc.env)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestParseICEServersJSON(t *testing.T) {
	servers, err := ParseICEServersJSON(`[{"urls":"stun:stun.example.com:3478"},{"urls":["turn:turn.example.com"],"username":"u","credential":"p"}]`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("got %d servers", len(servers))
	}
	if servers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("unexpected stun url %q", servers[0].URLs[0])
	}

	if _, err := ParseICEServersJSON(`[{"urls":"turn:turn.example.com"}]`); err == nil {
		t.Fatalf("turn without credentials must be rejected")
	}
	if _, err := ParseICEServersJSON(`[{"urls":"http://example.com"}]`); err == nil {
		t.Fatalf("non-ICE scheme must be rejected")
	}
}

func TestParseICEServersConvenienceEnv(t *testing.T) {
	env := map[string]string{
		"MESHCONF_STUN_URLS": "stun:a.example.com, stun:b.example.com",
	}
	cfg, err := load(nil, lookupFrom(env))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.ICEServers) != 1 || len(cfg.ICEServers[0].URLs) != 2 {
		t.Fatalf("unexpected ice servers: %+v", cfg.ICEServers)
	}

	env["MESHCONF_TURN_URLS"] = "turn:t.example.com"
	if _, err := load(nil, lookupFrom(env)); err == nil {
		t.Fatalf("turn urls without username/credential must be rejected")
	}
}
