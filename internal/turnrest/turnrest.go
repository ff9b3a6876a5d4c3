// Package turnrest mints coturn-compatible ephemeral TURN credentials
// (draft-uberti-behave-turn-rest). Handing every participant a short-lived
// credential keeps the long-lived TURN shared secret off the wire:
//
//	username   = <unix_expiry>:<prefix>:<participant_id>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Credentials struct {
	Username   string
	Credential string
	ExpiresAt  time.Time
}

type Generator struct {
	secret []byte
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

// NewGenerator builds a credential generator. prefix lands in the minted
// username and must not contain a colon, the field separator.
func NewGenerator(secret string, ttl time.Duration, prefix string) (*Generator, error) {
	if secret == "" {
		return nil, errors.New("turn rest secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("turn rest ttl must be positive")
	}
	if prefix == "" || strings.ContainsRune(prefix, ':') {
		return nil, fmt.Errorf("invalid turn rest username prefix %q", prefix)
	}
	return &Generator{
		secret: []byte(secret),
		ttl:    ttl,
		prefix: prefix,
		now:    time.Now,
	}, nil
}

// Generate mints credentials tied to participantID, typically the signaling
// connection id.
func (g *Generator) Generate(participantID string) (Credentials, error) {
	if participantID == "" || strings.ContainsRune(participantID, ':') {
		return Credentials{}, fmt.Errorf("invalid participant id %q", participantID)
	}
	expires := g.now().UTC().Add(g.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), g.prefix, participantID)
	mac := hmac.New(sha1.New, g.secret)
	_, _ = mac.Write([]byte(username))
	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		ExpiresAt:  expires,
	}, nil
}

// GenerateAnonymous mints credentials for callers that have no connection id
// yet, e.g. the pre-join ICE config fetch.
func (g *Generator) GenerateAnonymous() (Credentials, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return Credentials{}, err
	}
	return g.Generate(hex.EncodeToString(b[:]))
}
