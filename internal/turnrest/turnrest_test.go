package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strings"
	"testing"
	"time"
)

func fixedGenerator(t *testing.T, secret string, ttl time.Duration, at int64) *Generator {
	t.Helper()
	g, err := NewGenerator(secret, ttl, "meshconf")
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	g.now = func() time.Time { return time.Unix(at, 0).UTC() }
	return g
}

func TestGenerate_CoturnCompatible(t *testing.T) {
	g := fixedGenerator(t, "shared-secret", time.Hour, 1_700_000_000)

	creds, err := g.Generate("conn-123")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	wantUsername := "1700003600:meshconf:conn-123"
	if creds.Username != wantUsername {
		t.Fatalf("Username = %q, want %q", creds.Username, wantUsername)
	}
	if creds.ExpiresAt.Unix() != 1_700_003_600 {
		t.Fatalf("ExpiresAt = %v", creds.ExpiresAt)
	}

	mac := hmac.New(sha1.New, []byte("shared-secret"))
	_, _ = mac.Write([]byte(wantUsername))
	if want := base64.StdEncoding.EncodeToString(mac.Sum(nil)); creds.Credential != want {
		t.Fatalf("Credential = %q, want %q", creds.Credential, want)
	}
}

func TestGenerate_RejectsColonInParticipantID(t *testing.T) {
	g := fixedGenerator(t, "s", time.Minute, 0)
	if _, err := g.Generate("a:b"); err == nil {
		t.Fatalf("colon in participant id must be rejected")
	}
	if _, err := g.Generate(""); err == nil {
		t.Fatalf("empty participant id must be rejected")
	}
}

func TestGenerateAnonymous(t *testing.T) {
	g := fixedGenerator(t, "s", time.Minute, 100)
	a, err := g.GenerateAnonymous()
	if err != nil {
		t.Fatalf("GenerateAnonymous: %v", err)
	}
	b, err := g.GenerateAnonymous()
	if err != nil {
		t.Fatalf("GenerateAnonymous: %v", err)
	}
	if a.Username == b.Username {
		t.Fatalf("anonymous usernames must not repeat")
	}
	if !strings.HasPrefix(a.Username, "160:meshconf:") {
		t.Fatalf("Username = %q", a.Username)
	}
}

func TestNewGenerator_Validation(t *testing.T) {
	if _, err := NewGenerator("", time.Minute, "meshconf"); err == nil {
		t.Fatalf("empty secret must be rejected")
	}
	if _, err := NewGenerator("s", 0, "meshconf"); err == nil {
		t.Fatalf("zero ttl must be rejected")
	}
	if _, err := NewGenerator("s", time.Minute, "a:b"); err == nil {
		t.Fatalf("colon in prefix must be rejected")
	}
}
