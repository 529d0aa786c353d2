package crammd5

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/mailkit/imapcore/auth"
)

// --- ClientMechanism Tests ---

func TestClientMechanismName(t *testing.T) {
	m := &ClientMechanism{}
	if m.Name() != "CRAM-MD5" {
		t.Errorf("expected name CRAM-MD5, got %s", m.Name())
	}
}

func TestClientMechanismStartReturnsNil(t *testing.T) {
	m := &ClientMechanism{Username: "user", Password: "pass"}
	ir, err := m.Start()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ir != nil {
		t.Errorf("expected nil initial response, got %q", ir)
	}
}

func TestClientMechanismNextComputesHMAC(t *testing.T) {
	m := &ClientMechanism{
		Username: "testuser",
		Password: "testpass",
	}

	challenge := []byte("<1234.5678@localhost>")
	resp, err := m.Next(challenge)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Verify the HMAC-MD5 computation manually
	h := hmac.New(md5.New, []byte("testpass"))
	h.Write(challenge)
	expectedDigest := hex.EncodeToString(h.Sum(nil))
	expectedResp := "testuser " + expectedDigest

	if string(resp) != expectedResp {
		t.Errorf("expected response %q, got %q", expectedResp, string(resp))
	}
}

func TestClientMechanismNextFormat(t *testing.T) {
	m := &ClientMechanism{
		Username: "joe",
		Password: "secret",
	}

	challenge := []byte("<challenge@host>")
	resp, err := m.Next(challenge)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Response should be "username space hex-digest"
	parts := strings.SplitN(string(resp), " ", 2)
	if len(parts) != 2 {
		t.Fatalf("expected response in 'username digest' format, got %q", string(resp))
	}
	if parts[0] != "joe" {
		t.Errorf("expected username 'joe', got %q", parts[0])
	}
	// Digest should be 32 hex characters (128-bit MD5)
	if len(parts[1]) != 32 {
		t.Errorf("expected 32-char hex digest, got %d chars: %q", len(parts[1]), parts[1])
	}
}

func TestClientMechanismNextEmptyChallenge(t *testing.T) {
	m := &ClientMechanism{
		Username: "user",
		Password: "pass",
	}

	resp, err := m.Next([]byte{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Should still compute HMAC with empty challenge
	h := hmac.New(md5.New, []byte("pass"))
	h.Write([]byte{})
	expectedDigest := hex.EncodeToString(h.Sum(nil))
	expected := "user " + expectedDigest
	if string(resp) != expected {
		t.Errorf("expected %q, got %q", expected, string(resp))
	}
}

func TestClientMechanismNextDifferentPasswords(t *testing.T) {
	challenge := []byte("<test@localhost>")

	m1 := &ClientMechanism{Username: "user", Password: "pass1"}
	m2 := &ClientMechanism{Username: "user", Password: "pass2"}

	resp1, _ := m1.Next(challenge)
	resp2, _ := m2.Next(challenge)

	if string(resp1) == string(resp2) {
		t.Error("different passwords should produce different responses")
	}
}

func TestNameConstant(t *testing.T) {
	if Name != "CRAM-MD5" {
		t.Errorf("expected Name constant to be CRAM-MD5, got %s", Name)
	}
}

// --- Interface Compliance Tests ---

func TestClientMechanismImplementsInterface(t *testing.T) {
	var _ auth.ClientMechanism = &ClientMechanism{}
}

func TestClientMechanismNextDifferentChallenges(t *testing.T) {
	m1 := &ClientMechanism{Username: "user", Password: "secret"}
	m2 := &ClientMechanism{Username: "user", Password: "secret"}
	r1, err := m1.Next([]byte("<1@localhost>"))
	if err != nil {
		t.Fatalf("Next returned error: %v", err)
	}
	r2, err := m2.Next([]byte("<2@localhost>"))
	if err != nil {
		t.Fatalf("Next returned error: %v", err)
	}
	if string(r1) == string(r2) {
		t.Error("different challenges produced the same digest")
	}
}

func TestRegisteredInDefaultRegistry(t *testing.T) {
	m, err := auth.DefaultRegistry.NewClientMechanism(Name)
	if err != nil {
		t.Fatalf("NewClientMechanism(%s): %v", Name, err)
	}
	if m.Name() != Name {
		t.Errorf("mechanism name = %q", m.Name())
	}
}
