package oauthbearer

import (
	"strings"
	"testing"

	"github.com/mailkit/imapcore/auth"
)

// --- ClientMechanism Tests ---

func TestClientMechanismName(t *testing.T) {
	m := &ClientMechanism{}
	if m.Name() != "OAUTHBEARER" {
		t.Errorf("expected name OAUTHBEARER, got %s", m.Name())
	}
}

func TestClientMechanismStartBasic(t *testing.T) {
	m := &ClientMechanism{
		Username:    "user@example.com",
		AccessToken: "ya29.access-token",
	}

	ir, err := m.Start()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := string(ir)

	// Should start with GS2 header "n,a=<user>,"
	if !strings.HasPrefix(s, "n,a=user@example.com,") {
		t.Errorf("expected GS2 header prefix, got %q", s)
	}

	// Should contain "auth=Bearer ya29.access-token"
	if !strings.Contains(s, "auth=Bearer ya29.access-token") {
		t.Errorf("expected auth=Bearer token in response, got %q", s)
	}

	// Should end with \x01\x01
	if !strings.HasSuffix(s, "\x01\x01") {
		t.Errorf("expected response to end with \\x01\\x01, got %q", s)
	}
}

func TestClientMechanismStartWithHostAndPort(t *testing.T) {
	m := &ClientMechanism{
		Username:    "user",
		AccessToken: "token",
		Host:        "imap.example.com",
		Port:        "993",
	}

	ir, err := m.Start()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := string(ir)

	// Should contain host
	if !strings.Contains(s, "host=imap.example.com") {
		t.Errorf("expected host in response, got %q", s)
	}

	// Should contain port
	if !strings.Contains(s, "port=993") {
		t.Errorf("expected port in response, got %q", s)
	}
}

func TestClientMechanismStartWithoutHostAndPort(t *testing.T) {
	m := &ClientMechanism{
		Username:    "user",
		AccessToken: "token",
	}

	ir, err := m.Start()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := string(ir)

	// Should NOT contain host= or port=
	if strings.Contains(s, "host=") {
		t.Errorf("expected no host in response, got %q", s)
	}
	if strings.Contains(s, "port=") {
		t.Errorf("expected no port in response, got %q", s)
	}
}

func TestClientMechanismStartWithHostOnly(t *testing.T) {
	m := &ClientMechanism{
		Username:    "user",
		AccessToken: "token",
		Host:        "mail.example.com",
	}

	ir, err := m.Start()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := string(ir)
	if !strings.Contains(s, "host=mail.example.com") {
		t.Errorf("expected host in response, got %q", s)
	}
	if strings.Contains(s, "port=") {
		t.Errorf("expected no port in response, got %q", s)
	}
}

func TestClientMechanismStartWithPortOnly(t *testing.T) {
	m := &ClientMechanism{
		Username:    "user",
		AccessToken: "token",
		Port:        "143",
	}

	ir, err := m.Start()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := string(ir)
	if strings.Contains(s, "host=") {
		t.Errorf("expected no host in response, got %q", s)
	}
	if !strings.Contains(s, "port=143") {
		t.Errorf("expected port in response, got %q", s)
	}
}

func TestClientMechanismNextAcknowledgesError(t *testing.T) {
	m := &ClientMechanism{}
	resp, err := m.Next([]byte("error details"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Should return \x01 to acknowledge error
	if len(resp) != 1 || resp[0] != 0x01 {
		t.Errorf("expected [0x01], got %v", resp)
	}
}

func TestNameConstant(t *testing.T) {
	if Name != "OAUTHBEARER" {
		t.Errorf("expected Name constant to be OAUTHBEARER, got %s", Name)
	}
}

// --- Interface Compliance Tests ---

func TestClientMechanismImplementsInterface(t *testing.T) {
	var _ auth.ClientMechanism = &ClientMechanism{}
}

func TestClientMechanismNextWithNilChallenge(t *testing.T) {
	m := &ClientMechanism{}
	resp, err := m.Next(nil)
	if err != nil {
		t.Fatalf("Next returned error: %v", err)
	}
	if len(resp) != 1 || resp[0] != 0x01 {
		t.Errorf("expected single 0x01 acknowledgement, got %v", resp)
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
