// Package scram implements the SCRAM-SHA-1 and SCRAM-SHA-256 SASL
// mechanisms (RFC 5802) for clients.
package scram

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/mailkit/imapcore/auth"
)

// Mechanism names.
const (
	NameSHA1   = "SCRAM-SHA-1"
	NameSHA256 = "SCRAM-SHA-256"
)

// ClientMechanism implements the client side of a SCRAM exchange.
type ClientMechanism struct {
	// Username and Password are the authentication identity.
	Username string
	Password string
	// Nonce overrides the generated client nonce; tests use this to
	// replay the RFC 5802 vectors. Leave empty in production.
	Nonce string

	name    string
	newHash func() hash.Hash

	step            int
	clientFirstBare string
	authMessage     string
	saltedPassword  []byte
}

// NewSHA1 creates a SCRAM-SHA-1 client.
func NewSHA1(username, password string) *ClientMechanism {
	return &ClientMechanism{Username: username, Password: password, name: NameSHA1, newHash: sha1.New}
}

// NewSHA256 creates a SCRAM-SHA-256 client.
func NewSHA256(username, password string) *ClientMechanism {
	return &ClientMechanism{Username: username, Password: password, name: NameSHA256, newHash: sha256.New}
}

// Name returns the mechanism name.
func (m *ClientMechanism) Name() string { return m.name }

// Start returns the client-first message.
func (m *ClientMechanism) Start() ([]byte, error) {
	if m.Nonce == "" {
		raw := make([]byte, 18)
		if _, err := rand.Read(raw); err != nil {
			return nil, fmt.Errorf("scram: nonce: %w", err)
		}
		m.Nonce = base64.StdEncoding.EncodeToString(raw)
	}
	m.clientFirstBare = "n=" + escapeName(m.Username) + ",r=" + m.Nonce
	m.step = 1
	return []byte("n,," + m.clientFirstBare), nil
}

// Next processes the server-first and server-final messages.
func (m *ClientMechanism) Next(challenge []byte) ([]byte, error) {
	switch m.step {
	case 1:
		m.step = 2
		return m.clientFinal(string(challenge))
	case 2:
		m.step = 3
		return nil, m.verifyServerFinal(string(challenge))
	default:
		return nil, fmt.Errorf("scram: unexpected challenge")
	}
}

func (m *ClientMechanism) clientFinal(serverFirst string) ([]byte, error) {
	fields, err := parseFields(serverFirst)
	if err != nil {
		return nil, err
	}
	serverNonce, salt64, iterStr := fields["r"], fields["s"], fields["i"]
	if !strings.HasPrefix(serverNonce, m.Nonce) {
		return nil, fmt.Errorf("scram: server nonce does not extend client nonce")
	}
	salt, err := base64.StdEncoding.DecodeString(salt64)
	if err != nil {
		return nil, fmt.Errorf("scram: bad salt: %w", err)
	}
	iters, err := strconv.Atoi(iterStr)
	if err != nil || iters < 1 {
		return nil, fmt.Errorf("scram: bad iteration count %q", iterStr)
	}

	m.saltedPassword = pbkdf2.Key([]byte(m.Password), salt, iters, m.newHash().Size(), m.newHash)
	clientKey := m.hmac(m.saltedPassword, "Client Key")
	storedKey := m.digest(clientKey)

	withoutProof := "c=biws,r=" + serverNonce
	authMessage := m.clientFirstBare + "," + serverFirst + "," + withoutProof
	clientSignature := m.hmac(storedKey, authMessage)

	proof := make([]byte, len(clientKey))
	for i := range clientKey {
		proof[i] = clientKey[i] ^ clientSignature[i]
	}
	m.authMessage = authMessage
	return []byte(withoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof)), nil
}

func (m *ClientMechanism) verifyServerFinal(serverFinal string) error {
	fields, err := parseFields(serverFinal)
	if err != nil {
		return err
	}
	if e := fields["e"]; e != "" {
		return fmt.Errorf("scram: server error: %s", e)
	}
	want, err := base64.StdEncoding.DecodeString(fields["v"])
	if err != nil {
		return fmt.Errorf("scram: bad server signature: %w", err)
	}
	serverKey := m.hmac(m.saltedPassword, "Server Key")
	got := m.hmac(serverKey, m.authMessage)
	if !hmac.Equal(got, want) {
		return fmt.Errorf("scram: server signature mismatch")
	}
	return nil
}

func (m *ClientMechanism) hmac(key []byte, msg string) []byte {
	h := hmac.New(m.newHash, key)
	h.Write([]byte(msg))
	return h.Sum(nil)
}

func (m *ClientMechanism) digest(data []byte) []byte {
	h := m.newHash()
	h.Write(data)
	return h.Sum(nil)
}

// escapeName applies the "=2C"/"=3D" escaping RFC 5802 requires for
// commas and equals signs in the saslname production.
func escapeName(s string) string {
	s = strings.ReplaceAll(s, "=", "=3D")
	return strings.ReplaceAll(s, ",", "=2C")
}

func parseFields(msg string) (map[string]string, error) {
	out := make(map[string]string)
	for _, part := range strings.Split(msg, ",") {
		if len(part) < 2 || part[1] != '=' {
			return nil, fmt.Errorf("scram: malformed field %q", part)
		}
		out[part[:1]] = part[2:]
	}
	return out, nil
}

func init() {
	auth.DefaultRegistry.RegisterClient(NameSHA1, func() auth.ClientMechanism {
		return NewSHA1("", "")
	})
	auth.DefaultRegistry.RegisterClient(NameSHA256, func() auth.ClientMechanism {
		return NewSHA256("", "")
	})
}
