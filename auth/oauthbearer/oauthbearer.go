// Package oauthbearer implements the OAUTHBEARER SASL mechanism (RFC 7628).
package oauthbearer

import (
	"strings"

	"github.com/mailkit/imapcore/auth"
)

// Mechanism name.
const Name = "OAUTHBEARER"

// ClientMechanism implements OAUTHBEARER authentication for clients.
type ClientMechanism struct {
	Username    string
	AccessToken string
	Host        string
	Port        string
}

// Name returns "OAUTHBEARER".
func (m *ClientMechanism) Name() string { return Name }

// Start returns the initial client response per RFC 7628.
func (m *ClientMechanism) Start() ([]byte, error) {
	// GS2 header: n,,
	// Then key-value pairs separated by \x01
	var b strings.Builder
	b.WriteString("n,a=")
	b.WriteString(m.Username)
	b.WriteString(",")
	b.WriteByte(0x01)
	if m.Host != "" {
		b.WriteString("host=")
		b.WriteString(m.Host)
		b.WriteByte(0x01)
	}
	if m.Port != "" {
		b.WriteString("port=")
		b.WriteString(m.Port)
		b.WriteByte(0x01)
	}
	b.WriteString("auth=Bearer ")
	b.WriteString(m.AccessToken)
	b.WriteByte(0x01)
	b.WriteByte(0x01)
	return []byte(b.String()), nil
}

// Next handles error responses from the server.
func (m *ClientMechanism) Next(challenge []byte) ([]byte, error) {
	// Acknowledge error
	return []byte{0x01}, nil
}

func init() {
	auth.DefaultRegistry.RegisterClient(Name, func() auth.ClientMechanism {
		return &ClientMechanism{}
	})
}
