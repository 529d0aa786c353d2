// Package xoauth2 implements the XOAUTH2 SASL mechanism used by Google.
package xoauth2

import (
	"fmt"

	"github.com/mailkit/imapcore/auth"
)

// Mechanism name.
const Name = "XOAUTH2"

// ClientMechanism implements XOAUTH2 authentication for clients.
type ClientMechanism struct {
	Username    string
	AccessToken string
}

// Name returns "XOAUTH2".
func (m *ClientMechanism) Name() string { return Name }

// Start returns the initial response in XOAUTH2 format.
func (m *ClientMechanism) Start() ([]byte, error) {
	// Format: "user=" {User} "\x01auth=Bearer " {Access Token} "\x01\x01"
	ir := fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", m.Username, m.AccessToken)
	return []byte(ir), nil
}

// Next handles error responses from the server.
func (m *ClientMechanism) Next(challenge []byte) ([]byte, error) {
	// Send empty response to acknowledge the error
	return []byte{}, nil
}

func init() {
	auth.DefaultRegistry.RegisterClient(Name, func() auth.ClientMechanism {
		return &ClientMechanism{}
	})
}
