// Package external implements the EXTERNAL SASL mechanism (RFC 4422).
// This mechanism delegates authentication to an external channel (e.g., TLS client cert).
package external

import (
	"fmt"

	"github.com/mailkit/imapcore/auth"
)

// Mechanism name.
const Name = "EXTERNAL"

// ClientMechanism implements EXTERNAL authentication for clients.
type ClientMechanism struct {
	// AuthzID is the authorization identity (may be empty).
	AuthzID string
}

// Name returns "EXTERNAL".
func (m *ClientMechanism) Name() string { return Name }

// Start returns the authorization identity.
func (m *ClientMechanism) Start() ([]byte, error) {
	return []byte(m.AuthzID), nil
}

// Next is not called for EXTERNAL.
func (m *ClientMechanism) Next(challenge []byte) ([]byte, error) {
	return nil, fmt.Errorf("external: unexpected challenge")
}

func init() {
	auth.DefaultRegistry.RegisterClient(Name, func() auth.ClientMechanism {
		return &ClientMechanism{}
	})
}
