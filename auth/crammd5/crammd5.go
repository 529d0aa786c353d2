// Package crammd5 implements the CRAM-MD5 SASL mechanism (RFC 2195).
package crammd5

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"

	"github.com/mailkit/imapcore/auth"
)

// Mechanism name.
const Name = "CRAM-MD5"

// ClientMechanism implements CRAM-MD5 authentication for clients.
type ClientMechanism struct {
	Username string
	Password string
}

// Name returns "CRAM-MD5".
func (m *ClientMechanism) Name() string { return Name }

// Start returns nil (CRAM-MD5 has no initial response).
func (m *ClientMechanism) Start() ([]byte, error) {
	return nil, nil
}

// Next computes the HMAC-MD5 response to the server challenge.
func (m *ClientMechanism) Next(challenge []byte) ([]byte, error) {
	h := hmac.New(md5.New, []byte(m.Password))
	h.Write(challenge)
	digest := hex.EncodeToString(h.Sum(nil))
	return []byte(m.Username + " " + digest), nil
}

func init() {
	auth.DefaultRegistry.RegisterClient(Name, func() auth.ClientMechanism {
		return &ClientMechanism{}
	})
}
