package task

import (
	"crypto/tls"
	"fmt"
	"io"

	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/tree"
	"github.com/mailkit/imapcore/wire"
)

// StartTLSTask issues STARTTLS and, on a successful tagged OK, invokes
// Upgrade to perform the handshake and swaps the session's transport.
// The session must not carry further submissions until the
// handshake result is known; since Run blocks the calling goroutine for
// exactly that duration, no further task can activate on this
// connection until StartTLSTask itself returns.
type StartTLSTask struct {
	base
	Upgrade func() (io.ReadWriteCloser, error)
}

// NewStartTLS creates a StartTLS task. upgrade performs the TLS
// handshake over the live connection (e.g. tls.Client(conn, cfg).
// HandshakeContext) and returns the wrapped connection.
func NewStartTLS(upgrade func() (io.ReadWriteCloser, error)) *StartTLSTask {
	return &StartTLSTask{base: newBase(KindStartTLS, tree.NilIndex), Upgrade: upgrade}
}

// Run implements Task.
func (t *StartTLSTask) Run(rt Runtime) error {
	rt.Acc.Reset()
	// Pause before submitting so the session's reader stops after
	// delivering the tagged OK, instead of racing the TLS handshake for
	// bytes on the plaintext conn.
	rt.Sess.PauseReader()
	tag, _, err := rt.Sess.SubmitCommand(func(e *wire.Encoder) {
		e.Atom(imap.CommandStartTLS)
	})
	t.activate(tag)
	if err != nil {
		// The reader is parked awaiting an upgrade that will never
		// come; tear the session down rather than leave it wedged.
		rt.Sess.Close()
		t.finish(err)
		return err
	}

	conn, err := t.Upgrade()
	if err != nil {
		// A failed handshake leaves the transport in an unknowable
		// state; the session is failed outright.
		rt.Sess.Close()
		err = fmt.Errorf("imap: STARTTLS handshake failed: %w", err)
		t.finish(err)
		return err
	}
	rt.Sess.Upgrade(conn)
	t.finish(nil)
	return nil
}

// EnsureTLSConfig fills in a minimal *tls.Config if cfg is nil, so
// callers of the engine do not need to construct one for the common
// case of validating against the system root pool.
func EnsureTLSConfig(cfg *tls.Config, serverName string) *tls.Config {
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}
	return cfg
}
