package task

import (
	"encoding/base64"

	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/auth"
	"github.com/mailkit/imapcore/tree"
	"github.com/mailkit/imapcore/wire"
)

// LoginTask authenticates a freshly-connected session, either via the
// plain LOGIN command or, when the engine has chosen a SASL mechanism
// (server advertises LOGINDISABLED, or a mechanism was requested
// explicitly), via AUTHENTICATE.
type LoginTask struct {
	base
	username string
	password string
	mech     auth.ClientMechanism
}

// NewLogin creates a task issuing the plain LOGIN command.
func NewLogin(username, password string) *LoginTask {
	return &LoginTask{base: newBase(KindLogin, tree.NilIndex), username: username, password: password}
}

// NewAuthenticate creates a task issuing AUTHENTICATE with mech, per the
// negotiated SASL mechanism.
func NewAuthenticate(mech auth.ClientMechanism) *LoginTask {
	return &LoginTask{base: newBase(KindLogin, tree.NilIndex), mech: mech}
}

// Run implements Task.
func (t *LoginTask) Run(rt Runtime) error {
	rt.Acc.Reset()
	if t.mech != nil {
		return t.runAuthenticate(rt)
	}
	return t.runLogin(rt)
}

func (t *LoginTask) runLogin(rt Runtime) error {
	tag, sr, err := rt.Sess.SubmitCommand(func(e *wire.Encoder) {
		e.Atom(imap.CommandLogin).SP()
		e.AString(t.username).SP()
		e.AString(t.password)
	})
	t.activate(tag)
	return t.finishWithStatus(sr, err)
}

// runAuthenticate drives the SASL challenge/response exchange over
// AUTHENTICATE. Every round — the initial response included — goes
// through AwaitContinuation, since a mechanism may legitimately finish
// on any round without the server ever issuing another continuation.
func (t *LoginTask) runAuthenticate(rt Runtime) error {
	ir, err := t.mech.Start()
	if err != nil {
		t.finish(err)
		return err
	}

	tag, cmd, err := rt.Sess.SubmitAuthenticate(func(e *wire.Encoder) {
		e.Atom(imap.CommandAuthenticate).SP().Atom(t.mech.Name())
		if ir != nil {
			e.SP().RawString(encodeSASL(ir))
		}
	})
	t.activate(tag)
	if err != nil {
		t.finish(err)
		return err
	}

	contText, sr, err := rt.Sess.AwaitContinuation(cmd)
	for {
		if err != nil {
			t.finish(err)
			return err
		}
		if sr != nil {
			return t.finishWithStatus(sr, nil)
		}

		challenge, err := decodeSASL(contText)
		if err != nil {
			t.finish(err)
			return err
		}
		resp, err := t.mech.Next(challenge)
		if err != nil {
			t.finish(err)
			return err
		}
		contText, sr, err = rt.Sess.ContinueLine(cmd, encodeSASL(resp))
	}
}

// encodeSASL renders a SASL response for the wire: RFC 4954 reserves the
// bare "=" for an explicitly empty (zero-length, not absent) response.
func encodeSASL(b []byte) string {
	if len(b) == 0 {
		return "="
	}
	return base64.StdEncoding.EncodeToString(b)
}

func decodeSASL(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

func (t *LoginTask) finishWithStatus(sr *imap.StatusResponse, err error) error {
	if err != nil {
		t.finish(err)
		return err
	}
	if sr.Type != imap.StatusResponseTypeOK {
		err := &imap.IMAPError{StatusResponse: sr}
		t.finish(err)
		return err
	}
	t.finish(nil)
	return nil
}
