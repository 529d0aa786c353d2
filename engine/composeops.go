package engine

import (
	"errors"
	"time"

	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/compose"
	"github.com/mailkit/imapcore/task"
)

// AppendComposed uploads a composed message to mailboxName, preferring
// the CATENATE form when any attachment references an existing IMAP
// part by URL and the server supports it, and falling back to a single
// serialized literal otherwise.
func (e *Engine) AppendComposed(mailboxName string, msg *compose.Message, flags []imap.Flag, date time.Time) (task.AppendResult, error) {
	if hasURLAttachment(msg) {
		pairs, err := msg.CatenatePairs()
		if err != nil {
			return task.AppendResult{}, err
		}
		res, err := e.AppendCatenate(mailboxName, toCatenateParts(pairs), flags)
		var unavailable *ErrExtensionUnavailable
		if err == nil || !errors.As(err, &unavailable) {
			return res, err
		}
		// No CATENATE on this server; serialization needs every body
		// locally, which Serialize enforces.
	}

	raw, err := msg.Serialize()
	if err != nil {
		return task.AppendResult{}, err
	}
	return e.AppendMessage(mailboxName, raw, flags, date)
}

// PrepareSubmission appends the composed message to mailboxName and
// builds the Submission record an external MSA consumes. When the
// server grants APPENDUID and advertises URLAUTH, the record carries a
// BURL URL instead of the raw bytes; any failure on that path quietly
// degrades to raw-DATA submission, since BURL is an optimization, not a
// requirement.
func (e *Engine) PrepareSubmission(mailboxName string, msg *compose.Message, flags []imap.Flag, date time.Time) (*compose.Submission, error) {
	raw, err := msg.Serialize()
	if err != nil {
		return nil, err
	}
	res, err := e.AppendMessage(mailboxName, raw, flags, date)
	if err != nil {
		return nil, err
	}

	if res.HasUID {
		user := e.cfg.Creds.Username
		plain := compose.MessageURL(user, hostOf(e.cfg.Addr), mailboxName, res.UIDValidity, res.UID)
		authURL, err := e.GenURLAuth(compose.URLAuthRump(plain, "submit+"+user), "INTERNAL")
		if err == nil && authURL != "" {
			if verr := e.ValidateSubmission(mailboxName, res.UIDValidity, res.UID, task.UidSubmitOptions{UseBurl: true}); verr == nil {
				return compose.NewSubmission(msg, nil, authURL), nil
			}
		}
	}
	return compose.NewSubmission(msg, raw, ""), nil
}

func hasURLAttachment(msg *compose.Message) bool {
	for _, att := range msg.Attachments {
		if att.ImapURL != "" {
			return true
		}
	}
	return false
}

func toCatenateParts(pairs []compose.CatenatePair) []task.CatenatePart {
	out := make([]task.CatenatePart, len(pairs))
	for i, p := range pairs {
		out[i] = task.CatenatePart{Text: p.Text, URL: p.URL}
	}
	return out
}
