package parser

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/wire"
)

// pendingCmd is a command awaiting its tagged completion.
type pendingCmd struct {
	tag  string
	done chan *imap.StatusResponse
}

// pendingTable tracks in-flight commands by tag, mirroring the
// tag->channel bookkeeping the engine needs to fan tagged completions
// back out to whichever task issued them.
type pendingTable struct {
	mu   sync.Mutex
	cmds map[string]*pendingCmd
}

func newPendingTable() *pendingTable {
	return &pendingTable{cmds: make(map[string]*pendingCmd)}
}

func (t *pendingTable) add(tag string) *pendingCmd {
	cmd := &pendingCmd{tag: tag, done: make(chan *imap.StatusResponse, 1)}
	t.mu.Lock()
	t.cmds[tag] = cmd
	t.mu.Unlock()
	return cmd
}

func (t *pendingTable) complete(tag string, sr *imap.StatusResponse) bool {
	t.mu.Lock()
	cmd, ok := t.cmds[tag]
	if ok {
		delete(t.cmds, tag)
	}
	t.mu.Unlock()
	if ok {
		cmd.done <- sr
	}
	return ok
}

func (t *pendingTable) completeAll(err error) {
	t.mu.Lock()
	cmds := t.cmds
	t.cmds = make(map[string]*pendingCmd)
	t.mu.Unlock()
	for _, cmd := range cmds {
		cmd.done <- &imap.StatusResponse{Type: imap.StatusResponseTypeBAD, Text: err.Error()}
	}
}

type continuationSignal struct {
	text string
	err  error
}

// Session owns one IMAP connection: the wire encoder/decoder, command-tag
// allocation, and the background reader goroutine Go needs to consume the
// stream without blocking the caller. It has no notion of mailbox state or
// command semantics — that belongs to handler/task/engine, which install
// an untagged handler and call SubmitCommand.
type Session struct {
	conn io.ReadWriteCloser
	Enc  *wire.Encoder
	dec  *wire.Decoder

	tagCounter atomic.Int64
	tagPrefix  string

	pending        *pendingTable
	continuationCh chan continuationSignal
	untagged       chan *Response

	mu             sync.Mutex
	onUntagged     func(*Response)
	pause          chan struct{}
	closed         bool
	disconnectOnce sync.Once
	disconnectCh   chan struct{}
	disconnectErr  error
}

// NewSession wraps conn and starts the background reader. tagPrefix
// distinguishes tags across parsers sharing a log (e.g. "A" per parser
// instance).
func NewSession(conn io.ReadWriteCloser, tagPrefix string) *Session {
	s := &Session{
		conn:           conn,
		Enc:            wire.NewEncoder(conn),
		dec:            wire.NewDecoder(conn),
		tagPrefix:      tagPrefix,
		pending:        newPendingTable(),
		continuationCh: make(chan continuationSignal, 1),
		untagged:       make(chan *Response, 64),
		disconnectCh:   make(chan struct{}),
	}
	go s.run()
	return s
}

// NextTag returns a fresh command tag.
func (s *Session) NextTag() string {
	n := s.tagCounter.Add(1)
	return fmt.Sprintf("%s%d", s.tagPrefix, n)
}

// Untagged returns the channel of untagged responses (EXISTS, FETCH,
// LIST, status updates, ...), used during the greeting phase before
// SetUntaggedHandler installs the synchronous consumer.
func (s *Session) Untagged() <-chan *Response {
	return s.untagged
}

// SetUntaggedHandler installs fn as the synchronous consumer of every
// subsequent untagged response. fn runs on the reader goroutine, in
// wire order, which guarantees that untagged responses observed before
// a command's tagged completion are applied before that completion
// unblocks the command's task.
func (s *Session) SetUntaggedHandler(fn func(*Response)) {
	s.mu.Lock()
	s.onUntagged = fn
	s.mu.Unlock()
}

// PauseReader stops the reader goroutine from issuing its next read
// once the response currently in flight (if any) has been delivered.
// The STARTTLS task calls this before submitting the command, so the
// reader cannot steal handshake bytes from the TLS layer; Upgrade
// resumes it over the new transport.
func (s *Session) PauseReader() {
	s.mu.Lock()
	if s.pause == nil {
		s.pause = make(chan struct{})
	}
	s.mu.Unlock()
}

// resumeReader releases a pause, if one is set.
func (s *Session) resumeReader() {
	s.mu.Lock()
	if s.pause != nil {
		close(s.pause)
		s.pause = nil
	}
	s.mu.Unlock()
}

// Done is closed once the transport has failed or Close was called.
func (s *Session) Done() <-chan struct{} {
	return s.disconnectCh
}

// DisconnectErr returns the cause once Done is closed.
func (s *Session) DisconnectErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnectErr
}

// run is the background reader goroutine: it is the one place a Session
// blocks on the transport, translating "readable" into either a
// continuation signal, a completed command, or a queued untagged Response.
func (s *Session) run() {
	for {
		s.mu.Lock()
		pause := s.pause
		dec := s.dec
		s.mu.Unlock()
		if pause != nil {
			select {
			case <-pause:
				continue // re-read dec: Upgrade may have swapped it
			case <-s.disconnectCh:
				return
			}
		}

		resp, err := ReadResponse(dec)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			s.handleDisconnect(err)
			return
		}
		switch {
		case resp.Kind == KindContinuation:
			select {
			case s.continuationCh <- continuationSignal{text: resp.Text}:
			default:
			}
		case resp.Tag != "":
			s.pending.complete(resp.Tag, resp.Status)
		default:
			s.mu.Lock()
			fn := s.onUntagged
			s.mu.Unlock()
			if fn != nil {
				fn(resp)
				continue
			}
			select {
			case s.untagged <- resp:
			case <-s.disconnectCh:
				return
			}
		}
	}
}

func (s *Session) handleDisconnect(err error) {
	if err == nil {
		err = errors.New("connection closed")
	}
	s.disconnectOnce.Do(func() {
		s.mu.Lock()
		s.disconnectErr = err
		s.mu.Unlock()

		s.pending.completeAll(err)
		select {
		case s.continuationCh <- continuationSignal{err: fmt.Errorf("connection closed: %w", err)}:
		default:
		}
		close(s.disconnectCh)
	})
}

// Close tears down the transport and fails any in-flight commands.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.conn.Close()
	s.handleDisconnect(errors.New("session closed"))
	return err
}

// submit writes a complete command line (built by write, which must not
// emit the trailing CRLF) under the given tag and returns a pendingCmd
// whose done channel fires once the tagged response arrives.
func (s *Session) submit(tag string, write func(*wire.Encoder)) (*pendingCmd, error) {
	cmd := s.pending.add(tag)
	s.Enc.Tag(tag)
	s.Enc.SP()
	write(s.Enc)
	s.Enc.CRLF()
	if err := s.Enc.Flush(); err != nil {
		s.pending.complete(tag, &imap.StatusResponse{Type: imap.StatusResponseTypeBAD, Text: err.Error()})
		return nil, err
	}
	return cmd, nil
}

// SubmitCommand writes a tagged command and blocks until its tagged
// response arrives, returning the error form of a non-OK completion.
func (s *Session) SubmitCommand(write func(*wire.Encoder)) (string, *imap.StatusResponse, error) {
	tag := s.NextTag()
	cmd, err := s.submit(tag, write)
	if err != nil {
		return tag, nil, err
	}
	sr := <-cmd.done
	return tag, sr, statusError(sr)
}

// SubmitAndAwaitContinuation writes a tagged command that is expected to
// provoke a "+" continuation request (a synchronizing literal) before the
// command completes, and returns that continuation's text so the caller
// can decide what to write next (e.g. APPEND's message literal).
func (s *Session) SubmitAndAwaitContinuation(write func(*wire.Encoder)) (tag string, cmd *pendingCmd, contText string, err error) {
	tag = s.NextTag()
	cmd, err = s.submit(tag, write)
	if err != nil {
		return tag, nil, "", err
	}
	select {
	case cont := <-s.continuationCh:
		if cont.err != nil {
			return tag, cmd, "", cont.err
		}
		return tag, cmd, cont.text, nil
	case sr := <-cmd.done:
		if err := statusError(sr); err != nil {
			return tag, cmd, "", err
		}
		return tag, cmd, "", errors.New("imap: expected continuation request, got tagged completion")
	}
}

// AwaitCompletion blocks until cmd's tagged response arrives, for use
// after SubmitAndAwaitContinuation once the caller has written whatever
// the continuation unblocked.
func (s *Session) AwaitCompletion(cmd *pendingCmd) (*imap.StatusResponse, error) {
	sr := <-cmd.done
	return sr, statusError(sr)
}

// SubmitAuthenticate writes an AUTHENTICATE-family command and returns
// its pendingCmd without waiting for anything, so the caller can drive
// every round — including the first — through the same AwaitContinuation
// call. This differs from SubmitAndAwaitContinuation, which treats an
// immediate tagged completion as an error: some SASL mechanisms (e.g.
// EXTERNAL with a non-empty initial response) legitimately complete
// without the server ever sending a continuation request.
func (s *Session) SubmitAuthenticate(write func(*wire.Encoder)) (tag string, cmd *pendingCmd, err error) {
	tag = s.NextTag()
	cmd, err = s.submit(tag, write)
	return tag, cmd, err
}

// AwaitContinuation blocks until either another continuation request
// arrives (the next round of a multi-literal command such as CATENATE,
// whose caller has already written up to and including the next
// literal's "{n}" header directly on rt.Sess.Enc) or cmd's tagged
// completion arrives early, signalling the command ended before the
// caller expected (e.g. a mid-stream NO).
func (s *Session) AwaitContinuation(cmd *pendingCmd) (contText string, final *imap.StatusResponse, err error) {
	select {
	case cont := <-s.continuationCh:
		if cont.err != nil {
			return "", nil, cont.err
		}
		return cont.text, nil, nil
	case sr := <-cmd.done:
		return "", sr, nil
	}
}

// ContinueLine writes a bare continuation-response line (already encoded
// by the caller, e.g. base64 SASL data or "*" to cancel) and waits for
// whatever the server sends next: another continuation request or the
// command's tagged completion. Used by multi-round AUTHENTICATE
// exchanges, which SubmitAndAwaitContinuation's single round trip does
// not cover.
func (s *Session) ContinueLine(cmd *pendingCmd, line string) (contText string, final *imap.StatusResponse, err error) {
	s.Enc.RawString(line)
	s.Enc.CRLF()
	if err := s.Enc.Flush(); err != nil {
		return "", nil, err
	}
	select {
	case cont := <-s.continuationCh:
		if cont.err != nil {
			return "", nil, cont.err
		}
		return cont.text, nil, nil
	case sr := <-cmd.done:
		return "", sr, nil
	}
}

// Upgrade replaces the session's transport in place (the STARTTLS
// handshake result), rebuilds the encoder/decoder around it, and
// resumes a reader paused by PauseReader. The caller must have paused
// the reader before the handshake, or the reader's next read races the
// handshake for bytes on the old conn.
func (s *Session) Upgrade(conn io.ReadWriteCloser) {
	s.mu.Lock()
	s.conn = conn
	s.Enc = wire.NewEncoder(conn)
	s.dec = wire.NewDecoder(conn)
	s.mu.Unlock()
	s.resumeReader()
}

func statusError(sr *imap.StatusResponse) error {
	if sr == nil {
		return errors.New("imap: missing command result")
	}
	if sr.Type == imap.StatusResponseTypeOK {
		return nil
	}
	return &imap.IMAPError{StatusResponse: sr}
}
