package engine

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/auth"
	"github.com/mailkit/imapcore/auth/plain"
	"github.com/mailkit/imapcore/auth/scram"
	"github.com/mailkit/imapcore/extension"
	"github.com/mailkit/imapcore/handler"
	"github.com/mailkit/imapcore/parser"
	"github.com/mailkit/imapcore/state"
	"github.com/mailkit/imapcore/task"
	"github.com/mailkit/imapcore/tree"
)

// parserConn is one pooled connection: its Session, connection-state
// machine, and the accumulator the session's reader fills while a
// task's tag is outstanding. Exactly one task runs against a parserConn
// at a time (busy guards that); untagged responses are interpreted
// synchronously on the session's reader goroutine for as long as the
// session lives.
type parserConn struct {
	id       int
	rawConn  net.Conn
	sess     *parser.Session
	state    *state.Machine
	acc      *handler.Accumulator
	caps     *imap.CapSet
	ext      *extension.Set
	mailbox  string
	msgList  tree.Index
	readOnly bool

	busy      bool
	idle      *task.IdleTask
	noopTimer *time.Timer
}

// acquireParser is the pool's 5-step acquisition: reuse a
// free parser already on mailboxName in the right mode, else a free
// parser on mailboxName in the other mode or with no mailbox selected,
// else dial a fresh one under MaxParsers, else take any free parser
// (the caller re-selects it), else block until one frees up.
func (e *Engine) acquireParser(mailboxName string, readOnly bool) (*parserConn, error) {
	e.mu.Lock()
	for {
		if e.closed {
			e.mu.Unlock()
			return nil, fmt.Errorf("imap: engine closed")
		}

		for _, pc := range e.parsers {
			if !pc.busy && pc.mailbox == mailboxName && (mailboxName == "" || pc.readOnly == readOnly) {
				pc.busy = true
				e.mu.Unlock()
				return pc, nil
			}
		}
		for _, pc := range e.parsers {
			st := pc.state.State()
			if !pc.busy && (st == imap.ConnStateAuthenticated || (st == imap.ConnStateSelected && pc.mailbox == mailboxName)) {
				pc.busy = true
				e.mu.Unlock()
				return pc, nil
			}
		}
		if len(e.parsers) < e.cfg.MaxParsers {
			e.mu.Unlock()
			pc, err := e.bootstrapParser()
			if err != nil {
				return nil, err
			}
			e.mu.Lock()
			pc.busy = true
			e.parsers = append(e.parsers, pc)
			e.mu.Unlock()
			return pc, nil
		}
		for _, pc := range e.parsers {
			st := pc.state.State()
			if !pc.busy && (st == imap.ConnStateAuthenticated || st == imap.ConnStateSelected) {
				pc.busy = true
				e.mu.Unlock()
				return pc, nil
			}
		}
		e.cond.Wait()
	}
}

// acquireSelected returns the free parser currently holding mailboxName
// selected, for operations (FETCH, IDLE) that require an exact match
// rather than any idle connection.
func (e *Engine) acquireSelected(mailboxName string) (*parserConn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, pc := range e.parsers {
		if !pc.busy && pc.mailbox == mailboxName && pc.state.State() == imap.ConnStateSelected {
			pc.busy = true
			return pc, nil
		}
	}
	return nil, fmt.Errorf("imap: mailbox %q is not selected on any idle connection", mailboxName)
}

// releaseParser returns pc to the pool, wakes every waiter, and
// arms the NOOP keepalive timer for a parser sitting idle on a selected
// mailbox.
func (e *Engine) releaseParser(pc *parserConn) {
	e.mu.Lock()
	pc.busy = false
	closed := e.closed
	e.mu.Unlock()
	e.cond.Broadcast()

	if pc.noopTimer != nil {
		pc.noopTimer.Stop()
	}
	if !closed && pc.state.State() == imap.ConnStateSelected && e.cfg.NoopInterval > 0 {
		pc.noopTimer = time.AfterFunc(e.cfg.NoopInterval, func() { e.keepalive(pc) })
	}
}

// keepalive issues a NOOP on pc if it is still idle, re-arming itself
// through the next releaseParser once done.
func (e *Engine) keepalive(pc *parserConn) {
	e.mu.Lock()
	if e.closed || pc.busy {
		e.mu.Unlock()
		return
	}
	pc.busy = true
	e.mu.Unlock()

	defer e.releaseParser(pc)
	if err := task.NewNoop().Run(e.runtime(pc)); err != nil {
		e.observer.Alert(fmt.Sprintf("imap: keepalive NOOP failed: %v", err))
	}
}

// dialWithBackoff retries a failed dial with exponential backoff up to
// ReconnectBackoffMax, the only timer besides the NOOP keepalive. It gives
// up once the backoff would exceed the cap, leaving queued tasks
// pending for a future acquire.
func (e *Engine) dialWithBackoff() (NetConn, error) {
	delay := e.cfg.ReconnectBackoff
	for {
		conn, err := e.cfg.Dial()
		if err == nil {
			return conn, nil
		}
		if delay > e.cfg.ReconnectBackoffMax {
			return nil, fmt.Errorf("imap: dial %s: %w", e.cfg.Addr, err)
		}
		e.cfg.Logger.Warn("dial failed, backing off", "addr", e.cfg.Addr, "delay", delay, "err", err)
		time.Sleep(delay)
		delay *= 2
	}
}

// bootstrapParser dials a fresh transport, reads the greeting, performs
// STARTTLS if applicable, authenticates, and installs the synchronous
// untagged-response handler.
func (e *Engine) bootstrapParser() (*parserConn, error) {
	conn, err := e.dialWithBackoff()
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.mu.Unlock()

	pc := &parserConn{
		id:      id,
		rawConn: conn,
		sess:    parser.NewSession(conn, fmt.Sprintf("P%d", id)),
		state:   state.New(imap.ConnStateEstablished),
		acc:     &handler.Accumulator{},
		caps:    imap.NewCapSet(),
	}

	if err := e.readGreeting(pc); err != nil {
		pc.sess.Close()
		return nil, err
	}

	// From here on untagged responses are interpreted synchronously on
	// the session's reader goroutine, so a task can never observe its
	// tagged completion before the untagged data that preceded it on
	// the wire. The goroutine below
	// only watches for disconnect.
	pc.sess.SetUntaggedHandler(func(resp *parser.Response) { e.applyUntagged(pc, resp) })
	e.drainGreetingPhase(pc)
	go e.watchDisconnect(pc)

	if pc.state.State() == imap.ConnStateNotAuthenticated {
		if err := e.negotiateTLS(pc); err != nil {
			pc.sess.Close()
			return nil, err
		}
		if err := e.authenticate(pc); err != nil {
			pc.sess.Close()
			return nil, err
		}
	} else {
		// PREAUTH: already Authenticated, but capabilities haven't been
		// fetched yet.
		if err := e.refreshCapabilities(pc); err != nil {
			pc.sess.Close()
			return nil, err
		}
	}

	return pc, nil
}

// readGreeting consumes the one untagged response every session opens
// with and applies the OK/PREAUTH/BYE transition directly, since
// handler.HandleUnauthenticated cannot distinguish the greeting from a
// later unsolicited OK (it is not told which transition already fired).
func (e *Engine) readGreeting(pc *parserConn) error {
	var resp *parser.Response
	select {
	case resp = <-pc.sess.Untagged():
	case <-pc.sess.Done():
		return fmt.Errorf("imap: connection closed before greeting: %w", pc.sess.DisconnectErr())
	}
	if resp.Kind != parser.KindStatus {
		return fmt.Errorf("imap: unexpected greeting kind %s", resp.Kind)
	}

	switch resp.Status.Type {
	case imap.StatusResponseTypeOK:
		return e.transitionParser(pc, imap.ConnStateNotAuthenticated)
	case imap.StatusResponseTypePREAUTH:
		return e.transitionParser(pc, imap.ConnStateAuthenticated)
	case imap.StatusResponseTypeBYE:
		e.transitionParser(pc, imap.ConnStateLogout)
		return fmt.Errorf("imap: server greeting refused: %s", resp.Status.Text)
	default:
		return fmt.Errorf("imap: unexpected greeting status %s", resp.Status.Type)
	}
}

// negotiateTLS runs CAPABILITY and, when the server advertises STARTTLS
// and the caller did not dial straight into implicit TLS, upgrades the
// transport before any credentials cross the wire.
func (e *Engine) negotiateTLS(pc *parserConn) error {
	if err := e.refreshCapabilities(pc); err != nil {
		return err
	}
	if e.cfg.ImplicitTLS || !pc.ext.Has(extension.StartTLS) {
		return nil
	}

	t := task.NewStartTLS(func() (io.ReadWriteCloser, error) {
		return e.upgradeTLS(pc)
	})
	if err := t.Run(e.runtime(pc)); err != nil {
		return fmt.Errorf("imap: STARTTLS: %w", err)
	}
	return e.refreshCapabilities(pc)
}

func (e *Engine) upgradeTLS(pc *parserConn) (io.ReadWriteCloser, error) {
	cfg := task.EnsureTLSConfig(e.cfg.TLSConfig, hostOf(e.cfg.Addr))
	tc := tls.Client(pc.rawConn, cfg)
	if err := tc.Handshake(); err != nil {
		return nil, err
	}
	pc.rawConn = tc
	return tc, nil
}

func (e *Engine) refreshCapabilities(pc *parserConn) error {
	t := task.NewCapability()
	if err := t.Run(e.runtime(pc)); err != nil {
		return fmt.Errorf("imap: CAPABILITY: %w", err)
	}
	caps := imap.NewCapSet()
	for _, c := range t.Caps {
		caps.Add(imap.Cap(c))
	}
	pc.caps = caps
	pc.ext = extension.Negotiate(caps.All())
	e.observer.CapabilitiesUpdated(pc.id, caps.All())
	return nil
}

// authenticate runs LOGIN or AUTHENTICATE per e.cfg.Creds, moves pc to
// Authenticated, and re-fetches capabilities (some servers only
// advertise certain capabilities, e.g. post-login extensions).
func (e *Engine) authenticate(pc *parserConn) error {
	var t *task.LoginTask
	switch {
	case e.cfg.Creds.Mechanism != nil:
		t = task.NewAuthenticate(e.cfg.Creds.Mechanism)
	case pc.caps.Has(imap.CapLogindisabled):
		// LOGIN is gated on the advertisement surviving STARTTLS: a
		// server still listing LOGINDISABLED here would reject the
		// command anyway. Fall back to whatever SASL mechanism the
		// server offers for the configured username/password.
		mech := e.pickSASL(pc)
		if mech == nil {
			return fmt.Errorf("imap: server advertises LOGINDISABLED and offers no usable SASL mechanism")
		}
		t = task.NewAuthenticate(mech)
	default:
		t = task.NewLogin(e.cfg.Creds.Username, e.cfg.Creds.Password)
	}
	if err := t.Run(e.runtime(pc)); err != nil {
		return fmt.Errorf("imap: authentication failed: %w", err)
	}
	if err := e.transitionParser(pc, imap.ConnStateAuthenticated); err != nil {
		return err
	}
	return e.refreshCapabilities(pc)
}

// pickSASL chooses the strongest password-based SASL mechanism the
// server advertises, or nil if none applies.
func (e *Engine) pickSASL(pc *parserConn) auth.ClientMechanism {
	user, pass := e.cfg.Creds.Username, e.cfg.Creds.Password
	switch {
	case pc.caps.Has(imap.CapAuthSCRAMSHA256):
		return scram.NewSHA256(user, pass)
	case pc.caps.Has(imap.CapAuthSCRAMSHA1):
		return scram.NewSHA1(user, pass)
	case pc.caps.Has(imap.CapAuthPlain):
		return &plain.ClientMechanism{Username: user, Password: pass}
	default:
		return nil
	}
}

// drainGreetingPhase applies any untagged response the server pushed
// between its greeting and the handler installation above (e.g. an
// unsolicited CAPABILITY).
func (e *Engine) drainGreetingPhase(pc *parserConn) {
	for {
		select {
		case resp := <-pc.sess.Untagged():
			e.applyUntagged(pc, resp)
		default:
			return
		}
	}
}

// watchDisconnect prunes pc from the pool once its session dies.
func (e *Engine) watchDisconnect(pc *parserConn) {
	<-pc.sess.Done()
	e.handleDisconnect(pc)
}

func (e *Engine) applyUntagged(pc *parserConn, resp *parser.Response) {
	if resp.Kind == parser.KindStatus && resp.Status.Code == imap.ResponseCodeAlert {
		e.observer.Alert(resp.Status.Text)
	}
	outcome := handler.Dispatch(pc.state.State(), e.tree, pc.msgList, resp, pc.acc)
	if outcome.Err != nil {
		e.observer.Alert(outcome.Err.Error())
		pc.sess.Close()
		return
	}
	if outcome.ChangeState {
		e.transitionParser(pc, outcome.NextState)
	}
}

func (e *Engine) handleDisconnect(pc *parserConn) {
	e.mu.Lock()
	for i, other := range e.parsers {
		if other == pc {
			e.parsers = append(e.parsers[:i], e.parsers[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
	e.cond.Broadcast()
	e.observer.Alert(fmt.Sprintf("imap: parser %d disconnected: %v", pc.id, pc.sess.DisconnectErr()))
}
