package engine

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"log/slog"
	"math/big"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/cache"
	"github.com/mailkit/imapcore/cache/memcache"
	"github.com/mailkit/imapcore/tree"
)

// scriptServer drives the far end of the engine's connection from a
// test-supplied function.
type scriptServer struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
}

func (s *scriptServer) send(lines ...string) {
	for _, l := range lines {
		if _, err := s.conn.Write([]byte(l + "\r\n")); err != nil {
			s.t.Errorf("server write: %v", err)
			return
		}
	}
}

// expect reads one command line, checks it contains want, and returns
// its tag.
func (s *scriptServer) expect(want string) string {
	line, err := s.br.ReadString('\n')
	if err != nil {
		s.t.Errorf("server read (expecting %q): %v", want, err)
		return ""
	}
	if !strings.Contains(line, want) {
		s.t.Errorf("command %q does not contain %q", strings.TrimRight(line, "\r\n"), want)
	}
	return strings.Fields(line)[0]
}

// ok completes the command that contains want with a plain tagged OK.
func (s *scriptServer) ok(want string, untagged ...string) {
	tag := s.expect(want)
	s.send(untagged...)
	s.send(tag + " OK done")
}

// startTLS wraps the server side of the conversation in TLS using a
// throwaway self-signed certificate.
func (s *scriptServer) startTLS() {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		s.t.Fatalf("generate key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "imap.test"},
		DNSNames:     []string{"imap.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		s.t.Fatalf("create certificate: %v", err)
	}
	tconn := tls.Server(s.conn, &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: priv}},
	})
	s.conn = tconn
	s.br = bufio.NewReader(tconn)
}

// newTestEngine builds an Engine whose dialer hands back the client end
// of an in-memory pipe and returns the scripted server for the far end.
// The server function runs in its own goroutine; wait for done before
// asserting on anything it checked.
func newTestEngine(t *testing.T, cfg Config, script func(s *scriptServer)) (*Engine, chan struct{}) {
	t.Helper()
	cli, srv := net.Pipe()
	dialed := false
	cfg.Addr = "imap.test:143"
	cfg.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	cfg.Dial = func() (NetConn, error) {
		if dialed {
			return nil, io.ErrClosedPipe
		}
		dialed = true
		return cli, nil
	}
	if cfg.Creds.Username == "" {
		cfg.Creds = Credentials{Username: "joe", Password: "sesame"}
	}
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.NoopInterval = -1                // no keepalive timers during tests
	cfg.ReconnectBackoff = time.Hour     // a failed dial errors out instead of retrying
	cfg.ReconnectBackoffMax = time.Minute

	e, err := NewEngine(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close(); srv.Close() })

	done := make(chan struct{})
	go func() {
		defer close(done)
		script(&scriptServer{t: t, conn: srv, br: bufio.NewReader(srv)})
	}()
	return e, done
}

func wait(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("scripted server did not finish")
	}
}

// serveLogin scripts the plain bootstrap: greeting, CAPABILITY, LOGIN,
// and the post-login CAPABILITY refresh.
func serveLogin(s *scriptServer, caps string) {
	s.send("* OK server ready")
	s.ok("CAPABILITY", "* CAPABILITY "+caps)
	s.ok("LOGIN joe sesame")
	s.ok("CAPABILITY", "* CAPABILITY "+caps)
}

func TestBootstrapAndNoop(t *testing.T) {
	e, done := newTestEngine(t, Config{}, func(s *scriptServer) {
		serveLogin(s, "IMAP4rev1 UIDPLUS")
		s.ok("NOOP")
	})
	if err := e.Noop(); err != nil {
		t.Fatalf("Noop: %v", err)
	}
	wait(t, done)
}

func TestStartTLSGatedLogin(t *testing.T) {
	// Scenario: the server bars LOGIN until after STARTTLS; the fresh
	// capability set behind TLS no longer lists LOGINDISABLED, so the
	// engine proceeds with LOGIN.
	e, done := newTestEngine(t, Config{}, func(s *scriptServer) {
		s.send("* OK server ready")
		s.ok("CAPABILITY", "* CAPABILITY IMAP4rev1 STARTTLS LOGINDISABLED")
		tag := s.expect("STARTTLS")
		s.send(tag + " OK begin TLS now")
		s.startTLS()
		s.ok("CAPABILITY", "* CAPABILITY IMAP4rev1 UIDPLUS")
		s.ok("LOGIN joe sesame")
		s.ok("CAPABILITY", "* CAPABILITY IMAP4rev1 UIDPLUS")
		s.ok("NOOP")
	})
	if err := e.Noop(); err != nil {
		t.Fatalf("Noop after STARTTLS bootstrap: %v", err)
	}
	wait(t, done)
}

func TestLoginDisabledWithoutStartTLSFails(t *testing.T) {
	e, done := newTestEngine(t, Config{}, func(s *scriptServer) {
		s.send("* OK server ready")
		s.ok("CAPABILITY", "* CAPABILITY IMAP4rev1 LOGINDISABLED")
	})
	err := e.Noop()
	if err == nil {
		t.Fatal("engine logged in despite LOGINDISABLED with no STARTTLS")
	}
	if !strings.Contains(err.Error(), "LOGINDISABLED") {
		t.Errorf("err = %v", err)
	}
	wait(t, done)
}

func TestLoginDisabledFallsBackToSASL(t *testing.T) {
	// LOGINDISABLED plus an advertised AUTH= mechanism: the engine
	// authenticates via AUTHENTICATE instead of failing.
	e, done := newTestEngine(t, Config{}, func(s *scriptServer) {
		s.send("* OK server ready")
		s.ok("CAPABILITY", "* CAPABILITY IMAP4rev1 LOGINDISABLED AUTH=PLAIN")
		// PLAIN's initial response is base64("\x00joe\x00sesame").
		s.ok("AUTHENTICATE PLAIN AGpvZQBzZXNhbWU=")
		s.ok("CAPABILITY", "* CAPABILITY IMAP4rev1")
		s.ok("NOOP")
	})
	require.NoError(t, e.Noop())
	wait(t, done)
}

func TestListMailboxesSortsInboxFirst(t *testing.T) {
	e, done := newTestEngine(t, Config{}, func(s *scriptServer) {
		serveLogin(s, "IMAP4rev1")
		s.ok("LIST",
			"* LIST () \"/\" gamma",
			"* LIST () \"/\" alpha",
			"* LIST () \"/\" INBOX",
			"* LIST () \"/\" Beta")
	})
	if err := e.ListMailboxes(""); err != nil {
		t.Fatalf("ListMailboxes: %v", err)
	}
	wait(t, done)

	tr := e.Tree()
	want := []string{"INBOX", "alpha", "Beta", "gamma"}
	if got := tr.ChildCount(tr.Root()); got != len(want)+1 {
		t.Fatalf("children = %d", got)
	}
	for i, name := range want {
		if mb := tr.Mailbox(tr.Child(tr.Root(), i+1)); mb.Name != name {
			t.Errorf("child %d = %q, want %q", i+1, mb.Name, name)
		}
	}
}

// seedCache stores the previous session's view of INBOX: nine messages,
// the newest being UID 30, with UIDNEXT 30 recorded before the two new
// arrivals.
func seedCache(t *testing.T, c cache.Cache) {
	t.Helper()
	ctx := context.Background()
	uids := []imap.UID{10, 11, 12, 13, 14, 15, 16, 20, 30}
	require.NoError(t, c.SetUIDMap(ctx, "INBOX", uids))
	st := &tree.SyncState{}
	st.SetExists(9)
	st.SetUIDNext(30)
	st.SetUIDValidity(5)
	require.NoError(t, c.SetSyncState(ctx, "INBOX", st))
}

func TestSelectIncrementalSync(t *testing.T) {
	// Scenario: cached UIDVALIDITY matches, the server reports one more
	// message than the cache holds, and the UID range search returns
	// two UIDs of which one (30) is already known: the list must grow
	// by exactly one entry.
	mem := memcache.New(cache.DefaultRenewalThreshold)
	seedCache(t, mem)

	e, done := newTestEngine(t, Config{Cache: mem}, func(s *scriptServer) {
		serveLogin(s, "IMAP4rev1 UIDPLUS")
		s.ok("SELECT INBOX",
			"* 10 EXISTS",
			"* 1 RECENT",
			"* FLAGS (\\Seen \\Answered)",
			"* OK [UIDVALIDITY 5] ok",
			"* OK [UIDNEXT 32] ok")
		s.ok("UID SEARCH UID 30:*", "* SEARCH 30 31")
		s.ok("FETCH 10 (ENVELOPE BODYSTRUCTURE FLAGS RFC822.SIZE)",
			"* 10 FETCH (FLAGS (\\Recent) RFC822.SIZE 99 "+
				"ENVELOPE (NIL \"newest\" NIL NIL NIL NIL NIL NIL NIL NIL) "+
				"BODYSTRUCTURE (\"text\" \"plain\" NIL NIL NIL \"7bit\" 99 4))")
	})

	require.NoError(t, e.SelectMailbox("INBOX", false))
	wait(t, done)

	tr := e.Tree()
	mb := tr.FindMailboxByName("INBOX")
	require.NotEqual(t, tree.NilIndex, mb, "INBOX not in tree")
	msgList := tr.MessageListChild(mb)
	require.Equal(t, 10, tr.ChildCount(msgList), "grew by exactly one entry")
	require.Equal(t, imap.UID(31), tr.Message(tr.Child(msgList, 9)).UID)
	require.Equal(t, imap.UID(10), tr.Message(tr.Child(msgList, 0)).UID, "oldest restored from cache")

	// The merged map is persisted.
	uids, ok, err := mem.UIDMap(context.Background(), "INBOX")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, uids, 10)
	require.Equal(t, imap.UID(31), uids[9])
}

func TestSelectFullSyncOnUIDValidityChange(t *testing.T) {
	mem := memcache.New(cache.DefaultRenewalThreshold)
	seedCache(t, mem)

	e, done := newTestEngine(t, Config{Cache: mem}, func(s *scriptServer) {
		serveLogin(s, "IMAP4rev1 UIDPLUS")
		s.ok("SELECT INBOX",
			"* 2 EXISTS",
			"* OK [UIDVALIDITY 6] changed",
			"* OK [UIDNEXT 3] ok")
		s.ok("UID SEARCH ALL", "* SEARCH 1 2")
	})
	if err := e.SelectMailbox("INBOX", false); err != nil {
		t.Fatalf("SelectMailbox: %v", err)
	}
	wait(t, done)

	tr := e.Tree()
	msgList := tr.MessageListChild(tr.FindMailboxByName("INBOX"))
	if got := tr.ChildCount(msgList); got != 2 {
		t.Fatalf("message count = %d, want 2", got)
	}
	if md := tr.Message(tr.Child(msgList, 0)); md.UID != 1 {
		t.Errorf("first UID = %d", md.UID)
	}
}

func TestSelectForcesFullSyncWithoutUIDPlus(t *testing.T) {
	mem := memcache.New(cache.DefaultRenewalThreshold)
	seedCache(t, mem)

	e, done := newTestEngine(t, Config{Cache: mem}, func(s *scriptServer) {
		serveLogin(s, "IMAP4rev1") // no UIDPLUS
		s.ok("SELECT INBOX",
			"* 9 EXISTS",
			"* OK [UIDVALIDITY 5] ok",
			"* OK [UIDNEXT 30] ok")
		// Even with matching UIDVALIDITY the engine must not trust the
		// incremental path: it re-learns the UID set outright.
		s.ok("UID SEARCH ALL", "* SEARCH 10 11 12 13 14 15 16 20 30")
	})
	if err := e.SelectMailbox("INBOX", false); err != nil {
		t.Fatalf("SelectMailbox: %v", err)
	}
	wait(t, done)
}

func TestOfflinePolicyDefersAndDrains(t *testing.T) {
	e, done := newTestEngine(t, Config{Policy: Offline}, func(s *scriptServer) {
		serveLogin(s, "IMAP4rev1")
		s.ok("NOOP")
	})

	if err := e.Noop(); err != ErrDeferred {
		t.Fatalf("Noop under Offline = %v, want ErrDeferred", err)
	}

	// Returning to Online drains the queue; the scripted server then
	// sees the bootstrap and the NOOP.
	e.SetPolicy(Online)
	wait(t, done)
}

func TestCacheDegradeSwapsToMemory(t *testing.T) {
	fc := &failingCache{Cache: memcache.New(cache.DefaultRenewalThreshold), errs: make(chan error, 1)}

	var mu sync.Mutex
	degraded := false
	obs := &recordingObserver{onDegrade: func(error) { mu.Lock(); degraded = true; mu.Unlock() }}

	e, done := newTestEngine(t, Config{Cache: fc, Observer: obs}, func(s *scriptServer) {})
	wait(t, done)

	fc.errs <- io.ErrUnexpectedEOF
	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		d := degraded
		mu.Unlock()
		if d {
			break
		}
		select {
		case <-deadline:
			t.Fatal("cache degrade never observed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if _, ok := e.cacheRef().(*memcache.Cache); !ok {
		t.Errorf("cache after degrade = %T, want *memcache.Cache", e.cacheRef())
	}
}

// failingCache wraps a real cache but exposes a test-controlled error
// channel.
type failingCache struct {
	cache.Cache
	errs chan error
}

func (f *failingCache) Errors() <-chan error { return f.errs }

type recordingObserver struct {
	NopObserver
	onDegrade func(error)
}

func (r *recordingObserver) CacheDegraded(err error) { r.onDegrade(err) }
