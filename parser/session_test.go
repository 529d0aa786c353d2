package parser

import (
	"bufio"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/wire"
)

// serveLines reads one command line and writes the given replies,
// substituting the command's tag for %TAG%.
func serveLines(t *testing.T, conn net.Conn, replies ...string) {
	t.Helper()
	br := bufio.NewReader(conn)
	line, err := br.ReadString('\n')
	if err != nil {
		t.Errorf("server read: %v", err)
		return
	}
	tag := strings.Fields(line)[0]
	for _, r := range replies {
		r = strings.ReplaceAll(r, "%TAG%", tag)
		if _, err := conn.Write([]byte(r + "\r\n")); err != nil {
			t.Errorf("server write: %v", err)
			return
		}
	}
}

func TestSubmitCommandRoundTrip(t *testing.T) {
	cli, srv := net.Pipe()
	defer srv.Close()
	sess := NewSession(cli, "y")
	defer sess.Close()

	go serveLines(t, srv, "%TAG% OK done")

	tag, sr, err := sess.SubmitCommand(func(e *wire.Encoder) { e.Atom("NOOP") })
	if err != nil {
		t.Fatalf("SubmitCommand: %v", err)
	}
	if tag != "y1" {
		t.Errorf("tag = %q", tag)
	}
	if sr.Type != imap.StatusResponseTypeOK {
		t.Errorf("status = %s", sr.Type)
	}
}

func TestTagsIncreaseAndCompleteOnce(t *testing.T) {
	cli, srv := net.Pipe()
	defer srv.Close()
	sess := NewSession(cli, "y")
	defer sess.Close()

	for i := 1; i <= 3; i++ {
		go serveLines(t, srv, "%TAG% OK done")
		tag, _, err := sess.SubmitCommand(func(e *wire.Encoder) { e.Atom("NOOP") })
		if err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
		want := "y" + string(rune('0'+i))
		if tag != want {
			t.Errorf("round %d tag = %q, want %q", i, tag, want)
		}
	}
}

func TestUntaggedAppliedBeforeTaggedCompletion(t *testing.T) {
	cli, srv := net.Pipe()
	defer srv.Close()
	sess := NewSession(cli, "y")
	defer sess.Close()

	var untaggedSeen atomic.Int32
	sess.SetUntaggedHandler(func(resp *Response) {
		if resp.Kind == KindExists {
			untaggedSeen.Store(int32(resp.Num))
		}
	})

	go serveLines(t, srv, "* 7 EXISTS", "%TAG% OK done")

	_, _, err := sess.SubmitCommand(func(e *wire.Encoder) { e.Atom("NOOP") })
	if err != nil {
		t.Fatalf("SubmitCommand: %v", err)
	}
	// The handler runs on the reader goroutine strictly before the
	// tagged completion is delivered, so the EXISTS must already be
	// visible here.
	if got := untaggedSeen.Load(); got != 7 {
		t.Errorf("EXISTS seen = %d, want 7 (untagged must precede tagged completion)", got)
	}
}

func TestDisconnectFailsInFlightCommand(t *testing.T) {
	cli, srv := net.Pipe()
	sess := NewSession(cli, "y")
	defer sess.Close()

	errCh := make(chan error, 1)
	go func() {
		_, _, err := sess.SubmitCommand(func(e *wire.Encoder) { e.Atom("NOOP") })
		errCh <- err
	}()

	// Swallow the command, then drop the connection.
	br := bufio.NewReader(srv)
	if _, err := br.ReadString('\n'); err != nil {
		t.Fatalf("server read: %v", err)
	}
	srv.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("in-flight command succeeded after disconnect")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("command never completed after disconnect")
	}

	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done never closed")
	}
	if sess.DisconnectErr() == nil {
		t.Error("DisconnectErr is nil after disconnect")
	}

	// Further submissions are refused without hanging.
	if _, _, err := sess.SubmitCommand(func(e *wire.Encoder) { e.Atom("NOOP") }); err == nil {
		t.Error("submit after disconnect succeeded")
	}
}

func TestContinuationRequest(t *testing.T) {
	cli, srv := net.Pipe()
	defer srv.Close()
	sess := NewSession(cli, "y")
	defer sess.Close()

	go func() {
		br := bufio.NewReader(srv)
		line, err := br.ReadString('\n')
		if err != nil {
			t.Errorf("server read: %v", err)
			return
		}
		tag := strings.Fields(line)[0]
		srv.Write([]byte("+ go ahead\r\n"))
		payload := make([]byte, 5)
		if _, err := io.ReadFull(br, payload); err != nil {
			t.Errorf("server read literal: %v", err)
			return
		}
		br.ReadString('\n') // trailing CRLF
		srv.Write([]byte(tag + " OK [APPENDUID 111 23] done\r\n"))
	}()

	_, cmd, contText, err := sess.SubmitAndAwaitContinuation(func(e *wire.Encoder) {
		e.Atom("APPEND").SP().Atom("INBOX").SP().RawString("{5}")
	})
	if err != nil {
		t.Fatalf("SubmitAndAwaitContinuation: %v", err)
	}
	if contText != "go ahead" {
		t.Errorf("continuation text = %q", contText)
	}

	sess.Enc.Raw([]byte("hello")).CRLF()
	if err := sess.Enc.Flush(); err != nil {
		t.Fatalf("flush literal: %v", err)
	}

	sr, err := sess.AwaitCompletion(cmd)
	if err != nil {
		t.Fatalf("AwaitCompletion: %v", err)
	}
	if sr.Code != imap.ResponseCodeAppendUID {
		t.Errorf("code = %s", sr.Code)
	}
}
