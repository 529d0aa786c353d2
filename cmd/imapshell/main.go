// Command imapshell is a minimal exercise of the engine: it connects to
// an IMAP server, lists the top-level mailboxes, optionally selects one
// and prints its newest messages' envelopes.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mailkit/imapcore/engine"
	"github.com/mailkit/imapcore/tree"
)

func main() {
	var (
		addr     = flag.String("addr", "", "server address (host:port)")
		user     = flag.String("user", "", "username")
		pass     = flag.String("pass", "", "password (or IMAPSHELL_PASS)")
		tlsMode  = flag.Bool("tls", false, "dial implicit TLS (IMAPS) instead of STARTTLS")
		mailbox  = flag.String("mailbox", "", "mailbox to select after listing")
		cacheDir = flag.String("cache", "", "cache directory (empty: in-memory only)")
		count    = flag.Int("n", 10, "how many newest messages to show")
		verbose  = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	if *pass == "" {
		*pass = os.Getenv("IMAPSHELL_PASS")
	}
	if *addr == "" || *user == "" || *pass == "" {
		fmt.Fprintln(os.Stderr, "usage: imapshell -addr host:port -user u [-pass p] [-mailbox INBOX]")
		os.Exit(2)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	e, err := engine.NewEngine(engine.Config{
		Addr:        *addr,
		ImplicitTLS: *tlsMode,
		Creds:       engine.Credentials{Username: *user, Password: *pass},
		CacheDir:    *cacheDir,
		Logger:      logger,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "imapshell:", err)
		os.Exit(1)
	}
	defer e.Close()

	if err := e.ListMailboxes(""); err != nil {
		fmt.Fprintln(os.Stderr, "imapshell: list:", err)
		os.Exit(1)
	}

	tr := e.Tree()
	fmt.Println("Mailboxes:")
	for i := 1; i < tr.ChildCount(tr.Root()); i++ {
		mb := tr.Mailbox(tr.Child(tr.Root(), i))
		fmt.Printf("  %s\n", mb.Name)
	}

	if *mailbox == "" {
		return
	}

	if err := e.SelectMailbox(*mailbox, true); err != nil {
		fmt.Fprintln(os.Stderr, "imapshell: select:", err)
		os.Exit(1)
	}

	mb := tr.FindMailboxByName(*mailbox)
	if mb == tree.NilIndex {
		fmt.Fprintf(os.Stderr, "imapshell: %s not in tree after select\n", *mailbox)
		os.Exit(1)
	}
	msgList := tr.MessageListChild(mb)
	total := tr.ChildCount(msgList)
	fmt.Printf("\n%s: %d messages\n", *mailbox, total)

	first := total - *count
	if first < 0 {
		first = 0
	}
	for i := total - 1; i >= first; i-- {
		msg := tr.Child(msgList, i)
		if err := e.FetchMessageMetadata(msg); err != nil {
			logger.Warn("fetch failed", "seq", i+1, "err", err)
			continue
		}
		md := tr.Message(msg)
		subject, from, date := "(no subject)", "(unknown)", ""
		if env := md.Envelope; env != nil {
			if env.Subject != "" {
				subject = env.Subject
			}
			if len(env.From) > 0 {
				from = env.From[0].String()
			}
			if !env.Date.IsZero() {
				date = env.Date.Format(time.RFC822)
			}
		}
		fmt.Printf("  [%4d] %-24s %-40s %s\n", md.SeqNum, from, subject, date)
	}
}
