// Package engine ties the pieces together: it owns
// every parser Session, the root mailbox Tree, and the Cache, and is the
// one place third-party code (a presentation layer) talks to. It routes
// tagged responses to the task that issued them, routes untagged
// responses to the current state handler, enforces the parser-pool and
// network-policy rules, and runs the mailbox synchronization algorithm
// after each SELECT.
package engine

import (
	"crypto/tls"
	"log/slog"
	"net"
	"time"

	"github.com/mailkit/imapcore/auth"
	"github.com/mailkit/imapcore/cache"
	"github.com/mailkit/imapcore/cache/memcache"
	"github.com/mailkit/imapcore/task"
)

// Dialer opens a fresh plaintext transport to the server. The engine
// supplies a net.Dial-backed default; tests substitute an in-memory
// pipe.
type Dialer func() (NetConn, error)

// NetConn is the transport surface a Dialer returns: a full net.Conn so
// the STARTTLS upgrade path can wrap it with tls.Client directly.
type NetConn = net.Conn

// Credentials selects how a freshly-connected session authenticates:
// either plain LOGIN (Username/Password) or a SASL mechanism (Mechanism
// non-nil takes precedence).
type Credentials struct {
	Username  string
	Password  string
	Mechanism auth.ClientMechanism
}

// Config is the engine's explicit construction-time configuration
// struct; there is no package-level state.
type Config struct {
	// Addr is "host:port" for the IMAP server.
	Addr string
	// TLSConfig is used both for an immediate TLS dial (when
	// ImplicitTLS is set) and for the STARTTLS upgrade handshake.
	TLSConfig *tls.Config
	// ImplicitTLS dials straight into TLS (IMAPS, port 993) instead of
	// negotiating STARTTLS after the plaintext greeting.
	ImplicitTLS bool
	// Creds authenticates each freshly dialed parser.
	Creds Credentials
	// MaxParsers bounds the connection pool; the default is a single
	// connection.
	MaxParsers int
	// CacheDir, if non-empty, is passed to a Combined (SQLite +
	// file-overflow) cache the engine constructs; if empty and Cache is
	// nil, the engine falls back to an in-memory cache.
	CacheDir string
	// Cache overrides CacheDir with a caller-constructed cache
	// (e.g. a Combined cache already wired with non-default options).
	Cache cache.Cache
	// Policy is the initial network policy; defaults to Online.
	Policy NetworkPolicy
	// NoopInterval is the keepalive cadence for idle parsers holding a
	// selected mailbox. Zero selects the five-minute default; a negative
	// value disables the keepalive.
	NoopInterval time.Duration
	// ReconnectBackoff is the initial backoff before retrying a failed
	// dial; it doubles on each consecutive failure up to
	// ReconnectBackoffMax.
	ReconnectBackoff    time.Duration
	ReconnectBackoffMax time.Duration
	// Logger receives structured logs at Debug (wire-adjacent detail),
	// Info (connect/select/sync summaries) and Warn (cache degradation,
	// task failures) levels. Defaults to slog.Default().
	Logger *slog.Logger
	// Observer receives tree-change and connection notifications.
	// Defaults to NopObserver.
	Observer Observer
	// Dial overrides transport construction, mainly for tests. Defaults
	// to net.Dial("tcp", Addr), wrapped in tls.Client when ImplicitTLS
	// is set.
	Dial Dialer
}

// applyDefaults fills the zero-value fields of cfg with sensible
// defaults.
func (cfg *Config) applyDefaults() {
	if cfg.MaxParsers <= 0 {
		cfg.MaxParsers = 1
	}
	if cfg.NoopInterval == 0 {
		cfg.NoopInterval = 5 * time.Minute
	}
	if cfg.ReconnectBackoff == 0 {
		cfg.ReconnectBackoff = time.Second
	}
	if cfg.ReconnectBackoffMax == 0 {
		cfg.ReconnectBackoffMax = 2 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Cache == nil && cfg.CacheDir == "" {
		cfg.Cache = memcache.New(cache.DefaultRenewalThreshold)
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.Dial == nil {
		addr, tlsConfig, implicit := cfg.Addr, cfg.TLSConfig, cfg.ImplicitTLS
		cfg.Dial = func() (NetConn, error) {
			conn, err := net.Dial("tcp", addr)
			if err != nil {
				return nil, err
			}
			if !implicit {
				return conn, nil
			}
			tconn := tls.Client(conn, task.EnsureTLSConfig(tlsConfig, hostOf(addr)))
			if err := tconn.Handshake(); err != nil {
				conn.Close()
				return nil, err
			}
			return tconn, nil
		}
	}
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// validate reports a configuration error the caller should fix before
// calling New, rather than failing confusingly on first dial.
func (cfg *Config) validate() error {
	if cfg.Addr == "" {
		return errConfig("Addr is required")
	}
	if cfg.Creds.Mechanism == nil && cfg.Creds.Username == "" {
		return errConfig("Creds.Username or Creds.Mechanism is required")
	}
	return nil
}

type configError string

func (e configError) Error() string { return "imap: invalid config: " + string(e) }

func errConfig(msg string) error { return configError(msg) }
