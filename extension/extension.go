// Package extension tracks which optional IMAP extensions a connection
// is allowed to use. The engine negotiates nothing itself beyond
// STARTTLS: every other extension is switched on when the server's
// capability list advertises it and every extension it depends on is
// also usable. The set is recomputed whenever a fresh
// CAPABILITY response arrives, and individual features can be switched
// off at runtime (e.g. BURL after an APPEND came back without
// APPENDUID).
package extension

import (
	imap "github.com/mailkit/imapcore"
)

// Feature is one negotiable extension the engine knows how to use.
type Feature int

const (
	StartTLS Feature = iota
	Idle
	LiteralPlus
	UIDPlus
	Namespace
	ID
	Catenate
	URLAuth
	Burl
	CondStore
	QResync
	numFeatures
)

func (f Feature) String() string {
	return string(f.Cap())
}

// Cap returns the capability token that advertises f.
func (f Feature) Cap() imap.Cap {
	switch f {
	case StartTLS:
		return imap.CapStartTLS
	case Idle:
		return imap.CapIdle
	case LiteralPlus:
		return imap.CapLiteralPlus
	case UIDPlus:
		return imap.CapUIDPlus
	case Namespace:
		return imap.CapNamespace
	case ID:
		return imap.CapID
	case Catenate:
		return imap.CapCatenate
	case URLAuth:
		return imap.CapURLAuth
	case Burl:
		return imap.CapBurl
	case CondStore:
		return imap.CapCondStore
	case QResync:
		return imap.CapQResync
	default:
		return ""
	}
}

// deps lists the features a feature is useless without: using it when a
// dependency is absent would produce commands the server rejects.
func (f Feature) deps() []Feature {
	switch f {
	case Burl:
		// BURL needs an authorized URL to hand the MSA, and the URL
		// only addresses a known message when APPEND reported its UID.
		return []Feature{URLAuth, UIDPlus}
	case QResync:
		return []Feature{CondStore}
	default:
		return nil
	}
}
