package extension

import (
	"testing"

	imap "github.com/mailkit/imapcore"
)

func TestNegotiateEnablesAdvertised(t *testing.T) {
	s := Negotiate([]imap.Cap{imap.CapIMAP4rev1, imap.CapIdle, imap.CapUIDPlus})

	if !s.Has(Idle) {
		t.Error("IDLE advertised but not usable")
	}
	if !s.Has(UIDPlus) {
		t.Error("UIDPLUS advertised but not usable")
	}
	if s.Has(Catenate) {
		t.Error("CATENATE usable without being advertised")
	}
	if s.Has(StartTLS) {
		t.Error("STARTTLS usable without being advertised")
	}
}

func TestNegotiateBurlDependencies(t *testing.T) {
	// BURL advertised alone is useless: it needs URLAUTH to authorize
	// the URL and UIDPLUS to know which message the URL addresses.
	s := Negotiate([]imap.Cap{imap.CapBurl})
	if s.Has(Burl) {
		t.Error("BURL usable without URLAUTH/UIDPLUS")
	}

	s = Negotiate([]imap.Cap{imap.CapBurl, imap.CapURLAuth})
	if s.Has(Burl) {
		t.Error("BURL usable without UIDPLUS")
	}

	s = Negotiate([]imap.Cap{imap.CapBurl, imap.CapURLAuth, imap.CapUIDPlus})
	if !s.Has(Burl) {
		t.Error("BURL not usable despite URLAUTH+UIDPLUS")
	}
}

func TestNegotiateQResyncNeedsCondStore(t *testing.T) {
	s := Negotiate([]imap.Cap{imap.CapQResync})
	if s.Has(QResync) {
		t.Error("QRESYNC usable without CONDSTORE")
	}

	// Order of the capability list must not matter: QRESYNC before
	// CONDSTORE still resolves.
	s = Negotiate([]imap.Cap{imap.CapQResync, imap.CapCondStore})
	if !s.Has(QResync) {
		t.Error("QRESYNC not usable despite CONDSTORE")
	}
}

func TestDisableCascades(t *testing.T) {
	s := Negotiate([]imap.Cap{imap.CapBurl, imap.CapURLAuth, imap.CapUIDPlus, imap.CapCatenate})
	if !s.Has(Burl) {
		t.Fatal("precondition: BURL usable")
	}

	// An APPEND that returned no APPENDUID proves UIDPLUS useless in
	// practice; BURL must fall with it.
	s.Disable(UIDPlus)
	if s.Has(UIDPlus) {
		t.Error("UIDPLUS still usable after Disable")
	}
	if s.Has(Burl) {
		t.Error("BURL survived losing UIDPLUS")
	}
	if !s.Has(Catenate) {
		t.Error("CATENATE should be unaffected")
	}
}

func TestUsableOrder(t *testing.T) {
	s := Negotiate([]imap.Cap{imap.CapIdle, imap.CapStartTLS, imap.CapID})
	got := s.Usable()
	want := []Feature{StartTLS, Idle, ID}
	if len(got) != len(want) {
		t.Fatalf("Usable() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Usable()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestNilSetIsEmpty(t *testing.T) {
	var s *Set
	if s.Has(Idle) {
		t.Error("nil Set reported a usable feature")
	}
	if got := s.Usable(); got != nil {
		t.Errorf("nil Set Usable() = %v, want nil", got)
	}
	s.Disable(Idle) // must not panic
}
