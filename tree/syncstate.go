package tree

import imap "github.com/mailkit/imapcore"

// SyncField is one bit of SyncState.Fields, set once the corresponding
// value has actually been reported by the server (as opposed to holding
// its Go zero value by coincidence).
type SyncField uint8

const (
	FieldExists SyncField = 1 << iota
	FieldRecent
	FieldUnseen
	FieldUIDNext
	FieldUIDValidity
	FieldPermanentFlags
	FieldSessionFlags

	fieldAllRequired = FieldExists | FieldUIDNext | FieldUIDValidity
)

// SyncState is the per-mailbox server-reported state used to decide
// between full and incremental resynchronization.
type SyncState struct {
	Exists      uint32
	Recent      uint32
	Unseen      uint32
	UIDNext     imap.UID
	UIDValidity uint32

	PermanentFlags []imap.Flag
	SessionFlags   []imap.Flag

	Fields SyncField
}

// SetExists records EXISTS and marks it present.
func (s *SyncState) SetExists(n uint32) { s.Exists = n; s.Fields |= FieldExists }

// SetRecent records RECENT and marks it present.
func (s *SyncState) SetRecent(n uint32) { s.Recent = n; s.Fields |= FieldRecent }

// SetUnseen records UNSEEN and marks it present.
func (s *SyncState) SetUnseen(n uint32) { s.Unseen = n; s.Fields |= FieldUnseen }

// SetUIDNext records UIDNEXT and marks it present.
func (s *SyncState) SetUIDNext(uid imap.UID) { s.UIDNext = uid; s.Fields |= FieldUIDNext }

// SetUIDValidity records UIDVALIDITY and marks it present.
func (s *SyncState) SetUIDValidity(v uint32) { s.UIDValidity = v; s.Fields |= FieldUIDValidity }

// SetPermanentFlags records the PERMANENTFLAGS response and marks it present.
func (s *SyncState) SetPermanentFlags(flags []imap.Flag) {
	s.PermanentFlags = flags
	s.Fields |= FieldPermanentFlags
}

// SetSessionFlags records the FLAGS response and marks it present.
func (s *SyncState) SetSessionFlags(flags []imap.Flag) {
	s.SessionFlags = flags
	s.Fields |= FieldSessionFlags
}

// Has reports whether field has been reported.
func (s *SyncState) Has(field SyncField) bool { return s.Fields&field != 0 }

// IsComplete reports whether every field required to decide FULL vs
// INCREMENTAL sync (EXISTS, UIDNEXT, UIDVALIDITY) has been seen.
func (s *SyncState) IsComplete() bool { return s.Fields&fieldAllRequired == fieldAllRequired }

// Clone returns a deep-enough copy safe to persist or compare against
// without aliasing the receiver's slices.
func (s *SyncState) Clone() *SyncState {
	clone := *s
	clone.PermanentFlags = append([]imap.Flag(nil), s.PermanentFlags...)
	clone.SessionFlags = append([]imap.Flag(nil), s.SessionFlags...)
	return &clone
}
