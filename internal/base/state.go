package base

// State is the lifecycle position of one version of one object. States are
// never stored on disk; they are deduced from the journal during recovery.
//
// A journaled (small) write moves through the StJournal* states as its
// payload and entry reach the page cache, the journal is fsynced, the caller
// stabilizes it, and the flusher copies it into the data region. A redirect
// (big) write moves through the StBig* states as its data lands in the data
// region and its metadata entry lands in the journal. Deletes mirror the
// journaled path with a tombstone entry and no payload.
type State uint8

const (
	// StNone is the zero State; no entry holds it.
	StNone State = iota

	// StInFlight marks a version whose submission has been accepted but not
	// yet completed. Reads never observe in-flight versions; they park.
	StInFlight

	StJournalWritten
	StJournalSynced
	StJournalStable
	StJournalMoved
	StJournalMoveSynced

	StBigWritten
	StBigSynced
	StBigMetaWritten
	StBigMetaSynced
	StBigStable
	StBigMetaMoved
	StBigMetaCommitted

	StDelWritten
	StDelSynced
	StDelStable
	StDelMoved

	// StFailed is terminal: the version's own I/O completed with an error.
	// Reads covering it surface the errno; rollback is the only way out.
	StFailed

	// StCurrent is the state of a clean entry: the durable latest version.
	StCurrent
)

var stateNames = map[State]string{
	StNone:              "none",
	StInFlight:          "in-flight",
	StJournalWritten:    "j-written",
	StJournalSynced:     "j-synced",
	StJournalStable:     "j-stable",
	StJournalMoved:      "j-moved",
	StJournalMoveSynced: "j-move-synced",
	StBigWritten:        "d-written",
	StBigSynced:         "d-synced",
	StBigMetaWritten:    "d-meta-written",
	StBigMetaSynced:     "d-meta-synced",
	StBigStable:         "d-stable",
	StBigMetaMoved:      "d-meta-moved",
	StBigMetaCommitted:  "d-meta-committed",
	StDelWritten:        "del-written",
	StDelSynced:         "del-synced",
	StDelStable:         "del-stable",
	StDelMoved:          "del-moved",
	StFailed:            "failed",
	StCurrent:           "current",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "invalid"
}

// IsStable reports whether a version in state s is durably committed and
// therefore visible to non-dirty reads.
func (s State) IsStable() bool {
	switch s {
	case StJournalStable, StJournalMoved, StJournalMoveSynced,
		StBigStable, StBigMetaMoved, StBigMetaCommitted,
		StDelSynced, StDelStable, StCurrent:
		return true
	}
	return false
}

// InJournal reports whether a version in state s has its data in the journal
// data area rather than the data region.
func (s State) InJournal() bool {
	return s >= StJournalWritten && s <= StJournalMoveSynced
}

// IsBig reports whether s belongs to the redirect-write lifecycle.
func (s State) IsBig() bool {
	return s >= StBigWritten && s <= StBigMetaCommitted
}

// IsDelete reports whether s belongs to the delete-tombstone lifecycle.
// Reads treat delete versions as covering their range with zeroes.
func (s State) IsDelete() bool {
	return s >= StDelWritten && s <= StDelMoved
}

// IsSynced reports whether the version has been carried past a sync fence
// and may be stabilized.
func (s State) IsSynced() bool {
	switch s {
	case StInFlight, StJournalWritten, StBigWritten, StBigMetaWritten, StDelWritten, StFailed:
		return false
	}
	return true
}

// OpKind selects the operation state machine.
type OpKind uint8

const (
	OpRead OpKind = iota + 1
	OpReadDirty
	OpWrite
	OpSync
	OpStable
	OpRollback
	OpDelete
)

var opNames = map[OpKind]string{
	OpRead:      "read",
	OpReadDirty: "read-dirty",
	OpWrite:     "write",
	OpSync:      "sync",
	OpStable:    "stable",
	OpRollback:  "rollback",
	OpDelete:    "delete",
}

func (k OpKind) String() string {
	if n, ok := opNames[k]; ok {
		return n
	}
	return "invalid"
}

// WaitKind names the resource a parked operation is waiting for. A waiting
// op stays at the head of the submit queue and is retried when the named
// resource becomes available.
type WaitKind uint8

const (
	WaitNone WaitKind = iota

	// WaitSQE: no free submission slot on the ring. Retried after the next
	// completion frees one.
	WaitSQE

	// WaitInFlight: a read covers a version whose write has not completed.
	// The wait detail is the version; retried when its write completes.
	WaitInFlight

	// WaitJournal: the journal head would cross the tail. The wait detail is
	// the byte count the reservation needed; retried when trim advances the
	// tail.
	WaitJournal

	// WaitJournalBuffer: the next in-memory sector buffer still has writes
	// in flight. Retried when a sector write completes.
	WaitJournalBuffer
)

func (w WaitKind) String() string {
	switch w {
	case WaitNone:
		return "none"
	case WaitSQE:
		return "sqe"
	case WaitInFlight:
		return "in-flight"
	case WaitJournal:
		return "journal"
	case WaitJournalBuffer:
		return "journal-buffer"
	}
	return "invalid"
}
