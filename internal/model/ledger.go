package model

import "time"

// EntryKind distinguishes ledger entries.
type EntryKind string

const (
	EntryOrder EntryKind = "order" // lifecycle change
	EntryFill  EntryKind = "fill"  // lifecycle change that carries a fill
)

// LedgerEntry is one append-only ledger record. Order is the full snapshot
// after the change, so replaying entries in Seq order rebuilds every order.
type LedgerEntry struct {
	Seq        int64     `json:"seq"`
	Kind       EntryKind `json:"kind"`
	Order      Order     `json:"order"`
	Fill       *Fill     `json:"fill,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}
