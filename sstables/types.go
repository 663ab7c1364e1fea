// Package sstables implements the resumable row/partition stream parser
// that feeds typed events to a consumer as an SSTable's data file is
// read chunk by chunk. Two wire formats are recognised: the legacy
// ("2_x") row layout and the newer "3_x" partition/row/column layout.
package sstables

import (
	"math"

	"github.com/cockroachdb/redact"
)

// LiveDeletionTime is the sentinel DeletionTime meaning "not a
// tombstone": the maximum local deletion time paired with the minimum
// possible marked-for-delete-at timestamp.
var LiveDeletionTime = DeletionTime{
	LocalDeletionTime: math.MaxUint32,
	MarkedForDeleteAt: math.MinInt64,
}

// DeletionTime is the (local_deletion_time, marked_for_delete_at) pair
// that determines whether a row or cell is a tombstone, and if so, when
// it was deleted. See spec §3.
type DeletionTime struct {
	LocalDeletionTime uint32
	MarkedForDeleteAt int64
}

// Live reports whether this deletion time is the designated "live"
// sentinel, i.e. the row or cell it's attached to is not a tombstone.
func (d DeletionTime) Live() bool {
	return d == LiveDeletionTime
}

// KeyView is an opaque view into the parser's internal chunk buffer. It
// is only valid for the duration of the consume callback it was handed
// to; a consumer that needs to retain it must copy the bytes first.
type KeyView []byte

// SafeFormat implements redact.SafeFormatter. Key bytes are user data
// and are always redacted from logs and error messages.
func (k KeyView) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("‹%d bytes›", redact.SafeInt(len(k)))
}

// ValueView is an opaque view into the parser's internal chunk buffer,
// holding a cell or column value. Same validity rules as KeyView.
type ValueView []byte

// SafeFormat implements redact.SafeFormatter.
func (v ValueView) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("‹%d bytes›", redact.SafeInt(len(v)))
}

// ColumnMask is the one-byte mask that follows an atom's name in the
// legacy row format (spec §4.2).
type ColumnMask uint8

// Mask bits, in the order row.hh/ColumnSerializer.java define them.
const (
	ColumnMaskNone          ColumnMask = 0
	ColumnMaskDeletion      ColumnMask = 0x01
	ColumnMaskExpiration    ColumnMask = 0x02
	ColumnMaskCounter       ColumnMask = 0x04
	ColumnMaskCounterUpdate ColumnMask = 0x08
	ColumnMaskRangeTombstone ColumnMask = 0x10
	ColumnMaskShadowable    ColumnMask = 0x40
)

func (m ColumnMask) has(bit ColumnMask) bool { return m&bit != 0 }

// UnfilteredFlags is the flags byte that begins every "3_x" unfiltered
// (spec §4.3).
type UnfilteredFlags uint8

const (
	flagEndOfPartition UnfilteredFlags = 0x01
	flagIsRangeTombstone UnfilteredFlags = 0x02
	flagHasExtendedFlags UnfilteredFlags = 0x04
	flagHasTimestamp    UnfilteredFlags = 0x08
	flagHasTTL          UnfilteredFlags = 0x10
	flagHasDeletion     UnfilteredFlags = 0x20
	flagHasAllColumns   UnfilteredFlags = 0x40
)

func (f UnfilteredFlags) isEndOfPartition() bool   { return f&flagEndOfPartition != 0 }
func (f UnfilteredFlags) isRangeTombstone() bool    { return f&flagIsRangeTombstone != 0 }
func (f UnfilteredFlags) hasExtendedFlags() bool    { return f&flagHasExtendedFlags != 0 }
func (f UnfilteredFlags) hasTimestamp() bool        { return f&flagHasTimestamp != 0 }
func (f UnfilteredFlags) hasTTL() bool              { return f&flagHasTTL != 0 }
func (f UnfilteredFlags) hasDeletion() bool         { return f&flagHasDeletion != 0 }
func (f UnfilteredFlags) hasAllColumns() bool       { return f&flagHasAllColumns != 0 }

// ExtendedFlags is the optional second flags byte, present only when
// UnfilteredFlags.hasExtendedFlags is set.
type ExtendedFlags uint8

const extendedFlagIsStatic ExtendedFlags = 0x01

func (f ExtendedFlags) isStatic() bool { return f&extendedFlagIsStatic != 0 }

// ColumnFlags is the one-byte flags that begins every simple column in
// the "3_x" column loop (spec §4.3 step 1).
type ColumnFlags uint8

const (
	columnFlagUseRowTimestamp ColumnFlags = 0x01
	columnFlagUseRowTTL       ColumnFlags = 0x02
	columnFlagIsDeleted       ColumnFlags = 0x04
	columnFlagIsExpiring      ColumnFlags = 0x08
	columnFlagHasValue        ColumnFlags = 0x10
)

func (f ColumnFlags) useRowTimestamp() bool { return f&columnFlagUseRowTimestamp != 0 }
func (f ColumnFlags) useRowTTL() bool       { return f&columnFlagUseRowTTL != 0 }
func (f ColumnFlags) isDeleted() bool       { return f&columnFlagIsDeleted != 0 }
func (f ColumnFlags) isExpiring() bool      { return f&columnFlagIsExpiring != 0 }
func (f ColumnFlags) hasValue() bool        { return f&columnFlagHasValue != 0 }

// TimePointMax is the "never expires" sentinel for a column's local
// deletion time, the Go stand-in for gc_clock::time_point::max().
const TimePointMax uint32 = math.MaxUint32

// Liveness is a row's (timestamp, ttl, local_deletion_time) triple,
// decoded as deltas against the file's SerializationHeader and
// optionally inherited by the row's columns (spec §3, "Liveness info").
type Liveness struct {
	Timestamp         int64
	TTL               uint32
	LocalDeletionTime uint32
}

// reset restores a Liveness to its default (absent) state, the way the
// source re-initialises it at the top of every FLAGS state.
func (l *Liveness) reset() {
	*l = Liveness{}
}

// SerializationHeader carries the per-file base timestamp/ttl/deletion
// deltas that "3_x" varint-encoded fields are decoded against (spec §6,
// §9).
type SerializationHeader struct {
	MinTimestamp         int64
	MinLocalDeletionTime uint32
	MinTTL               uint32
}

// ParseTimestamp implements spec §9: header.min_timestamp + delta.
func (h SerializationHeader) ParseTimestamp(delta uint64) int64 {
	return h.MinTimestamp + int64(delta)
}

// ParseExpiry implements spec §9: header.min_local_deletion + delta.
func (h SerializationHeader) ParseExpiry(delta uint64) uint32 {
	return h.MinLocalDeletionTime + uint32(delta)
}

// ParseTTL implements spec §9: header.min_ttl + delta.
func (h SerializationHeader) ParseTTL(delta uint64) uint32 {
	return h.MinTTL + uint32(delta)
}

// ColumnTranslation is the schema-ordered list of column ids and, per
// column, an optional fixed value length, indexed separately for
// static and regular columns (spec §3, §6). It is computed once per
// SSTable open and kept alive for the reader's lifetime; this type only
// models the read side the parser needs.
type ColumnTranslation struct {
	staticColumns             []ColumnID
	staticColumnFixedLengths  []FixedLength
	regularColumns            []ColumnID
	regularColumnFixedLengths []FixedLength
	clusteringFixedLengths    []FixedLength
}

// ColumnID identifies a column within a schema. A column that has no id
// (shouldn't be reachable through the translation table) is represented
// by NoColumnID.
type ColumnID int32

// NoColumnID is the "no such column" sentinel, the Go analogue of
// stdx::optional<column_id> being empty.
const NoColumnID ColumnID = -1

// FixedLength is an optional schema-provided fixed byte length for a
// clustering column or a column value. NoFixedLength (-1) means "no fixed
// length, read a length-prefixed varint instead"; any other value is used
// as the byte length.
type FixedLength int32

// NoFixedLength is the "no fixed length" sentinel.
const NoFixedLength FixedLength = -1

// NewColumnTranslation builds a ColumnTranslation from the schema-level
// lists the SSTable object provides for static and regular columns, plus
// the clustering-column fixed-length hints (spec §6, "Schema contract").
func NewColumnTranslation(
	staticColumns []ColumnID, staticFixedLengths []FixedLength,
	regularColumns []ColumnID, regularFixedLengths []FixedLength,
	clusteringFixedLengths []FixedLength,
) ColumnTranslation {
	return ColumnTranslation{
		staticColumns:             staticColumns,
		staticColumnFixedLengths:  staticFixedLengths,
		regularColumns:            regularColumns,
		regularColumnFixedLengths: regularFixedLengths,
		clusteringFixedLengths:    clusteringFixedLengths,
	}
}

// StaticColumns returns the schema-ordered static column ids.
func (c ColumnTranslation) StaticColumns() []ColumnID { return c.staticColumns }

// StaticColumnFixedLengths returns the per-static-column fixed lengths.
func (c ColumnTranslation) StaticColumnFixedLengths() []FixedLength { return c.staticColumnFixedLengths }

// RegularColumns returns the schema-ordered regular column ids.
func (c ColumnTranslation) RegularColumns() []ColumnID { return c.regularColumns }

// RegularColumnFixedLengths returns the per-regular-column fixed lengths.
func (c ColumnTranslation) RegularColumnFixedLengths() []FixedLength { return c.regularColumnFixedLengths }

// ClusteringColumnFixedLengths returns the per-clustering-column fixed
// lengths, one entry per clustering column in schema order.
func (c ColumnTranslation) ClusteringColumnFixedLengths() []FixedLength { return c.clusteringFixedLengths }

// IndexableElement names the granularity a reader can fast-forward a
// parser to (spec §4.2, §4.3 "reset").
type IndexableElement int

const (
	// IndexablePartition resets a parser to the start of a partition.
	IndexablePartition IndexableElement = iota
	// IndexableCell resets the legacy parser to the start of an atom,
	// for resuming a partially-filtered row.
	IndexableCell
)

// Proceed is the instruction a consume callback returns: whether the
// parser should keep driving the state machine, or stop and return
// control to the caller (spec §4.1, "driver contract").
type Proceed bool

const (
	// ProceedYes continues driving the state machine.
	ProceedYes Proceed = true
	// ProceedNo stops the state machine at the next opportunity; the
	// parser trims the unconsumed input and preserves its state so a
	// later call resumes exactly where it left off.
	ProceedNo Proceed = false
)
