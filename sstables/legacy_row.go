package sstables

import "encoding/binary"

// legacyState enumerates the points at which the legacy row parser can
// be resumed across chunk boundaries. Unlike the state enum the wire
// format's own implementation describes (spec §4.2, §9), there is no
// separate "_2" state per primitive here: consumerBase's primitives are
// already resumable on their own, so a state only needs to name which
// primitive read (or which consume callback) comes next, not whether
// that read is mid-flight. See DESIGN.md for the full rationale.
type legacyState uint8

const (
	legacyRowStart legacyState = iota
	legacyRowDelLocal
	legacyRowDelMarked
	legacyAtomStart
	legacyAtomMask
	legacyCounterCell
	legacyExpiringCellTTL
	legacyExpiringCellExpiration
	legacyCell
	legacyCellValueLen
	legacyCellValueBytes
	legacyRangeTombstoneEnd
	legacyRangeTombstoneDel
	legacyRangeTombstoneMarked
)

// legacyRowParser implements the state machine described in spec §4.2:
// row header, then a sequence of atoms (cells, tombstones, counters,
// range tombstones) terminated by a zero-length atom name.
type legacyRowParser struct {
	consumerBase

	consumer RowConsumer
	state    legacyState

	key []byte
	val []byte

	delLocal    uint32
	timestamp   int64
	ttl         uint32
	expiration  uint32
	valueLen    int
	deleted     bool
	counter     bool
	shadowable  bool
}

// NewLegacyRowContext builds a resumable driver over the legacy row
// wire format, delivering events to consumer. maxlen bounds how many
// bytes will be read from input before the driver calls verifyEndState.
func NewLegacyRowContext(consumer RowConsumer, input InputStream, maxlen uint64) *LegacyRowContext {
	tracker := consumer.ResourceTracker()
	if tracker == nil {
		tracker = NoopResourceTracker
	}
	parser := &legacyRowParser{consumer: consumer, state: legacyRowStart}
	parser.tracker = tracker
	return &LegacyRowContext{
		Driver: NewDriver(input, maxlen),
		parser: parser,
	}
}

// LegacyRowContext pairs a Driver with the legacy parser's state, the Go
// analogue of data_consume_rows_context.
type LegacyRowContext struct {
	*Driver
	parser *legacyRowParser
}

// Run drives the parser until it stops, the stream ends, or maxlen is
// reached. See Driver.Run.
func (c *LegacyRowContext) Run() (stopped bool, err error) {
	return c.Driver.Run(c.parser)
}

// Reset fast-forwards the parser to the start of a new partition or
// (for a clustering filter's partial-row resume) the start of the next
// atom. Only IndexablePartition and IndexableCell are valid here.
func (c *LegacyRowContext) Reset(el IndexableElement) {
	c.parser.reset(el)
}

func (p *legacyRowParser) reset(el IndexableElement) {
	switch el {
	case IndexablePartition:
		p.state = legacyRowStart
	case IndexableCell:
		p.state = legacyAtomStart
	default:
		panic("sstables: legacy row parser cannot reset to that element")
	}
	p.consumer.Reset(el)
}

func (p *legacyRowParser) nonConsuming() bool { return false }

func (p *legacyRowParser) verifyEndState() error {
	if p.state == legacyAtomStart {
		// A clustering filter may have cut the row off anywhere before
		// its terminating zero-length atom; treat that as a clean end
		// of row rather than truncation (spec §4.2, §8 property 4).
		p.consumer.ConsumeRowEnd()
		return nil
	}
	if p.state != legacyRowStart || p.hasPendingPrimitive() {
		return unexpectedEOF("end of input, but not end of row")
	}
	return nil
}

func (p *legacyRowParser) processState(data *[]byte) (Proceed, error) {
	for {
		switch p.state {
		case legacyRowStart:
			if p.readShortLengthBytes(data, &p.key) == statusNeedMoreData {
				return ProceedYes, nil
			}
			p.reserve(p.key)
			p.state = legacyRowDelLocal

		case legacyRowDelLocal:
			v, st := p.read32(data)
			if st == statusNeedMoreData {
				return ProceedYes, nil
			}
			p.delLocal = uint32(v)
			p.state = legacyRowDelMarked

		case legacyRowDelMarked:
			v, st := p.read64(data)
			if st == statusNeedMoreData {
				return ProceedYes, nil
			}
			deltime := DeletionTime{LocalDeletionTime: p.delLocal, MarkedForDeleteAt: int64(v)}
			proceed := p.consumer.ConsumeRowStart(KeyView(p.key), deltime)
			p.release(p.key)
			p.key = nil
			p.state = legacyAtomStart
			if proceed == ProceedNo {
				return ProceedNo, nil
			}

		case legacyAtomStart:
			if p.readShortLengthBytes(data, &p.key) == statusNeedMoreData {
				return ProceedYes, nil
			}
			if len(p.key) == 0 {
				p.state = legacyRowStart
				proceed := p.consumer.ConsumeRowEnd()
				if proceed == ProceedNo {
					return ProceedNo, nil
				}
			} else {
				p.reserve(p.key)
				p.state = legacyAtomMask
			}

		case legacyAtomMask:
			b, st := p.read8(data)
			if st == statusNeedMoreData {
				return ProceedYes, nil
			}
			mask := ColumnMask(b)
			switch {
			case mask.has(ColumnMaskRangeTombstone) || mask.has(ColumnMaskShadowable):
				p.shadowable = mask.has(ColumnMaskShadowable)
				p.state = legacyRangeTombstoneEnd
			case mask.has(ColumnMaskCounter):
				p.deleted, p.counter = false, true
				p.state = legacyCounterCell
			case mask.has(ColumnMaskExpiration):
				p.deleted, p.counter = false, false
				p.state = legacyExpiringCellTTL
			case mask.has(ColumnMaskCounterUpdate):
				p.release(p.key)
				return ProceedYes, malformed("FIXME COUNTER_UPDATE_MASK")
			default:
				p.ttl, p.expiration = 0, 0
				p.deleted = mask.has(ColumnMaskDeletion)
				p.counter = false
				p.state = legacyCell
			}

		case legacyCounterCell:
			// Discard the timestamp-of-last-deletion; see spec §3,
			// "Counter cell".
			if _, st := p.read64(data); st == statusNeedMoreData {
				return ProceedYes, nil
			}
			p.state = legacyCell

		case legacyExpiringCellTTL:
			v, st := p.read32(data)
			if st == statusNeedMoreData {
				return ProceedYes, nil
			}
			p.ttl = uint32(v)
			p.state = legacyExpiringCellExpiration

		case legacyExpiringCellExpiration:
			v, st := p.read32(data)
			if st == statusNeedMoreData {
				return ProceedYes, nil
			}
			p.expiration = uint32(v)
			p.state = legacyCell

		case legacyCell:
			v, st := p.read64(data)
			if st == statusNeedMoreData {
				return ProceedYes, nil
			}
			p.timestamp = int64(v)
			p.state = legacyCellValueLen

		case legacyCellValueLen:
			v, st := p.read32(data)
			if st == statusNeedMoreData {
				return ProceedYes, nil
			}
			p.valueLen = int(v)
			p.state = legacyCellValueBytes

		case legacyCellValueBytes:
			if p.readBytes(data, p.valueLen, &p.val) == statusNeedMoreData {
				return ProceedYes, nil
			}
			p.reserve(p.val)
			var proceed Proceed
			switch {
			case p.deleted:
				if len(p.val) != 4 {
					p.release(p.key)
					p.release(p.val)
					return ProceedYes, malformed("deleted cell expects local_deletion_time value")
				}
				deltime := DeletionTime{
					LocalDeletionTime: binary.BigEndian.Uint32(p.val),
					MarkedForDeleteAt: p.timestamp,
				}
				proceed = p.consumer.ConsumeDeletedCell(KeyView(p.key), deltime)
			case p.counter:
				proceed = p.consumer.ConsumeCounterCell(KeyView(p.key), ValueView(p.val), p.timestamp)
			default:
				proceed = p.consumer.ConsumeCell(KeyView(p.key), ValueView(p.val), p.timestamp, p.ttl, p.expiration)
			}
			p.release(p.key)
			p.release(p.val)
			p.key, p.val = nil, nil
			p.state = legacyAtomStart
			if proceed == ProceedNo {
				return ProceedNo, nil
			}

		case legacyRangeTombstoneEnd:
			if p.readShortLengthBytes(data, &p.val) == statusNeedMoreData {
				return ProceedYes, nil
			}
			p.reserve(p.val)
			p.state = legacyRangeTombstoneDel

		case legacyRangeTombstoneDel:
			v, st := p.read32(data)
			if st == statusNeedMoreData {
				return ProceedYes, nil
			}
			p.delLocal = uint32(v)
			p.state = legacyRangeTombstoneMarked

		case legacyRangeTombstoneMarked:
			v, st := p.read64(data)
			if st == statusNeedMoreData {
				return ProceedYes, nil
			}
			deltime := DeletionTime{LocalDeletionTime: p.delLocal, MarkedForDeleteAt: int64(v)}
			var proceed Proceed
			if p.shadowable {
				proceed = p.consumer.ConsumeShadowableRowTombstone(KeyView(p.key), deltime)
			} else {
				proceed = p.consumer.ConsumeRangeTombstone(KeyView(p.key), KeyView(p.val), deltime)
			}
			p.release(p.key)
			p.release(p.val)
			p.key, p.val = nil, nil
			p.state = legacyAtomStart
			if proceed == ProceedNo {
				return ProceedNo, nil
			}

		default:
			return ProceedYes, malformedf("unknown state %d", p.state)
		}
	}
}
