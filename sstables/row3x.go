package sstables

// row3xState enumerates the points at which the "3_x" parser can be
// resumed across chunk boundaries. As in legacy_row.go, each state names
// exactly one primitive read (or one non-blocking decision followed by
// at most one primitive read); consumerBase's primitives resume
// themselves, so a state never needs to distinguish "about to read" from
// "mid-read" the way the wire format's own switch-based implementation
// does (spec §4.3, §9). See DESIGN.md.
type row3xState uint8

const (
	r3PartitionStart row3xState = iota
	r3PartitionDelLocal
	r3PartitionDelMarked
	r3Flags
	r3ExtendedFlags
	r3CKBlock
	r3CKBlockValueLen
	r3CKBlockValueBytes
	r3RowBodySize
	r3RowBodyPrevSize
	r3RowBodyTimestamp
	r3RowBodyTTL
	r3RowBodyDelTime
	r3RowBodyDeletion
	r3RowBodyDeletionMark
	r3RowBodyDeletionLocal
	r3RowBodyMissingColumnsDecide
	r3RowBodyMissingColumns
	r3RowBodyMissingColumnsRead
	r3Column
	r3ColumnFlags
	r3ColumnTimestamp
	r3ColumnDeletionTime
	r3ColumnTTL
	r3ColumnValueLen
	r3ColumnValueBytes
)

// row3xParser implements the "3_x" partition/row/column state machine
// described in spec §4.3: a partition header followed by a sequence of
// unfiltered elements (clustering rows, at most one static row as the
// first element, or range-tombstone markers) terminated by an
// end-of-partition flag.
type row3xParser struct {
	consumerBase

	consumer    ConsumerM
	header      SerializationHeader
	translation ColumnTranslation
	state       row3xState

	pk                []byte
	delLocal          uint32
	isFirstUnfiltered bool
	flags             UnfilteredFlags
	extFlags          ExtendedFlags
	liveness          Liveness

	rowKey [][]byte

	ckFixedLensAll []FixedLength
	ckCursor       int
	ckBlocksHeader uint64
	ckHeaderRead   bool
	ckValueLen     int

	columnIDsAll       []ColumnID
	columnFixedLensAll []FixedLength
	columnsPresent     []bool
	columnCursor       int
	missingRemaining   int

	columnFlags             ColumnFlags
	columnTimestamp         int64
	columnTTL               uint32
	columnLocalDeletionTime uint32
	columnValueLen          int
	columnValue             []byte
}

// NewRow3xContext builds a resumable driver over the "3_x" partition
// wire format, delivering events to consumer. header and translation
// come from the SSTable object for the schema being read (spec §6,
// "SSTable object contract").
func NewRow3xContext(
	consumer ConsumerM, header SerializationHeader, translation ColumnTranslation,
	input InputStream, maxlen uint64,
) *Row3xContext {
	tracker := consumer.ResourceTracker()
	if tracker == nil {
		tracker = NoopResourceTracker
	}
	parser := &row3xParser{
		consumer:    consumer,
		header:      header,
		translation: translation,
		state:       r3PartitionStart,
	}
	parser.tracker = tracker
	return &Row3xContext{
		Driver: NewDriver(input, maxlen),
		parser: parser,
	}
}

// Row3xContext pairs a Driver with the "3_x" parser's state, the Go
// analogue of data_consume_rows_context_m.
type Row3xContext struct {
	*Driver
	parser *row3xParser
}

// Run drives the parser until it stops, the stream ends, or maxlen is
// reached. See Driver.Run.
func (c *Row3xContext) Run() (stopped bool, err error) {
	return c.Driver.Run(c.parser)
}

// Reset fast-forwards the parser to the start of a new partition. Unlike
// the legacy parser, the "3_x" parser only ever resumes at a partition
// boundary (spec §4.3, "reset").
func (c *Row3xContext) Reset(el IndexableElement) {
	c.parser.reset(el)
}

func (p *row3xParser) reset(el IndexableElement) {
	if el != IndexablePartition {
		panic("sstables: 3_x row parser can only reset to a partition boundary")
	}
	p.state = r3PartitionStart
	p.consumer.Reset(el)
}

func (p *row3xParser) nonConsuming() bool { return false }

func (p *row3xParser) verifyEndState() error {
	if p.state != r3PartitionStart || p.hasPendingPrimitive() {
		return unexpectedEOF("end of input, but not end of partition")
	}
	return nil
}

func (p *row3xParser) setupColumns(ids []ColumnID, fixedLens []FixedLength) {
	p.columnIDsAll = ids
	p.columnFixedLensAll = fixedLens
	p.columnCursor = 0
}

func (p *row3xParser) setupCK(fixedLens []FixedLength) {
	p.rowKey = p.rowKey[:0]
	p.ckFixedLensAll = fixedLens
	p.ckCursor = 0
	p.ckHeaderRead = false
}

func (p *row3xParser) noMoreCKBlocks() bool { return p.ckCursor >= len(p.ckFixedLensAll) }

func (p *row3xParser) ckBlockEmpty() bool {
	offset := uint(p.ckCursor % 32)
	return p.ckBlocksHeader&(1<<(2*offset)) != 0
}

func (p *row3xParser) advanceCKBlock() {
	p.ckCursor++
	if p.ckCursor%32 == 0 {
		p.ckHeaderRead = false
	}
}

func (p *row3xParser) noMoreColumns() bool { return p.columnCursor >= len(p.columnIDsAll) }

func (p *row3xParser) skipAbsentColumns() {
	for p.columnCursor < len(p.columnsPresent) && !p.columnsPresent[p.columnCursor] {
		p.columnCursor++
	}
}

func (p *row3xParser) moveToNextColumn() {
	p.columnCursor++
	p.skipAbsentColumns()
}

func (p *row3xParser) currentColumnID() ColumnID { return p.columnIDsAll[p.columnCursor] }

func (p *row3xParser) currentColumnFixedLen() FixedLength { return p.columnFixedLensAll[p.columnCursor] }

func ckRowKeyViews(bufs [][]byte) []KeyView {
	views := make([]KeyView, len(bufs))
	for i, b := range bufs {
		views[i] = KeyView(b)
	}
	return views
}

func allPresent(n int) []bool {
	present := make([]bool, n)
	for i := range present {
		present[i] = true
	}
	return present
}

func (p *row3xParser) processState(data *[]byte) (Proceed, error) { //nolint:gocyclo
	for {
		switch p.state {
		case r3PartitionStart:
			p.isFirstUnfiltered = true
			if p.readShortLengthBytes(data, &p.pk) == statusNeedMoreData {
				return ProceedYes, nil
			}
			p.reserve(p.pk)
			p.state = r3PartitionDelLocal

		case r3PartitionDelLocal:
			v, st := p.read32(data)
			if st == statusNeedMoreData {
				return ProceedYes, nil
			}
			p.delLocal = uint32(v)
			p.state = r3PartitionDelMarked

		case r3PartitionDelMarked:
			v, st := p.read64(data)
			if st == statusNeedMoreData {
				return ProceedYes, nil
			}
			deltime := DeletionTime{LocalDeletionTime: p.delLocal, MarkedForDeleteAt: int64(v)}
			proceed := p.consumer.ConsumePartitionStart(KeyView(p.pk), deltime)
			p.release(p.pk)
			p.pk = nil
			p.state = r3Flags
			if proceed == ProceedNo {
				return ProceedNo, nil
			}

		case r3Flags:
			p.liveness.reset()
			b, st := p.read8(data)
			if st == statusNeedMoreData {
				return ProceedYes, nil
			}
			p.flags = UnfilteredFlags(b)
			if p.flags.isEndOfPartition() {
				proceed := p.consumer.ConsumePartitionEnd()
				p.state = r3PartitionStart
				if proceed == ProceedNo {
					return ProceedNo, nil
				}
				continue
			}
			if p.flags.isRangeTombstone() {
				return ProceedYes, malformed("unimplemented: range tombstone markers")
			}
			if !p.flags.hasExtendedFlags() {
				p.extFlags = 0
				p.isFirstUnfiltered = false
				p.setupColumns(p.translation.RegularColumns(), p.translation.RegularColumnFixedLengths())
				p.setupCK(p.translation.ClusteringColumnFixedLengths())
				p.state = r3CKBlock
				continue
			}
			p.state = r3ExtendedFlags

		case r3ExtendedFlags:
			b, st := p.read8(data)
			if st == statusNeedMoreData {
				return ProceedYes, nil
			}
			p.extFlags = ExtendedFlags(b)
			if p.extFlags.isStatic() {
				if !p.isFirstUnfiltered {
					return ProceedYes, malformed("static row should be a first unfiltered in a partition")
				}
				p.setupColumns(p.translation.StaticColumns(), p.translation.StaticColumnFixedLengths())
				p.isFirstUnfiltered = false
				proceed := p.consumer.ConsumeStaticRowStart()
				p.state = r3RowBodySize
				if proceed == ProceedNo {
					return ProceedNo, nil
				}
				continue
			}
			p.isFirstUnfiltered = false
			p.setupColumns(p.translation.RegularColumns(), p.translation.RegularColumnFixedLengths())
			p.setupCK(p.translation.ClusteringColumnFixedLengths())
			p.state = r3CKBlock

		case r3CKBlock:
			if p.noMoreCKBlocks() {
				proceed := p.consumer.ConsumeRowStart(ckRowKeyViews(p.rowKey))
				for _, buf := range p.rowKey {
					p.release(buf)
				}
				p.rowKey = p.rowKey[:0]
				p.state = r3RowBodySize
				if proceed == ProceedNo {
					return ProceedNo, nil
				}
				continue
			}
			if !p.ckHeaderRead {
				v, st := p.readUnsignedVint(data)
				if st == statusNeedMoreData {
					return ProceedYes, nil
				}
				p.ckBlocksHeader = v
				p.ckHeaderRead = true
			}
			if p.ckBlockEmpty() {
				p.rowKey = append(p.rowKey, nil)
				p.advanceCKBlock()
				continue
			}
			if fl := p.ckFixedLensAll[p.ckCursor]; fl != NoFixedLength {
				p.ckValueLen = int(fl)
				p.state = r3CKBlockValueBytes
				continue
			}
			p.state = r3CKBlockValueLen

		case r3CKBlockValueLen:
			v, st := p.readUnsignedVint(data)
			if st == statusNeedMoreData {
				return ProceedYes, nil
			}
			p.ckValueLen = int(v)
			p.state = r3CKBlockValueBytes

		case r3CKBlockValueBytes:
			var buf []byte
			if p.readBytes(data, p.ckValueLen, &buf) == statusNeedMoreData {
				return ProceedYes, nil
			}
			p.reserve(buf)
			p.rowKey = append(p.rowKey, buf)
			p.advanceCKBlock()
			p.state = r3CKBlock

		case r3RowBodySize:
			if _, st := p.readUnsignedVint(data); st == statusNeedMoreData {
				return ProceedYes, nil
			}
			p.state = r3RowBodyPrevSize

		case r3RowBodyPrevSize:
			if _, st := p.readUnsignedVint(data); st == statusNeedMoreData {
				return ProceedYes, nil
			}
			if !p.flags.hasTimestamp() {
				p.state = r3RowBodyDeletion
				continue
			}
			p.state = r3RowBodyTimestamp

		case r3RowBodyTimestamp:
			v, st := p.readUnsignedVint(data)
			if st == statusNeedMoreData {
				return ProceedYes, nil
			}
			p.liveness.Timestamp = p.header.ParseTimestamp(v)
			if !p.flags.hasTTL() {
				p.state = r3RowBodyDeletion
				continue
			}
			p.state = r3RowBodyTTL

		case r3RowBodyTTL:
			v, st := p.readUnsignedVint(data)
			if st == statusNeedMoreData {
				return ProceedYes, nil
			}
			p.liveness.TTL = uint32(v)
			p.state = r3RowBodyDelTime

		case r3RowBodyDelTime:
			v, st := p.readUnsignedVint(data)
			if st == statusNeedMoreData {
				return ProceedYes, nil
			}
			p.liveness.LocalDeletionTime = uint32(v)
			p.state = r3RowBodyDeletion

		case r3RowBodyDeletion:
			if !p.flags.hasDeletion() {
				p.state = r3RowBodyMissingColumnsDecide
				continue
			}
			p.state = r3RowBodyDeletionMark

		case r3RowBodyDeletionMark:
			// mark_for_deleted_at: read and discarded (spec §4.3, §9
			// Open Questions — no row-tombstone consume event exists
			// yet to deliver it to).
			if _, st := p.readUnsignedVint(data); st == statusNeedMoreData {
				return ProceedYes, nil
			}
			p.state = r3RowBodyDeletionLocal

		case r3RowBodyDeletionLocal:
			if _, st := p.readUnsignedVint(data); st == statusNeedMoreData {
				return ProceedYes, nil
			}
			p.state = r3RowBodyMissingColumnsDecide

		case r3RowBodyMissingColumnsDecide:
			if p.flags.hasAllColumns() {
				p.columnsPresent = allPresent(len(p.columnIDsAll))
				p.columnCursor = 0
				p.state = r3Column
				continue
			}
			p.state = r3RowBodyMissingColumns

		case r3RowBodyMissingColumns:
			m, st := p.readUnsignedVint(data)
			if st == statusNeedMoreData {
				return ProceedYes, nil
			}
			n := len(p.columnIDsAll)
			if n < 64 {
				present := make([]bool, n)
				for i := 0; i < n; i++ {
					present[i] = m&(1<<uint(i)) == 0
				}
				p.columnsPresent = present
				p.skipAbsentColumns()
				p.state = r3Column
				continue
			}
			p.columnsPresent = make([]bool, n)
			if uint64(n)-m < uint64(n)/2 {
				p.missingRemaining = int(uint64(n) - m)
				// present starts all false; reading flips columns on.
			} else {
				p.missingRemaining = int(m)
				for i := range p.columnsPresent {
					p.columnsPresent[i] = true
				}
				// present starts all true; reading flips columns off.
			}
			p.state = r3RowBodyMissingColumnsRead

		case r3RowBodyMissingColumnsRead:
			if p.missingRemaining == 0 {
				p.skipAbsentColumns()
				p.state = r3Column
				continue
			}
			idx, st := p.readUnsignedVint(data)
			if st == statusNeedMoreData {
				return ProceedYes, nil
			}
			p.columnsPresent[idx] = !p.columnsPresent[idx]
			p.missingRemaining--

		case r3Column:
			if p.noMoreColumns() {
				proceed := p.consumer.ConsumeRowEnd(p.liveness)
				p.state = r3Flags
				if proceed == ProceedNo {
					return ProceedNo, nil
				}
				continue
			}
			p.state = r3ColumnFlags

		case r3ColumnFlags:
			b, st := p.read8(data)
			if st == statusNeedMoreData {
				return ProceedYes, nil
			}
			p.columnFlags = ColumnFlags(b)
			if p.columnFlags.useRowTimestamp() {
				p.columnTimestamp = p.liveness.Timestamp
				p.state = r3ColumnDeletionTime
				continue
			}
			p.state = r3ColumnTimestamp

		case r3ColumnTimestamp:
			v, st := p.readUnsignedVint(data)
			if st == statusNeedMoreData {
				return ProceedYes, nil
			}
			p.columnTimestamp = p.header.ParseTimestamp(v)
			p.state = r3ColumnDeletionTime

		case r3ColumnDeletionTime:
			if p.columnFlags.useRowTTL() {
				p.columnLocalDeletionTime = p.liveness.LocalDeletionTime
				p.state = r3ColumnTTL
				continue
			}
			if !p.columnFlags.isDeleted() && !p.columnFlags.isExpiring() {
				p.columnLocalDeletionTime = TimePointMax
				p.state = r3ColumnTTL
				continue
			}
			v, st := p.readUnsignedVint(data)
			if st == statusNeedMoreData {
				return ProceedYes, nil
			}
			p.columnLocalDeletionTime = p.header.ParseExpiry(v)
			p.state = r3ColumnTTL

		case r3ColumnTTL:
			if p.columnFlags.useRowTimestamp() {
				p.columnTTL = p.liveness.TTL
				p.state = r3ColumnValueLen
				continue
			}
			if !p.columnFlags.isExpiring() {
				p.columnTTL = 0
				p.state = r3ColumnValueLen
				continue
			}
			v, st := p.readUnsignedVint(data)
			if st == statusNeedMoreData {
				return ProceedYes, nil
			}
			p.columnTTL = p.header.ParseTTL(v)
			p.state = r3ColumnValueLen

		case r3ColumnValueLen:
			if !p.columnFlags.hasValue() {
				p.columnValueLen = 0
				p.state = r3ColumnValueBytes
				continue
			}
			if fl := p.currentColumnFixedLen(); fl != NoFixedLength {
				p.columnValueLen = int(fl)
				p.state = r3ColumnValueBytes
				continue
			}
			v, st := p.readUnsignedVint(data)
			if st == statusNeedMoreData {
				return ProceedYes, nil
			}
			p.columnValueLen = int(v)
			p.state = r3ColumnValueBytes

		case r3ColumnValueBytes:
			if p.readBytes(data, p.columnValueLen, &p.columnValue) == statusNeedMoreData {
				return ProceedYes, nil
			}
			p.reserve(p.columnValue)
			proceed := p.consumer.ConsumeColumn(
				p.currentColumnID(), ValueView(p.columnValue),
				p.columnTimestamp, p.columnTTL, p.columnLocalDeletionTime,
			)
			p.release(p.columnValue)
			p.columnValue = nil
			p.moveToNextColumn()
			p.state = r3Column
			if proceed == ProceedNo {
				return ProceedNo, nil
			}

		default:
			return ProceedYes, malformedf("unknown state %d", p.state)
		}
	}
}
