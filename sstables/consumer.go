package sstables

import (
	"math/bits"

	"github.com/yuantianwen/scylla/internal/log"
)

// InputStream is the byte source a Driver pulls chunks from. A chunk may
// be of any size, including a single byte; an empty chunk signals end of
// stream (spec §6, "Input stream contract").
type InputStream interface {
	NextChunk() ([]byte, error)
}

// readStatus is the outcome of a primitive read: either it produced a
// value from the bytes seen so far, or it needs more input and has
// stashed its partial progress in the consumerBase's prestate register.
type readStatus bool

const (
	statusReady        readStatus = true
	statusNeedMoreData readStatus = false
)

// prestateKind names which primitive, if any, left partial progress
// behind when its last read call ran out of chunk bytes. Only one
// primitive is ever in flight at a time, so a single register — not one
// per primitive — is enough (spec §4.1, §9 "partial primitive reads").
type prestateKind uint8

const (
	prestateNone prestateKind = iota
	prestateFixed
	prestateVint
	prestateBytes
)

// consumerBase is the shared byte-reading machinery both the legacy and
// "3_x" state machines embed. It has no notion of rows, partitions, or
// columns; it only knows how to resume a fixed-width integer, a varint,
// or a raw byte run across chunk boundaries. Concrete parsers embed it
// and drive it via a Driver.
type consumerBase struct {
	Logger  log.Logger
	tracker ResourceTracker

	pendingKind  prestateKind
	pendingFixed [9]byte
	pendingWidth int
	pendingFilled int
	vintTotal    int

	bytesBuf   []byte
	bytesTotal int

	shortLenKnown bool
	shortLenValue int
}

func decodeBE(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// readFixed reads a big-endian unsigned integer of the given width (1,
// 2, 4, or 8 bytes), resuming across calls if the chunk runs out
// mid-read.
func (c *consumerBase) readFixed(data *[]byte, width int) (uint64, readStatus) {
	if c.pendingKind == prestateFixed {
		n := copy(c.pendingFixed[c.pendingFilled:c.pendingWidth], *data)
		c.pendingFilled += n
		*data = (*data)[n:]
		if c.pendingFilled < c.pendingWidth {
			return 0, statusNeedMoreData
		}
		v := decodeBE(c.pendingFixed[:c.pendingWidth])
		c.pendingKind = prestateNone
		c.pendingFilled = 0
		return v, statusReady
	}
	if len(*data) >= width {
		v := decodeBE((*data)[:width])
		*data = (*data)[width:]
		return v, statusReady
	}
	if len(*data) == 0 {
		// Nothing read yet: leave the prestate register empty, so input
		// that ends here is not mistaken for input ending mid-value.
		return 0, statusNeedMoreData
	}
	c.pendingWidth = width
	c.pendingFilled = copy(c.pendingFixed[:width], *data)
	*data = (*data)[len(*data):]
	c.pendingKind = prestateFixed
	return 0, statusNeedMoreData
}

func (c *consumerBase) read8(data *[]byte) (uint8, readStatus) {
	v, s := c.readFixed(data, 1)
	return uint8(v), s
}

func (c *consumerBase) read16(data *[]byte) (uint16, readStatus) {
	v, s := c.readFixed(data, 2)
	return uint16(v), s
}

func (c *consumerBase) read32(data *[]byte) (uint32, readStatus) {
	v, s := c.readFixed(data, 4)
	return uint32(v), s
}

func (c *consumerBase) read64(data *[]byte) (uint64, readStatus) {
	return c.readFixed(data, 8)
}

// readUnsignedVint reads the SSTable family's variable-length unsigned
// integer: the number of leading one-bits in the first byte gives the
// count of additional big-endian bytes that follow (0 to 8 of them, for
// a 1-to-9-byte total encoding). See spec §4.1 and §9.
func (c *consumerBase) readUnsignedVint(data *[]byte) (uint64, readStatus) {
	if c.pendingKind != prestateVint {
		if len(*data) == 0 {
			return 0, statusNeedMoreData
		}
		b := (*data)[0]
		*data = (*data)[1:]
		c.pendingFixed[0] = b
		c.pendingFilled = 1
		c.vintTotal = 1 + bits.LeadingZeros8(^b)
		c.pendingKind = prestateVint
	}
	for c.pendingFilled < c.vintTotal && len(*data) > 0 {
		c.pendingFixed[c.pendingFilled] = (*data)[0]
		*data = (*data)[1:]
		c.pendingFilled++
	}
	if c.pendingFilled < c.vintTotal {
		return 0, statusNeedMoreData
	}
	extraBytes := c.vintTotal - 1
	var firstByteMask byte
	if extraBytes < 8 {
		firstByteMask = byte(1<<(8-extraBytes) - 1)
	}
	value := uint64(c.pendingFixed[0] & firstByteMask)
	for i := 1; i < c.vintTotal; i++ {
		value = value<<8 | uint64(c.pendingFixed[i])
	}
	c.pendingKind = prestateNone
	c.pendingFilled = 0
	return value, statusReady
}

// readBytes reads exactly n bytes into *out. When the whole run is
// already present in the chunk it hands back a borrowed sub-slice with
// no copy; only a run that straddles a chunk boundary gets copied into
// an owned buffer (spec §9, "buffer ownership").
func (c *consumerBase) readBytes(data *[]byte, n int, out *[]byte) readStatus {
	if n == 0 {
		*out = []byte{}
		return statusReady
	}
	if c.pendingKind == prestateBytes {
		need := c.bytesTotal - c.pendingFilled
		take := min(need, len(*data))
		copy(c.bytesBuf[c.pendingFilled:], (*data)[:take])
		c.pendingFilled += take
		*data = (*data)[take:]
		if c.pendingFilled < c.bytesTotal {
			return statusNeedMoreData
		}
		*out = c.bytesBuf
		c.pendingKind = prestateNone
		c.bytesBuf = nil
		c.pendingFilled = 0
		return statusReady
	}
	if len(*data) >= n {
		*out = (*data)[:n:n]
		*data = (*data)[n:]
		return statusReady
	}
	c.bytesBuf = make([]byte, n)
	c.bytesTotal = n
	c.pendingFilled = copy(c.bytesBuf, *data)
	*data = (*data)[len(*data):]
	c.pendingKind = prestateBytes
	return statusNeedMoreData
}

// readShortLengthBytes reads a 16-bit big-endian length followed by that
// many bytes (spec §4.1).
func (c *consumerBase) readShortLengthBytes(data *[]byte, out *[]byte) readStatus {
	if !c.shortLenKnown {
		v, status := c.read16(data)
		if status == statusNeedMoreData {
			return statusNeedMoreData
		}
		c.shortLenValue = int(v)
		c.shortLenKnown = true
	}
	status := c.readBytes(data, c.shortLenValue, out)
	if status == statusReady {
		c.shortLenKnown = false
	}
	return status
}

// reserve charges buf against the consumer's ResourceTracker for as long
// as the parser holds onto it (spec §5, "resource accounting"). Called
// once a decoded buffer is stored in a parser field, not on every
// partial read.
func (c *consumerBase) reserve(buf []byte) {
	if len(buf) == 0 {
		return
	}
	c.tracker.Reserve(len(buf))
}

// release reverses a prior reserve, called right before the parser drops
// its reference to buf (typically just after handing it to a consume
// callback).
func (c *consumerBase) release(buf []byte) {
	if len(buf) == 0 {
		return
	}
	c.tracker.Release(len(buf))
}

// hasPendingPrimitive reports whether a primitive read is mid-flight,
// i.e. the prestate register is non-empty. verifyEndState implementations
// use this to reject a stream that ends inside a partially-read value.
func (c *consumerBase) hasPendingPrimitive() bool {
	return c.pendingKind != prestateNone || c.shortLenKnown
}

// StateMachine is implemented by a concrete parser (legacy or "3_x") and
// driven by a Driver.
type StateMachine interface {
	// processState advances the state machine using the bytes available
	// in *data, trimming consumed bytes from the front. It returns
	// ProceedNo if a consume callback asked the driver to stop; the
	// state machine must have already rewound to a resumable state and
	// released any borrowed buffers before returning ProceedNo.
	processState(data *[]byte) (Proceed, error)
	// nonConsuming reports whether the current state can make progress
	// without any further input bytes (spec §4.1).
	nonConsuming() bool
	// verifyEndState is called when the input stream is exhausted; it
	// must return an error unless the current state legitimately
	// represents "no more data expected".
	verifyEndState() error
}

// Driver drives a StateMachine by feeding it chunks pulled from an
// InputStream until the stream ends, maxlen bytes have been consumed, or
// the state machine reports ProceedNo. A Driver is resumable: calling Run
// again after a ProceedNo continues exactly where the previous call left
// off (spec §4.1, "driver contract"; spec §8, property 2).
type Driver struct {
	input  InputStream
	maxlen uint64

	consumed uint64
	carry    []byte
}

// NewDriver constructs a Driver that will read at most maxlen bytes from
// input.
func NewDriver(input InputStream, maxlen uint64) *Driver {
	return &Driver{input: input, maxlen: maxlen}
}

// Run feeds sm chunks until one of: the state machine requests a stop
// (returns true, nil), maxlen bytes were consumed and verifyEndState
// accepted the terminal state (returns false, nil), or verifyEndState /
// the input stream produced an error (returns false, err).
func (d *Driver) Run(sm StateMachine) (stopped bool, err error) {
	for {
		if len(d.carry) == 0 {
			if d.consumed >= d.maxlen {
				return false, sm.verifyEndState()
			}
			chunk, err := d.input.NextChunk()
			if err != nil {
				return false, err
			}
			if len(chunk) == 0 {
				return false, sm.verifyEndState()
			}
			if remaining := d.maxlen - d.consumed; uint64(len(chunk)) > remaining {
				chunk = chunk[:remaining]
			}
			d.carry = chunk
		}
		for {
			if len(d.carry) == 0 && !sm.nonConsuming() {
				break
			}
			before := len(d.carry)
			proceed, err := sm.processState(&d.carry)
			if err != nil {
				return false, err
			}
			d.consumed += uint64(before - len(d.carry))
			if proceed == ProceedNo {
				return true, nil
			}
		}
	}
}

// Consumed returns the number of input bytes the driver has consumed so
// far across all Run calls.
func (d *Driver) Consumed() uint64 { return d.consumed }
