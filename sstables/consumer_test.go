package sstables

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// encodeUvint is the inverse of consumerBase.readUnsignedVint, used only
// to build fixtures: the number of leading one-bits in the first byte
// names how many big-endian bytes follow (spec §4.1).
func encodeUvint(v uint64) []byte {
	for extra := 0; extra < 8; extra++ {
		avail := uint(7-extra) + uint(extra)*8
		if v>>avail != 0 {
			continue
		}
		out := make([]byte, 1+extra)
		var marker byte
		if extra > 0 {
			marker = byte(0xFF << uint(8-extra))
		}
		out[0] = marker | byte(v>>uint(extra*8))
		for i := 0; i < extra; i++ {
			out[1+i] = byte(v >> uint(8*(extra-1-i)))
		}
		return out
	}
	out := make([]byte, 9)
	out[0] = 0xFF
	for i := 0; i < 8; i++ {
		out[1+i] = byte(v >> uint(8*(7-i)))
	}
	return out
}

// feedBytewise drives a primitive read one byte at a time, the worst case
// for chunk-invariance (spec §8, property 1): the result must be the
// same regardless of how the input was sliced into chunks.
func feedBytewise(t *testing.T, full []byte, attempt func(data *[]byte) readStatus) {
	t.Helper()
	for i := 0; i < len(full)-1; i++ {
		chunk := full[i : i+1]
		require.Equal(t, statusNeedMoreData, attempt(&chunk))
		require.Empty(t, chunk)
	}
	last := full[len(full)-1:]
	require.Equal(t, statusReady, attempt(&last))
	require.Empty(t, last)
}

func TestReadFixedChunkInvariance(t *testing.T) {
	var c consumerBase
	full := []byte{0x01, 0x02, 0x03, 0x04}
	feedBytewise(t, full, func(data *[]byte) readStatus {
		_, st := c.readFixed(data, 4)
		return st
	})
	c2 := consumerBase{}
	data := append([]byte{}, full...)
	v, st := c2.readFixed(&data, 4)
	require.Equal(t, statusReady, st)
	require.Equal(t, uint64(0x01020304), v)
}

func TestReadUnsignedVintChunkInvariance(t *testing.T) {
	cases := []uint64{0, 1, 63, 64, 127, 128, 16383, 16384, 1 << 20, 1 << 40, ^uint64(0)}
	for _, v := range cases {
		encoded := encodeUvint(v)

		var whole consumerBase
		wholeData := append([]byte{}, encoded...)
		got, st := whole.readUnsignedVint(&wholeData)
		require.Equal(t, statusReady, st)
		require.Equal(t, v, got, "whole-buffer decode of %d", v)
		require.Empty(t, wholeData)

		var c consumerBase
		var last uint64
		feedBytewise(t, encoded, func(data *[]byte) readStatus {
			got, st := c.readUnsignedVint(data)
			if st == statusReady {
				last = got
			}
			return st
		})
		require.Equal(t, v, last, "bytewise decode of %d", v)
	}
}

func TestReadBytesBorrowsWhenWholeInOneChunk(t *testing.T) {
	var c consumerBase
	backing := []byte{'a', 'b', 'c', 'd', 'e'}
	data := backing
	var out []byte
	require.Equal(t, statusReady, c.readBytes(&data, 3, &out))
	require.Equal(t, []byte("abc"), out)
	// readBytes hands back a borrowed view into the same backing array
	// when nothing straddled a chunk boundary (spec §9, "buffer
	// ownership") rather than an independent copy.
	require.Same(t, &backing[0], &out[0])
}

func TestReadBytesCopiesWhenSplitAcrossChunks(t *testing.T) {
	var c consumerBase
	full := []byte("hello world")
	var out []byte
	feedBytewise(t, full, func(data *[]byte) readStatus {
		return c.readBytes(data, len(full), &out)
	})
	require.Equal(t, full, out)
}

func TestReadShortLengthBytesChunkInvariance(t *testing.T) {
	payload := []byte("a row key")
	full := append([]byte{0x00, byte(len(payload))}, payload...)

	var c consumerBase
	var out []byte
	feedBytewise(t, full, func(data *[]byte) readStatus {
		return c.readShortLengthBytes(data, &out)
	})
	require.Equal(t, payload, out)
	require.False(t, c.hasPendingPrimitive())
}

func TestHasPendingPrimitiveTracksInFlightReads(t *testing.T) {
	var c consumerBase
	require.False(t, c.hasPendingPrimitive())
	data := []byte{0x00}
	_, st := c.readFixed(&data, 4)
	require.Equal(t, statusNeedMoreData, st)
	require.True(t, c.hasPendingPrimitive())
	data = []byte{0x00, 0x00, 0x00}
	_, st = c.readFixed(&data, 4)
	require.Equal(t, statusReady, st)
	require.False(t, c.hasPendingPrimitive())
}
