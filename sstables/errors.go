package sstables

import "github.com/cockroachdb/errors"

// ErrMalformedSstable marks any error raised because the byte stream
// violated the wire format described by row.hh: an unknown state, an
// unsupported mask bit, a deleted cell with the wrong value length, a
// static row that isn't first, or a construct this parser doesn't
// implement (range tombstone markers). The "3_x" parser has no notion of
// complex columns: it decodes every column as a simple column and never
// reports a complex one as malformed.
var ErrMalformedSstable = errors.New("malformed sstable")

// ErrUnexpectedEOF marks an error raised because the input stream ended
// in a state verifyEndState does not accept.
var ErrUnexpectedEOF = errors.New("unexpected end of input")

// malformed wraps ErrMalformedSstable with a reason, the way the source
// throws malformed_sstable_exception(reason) at each call site.
func malformed(reason string) error {
	return errors.WithDetail(ErrMalformedSstable, reason)
}

func malformedf(format string, args ...interface{}) error {
	return errors.WithDetail(ErrMalformedSstable, errors.Newf(format, args...).Error())
}

func unexpectedEOF(reason string) error {
	return errors.WithDetail(ErrUnexpectedEOF, reason)
}
