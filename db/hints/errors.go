package hints

import "github.com/cockroachdb/errors"

// ErrGateClosed is returned by Gate.Do once the gate has been closed.
var ErrGateClosed = errors.New("hints: gate is closed")
