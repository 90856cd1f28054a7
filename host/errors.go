package host

import "github.com/pkg/errors"

var (
	// ErrConnection means the connection handle was invalid or unreachable.
	// The caller has to fetch a fresh handle from the broker.
	ErrConnection = errors.New("host: connection failed")
	// ErrNegotiation means no common format or buffer mode exists for a
	// stream. Sibling streams are unaffected.
	ErrNegotiation = errors.New("host: format negotiation failed")
	// ErrStream is a capture-side failure of one stream.
	ErrStream = errors.New("host: stream failed")
	// ErrCaptureFatal means the capture thread itself died; the host must be
	// recreated.
	ErrCaptureFatal = errors.New("host: capture thread failed")
	ErrTimeout      = errors.New("host: operation timed out")

	ErrStreamNotFound = errors.New("host: stream not found")
	ErrStreamExists   = errors.New("host: region already captured")
	ErrMaxStreams     = errors.New("host: stream limit reached")
	ErrNotConnected   = errors.New("host: not connected")
	ErrConnected      = errors.New("host: already connected")
	ErrShutdown       = errors.New("host: shut down")
)
