package scale

import "time"

// SerialParams are the line settings a session is opened with.
type SerialParams struct {
	BaudRate int
	DataBits int
	Parity   Parity
	StopBits StopBits
}

// Transport opens serial sessions for a device identity (port path or
// USB product id). Open failures must be reported as serial_connection
// errors.
type Transport interface {
	Open(device string, params SerialParams) (Session, error)
}

// Session is one open link to a device. Read returns an empty slice,
// not an error, when nothing arrives within timeout.
type Session interface {
	Send(p []byte) error
	Read(timeout time.Duration) ([]byte, error)
	Close() error
}
