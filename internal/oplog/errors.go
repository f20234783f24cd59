package oplog

import "errors"

var (
	// ErrInvalidMagic indicates a segment file that does not start with
	// the log magic.
	ErrInvalidMagic = errors.New("invalid segment magic")

	// ErrUnsupportedVersion indicates a segment written by a newer format
	// version. Fatal: the data cannot be interpreted.
	ErrUnsupportedVersion = errors.New("unsupported segment format version")

	// ErrChecksumMismatch indicates a frame whose CRC does not match its
	// contents. Recoverable: replay stops before the frame and recovery
	// truncates the log at the last valid record.
	ErrChecksumMismatch = errors.New("frame checksum mismatch")

	// ErrTruncatedFrame indicates a frame cut short by end of file,
	// expected after an unclean shutdown. Recovered the same way as a
	// checksum mismatch.
	ErrTruncatedFrame = errors.New("truncated frame")

	// ErrLogClosed indicates an operation on a closed writer.
	ErrLogClosed = errors.New("operation log closed")

	// ErrPayloadTooLarge indicates a record payload above MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("record payload too large")

	// ErrNoSegments indicates a session directory with no log segments.
	ErrNoSegments = errors.New("no log segments")
)
