// Package jsock implements a framed, length-prefixed, CRC-checked JSON
// message protocol over TCP, plus the client, single-connection server,
// and multi-connection (factory) server that speak it.
package jsock

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"hash/crc32"
	"io"
	"net"
	"unicode/utf8"

	"github.com/cpiekarski/jsockd/internal/stats"
	apperrors "github.com/cpiekarski/jsockd/pkg/errors"
)

// FrameMagic is the fixed 4-byte tag that opens every frame.
var FrameMagic = [4]byte{'J', 'S', 'N', '1'}

// HeaderSize is the fixed size, in bytes, of magic+length+checksum.
const HeaderSize = 4 + 4 + 4

// DefaultMaxMessageSize is the default upper bound on a frame's payload.
const DefaultMaxMessageSize = 10 * 1024 * 1024

// ErrConnectionBroken indicates the peer closed the connection while a
// read was in progress. It is a normal end of session, not a framing
// fault: the caller should close the connection and stop, without
// treating it as corruption.
var ErrConnectionBroken = errors.New("socket connection broken")

// FramingFault is a decode or encode error. Decode faults and write
// failures are non-recoverable and force the owning connection to close;
// an oversize rejection in Encode happens before anything is written and
// leaves the connection usable. Kind is one of the closed set of
// failure kinds the statistics subsystem tracks; Error()/Unwrap() are
// promoted from the embedded AppError, whose Code mirrors Kind and
// whose Message gives a human-readable description of the fault.
type FramingFault struct {
	*apperrors.AppError
	Kind stats.FailureKind
}

// faultMessage gives a one-line human-readable description for each
// failure kind a FramingFault can carry.
var faultMessage = map[stats.FailureKind]string{
	stats.KindOversize:    "frame payload exceeds the configured maximum size",
	stats.KindBadHeader:   "frame header magic does not match",
	stats.KindBadCRC:      "frame payload checksum does not match header",
	stats.KindInvalidUTF8: "frame payload is not valid UTF-8",
	stats.KindInvalidJSON: "frame payload is not valid JSON",
	stats.KindFraming:     "connection desynchronised mid-frame",
	stats.KindBadWrite:    "short or failed write while sending a frame",
}

func fault(kind stats.FailureKind, err error) *FramingFault {
	return &FramingFault{
		AppError: apperrors.Wrap(string(kind), faultMessage[kind], err),
		Kind:     kind,
	}
}

// Encode serialises v to UTF-8 JSON and writes one complete frame to w.
// It fails with a FramingFault{Kind: stats.KindOversize} before writing
// anything if the encoded payload exceeds maxMessageSize (a value of 0
// means unbounded).
func Encode(w io.Writer, v any, maxMessageSize uint32) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if maxMessageSize > 0 && uint32(len(payload)) > maxMessageSize {
		return fault(stats.KindOversize, nil)
	}

	header := make([]byte, HeaderSize)
	copy(header[0:4], FrameMagic[:])
	binary.BigEndian.PutUint32(header[4:8], uint32(len(payload)))
	binary.BigEndian.PutUint32(header[8:12], crc32.ChecksumIEEE(payload))

	if err := writeAll(w, header); err != nil {
		return err
	}
	return writeAll(w, payload)
}

// Decode reads exactly one frame from r and returns the decoded JSON
// value. A header-read timeout with zero bytes received is returned
// unwrapped so the caller can recognise it via the net.Error interface
// and retry; every other failure is ErrConnectionBroken, a *FramingFault,
// or any other read error from r, returned as is. Decode never closes r;
// the caller owns that decision.
func Decode(r io.Reader, maxMessageSize uint32) (any, error) {
	header := make([]byte, HeaderSize)
	if _, err := readFrom(r, header, true); err != nil {
		return nil, err
	}

	if [4]byte(header[0:4]) != FrameMagic {
		return nil, fault(stats.KindBadHeader, nil)
	}
	length := binary.BigEndian.Uint32(header[4:8])
	checksum := binary.BigEndian.Uint32(header[8:12])
	if maxMessageSize > 0 && length > maxMessageSize {
		return nil, fault(stats.KindOversize, nil)
	}

	payload := make([]byte, length)
	if _, err := readFrom(r, payload, false); err != nil {
		return nil, err
	}

	if crc32.ChecksumIEEE(payload) != checksum {
		return nil, fault(stats.KindBadCRC, nil)
	}
	if !utf8.Valid(payload) {
		return nil, fault(stats.KindInvalidUTF8, nil)
	}

	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fault(stats.KindInvalidJSON, err)
	}
	return v, nil
}

// readFrom fills buf completely from r. When allowTimeout is true, a
// timeout encountered before any byte of buf has been received is
// returned unwrapped (recoverable); any timeout after that point, or
// any timeout at all when allowTimeout is false, becomes a
// stats.KindFraming fault because the stream is now desynchronised. A
// graceful close (zero-length read, or io.EOF) becomes
// ErrConnectionBroken. Any other read error is returned unwrapped for
// the caller to classify.
func readFrom(r io.Reader, buf []byte, allowTimeout bool) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if n == 0 && err == nil {
			return total, ErrConnectionBroken
		}
		if err != nil {
			if isTimeout(err) {
				if allowTimeout && total == 0 {
					return total, err
				}
				return total, fault(stats.KindFraming, err)
			}
			if err == io.EOF {
				return total, ErrConnectionBroken
			}
			return total, err
		}
	}
	return total, nil
}

func writeAll(w io.Writer, buf []byte) error {
	written := 0
	for written < len(buf) {
		n, err := w.Write(buf[written:])
		if err != nil {
			return fault(stats.KindBadWrite, err)
		}
		if n == 0 {
			return fault(stats.KindBadWrite, nil)
		}
		written += n
	}
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// payloadSize returns the UTF-8 JSON payload size of v in bytes, the
// same quantity the stats subsystem counts as bytes_in/bytes_out (§3:
// "count payload bytes only, not framing"). Re-marshalling here is a
// deliberate simplicity trade-off over plumbing the length Decode
// already knows through every call site.
func payloadSize(v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b)
}
