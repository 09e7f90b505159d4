package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/alessio-palumbo/fieldnode-go/internal/protocol"
)

// DefaultMalformedThreshold is the number of consecutive malformed frames
// after which a control stream is considered unrecoverable.
const DefaultMalformedThreshold = 8

// ErrProtocolFatal marks a stream that crossed the malformed threshold.
// The connection owner must tear the stream down.
var ErrProtocolFatal = errors.New("too many consecutive malformed frames")

// MalformedError reports a single frame that failed to parse. The stream
// remains usable, the caller may keep decoding.
type MalformedError struct {
	Frame []byte
	Cause error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed frame (%d bytes): %v", len(e.Frame), e.Cause)
}

func (e *MalformedError) Unwrap() error { return e.Cause }

// EncodeCommand frames a command for the TCP control stream.
// It does not fail for commands that pass Validate.
func EncodeCommand(w io.Writer, cmd *Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return protocol.WriteFrame(w, payload)
}

// MarshalCommand returns the payload bytes of a command without framing,
// as sent on the UDP side-channel.
func MarshalCommand(cmd *Command) ([]byte, error) {
	return json.Marshal(cmd)
}

// Decoder turns a framed byte stream into a stream of events. It is
// restartable per connection: create one Decoder per accepted stream.
type Decoder struct {
	r         io.Reader
	threshold int
	malformed int
}

// NewDecoder returns a Decoder with the given consecutive-malformed
// threshold. A threshold of 0 uses the default.
func NewDecoder(r io.Reader, threshold int) *Decoder {
	if threshold <= 0 {
		threshold = DefaultMalformedThreshold
	}
	return &Decoder{r: r, threshold: threshold}
}

// Next reads the next frame and decodes it as an event.
//
// Frames failing JSON parse or schema validation yield a *MalformedError
// without tearing down the stream. Once the number of consecutive malformed
// frames reaches the threshold, Next returns ErrProtocolFatal and the stream
// must be abandoned. I/O errors (including EOF) are returned verbatim.
func (d *Decoder) Next() (*Event, error) {
	frame, err := protocol.ReadFrame(d.r)
	if err != nil {
		return nil, err
	}

	ev, err := ParseEvent(frame)
	if err != nil {
		d.malformed++
		if d.malformed >= d.threshold {
			return nil, ErrProtocolFatal
		}
		return nil, &MalformedError{Frame: frame, Cause: err}
	}

	d.malformed = 0
	return ev, nil
}

// ParseDatagram decodes a single UDP datagram as an event. Datagram
// parsing never counts towards a stream's malformed threshold.
func ParseDatagram(data []byte) (*Event, error) {
	return ParseEvent(data)
}
