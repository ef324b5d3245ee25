// Package stream implements the binary sub-protocol multiplexed on the
// session transport.
//
// JSON envelopes orchestrate stream lifecycles (request/open/close); binary
// WebSocket frames carry the bulk data. The framing is a fixed choice,
// documented here once: a big-endian uint16 stream-id length, the stream-id
// bytes, then the payload. The gateway reads only the header; payload
// bytes are forwarded verbatim and never reordered relative to arrival on a
// given inbound session.
package stream

import (
	"encoding/binary"
	"errors"
	"time"
)

// MaxIDLen bounds the stream-id header. Stream ids are gateway-minted
// UUIDs, far below this.
const MaxIDLen = 256

var (
	ErrFrameTooShort = errors.New("stream: frame shorter than header")
	ErrIDTooLong     = errors.New("stream: stream id exceeds header bound")
)

// EncodeFrame prepends the stream-id header to a data chunk.
func EncodeFrame(streamID string, data []byte) ([]byte, error) {
	if len(streamID) == 0 || len(streamID) > MaxIDLen {
		return nil, ErrIDTooLong
	}
	out := make([]byte, 2+len(streamID)+len(data))
	binary.BigEndian.PutUint16(out[:2], uint16(len(streamID)))
	copy(out[2:], streamID)
	copy(out[2+len(streamID):], data)
	return out, nil
}

// DecodeFrame splits a binary frame into stream id and payload. The payload
// aliases the input; callers forwarding the frame should pass the original
// bytes through untouched.
func DecodeFrame(frame []byte) (streamID string, data []byte, err error) {
	if len(frame) < 2 {
		return "", nil, ErrFrameTooShort
	}
	n := int(binary.BigEndian.Uint16(frame[:2]))
	if n == 0 || n > MaxIDLen {
		return "", nil, ErrIDTooLong
	}
	if len(frame) < 2+n {
		return "", nil, ErrFrameTooShort
	}
	return string(frame[2 : 2+n]), frame[2+n:], nil
}

// Direction of a stream relative to its requester.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// State of a stream record.
type State string

const (
	StateRequested State = "requested"
	StateOpen      State = "open"
	StateClosed    State = "closed"
)

// Record tracks one stream within a space. The space owns and mutates
// records under its lock.
type Record struct {
	StreamID     string
	Direction    Direction
	Owner        string
	Participants []string
	Description  string
	State        State
	RequestID    string   // envelope id of the stream/request
	Addressees   []string // To of the stream/request; only they may open it
	RequestedAt  time.Time
	OpenedAt     time.Time
}

// MayOpen reports whether a participant was addressed by the originating
// request and may therefore answer it with a stream/open.
func (r *Record) MayOpen(participant string) bool {
	return contains(r.Addressees, participant)
}

// Peers returns the forwarding set for a frame arriving from sender: every
// allowed participant except the sender.
func (r *Record) Peers(sender string) []string {
	out := make([]string, 0, len(r.Participants)+1)
	for _, p := range r.Participants {
		if p != sender {
			out = append(out, p)
		}
	}
	if r.Owner != sender && !contains(out, r.Owner) {
		out = append(out, r.Owner)
	}
	return out
}

// Allowed reports whether a participant may carry frames on this stream.
func (r *Record) Allowed(participant string) bool {
	if participant == r.Owner {
		return true
	}
	return contains(r.Participants, participant)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
