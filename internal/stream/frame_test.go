package stream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	data := []byte{0xde, 0xad, 0xbe, 0xef}
	frame, err := EncodeFrame("stream-42", data)
	require.NoError(t, err)

	id, payload, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, "stream-42", id)
	assert.Equal(t, data, payload)
}

func TestFrameEmptyPayload(t *testing.T) {
	frame, err := EncodeFrame("s", nil)
	require.NoError(t, err)
	id, payload, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, "s", id)
	assert.Empty(t, payload)
}

func TestEncodeFrameIDBounds(t *testing.T) {
	_, err := EncodeFrame("", []byte("x"))
	assert.ErrorIs(t, err, ErrIDTooLong)

	_, err = EncodeFrame(strings.Repeat("a", MaxIDLen+1), []byte("x"))
	assert.ErrorIs(t, err, ErrIDTooLong)

	_, err = EncodeFrame(strings.Repeat("a", MaxIDLen), []byte("x"))
	assert.NoError(t, err)
}

func TestDecodeFrameErrors(t *testing.T) {
	_, _, err := DecodeFrame([]byte{0x00})
	assert.ErrorIs(t, err, ErrFrameTooShort)

	// Header claims 5 bytes of id but only 2 follow.
	_, _, err = DecodeFrame([]byte{0x00, 0x05, 'a', 'b'})
	assert.ErrorIs(t, err, ErrFrameTooShort)

	_, _, err = DecodeFrame([]byte{0x00, 0x00, 'a'})
	assert.ErrorIs(t, err, ErrIDTooLong)

	_, _, err = DecodeFrame([]byte{0xff, 0xff, 'a'})
	assert.ErrorIs(t, err, ErrIDTooLong)
}

func TestRecordPeersAndAllowed(t *testing.T) {
	r := &Record{
		StreamID:     "s1",
		Owner:        "bob",
		Participants: []string{"alice", "carol"},
		State:        StateOpen,
	}

	assert.True(t, r.Allowed("bob"))
	assert.True(t, r.Allowed("alice"))
	assert.False(t, r.Allowed("mallory"))

	assert.ElementsMatch(t, []string{"alice", "carol"}, r.Peers("bob"))
	assert.ElementsMatch(t, []string{"carol", "bob"}, r.Peers("alice"))

	// Owner listed in Participants is not duplicated.
	r2 := &Record{Owner: "bob", Participants: []string{"bob", "alice"}}
	assert.ElementsMatch(t, []string{"alice"}, r2.Peers("bob"))
	assert.ElementsMatch(t, []string{"bob"}, r2.Peers("alice"))
}
