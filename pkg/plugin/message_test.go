package plugin

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	m := Message{Channel: "numdrassl:control_handshake", Payload: []byte{1, 2, 3, 4}}

	var buf bytes.Buffer
	require.NoError(t, WriteTo(&buf, m))

	got, err := ReadFrom(&buf)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestDecodeBadMagic(t *testing.T) {
	_, err := Decode([]byte{0, 0, 0, 0})
	assert.ErrorIs(t, err, ErrBadMagic)
}
