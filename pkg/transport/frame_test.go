package transport

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	f, err := Encode(KindHeartbeat, 7, "n1", HeartbeatPayload{
		LastAppliedLSN: 42,
		Status:         "active",
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, f))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, KindHeartbeat, got.Kind)
	require.Equal(t, uint64(7), got.Term)
	require.Equal(t, "n1", got.SenderID)

	var hb HeartbeatPayload
	require.NoError(t, got.Decode(&hb))
	require.Equal(t, uint64(42), hb.LastAppliedLSN)
}

func TestReadFrameRejectsBadMagic(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	_, err := ReadFrame(buf)
	require.ErrorIs(t, err, ErrProtocolMismatch)
}

func TestReadFrameRejectsUnsupportedVersion(t *testing.T) {
	f, err := Encode(KindAppendAck, 1, "n2", AppendAckPayload{OK: true})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, f))
	raw := buf.Bytes()
	raw[4] = 99 // corrupt version byte

	_, err = ReadFrame(bytes.NewReader(raw))
	require.ErrorIs(t, err, ErrProtocolMismatch)
}
