package discovery

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAnnouncementRoundTrip(t *testing.T) {
	a := Announcement{ClusterName: "prod", ID: "n1", AdvertiseAddr: "10.0.0.1:3306"}
	raw, err := encodeAnnouncement(a)
	require.NoError(t, err)

	got, err := decodeAnnouncement(raw)
	require.NoError(t, err)
	require.Equal(t, a, got)
}

func TestDecodeAnnouncementRejectsBadMagic(t *testing.T) {
	_, err := decodeAnnouncement([]byte{0, 0, 0, 0, 1, 0})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeAnnouncementRejectsTruncatedField(t *testing.T) {
	raw, err := encodeAnnouncement(Announcement{ClusterName: "prod", ID: "n1", AdvertiseAddr: "x"})
	require.NoError(t, err)
	_, err = decodeAnnouncement(raw[:len(raw)-2])
	require.ErrorIs(t, err, ErrMalformed)
}
