// Package discovery implements WolfScale's UDP announce/listen protocol:
// periodic broadcast of this node's identity, and passive listening for
// announcements from unknown peers sharing the same cluster name.
package discovery

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/log"
)

const (
	announceMagic   uint32 = 0x574c5344 // "WLSD"
	announceVersion uint8  = 1

	maxFieldLen = 255
)

// ErrMalformed is returned when a received datagram fails to parse as a
// well-formed announcement.
var ErrMalformed = errors.New("discovery: malformed announcement")

// Announcement is one node's discovery broadcast:
// {magic:4, version:1, cluster_name_len:1, cluster_name, id_len:1, id, advertise_addr_len:1, advertise_addr}.
type Announcement struct {
	ClusterName   string
	ID            string
	AdvertiseAddr string
}

func encodeAnnouncement(a Announcement) ([]byte, error) {
	if len(a.ClusterName) > maxFieldLen || len(a.ID) > maxFieldLen || len(a.AdvertiseAddr) > maxFieldLen {
		return nil, fmt.Errorf("%w: field exceeds %d bytes", ErrMalformed, maxFieldLen)
	}
	buf := make([]byte, 0, 4+1+1+len(a.ClusterName)+1+len(a.ID)+1+len(a.AdvertiseAddr))
	var hdr [5]byte
	binary.BigEndian.PutUint32(hdr[0:4], announceMagic)
	hdr[4] = announceVersion
	buf = append(buf, hdr[:]...)
	buf = append(buf, byte(len(a.ClusterName)))
	buf = append(buf, a.ClusterName...)
	buf = append(buf, byte(len(a.ID)))
	buf = append(buf, a.ID...)
	buf = append(buf, byte(len(a.AdvertiseAddr)))
	buf = append(buf, a.AdvertiseAddr...)
	return buf, nil
}

func decodeAnnouncement(raw []byte) (Announcement, error) {
	if len(raw) < 6 {
		return Announcement{}, fmt.Errorf("%w: short datagram", ErrMalformed)
	}
	if binary.BigEndian.Uint32(raw[0:4]) != announceMagic {
		return Announcement{}, fmt.Errorf("%w: bad magic", ErrMalformed)
	}
	if raw[4] != announceVersion {
		return Announcement{}, fmt.Errorf("%w: unsupported version %d", ErrMalformed, raw[4])
	}

	off := 5
	clusterName, off, err := readField(raw, off)
	if err != nil {
		return Announcement{}, err
	}
	id, off, err := readField(raw, off)
	if err != nil {
		return Announcement{}, err
	}
	addr, _, err := readField(raw, off)
	if err != nil {
		return Announcement{}, err
	}

	return Announcement{ClusterName: clusterName, ID: id, AdvertiseAddr: addr}, nil
}

func readField(raw []byte, off int) (string, int, error) {
	if off >= len(raw) {
		return "", 0, fmt.Errorf("%w: truncated field length", ErrMalformed)
	}
	n := int(raw[off])
	off++
	if off+n > len(raw) {
		return "", 0, fmt.Errorf("%w: truncated field body", ErrMalformed)
	}
	return string(raw[off : off+n]), off + n, nil
}

// Config controls the discovery service.
type Config struct {
	ID            string
	AdvertiseAddr string
	ClusterName   string
	BroadcastAddr string // e.g. "255.255.255.255:7946"
	ListenAddr    string // e.g. ":7946"
	Interval      time.Duration
}

// OnDiscovered is invoked for every well-formed announcement from a peer
// whose cluster name matches and whose ID is not already known. Discovery
// is strictly additive: it never removes a peer.
type OnDiscovered func(Announcement)

// Service periodically broadcasts this node's announcement and listens for
// others.
type Service struct {
	cfg     Config
	conn    *net.UDPConn
	onFound OnDiscovered
}

// New opens the UDP socket used for both broadcast and listen.
func New(cfg Config, onFound OnDiscovered) (*Service, error) {
	addr, err := net.ResolveUDPAddr("udp4", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolve listen addr: %w", err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("discovery: listen %s: %w", cfg.ListenAddr, err)
	}
	return &Service{cfg: cfg, conn: conn, onFound: onFound}, nil
}

// Run broadcasts on cfg.Interval and listens for incoming announcements
// until stopCh is closed (the caller owns stopCh).
func (s *Service) Run(stopCh <-chan struct{}) error {
	logger := log.WithComponent("discovery")

	go s.listen(stopCh, logger)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.broadcast(); err != nil {
				logger.Warn().Err(err).Msg("broadcast failed")
			}
		case <-stopCh:
			return s.conn.Close()
		}
	}
}

func (s *Service) broadcast() error {
	self := Announcement{
		ClusterName:   s.cfg.ClusterName,
		ID:            s.cfg.ID,
		AdvertiseAddr: s.cfg.AdvertiseAddr,
	}
	raw, err := encodeAnnouncement(self)
	if err != nil {
		return err
	}
	dst, err := net.ResolveUDPAddr("udp4", s.cfg.BroadcastAddr)
	if err != nil {
		return fmt.Errorf("discovery: resolve broadcast addr: %w", err)
	}
	_, err = s.conn.WriteToUDP(raw, dst)
	return err
}

func (s *Service) listen(stopCh <-chan struct{}, logger zerolog.Logger) {
	buf := make([]byte, 1024)
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-stopCh:
				return
			default:
				logger.Debug().Err(err).Msg("read failed")
				continue
			}
		}

		ann, err := decodeAnnouncement(buf[:n])
		if err != nil {
			logger.Debug().Err(err).Msg("dropped malformed announcement")
			continue
		}
		if ann.ClusterName != s.cfg.ClusterName || ann.ID == s.cfg.ID {
			continue
		}
		if s.onFound != nil {
			s.onFound(ann)
		}
	}
}

// Close shuts down the UDP socket.
func (s *Service) Close() error {
	return s.conn.Close()
}
