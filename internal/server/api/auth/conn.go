package auth

import (
	"bytes"
	"crypto/cipher"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// Conn encrypts a net.Conn with ChaCha20-Poly1305. Each Write becomes one
// frame: a 4-byte big-endian length, a 12-byte nonce, and the sealed payload.
// The nonce embeds a send counter, so frames cannot be replayed or reordered
// within a session.
type Conn struct {
	net.Conn
	aead    cipher.AEAD
	sendCtr uint64
	recvBuf bytes.Buffer
	mu      sync.Mutex
}

const (
	frameNonceSize = 12
	maxPacketSize  = 2 * 1024 * 1024 // 2 MB
)

func WrapConn(conn net.Conn, sessionKey []byte) (net.Conn, error) {
	aead, err := chacha20poly1305.New(sessionKey)
	if err != nil {
		return nil, err
	}
	return &Conn{Conn: conn, aead: aead}, nil
}

func (s *Conn) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nonce := make([]byte, frameNonceSize)
	binary.BigEndian.PutUint64(nonce[4:], s.sendCtr)
	s.sendCtr++

	frame := make([]byte, 4+frameNonceSize, 4+frameNonceSize+len(p)+s.aead.Overhead())
	copy(frame[4:], nonce)
	frame = s.aead.Seal(frame, nonce, p, nil)
	binary.BigEndian.PutUint32(frame[:4], uint32(len(frame)-4))

	if _, err := s.Conn.Write(frame); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *Conn) Read(p []byte) (int, error) {
	if s.recvBuf.Len() == 0 {
		var hdr [4]byte
		if i, err := io.ReadFull(s.Conn, hdr[:]); err != nil {
			return i, err
		}
		length := binary.BigEndian.Uint32(hdr[:])
		if length < frameNonceSize || length > maxPacketSize {
			return 0, io.ErrUnexpectedEOF
		}

		pkt := make([]byte, length)
		if i, err := io.ReadFull(s.Conn, pkt); err != nil {
			return i, err
		}

		pt, err := s.aead.Open(nil, pkt[:frameNonceSize], pkt[frameNonceSize:], nil)
		if err != nil {
			return 0, err
		}

		s.recvBuf.Write(pt)
	}
	return s.recvBuf.Read(p)
}
