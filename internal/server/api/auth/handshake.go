package auth

import (
	"bufio"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/doyke/eztool/apitypes"
	apierror "github.com/doyke/eztool/internal/server/api/error"
)

const (
	HandshakeMagic = "eZT1\x00"
	NonceSize      = 32
	authContext    = "EZTOOL-Auth-v1"
	handshakeOK    = "OK\x00"
)

// ReadClientNonce reads the client nonce from a handshake whose magic has
// already been consumed.
func ReadClientNonce(r io.Reader) (clientNonce []byte, err error) {
	clientNonce = make([]byte, NonceSize)
	if _, err = io.ReadFull(r, clientNonce); err != nil {
		return nil, fmt.Errorf("read client nonce: %w", err)
	}
	return clientNonce, nil
}

// WriteServerHandshake generates a server nonce and sends the accept
// response: "OK\0" followed by the 32-byte nonce.
func WriteServerHandshake(w io.Writer) (serverNonce []byte, err error) {
	if w == nil {
		return nil, fmt.Errorf("write response: write on nil pointer")
	}
	serverNonce = make([]byte, NonceSize)
	if _, err = rand.Read(serverNonce); err != nil {
		return nil, fmt.Errorf("generate server nonce: %w", err)
	}

	response := append([]byte(handshakeOK), serverNonce...)
	if _, err = w.Write(response); err != nil {
		return nil, fmt.Errorf("write response: %w", err)
	}

	return serverNonce, nil
}

// IsAuthHandshake checks if the next bytes in reader match the handshake magic
func IsAuthHandshake(r *bufio.Reader) (bool, error) {
	b, err := r.Peek(len(HandshakeMagic))
	if err != nil {
		return false, err
	}
	return string(b) == HandshakeMagic, nil
}

// HandleAuthHandshake runs one side of the authentication handshake. The
// client sends magic + nonce + HMAC(key, context||nonce); the server verifies
// the proof before revealing its own nonce, so an unauthenticated peer learns
// nothing it can replay.
func HandleAuthHandshake(r *bufio.Reader, w io.Writer, key []byte, isClient bool) (clientNonce, serverNonce []byte, err error) {
	if r == nil {
		return nil, nil, fmt.Errorf("handshake: nil reader")
	}
	if len(key) == 0 {
		return nil, nil, fmt.Errorf("handshake: missing key")
	}

	if isClient {
		if w == nil {
			return nil, nil, fmt.Errorf("handshake: nil writer")
		}
		clientNonce = make([]byte, NonceSize)
		if _, err := rand.Read(clientNonce); err != nil {
			return nil, nil, fmt.Errorf("generate client nonce: %w", err)
		}

		msg := append([]byte(HandshakeMagic), clientNonce...)
		msg = append(msg, proveKey(key, clientNonce)...)
		if _, err := w.Write(msg); err != nil {
			return nil, nil, fmt.Errorf("write handshake: %w", err)
		}

		respPrefix := make([]byte, len(handshakeOK))
		if _, err := io.ReadFull(r, respPrefix); err != nil {
			return nil, nil, fmt.Errorf("read handshake response: %w", err)
		}
		if string(respPrefix) != handshakeOK {
			// rejection comes as a problem+json line instead of the OK frame
			rest, _ := io.ReadAll(r)
			raw := append(respPrefix, rest...)
			line := strings.TrimSuffix(string(raw), "\n")

			var apiErr apitypes.ApiError
			if err := json.Unmarshal([]byte(line), &apiErr); err == nil && (apiErr.Status != 0 || apiErr.Title != "") {
				return nil, nil, &apiErr
			}
			return nil, nil, fmt.Errorf("invalid handshake response from server: %s", line)
		}

		serverNonce = make([]byte, NonceSize)
		if _, err := io.ReadFull(r, serverNonce); err != nil {
			return nil, nil, fmt.Errorf("read server nonce: %w", err)
		}
		return clientNonce, serverNonce, nil
	}

	if _, err = r.Discard(len(HandshakeMagic)); err != nil {
		return nil, nil, fmt.Errorf("discard handshake magic: %w", err)
	}

	clientNonce, err = ReadClientNonce(r)
	if err != nil {
		return nil, nil, err
	}

	clientAuth := make([]byte, sha256.Size)
	if _, err := io.ReadFull(r, clientAuth); err != nil {
		return nil, nil, fmt.Errorf("read client auth: %w", err)
	}

	if !hmac.Equal(clientAuth, proveKey(key, clientNonce)) {
		return nil, nil, apierror.ErrUnauthorized("invalid password")
	}

	serverNonce, err = WriteServerHandshake(w)
	if err != nil {
		return nil, nil, err
	}

	return clientNonce, serverNonce, nil
}

func proveKey(key, nonce []byte) []byte {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(authContext))
	_, _ = mac.Write(nonce)
	return mac.Sum(nil)
}
