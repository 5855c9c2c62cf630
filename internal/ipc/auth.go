package ipc

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"io"

	lberrors "github.com/mir00r/dbbalancer/internal/errors"
)

const (
	nonceSize = 32

	// handshakeFrameSize bounds every frame read before the peer is
	// authenticated
	handshakeFrameSize = 64
)

var (
	challengeTag = []byte("#CHALLENGE#")
	welcomeTag   = []byte("#WELCOME#")
	failureTag   = []byte("#FAILURE#")
)

func digest(authkey, nonce []byte) []byte {
	mac := hmac.New(sha256.New, authkey)
	mac.Write(nonce)
	return mac.Sum(nil)
}

// deliverChallenge sends a random nonce and checks the peer's HMAC of it
func deliverChallenge(rw io.ReadWriter, authkey []byte) error {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return lberrors.WrapError(err, lberrors.ErrCodeInternalError, "ipc", "failed to generate challenge")
	}

	if err := WriteFrame(rw, append(append([]byte{}, challengeTag...), nonce...)); err != nil {
		return err
	}

	answer, err := readFrameLimit(rw, handshakeFrameSize)
	if err != nil {
		return err
	}

	if !hmac.Equal(answer, digest(authkey, nonce)) {
		_ = WriteFrame(rw, failureTag)
		return lberrors.NewAuthenticationError("digest mismatch")
	}
	return WriteFrame(rw, welcomeTag)
}

// answerChallenge answers the peer's challenge and waits for its verdict
func answerChallenge(rw io.ReadWriter, authkey []byte) error {
	msg, err := readFrameLimit(rw, handshakeFrameSize)
	if err != nil {
		return err
	}
	if !bytes.HasPrefix(msg, challengeTag) || len(msg) != len(challengeTag)+nonceSize {
		return lberrors.NewAuthenticationError("malformed challenge")
	}

	if err := WriteFrame(rw, digest(authkey, msg[len(challengeTag):])); err != nil {
		return err
	}

	verdict, err := readFrameLimit(rw, handshakeFrameSize)
	if err != nil {
		return err
	}
	if !bytes.Equal(verdict, welcomeTag) {
		return lberrors.NewAuthenticationError("digest rejected by peer")
	}
	return nil
}

// serverHandshake authenticates the client, then proves the server knows
// the key too
func serverHandshake(rw io.ReadWriter, authkey []byte) error {
	if err := deliverChallenge(rw, authkey); err != nil {
		return err
	}
	return answerChallenge(rw, authkey)
}

func clientHandshake(rw io.ReadWriter, authkey []byte) error {
	if err := answerChallenge(rw, authkey); err != nil {
		return err
	}
	return deliverChallenge(rw, authkey)
}
