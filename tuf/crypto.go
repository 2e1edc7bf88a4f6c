package tuf

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"hash"
)

// verifyEd25519 reports whether sig is a valid ed25519 signature of msg
// under pub. The comparison inside crypto/ed25519 is not timing-sensitive
// with respect to the message, but we additionally fold the boolean through
// a constant-time compare so that callers checking several candidate
// signatures in a loop don't leak early-exit timing on the signature bytes
// themselves.
func verifyEd25519(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	ok := ed25519.Verify(pub, msg, sig)
	var okByte, trueByte byte = 0, 1
	if ok {
		okByte = 1
	}
	return subtle.ConstantTimeCompare([]byte{okByte}, []byte{trueByte}) == 1
}

// streamHasher accumulates a SHA-256 digest over data as it is written,
// letting a caller verify a streamed download without buffering the whole
// body in memory (C1's hasher_new/update/finalize).
type streamHasher struct {
	h hash.Hash
}

func newStreamHasher() *streamHasher {
	return &streamHasher{h: sha256.New()}
}

func (s *streamHasher) Write(p []byte) (int, error) {
	return s.h.Write(p)
}

func (s *streamHasher) Sum() []byte {
	return s.h.Sum(nil)
}

// constantTimeEqual compares two byte slices without leaking timing
// information about where they first differ.
func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// hexEqual reports whether got (a raw digest) equals want (hex-encoded),
// in constant time. An unparseable want never matches.
func hexEqual(got []byte, want string) bool {
	wantBytes, err := hex.DecodeString(want)
	if err != nil {
		return false
	}
	return constantTimeEqual(got, wantBytes)
}
