package tuf

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"
	"time"

	"github.com/pkg/errors"
)

// KeyID is the canonical hash of a PublicKey, used as a stable identifier
// inside signed documents (invariant 6: a keyid always equals the canonical
// hash of the key it names).
type KeyID string

// Role names one of the five TUF roles this client understands.
type Role string

const (
	RoleRoot      Role = "root"
	RoleTimestamp Role = "timestamp"
	RoleSnapshot  Role = "snapshot"
	RoleTargets   Role = "targets"
	RoleMirrors   Role = "mirrors"
)

// SigningMethod names a signature scheme. ed25519 is the only one this
// client verifies; other values decode without error (so unrelated
// ecosystem tooling that adds unrecognized signatures doesn't break parsing)
// but are never counted toward a signature threshold.
type SigningMethod string

const MethodEd25519 SigningMethod = "ed25519"

// roleKind is the tagged variant the Design Notes call for in place of a
// phantom-typed RoleSpec: a small enum plus a single table (newRoleDocument
// in verify.go) mapping kind to document type, enforced at the one place a role document
// is actually verified (verifyRole in verify.go).
type roleKind int

const (
	kindRoot roleKind = iota
	kindTimestamp
	kindSnapshot
	kindTargets
	kindMirrors
)

func (k roleKind) role() Role {
	switch k {
	case kindRoot:
		return RoleRoot
	case kindTimestamp:
		return RoleTimestamp
	case kindSnapshot:
		return RoleSnapshot
	case kindTargets:
		return RoleTargets
	case kindMirrors:
		return RoleMirrors
	default:
		invariantViolation("unknown role kind")
		return ""
	}
}

// Signature validates one signer's claim over an envelope's signed bytes.
type Signature struct {
	KeyID  KeyID         `json:"keyid"`
	Method SigningMethod `json:"method"`
	Sig    string        `json:"sig"`
}

func (s Signature) decoded() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s.Sig)
	if err != nil {
		return nil, errors.Wrap(ErrParse, "decoding signature base64")
	}
	return b, nil
}

// PublicKey is an ed25519 public key as carried in a Root document's keys
// map.
type PublicKey struct {
	KeyType string `json:"keytype"`
	KeyVal  KeyVal `json:"keyval"`
}

// KeyVal holds the base64 encoded public key material.
type KeyVal struct {
	Public string `json:"public"`
}

func (k PublicKey) decoded() (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(k.KeyVal.Public)
	if err != nil {
		return nil, errors.Wrap(ErrParse, "decoding public key base64")
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, errors.Wrap(ErrParse, "public key has wrong length for ed25519")
	}
	return ed25519.PublicKey(raw), nil
}

// keyID computes the canonical keyid for k: the hex SHA-256 digest of k's
// own canonical JSON encoding (invariant 6).
func (k PublicKey) keyID() (KeyID, error) {
	b, err := canonicalMarshal(k)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return KeyID(hex.EncodeToString(sum[:])), nil
}

// RoleSpec names the keys authorized to sign a role and how many distinct
// ones are required.
type RoleSpec struct {
	KeyIDs    []KeyID `json:"keyids"`
	Threshold int     `json:"threshold"`
}

func (rs RoleSpec) hasKey(id KeyID) bool {
	for _, k := range rs.KeyIDs {
		if k == id {
			return true
		}
	}
	return false
}

// header is the common version/expiry envelope every signed role carries.
type header struct {
	Type    string    `json:"_type"`
	Version int       `json:"version"`
	Expires time.Time `json:"expires"`
}

// FileInfo records the expected length and digests of a cacheable file.
type FileInfo struct {
	Length int64             `json:"length"`
	Hashes map[string]string `json:"hashes"`
}

const hashAlgoSHA256 = "sha256"

// equal reports whether two FileInfo values describe the same bytes -
// used by check-for-updates to short-circuit a download when the
// snapshot-listed hash for a file matches what's already cached (P6).
func (f FileInfo) equal(other FileInfo) bool {
	if f.Length != other.Length {
		return false
	}
	if len(f.Hashes) != len(other.Hashes) {
		return false
	}
	for algo, want := range f.Hashes {
		got, ok := other.Hashes[algo]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// verifyStream enforces invariants 4 and 5 (length bound, hash match) while
// consuming r. LocalRepo runs every copied file through it before handing
// the file on; RemoteBackend.fetchToTemp does its own length and hash check
// while streaming instead.
func (f FileInfo) verifyStream(r io.Reader) error {
	expected, ok := f.Hashes[hashAlgoSHA256]
	if !ok {
		return errors.Wrap(ErrParse, "file integrity metadata missing required sha256 hash")
	}
	wantHash, err := hex.DecodeString(expected)
	if err != nil {
		// hashes are also accepted base64-encoded by some publishers
		wantHash, err = base64.StdEncoding.DecodeString(expected)
		if err != nil {
			return errors.Wrap(ErrParse, "decoding expected sha256 hash")
		}
	}
	hasher := newStreamHasher()
	limited := io.LimitReader(io.TeeReader(r, hasher), f.Length+1)
	n, err := io.Copy(io.Discard, limited)
	if err != nil {
		return errors.Wrap(err, "reading stream for verification")
	}
	if n > f.Length {
		return errors.Wrap(ErrVerificationFailed, "stream exceeded declared length")
	}
	if n != f.Length {
		return errors.Wrap(ErrVerificationFailed, "stream shorter than declared length")
	}
	if !constantTimeEqual(hasher.Sum(), wantHash) {
		return errors.Wrap(ErrVerificationFailed, "stream hash does not match declared digest")
	}
	return nil
}

// SignedRoot is the signed payload of the root role: the trust anchor. It
// names every key in play and which roles/thresholds they authorize.
type SignedRoot struct {
	header
	Keys  map[KeyID]PublicKey `json:"keys"`
	Roles map[Role]RoleSpec   `json:"roles"`
}

// roleSpecFor returns the RoleSpec governing r, or false if root doesn't
// declare one (a malformed or incomplete root document).
func (sr SignedRoot) roleSpecFor(r Role) (RoleSpec, bool) {
	rs, ok := sr.Roles[r]
	return rs, ok
}

// validateKeyConsistency checks invariant 6 for every key in the document
// and invariant "every keyid referenced in any RoleSpec must appear in
// keys" from the data model section.
func (sr SignedRoot) validateKeyConsistency() error {
	for id, key := range sr.Keys {
		computed, err := key.keyID()
		if err != nil {
			return err
		}
		if computed != id {
			return errors.Wrapf(ErrParse, "key %q does not hash to its own keyid", id)
		}
	}
	for roleName, spec := range sr.Roles {
		for _, id := range spec.KeyIDs {
			if _, ok := sr.Keys[id]; !ok {
				return errors.Wrapf(ErrParse, "role %q references undeclared keyid %q", roleName, id)
			}
		}
	}
	return nil
}

// SignedTimestamp is the signed payload of the timestamp role: the
// smallest, most frequently refreshed file, pinning the snapshot.
type SignedTimestamp struct {
	header
	Meta map[string]FileInfo `json:"meta"`
}

// SignedSnapshot is the signed payload of the snapshot role: versions of
// every other metadata file and the package index.
type SignedSnapshot struct {
	header
	Meta map[string]FileInfo `json:"meta"`
}

// SignedTargets is the signed payload of the targets role: one FileInfo per
// package tarball path.
type SignedTargets struct {
	header
	Targets map[string]FileInfo `json:"targets"`
}

// SignedMirrors is the signed payload of the mirrors role: the list of
// mirror base URIs a client may fetch target archives from.
type SignedMirrors struct {
	header
	Mirrors []string `json:"mirrors"`
}

// CachedFile names one of the four metadata documents that are persisted
// directly under the cache root (targets is reached only through the
// index, per the data model section).
type CachedFile int

const (
	CachedRoot CachedFile = iota
	CachedTimestamp
	CachedSnapshot
	CachedMirrors
)

func (c CachedFile) filename() string {
	switch c {
	case CachedRoot:
		return "root.json"
	case CachedTimestamp:
		return "timestamp.json"
	case CachedSnapshot:
		return "snapshot.json"
	case CachedMirrors:
		return "mirrors.json"
	default:
		invariantViolation("unknown cached file kind")
		return ""
	}
}

func (c CachedFile) role() Role {
	switch c {
	case CachedRoot:
		return RoleRoot
	case CachedTimestamp:
		return RoleTimestamp
	case CachedSnapshot:
		return RoleSnapshot
	case CachedMirrors:
		return RoleMirrors
	default:
		invariantViolation("unknown cached file kind")
		return ""
	}
}
