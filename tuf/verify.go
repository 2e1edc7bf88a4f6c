package tuf

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// trustedRoot is the in-memory, fully-verified snapshot of the current root
// role. It is immutable: a new verification produces a new trustedRoot and
// the old one is simply dropped (per the data model's lifecycle rules),
// never mutated in place.
type trustedRoot struct {
	signed   SignedRoot
	registry *keyRegistry
}

func newTrustedRoot(sr SignedRoot) *trustedRoot {
	return &trustedRoot{signed: sr, registry: newKeyRegistry(sr.Keys)}
}

func (t *trustedRoot) roleSpec(r Role) (RoleSpec, bool) {
	return t.signed.roleSpecFor(r)
}

// roleDocument is implemented by every *Signed{Root,Timestamp,Snapshot,
// Targets,Mirrors} type so verifyRole can be generic over them while still
// dispatching on a concrete roleKind at the single site the Design Notes
// call for (replacing the source's phantom-typed RoleSpec).
type roleDocument interface {
	headerOf() header
}

func (sr SignedRoot) headerOf() header      { return sr.header }
func (sr SignedTimestamp) headerOf() header { return sr.header }
func (sr SignedSnapshot) headerOf() header  { return sr.header }
func (sr SignedTargets) headerOf() header   { return sr.header }
func (sr SignedMirrors) headerOf() header   { return sr.header }

// newRoleDocument is the kind -> document-type table the Design Notes ask
// for, enforced here and nowhere else. It returns a pointer to a zero value
// so json.Unmarshal can populate it in place (unmarshaling into a plain
// interface{} holding a non-pointer value silently discards the concrete
// type instead of decoding into it).
func newRoleDocument(kind roleKind) roleDocument {
	switch kind {
	case kindRoot:
		return &SignedRoot{}
	case kindTimestamp:
		return &SignedTimestamp{}
	case kindSnapshot:
		return &SignedSnapshot{}
	case kindTargets:
		return &SignedTargets{}
	case kindMirrors:
		return &SignedMirrors{}
	default:
		invariantViolation("unknown role kind in newRoleDocument")
		return nil
	}
}

// verifiedRole is what verifyRole hands back: the envelope's raw signed
// bytes (for round-tripping to disk unchanged) alongside the decoded,
// header-checked document, typed as the roleDocument the caller asked for
// so the update engine can type-assert it back to the concrete type it
// expected without re-parsing.
type verifiedRole struct {
	raw    []byte // the full envelope, exactly as received
	signed json.RawMessage
	doc    roleDocument
}

// verifyRole performs the C1+C2+C3 verification pipeline against a single
// envelope: decode, resolve the threshold's keys via registry, check
// signatures, decode the signed portion into the concrete type named by
// kind, check expiry (unless disabled) and hand back that document along
// with the raw bytes. It does not check monotonic versions; that's the update
// engine's job, since it requires comparing against the previously trusted
// document.
func verifyRole(raw []byte, kind roleKind, spec RoleSpec, registry *keyRegistry, checkExpiry bool, now time.Time) (*verifiedRole, error) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}

	if err := verifyThreshold(env, spec, registry); err != nil {
		return nil, err
	}

	doc := newRoleDocument(kind)
	if err := json.Unmarshal(env.Signed, doc); err != nil {
		return nil, errors.Wrap(ErrParse, err.Error())
	}
	hdr := doc.headerOf()
	if checkExpiry && !hdr.Expires.After(now) {
		return nil, errors.Wrapf(ErrExpired, "%s expired at %s", kind.role(), hdr.Expires)
	}

	return &verifiedRole{raw: raw, signed: env.Signed, doc: doc}, nil
}

// verifyThreshold implements invariant 3: at least spec.Threshold valid
// signatures by distinct keys named in spec.KeyIDs. Signatures from keys not
// in spec.KeyIDs, keys the registry can't resolve, or using an unsupported
// signing method, are silently ignored rather than treated as errors - an
// attacker-controlled extra signature must never be able to turn a
// legitimate verification failure into a crash, only into "not counted".
func verifyThreshold(env *envelope, spec RoleSpec, registry *keyRegistry) error {
	msg := []byte(env.Signed)
	counted := make(map[KeyID]bool, len(env.Signatures))
	valid := 0
	for _, sig := range env.Signatures {
		if counted[sig.KeyID] {
			continue
		}
		if !spec.hasKey(sig.KeyID) {
			continue
		}
		if sig.Method != MethodEd25519 {
			continue
		}
		pub, ok := registry.resolve(sig.KeyID)
		if !ok {
			continue
		}
		edKey, err := pub.decoded()
		if err != nil {
			continue
		}
		sigBytes, err := sig.decoded()
		if err != nil {
			continue
		}
		if verifyEd25519(edKey, msg, sigBytes) {
			counted[sig.KeyID] = true
			valid++
		}
	}
	if valid < spec.Threshold {
		return errors.Wrapf(ErrVerificationFailed, "signature threshold not met: have %d, need %d", valid, spec.Threshold)
	}
	return nil
}
