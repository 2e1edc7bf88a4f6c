package tuf

import (
	"os"

	"github.com/WatchBeam/clock"
	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
)

// maxRootRotations bounds how many consecutive N.root.json rotations
// check-for-updates will follow in a single invocation. The source this
// spec distills from left this as a TODO; 1024 is a conservative constant
// far above any plausible legitimate rotation cadence while still bounding
// the work a malicious or broken server can force a client to do.
const maxRootRotations = 1024

// defaultMetadataLengthCeiling bounds root/timestamp downloads, which have
// no prior FileInfo to bound them against (root is self-describing,
// timestamp is the first thing fetched each cycle).
const defaultMetadataLengthCeiling = 16 * 1024 * 1024

// Settings configures an Engine. CacheRoot is the only field Verify
// requires; the Repository the Engine drives (NewLocalRepo or
// NewRemoteBackend) is built separately and handed to NewEngine.
type Settings struct {
	// CacheRoot is the directory where verified metadata, the package
	// index, and its tar index are persisted. It must exist and be
	// writable; this library never creates it.
	CacheRoot string

	// RemoteBaseURL is the base URL metadata (root/timestamp/snapshot/
	// targets/mirrors json and the package index) is fetched from.
	RemoteBaseURL string

	// Mirrors, if non-empty, seeds the initial set of target-archive
	// mirror URIs before a mirrors.json has been fetched. Once a trusted
	// mirrors.json exists it takes precedence.
	Mirrors []string

	// CheckExpiry disables the `expires > now` check when explicitly set
	// to false. A nil value means the check is enforced.
	CheckExpiry *bool

	// Durable requests an fsync of the cache directory after each atomic
	// rename, trading latency for durability against power loss. Off by
	// default.
	Durable bool

	// Logger receives structured diagnostic events. A nil Logger is
	// replaced with log.NewNopLogger().
	Logger log.Logger

	// Clock is the source of "now" for expiry checks.
	// A nil Clock is replaced with the real wall clock.
	Clock clock.Clock

	// HTTPClient is the pluggable transport adapter described in the
	// external interfaces section. A nil HTTPClient gets the default
	// retryablehttp-backed implementation (see remote_repo.go).
	HTTPClient HTTPClient
}

// Verify validates settings before any I/O is attempted, filling in
// defaults for the fields that have them. This mirrors the teacher's
// updater.New -> settings.Verify() precondition check.
func (s *Settings) Verify() error {
	if s.CacheRoot == "" {
		return errors.New("tuf: Settings.CacheRoot is required")
	}
	fi, err := os.Stat(s.CacheRoot)
	if err != nil {
		return errors.Wrap(err, "tuf: validating CacheRoot")
	}
	if !fi.IsDir() {
		return errors.Errorf("tuf: CacheRoot %q is not a directory", s.CacheRoot)
	}
	if s.Logger == nil {
		s.Logger = log.NewNopLogger()
	}
	if s.Clock == nil {
		s.Clock = clock.New()
	}
	return nil
}

func (s *Settings) checkExpiry() bool {
	if s.CheckExpiry == nil {
		return true
	}
	return *s.CheckExpiry
}

// NoExpiryCheck is a convenience for callers building Settings for the
// `check --no-expiry-check` CLI flag.
func NoExpiryCheck() *bool {
	f := false
	return &f
}
