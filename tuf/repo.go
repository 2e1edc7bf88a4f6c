package tuf

import "github.com/pkg/errors"

// RemoteFile describes one logical metadata or index file the engine wants:
// which formats are acceptable, how big it may be, and - when known - what
// its content must hash to. Root and timestamp are fetched with no prior
// FileInfo (their own signatures are the only guard at that point), so
// ExpectedHash is nil for them; every other file is snapshot-listed and
// therefore pre-verifiable.
type RemoteFile struct {
	// Name is the logical file name relative to the repository root, e.g.
	// "root.json", "2.root.json", "timestamp.json", or the index tar name.
	Name string
	// Formats lists acceptable encodings in preference order; must be
	// non-empty. Uncompressed is preferred when offered.
	Formats []Format
	// Length bounds the stream (invariant 4). For root/timestamp this is a
	// conservative default rather than a value pinned by a parent document.
	Length int64
	// ExpectedHash is nil when the file's hash isn't yet known (root,
	// timestamp); otherwise streaming verification checks against it
	// (invariant 5).
	ExpectedHash *FileInfo
	// CacheAs names which CachedFile this becomes once installed. It is
	// only read when IsFixedRole is true.
	CacheAs CachedFile
	// IsFixedRole is false for the package index and for targets.json,
	// whose destinations aren't one of the CachedFile constants.
	IsFixedRole bool
	// Policy controls post-install behavior (index rebuild or not).
	Policy CachePolicy
}

func (rf RemoteFile) preferredFormat() (Format, error) {
	if len(rf.Formats) == 0 {
		return 0, errors.New("tuf: RemoteFile declares no acceptable formats")
	}
	for _, f := range rf.Formats {
		if f == FormatRaw {
			return FormatRaw, nil
		}
	}
	return rf.Formats[0], nil
}

// Repository abstracts "fetch a remote file, verified, into the cache" so
// that local-directory-backed and network-backed repositories are
// interchangeable from the update engine's point of view (C5).
type Repository interface {
	// WithRemote streams rf into a temp file, verifying length (and hash,
	// when rf.ExpectedHash is set) as it goes, then invokes cb with the
	// format actually selected and the temp file's path. If cb returns
	// nil, the temp file is installed into the cache via CacheRemoteFile/
	// CacheRemoteIndex, or via UpsertIndexEntry when rf.Policy is
	// PolicyIndexEntry; if cb returns an error, the temp file is deleted
	// and nothing is cached.
	WithRemote(rf RemoteFile, cb func(format Format, tempPath string) error) error

	// FetchTarget streams a package archive identified by targetPath,
	// pre-verified against fi, trying each of mirrors in turn until one
	// succeeds. cb receives the verified temp file's path; the same
	// install-on-nil/delete-on-error contract as WithRemote applies,
	// except targets are never cached by this client (only copied out via
	// cb) since they are not part of the four persisted metadata files.
	FetchTarget(mirrors []string, targetPath string, fi FileInfo, cb func(tempPath string) error) error

	GetCached(kind CachedFile) (string, bool, error)
	GetCachedRoot() string
	GetFromIndex(path string) ([]byte, bool, error)
	ClearCache() error

	// RememberRole and RecallRole expose the cache's in-process role LRU
	// (see Cache.roleCache) to the update engine, so a hit lets
	// loadCachedRoleInto skip re-unmarshaling an already-parsed document
	// for a version it has already seen this process's lifetime.
	RememberRole(kind CachedFile, version int, doc interface{})
	RecallRole(kind CachedFile, version int) (interface{}, bool)
}
