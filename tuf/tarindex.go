package tuf

import (
	"archive/tar"
	"encoding/json"
	"io"
	"os"

	"github.com/pkg/errors"
)

// indexEntry is one offset-table row: the byte offset and length of a
// regular file's content within the package-index tar.
type indexEntry struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// tarIndex is the on-disk-serializable offset table described in the data
// model section: entry path -> (offset, length), plus the tar byte offset
// we've read through so a rebuild can resume instead of rescanning from
// zero.
type tarIndex struct {
	Entries   map[string]indexEntry `json:"entries"`
	EndOffset int64                 `json:"end_offset"`
}

func newTarIndex() *tarIndex {
	return &tarIndex{Entries: make(map[string]indexEntry)}
}

// loadTarIndex reads a serialized tarIndex from path. A missing file and a
// corrupt file are both reported distinctly so the caller (RebuildIndex)
// can decide whether to resume (missing -> start at zero, same as a fresh
// index) or must still start at zero but knows the prior index was corrupt
// rather than merely absent.
func loadTarIndex(path string) (idx *tarIndex, existed bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return newTarIndex(), false, nil
		}
		return nil, true, errors.Wrap(ErrCacheCorrupt, "opening tar index: "+err.Error())
	}
	defer f.Close()

	var loaded tarIndex
	if err := json.NewDecoder(f).Decode(&loaded); err != nil {
		return nil, true, errors.Wrap(ErrCacheCorrupt, "decoding tar index: "+err.Error())
	}
	if loaded.Entries == nil {
		loaded.Entries = make(map[string]indexEntry)
	}
	return &loaded, true, nil
}

// indexBuilder incrementally extends a tarIndex by reading tar headers from
// the point the index claims to have reached. It never reads further than
// it needs to: on a partial prior index it seeks straight to EndOffset.
type indexBuilder struct {
	idx *tarIndex
}

func newIndexBuilder(seed *tarIndex) *indexBuilder {
	if seed == nil {
		seed = newTarIndex()
	}
	return &indexBuilder{idx: seed}
}

// build reads tarPath starting at the builder's seeded offset, adding one
// entry per regular-file header encountered, and returns the extended
// index. It does not write anything to disk; the caller persists the result
// atomically once build succeeds (build failing mid-way - the "Fail" case -
// must not leave a partially-updated index file on disk).
func (b *indexBuilder) build(tarPath string) (*tarIndex, error) {
	f, err := os.Open(tarPath)
	if err != nil {
		return nil, errors.Wrap(err, "opening package index tar")
	}
	defer f.Close()

	if b.idx.EndOffset > 0 {
		if _, err := f.Seek(b.idx.EndOffset, io.SeekStart); err != nil {
			return nil, errors.Wrap(err, "seeking to resume tar index build")
		}
	}

	counter := &countingReader{r: f, count: b.idx.EndOffset}
	tr := tar.NewReader(counter)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(ErrCacheCorrupt, "reading tar entry: "+err.Error())
		}
		offset := counter.count
		if hdr.Typeflag == tar.TypeReg {
			b.idx.Entries[hdr.Name] = indexEntry{Offset: offset, Length: hdr.Size}
		}
		// Advance the counter past this entry's content and padding so the
		// next header's offset (and the final EndOffset) is correct; the
		// tar.Reader already does this internally on the next Next() call,
		// but we need a final, accurate EndOffset even after the last
		// entry, so we track bytes consumed explicitly via countingReader
		// rather than relying solely on tr's internal bookkeeping.
		if _, err := io.Copy(io.Discard, tr); err != nil {
			return nil, errors.Wrap(ErrCacheCorrupt, "reading tar entry content: "+err.Error())
		}
	}
	b.idx.EndOffset = counter.count
	return b.idx, nil
}

// countingReader wraps an io.Reader, tracking total bytes read so the tar
// index can record accurate byte offsets without depending on archive/tar's
// internal state.
type countingReader struct {
	r     io.Reader
	count int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.count += int64(n)
	return n, err
}

// lookup returns the entry for path, or false if it isn't a known regular
// file (symlinks, directories, and other non-regular tar entries are never
// added to Entries in the first place, so this already enforces "only
// NormalFile entries are returned").
func (idx *tarIndex) lookup(path string) (indexEntry, bool) {
	e, ok := idx.Entries[path]
	return e, ok
}

// readEntry extracts the bytes for e directly out of the tar file via
// ReadAt, without scanning.
func readEntry(tarPath string, e indexEntry) ([]byte, error) {
	f, err := os.Open(tarPath)
	if err != nil {
		return nil, errors.Wrap(err, "opening package index tar")
	}
	defer f.Close()

	buf := make([]byte, e.Length)
	if _, err := f.ReadAt(buf, e.Offset); err != nil && err != io.EOF {
		return nil, errors.Wrap(ErrCacheCorrupt, "reading indexed tar entry: "+err.Error())
	}
	return buf, nil
}
