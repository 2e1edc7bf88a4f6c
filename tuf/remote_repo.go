package tuf

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/hashicorp/go-multierror"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
)

const maxRedirects = 5

// ByteRange is an inclusive byte range for a Range request. End == -1 means
// open-ended ("bytes=Start-").
type ByteRange struct {
	Start, End int64
}

func (b ByteRange) header() string {
	if b.End < 0 {
		return fmt.Sprintf("bytes=%d-", b.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", b.Start, b.End)
}

// HTTPResponse is the adapter-facing response shape described in the
// external interfaces section.
type HTTPResponse struct {
	Status int
	Body   io.ReadCloser
	Length *int64
}

// HTTPClient is the pluggable transport adapter the core consumes. The core
// never constructs an http.Client itself, so a caller can substitute a
// curl-backed, native, or library-backed implementation without touching
// C6/C7.
type HTTPClient interface {
	Get(uri string, headers map[string]string, rng *ByteRange) (*HTTPResponse, error)
}

// retryableHTTPClient is the default HTTPClient: github.com/hashicorp/
// go-retryablehttp handles bounded retry/backoff against a single URI (lost
// packets, transient 5xx); retrying across distinct mirrors is
// RemoteBackend.FetchTarget's job (below), not this client's.
type retryableHTTPClient struct {
	client *retryablehttp.Client
}

// NewDefaultHTTPClient builds the default HTTPClient: a retryablehttp
// client bounded to maxRedirects hops, logging retries through logger.
func NewDefaultHTTPClient(logger log.Logger) HTTPClient {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.Logger = nil
	rc.HTTPClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return errors.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	}
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			level.Debug(logger).Log("msg", "retrying request", "url", req.URL.String(), "attempt", attempt)
		}
	}
	return &retryableHTTPClient{client: rc}
}

func (c *retryableHTTPClient) Get(uri string, headers map[string]string, rng *ByteRange) (*HTTPResponse, error) {
	req, err := retryablehttp.NewRequest(http.MethodGet, uri, nil)
	if err != nil {
		return nil, errors.Wrap(err, "tuf: building request")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if rng != nil {
		req.Header.Set("Range", rng.header())
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(ErrTransport, err.Error())
	}
	var length *int64
	if resp.ContentLength >= 0 {
		l := resp.ContentLength
		length = &l
	}
	return &HTTPResponse{Status: resp.StatusCode, Body: resp.Body, Length: length}, nil
}

// RemoteBackend implements Repository against RemoteBaseURL for metadata
// and the index, and against a list of mirror URIs for package archives
// (C6).
type RemoteBackend struct {
	baseURL string
	client  HTTPClient
	cache   *Cache
	logger  log.Logger
}

// NewRemoteBackend builds a RemoteBackend. If client is nil, the default
// retryablehttp-backed HTTPClient is used.
func NewRemoteBackend(baseURL string, client HTTPClient, cache *Cache, logger log.Logger) *RemoteBackend {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if client == nil {
		client = NewDefaultHTTPClient(logger)
	}
	return &RemoteBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		cache:   cache,
		logger:  logger,
	}
}

func remoteFileName(name string, format Format) string {
	if format == FormatGzip {
		return name + ".gz"
	}
	return name
}

func (r *RemoteBackend) WithRemote(rf RemoteFile, cb func(format Format, tempPath string) error) error {
	format, err := rf.preferredFormat()
	if err != nil {
		return err
	}

	if rf.Policy == PolicyIndex && rf.ExpectedHash != nil {
		if tmpPath, ok := r.tryRangeUpdateIndex(rf); ok {
			defer os.Remove(tmpPath)
			if err := cb(format, tmpPath); err != nil {
				return err
			}
			return r.cache.CacheRemoteIndex(tmpPath, FormatRaw)
		}
	}

	uri := r.baseURL + "/" + remoteFileName(rf.Name, format)
	tmpPath, err := r.fetchToTemp(uri, rf.Length, rf.ExpectedHash)
	if err != nil {
		return err
	}
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if err := cb(format, tmpPath); err != nil {
		return err
	}
	cleanup = false

	if rf.Policy == PolicyIndexEntry {
		data, err := os.ReadFile(tmpPath)
		if err != nil {
			return errors.Wrap(err, "tuf: reading verified temp file for index entry")
		}
		return r.cache.UpsertIndexEntry(rf.Name, data)
	}
	if rf.IsFixedRole {
		return r.cache.CacheRemoteFile(tmpPath, rf.CacheAs, format, rf.Policy)
	}
	return r.cache.CacheRemoteIndex(tmpPath, format)
}

// tryRangeUpdateIndex attempts an incremental range fetch of the index tar
// when the cache already has a shorter copy than the advertised length.
// Any failure at any step falls back to the caller performing a full
// download; this function never returns a partially-applied result.
func (r *RemoteBackend) tryRangeUpdateIndex(rf RemoteFile) (string, bool) {
	// The index isn't one of the four CachedFile roles, so there is no
	// GetCached entry for it; range-resume instead inspects the raw tar
	// file directly.
	tarPath := r.cache.indexTarPath()
	fi, statErr := os.Stat(tarPath)
	if statErr != nil {
		return "", false
	}
	cachedLen := fi.Size()
	if cachedLen <= 0 || cachedLen >= rf.Length {
		return "", false
	}

	uri := r.baseURL + "/" + rf.Name
	resp, err := r.client.Get(uri, nil, &ByteRange{Start: cachedLen, End: -1})
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	if resp.Status != http.StatusPartialContent {
		return "", false
	}

	tmp, err := os.CreateTemp(r.cache.root, "range-index-*")
	if err != nil {
		return "", false
	}
	tmpPath := tmp.Name()

	existing, err := os.Open(tarPath)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", false
	}
	if _, err := io.Copy(tmp, existing); err != nil {
		existing.Close()
		tmp.Close()
		os.Remove(tmpPath)
		return "", false
	}
	existing.Close()

	remaining := rf.Length - cachedLen
	limited := io.LimitReader(resp.Body, remaining+1)
	n, err := io.Copy(tmp, limited)
	tmp.Close()
	if err != nil || n > remaining {
		os.Remove(tmpPath)
		return "", false
	}
	if rf.ExpectedHash != nil {
		f, err := os.Open(tmpPath)
		if err != nil {
			os.Remove(tmpPath)
			return "", false
		}
		verr := rf.ExpectedHash.verifyStream(f)
		f.Close()
		if verr != nil {
			os.Remove(tmpPath)
			return "", false
		}
	}
	return tmpPath, true
}

// fetchToTemp streams uri into a fresh temp file in the cache directory,
// enforcing the length ceiling and, when expected is non-nil, the hash
// match, tearing the connection down as soon as either is violated.
func (r *RemoteBackend) fetchToTemp(uri string, length int64, expected *FileInfo) (string, error) {
	resp, err := r.client.Get(uri, nil, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.Status == http.StatusNotFound {
		return "", errNotFound
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return "", errors.Wrapf(ErrTransport, "unexpected status %d fetching %s", resp.Status, uri)
	}

	tmp, err := os.CreateTemp(r.cache.root, "remote-fetch-*")
	if err != nil {
		return "", errors.Wrap(err, "tuf: creating temp file")
	}
	tmpPath := tmp.Name()

	var hasher *streamHasher
	var body io.Reader = resp.Body
	if expected != nil {
		hasher = newStreamHasher()
		body = io.TeeReader(resp.Body, hasher)
	}
	limited := io.LimitReader(body, length+1)
	n, err := io.Copy(tmp, limited)
	tmp.Close()
	if err != nil {
		os.Remove(tmpPath)
		return "", errors.Wrap(err, "tuf: streaming response body")
	}
	if n > length {
		os.Remove(tmpPath)
		return "", errors.Wrap(ErrVerificationFailed, "response exceeded declared length ceiling")
	}
	if expected != nil {
		if n != expected.Length {
			os.Remove(tmpPath)
			return "", errors.Wrap(ErrVerificationFailed, "response length does not match expected length")
		}
		wantHash, ok := expected.Hashes[hashAlgoSHA256]
		if !ok {
			os.Remove(tmpPath)
			return "", errors.Wrap(ErrParse, "expected file info missing sha256 hash")
		}
		got := hasher.Sum()
		if !hexEqual(got, wantHash) {
			os.Remove(tmpPath)
			return "", errors.Wrap(ErrVerificationFailed, "response hash does not match expected digest")
		}
	}
	return tmpPath, nil
}

func (r *RemoteBackend) FetchTarget(mirrors []string, targetPath string, fi FileInfo, cb func(tempPath string) error) error {
	if len(mirrors) == 0 {
		return errors.Wrap(ErrTransport, "no mirrors configured")
	}
	var merr *multierror.Error
	for _, m := range mirrors {
		uri := strings.TrimRight(m, "/") + "/" + strings.TrimLeft(targetPath, "/")
		tmpPath, err := r.fetchToTemp(uri, fi.Length, &fi)
		if err != nil {
			merr = multierror.Append(merr, errors.Wrapf(err, "mirror %s", m))
			level.Warn(r.logger).Log("msg", "mirror fetch failed, trying next", "mirror", m, "err", err)
			continue
		}
		cbErr := cb(tmpPath)
		os.Remove(tmpPath)
		return cbErr
	}
	return errors.Wrap(ErrTransport, merr.Error())
}

func (r *RemoteBackend) GetCached(kind CachedFile) (string, bool, error) {
	return r.cache.GetCached(kind)
}
func (r *RemoteBackend) GetCachedRoot() string { return r.cache.GetCachedRoot() }
func (r *RemoteBackend) GetFromIndex(path string) ([]byte, bool, error) {
	return r.cache.GetFromIndex(path)
}
func (r *RemoteBackend) ClearCache() error { return r.cache.ClearCache() }

func (r *RemoteBackend) RememberRole(kind CachedFile, version int, doc interface{}) {
	r.cache.rememberRole(kind, version, doc)
}

func (r *RemoteBackend) RecallRole(kind CachedFile, version int) (interface{}, bool) {
	return r.cache.recallRole(kind, version)
}
