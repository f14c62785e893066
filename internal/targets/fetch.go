package targets

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"go.uber.org/zap"
)

// maxDocumentSize bounds how much of a target document is read.
const maxDocumentSize = 16 << 20

// Pools for decompression readers to reduce allocation overhead.
var (
	gzipReaderPool = sync.Pool{
		New: func() interface{} {
			// Reset() is always called before use.
			return new(gzip.Reader)
		},
	}
	brotliReaderPool = sync.Pool{
		New: func() interface{} {
			return brotli.NewReader(nil)
		},
	}
)

var emptyReader = strings.NewReader("")

func getGzipReader(r io.Reader) (*gzip.Reader, error) {
	zr := gzipReaderPool.Get().(*gzip.Reader)
	if err := zr.Reset(r); err != nil {
		gzipReaderPool.Put(zr)
		return nil, err
	}
	return zr, nil
}

func putGzipReader(zr *gzip.Reader) {
	// An empty reader, not nil: Reset(nil) tries to read a header.
	_ = zr.Reset(emptyReader)
	gzipReaderPool.Put(zr)
}

func getBrotliReader(r io.Reader) (*brotli.Reader, error) {
	br := brotliReaderPool.Get().(*brotli.Reader)
	if err := br.Reset(r); err != nil {
		brotliReaderPool.Put(br)
		return nil, err
	}
	return br, nil
}

func putBrotliReader(br *brotli.Reader) {
	_ = br.Reset(emptyReader)
	brotliReaderPool.Put(br)
}

// compressionTransport advertises br and gzip and decodes the response body.
type compressionTransport struct {
	next http.RoundTripper
}

func (t *compressionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", "br, gzip, identity")
	}
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := decompressResponse(resp); err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("failed to initialize response decompression: %w", err)
	}
	return resp, nil
}

// closeWrapper closes both the decoder and the original body, returning pooled readers.
type closeWrapper struct {
	io.ReadCloser
	originalBody io.ReadCloser
	release      func()
}

func (w *closeWrapper) Close() error {
	if w.release != nil {
		w.release()
		w.release = nil
	}
	return errors.Join(w.ReadCloser.Close(), w.originalBody.Close())
}

// decompressResponse unwraps Content-Encoding layers in reverse order of application.
func decompressResponse(resp *http.Response) error {
	encodings := resp.Header.Values("Content-Encoding")
	if len(encodings) == 0 {
		return nil
	}
	for i := len(encodings) - 1; i >= 0; i-- {
		var (
			reader  io.ReadCloser
			release func()
		)
		switch enc := strings.ToLower(strings.TrimSpace(encodings[i])); enc {
		case "gzip":
			zr, err := getGzipReader(resp.Body)
			if err != nil {
				return fmt.Errorf("gzip initialization error: %w", err)
			}
			reader = zr
			release = func() { putGzipReader(zr) }
		case "br":
			br, err := getBrotliReader(resp.Body)
			if err != nil {
				return fmt.Errorf("brotli initialization error: %w", err)
			}
			reader = io.NopCloser(br)
			release = func() { putBrotliReader(br) }
		case "identity", "":
			continue
		default:
			return fmt.Errorf("unsupported Content-Encoding layer: %s", enc)
		}
		resp.Body = &closeWrapper{ReadCloser: reader, originalBody: resp.Body, release: release}
	}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

// Loader reads target documents from local files or remote URLs.
type Loader struct {
	client *http.Client
	logger *zap.Logger
}

// NewLoader creates a Loader. A nil transport uses http.DefaultTransport.
func NewLoader(timeout time.Duration, transport http.RoundTripper, logger *zap.Logger) *Loader {
	if transport == nil {
		transport = http.DefaultTransport
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		client: &http.Client{
			Timeout:   timeout,
			Transport: &compressionTransport{next: transport},
		},
		logger: logger.Named("targets"),
	}
}

// Load reads and parses source, which is either a file path or an http(s) URL.
func (l *Loader) Load(ctx context.Context, source string, format Format) ([]string, error) {
	if source == "" {
		return nil, fmt.Errorf("no target source configured")
	}
	var (
		body        []byte
		contentType string
		base        *url.URL
		err         error
	)
	if IsRemote(source) {
		body, contentType, base, err = l.fetch(ctx, source)
	} else {
		body, err = readFile(source)
		contentType = contentTypeForPath(source)
	}
	if err != nil {
		return nil, err
	}

	list, err := Parse(body, format, contentType, base)
	if err != nil {
		return nil, err
	}
	l.logger.Info("Loaded targets.", zap.String("source", source), zap.Int("count", len(list)))
	return list, nil
}

func (l *Loader) fetch(ctx context.Context, source string) ([]byte, string, *url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, "", nil, fmt.Errorf("invalid target source '%s': %w", source, err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, "", nil, fmt.Errorf("failed to fetch targets from '%s': %w", source, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", nil, fmt.Errorf("failed to fetch targets from '%s': status %d", source, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, "", nil, fmt.Errorf("failed to read target document: %w", err)
	}
	// Redirects change the base for relative links.
	return body, resp.Header.Get("Content-Type"), resp.Request.URL, nil
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open target file: %w", err)
	}
	defer f.Close()
	body, err := io.ReadAll(io.LimitReader(f, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read target file: %w", err)
	}
	return body, nil
}

func contentTypeForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		return "text/html"
	case ".xml":
		return "application/xml"
	}
	return ""
}

// IsRemote reports whether source is an http(s) URL.
func IsRemote(source string) bool {
	lower := strings.ToLower(source)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
