package resource

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/time/rate"

	"github.com/quire-tex/quire/pkg/fault"
)

// DigestEntryName is the member of a remote bundle holding its digest.
const DigestEntryName = "SHA256SUM"

// Span locates one member inside a remote bundle.
type Span struct {
	Offset int64
	Length int64
}

// RemoteIndex maps member names to their location in the remote bundle.
type RemoteIndex map[string]Span

// ParseIndex reads a bundle index: one "name offset length" line per member.
func ParseIndex(r io.Reader) (RemoteIndex, error) {
	index := make(RemoteIndex)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fault.Resolution(fault.KindCorruptArchive, fmt.Sprintf("malformed index line %d", lineNo), nil)
		}
		offset, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil || offset < 0 {
			return nil, fault.Resolution(fault.KindCorruptArchive, fmt.Sprintf("bad offset on index line %d", lineNo), err)
		}
		length, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil || length < 0 {
			return nil, fault.Resolution(fault.KindCorruptArchive, fmt.Sprintf("bad length on index line %d", lineNo), err)
		}
		index[fields[0]] = Span{Offset: offset, Length: length}
	}
	if err := scanner.Err(); err != nil {
		return nil, fault.Resolution(fault.KindCorruptArchive, "cannot read bundle index", err)
	}
	return index, nil
}

// RemoteSource is a network-addressable bundle.
type RemoteSource interface {
	// URL identifies the bundle.
	URL() string

	// FetchIndex returns the decompressed member index.
	FetchIndex(ctx context.Context) ([]byte, error)

	// FetchRange returns exactly span.Length bytes starting at span.Offset.
	FetchRange(ctx context.Context, span Span) ([]byte, error)
}

// HTTPOptions configures an HTTPSource.
type HTTPOptions struct {
	// Client performs requests. Defaults to a client with a 60s timeout.
	Client *http.Client

	// RequestsPerSecond throttles requests. Zero means unlimited.
	RequestsPerSecond float64

	// Burst is the limiter burst size. Defaults to 1.
	Burst int

	// UserAgent is sent with every request.
	UserAgent string
}

// HTTPSource is an indexed tar bundle served over HTTP. The tar lives at the
// URL itself and its gzipped index next to it with an ".index.gz" suffix.
type HTTPSource struct {
	url       string
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
}

// NewHTTPSource returns a source for the bundle at url.
func NewHTTPSource(url string, opts HTTPOptions) *HTTPSource {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	ua := opts.UserAgent
	if ua == "" {
		ua = "quire"
	}

	return &HTTPSource{
		url:       url,
		client:    client,
		limiter:   rate.NewLimiter(limit, burst),
		userAgent: ua,
	}
}

// URL implements RemoteSource.
func (h *HTTPSource) URL() string {
	return h.url
}

// FetchIndex implements RemoteSource.
func (h *HTTPSource) FetchIndex(ctx context.Context) ([]byte, error) {
	resp, err := h.do(ctx, h.url+".index.gz", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, unavailable(h.url, fmt.Errorf("fetching index: unexpected status %s", resp.Status))
	}

	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		return nil, fault.Resolution(fault.KindCorruptArchive, "bundle index is not gzip data", err).WithResource(h.url)
	}
	defer gz.Close()

	data, err := io.ReadAll(gz)
	if err != nil {
		return nil, fault.Resolution(fault.KindCorruptArchive, "cannot decompress bundle index", err).WithResource(h.url)
	}
	return data, nil
}

// FetchRange implements RemoteSource.
func (h *HTTPSource) FetchRange(ctx context.Context, span Span) ([]byte, error) {
	if span.Length == 0 {
		return []byte{}, nil
	}

	header := http.Header{}
	header.Set("Range", fmt.Sprintf("bytes=%d-%d", span.Offset, span.Offset+span.Length-1))

	resp, err := h.do(ctx, h.url, header)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		return nil, unavailable(h.url, fmt.Errorf("range request answered with %s", resp.Status))
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(resp.Body, span.Length+1))
	if err != nil {
		return nil, unavailable(h.url, fmt.Errorf("reading range: %w", err))
	}
	if n != span.Length {
		return nil, unavailable(h.url, fmt.Errorf("range returned %d bytes, expected %d", n, span.Length))
	}
	return buf.Bytes(), nil
}

func (h *HTTPSource) do(ctx context.Context, url string, header http.Header) (*http.Response, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, unavailable(h.url, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fault.Resolution(fault.KindInvalidBundlePath, "invalid bundle URL", err).WithResource(url)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("User-Agent", h.userAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, unavailable(h.url, err)
	}
	return resp, nil
}

func unavailable(url string, err error) error {
	return fault.Resolution(fault.KindResourceUnavailable, "bundle endpoint is unreachable", err).WithResource(url)
}
