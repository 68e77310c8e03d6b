package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/teranos/docpipe/errors"
	"github.com/teranos/docpipe/internal/httpclient"
	"github.com/teranos/docpipe/pulse/async"
)

// DefaultMaxDocumentBytes caps fetched document content.
const DefaultMaxDocumentBytes = 10 << 20

// DocumentFetcher returns the text content of a job's document. Failures
// are marked errors.ErrDocumentUnavailable.
type DocumentFetcher interface {
	Fetch(ctx context.Context, doc async.Document) (string, error)
}

// FetcherConfig configures a Fetcher.
type FetcherConfig struct {
	Timeout   time.Duration
	MaxBytes  int64
	AllowFile bool // accept file:// URLs; only for local CLI use
}

// Fetcher reads documents over HTTP(S) through the SSRF-guarded client, and
// from the local filesystem when allowed.
type Fetcher struct {
	client *httpclient.SaferClient
	cfg    FetcherConfig
}

// NewFetcher creates a fetcher. A nil client gets a SaferClient with the
// configured timeout.
func NewFetcher(client *httpclient.SaferClient, cfg FetcherConfig) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxDocumentBytes
	}
	if client == nil {
		client = httpclient.NewSaferClient(cfg.Timeout)
	}
	return &Fetcher{client: client, cfg: cfg}
}

// Fetch reads at most MaxBytes of the document.
func (f *Fetcher) Fetch(ctx context.Context, doc async.Document) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	u, err := url.Parse(doc.URL)
	if err != nil {
		return "", errors.NewDocumentUnavailableError(err, doc.URL)
	}

	var body io.ReadCloser
	switch u.Scheme {
	case "file":
		if !f.cfg.AllowFile {
			return "", errors.NewValidationError("file URLs are disabled (pipeline.allow_file_fetch)")
		}
		body, err = os.Open(u.Path)
	default:
		body, err = f.get(ctx, doc.URL)
	}
	if err != nil {
		return "", errors.NewDocumentUnavailableError(err, doc.URL)
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, f.cfg.MaxBytes))
	if err != nil {
		return "", errors.NewDocumentUnavailableError(err, doc.URL)
	}
	return string(data), nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "docpipe-fetch/1")
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errors.WithDetail(
			errors.Newf("unexpected status %d", resp.StatusCode),
			fmt.Sprintf("Status: %s", resp.Status))
	}
	return resp.Body, nil
}
