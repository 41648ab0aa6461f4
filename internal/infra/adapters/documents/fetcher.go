// File: internal/infra/adapters/documents/fetcher.go
package documents

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/tmc/langchaingo/documentloaders"
	"github.com/tmc/langchaingo/schema"

	"studio-agents/internal/domain"
	"studio-agents/internal/domain/ports/adapter"
)

var _ adapter.DocumentFetcher = (*HTTPFetcher)(nil)

type docKind string

const (
	kindText docKind = "text"
	kindCSV  docKind = "csv"
	kindPDF  docKind = "pdf"
	kindHTML docKind = "html"
)

var kindByExt = map[string]docKind{
	".txt":      kindText,
	".md":       kindText,
	".markdown": kindText,
	".csv":      kindCSV,
	".pdf":      kindPDF,
	".html":     kindHTML,
	".htm":      kindHTML,
}

var kindByMIME = map[string]docKind{
	"text/plain":      kindText,
	"text/markdown":   kindText,
	"text/csv":        kindCSV,
	"application/pdf": kindPDF,
	"text/html":       kindHTML,
}

// HTTPFetcher downloads a document and parses it with a loader picked by file
// extension, or by Content-Type when the URL has no extension.
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
}

// DefaultMaxBytes caps a download when the fetcher is given no limit.
const DefaultMaxBytes int64 = 20 << 20

func NewHTTPFetcher(timeout time.Duration, maxBytes int64) *HTTPFetcher {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &HTTPFetcher{client: &http.Client{Timeout: timeout}, maxBytes: maxBytes}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*adapter.Document, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	ext := strings.ToLower(path.Ext(u.Path))
	kind, known := kindByExt[ext]
	if ext != "" && !known {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupported, ext)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch %s: http %d", rawURL, resp.StatusCode)
	}
	if !known {
		mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
		if kind, known = kindByMIME[mt]; !known {
			return nil, fmt.Errorf("%w: content type %q", domain.ErrUnsupported, mt)
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("fetch %s: document exceeds %d bytes", rawURL, f.maxBytes)
	}
	return parse(ctx, rawURL, kind, body)
}

// parse runs the loader for kind over body.
func parse(ctx context.Context, source string, kind docKind, body []byte) (*adapter.Document, error) {
	var (
		docs []schema.Document
		err  error
	)
	switch kind {
	case kindText:
		docs, err = documentloaders.NewText(bytes.NewReader(body)).Load(ctx)
	case kindCSV:
		docs, err = documentloaders.NewCSV(bytes.NewReader(body)).Load(ctx)
	case kindPDF:
		docs, err = documentloaders.NewPDF(bytes.NewReader(body), int64(len(body))).Load(ctx)
	case kindHTML:
		docs, err = documentloaders.NewHTML(bytes.NewReader(body)).Load(ctx)
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupported, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", source, err)
	}

	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		if s := strings.TrimSpace(d.PageContent); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("parse %s: document is empty", source)
	}
	return &adapter.Document{
		URL:     source,
		Content: strings.Join(parts, "\n\n"),
		Metadata: map[string]string{
			"source": source,
			"type":   string(kind),
			"parts":  strconv.Itoa(len(parts)),
		},
	}, nil
}
