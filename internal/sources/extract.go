package sources

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/documentloaders"
)

// Stage budgets from the pipeline contract.
const (
	fetchTimeout   = 60 * time.Second
	extractTimeout = 5 * time.Minute
)

// maxFetchBytes caps how much of a linked page is read into memory.
const maxFetchBytes = 16 << 20

// Extractor renders external content to markdown. One instance is
// shared across workers; it holds no per-request state.
type Extractor struct {
	client    *http.Client
	converter *md.Converter
}

func NewExtractor() *Extractor {
	return &Extractor{
		client:    &http.Client{Timeout: fetchTimeout},
		converter: md.NewConverter("", true, nil),
	}
}

// Extracted is the output of node 1.
type Extracted struct {
	Markdown string
	// Title is taken from the document when the source has none.
	Title string
}

// FromURL fetches the page and renders it to markdown. The fetch budget
// is 60 s end to end.
func (e *Extractor) FromURL(ctx context.Context, url string) (*Extracted, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "open-notebook/1.0")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "html") && contentType != "" && !strings.Contains(contentType, "text/") {
		return nil, fmt.Errorf("fetch %s: unsupported content type %q", url, contentType)
	}

	return e.fromHTML(body)
}

func (e *Extractor) fromHTML(body []byte) (*Extracted, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())

	markdown, err := e.converter.ConvertString(string(body))
	if err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}
	return &Extracted{Markdown: markdown, Title: title}, nil
}

// FromFile parses an uploaded file to markdown. PDFs go through the
// document loader; HTML is rendered like a fetched page; everything else
// is treated as text. The whole parse runs under the 5 min budget.
func (e *Extractor) FromFile(ctx context.Context, path string) (*Extracted, error) {
	ctx, cancel := context.WithTimeout(ctx, extractTimeout)
	defer cancel()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return e.fromPDF(ctx, path)
	case ".html", ".htm":
		body, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		return e.fromHTML(body)
	default:
		body, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		return &Extracted{Markdown: string(body)}, nil
	}
}

func (e *Extractor) fromPDF(ctx context.Context, path string) (*Extracted, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	docs, err := documentloaders.NewPDF(f, info.Size()).Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("parse pdf %s: %w", path, err)
	}
	var b strings.Builder
	for i, d := range docs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(d.PageContent)
	}
	return &Extracted{Markdown: b.String()}, nil
}

// CleanupUpload removes the uploaded file after successful extraction
// when the request asked for it. Failures are logged, never fatal: the
// content is already extracted.
func CleanupUpload(remove func(string) error, path string) {
	if err := remove(path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("delete source upload")
	}
}
