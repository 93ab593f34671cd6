// Package endpoints produces the candidate node list: configured endpoints,
// optionally merged with a published list fetched from a remote document.
package endpoints

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"ppy-wallet/go-core/internal/platform/privacylog"
)

const (
	SourceConfigured = "configured"
	SourceRemote     = "remote"

	defaultFetchTimeout = 5 * time.Second
	fetchAttempts       = 2
	maxDocumentBytes    = 1 << 20
)

var (
	ErrFallbackDisabled = errors.New("remote endpoint list disabled")
	ErrNoEndpointList   = errors.New("remote document holds no endpoint list")
)

type Options struct {
	Endpoints    []string
	FallbackURL  string
	UseTestnet   bool
	FetchTimeout time.Duration
	RetryDelay   time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Source resolves endpoints. The remote list never aborts resolution: any
// fetch or parse failure degrades to the configured list and is recorded in
// LastReason.
type Source struct {
	configured  []string
	fallbackURL string
	testnet     bool
	timeout     time.Duration
	retryDelay  time.Duration
	client      *http.Client
	logger      *slog.Logger

	mu         sync.Mutex
	lastSource string
	lastReason string
}

func New(opts Options) *Source {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 200 * time.Millisecond
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	return &Source{
		configured:  Dedupe(opts.Endpoints),
		fallbackURL: strings.TrimSpace(opts.FallbackURL),
		testnet:     opts.UseTestnet,
		timeout:     opts.FetchTimeout,
		retryDelay:  opts.RetryDelay,
		client:      opts.HTTPClient,
		logger:      privacylog.Ensure(opts.Logger),
		lastSource:  SourceConfigured,
	}
}

// Resolve returns the configured endpoints, merged with the remote list when
// useFallback is set on a non-testnet source. Configured entries come first.
func (s *Source) Resolve(ctx context.Context, useFallback bool) []string {
	out := append([]string(nil), s.configured...)
	if !useFallback {
		s.record(SourceConfigured, "")
		return out
	}
	if s.testnet || s.fallbackURL == "" {
		s.record(SourceConfigured, ErrFallbackDisabled.Error())
		return out
	}

	remote, err := s.fetch(ctx)
	if err != nil {
		s.logger.Warn("remote endpoint list unavailable, using configured endpoints",
			"url", s.fallbackURL, "configured", len(out), "error", err)
		s.record(SourceConfigured, err.Error())
		return out
	}
	merged := Dedupe(append(out, remote...))
	s.logger.Info("endpoint list resolved", "configured", len(out), "remote", len(remote), "total", len(merged))
	s.record(SourceRemote, "")
	return merged
}

func (s *Source) LastSource() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSource
}

func (s *Source) LastReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReason
}

func (s *Source) record(source, reason string) {
	s.mu.Lock()
	s.lastSource = source
	s.lastReason = reason
	s.mu.Unlock()
}

func (s *Source) fetch(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	body, err := retry.DoWithData(
		func() ([]byte, error) { return s.get(ctx) },
		retry.Context(ctx),
		retry.Attempts(fetchAttempts),
		retry.Delay(s.retryDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return ParseDocument(body)
}

func (s *Source) get(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.fallbackURL, nil)
	if err != nil {
		return nil, retry.Unrecoverable(err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("remote endpoint list: status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, retry.Unrecoverable(fmt.Errorf("remote endpoint list: status %d", resp.StatusCode))
	}
	return body, nil
}

type gistDocument struct {
	Files map[string]struct {
		Content string `json:"content"`
	} `json:"files"`
}

// ParseDocument extracts endpoints from a gist-style document whose file
// content embeds a literal like `const endpoints = ['wss://a', 'wss://b'];`.
// Files are visited in name order and the first one holding a list wins.
func ParseDocument(raw []byte) ([]string, error) {
	var doc gistDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode remote endpoint document: %w", err)
	}
	names := make([]string, 0, len(doc.Files))
	for name := range doc.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if list := ParseList(doc.Files[name].Content); len(list) > 0 {
			return list, nil
		}
	}
	return nil, ErrNoEndpointList
}

// ParseList parses the embedded endpoints literal.
func ParseList(content string) []string {
	content = strings.ReplaceAll(content, "const endpoints = [", "")
	content = strings.ReplaceAll(content, "];", "")
	content = strings.NewReplacer("'", "", `"`, "").Replace(content)

	var out []string
	for _, part := range strings.Split(content, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Dedupe trims entries and drops empties and exact duplicates, keeping the
// first occurrence.
func Dedupe(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
