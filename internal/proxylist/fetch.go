package proxylist

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxBodyBytes = 8 << 20
)

var (
	// ErrUnreachable covers transport failures, unexpected status codes and
	// oversized bodies.
	ErrUnreachable = errors.New("proxy list source unreachable")
	// ErrEmpty means the source answered with no content.
	ErrEmpty = errors.New("proxy list is empty")
)

// Fetcher retrieves the raw candidate proxy list from one source.
type Fetcher struct {
	SourceURL    string
	MaxBodyBytes int64
	Client       *http.Client
	Logger       zerolog.Logger
}

// Options configure NewFetcher.
type Options struct {
	Timeout            time.Duration
	InsecureSkipVerify bool
	MaxBodyBytes       int64
}

// NewFetcher builds a Fetcher with its own bounded HTTP client.
func NewFetcher(sourceURL string, opts Options, logger zerolog.Logger) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Fetcher{
		SourceURL:    sourceURL,
		MaxBodyBytes: opts.MaxBodyBytes,
		Client:       &http.Client{Timeout: opts.Timeout, Transport: transport},
		Logger:       logger,
	}
}

// Fetch returns the source's lines without interpreting them.
func (f *Fetcher) Fetch(ctx context.Context) ([]string, error) {
	body, err := f.read(ctx)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(string(body)) == "" {
		return nil, ErrEmpty
	}

	content := strings.TrimRight(string(body), "\r\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}

	f.Logger.Info().Str("source", f.SourceURL).Int("lines", len(lines)).Int("bytes", len(body)).Msg("fetched proxy list")
	return lines, nil
}

func (f *Fetcher) read(ctx context.Context) ([]byte, error) {
	u, err := url.Parse(f.SourceURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid source url: %v", ErrUnreachable, err)
	}

	if u.Scheme == "file" {
		body, err := os.ReadFile(u.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		if int64(len(body)) > f.MaxBodyBytes {
			return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrUnreachable, f.MaxBodyBytes)
		}
		return body, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.SourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status code %d", ErrUnreachable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: error reading body: %v", ErrUnreachable, err)
	}
	if int64(len(body)) > f.MaxBodyBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrUnreachable, f.MaxBodyBytes)
	}
	return body, nil
}
