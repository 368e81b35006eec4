// Package httpstore reads torrent blocks straight from an HTTP origin with
// range requests.
package httpstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

const (
	UserAgent      = "WebTorrent-HTTP-Bridge (http://webtorrent.io)"
	DefaultTimeout = 30 * time.Second
)

var (
	ErrShortBody  = errors.New("origin returned wrong number of bytes")
	ErrOutOfRange = errors.New("range outside of the content")
)

// StatusError is returned for responses outside 200-299.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("origin responded with status %d", e.StatusCode)
}

// TransportError wraps failures to talk to the origin at all.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "origin request failed: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Store maps (piece, offset, length) onto byte ranges of one URL. It holds no
// state between requests.
type Store struct {
	url         string
	pieceLength int64
	length      int64
	timeout     time.Duration
	client      *fasthttp.Client
}

func New(url string, pieceLength, length int64, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Store{
		url:         url,
		pieceLength: pieceLength,
		length:      length,
		timeout:     timeout,
		client: &fasthttp.Client{
			Name:                UserAgent,
			MaxResponseBodySize: 16 << 20,
		},
	}
}

// Get fetches length bytes at offset within piece index. Ranges past the end
// of the content are never requested from the origin.
func (s *Store) Get(ctx context.Context, index, offset, length int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Err: err}
	}

	start := int64(index)*s.pieceLength + int64(offset)
	end := start + int64(length) - 1
	if index < 0 || offset < 0 || length <= 0 || end >= s.length {
		return nil, fmt.Errorf("%w: bytes %d-%d of %d", ErrOutOfRange, start, end, s.length)
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(s.url)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.SetUserAgent(UserAgent)
	req.Header.SetByteRange(int(start), int(end))

	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := s.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, &TransportError{Err: err}
	}

	if status := resp.StatusCode(); status < 200 || status > 299 {
		return nil, &StatusError{StatusCode: status}
	}

	body := resp.Body()
	if len(body) != length {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrShortBody, length, len(body))
	}

	// the body belongs to the pooled response
	return append([]byte(nil), body...), nil
}

func (s *Store) Close() error {
	return nil
}
