// Package health polls the backend's HTTP health endpoint.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultPath    = "/v1/models"
	DefaultTimeout = 3 * time.Second
)

// ErrUnhealthy is returned for a response outside the 2xx range.
var ErrUnhealthy = errors.New("unhealthy response")

// ErrNotReady is returned by WaitReady when every attempt failed.
var ErrNotReady = errors.New("backend not ready")

// Checker performs a single health poll.
type Checker interface {
	Check(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Check(ctx context.Context) error { return f(ctx) }

// HTTPChecker issues GET http://localhost:<port><path>; any 2xx is healthy and the
// body is ignored.
type HTTPChecker struct {
	url    string
	client *http.Client
}

// NewHTTPChecker builds a checker for port. An empty path means DefaultPath and a
// non-positive timeout means DefaultTimeout.
func NewHTTPChecker(port uint16, path string, timeout time.Duration) *HTTPChecker {
	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPChecker{
		url: "http://" + net.JoinHostPort("localhost", strconv.Itoa(int(port))) + path,
		client: &http.Client{
			Timeout: timeout,
			// a fresh connection per poll so a replaced backend is never
			// reached through a pooled socket of the old one
			Transport: &http.Transport{DisableKeepAlives: true},
		},
	}
}

// URL returns the polled endpoint.
func (p *HTTPChecker) URL() string { return p.url }

func (p *HTTPChecker) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s", ErrUnhealthy, resp.Status)
	}
	return nil
}

// Sleeper pauses for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// WaitReady polls c up to attempts times, sleeping interval between polls
// (not after the last one). It returns the number of polls made. onAttempt,
// if set, sees every poll outcome.
func WaitReady(ctx context.Context, c Checker, interval time.Duration, attempts int, sleep Sleeper, onAttempt func(n int, err error)) (int, error) {
	if sleep == nil {
		sleep = Sleep
	}
	var last error
	for n := 1; n <= attempts; n++ {
		last = c.Check(ctx)
		if onAttempt != nil {
			onAttempt(n, last)
		}
		if last == nil {
			return n, nil
		}
		if n == attempts {
			break
		}
		if err := sleep(ctx, interval); err != nil {
			return n, err
		}
	}
	return attempts, fmt.Errorf("%w after %d attempts: %w", ErrNotReady, attempts, last)
}
