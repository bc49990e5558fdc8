/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package mediacache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/friendsincode/grimnir_kiosk/internal/storage"
	"github.com/friendsincode/grimnir_kiosk/internal/telemetry"
	"github.com/friendsincode/grimnir_kiosk/internal/version"
)

// Object is a downloaded media payload.
type Object = storage.Object

// Fetcher downloads one media object from its origin.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (Object, error)
}

// StatusError reports a non-2xx origin response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Code)
}

const defaultMaxObjectBytes = 1 << 30

// BreakerSettings tunes an origin circuit breaker.
type BreakerSettings struct {
	Name             string
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

func newBreaker[T any](s BreakerSettings, logger zerolog.Logger) *gobreaker.CircuitBreaker[T] {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
		// A missing object says nothing about origin health.
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 {
				return true
			}
			return err == nil || errors.Is(err, storage.ErrObjectNotFound) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			telemetry.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
}

// HTTPFetcher downloads http(s) URLs through a traced client guarded by a
// circuit breaker.
type HTTPFetcher struct {
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker[Object]
	maxBytes int64
}

// NewHTTPFetcher creates a fetcher. A nil client gets a traced default.
func NewHTTPFetcher(client *http.Client, logger zerolog.Logger) *HTTPFetcher {
	if client == nil {
		client = telemetry.HTTPClient(0)
	}
	return &HTTPFetcher{
		client:   client,
		breaker:  newBreaker[Object](BreakerSettings{Name: "media-http"}, logger),
		maxBytes: defaultMaxObjectBytes,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (Object, error) {
	return f.breaker.Execute(func() (Object, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return Object{}, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("User-Agent", version.UserAgent())
		resp, err := f.client.Do(req)
		if err != nil {
			return Object{}, fmt.Errorf("fetch %s: %w", rawURL, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			return Object{}, &StatusError{URL: rawURL, Code: resp.StatusCode}
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
		if err != nil {
			return Object{}, fmt.Errorf("read %s: %w", rawURL, err)
		}
		if int64(len(data)) > f.maxBytes {
			return Object{}, fmt.Errorf("fetch %s: object exceeds %d bytes", rawURL, f.maxBytes)
		}

		contentType := resp.Header.Get("Content-Type")
		if contentType == "" {
			contentType = http.DetectContentType(data)
		}
		return Object{Data: data, ContentType: contentType}, nil
	})
}

// ObjectFetcher adapts an object store to s3:// URLs.
type ObjectFetcher struct {
	store   storage.ObjectStore
	breaker *gobreaker.CircuitBreaker[Object]
}

// NewObjectFetcher wraps store with its own breaker.
func NewObjectFetcher(store storage.ObjectStore, logger zerolog.Logger) *ObjectFetcher {
	return &ObjectFetcher{
		store:   store,
		breaker: newBreaker[Object](BreakerSettings{Name: "media-s3"}, logger),
	}
}

func (f *ObjectFetcher) Fetch(ctx context.Context, rawURL string) (Object, error) {
	bucket, key, err := storage.ParseObjectURL(rawURL)
	if err != nil {
		return Object{}, err
	}
	return f.breaker.Execute(func() (Object, error) {
		return f.store.Get(ctx, bucket, key)
	})
}

// Router dispatches by URL scheme.
type Router struct {
	schemes map[string]Fetcher
}

// NewRouter routes http and https to httpFetcher and s3 to objectFetcher.
// Either may be nil.
func NewRouter(httpFetcher, objectFetcher Fetcher) *Router {
	r := &Router{schemes: make(map[string]Fetcher)}
	if httpFetcher != nil {
		r.schemes["http"] = httpFetcher
		r.schemes["https"] = httpFetcher
	}
	if objectFetcher != nil {
		r.schemes["s3"] = objectFetcher
	}
	return r
}

func (r *Router) Fetch(ctx context.Context, rawURL string) (Object, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Object{}, fmt.Errorf("parse media url: %w", err)
	}
	f, ok := r.schemes[u.Scheme]
	if !ok {
		return Object{}, fmt.Errorf("no fetcher for scheme %q", u.Scheme)
	}
	start := time.Now()
	obj, err := f.Fetch(ctx, rawURL)
	if err == nil {
		telemetry.MediaFetchDuration.WithLabelValues(u.Scheme).Observe(time.Since(start).Seconds())
	}
	return obj, err
}
