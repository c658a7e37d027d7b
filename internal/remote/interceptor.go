package remote

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/packfinderz-cartsync/pkg/logger"
)

// Doer sends one HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

type DoerFunc func(*http.Request) (*http.Response, error)

func (f DoerFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Interceptor decorates every outbound request of the client. Interceptors
// replace per-call header hacks: auth, cache busting and tracing all live here.
type Interceptor func(Doer) Doer

// Chain wraps base with interceptors. The first interceptor sees the request first.
func Chain(base Doer, interceptors ...Interceptor) Doer {
	doer := base
	for i := len(interceptors) - 1; i >= 0; i-- {
		if interceptors[i] == nil {
			continue
		}
		doer = interceptors[i](doer)
	}
	return doer
}

// TokenSource returns the bearer token for the current session, or "" for guests.
type TokenSource func(ctx context.Context) string

func WithBearer(source TokenSource) Interceptor {
	return func(next Doer) Doer {
		return DoerFunc(func(req *http.Request) (*http.Response, error) {
			if source == nil {
				return next.Do(req)
			}
			token := source(req.Context())
			if token == "" {
				return next.Do(req)
			}
			req = req.Clone(req.Context())
			req.Header.Set("Authorization", "Bearer "+token)
			return next.Do(req)
		})
	}
}

// WithNoCache asks intermediaries never to serve a cached cart.
func WithNoCache() Interceptor {
	return func(next Doer) Doer {
		return DoerFunc(func(req *http.Request) (*http.Response, error) {
			req = req.Clone(req.Context())
			req.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
			req.Header.Set("Pragma", "no-cache")
			return next.Do(req)
		})
	}
}

// WithRequestID forwards the inbound request id, minting one when absent.
func WithRequestID() Interceptor {
	return func(next Doer) Doer {
		return DoerFunc(func(req *http.Request) (*http.Response, error) {
			if req.Header.Get(requestIDHeader) != "" {
				return next.Do(req)
			}
			id := logger.RequestIDFromContext(req.Context())
			if id == "" {
				id = uuid.NewString()
			}
			req = req.Clone(req.Context())
			req.Header.Set(requestIDHeader, id)
			return next.Do(req)
		})
	}
}

func WithLogging(logg *logger.Logger) Interceptor {
	return func(next Doer) Doer {
		return DoerFunc(func(req *http.Request) (*http.Response, error) {
			if logg == nil {
				return next.Do(req)
			}
			start := time.Now()
			resp, err := next.Do(req)
			ctx := logg.WithFields(req.Context(), map[string]any{
				"remote_method": req.Method,
				"remote_path":   req.URL.Path,
				"duration_ms":   time.Since(start).Milliseconds(),
			})
			if err != nil {
				logg.Warn(logg.WithField(ctx, "error", err.Error()), "remote.request.failed")
				return resp, err
			}
			logg.Debug(logg.WithField(ctx, "status", resp.StatusCode), "remote.request.complete")
			return resp, nil
		})
	}
}
