package microservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"github.com/illmade-knight/go-fetchcache/pkg/fetch"
	"github.com/illmade-knight/go-fetchcache/pkg/fetchcache"
	"github.com/rs/zerolog"
)

const (
	// UserIDHeader identifies the caller on whose behalf a fetch is made.
	UserIDHeader = "X-User-ID"

	maxBodyBytes = 1 << 20
)

// CachedFetcher is the part of fetchcache.CachingFetcher the server uses.
type CachedFetcher[V any] interface {
	Fetch(ctx context.Context, req fetch.Request, id fetch.Identity, opts ...fetchcache.CallOption) (V, error)
	ClearCache(ctx context.Context, req fetch.Request, id fetch.Identity) error
}

// errorBody is the JSON body returned for failed requests.
type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// FetchServer exposes a CachedFetcher over HTTP:
//
//	POST   /v1/fetch/{method}  fetch, JSON body holds the params; ?fresh=true skips the cache
//	DELETE /v1/fetch/{method}  clear the caller's entry for the same params
//
// The caller's identity comes from the X-User-ID and X-Forwarded-For headers,
// which are only honored when the connecting peer is a trusted proxy. A peer
// outside the trusted ranges is treated as an anonymous caller identified by
// its own address. Without WithTrustedProxies every peer is trusted, which is
// only safe when the server is reachable solely through a proxy that
// overwrites both headers.
type FetchServer[V any] struct {
	*BaseServer
	fetcher        CachedFetcher[V]
	trustedProxies []netip.Prefix
	logger         zerolog.Logger
}

// ServerOption configures a FetchServer.
type ServerOption func(*serverOptions)

type serverOptions struct {
	trustedProxies []netip.Prefix
}

// WithTrustedProxies restricts the peers whose identity headers are honored.
func WithTrustedProxies(prefixes ...netip.Prefix) ServerOption {
	return func(o *serverOptions) {
		o.trustedProxies = append(o.trustedProxies, prefixes...)
	}
}

// ParseTrustedProxies parses CIDR ranges and bare addresses; a bare address
// is a single-host range.
func ParseTrustedProxies(values []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", v, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", v, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// NewFetchServer registers the fetch routes on a new BaseServer.
func NewFetchServer[V any](httpPort string, fetcher CachedFetcher[V], logger zerolog.Logger, opts ...ServerOption) *FetchServer[V] {
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}
	s := &FetchServer[V]{
		BaseServer:     NewBaseServer(logger, httpPort),
		fetcher:        fetcher,
		trustedProxies: o.trustedProxies,
		logger:         logger.With().Str("component", "FetchServer").Logger(),
	}
	s.Mux().HandleFunc("POST /v1/fetch/{method}", s.handleFetch)
	s.Mux().HandleFunc("DELETE /v1/fetch/{method}", s.handleClear)
	return s
}

var _ Service = (*FetchServer[struct{}])(nil)

// Start begins serving; the context is unused since BaseServer stops on Shutdown.
func (s *FetchServer[V]) Start(_ context.Context) error {
	return s.BaseServer.Start()
}

func (s *FetchServer[V]) handleFetch(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	var opts []fetchcache.CallOption
	if fresh, _ := strconv.ParseBool(r.URL.Query().Get("fresh")); fresh {
		opts = append(opts, fetchcache.ForceRefresh())
	}

	result, err := s.fetcher.Fetch(r.Context(), req, s.identityFrom(r), opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, result)
}

func (s *FetchServer[V]) handleClear(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	if err := s.fetcher.ClearCache(r.Context(), req, s.identityFrom(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeRequest builds a fetch.Request from the path and an optional JSON
// object body. It writes a 400 and returns false on a bad body.
func (s *FetchServer[V]) decodeRequest(w http.ResponseWriter, r *http.Request) (fetch.Request, bool) {
	var params map[string]any
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err == nil && len(strings.TrimSpace(string(body))) > 0 {
		err = json.Unmarshal(body, &params)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("request_id", RequestID(r.Context())).Msg("Rejected request body")
		s.writeJSON(w, r, http.StatusBadRequest, errorBody{
			Code:      fetch.CodeBadRequest,
			Message:   "request body must be a JSON object",
			RequestID: RequestID(r.Context()),
		})
		return fetch.Request{}, false
	}
	return fetch.NewRequest(r.PathValue("method"), params), true
}

func (s *FetchServer[V]) writeError(w http.ResponseWriter, r *http.Request, err error) {
	fe := fetch.AsError(err)
	status := http.StatusBadGateway
	switch {
	case fe.Code == fetch.CodeBadRequest:
		status = http.StatusBadRequest
	case fe.Code == fetch.CodeTimeout || errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case fe.Kind == fetch.KindCacheBackend:
		status = http.StatusServiceUnavailable
	}
	s.logger.Debug().Err(err).Str("request_id", RequestID(r.Context())).Int("status", status).Msg("Request failed")
	s.writeJSON(w, r, status, errorBody{
		Code:      fe.Code,
		Message:   fe.Message,
		RequestID: RequestID(r.Context()),
	})
}

func (s *FetchServer[V]) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Str("request_id", RequestID(r.Context())).Msg("Failed to write response")
	}
}

// identityFrom reads the caller from X-User-ID and the origin from the first
// X-Forwarded-For hop. Both headers are ignored unless the peer is trusted,
// and the origin falls back to the peer's address.
func (s *FetchServer[V]) identityFrom(r *http.Request) fetch.Identity {
	peer := peerAddr(r.RemoteAddr)
	if !s.trusted(peer) {
		return fetch.Identity{Origin: peer}
	}

	origin := ""
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		origin = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if origin == "" {
		origin = peer
	}
	return fetch.Identity{UserID: r.Header.Get(UserIDHeader), Origin: origin}
}

func (s *FetchServer[V]) trusted(peer string) bool {
	if len(s.trustedProxies) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(peer)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range s.trustedProxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// peerAddr strips the port from a RemoteAddr.
func peerAddr(remote string) string {
	if ap, err := netip.ParseAddrPort(remote); err == nil {
		return ap.Addr().Unmap().String()
	}
	return remote
}
