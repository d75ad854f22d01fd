package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// maxErrorBody bounds how much of a failed response body is kept in an error.
const maxErrorBody = 512

// HTTPConfig holds the connection settings for a remote JSON service.
type HTTPConfig struct {
	Host     string        `yaml:"host"`
	User     string        `yaml:"user"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

// HTTPFetcher calls a remote JSON-over-HTTP service. Each method is exposed
// as POST <host>/<method> taking the request params as a JSON object.
// It does not retry; callers wanting retries wrap the fetcher.
type HTTPFetcher[V any] struct {
	baseURL  *url.URL
	user     string
	password string
	client   *http.Client
	logger   zerolog.Logger
}

// NewHTTPFetcher creates an HTTPFetcher. The host must be an absolute URL.
func NewHTTPFetcher[V any](cfg HTTPConfig, client *http.Client, logger zerolog.Logger) (*HTTPFetcher[V], error) {
	if cfg.Host == "" {
		return nil, errors.New("remote host cannot be empty")
	}
	base, err := url.Parse(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("invalid remote host %q: %w", cfg.Host, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("remote host %q must be an absolute URL", cfg.Host)
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &HTTPFetcher[V]{
		baseURL:  base,
		user:     cfg.User,
		password: cfg.Password,
		client:   client,
		logger:   logger.With().Str("component", "HTTPFetcher").Logger(),
	}, nil
}

// Get performs the remote call for req.
func (f *HTTPFetcher[V]) Get(ctx context.Context, req Request) (V, error) {
	var zero V
	if req.Method == "" {
		return zero, NewError(KindFetch, CodeBadRequest, "request method cannot be empty", nil)
	}

	params := req.Params
	if params == nil {
		params = map[string]any{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return zero, NewError(KindFetch, CodeBadRequest, "failed to encode request params", err)
	}

	endpoint := f.baseURL.JoinPath(req.Method)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return zero, NewError(KindFetch, CodeBadRequest, "failed to build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if f.user != "" || f.password != "" {
		httpReq.SetBasicAuth(f.user, f.password)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		if isTimeout(ctx, err) {
			return zero, NewError(KindFetch, CodeTimeout, fmt.Sprintf("call to %s timed out", req.Method), err)
		}
		return zero, NewError(KindFetch, CodeNetwork, fmt.Sprintf("call to %s failed", req.Method), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		fe := NewError(KindFetch, CodeRemoteStatus,
			fmt.Sprintf("%s returned %d: %s", req.Method, resp.StatusCode, strings.TrimSpace(string(snippet))), nil)
		fe.Status = resp.StatusCode
		return zero, fe
	}

	var value V
	if err := json.NewDecoder(resp.Body).Decode(&value); err != nil {
		return zero, NewError(KindFetch, CodeMalformedResponse, fmt.Sprintf("failed to decode %s response", req.Method), err)
	}

	f.logger.Debug().Str("method", req.Method).Int("status", resp.StatusCode).Msg("Remote call succeeded.")
	return value, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
