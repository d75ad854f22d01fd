package fetchcache

import (
	"context"

	"github.com/illmade-knight/go-fetchcache/pkg/fetch"
)

// ErrorLogger receives structured failure records. fields always carries
// enough context (code, location, method, caller) to diagnose a failure
// without reproducing it.
type ErrorLogger interface {
	LogError(kind fetch.Kind, message string, fields map[string]any)
}

// Recorder observes cache activity. All methods must be safe for concurrent
// use.
type Recorder interface {
	Hit(method string)
	Miss(method string)
	Stored(method string)
	FetchError(method, code string)
	BackendError(op string)
}

// Invalidator propagates a cleared key beyond the local store, for example to
// other service instances holding their own copy.
type Invalidator interface {
	Invalidate(ctx context.Context, key string) error
}

type nopRecorder struct{}

func (nopRecorder) Hit(string)                {}
func (nopRecorder) Miss(string)               {}
func (nopRecorder) Stored(string)             {}
func (nopRecorder) FetchError(string, string) {}
func (nopRecorder) BackendError(string)       {}
