// Package cachekey derives deterministic cache keys from a fetch request and
// the identity of its caller.
package cachekey

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/illmade-knight/go-fetchcache/pkg/fetch"
	"lukechampine.com/blake3"
)

// DefaultPrefix namespaces keys produced by a Deriver with no prefix set.
const DefaultPrefix = "fetch"

// Key is a derived cache key.
type Key string

func (k Key) String() string {
	return string(k)
}

// material is the canonical form that gets hashed. encoding/json writes map
// keys in sorted order, so equal params always encode identically.
type material struct {
	Method string         `json:"m"`
	UserID string         `json:"u"`
	Origin string         `json:"o"`
	Params map[string]any `json:"p"`
}

// Deriver builds keys of the form <prefix>:<method>:<blake3 hex>.
type Deriver struct {
	prefix string
}

// NewDeriver creates a Deriver. An empty prefix falls back to DefaultPrefix.
func NewDeriver(prefix string) Deriver {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Deriver{prefix: prefix}
}

// Derive returns the key for req made by id. It fails only when the request
// has no method or its params cannot be encoded.
func (d Deriver) Derive(req fetch.Request, id fetch.Identity) (Key, error) {
	if req.Method == "" {
		return "", errors.New("cannot derive cache key: request method is empty")
	}
	params := req.Params
	if params == nil {
		params = map[string]any{}
	}

	raw, err := json.Marshal(material{
		Method: req.Method,
		UserID: id.UserID,
		Origin: id.Origin,
		Params: params,
	})
	if err != nil {
		return "", fmt.Errorf("cannot derive cache key for %s: %w", req.Method, err)
	}

	sum := blake3.Sum256(raw)
	return Key(d.prefix + ":" + req.Method + ":" + hex.EncodeToString(sum[:])), nil
}

// Derive is shorthand for NewDeriver("").Derive.
func Derive(req fetch.Request, id fetch.Identity) (Key, error) {
	return NewDeriver("").Derive(req, id)
}
