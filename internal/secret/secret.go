// Package secret provides the signing-key capability used by webhook
// delivery. The key is passed explicitly to its users so tests can substitute
// a fixed value.
package secret

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrRefEmpty             = errors.New("secret ref is empty")
	ErrRefUnsupportedScheme = errors.New("unsupported secret ref scheme")
	ErrRefNotFound          = errors.New("secret ref not found")
	ErrRefInvalidValue      = errors.New("secret ref resolved to invalid value")
)

// KeySource yields the key material.
type KeySource interface {
	Key(ctx context.Context) ([]byte, error)
}

// Static is a fixed key.
type Static []byte

func (s Static) Key(context.Context) ([]byte, error) {
	if len(s) == 0 {
		return nil, ErrRefInvalidValue
	}
	return s, nil
}

// Cached fetches the key once and reuses it for the life of the process.
// A failed fetch is not remembered; the next call tries again.
type Cached struct {
	fetch func(ctx context.Context) ([]byte, error)

	mu  sync.Mutex
	key []byte
}

// NewCached wraps fetch.
func NewCached(fetch func(ctx context.Context) ([]byte, error)) *Cached {
	return &Cached{fetch: fetch}
}

// FromRef returns a Cached source resolving ref on first use.
func FromRef(ref string) *Cached {
	return NewCached(func(context.Context) ([]byte, error) {
		v, err := Resolve(ref)
		if err != nil {
			return nil, err
		}
		return []byte(v), nil
	})
}

func (c *Cached) Key(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key != nil {
		return c.key, nil
	}
	key, err := c.fetch(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "fetch key")
	}
	if len(key) == 0 {
		return nil, ErrRefInvalidValue
	}
	c.key = key
	return key, nil
}

// ValidateRef checks the format of ref without resolving it.
func ValidateRef(ref string) error {
	_, _, err := parseRef(ref)
	return err
}

// Resolve reads the secret referenced by ref. Supported forms are
// "ENV:NAME" and "FILE:/absolute/path".
func Resolve(ref string) (string, error) {
	scheme, target, err := parseRef(ref)
	if err != nil {
		return "", err
	}

	switch scheme {
	case "ENV":
		v, ok := os.LookupEnv(target)
		if !ok {
			return "", errors.Wrapf(ErrRefNotFound, "env %s", target)
		}
		return validateValue(v)
	default:
		b, err := os.ReadFile(target)
		if err != nil {
			if os.IsNotExist(err) {
				return "", errors.Wrapf(ErrRefNotFound, "file %s", target)
			}
			return "", errors.Wrap(err, "read secret file")
		}
		return validateValue(string(b))
	}
}

func parseRef(ref string) (scheme, target string, err error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", "", ErrRefEmpty
	}
	scheme, target, ok := strings.Cut(ref, ":")
	if !ok {
		return "", "", ErrRefUnsupportedScheme
	}
	target = strings.TrimSpace(target)
	switch scheme {
	case "ENV":
		if target == "" {
			return "", "", ErrRefEmpty
		}
	case "FILE":
		if target == "" {
			return "", "", ErrRefEmpty
		}
		if !filepath.IsAbs(target) {
			return "", "", errors.New("FILE: secret ref must be an absolute path")
		}
	default:
		return "", "", ErrRefUnsupportedScheme
	}
	return scheme, target, nil
}

func validateValue(v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" || strings.ContainsAny(v, "\n\r") {
		return "", ErrRefInvalidValue
	}
	return v, nil
}
