// Package registry tracks the versioned stores materialized on a backend and
// owns the "<prefix>-<version>" naming scheme.
package registry

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"precache/internal/cache"
)

const separator = "-"

// Registry enumerates, opens and deletes the stores of one backend. It is
// the only path through which lifecycle code touches stores.
type Registry struct {
	backend cache.Backend
}

func New(backend cache.Backend) *Registry {
	return &Registry{backend: backend}
}

func (r *Registry) Backend() cache.Backend {
	return r.backend
}

func (r *Registry) Open(ctx context.Context, name string) (cache.Store, error) {
	return r.backend.Open(ctx, name)
}

// ListStoreNames returns every materialized store name in no particular
// order.
func (r *Registry) ListStoreNames(ctx context.Context) ([]string, error) {
	return r.backend.Names(ctx)
}

// Has reports whether the named store is materialized in the backend.
func (r *Registry) Has(ctx context.Context, name string) (bool, error) {
	names, err := r.backend.Names(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(names, name), nil
}

func (r *Registry) Delete(ctx context.Context, name string) (bool, error) {
	return r.backend.Delete(ctx, name)
}

// DeleteWhere deletes every store whose name satisfies pred and returns how
// many stores were actually removed.
func (r *Registry) DeleteWhere(ctx context.Context, pred func(name string) bool) (int, error) {
	names, err := r.backend.Names(ctx)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, name := range names {
		if !pred(name) {
			continue
		}
		ok, err := r.backend.Delete(ctx, name)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}

// StoreName joins prefix and version into a store name.
func StoreName(prefix, version string) string {
	return prefix + separator + version
}

// ParseStoreName splits name at its last separator. A prefix may contain
// the separator, a version may not.
func ParseStoreName(name string) (prefix, version string, ok bool) {
	i := strings.LastIndex(name, separator)
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}

// StaleVersionOf matches stores of the prefix family whose version differs
// from current.
func StaleVersionOf(prefix, current string) func(name string) bool {
	return func(name string) bool {
		p, v, ok := ParseStoreName(name)
		return ok && p == prefix && v != current
	}
}

// ValidateVersion rejects versions that would not round-trip through
// ParseStoreName.
func ValidateVersion(version string) error {
	if version == "" {
		return fmt.Errorf("version must not be empty")
	}
	if strings.Contains(version, separator) {
		return fmt.Errorf("version %q must not contain %q", version, separator)
	}
	if strings.ContainsAny(version, `/\`) {
		return fmt.Errorf("version %q must not contain path separators", version)
	}
	return nil
}

// ValidatePrefix rejects prefixes that cannot name a store.
func ValidatePrefix(prefix string) error {
	if prefix == "" {
		return fmt.Errorf("prefix must not be empty")
	}
	if strings.HasPrefix(prefix, ".") || strings.ContainsAny(prefix, `/\`) {
		return fmt.Errorf("prefix %q is not a valid store name", prefix)
	}
	return nil
}
