package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// ErrUnavailable indicates no object store is configured.
var ErrUnavailable = errors.New("asset storage unavailable")

// AssetStorage persists binary assets and returns their public location.
type AssetStorage interface {
	Save(ctx context.Context, key, contentType string, r io.Reader) (string, error)
}

// Prefixed namespaces every key of base under prefix, e.g. one folder per user.
func Prefixed(base AssetStorage, prefix string) AssetStorage {
	return &prefixedStorage{prefix: prefix, base: base}
}

type prefixedStorage struct {
	prefix string
	base   AssetStorage
}

func (p *prefixedStorage) Save(ctx context.Context, key, contentType string, r io.Reader) (string, error) {
	if p.base == nil {
		return "", fmt.Errorf("prefix storage: %w", ErrUnavailable)
	}
	full := path.Join(p.prefix, key)
	if strings.Trim(full, "/.") == "" {
		return "", errors.New("prefix storage: empty key")
	}
	return p.base.Save(ctx, full, contentType, r)
}
