package storage

import (
	"context"
	"slotwatch/pkg/slotwatch"
)

// SaveBundle writes the session bundle for its context.
func (s *Store) SaveBundle(ctx context.Context, b *slotwatch.SessionBundle) error {
	key, err := objectKey(bundlePrefix, b.Key.String())
	if err != nil {
		return err
	}
	if err := s.putJSON(ctx, key, b); err != nil {
		return err
	}
	s.logger.Info("Session bundle persisted", "key", key, "dates", len(b.Catalog), "valid", b.Valid)
	return nil
}

// ListBundles loads every persisted session bundle.
func (s *Store) ListBundles(ctx context.Context) ([]*slotwatch.SessionBundle, error) {
	keys, err := s.list(ctx, bundlePrefix)
	if err != nil {
		return nil, err
	}
	bundles := make([]*slotwatch.SessionBundle, 0, len(keys))
	for _, key := range keys {
		var b slotwatch.SessionBundle
		if err := s.getJSON(ctx, key, &b); err != nil {
			s.logger.Warn("Failed to load session bundle", "key", key, "error", err)
			continue
		}
		bundles = append(bundles, &b)
	}
	return bundles, nil
}
