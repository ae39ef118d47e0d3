package storage

import (
	"context"
	"slotwatch/pkg/slotwatch"
	"strings"
)

// ListProxies loads every proxy record, active or not.
func (s *Store) ListProxies(ctx context.Context) ([]*slotwatch.ProxyRecord, error) {
	keys, err := s.list(ctx, proxyPrefix)
	if err != nil {
		return nil, err
	}
	recs := make([]*slotwatch.ProxyRecord, 0, len(keys))
	for _, key := range keys {
		var rec slotwatch.ProxyRecord
		if err := s.getJSON(ctx, key, &rec); err != nil {
			s.logger.Warn("Failed to load proxy record", "key", key, "error", err)
			continue
		}
		recs = append(recs, &rec)
	}
	return recs, nil
}

// SaveProxy writes one proxy record.
func (s *Store) SaveProxy(ctx context.Context, rec *slotwatch.ProxyRecord) error {
	key, err := objectKey(proxyPrefix, rec.ID)
	if err != nil {
		return err
	}
	return s.putJSON(ctx, key, rec)
}

// ProxyID derives a storage-safe id from an endpoint such as "10.0.0.1:3128".
func ProxyID(endpoint string) string {
	return strings.NewReplacer(".", "_", ":", "-", "/", "_", "@", "_").Replace(strings.TrimSpace(endpoint))
}
