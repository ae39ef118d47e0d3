package storage

import (
	"context"
	"fmt"
	"slotwatch/pkg/slotwatch"
	"time"
)

// SaveSubscription writes a subscription. Subscriptions are owned by the external API;
// this exists for seeding and tests.
func (s *Store) SaveSubscription(ctx context.Context, sub *slotwatch.Subscription) error {
	key, err := objectKey(subscriptionPrefix, sub.ID)
	if err != nil {
		return err
	}
	if err := s.putJSON(ctx, key, sub); err != nil {
		return err
	}
	s.logger.Debug("Subscription saved", "key", key, "dates", len(sub.Dates))
	return nil
}

// LoadSubscription reads one subscription by id.
func (s *Store) LoadSubscription(ctx context.Context, id string) (*slotwatch.Subscription, error) {
	key, err := objectKey(subscriptionPrefix, id)
	if err != nil {
		return nil, err
	}
	var sub slotwatch.Subscription
	if err := s.getJSON(ctx, key, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// ListSubscriptions lists all subscriptions. Unreadable objects are logged and skipped.
func (s *Store) ListSubscriptions(ctx context.Context) ([]*slotwatch.Subscription, error) {
	keys, err := s.list(ctx, subscriptionPrefix)
	if err != nil {
		return nil, err
	}
	subs := make([]*slotwatch.Subscription, 0, len(keys))
	for _, key := range keys {
		var sub slotwatch.Subscription
		if err := s.getJSON(ctx, key, &sub); err != nil {
			s.logger.Warn("Failed to load subscription", "key", key, "error", err)
			continue
		}
		subs = append(subs, &sub)
	}
	return subs, nil
}

// ListDue returns the active subscriptions whose interval, floored to floor, has elapsed.
func (s *Store) ListDue(ctx context.Context, now time.Time, floor time.Duration) ([]*slotwatch.Subscription, error) {
	all, err := s.ListSubscriptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	var due []*slotwatch.Subscription
	for _, sub := range all {
		if sub.Due(now, floor) {
			due = append(due, sub)
		}
	}
	return due, nil
}

// MarkChecked records the check time and aggregated status on a subscription. Only these
// two fields are touched so concurrent edits by the subscription API survive.
func (s *Store) MarkChecked(ctx context.Context, id string, status slotwatch.Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, err := s.LoadSubscription(ctx, id)
	if err != nil {
		return fmt.Errorf("load subscription %s: %w", id, err)
	}
	sub.LastChecked = at
	sub.LastStatus = status
	return s.SaveSubscription(ctx, sub)
}
