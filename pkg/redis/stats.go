package redis

import (
	"context"
	"sort"
	"strconv"
	"time"
)

// StatsStore mirrors usage statistics into Redis.
type StatsStore struct {
	client *Client
}

// NewStatsStore creates a new StatsStore
func NewStatsStore(client *Client) *StatsStore {
	return &StatsStore{client: client}
}

// StatsTTL is the retention window for usage statistics (30 days)
const StatsTTL = 30 * 24 * time.Hour

// HourlyStats represents usage statistics for a single hour
type HourlyStats struct {
	Hour     string                  `json:"hour"` // "2026-02-08T14"
	Total    int64                   `json:"total"`
	Families map[string]*FamilyStats `json:"families"`
}

// FamilyStats represents statistics for a model family
type FamilyStats struct {
	Subtotal int64            `json:"subtotal"`
	Models   map[string]int64 `json:"models"`
}

// RecordRequest records a single request for statistics
func (s *StatsStore) RecordRequest(ctx context.Context, modelFamily, modelShortName string) error {
	key := PrefixStats + getCurrentHourKey()

	if _, err := s.client.HIncrBy(ctx, key, "_total", 1); err != nil {
		return err
	}
	if _, err := s.client.HIncrBy(ctx, key, modelFamily+":_subtotal", 1); err != nil {
		return err
	}
	if _, err := s.client.HIncrBy(ctx, key, modelFamily+":"+modelShortName, 1); err != nil {
		return err
	}

	return s.client.Expire(ctx, key, StatsTTL)
}

// GetHourlyStats retrieves statistics for a specific hour
func (s *StatsStore) GetHourlyStats(ctx context.Context, hourKey string) (*HourlyStats, error) {
	data, err := s.client.HGetAll(ctx, PrefixStats+hourKey)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	stats := &HourlyStats{
		Hour:     hourKey,
		Families: make(map[string]*FamilyStats),
	}

	for field, value := range data {
		count, _ := strconv.ParseInt(value, 10, 64)

		if field == "_total" {
			stats.Total = count
			continue
		}

		family, model := parseStatsField(field)
		if family == "" {
			continue
		}

		if _, ok := stats.Families[family]; !ok {
			stats.Families[family] = &FamilyStats{
				Models: make(map[string]int64),
			}
		}

		if model == "_subtotal" {
			stats.Families[family].Subtotal = count
		} else {
			stats.Families[family].Models[model] = count
		}
	}

	return stats, nil
}

// GetHistory retrieves historical statistics for the specified number of days
func (s *StatsStore) GetHistory(ctx context.Context, days int) (map[string]*HourlyStats, error) {
	if days <= 0 {
		days = 30
	}

	keys, err := s.client.ScanAll(ctx, PrefixStats+"*")
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().AddDate(0, 0, -days)
	history := make(map[string]*HourlyStats)

	for _, key := range keys {
		hourKey := key[len(PrefixStats):]

		t, err := time.Parse("2006-01-02T15", hourKey)
		if err != nil {
			continue
		}
		if t.Before(cutoff) {
			continue
		}

		stats, err := s.GetHourlyStats(ctx, hourKey)
		if err != nil {
			continue
		}
		if stats != nil {
			history[hourKey] = stats
		}
	}

	return history, nil
}

// GetSortedHistory returns history sorted chronologically
func (s *StatsStore) GetSortedHistory(ctx context.Context, days int) ([]*HourlyStats, error) {
	history, err := s.GetHistory(ctx, days)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(history))
	for k := range history {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make([]*HourlyStats, len(keys))
	for i, k := range keys {
		result[i] = history[k]
	}

	return result, nil
}

// PruneOldStats removes statistics older than the specified number of days
func (s *StatsStore) PruneOldStats(ctx context.Context, days int) (int, error) {
	if days <= 0 {
		days = 30
	}

	cutoff := time.Now().AddDate(0, 0, -days)

	keys, err := s.client.ScanAll(ctx, PrefixStats+"*")
	if err != nil {
		return 0, err
	}

	var pruned int
	for _, key := range keys {
		hourKey := key[len(PrefixStats):]

		t, err := time.Parse("2006-01-02T15", hourKey)
		if err != nil {
			continue
		}

		if t.Before(cutoff) {
			if err := s.client.Delete(ctx, key); err == nil {
				pruned++
			}
		}
	}

	return pruned, nil
}

// getCurrentHourKey returns the current hour in the format used for stats keys
func getCurrentHourKey() string {
	return time.Now().UTC().Format("2006-01-02T15")
}

// parseStatsField parses a stats field into family and model components
func parseStatsField(field string) (family, model string) {
	for i := 0; i < len(field); i++ {
		if field[i] == ':' {
			return field[:i], field[i+1:]
		}
	}
	return "", ""
}
