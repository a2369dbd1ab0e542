package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	httpserver "github.com/fairyhunter13/creator-discovery/internal/adapter/httpserver"
	"github.com/fairyhunter13/creator-discovery/internal/domain"
)

type seedFile struct {
	Keys []seedKey `yaml:"keys"`
}

type seedKey struct {
	ID           string  `yaml:"id"`
	Name         string  `yaml:"name"`
	Key          string  `yaml:"key"`
	KeyHash      string  `yaml:"key_hash"`
	RatePerSec   float64 `yaml:"rate_per_sec"`
	Burst        int     `yaml:"burst"`
	ActiveCap    int     `yaml:"active_cap"`
	MonthlyQuota int     `yaml:"monthly_quota"`
}

// seedAPIKeys upserts principals from a YAML file at startup. Raw keys
// are hashed before they reach the repository; the file may instead
// carry precomputed hashes.
func seedAPIKeys(ctx context.Context, repo domain.APIKeyRepository, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("op=seed.read: %w", err)
	}
	var doc seedFile
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("op=seed.parse: %w", err)
	}
	for i, k := range doc.Keys {
		hash := strings.TrimSpace(k.KeyHash)
		if hash == "" {
			if strings.TrimSpace(k.Key) == "" {
				return fmt.Errorf("op=seed: entry %d has neither key nor key_hash", i)
			}
			hash = httpserver.HashAPIKey(strings.TrimSpace(k.Key))
		}
		if k.ID == "" || k.Name == "" {
			return fmt.Errorf("op=seed: entry %d missing id or name", i)
		}
		if err := repo.Upsert(ctx, domain.APIKey{
			ID:           k.ID,
			Name:         k.Name,
			KeyHash:      hash,
			RatePerSec:   k.RatePerSec,
			Burst:        k.Burst,
			ActiveCap:    k.ActiveCap,
			MonthlyQuota: k.MonthlyQuota,
		}); err != nil {
			return fmt.Errorf("op=seed.upsert: %w", err)
		}
	}
	slog.Info("api keys seeded", slog.Int("count", len(doc.Keys)), slog.String("file", path))
	return nil
}
