// Package cache implements the download-cache registry: a Redis-backed map
// from a download source to the local path it was already fetched to, so
// repeated model.download calls for the same {kind, repo, revision} (or
// {kind, path}) short-circuit instead of re-fetching.
//
// This answers spec.md §9's first Open Question in favor of "use an
// engine-default cache" for huggingface sources with no modelsDir: the
// registry is keyed against the resolved models directory, which is the
// caller's modelsDir when one was given and the configured default (see
// internal/config) otherwise.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kakaly/mlxhost/internal/protocol"
)

// Entry is one cached download result.
type Entry struct {
	Model     string    `json:"model"`
	LocalPath string    `json:"localPath"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// Registry looks up and records download results in Redis.
type Registry struct {
	client    *redis.Client
	keyPrefix string
}

// NewRegistry wraps an existing Redis client. keyPrefix namespaces keys
// (e.g. "mlxhost:downloads:") so the registry can share a Redis instance
// with other tenants.
func NewRegistry(client *redis.Client, keyPrefix string) *Registry {
	if keyPrefix == "" {
		keyPrefix = "mlxhost:downloads:"
	}
	return &Registry{client: client, keyPrefix: keyPrefix}
}

func (r *Registry) key(source protocol.DownloadSource, modelsDir string) string {
	switch source.Kind {
	case protocol.DownloadSourceHuggingFace:
		return fmt.Sprintf("%s%s:hf:%s@%s", r.keyPrefix, modelsDir, source.Repo, source.Revision)
	default:
		return fmt.Sprintf("%s%s:local:%s", r.keyPrefix, modelsDir, source.Path)
	}
}

// Lookup returns the cached entry for source, if any.
func (r *Registry) Lookup(ctx context.Context, source protocol.DownloadSource, modelsDir string) (Entry, bool, error) {
	raw, err := r.client.Get(ctx, r.key(source, modelsDir)).Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: looking up download entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("cache: decoding download entry: %w", err)
	}
	return entry, true, nil
}

// Record stores the fetched result for source so future downloads of the
// same source short-circuit.
func (r *Registry) Record(ctx context.Context, source protocol.DownloadSource, modelsDir string, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: encoding download entry: %w", err)
	}
	if err := r.client.Set(ctx, r.key(source, modelsDir), raw, 0).Err(); err != nil {
		return fmt.Errorf("cache: recording download entry: %w", err)
	}
	return nil
}

// Clear removes every entry under this registry's key prefix. Used by
// reset{clearCache: true}.
func (r *Registry) Clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.keyPrefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache: scanning entries: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache: clearing entries: %w", err)
	}
	return nil
}
