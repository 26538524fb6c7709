package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"compute-broker/core/models"
)

// ErrCacheMiss is returned when no verified copy of a hash exists locally.
var ErrCacheMiss = errors.New("content not cached")

// CacheRegistry records verified cache entries.
type CacheRegistry interface {
	RecordCacheEntry(ctx context.Context, entry models.CacheEntry) error
}

// ContentCache finds verified content in the public and per-requester
// private cache directories.
type ContentCache struct {
	programDir string
	verifier   *HashVerifier
	registry   CacheRegistry

	mu        sync.Mutex
	locations map[string]models.CacheEntry
}

// NewContentCache creates a cache rooted at programDir. The public tier lives
// in <programDir>/cache and the private tier in <programDir>/<owner>/cache.
// registry may be nil.
func NewContentCache(programDir string, verifier *HashVerifier, registry CacheRegistry) *ContentCache {
	return &ContentCache{
		programDir: programDir,
		verifier:   verifier,
		registry:   registry,
		locations:  make(map[string]models.CacheEntry),
	}
}

// TierDir returns the directory holding a tier's entries.
func (c *ContentCache) TierDir(tier models.CacheType, owner string) (string, error) {
	switch tier {
	case models.CacheTypePublic:
		return filepath.Join(c.programDir, "cache"), nil
	case models.CacheTypePrivate:
		if owner == "" {
			return "", fmt.Errorf("private cache needs an owner")
		}
		return filepath.Join(c.programDir, owner, "cache"), nil
	}
	return "", fmt.Errorf("unknown cache tier %d", uint8(tier))
}

// lookupOrder lists the tiers searched for a hint. Private content may fall
// back to the public tier but never the reverse.
func lookupOrder(hint models.CacheType) ([]models.CacheType, error) {
	switch hint {
	case models.CacheTypePrivate:
		return []models.CacheType{models.CacheTypePrivate, models.CacheTypePublic}, nil
	case models.CacheTypePublic:
		return []models.CacheType{models.CacheTypePublic}, nil
	}
	return nil, fmt.Errorf("unknown cache tier %d", uint8(hint))
}

// Lookup returns a verified entry for hash. Entries must carry the entry
// point script, at the root of a folder or one folder deep in an archive.
func (c *ContentCache) Lookup(ctx context.Context, hash string, hint models.CacheType, owner string) (models.CacheEntry, error) {
	return c.lookup(ctx, hash, hint, owner, true)
}

func (c *ContentCache) lookup(ctx context.Context, hash string, hint models.CacheType, owner string, requireEntryPoint bool) (models.CacheEntry, error) {
	tiers, err := lookupOrder(hint)
	if err != nil {
		return models.CacheEntry{}, err
	}
	for _, tier := range tiers {
		entry, err := c.lookupTier(ctx, hash, tier, owner, requireEntryPoint)
		if errors.Is(err, ErrCacheMiss) {
			continue
		}
		if err != nil {
			return models.CacheEntry{}, err
		}
		c.remember(ctx, entry)
		return entry, nil
	}
	return models.CacheEntry{}, ErrCacheMiss
}

func (c *ContentCache) lookupTier(ctx context.Context, hash string, tier models.CacheType, owner string, requireEntryPoint bool) (models.CacheEntry, error) {
	dir, err := c.TierDir(tier, owner)
	if err != nil {
		return models.CacheEntry{}, err
	}

	archive := filepath.Join(dir, hash+".tar.gz")
	if info, err := os.Stat(archive); err == nil && info.Mode().IsRegular() {
		if requireEntryPoint && !archiveHasEntryPoint(ctx, archive) {
			return models.CacheEntry{}, ErrCacheMiss
		}
		if c.verified(ctx, archive, hash) {
			return models.CacheEntry{
				Hash:           hash,
				Tier:           tier,
				Representation: models.RepresentationArchive,
				Path:           archive,
				Verified:       true,
			}, nil
		}
	}

	folder := filepath.Join(dir, hash)
	if info, err := os.Stat(folder); err == nil && info.IsDir() {
		if requireEntryPoint && !HasEntryPoint(folder) {
			return models.CacheEntry{}, ErrCacheMiss
		}
		if c.verified(ctx, folder, hash) {
			return models.CacheEntry{
				Hash:           hash,
				Tier:           tier,
				Representation: models.RepresentationFolder,
				Path:           folder,
				Verified:       true,
			}, nil
		}
	}

	return models.CacheEntry{}, ErrCacheMiss
}

func archiveHasEntryPoint(ctx context.Context, archive string) bool {
	ok, err := ArchiveHasEntryPoint(archive)
	if err != nil {
		slog.WarnContext(ctx, "unreadable cached archive", "path", archive, "error", err)
		return false
	}
	return ok
}

func (c *ContentCache) verified(ctx context.Context, path, hash string) bool {
	ok, err := c.verifier.Verify(ctx, path, hash)
	if err != nil {
		slog.WarnContext(ctx, "cache checksum failed", "path", path, "error", err)
		return false
	}
	if !ok {
		slog.WarnContext(ctx, "cached content does not match its hash", "path", path, "hash", hash)
	}
	return ok
}

// Store moves src into the tier directory under hash. src must live on the
// same filesystem as the tier, see StagingDir.
func (c *ContentCache) Store(ctx context.Context, hash string, tier models.CacheType, owner, src string, repr models.Representation) (models.CacheEntry, error) {
	dir, err := c.TierDir(tier, owner)
	if err != nil {
		return models.CacheEntry{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return models.CacheEntry{}, fmt.Errorf("creating cache dir: %w", err)
	}

	var target string
	switch repr {
	case models.RepresentationArchive:
		target = filepath.Join(dir, hash+".tar.gz")
	case models.RepresentationFolder:
		target = filepath.Join(dir, hash)
	default:
		return models.CacheEntry{}, fmt.Errorf("unknown representation %q", repr)
	}

	if err := os.RemoveAll(target); err != nil {
		return models.CacheEntry{}, fmt.Errorf("clearing stale cache entry: %w", err)
	}
	if err := os.Rename(src, target); err != nil {
		return models.CacheEntry{}, fmt.Errorf("moving %s into cache: %w", src, err)
	}

	entry := models.CacheEntry{
		Hash:           hash,
		Tier:           tier,
		Representation: repr,
		Path:           target,
		Verified:       true,
	}
	c.remember(ctx, entry)
	return entry, nil
}

// StagingDir creates a scratch directory next to the tier directory.
func (c *ContentCache) StagingDir(tier models.CacheType, owner string) (string, error) {
	dir, err := c.TierDir(tier, owner)
	if err != nil {
		return "", err
	}
	staging := filepath.Join(dir, ".staging")
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return "", err
	}
	return os.MkdirTemp(staging, "fetch-*")
}

// Location returns the last verified entry seen for hash.
func (c *ContentCache) Location(hash string) (models.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.locations[hash]
	return entry, ok
}

func (c *ContentCache) remember(ctx context.Context, entry models.CacheEntry) {
	entry.RecordedAt = time.Now()
	c.mu.Lock()
	c.locations[entry.Hash] = entry
	c.mu.Unlock()

	if c.registry == nil {
		return
	}
	if err := c.registry.RecordCacheEntry(ctx, entry); err != nil {
		slog.WarnContext(ctx, "failed to record cache entry", "hash", entry.Hash, "error", err)
	}
}
