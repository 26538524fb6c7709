package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"compute-broker/core/models"
)

// FetchRequest asks a backend for the content named by Hash. Fetchers write
// into Dir, an empty scratch directory on the cache filesystem.
type FetchRequest struct {
	Hash  string
	Token string
	Dir   string
}

// FetchResult describes what a backend produced.
type FetchResult struct {
	Path           string
	Representation models.Representation
	// Verified is set by backends that address content by its hash.
	Verified bool
	// Cacheable is false for content that must not be kept, such as
	// decrypted private payloads.
	Cacheable bool
}

// Fetcher retrieves content from one storage backend. A missing object is
// reported as a *models.FetchError with Kind ContentUnavailable.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResult, error)
}

// ResolveRequest names content and where it must end up.
type ResolveRequest struct {
	Hash              string
	StorageID         models.StorageID
	Tier              models.CacheType
	Owner             string
	Token             string
	Destination       string
	RequireEntryPoint bool
}

// ResolveResult reports where staged content came from.
type ResolveResult struct {
	Entry    models.CacheEntry
	CacheHit bool
}

// Resolver materializes content into a working directory, from the cache
// when possible and from the storage backend otherwise.
type Resolver struct {
	cache    *ContentCache
	verifier *HashVerifier
	fetchers map[models.StorageID]Fetcher
}

func NewResolver(cache *ContentCache, verifier *HashVerifier, fetchers map[models.StorageID]Fetcher) *Resolver {
	return &Resolver{
		cache:    cache,
		verifier: verifier,
		fetchers: fetchers,
	}
}

// Resolve stages req.Hash into req.Destination. Content problems are
// returned as *models.FetchError and are not retried here.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (ResolveResult, error) {
	entry, err := r.cache.lookup(ctx, req.Hash, req.Tier, req.Owner, false)
	if err == nil {
		if req.RequireEntryPoint {
			// verified content cannot gain an entry point by refetching it
			if err := checkEntryPoint(FetchResult{Path: entry.Path, Representation: entry.Representation}); err != nil {
				return ResolveResult{}, missingEntryPoint(req, err)
			}
		}
		if err := r.stage(ctx, entry, req.Destination); err != nil {
			return ResolveResult{}, err
		}
		return ResolveResult{Entry: entry, CacheHit: true}, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		return ResolveResult{}, err
	}

	fetcher, ok := r.fetchers[req.StorageID]
	if !ok {
		return ResolveResult{}, &models.FetchError{
			Kind:      models.FetchContentUnavailable,
			Hash:      req.Hash,
			StorageID: req.StorageID,
			Err:       fmt.Errorf("no fetcher configured"),
		}
	}

	scratch, err := r.cache.StagingDir(req.Tier, req.Owner)
	if err != nil {
		return ResolveResult{}, fmt.Errorf("creating staging dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	slog.InfoContext(ctx, "fetching content", "hash", req.Hash, "storage_id", req.StorageID.String())
	res, err := fetcher.Fetch(ctx, FetchRequest{Hash: req.Hash, Token: req.Token, Dir: scratch})
	if err != nil {
		return ResolveResult{}, asFetchError(req, err)
	}

	if !res.Verified {
		ok, err := r.verifier.Verify(ctx, res.Path, req.Hash)
		if err != nil {
			return ResolveResult{}, fmt.Errorf("verifying fetched content: %w", err)
		}
		if !ok {
			return ResolveResult{}, &models.FetchError{
				Kind:      models.FetchContentUnavailable,
				Hash:      req.Hash,
				StorageID: req.StorageID,
				Err:       fmt.Errorf("fetched content does not match hash"),
			}
		}
	}

	if req.RequireEntryPoint {
		if err := checkEntryPoint(res); err != nil {
			return ResolveResult{}, missingEntryPoint(req, err)
		}
	}

	if !res.Cacheable {
		entry := models.CacheEntry{Hash: req.Hash, Tier: req.Tier, Representation: res.Representation, Path: res.Path, Verified: true}
		if err := r.place(entry, req.Destination); err != nil {
			return ResolveResult{}, err
		}
		return ResolveResult{Entry: entry}, nil
	}

	entry, err = r.cache.Store(ctx, req.Hash, req.Tier, req.Owner, res.Path, res.Representation)
	if err != nil {
		return ResolveResult{}, err
	}
	if err := r.stage(ctx, entry, req.Destination); err != nil {
		return ResolveResult{}, err
	}
	return ResolveResult{Entry: entry}, nil
}

func asFetchError(req ResolveRequest, err error) error {
	var fetchErr *models.FetchError
	if errors.As(err, &fetchErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &models.FetchError{
		Kind:      models.FetchContentUnavailable,
		Hash:      req.Hash,
		StorageID: req.StorageID,
		Err:       err,
	}
}

func missingEntryPoint(req ResolveRequest, err error) error {
	return &models.FetchError{
		Kind:      models.FetchMissingEntryPoint,
		Hash:      req.Hash,
		StorageID: req.StorageID,
		Err:       err,
	}
}

func checkEntryPoint(res FetchResult) error {
	switch res.Representation {
	case models.RepresentationArchive:
		ok, err := ArchiveHasEntryPoint(res.Path)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("archive has no */%s", EntryPoint)
		}
	case models.RepresentationFolder:
		if !HasEntryPoint(res.Path) {
			return fmt.Errorf("folder has no %s", EntryPoint)
		}
	default:
		return fmt.Errorf("unknown representation %q", res.Representation)
	}
	return nil
}

// stage copies a cache entry into dest and checks the copy against the hash
// before it becomes visible.
func (r *Resolver) stage(ctx context.Context, entry models.CacheEntry, dest string) error {
	tmp, err := stagingSibling(dest)
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	content := filepath.Join(tmp, "content")
	switch entry.Representation {
	case models.RepresentationArchive:
		copied := filepath.Join(tmp, entry.Hash+".tar.gz")
		if err := CopyFile(entry.Path, copied); err != nil {
			return fmt.Errorf("copying archive: %w", err)
		}
		if err := r.verifyStaged(ctx, copied, entry.Hash); err != nil {
			return err
		}
		if err := ExtractArchive(copied, content); err != nil {
			return fmt.Errorf("extracting archive: %w", err)
		}
	case models.RepresentationFolder:
		if err := CopyTree(entry.Path, content); err != nil {
			return fmt.Errorf("copying folder: %w", err)
		}
		if err := r.verifyStaged(ctx, content, entry.Hash); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown representation %q", entry.Representation)
	}

	return swapInto(content, dest)
}

// place moves uncached fetch output straight into dest.
func (r *Resolver) place(entry models.CacheEntry, dest string) error {
	tmp, err := stagingSibling(dest)
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	content := filepath.Join(tmp, "content")
	switch entry.Representation {
	case models.RepresentationArchive:
		if err := ExtractArchive(entry.Path, content); err != nil {
			return fmt.Errorf("extracting archive: %w", err)
		}
	case models.RepresentationFolder:
		if err := CopyTree(entry.Path, content); err != nil {
			return fmt.Errorf("copying folder: %w", err)
		}
	default:
		return fmt.Errorf("unknown representation %q", entry.Representation)
	}
	return swapInto(content, dest)
}

func (r *Resolver) verifyStaged(ctx context.Context, path, hash string) error {
	ok, err := r.verifier.Verify(ctx, path, hash)
	if err != nil {
		return fmt.Errorf("verifying staged copy: %w", err)
	}
	if !ok {
		return fmt.Errorf("staged copy of %s does not match its hash", hash)
	}
	return nil
}

func stagingSibling(dest string) (string, error) {
	parent := filepath.Dir(dest)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", parent, err)
	}
	return os.MkdirTemp(parent, "."+filepath.Base(dest)+".stage-*")
}

func swapInto(src, dest string) error {
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("clearing %s: %w", dest, err)
	}
	if err := os.Rename(src, dest); err != nil {
		return fmt.Errorf("moving staged content to %s: %w", dest, err)
	}
	return nil
}
