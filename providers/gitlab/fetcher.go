// Package gitlab fetches job source trees as repository archives.
package gitlab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"compute-broker/core/models"
	"compute-broker/storage"

	gitlab "gitlab.com/gitlab-org/api/client-go"
)

// archiver is the part of the repositories API the fetcher needs.
type archiver interface {
	Archive(pid any, opt *gitlab.ArchiveOptions, options ...gitlab.RequestOptionFunc) ([]byte, *gitlab.Response, error)
}

// Fetcher downloads the archive of a project at a ref. The share token names
// the project as "group/project" or "group/project@ref".
type Fetcher struct {
	repos archiver
}

func NewFetcher(baseURL, token string) (*Fetcher, error) {
	var opts []gitlab.ClientOptionFunc
	if baseURL != "" {
		opts = append(opts, gitlab.WithBaseURL(strings.TrimSuffix(baseURL, "/")+"/api/v4"))
	}
	client, err := gitlab.NewClient(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gitlab client: %w", err)
	}
	return &Fetcher{repos: client.Repositories}, nil
}

func parseToken(token string) (project, ref string) {
	project, ref, _ = strings.Cut(token, "@")
	return project, ref
}

func (f *Fetcher) Fetch(ctx context.Context, req storage.FetchRequest) (storage.FetchResult, error) {
	project, ref := parseToken(req.Token)
	if project == "" {
		return storage.FetchResult{}, &models.FetchError{
			Kind:      models.FetchContentUnavailable,
			Hash:      req.Hash,
			StorageID: models.StorageGitHub,
			Err:       errors.New("no project given"),
		}
	}

	opt := &gitlab.ArchiveOptions{Format: gitlab.Ptr("tar.gz")}
	if ref != "" {
		opt.SHA = gitlab.Ptr(ref)
	}
	data, resp, err := f.repos.Archive(project, opt, gitlab.WithContext(ctx))
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return storage.FetchResult{}, &models.FetchError{
				Kind:      models.FetchContentUnavailable,
				Hash:      req.Hash,
				StorageID: models.StorageGitHub,
				Err:       fmt.Errorf("project %s not found", project),
			}
		}
		return storage.FetchResult{}, fmt.Errorf("downloading archive of %s: %w", project, err)
	}

	archive := filepath.Join(req.Dir, "archive.tar.gz")
	if err := os.WriteFile(archive, data, 0o644); err != nil {
		return storage.FetchResult{}, err
	}
	// repository archives are not byte-stable, so the tree is hashed instead
	out := filepath.Join(req.Dir, req.Hash)
	if err := storage.ExtractArchive(archive, out); err != nil {
		return storage.FetchResult{}, fmt.Errorf("extracting archive of %s: %w", project, err)
	}
	if err := os.Remove(archive); err != nil {
		return storage.FetchResult{}, err
	}
	return storage.FetchResult{Path: out, Representation: models.RepresentationFolder, Cacheable: true}, nil
}
