// Package gdrive downloads shared job content with the gdrive CLI.
package gdrive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"compute-broker/core/executor"
	"compute-broker/core/models"
	"compute-broker/storage"
)

// Fetcher downloads a Drive file or folder by id. The share token carries
// the id; without one the content hash is used.
type Fetcher struct {
	runner executor.CommandRunner
	binary string
}

func NewFetcher(runner executor.CommandRunner, binary string) *Fetcher {
	return &Fetcher{runner: runner, binary: binary}
}

func (f *Fetcher) Fetch(ctx context.Context, req storage.FetchRequest) (storage.FetchResult, error) {
	id := req.Token
	if id == "" {
		id = req.Hash
	}
	download := filepath.Join(req.Dir, "download")
	if err := os.MkdirAll(download, 0o755); err != nil {
		return storage.FetchResult{}, err
	}

	cmd := executor.Command{Name: f.binary, Args: []string{"download", "--recursive", "--path", download, id}}
	output, err := f.runner.Run(ctx, cmd)
	if err != nil {
		text := strings.TrimSpace(string(output))
		if strings.Contains(text, "File not found") || strings.Contains(text, "404") {
			return storage.FetchResult{}, &models.FetchError{
				Kind:      models.FetchContentUnavailable,
				Hash:      req.Hash,
				StorageID: models.StorageGDrive,
				Err:       fmt.Errorf("drive id %s: %s", id, text),
			}
		}
		return storage.FetchResult{}, fmt.Errorf("gdrive download %s: %w: %s", id, err, text)
	}

	entries, err := os.ReadDir(download)
	if err != nil {
		return storage.FetchResult{}, err
	}
	if len(entries) != 1 {
		return storage.FetchResult{}, fmt.Errorf("gdrive download %s produced %d entries", id, len(entries))
	}
	got := filepath.Join(download, entries[0].Name())
	if entries[0].IsDir() {
		return storage.FetchResult{Path: got, Representation: models.RepresentationFolder, Cacheable: true}, nil
	}
	if !strings.HasSuffix(entries[0].Name(), ".tar.gz") {
		return storage.FetchResult{}, fmt.Errorf("gdrive download %s: %s is neither a folder nor a .tar.gz", id, entries[0].Name())
	}
	return storage.FetchResult{Path: got, Representation: models.RepresentationArchive, Cacheable: true}, nil
}
