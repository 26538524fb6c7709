// Package ipfs fetches job content from the IPFS network through the ipfs CLI.
package ipfs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"compute-broker/core/executor"
	"compute-broker/core/models"
	"compute-broker/storage"
)

// Fetcher retrieves content by CID. With Decrypt set the object is a
// gpg-encrypted archive that is decrypted for this job only.
type Fetcher struct {
	runner  executor.CommandRunner
	binary  string
	gpg     string
	decrypt bool
}

func NewFetcher(runner executor.CommandRunner, binary string) *Fetcher {
	return &Fetcher{runner: runner, binary: binary}
}

// NewEncryptedFetcher returns a fetcher for gpg-encrypted content.
func NewEncryptedFetcher(runner executor.CommandRunner, binary, gpgBinary string) *Fetcher {
	return &Fetcher{runner: runner, binary: binary, gpg: gpgBinary, decrypt: true}
}

func (f *Fetcher) Fetch(ctx context.Context, req storage.FetchRequest) (storage.FetchResult, error) {
	out := filepath.Join(req.Dir, req.Hash)
	cmd := executor.Command{Name: f.binary, Args: []string{"get", req.Hash, "--output=" + out}}
	if output, err := f.runner.Run(ctx, cmd); err != nil {
		return storage.FetchResult{}, fmt.Errorf("ipfs get %s: %w: %s", req.Hash, err, strings.TrimSpace(string(output)))
	}

	info, err := os.Stat(out)
	if err != nil {
		return storage.FetchResult{}, fmt.Errorf("ipfs get %s produced nothing: %w", req.Hash, err)
	}

	if f.decrypt {
		return f.decryptArchive(ctx, req, out)
	}

	repr := models.RepresentationFolder
	if !info.IsDir() {
		repr = models.RepresentationArchive
	}
	// ipfs get checks every block against the CID
	return storage.FetchResult{Path: out, Representation: repr, Verified: true, Cacheable: true}, nil
}

func (f *Fetcher) decryptArchive(ctx context.Context, req storage.FetchRequest, encrypted string) (storage.FetchResult, error) {
	if info, err := os.Stat(encrypted); err == nil && info.IsDir() {
		entries, err := os.ReadDir(encrypted)
		if err != nil || len(entries) != 1 {
			return storage.FetchResult{}, fmt.Errorf("expected one encrypted file under %s", req.Hash)
		}
		encrypted = filepath.Join(encrypted, entries[0].Name())
	}

	plain := filepath.Join(req.Dir, req.Hash+".tar.gz")
	cmd := executor.Command{Name: f.gpg, Args: []string{"--batch", "--yes", "--output", plain, "--decrypt", encrypted}}
	if output, err := f.runner.Run(ctx, cmd); err != nil {
		return storage.FetchResult{}, fmt.Errorf("gpg decrypt %s: %w: %s", req.Hash, err, strings.TrimSpace(string(output)))
	}
	slog.DebugContext(ctx, "decrypted content", "hash", req.Hash)
	return storage.FetchResult{Path: plain, Representation: models.RepresentationArchive, Verified: true, Cacheable: false}, nil
}

// Hasher computes CIDs of local content without adding it to the node.
type Hasher struct {
	runner executor.CommandRunner
	binary string
}

func NewHasher(runner executor.CommandRunner, binary string) *Hasher {
	return &Hasher{runner: runner, binary: binary}
}

func (h *Hasher) Checksum(ctx context.Context, path string) (string, error) {
	output, err := h.runner.Run(ctx, executor.Command{Name: h.binary, Args: []string{"add", "-Q", "-n", "-r", path}})
	if err != nil {
		return "", fmt.Errorf("ipfs add --only-hash %s: %w: %s", path, err, strings.TrimSpace(string(output)))
	}
	lines := strings.Fields(strings.TrimSpace(string(output)))
	if len(lines) == 0 {
		return "", fmt.Errorf("ipfs add --only-hash %s returned nothing", path)
	}
	return lines[len(lines)-1], nil
}
