package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// LocalUser maps a ledger requester address to the local system account
// that runs its jobs.
func LocalUser(requester string) string {
	sum := md5.Sum([]byte(strings.ToLower(requester)))
	return hex.EncodeToString(sum[:])
}

// Workspace is the working directory of one job event:
//
//	<program_dir>/<owner>/<jobKey>_<index>/
//	    JOB_TO_RUN/   source code, run.sh at the root
//	    data/         extra content folders, one per hash
//	    data_link/    symlinks to data/ folders named by their md5
type Workspace struct {
	Root    string
	RunDir  string
	DataDir string
	LinkDir string
}

// NewWorkspace lays out the workspace paths without touching the disk.
func NewWorkspace(programDir, owner, jobKey string, index uint32) Workspace {
	root := filepath.Join(programDir, owner, jobKey+"_"+strconv.FormatUint(uint64(index), 10))
	return Workspace{
		Root:    root,
		RunDir:  filepath.Join(root, "JOB_TO_RUN"),
		DataDir: filepath.Join(root, "data"),
		LinkDir: filepath.Join(root, "data_link"),
	}
}

// Prepare recreates the workspace from scratch.
func (w Workspace) Prepare() error {
	if err := os.RemoveAll(w.Root); err != nil {
		return fmt.Errorf("clearing workspace: %w", err)
	}
	for _, dir := range []string{w.DataDir, w.LinkDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// DataPath is where the folder for hash is staged.
func (w Workspace) DataPath(hash string) string {
	return filepath.Join(w.DataDir, hash)
}

// LinkData links every data folder under data_link/ by its md5 and checks
// that the link resolves to identical content. It returns folder name to md5.
func (w Workspace) LinkData(ctx context.Context) (map[string]string, error) {
	entries, err := os.ReadDir(w.DataDir)
	if err != nil {
		return nil, fmt.Errorf("listing data folders: %w", err)
	}

	checksummer := MD5Checksummer{}
	linked := make(map[string]string)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		target := filepath.Join(w.DataDir, entry.Name())
		sum, err := checksummer.Checksum(ctx, target)
		if err != nil {
			return nil, err
		}

		link := filepath.Join(w.LinkDir, sum)
		_ = os.Remove(link)
		if err := os.Symlink(target, link); err != nil {
			return nil, fmt.Errorf("linking %s: %w", target, err)
		}
		linkedSum, err := checksummer.Checksum(ctx, link)
		if err != nil {
			return nil, err
		}
		if linkedSum != sum {
			return nil, fmt.Errorf("linked folder %s hashes to %s, want %s", link, linkedSum, sum)
		}
		linked[entry.Name()] = sum
	}
	return linked, nil
}
