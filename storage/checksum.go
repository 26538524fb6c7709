package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Checksummer computes the content hash of a file or folder.
type Checksummer interface {
	Checksum(ctx context.Context, path string) (string, error)
}

// MD5Checksummer hashes archives by their bytes and folders by a sorted
// manifest of relative paths and per-file digests.
type MD5Checksummer struct{}

func (MD5Checksummer) Checksum(_ context.Context, path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return folderMD5(resolved)
	}
	return fileMD5(resolved)
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func folderMD5(root string) (string, error) {
	h := md5.New()
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			fmt.Fprintf(h, "%s/\n", rel)
			return nil
		}
		sum, err := fileMD5(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(h, "%s\x00%s\n", rel, sum)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("hashing folder %s: %w", root, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// IsContentAddress reports whether hash is a content network identifier
// (base58 CIDv0) rather than an md5 digest.
func IsContentAddress(hash string) bool {
	return len(hash) == 46 && strings.HasPrefix(hash, "Qm")
}

// HashVerifier picks the checksum scheme matching the hash format.
type HashVerifier struct {
	md5     Checksummer
	content Checksummer
}

// NewHashVerifier uses content for content network identifiers. A nil
// content checksummer makes such hashes unverifiable.
func NewHashVerifier(content Checksummer) *HashVerifier {
	return &HashVerifier{md5: MD5Checksummer{}, content: content}
}

// Verify reports whether the content at path hashes to want.
func (v *HashVerifier) Verify(ctx context.Context, path, want string) (bool, error) {
	checksummer := v.md5
	if IsContentAddress(want) {
		if v.content == nil {
			return false, fmt.Errorf("no checksummer for content address %s", want)
		}
		checksummer = v.content
	}
	got, err := checksummer.Checksum(ctx, path)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(got, want), nil
}
