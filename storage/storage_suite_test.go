package storage_test

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"compute-broker/storage"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestStorage(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Storage Suite")
}

// writeJobFolder creates a folder with an entry point and one data file.
func writeJobFolder(dir, payload string) {
	Expect(os.MkdirAll(dir, 0o755)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(dir, "run.sh"), []byte("#!/bin/bash\necho "+payload+"\n"), 0o755)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(dir, "input.txt"), []byte(payload), 0o644)).To(Succeed())
}

// writeArchive packs src into a .tar.gz whose entries sit under top/.
func writeArchive(src, archivePath, top string) {
	Expect(os.MkdirAll(filepath.Dir(archivePath), 0o755)).To(Succeed())
	f, err := os.Create(archivePath)
	Expect(err).NotTo(HaveOccurred())
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	err = filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		name := top
		if rel != "." {
			name = filepath.ToSlash(filepath.Join(top, rel))
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = name
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		_, err = tw.Write(data)
		return err
	})
	Expect(err).NotTo(HaveOccurred())
	Expect(tw.Close()).To(Succeed())
	Expect(gz.Close()).To(Succeed())
}

func md5Of(path string) string {
	sum, err := storage.MD5Checksummer{}.Checksum(context.Background(), path)
	Expect(err).NotTo(HaveOccurred())
	return sum
}
