package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"compute-broker/core/models"
	"compute-broker/storage"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type recordingRegistry struct {
	mu      sync.Mutex
	entries []models.CacheEntry
}

func (r *recordingRegistry) RecordCacheEntry(_ context.Context, entry models.CacheEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

var _ = Describe("ContentCache", func() {
	var (
		ctx        context.Context
		programDir string
		registry   *recordingRegistry
		cache      *storage.ContentCache
		owner      string
		source     string
	)

	BeforeEach(func() {
		ctx = context.Background()
		programDir = GinkgoT().TempDir()
		registry = &recordingRegistry{}
		cache = storage.NewContentCache(programDir, storage.NewHashVerifier(nil), registry)
		owner = storage.LocalUser("0x4e4a0750350796164d8defc442a712b7557bf282")
		source = filepath.Join(GinkgoT().TempDir(), "src")
		writeJobFolder(source, "hello")
	})

	tierDir := func(tier models.CacheType) string {
		dir, err := cache.TierDir(tier, owner)
		Expect(err).NotTo(HaveOccurred())
		return dir
	}

	Context("archive form", func() {
		It("returns a verified hit", func() {
			archive := filepath.Join(GinkgoT().TempDir(), "job.tar.gz")
			writeArchive(source, archive, "job")
			hash := md5Of(archive)
			Expect(os.MkdirAll(tierDir(models.CacheTypePublic), 0o755)).To(Succeed())
			Expect(os.Rename(archive, filepath.Join(tierDir(models.CacheTypePublic), hash+".tar.gz"))).To(Succeed())

			entry, err := cache.Lookup(ctx, hash, models.CacheTypePublic, owner)
			Expect(err).NotTo(HaveOccurred())
			Expect(entry.Representation).To(Equal(models.RepresentationArchive))
			Expect(entry.Tier).To(Equal(models.CacheTypePublic))
			Expect(entry.Verified).To(BeTrue())

			loc, ok := cache.Location(hash)
			Expect(ok).To(BeTrue())
			Expect(loc.Path).To(Equal(entry.Path))
			Expect(registry.entries).To(HaveLen(1))
		})

		It("treats a corrupted archive as a miss", func() {
			archive := filepath.Join(GinkgoT().TempDir(), "job.tar.gz")
			writeArchive(source, archive, "job")
			hash := md5Of(archive)
			cached := filepath.Join(tierDir(models.CacheTypePublic), hash+".tar.gz")
			Expect(os.MkdirAll(filepath.Dir(cached), 0o755)).To(Succeed())
			Expect(os.Rename(archive, cached)).To(Succeed())

			f, err := os.OpenFile(cached, os.O_APPEND|os.O_WRONLY, 0o644)
			Expect(err).NotTo(HaveOccurred())
			_, err = f.WriteString("garbage")
			Expect(err).NotTo(HaveOccurred())
			Expect(f.Close()).To(Succeed())

			_, err = cache.Lookup(ctx, hash, models.CacheTypePublic, owner)
			Expect(err).To(MatchError(storage.ErrCacheMiss))
			Expect(registry.entries).To(BeEmpty())
		})

		It("misses when the archive has no entry point", func() {
			Expect(os.Remove(filepath.Join(source, "run.sh"))).To(Succeed())
			archive := filepath.Join(GinkgoT().TempDir(), "data.tar.gz")
			writeArchive(source, archive, "data")
			hash := md5Of(archive)
			Expect(os.MkdirAll(tierDir(models.CacheTypePublic), 0o755)).To(Succeed())
			Expect(os.Rename(archive, filepath.Join(tierDir(models.CacheTypePublic), hash+".tar.gz"))).To(Succeed())

			_, err := cache.Lookup(ctx, hash, models.CacheTypePublic, owner)
			Expect(err).To(MatchError(storage.ErrCacheMiss))
		})
	})

	Context("folder form", func() {
		It("returns a verified hit when run.sh is present", func() {
			hash := md5Of(source)
			Expect(storage.CopyTree(source, filepath.Join(tierDir(models.CacheTypePrivate), hash))).To(Succeed())

			entry, err := cache.Lookup(ctx, hash, models.CacheTypePrivate, owner)
			Expect(err).NotTo(HaveOccurred())
			Expect(entry.Representation).To(Equal(models.RepresentationFolder))
			Expect(entry.Tier).To(Equal(models.CacheTypePrivate))
		})

		It("misses when the folder has no entry point", func() {
			Expect(os.Remove(filepath.Join(source, "run.sh"))).To(Succeed())
			hash := md5Of(source)
			Expect(storage.CopyTree(source, filepath.Join(tierDir(models.CacheTypePublic), hash))).To(Succeed())

			_, err := cache.Lookup(ctx, hash, models.CacheTypePublic, owner)
			Expect(err).To(MatchError(storage.ErrCacheMiss))
		})
	})

	Context("tier fallback", func() {
		var hash string

		It("falls back from private to public", func() {
			hash = md5Of(source)
			Expect(storage.CopyTree(source, filepath.Join(tierDir(models.CacheTypePublic), hash))).To(Succeed())

			entry, err := cache.Lookup(ctx, hash, models.CacheTypePrivate, owner)
			Expect(err).NotTo(HaveOccurred())
			Expect(entry.Tier).To(Equal(models.CacheTypePublic))
		})

		It("never falls back from public to private", func() {
			hash = md5Of(source)
			Expect(storage.CopyTree(source, filepath.Join(tierDir(models.CacheTypePrivate), hash))).To(Succeed())

			_, err := cache.Lookup(ctx, hash, models.CacheTypePublic, owner)
			Expect(err).To(MatchError(storage.ErrCacheMiss))
		})
	})

	It("rejects unknown tiers", func() {
		_, err := cache.Lookup(ctx, "abc", models.CacheType(7), owner)
		Expect(err).To(HaveOccurred())
		Expect(err).NotTo(MatchError(storage.ErrCacheMiss))
	})
})
