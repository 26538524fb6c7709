package storage_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"compute-broker/core/models"
	"compute-broker/storage"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// folderFetcher copies a prepared folder or archive into the scratch dir.
type folderFetcher struct {
	src       string
	repr      models.Representation
	err       error
	verified  bool
	uncached  bool
	callCount int
}

func (f *folderFetcher) Fetch(_ context.Context, req storage.FetchRequest) (storage.FetchResult, error) {
	f.callCount++
	if f.err != nil {
		return storage.FetchResult{}, f.err
	}
	out := filepath.Join(req.Dir, req.Hash)
	switch f.repr {
	case models.RepresentationArchive:
		out += ".tar.gz"
		if err := storage.CopyFile(f.src, out); err != nil {
			return storage.FetchResult{}, err
		}
	default:
		if err := storage.CopyTree(f.src, out); err != nil {
			return storage.FetchResult{}, err
		}
	}
	return storage.FetchResult{Path: out, Representation: f.repr, Verified: f.verified, Cacheable: !f.uncached}, nil
}

var _ = Describe("Resolver", func() {
	var (
		ctx        context.Context
		programDir string
		cache      *storage.ContentCache
		fetcher    *folderFetcher
		resolver   *storage.Resolver
		owner      string
		source     string
		ws         storage.Workspace
	)

	BeforeEach(func() {
		ctx = context.Background()
		programDir = GinkgoT().TempDir()
		verifier := storage.NewHashVerifier(nil)
		cache = storage.NewContentCache(programDir, verifier, nil)
		fetcher = &folderFetcher{repr: models.RepresentationFolder}
		resolver = storage.NewResolver(cache, verifier, map[models.StorageID]storage.Fetcher{
			models.StorageEUDAT: fetcher,
		})
		owner = storage.LocalUser("0x4e4a0750350796164d8defc442a712b7557bf282")
		source = filepath.Join(GinkgoT().TempDir(), "src")
		writeJobFolder(source, "payload")
		fetcher.src = source

		ws = storage.NewWorkspace(programDir, owner, "jobkey", 0)
		Expect(ws.Prepare()).To(Succeed())
	})

	request := func(hash string) storage.ResolveRequest {
		return storage.ResolveRequest{
			Hash:              hash,
			StorageID:         models.StorageEUDAT,
			Tier:              models.CacheTypePrivate,
			Owner:             owner,
			Destination:       ws.RunDir,
			RequireEntryPoint: true,
		}
	}

	It("stages a cache hit whose copy matches the hash", func() {
		hash := md5Of(source)
		dir, err := cache.TierDir(models.CacheTypePrivate, owner)
		Expect(err).NotTo(HaveOccurred())
		Expect(storage.CopyTree(source, filepath.Join(dir, hash))).To(Succeed())

		res, err := resolver.Resolve(ctx, request(hash))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.CacheHit).To(BeTrue())
		Expect(fetcher.callCount).To(BeZero())
		Expect(md5Of(ws.RunDir)).To(Equal(hash))
	})

	It("extracts an archive hit without its top folder", func() {
		archive := filepath.Join(GinkgoT().TempDir(), "job.tar.gz")
		writeArchive(source, archive, "job")
		hash := md5Of(archive)
		dir, err := cache.TierDir(models.CacheTypePublic, owner)
		Expect(err).NotTo(HaveOccurred())
		Expect(os.MkdirAll(dir, 0o755)).To(Succeed())
		Expect(storage.CopyFile(archive, filepath.Join(dir, hash+".tar.gz"))).To(Succeed())

		res, err := resolver.Resolve(ctx, request(hash))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.CacheHit).To(BeTrue())
		Expect(res.Entry.Tier).To(Equal(models.CacheTypePublic))
		Expect(filepath.Join(ws.RunDir, "run.sh")).To(BeARegularFile())
		Expect(md5Of(ws.RunDir)).To(Equal(md5Of(source)))
	})

	It("fetches on a miss and caches at the hinted tier", func() {
		hash := md5Of(source)

		res, err := resolver.Resolve(ctx, request(hash))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.CacheHit).To(BeFalse())
		Expect(fetcher.callCount).To(Equal(1))
		Expect(res.Entry.Tier).To(Equal(models.CacheTypePrivate))
		Expect(md5Of(ws.RunDir)).To(Equal(hash))

		again, err := resolver.Resolve(ctx, request(hash))
		Expect(err).NotTo(HaveOccurred())
		Expect(again.CacheHit).To(BeTrue())
		Expect(fetcher.callCount).To(Equal(1))
	})

	It("reports a missing entry point", func() {
		Expect(os.Remove(filepath.Join(source, "run.sh"))).To(Succeed())
		hash := md5Of(source)

		_, err := resolver.Resolve(ctx, request(hash))
		var fetchErr *models.FetchError
		Expect(errors.As(err, &fetchErr)).To(BeTrue())
		Expect(fetchErr.Kind).To(Equal(models.FetchMissingEntryPoint))
	})

	It("reports an archive whose run.sh is too deep", func() {
		nested := filepath.Join(GinkgoT().TempDir(), "outer")
		Expect(storage.CopyTree(source, filepath.Join(nested, "inner"))).To(Succeed())
		archive := filepath.Join(GinkgoT().TempDir(), "nested.tar.gz")
		writeArchive(nested, archive, "job")
		fetcher.src = archive
		fetcher.repr = models.RepresentationArchive

		_, err := resolver.Resolve(ctx, request(md5Of(archive)))
		var fetchErr *models.FetchError
		Expect(errors.As(err, &fetchErr)).To(BeTrue())
		Expect(fetchErr.Kind).To(Equal(models.FetchMissingEntryPoint))
	})

	Context("cached content without an entry point", func() {
		var hash string

		BeforeEach(func() {
			Expect(os.Remove(filepath.Join(source, "run.sh"))).To(Succeed())
			archive := filepath.Join(GinkgoT().TempDir(), "data.tar.gz")
			writeArchive(source, archive, "data")
			hash = md5Of(archive)
			dir, err := cache.TierDir(models.CacheTypePublic, owner)
			Expect(err).NotTo(HaveOccurred())
			Expect(os.MkdirAll(dir, 0o755)).To(Succeed())
			Expect(storage.CopyFile(archive, filepath.Join(dir, hash+".tar.gz"))).To(Succeed())
		})

		It("stages it as a data folder", func() {
			req := request(hash)
			req.RequireEntryPoint = false
			req.Destination = ws.DataPath(hash)

			res, err := resolver.Resolve(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.CacheHit).To(BeTrue())
			Expect(filepath.Join(ws.DataPath(hash), "input.txt")).To(BeARegularFile())
		})

		It("reports a missing entry point when it is named as source", func() {
			_, err := resolver.Resolve(ctx, request(hash))
			var fetchErr *models.FetchError
			Expect(errors.As(err, &fetchErr)).To(BeTrue())
			Expect(fetchErr.Kind).To(Equal(models.FetchMissingEntryPoint))
			Expect(fetcher.callCount).To(BeZero())
			Expect(ws.RunDir).NotTo(BeAnExistingFile())
		})

		It("reports a missing entry point for a cached folder", func() {
			folderHash := md5Of(source)
			dir, err := cache.TierDir(models.CacheTypePrivate, owner)
			Expect(err).NotTo(HaveOccurred())
			Expect(storage.CopyTree(source, filepath.Join(dir, folderHash))).To(Succeed())

			_, err = resolver.Resolve(ctx, request(folderHash))
			var fetchErr *models.FetchError
			Expect(errors.As(err, &fetchErr)).To(BeTrue())
			Expect(fetchErr.Kind).To(Equal(models.FetchMissingEntryPoint))
			Expect(fetcher.callCount).To(BeZero())
		})
	})

	It("maps backend failures to unavailable content", func() {
		fetcher.err = errors.New("404 Not Found")

		_, err := resolver.Resolve(ctx, request("d41d8cd98f00b204e9800998ecf8427e"))
		var fetchErr *models.FetchError
		Expect(errors.As(err, &fetchErr)).To(BeTrue())
		Expect(fetchErr.Kind).To(Equal(models.FetchContentUnavailable))
	})

	It("rejects fetched content that does not match the hash", func() {
		_, err := resolver.Resolve(ctx, request("d41d8cd98f00b204e9800998ecf8427e"))
		var fetchErr *models.FetchError
		Expect(errors.As(err, &fetchErr)).To(BeTrue())
		Expect(fetchErr.Kind).To(Equal(models.FetchContentUnavailable))

		_, statErr := os.Stat(ws.RunDir)
		Expect(os.IsNotExist(statErr)).To(BeTrue())
	})

	It("does not cache uncacheable content", func() {
		hash := md5Of(source)
		fetcher.uncached = true

		_, err := resolver.Resolve(ctx, request(hash))
		Expect(err).NotTo(HaveOccurred())
		Expect(filepath.Join(ws.RunDir, "run.sh")).To(BeARegularFile())

		_, err = cache.Lookup(ctx, hash, models.CacheTypePrivate, owner)
		Expect(err).To(MatchError(storage.ErrCacheMiss))
	})

	It("fails when no backend serves the storage id", func() {
		req := request(md5Of(source))
		req.StorageID = models.StorageGDrive

		_, err := resolver.Resolve(ctx, req)
		var fetchErr *models.FetchError
		Expect(errors.As(err, &fetchErr)).To(BeTrue())
		Expect(fetchErr.StorageID).To(Equal(models.StorageGDrive))
	})
})

var _ = Describe("Workspace", func() {
	It("links data folders by their md5", func() {
		ws := storage.NewWorkspace(GinkgoT().TempDir(), "user", "key", 3)
		Expect(ws.Prepare()).To(Succeed())
		writeJobFolder(ws.DataPath("dataset"), "rows")

		linked, err := ws.LinkData(context.Background())
		Expect(err).NotTo(HaveOccurred())
		sum := linked["dataset"]
		Expect(sum).To(Equal(md5Of(ws.DataPath("dataset"))))
		Expect(md5Of(filepath.Join(ws.LinkDir, sum))).To(Equal(sum))
	})

	It("starts from an empty directory", func() {
		ws := storage.NewWorkspace(GinkgoT().TempDir(), "user", "key", 0)
		Expect(os.MkdirAll(ws.RunDir, 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(ws.RunDir, "stale"), nil, 0o644)).To(Succeed())

		Expect(ws.Prepare()).To(Succeed())
		Expect(filepath.Join(ws.RunDir, "stale")).NotTo(BeAnExistingFile())
		Expect(ws.LinkDir).To(BeADirectory())
	})
})
