package scheduler_test

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"compute-broker/core/executor"
	"compute-broker/core/ledger/ledgertest"
	"compute-broker/core/models"
	"compute-broker/core/monitoring"
	"compute-broker/core/optimizer"
	"compute-broker/core/scheduler"
	"compute-broker/core/validator"
	"compute-broker/storage"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const (
	provider  = "0x29e613b04125c16db3f3613563bfdd0ba24cb629"
	requester = "0x4e4a0750350796164d8defc442a712b7557bf282"
)

type capacity struct {
	idle int
	err  error
}

func (c *capacity) IdleCores(context.Context) (int, error) { return c.idle, c.err }

type transition struct {
	key    string
	from   models.JobStatus
	to     models.JobStatus
	reason string
}

type memoryJobs struct {
	mu          sync.Mutex
	jobs        map[string]models.JobStatus
	transitions []transition
}

func newMemoryJobs() *memoryJobs {
	return &memoryJobs{jobs: make(map[string]models.JobStatus)}
}

func jobID(key string, index uint32) string { return fmt.Sprintf("%s/%d", key, index) }

func (m *memoryJobs) CreateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[jobID(job.JobKey, job.Index)] = job.Status
	return nil
}

func (m *memoryJobs) UpdateJobStatus(_ context.Context, key string, index uint32, _ uint64, from, to models.JobStatus, reason string, _ map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := jobID(key, index)
	if _, ok := m.jobs[id]; !ok {
		return fmt.Errorf("job %s not found", id)
	}
	m.jobs[id] = to
	m.transitions = append(m.transitions, transition{key: id, from: from, to: to, reason: reason})
	return nil
}

func (m *memoryJobs) status(key string, index uint32) models.JobStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[jobID(key, index)]
}

type memoryDispatches struct {
	mu      sync.Mutex
	records map[string]*models.DispatchRecord
}

func (m *memoryDispatches) GetDispatch(_ context.Context, key string, index uint32, block uint64) (*models.DispatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[fmt.Sprintf("%s/%d/%d", key, index, block)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *memoryDispatches) SaveDispatch(_ context.Context, rec *models.DispatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records[fmt.Sprintf("%s/%d/%d", rec.JobKey, rec.Index, rec.BlockNumber)] = &cp
	return nil
}

// slurmStub answers every submission with a fixed response.
type slurmStub struct {
	mu       sync.Mutex
	response string
	submits  []string
	limits   []string
}

func (s *slurmStub) IdleCores(context.Context) (int, error) { return 4, nil }

func (s *slurmStub) Submit(_ context.Context, _, script, _ string, _ uint64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submits = append(s.submits, script)
	return s.response, nil
}

func (s *slurmStub) UpdateTimeLimit(_ context.Context, _, limit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits = append(s.limits, limit)
	return nil
}

func (s *slurmStub) QueueStatus(context.Context) (string, error) { return "", nil }
func (s *slurmStub) RemoveUser(context.Context, string) error    { return nil }
func (s *slurmStub) AddUser(context.Context, string) error       { return nil }

func (s *slurmStub) submitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submits)
}

// copyFetcher serves a prepared folder for any hash.
type copyFetcher struct {
	src   string
	calls int
}

func (f *copyFetcher) Fetch(_ context.Context, req storage.FetchRequest) (storage.FetchResult, error) {
	f.calls++
	out := filepath.Join(req.Dir, req.Hash)
	if err := storage.CopyTree(f.src, out); err != nil {
		return storage.FetchResult{}, err
	}
	return storage.FetchResult{Path: out, Representation: models.RepresentationFolder, Cacheable: true}, nil
}

func writeSource(dir string, withEntryPoint bool) string {
	Expect(os.MkdirAll(dir, 0o755)).To(Succeed())
	if withEntryPoint {
		Expect(os.WriteFile(filepath.Join(dir, "run.sh"), []byte("#!/bin/bash\nsleep 60\n"), 0o755)).To(Succeed())
	}
	Expect(os.WriteFile(filepath.Join(dir, "input.txt"), []byte("rows"), 0o644)).To(Succeed())
	sum, err := storage.MD5Checksummer{}.Checksum(context.Background(), dir)
	Expect(err).NotTo(HaveOccurred())
	return sum
}

// cacheArchive packs the files of src under top/ into <dir>/<md5>.tar.gz and
// returns the md5.
func cacheArchive(src, dir, top string) string {
	tmp := filepath.Join(GinkgoT().TempDir(), "content.tar.gz")
	f, err := os.Create(tmp)
	Expect(err).NotTo(HaveOccurred())
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	entries, err := os.ReadDir(src)
	Expect(err).NotTo(HaveOccurred())
	for _, entry := range entries {
		data, err := os.ReadFile(filepath.Join(src, entry.Name()))
		Expect(err).NotTo(HaveOccurred())
		hdr := &tar.Header{Name: top + "/" + entry.Name(), Mode: 0o644, Size: int64(len(data)), Typeflag: tar.TypeReg}
		Expect(tw.WriteHeader(hdr)).To(Succeed())
		_, err = tw.Write(data)
		Expect(err).NotTo(HaveOccurred())
	}
	Expect(tw.Close()).To(Succeed())
	Expect(gz.Close()).To(Succeed())
	Expect(f.Close()).To(Succeed())

	sum, err := storage.MD5Checksummer{}.Checksum(context.Background(), tmp)
	Expect(err).NotTo(HaveOccurred())
	Expect(os.MkdirAll(dir, 0o755)).To(Succeed())
	Expect(os.Rename(tmp, filepath.Join(dir, sum+".tar.gz"))).To(Succeed())
	return sum
}

var _ = Describe("Driver", func() {
	var (
		ctx        context.Context
		chain      *ledgertest.Fake
		checkpoint *storage.CheckpointStore
		cores      *capacity
		jobs       *memoryJobs
		slurm      *slurmStub
		fetcher    *copyFetcher
		revenue    *monitoring.RevenueTracker
		programDir string
		sourceHash string
		driver     *scheduler.Driver
	)

	event := func(block uint64, key string) models.JobEvent {
		return models.JobEvent{
			BlockNumber:     block,
			Provider:        provider,
			Requester:       requester,
			JobKey:          key,
			Index:           0,
			Cores:           []uint64{2},
			RunTimes:        []uint64{10},
			StorageIDs:      []models.StorageID{models.StorageIPFS},
			CacheTypes:      []models.CacheType{models.CacheTypePublic},
			ContentHashes:   []string{sourceHash},
			StorageHours:    []uint64{0},
			DataTransferIns: []uint64{100},
			DataTransferOut: 5,
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		programDir = GinkgoT().TempDir()

		chain = ledgertest.New()
		chain.Head = 120
		chain.Providers[provider] = models.ProviderPrices{PriceCoreMin: 1, PriceDataTransfer: 1, PriceStorage: 1, PriceCache: 1}
		chain.AddRequester(requester, true)

		checkpoint = storage.NewCheckpointStore(filepath.Join(programDir, "block_continue.txt"))
		Expect(checkpoint.Save(100)).To(Succeed())

		cores = &capacity{idle: 4}
		jobs = newMemoryJobs()
		slurm = &slurmStub{response: "Submitted batch job 4242"}

		source := filepath.Join(GinkgoT().TempDir(), "source")
		sourceHash = writeSource(source, true)
		fetcher = &copyFetcher{src: source}

		verifier := storage.NewHashVerifier(nil)
		cache := storage.NewContentCache(programDir, verifier, nil)
		resolver := storage.NewResolver(cache, verifier, map[models.StorageID]storage.Fetcher{
			models.StorageIPFS: fetcher,
		})
		dispatcher := executor.NewDispatcher(slurm, &memoryDispatches{records: make(map[string]*models.DispatchRecord)}, executor.DispatcherConfig{
			Backoff: executor.Backoff{Base: 2},
		})

		revenue = monitoring.NewRevenueTracker(chain, provider)

		driver = scheduler.NewDriver(scheduler.Config{
			Provider:         provider,
			ProgramDir:       programDir,
			PollInterval:     1,
			BlockInterval:    1,
			CapacityInterval: 1,
		}, scheduler.Deps{
			Ledger:     chain,
			Checkpoint: checkpoint,
			Capacity:   cores,
			Jobs:       jobs,
			Validator:  validator.NewValidator(chain),
			Pricing:    optimizer.NewPricingFetcher(chain),
			Resolver:   resolver,
			Dispatcher: dispatcher,
			Metrics:    monitoring.NewMetricsExporter(revenue),
			Revenue:    revenue,
		})
	})

	loadCheckpoint := func() uint64 {
		block, err := checkpoint.Load()
		Expect(err).NotTo(HaveOccurred())
		return block
	}

	It("prices, stages and dispatches a pending job", func() {
		chain.Events = []models.JobEvent{event(105, "QmJobKey")}
		chain.SetJob("QmJobKey", 0, models.LedgerJob{State: models.LedgerStatePending, Requester: requester})

		Expect(driver.RunCycle(ctx)).To(Succeed())

		Expect(jobs.status("QmJobKey", 0)).To(Equal(models.JobStatusDispatched))
		Expect(fetcher.calls).To(Equal(1))
		Expect(slurm.submitCount()).To(Equal(1))
		Expect(slurm.limits).To(Equal([]string{"0-0:11"}))

		runDir := storage.NewWorkspace(programDir, storage.LocalUser(requester), "QmJobKey", 0).RunDir
		Expect(filepath.Join(runDir, "run.sh")).To(BeARegularFile())
		Expect(filepath.Join(runDir, executor.ScriptName("QmJobKey", 0, 105))).To(BeARegularFile())

		Expect(loadCheckpoint()).To(Equal(uint64(106)))
		Expect(chain.Refunds).To(BeEmpty())

		quoted, count := revenue.Quoted()
		Expect(count).To(Equal(1))
		// 2 cores x 10 min + cache 100 + transfer in 100 + transfer out 5
		Expect(quoted).To(Equal(uint64(225)))
	})

	It("rejects an already completed job and still advances", func() {
		chain.Events = []models.JobEvent{event(110, "QmDone")}
		chain.SetJob("QmDone", 0, models.LedgerJob{State: models.LedgerStateCompleted, Requester: requester})

		Expect(driver.RunCycle(ctx)).To(Succeed())

		Expect(jobs.status("QmDone", 0)).To(Equal(models.JobStatusRejected))
		Expect(jobs.transitions).To(ContainElement(transition{
			key: "QmDone/0", from: models.JobStatusReceived, to: models.JobStatusRejected, reason: string(models.RejectAlreadyCompleted),
		}))
		Expect(fetcher.calls).To(BeZero())
		Expect(slurm.submitCount()).To(BeZero())
		Expect(chain.Refunds).To(BeEmpty())
		Expect(loadCheckpoint()).To(Equal(uint64(111)))
	})

	It("advances to the head when the range is empty", func() {
		Expect(driver.RunCycle(ctx)).To(Succeed())
		Expect(loadCheckpoint()).To(Equal(uint64(120)))
	})

	It("processes events in ledger order", func() {
		chain.Events = []models.JobEvent{event(103, "QmFirst"), event(103, "QmSecond"), event(107, "QmThird")}
		for _, key := range []string{"QmFirst", "QmSecond", "QmThird"} {
			chain.SetJob(key, 0, models.LedgerJob{State: models.LedgerStatePending, Requester: requester})
		}

		Expect(driver.RunCycle(ctx)).To(Succeed())

		Expect(slurm.submits).To(HaveLen(3))
		Expect(filepath.Base(slurm.submits[0])).To(HavePrefix("QmFirst*"))
		Expect(filepath.Base(slurm.submits[1])).To(HavePrefix("QmSecond*"))
		Expect(filepath.Base(slurm.submits[2])).To(HavePrefix("QmThird*"))
		Expect(loadCheckpoint()).To(Equal(uint64(108)))
	})

	It("refunds a job whose source has no entry point", func() {
		bare := filepath.Join(GinkgoT().TempDir(), "bare")
		sourceHash = writeSource(bare, false)
		fetcher.src = bare
		chain.Events = []models.JobEvent{event(104, "QmBare")}
		chain.SetJob("QmBare", 0, models.LedgerJob{State: models.LedgerStatePending, Requester: requester})

		Expect(driver.RunCycle(ctx)).To(Succeed())

		Expect(jobs.status("QmBare", 0)).To(Equal(models.JobStatusRefunded))
		Expect(chain.Refunds).To(HaveLen(1))
		Expect(chain.Refunds[0].JobKey).To(Equal("QmBare"))
		Expect(chain.Refunds[0].Cores).To(Equal([]uint64{2}))
		Expect(slurm.submitCount()).To(BeZero())
		Expect(loadCheckpoint()).To(Equal(uint64(105)))
	})

	It("stops without advancing when the scheduler returns a malformed id", func() {
		slurm.response = "Submitted batch job abc"
		chain.Events = []models.JobEvent{event(109, "QmJobKey")}
		chain.SetJob("QmJobKey", 0, models.LedgerJob{State: models.LedgerStatePending, Requester: requester})

		err := driver.RunCycle(ctx)
		var fatal *models.SchedulerFatalError
		Expect(errors.As(err, &fatal)).To(BeTrue())
		Expect(models.IsFatal(err)).To(BeTrue())
		Expect(jobs.status("QmJobKey", 0)).To(Equal(models.JobStatusFailed))
		Expect(loadCheckpoint()).To(Equal(uint64(100)))
	})

	It("stops when the ledger is unreachable", func() {
		chain.Err = errors.New("connection refused")

		err := driver.RunCycle(ctx)
		var conn *models.ConnectivityError
		Expect(errors.As(err, &conn)).To(BeTrue())
		Expect(loadCheckpoint()).To(Equal(uint64(100)))
	})

	It("does not read the ledger while the scheduler is full", func() {
		cores.idle = 0
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		Expect(driver.RunCycle(cctx)).To(MatchError(context.Canceled))
		Expect(chain.BlockNumberCalls()).To(BeZero())
		Expect(loadCheckpoint()).To(Equal(uint64(100)))
	})

	It("seeds a missing checkpoint at the deployment block", func() {
		Expect(os.Remove(checkpoint.Path())).To(Succeed())
		chain.Deployed = 90

		Expect(driver.RunCycle(ctx)).To(MatchError(storage.ErrUninitializedCheckpoint))

		seeded := scheduler.NewDriver(scheduler.Config{Provider: provider, ProgramDir: programDir, AutoSeed: true}, scheduler.Deps{
			Ledger:     chain,
			Checkpoint: checkpoint,
			Capacity:   cores,
			Jobs:       jobs,
			Validator:  validator.NewValidator(chain),
			Pricing:    optimizer.NewPricingFetcher(chain),
		})
		Expect(seeded.RunCycle(ctx)).To(Succeed())
		Expect(loadCheckpoint()).To(Equal(uint64(120)))
	})

	It("refunds a job whose source is cached only as data", func() {
		bare := filepath.Join(GinkgoT().TempDir(), "bare")
		writeSource(bare, false)
		sourceHash = cacheArchive(bare, filepath.Join(programDir, "cache"), "data")
		chain.Events = []models.JobEvent{event(104, "QmDataOnly")}
		chain.SetJob("QmDataOnly", 0, models.LedgerJob{State: models.LedgerStatePending, Requester: requester})

		Expect(driver.RunCycle(ctx)).To(Succeed())

		Expect(jobs.status("QmDataOnly", 0)).To(Equal(models.JobStatusRefunded))
		Expect(jobs.transitions).To(ContainElement(transition{
			key: "QmDataOnly/0", from: models.JobStatusFetching, to: models.JobStatusRefunded, reason: string(models.FetchMissingEntryPoint),
		}))
		Expect(fetcher.calls).To(BeZero())
		Expect(chain.Refunds).To(HaveLen(1))
		Expect(slurm.submitCount()).To(BeZero())
		Expect(loadCheckpoint()).To(Equal(uint64(105)))
	})

	It("rejects a job whose price does not fit and still advances", func() {
		ev := event(109, "QmHuge")
		ev.Cores = []uint64{1 << 40}
		ev.RunTimes = []uint64{1 << 40}
		chain.Events = []models.JobEvent{ev}
		chain.SetJob("QmHuge", 0, models.LedgerJob{State: models.LedgerStatePending, Requester: requester})

		Expect(driver.RunCycle(ctx)).To(Succeed())

		Expect(jobs.transitions).To(ContainElement(transition{
			key: "QmHuge/0", from: models.JobStatusValidated, to: models.JobStatusRejected, reason: string(models.RejectUnpriceable),
		}))
		Expect(fetcher.calls).To(BeZero())
		Expect(chain.Refunds).To(BeEmpty())
		Expect(loadCheckpoint()).To(Equal(uint64(110)))
	})

	It("refuses to seed over a corrupt checkpoint", func() {
		Expect(os.WriteFile(checkpoint.Path(), []byte("Error: not connected\n"), 0o644)).To(Succeed())
		chain.Deployed = 90

		seeded := scheduler.NewDriver(scheduler.Config{Provider: provider, ProgramDir: programDir, AutoSeed: true}, scheduler.Deps{
			Ledger:     chain,
			Checkpoint: checkpoint,
			Capacity:   cores,
			Jobs:       jobs,
			Validator:  validator.NewValidator(chain),
			Pricing:    optimizer.NewPricingFetcher(chain),
		})
		Expect(seeded.RunCycle(ctx)).To(MatchError(storage.ErrCorruptCheckpoint))
		Expect(chain.BlockNumberCalls()).To(BeZero())

		raw, err := os.ReadFile(checkpoint.Path())
		Expect(err).NotTo(HaveOccurred())
		Expect(string(raw)).To(Equal("Error: not connected\n"))
	})

	It("returns from Start after Stop", func() {
		done := make(chan error, 1)
		go func() { done <- driver.Start(ctx) }()

		Eventually(chain.BlockNumberCalls).Should(BeNumerically(">", 0))
		driver.Stop()
		Eventually(done).Should(Receive(BeNil()))
	})
})
