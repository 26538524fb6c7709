package executor_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"compute-broker/core/executor"
	"compute-broker/core/models"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type stubScheduler struct {
	mu sync.Mutex

	responses []string
	errs      []error
	limitErr  error

	submits  int
	removals int
	adds     int
	limits   []string
	scripts  []string

	onSubmit func()
}

func (s *stubScheduler) IdleCores(context.Context) (int, error) { return 4, nil }

func (s *stubScheduler) Submit(_ context.Context, _, script, _ string, _ uint64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.submits
	s.submits++
	s.scripts = append(s.scripts, script)
	if s.onSubmit != nil {
		s.onSubmit()
	}
	pick := func(i int) (string, error) {
		if i >= len(s.responses) {
			i = len(s.responses) - 1
		}
		var err error
		if i < len(s.errs) {
			err = s.errs[i]
		}
		return s.responses[i], err
	}
	return pick(i)
}

func (s *stubScheduler) UpdateTimeLimit(_ context.Context, jobID, limit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits = append(s.limits, jobID+"="+limit)
	return s.limitErr
}

func (s *stubScheduler) QueueStatus(context.Context) (string, error) { return "", nil }

func (s *stubScheduler) RemoveUser(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removals++
	return nil
}

func (s *stubScheduler) AddUser(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adds++
	return nil
}

type memoryDispatchStore struct {
	records map[string]*models.DispatchRecord
	saves   int
}

func newMemoryDispatchStore() *memoryDispatchStore {
	return &memoryDispatchStore{records: make(map[string]*models.DispatchRecord)}
}

func dispatchKey(key string, index uint32, block uint64) string {
	return fmt.Sprintf("%s/%d/%d", key, index, block)
}

func (m *memoryDispatchStore) GetDispatch(_ context.Context, key string, index uint32, block uint64) (*models.DispatchRecord, error) {
	rec, ok := m.records[dispatchKey(key, index, block)]
	if !ok {
		return nil, nil
	}
	copied := *rec
	return &copied, nil
}

func (m *memoryDispatchStore) SaveDispatch(_ context.Context, rec *models.DispatchRecord) error {
	m.saves++
	copied := *rec
	m.records[dispatchKey(rec.JobKey, rec.Index, rec.BlockNumber)] = &copied
	return nil
}

var _ = Describe("Dispatcher", func() {
	var (
		ctx        context.Context
		scheduler  *stubScheduler
		store      *memoryDispatchStore
		dispatcher *executor.Dispatcher
		req        executor.SubmitRequest
	)

	BeforeEach(func() {
		ctx = context.Background()
		scheduler = &stubScheduler{}
		store = newMemoryDispatchStore()
		dispatcher = executor.NewDispatcher(scheduler, store, executor.DispatcherConfig{
			MaxAttempts:    10,
			Backoff:        executor.Backoff{Base: 2},
			CommandTimeout: time.Second,
		})

		runDir := filepath.Join(GinkgoT().TempDir(), "JOB_TO_RUN")
		Expect(os.MkdirAll(runDir, 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(runDir, "run.sh"), []byte("#!/bin/bash\nhostname\n"), 0o755)).To(Succeed())

		req = executor.SubmitRequest{
			Event: models.JobEvent{
				JobKey:      "QmWmZQnb8xh3gHf9ZFmVQC4mLEav3Uht5kHJxZtixG3rsf",
				Index:       0,
				BlockNumber: 1200,
				Cores:       []uint64{2},
				RunTimes:    []uint64{59},
			},
			User:   "c6cec6a1e2ae4d1bb63fb6e1a4c6fb41",
			RunDir: runDir,
		}
	})

	It("records the scheduler job id and applies the time limit", func() {
		scheduler.responses = []string{"Submitted batch job 4242"}

		rec, err := dispatcher.Submit(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.SchedulerJobID).To(Equal("4242"))
		Expect(rec.Status).To(Equal(models.DispatchStatusSubmitted))
		Expect(rec.TimeLimit).To(Equal("0-1:0"))
		Expect(rec.Attempts).To(Equal(1))
		Expect(scheduler.limits).To(ConsistOf("4242=0-1:0"))

		script := filepath.Join(req.RunDir, executor.ScriptName(req.Event.JobKey, 0, 1200))
		Expect(scheduler.scripts).To(ConsistOf(script))
		Expect(script).To(BeARegularFile())
	})

	It("makes exactly ten attempts against an invalid account, recreating it in between", func() {
		scheduler.responses = []string{"sbatch: error: Batch job submission failed: Invalid account or account/partition combination specified"}
		scheduler.errs = []error{errors.New("exit status 1")}

		_, err := dispatcher.Submit(ctx, req)
		var fatal *models.SchedulerFatalError
		Expect(errors.As(err, &fatal)).To(BeTrue())
		Expect(fatal.Attempts).To(Equal(10))
		Expect(scheduler.submits).To(Equal(10))
		Expect(scheduler.removals).To(Equal(9))
		Expect(scheduler.adds).To(Equal(9))

		rec, _ := store.GetDispatch(ctx, req.Event.JobKey, 0, 1200)
		Expect(rec.Status).To(Equal(models.DispatchStatusFatal))
	})

	It("recovers once the account is recreated", func() {
		scheduler.responses = []string{"Invalid account", "Submitted batch job 7"}
		scheduler.errs = []error{errors.New("exit status 1"), nil}

		rec, err := dispatcher.Submit(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.SchedulerJobID).To(Equal("7"))
		Expect(rec.Attempts).To(Equal(2))
		Expect(scheduler.removals).To(Equal(1))
	})

	It("retries unparsable responses without touching the account", func() {
		scheduler.responses = []string{"slurm_load_partitions: Unable to contact slurm controller", "Submitted batch job 8"}

		rec, err := dispatcher.Submit(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.SchedulerJobID).To(Equal("8"))
		Expect(scheduler.removals).To(BeZero())
	})

	It("fails immediately on a non-numeric job id", func() {
		scheduler.responses = []string{"Submitted batch job abc"}

		_, err := dispatcher.Submit(ctx, req)
		var fatal *models.SchedulerFatalError
		Expect(errors.As(err, &fatal)).To(BeTrue())
		Expect(errors.Is(err, executor.ErrMalformedJobID)).To(BeTrue())
		Expect(scheduler.submits).To(Equal(1))
	})

	It("keeps the dispatch when the time limit cannot be applied", func() {
		scheduler.responses = []string{"Submitted batch job 9"}
		scheduler.limitErr = errors.New("scontrol: error: Invalid job id specified")

		rec, err := dispatcher.Submit(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.Status).To(Equal(models.DispatchStatusSubmitted))
	})

	It("does not resubmit an event that was already dispatched", func() {
		scheduler.responses = []string{"Submitted batch job 10"}
		_, err := dispatcher.Submit(ctx, req)
		Expect(err).NotTo(HaveOccurred())

		rec, err := dispatcher.Submit(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.SchedulerJobID).To(Equal("10"))
		Expect(scheduler.submits).To(Equal(1))
	})

	It("finishes the current attempt and stops when cancelled", func() {
		cancelCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		scheduler.responses = []string{"Invalid account"}
		scheduler.errs = []error{errors.New("exit status 1")}
		scheduler.onSubmit = cancel

		_, err := dispatcher.Submit(cancelCtx, req)
		Expect(err).To(MatchError(context.Canceled))
		Expect(scheduler.submits).To(Equal(1))

		rec, _ := store.GetDispatch(ctx, req.Event.JobKey, 0, 1200)
		Expect(rec.Status).To(Equal(models.DispatchStatusPending))
		Expect(rec.Attempts).To(Equal(1))
	})
})
