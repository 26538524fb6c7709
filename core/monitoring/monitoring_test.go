package monitoring

import (
	"context"
	"strings"
	"testing"
	"time"

	"compute-broker/core/ledger/ledgertest"
	"compute-broker/core/models"
)

const provider = "0x57b60037b82154ec7149142c606ba024fbb0f991"

func TestRevenueTrackerDeltas(t *testing.T) {
	fake := ledgertest.New()
	fake.Received[provider] = 100
	tracker := NewRevenueTracker(fake, provider)
	ctx := context.Background()

	if delta, err := tracker.Sample(ctx); err != nil || delta != 0 {
		t.Fatalf("first sample = %d, %v", delta, err)
	}
	fake.Received[provider] = 130
	if delta, err := tracker.Sample(ctx); err != nil || delta != 30 {
		t.Fatalf("second sample = %d, %v", delta, err)
	}
	if tracker.Received() != 130 {
		t.Errorf("Received = %d", tracker.Received())
	}

	tracker.RecordQuote(models.CostBreakdown{Computational: 20, Cache: 5})
	if quoted, n := tracker.Quoted(); quoted != 25 || n != 1 {
		t.Errorf("Quoted = %d, %d", quoted, n)
	}
}

func TestMetricsExporter(t *testing.T) {
	me := NewMetricsExporter(nil)
	me.RecordOutcome(models.JobStatusDispatched)
	me.RecordOutcome(models.JobStatusDispatched)
	me.RecordRejection(models.RejectAlreadyCompleted)
	me.RecordCycle(1201)

	text := me.GetPrometheusMetrics()
	for _, want := range []string{
		`broker_jobs_total{status="dispatched"} 2`,
		`broker_jobs_total{status="rejected"} 1`,
		`broker_rejections_total{reason="AlreadyCompleted"} 1`,
		`broker_checkpoint_block 1201`,
		`broker_poll_cycles_total 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics missing %q:\n%s", want, text)
		}
	}
}

type fakeDispatches []models.DispatchRecord

func (f fakeDispatches) ListSubmitted(context.Context, int) ([]models.DispatchRecord, error) {
	return f, nil
}

type fakeStates map[string]string

func (f fakeStates) JobState(_ context.Context, id string) (string, error) { return f[id], nil }

type recordedTransition struct {
	key  string
	from models.JobStatus
	to   models.JobStatus
}

type fakeRecorder struct{ transitions []recordedTransition }

func (f *fakeRecorder) UpdateJobStatus(_ context.Context, key string, _ uint32, _ uint64, from, to models.JobStatus, _ string, _ map[string]interface{}) error {
	f.transitions = append(f.transitions, recordedTransition{key, from, to})
	return nil
}

func TestJobMonitorReportsRunningJobs(t *testing.T) {
	fake := ledgertest.New()
	recorder := &fakeRecorder{}
	dispatches := fakeDispatches{
		{JobKey: "a", Index: 0, BlockNumber: 10, SchedulerJobID: "1"},
		{JobKey: "b", Index: 1, BlockNumber: 11, SchedulerJobID: "2"},
	}
	states := fakeStates{"1": "RUNNING", "2": "PENDING"}

	monitor := NewJobMonitor(dispatches, recorder, states, fake, time.Minute)
	monitor.now = func() time.Time { return time.Unix(1700000000, 0) }
	monitor.CheckDispatched(context.Background())

	if len(fake.Runnings) != 1 || fake.Runnings[0].JobKey != "a" || fake.Runnings[0].StartTime != 1700000000 {
		t.Fatalf("runnings = %+v", fake.Runnings)
	}
	if len(recorder.transitions) != 1 || recorder.transitions[0].to != models.JobStatusRunning {
		t.Fatalf("transitions = %+v", recorder.transitions)
	}
}
