package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	casare "github.com/omerlefaruk/CasareRPA-sub002"
	"github.com/omerlefaruk/CasareRPA-sub002/id"
	"github.com/omerlefaruk/CasareRPA-sub002/job"
	"github.com/omerlefaruk/CasareRPA-sub002/store/memory"
)

func submit(t *testing.T, s *memory.Store, j *job.Job) {
	t.Helper()
	if err := s.Submit(context.Background(), j); err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

func claim(t *testing.T, s *memory.Store, robotID id.RobotID, limit int) []*job.Job {
	t.Helper()
	jobs, err := s.Claim(context.Background(), job.ClaimOpts{
		Environment: "default",
		RobotID:     robotID,
		Limit:       limit,
		Lease:       30 * time.Second,
	})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	return jobs
}

func TestSubmitAndGet(t *testing.T) {
	s := memory.New()
	j := job.New("invoice-export", []byte(`{}`))
	submit(t, s, j)

	got, err := s.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != job.StatePending {
		t.Errorf("State = %s, want pending", got.State)
	}

	if _, err := s.GetJob(context.Background(), id.NewJobID()); !errors.Is(err, casare.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestSubmitDuplicateID(t *testing.T) {
	s := memory.New()
	j := job.New("x", nil)
	submit(t, s, j)

	if err := s.Submit(context.Background(), j); !errors.Is(err, casare.ErrJobAlreadyExists) {
		t.Errorf("expected ErrJobAlreadyExists, got %v", err)
	}
}

func TestSubmitDedupKey(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	first := job.New("x", nil, job.WithDedupKey("daily-report"))
	submit(t, s, first)

	dup := job.New("x", nil, job.WithDedupKey("daily-report"))
	if err := s.Submit(ctx, dup); !errors.Is(err, casare.ErrJobAlreadyExists) {
		t.Fatalf("expected ErrJobAlreadyExists for live dedup key, got %v", err)
	}

	// Once the first job is terminal, the key is reusable.
	robotID := id.NewRobotID()
	claim(t, s, robotID, 1)
	if ok, err := s.Complete(ctx, first.ID, robotID, nil); err != nil || !ok {
		t.Fatalf("Complete = %v, %v", ok, err)
	}

	if err := s.Submit(ctx, job.New("x", nil, job.WithDedupKey("daily-report"))); err != nil {
		t.Errorf("dedup key should be reusable after completion: %v", err)
	}
}

func TestClaimOrdering(t *testing.T) {
	s := memory.New()

	low := job.New("low", nil, job.WithPriority(1))
	high := job.New("high", nil, job.WithPriority(9))
	mid1 := job.New("mid-first", nil, job.WithPriority(5))
	mid2 := job.New("mid-second", nil, job.WithPriority(5))

	for _, j := range []*job.Job{low, mid1, high, mid2} {
		submit(t, s, j)
	}

	got := claim(t, s, id.NewRobotID(), 10)
	if len(got) != 4 {
		t.Fatalf("claimed %d, want 4", len(got))
	}

	wantOrder := []string{"high", "mid-first", "mid-second", "low"}
	for i, want := range wantOrder {
		if got[i].WorkflowName != want {
			t.Errorf("claim[%d] = %q, want %q", i, got[i].WorkflowName, want)
		}
	}
}

func TestClaimSkipsInvisibleJobs(t *testing.T) {
	s := memory.New()

	future := job.New("later", nil, job.WithVisibleAfter(time.Now().Add(time.Hour)))
	now := job.New("now", nil)
	submit(t, s, future)
	submit(t, s, now)

	got := claim(t, s, id.NewRobotID(), 10)
	if len(got) != 1 || got[0].WorkflowName != "now" {
		t.Fatalf("claimed %v, want only %q", got, "now")
	}
}

func TestClaimEnvironmentMatching(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	fin := job.New("fin", nil, job.WithEnvironment("finance"))
	def := job.New("def", nil)
	submit(t, s, fin)
	submit(t, s, def)

	// A finance robot gets finance jobs and default jobs.
	got, err := s.Claim(ctx, job.ClaimOpts{
		Environment: "finance",
		RobotID:     id.NewRobotID(),
		Limit:       10,
		Lease:       time.Minute,
	})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("finance robot claimed %d jobs, want 2", len(got))
	}

	// An hr robot gets nothing from a finance-only queue.
	hr := job.New("hr-only", nil, job.WithEnvironment("finance"))
	submit(t, s, hr)

	got, err = s.Claim(ctx, job.ClaimOpts{
		Environment: "hr",
		RobotID:     id.NewRobotID(),
		Limit:       10,
		Lease:       time.Minute,
	})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("hr robot claimed %d jobs, want 0", len(got))
	}
}

// TestConcurrentClaimSingleWinner is the core atomicity check: many
// robots racing for one job, exactly one wins.
func TestConcurrentClaimSingleWinner(t *testing.T) {
	s := memory.New()
	submit(t, s, job.New("contested", nil))

	const robots = 32

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)

	for i := 0; i < robots; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			got, err := s.Claim(context.Background(), job.ClaimOpts{
				Environment: "default",
				RobotID:     id.NewRobotID(),
				Limit:       1,
				Lease:       time.Minute,
			})
			if err != nil {
				t.Errorf("Claim: %v", err)
				return
			}

			mu.Lock()
			wins += len(got)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("job claimed %d times, want exactly 1", wins)
	}
}

func TestCompleteOwnershipCheck(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	j := job.New("owned", nil)
	submit(t, s, j)

	owner := id.NewRobotID()
	claim(t, s, owner, 1)

	// A different robot's complete is a silent no-op.
	ok, err := s.Complete(ctx, j.ID, id.NewRobotID(), []byte("stolen"))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if ok {
		t.Fatal("non-owner Complete should return false")
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.State != job.StateRunning {
		t.Errorf("State = %s after stale complete, want running", got.State)
	}

	// The owner succeeds.
	ok, err = s.Complete(ctx, j.ID, owner, []byte("done"))
	if err != nil || !ok {
		t.Fatalf("owner Complete = %v, %v", ok, err)
	}

	got, _ = s.GetJob(ctx, j.ID)
	if got.State != job.StateCompleted {
		t.Errorf("State = %s, want completed", got.State)
	}
	if string(got.Result) != "done" {
		t.Errorf("Result = %q, want %q", got.Result, "done")
	}
}

func TestFailRetryBoundary(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	j := job.New("flaky", nil, job.WithMaxRetries(3))
	submit(t, s, j)

	// Failures 1..3 requeue; the 4th run's failure is terminal.
	for attempt := 0; attempt < 3; attempt++ {
		robotID := id.NewRobotID()
		got := claim(t, s, robotID, 1)
		if len(got) != 1 {
			t.Fatalf("attempt %d: claimed %d jobs", attempt, len(got))
		}

		ok, err := s.Fail(ctx, j.ID, robotID, "boom", true, 0)
		if err != nil || !ok {
			t.Fatalf("Fail = %v, %v", ok, err)
		}

		cur, _ := s.GetJob(ctx, j.ID)
		if cur.State != job.StatePending {
			t.Fatalf("attempt %d: State = %s, want pending", attempt, cur.State)
		}
		if cur.RetryCount != attempt+1 {
			t.Fatalf("attempt %d: RetryCount = %d, want %d", attempt, cur.RetryCount, attempt+1)
		}
	}

	robotID := id.NewRobotID()
	claim(t, s, robotID, 1)
	if ok, err := s.Fail(ctx, j.ID, robotID, "final", true, 0); err != nil || !ok {
		t.Fatalf("final Fail = %v, %v", ok, err)
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.State != job.StateFailed {
		t.Errorf("State = %s after exhausting budget, want failed", got.State)
	}
	if got.LastError != "final" {
		t.Errorf("LastError = %q, want %q", got.LastError, "final")
	}
}

func TestFailNonRetryableIsTerminal(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	j := job.New("fatal", nil, job.WithMaxRetries(3))
	submit(t, s, j)

	robotID := id.NewRobotID()
	claim(t, s, robotID, 1)

	if ok, err := s.Fail(ctx, j.ID, robotID, "bad workflow", false, 0); err != nil || !ok {
		t.Fatalf("Fail = %v, %v", ok, err)
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.State != job.StateFailed {
		t.Errorf("State = %s, want failed despite remaining budget", got.State)
	}
}

func TestFailNilRobotSkipsOwnership(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	j := job.New("orchestrator-failed", nil)
	submit(t, s, j)

	claim(t, s, id.NewRobotID(), 1)

	// Orchestrator-initiated failure: no owner check.
	if ok, err := s.Fail(ctx, j.ID, id.Nil, "cancel ack timeout", true, 0); err != nil || !ok {
		t.Fatalf("Fail = %v, %v", ok, err)
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.State != job.StatePending || got.RetryCount != 1 {
		t.Errorf("state=%s retries=%d, want pending/1", got.State, got.RetryCount)
	}
}

func TestFailRetryDelay(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	j := job.New("delayed", nil)
	submit(t, s, j)

	robotID := id.NewRobotID()
	claim(t, s, robotID, 1)

	before := time.Now().UTC()
	if ok, err := s.Fail(ctx, j.ID, robotID, "boom", true, time.Minute); err != nil || !ok {
		t.Fatalf("Fail = %v, %v", ok, err)
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.VisibleAfter.Before(before.Add(50 * time.Second)) {
		t.Errorf("VisibleAfter = %v, want ~1m in the future", got.VisibleAfter)
	}

	// The delayed job is not claimable yet.
	if again := claim(t, s, id.NewRobotID(), 1); len(again) != 0 {
		t.Errorf("claimed delayed job before its backoff elapsed")
	}
}

func TestReleaseKeepsRetryBudget(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	j := job.New("released", nil)
	submit(t, s, j)

	robotID := id.NewRobotID()
	claim(t, s, robotID, 1)

	ok, err := s.Release(ctx, j.ID, robotID)
	if err != nil || !ok {
		t.Fatalf("Release = %v, %v", ok, err)
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.State != job.StatePending {
		t.Errorf("State = %s, want pending", got.State)
	}
	if got.RetryCount != 0 {
		t.Errorf("RetryCount = %d, release must not consume a retry", got.RetryCount)
	}

	// Immediately claimable again.
	if again := claim(t, s, id.NewRobotID(), 1); len(again) != 1 {
		t.Error("released job should be claimable immediately")
	}
}

func TestExtendLease(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	j := job.New("leased", nil)
	submit(t, s, j)

	robotID := id.NewRobotID()

	// Claim with a lease that expires almost immediately.
	if _, err := s.Claim(ctx, job.ClaimOpts{
		Environment: "default",
		RobotID:     robotID,
		Limit:       1,
		Lease:       time.Millisecond,
	}); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	ok, err := s.ExtendLease(ctx, j.ID, robotID, time.Hour)
	if err != nil || !ok {
		t.Fatalf("ExtendLease = %v, %v", ok, err)
	}

	time.Sleep(5 * time.Millisecond)

	// The extended lease survives a recovery sweep.
	recovered, err := s.RecoverExpired(ctx, job.RequeuePolicy{BaseDelay: time.Second, Multiplier: 2})
	if err != nil {
		t.Fatalf("RecoverExpired: %v", err)
	}
	if len(recovered) != 0 {
		t.Fatalf("extended lease was recovered: %v", recovered)
	}

	// A stale robot cannot extend.
	ok, err = s.ExtendLease(ctx, j.ID, id.NewRobotID(), time.Hour)
	if err != nil {
		t.Fatalf("ExtendLease: %v", err)
	}
	if ok {
		t.Error("non-owner ExtendLease should return false")
	}
}

func TestRecoverExpired(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	j := job.New("crashed", nil, job.WithMaxRetries(2))
	submit(t, s, j)

	robotID := id.NewRobotID()
	if _, err := s.Claim(ctx, job.ClaimOpts{
		Environment: "default",
		RobotID:     robotID,
		Limit:       1,
		Lease:       time.Millisecond,
	}); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	recovered, err := s.RecoverExpired(ctx, job.RequeuePolicy{BaseDelay: 0, Multiplier: 2})
	if err != nil {
		t.Fatalf("RecoverExpired: %v", err)
	}
	if len(recovered) != 1 {
		t.Fatalf("recovered %d jobs, want 1", len(recovered))
	}
	if recovered[0].State != job.StatePending {
		t.Errorf("recovered State = %s, want pending", recovered[0].State)
	}
	if recovered[0].RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", recovered[0].RetryCount)
	}

	// The old robot's late completion is a no-op.
	ok, err := s.Complete(ctx, j.ID, robotID, nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if ok {
		t.Error("stale robot Complete after recovery should return false")
	}
}

func TestRecoverExpiredDoubleSweep(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	j := job.New("swept", nil)
	submit(t, s, j)

	if _, err := s.Claim(ctx, job.ClaimOpts{
		Environment: "default",
		RobotID:     id.NewRobotID(),
		Limit:       1,
		Lease:       time.Millisecond,
	}); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	policy := job.RequeuePolicy{BaseDelay: time.Hour, Multiplier: 2, MaxDelay: time.Hour}

	first, err := s.RecoverExpired(ctx, policy)
	if err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	second, err := s.RecoverExpired(ctx, policy)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}

	if len(first) != 1 || len(second) != 0 {
		t.Fatalf("sweeps recovered %d then %d jobs, want 1 then 0", len(first), len(second))
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	pending := job.New("pending", nil)
	submit(t, s, pending)

	ok, err := s.Cancel(ctx, pending.ID)
	if err != nil || !ok {
		t.Fatalf("Cancel pending = %v, %v", ok, err)
	}

	got, _ := s.GetJob(ctx, pending.ID)
	if got.State != job.StateCancelled {
		t.Errorf("State = %s, want cancelled", got.State)
	}

	// Cancelling a terminal job is a no-op.
	ok, err = s.Cancel(ctx, pending.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if ok {
		t.Error("Cancel on terminal job should return false")
	}

	// A cancelled job is never claimable.
	if claimed := claim(t, s, id.NewRobotID(), 10); len(claimed) != 0 {
		t.Errorf("claimed cancelled job")
	}
}

func TestPendingEnvironments(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	submit(t, s, job.New("a", nil, job.WithEnvironment("finance")))
	submit(t, s, job.New("b", nil, job.WithEnvironment("hr")))
	submit(t, s, job.New("c", nil, job.WithEnvironment("finance")))
	submit(t, s, job.New("d", nil, job.WithEnvironment("later"), job.WithVisibleAfter(time.Now().Add(time.Hour))))

	envs, err := s.PendingEnvironments(ctx)
	if err != nil {
		t.Fatalf("PendingEnvironments: %v", err)
	}

	want := []string{"finance", "hr"}
	if len(envs) != len(want) {
		t.Fatalf("envs = %v, want %v", envs, want)
	}
	for i := range want {
		if envs[i] != want[i] {
			t.Errorf("envs[%d] = %q, want %q", i, envs[i], want[i])
		}
	}
}

func TestCountJobs(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	submit(t, s, job.New("a", nil, job.WithEnvironment("finance")))
	submit(t, s, job.New("b", nil, job.WithEnvironment("finance")))
	submit(t, s, job.New("c", nil))

	n, err := s.CountJobs(ctx, job.CountOpts{Environment: "finance"})
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}

	n, err = s.CountJobs(ctx, job.CountOpts{State: job.StatePending})
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}

func TestListJobsByRobot(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	submit(t, s, job.New("a", nil))
	submit(t, s, job.New("b", nil))

	robotID := id.NewRobotID()
	claimed := claim(t, s, robotID, 1)
	if len(claimed) != 1 {
		t.Fatalf("claimed %d", len(claimed))
	}

	mine, err := s.ListJobsByState(ctx, job.StateRunning, job.ListOpts{RobotID: robotID})
	if err != nil {
		t.Fatalf("ListJobsByState: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != claimed[0].ID {
		t.Fatalf("ListJobsByState by robot = %v", mine)
	}
}
