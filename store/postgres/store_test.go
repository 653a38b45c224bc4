//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	casare "github.com/omerlefaruk/CasareRPA-sub002"
	"github.com/omerlefaruk/CasareRPA-sub002/dlq"
	"github.com/omerlefaruk/CasareRPA-sub002/id"
	"github.com/omerlefaruk/CasareRPA-sub002/job"
	"github.com/omerlefaruk/CasareRPA-sub002/robot"
	"github.com/omerlefaruk/CasareRPA-sub002/store/postgres"
)

// setupTestStore creates a Postgres container and returns a migrated Store.
func setupTestStore(t *testing.T) *postgres.Store {
	t.Helper()

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("casare_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	store, err := postgres.New(ctx, connStr, postgres.WithLogger(slog.Default()))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	if migErr := store.Migrate(ctx); migErr != nil {
		t.Fatalf("migrate: %v", migErr)
	}

	return store
}

func claimOne(t *testing.T, s *postgres.Store, robotID id.RobotID, lease time.Duration) *job.Job {
	t.Helper()

	claimed, err := s.Claim(context.Background(), job.ClaimOpts{
		Environment: "default", RobotID: robotID, Limit: 1, Lease: lease,
	})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d jobs, want 1", len(claimed))
	}
	return claimed[0]
}

// ──────────────────────────────────────────────────
// Lifecycle tests
// ──────────────────────────────────────────────────

func TestStore_Ping(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

func TestStore_MigrateIdempotent(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Job queue tests
// ──────────────────────────────────────────────────

func TestSubmitAndGetRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := job.New("invoice-export", []byte(`{"month":"05"}`),
		job.WithPriority(5),
		job.WithEnvironment("erp"),
		job.WithVariables(map[string]string{"tenant": "acme"}),
		job.WithMetadata(map[string]string{"affinity": "sap"}),
	)
	if err := s.Submit(ctx, j); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.WorkflowName != "invoice-export" {
		t.Errorf("WorkflowName = %q", got.WorkflowName)
	}
	if got.State != job.StatePending {
		t.Errorf("State = %s", got.State)
	}
	if got.Priority != 5 || got.Environment != "erp" {
		t.Errorf("Priority/Environment = %d/%s", got.Priority, got.Environment)
	}
	if got.Variables["tenant"] != "acme" {
		t.Errorf("Variables = %v", got.Variables)
	}
	if got.Metadata["affinity"] != "sap" {
		t.Errorf("Metadata = %v", got.Metadata)
	}
	if string(got.Payload) != `{"month":"05"}` {
		t.Errorf("Payload = %s", got.Payload)
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetJob(context.Background(), id.NewJobID())
	if !errors.Is(err, casare.ErrJobNotFound) {
		t.Errorf("err = %v, want ErrJobNotFound", err)
	}
}

func TestConcurrentClaimSingleWinner(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := job.New("contested", nil)
	if err := s.Submit(ctx, j); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	const claimers = 16

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range claimers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.Claim(ctx, job.ClaimOpts{
				Environment: "default", RobotID: id.NewRobotID(),
				Limit: 1, Lease: time.Minute,
			})
			if err != nil {
				t.Errorf("Claim: %v", err)
				return
			}
			if len(claimed) == 1 {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}
}

func TestClaimOrdering(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	low := job.New("low", nil, job.WithPriority(1))
	high := job.New("high", nil, job.WithPriority(9))
	if err := s.Submit(ctx, low); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := s.Submit(ctx, high); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := claimOne(t, s, id.NewRobotID(), time.Minute)
	if got.ID != high.ID {
		t.Errorf("claimed %s, want the high-priority job", got.WorkflowName)
	}
}

func TestClaimEnvironmentMatching(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	erp := job.New("erp-job", nil, job.WithEnvironment("erp"))
	hr := job.New("hr-job", nil, job.WithEnvironment("hr"))
	if err := s.Submit(ctx, erp); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := s.Submit(ctx, hr); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	claimed, err := s.Claim(ctx, job.ClaimOpts{
		Environment: "erp", RobotID: id.NewRobotID(), Limit: 10, Lease: time.Minute,
	})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != erp.ID {
		t.Errorf("claimed %d jobs, want only the erp job", len(claimed))
	}

	// The default environment claims across all environments.
	claimed, err = s.Claim(ctx, job.ClaimOpts{
		Environment: "default", RobotID: id.NewRobotID(), Limit: 10, Lease: time.Minute,
	})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != hr.ID {
		t.Errorf("default claim got %d jobs, want the hr job", len(claimed))
	}
}

func TestTargetedClaim(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first := job.New("first", nil, job.WithPriority(9))
	second := job.New("second", nil, job.WithPriority(1))
	if err := s.Submit(ctx, first); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := s.Submit(ctx, second); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Target the low-priority job explicitly.
	claimed, err := s.Claim(ctx, job.ClaimOpts{
		Environment: "default", RobotID: id.NewRobotID(),
		JobID: second.ID, Limit: 1, Lease: time.Minute,
	})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != second.ID {
		t.Fatalf("targeted claim got %d jobs", len(claimed))
	}

	// A second targeted claim for the same job loses the race.
	claimed, err = s.Claim(ctx, job.ClaimOpts{
		Environment: "default", RobotID: id.NewRobotID(),
		JobID: second.ID, Limit: 1, Lease: time.Minute,
	})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed) != 0 {
		t.Errorf("repeat targeted claim got %d jobs, want 0", len(claimed))
	}
}

func TestSubmitDedupKey(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	robotID := id.NewRobotID()

	first := job.New("daily-report", nil, job.WithDedupKey("report-2026-05-01"))
	if err := s.Submit(ctx, first); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	dup := job.New("daily-report", nil, job.WithDedupKey("report-2026-05-01"))
	if err := s.Submit(ctx, dup); !errors.Is(err, casare.ErrJobAlreadyExists) {
		t.Fatalf("duplicate Submit err = %v, want ErrJobAlreadyExists", err)
	}

	// A terminal job frees the key.
	claimed := claimOne(t, s, robotID, time.Minute)
	if ok, err := s.Complete(ctx, claimed.ID, robotID, nil); err != nil || !ok {
		t.Fatalf("Complete = %v, %v", ok, err)
	}

	again := job.New("daily-report", nil, job.WithDedupKey("report-2026-05-01"))
	if err := s.Submit(ctx, again); err != nil {
		t.Fatalf("Submit after completion: %v", err)
	}
}

func TestOwnershipChecks(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	owner := id.NewRobotID()
	stranger := id.NewRobotID()

	j := job.New("owned", nil)
	if err := s.Submit(ctx, j); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	claimOne(t, s, owner, time.Minute)

	if ok, err := s.Complete(ctx, j.ID, stranger, nil); err != nil || ok {
		t.Fatalf("stranger Complete = %v, %v, want false no-op", ok, err)
	}
	if ok, err := s.ExtendLease(ctx, j.ID, stranger, time.Minute); err != nil || ok {
		t.Fatalf("stranger ExtendLease = %v, %v, want false no-op", ok, err)
	}

	if ok, err := s.Complete(ctx, j.ID, owner, []byte(`"done"`)); err != nil || !ok {
		t.Fatalf("owner Complete = %v, %v", ok, err)
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.State != job.StateCompleted {
		t.Errorf("State = %s, want completed", got.State)
	}
}

func TestFailRetryThenTerminal(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	robotID := id.NewRobotID()

	j := job.New("flaky", nil, job.WithMaxRetries(1))
	if err := s.Submit(ctx, j); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// First failure: retry budget remains, back to pending.
	claimOne(t, s, robotID, time.Minute)
	if ok, err := s.Fail(ctx, j.ID, robotID, "timeout", true, 0); err != nil || !ok {
		t.Fatalf("Fail = %v, %v", ok, err)
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.State != job.StatePending || got.RetryCount != 1 {
		t.Fatalf("after first failure: state=%s retries=%d", got.State, got.RetryCount)
	}
	if !got.RobotID.IsNil() {
		t.Errorf("RobotID = %s, want nil after requeue", got.RobotID)
	}

	// Second failure: budget spent, terminal.
	claimOne(t, s, robotID, time.Minute)
	if ok, err := s.Fail(ctx, j.ID, robotID, "timeout again", true, 0); err != nil || !ok {
		t.Fatalf("second Fail = %v, %v", ok, err)
	}

	got, _ = s.GetJob(ctx, j.ID)
	if got.State != job.StateFailed {
		t.Errorf("State = %s, want failed", got.State)
	}
	if got.LastError != "timeout again" {
		t.Errorf("LastError = %q", got.LastError)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set on terminal failure")
	}
}

func TestFailNonRetryableIsTerminal(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	robotID := id.NewRobotID()

	j := job.New("broken", nil, job.WithMaxRetries(5))
	if err := s.Submit(ctx, j); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	claimOne(t, s, robotID, time.Minute)

	if ok, err := s.Fail(ctx, j.ID, robotID, "bad payload", false, 0); err != nil || !ok {
		t.Fatalf("Fail = %v, %v", ok, err)
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.State != job.StateFailed {
		t.Errorf("State = %s, want failed despite remaining budget", got.State)
	}
}

func TestFailRetryDelayHidesJob(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	robotID := id.NewRobotID()

	j := job.New("delayed-retry", nil)
	if err := s.Submit(ctx, j); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	claimOne(t, s, robotID, time.Minute)

	if ok, err := s.Fail(ctx, j.ID, robotID, "busy", true, time.Hour); err != nil || !ok {
		t.Fatalf("Fail = %v, %v", ok, err)
	}

	claimed, err := s.Claim(ctx, job.ClaimOpts{
		Environment: "default", RobotID: robotID, Limit: 1, Lease: time.Minute,
	})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed) != 0 {
		t.Errorf("claimed %d jobs, want 0 until backoff elapses", len(claimed))
	}
}

func TestReleaseKeepsRetryBudget(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	robotID := id.NewRobotID()

	j := job.New("released", nil)
	if err := s.Submit(ctx, j); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	claimOne(t, s, robotID, time.Minute)

	if ok, err := s.Release(ctx, j.ID, robotID); err != nil || !ok {
		t.Fatalf("Release = %v, %v", ok, err)
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.State != job.StatePending || got.RetryCount != 0 {
		t.Errorf("after release: state=%s retries=%d, want pending/0", got.State, got.RetryCount)
	}

	// Immediately claimable again.
	claimOne(t, s, robotID, time.Minute)
}

func TestRecoverExpired(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	robotID := id.NewRobotID()
	policy := job.RequeuePolicy{BaseDelay: 0, Multiplier: 2, MaxDelay: time.Minute}

	j := job.New("orphaned", nil)
	if err := s.Submit(ctx, j); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	claimOne(t, s, robotID, 50*time.Millisecond)

	time.Sleep(100 * time.Millisecond)

	recovered, err := s.RecoverExpired(ctx, policy)
	if err != nil {
		t.Fatalf("RecoverExpired: %v", err)
	}
	if len(recovered) != 1 {
		t.Fatalf("recovered %d jobs, want 1", len(recovered))
	}
	if recovered[0].State != job.StatePending || recovered[0].RetryCount != 1 {
		t.Errorf("recovered state=%s retries=%d", recovered[0].State, recovered[0].RetryCount)
	}

	// Idempotent: the next sweep finds nothing.
	recovered, err = s.RecoverExpired(ctx, policy)
	if err != nil {
		t.Fatalf("second RecoverExpired: %v", err)
	}
	if len(recovered) != 0 {
		t.Errorf("second sweep recovered %d jobs, want 0", len(recovered))
	}

	// A stale completion from the presumed-dead robot is a no-op.
	if ok, err := s.Complete(ctx, j.ID, robotID, nil); err != nil || ok {
		t.Errorf("stale Complete = %v, %v, want false no-op", ok, err)
	}
}

func TestRecoverExpiredBudgetSpent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	robotID := id.NewRobotID()
	policy := job.RequeuePolicy{BaseDelay: 0, Multiplier: 2, MaxDelay: time.Minute}

	j := job.New("doomed", nil, job.WithMaxRetries(0))
	if err := s.Submit(ctx, j); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	claimOne(t, s, robotID, 50*time.Millisecond)

	time.Sleep(100 * time.Millisecond)

	recovered, err := s.RecoverExpired(ctx, policy)
	if err != nil {
		t.Fatalf("RecoverExpired: %v", err)
	}
	if len(recovered) != 1 {
		t.Fatalf("recovered %d jobs, want 1", len(recovered))
	}
	if recovered[0].State != job.StateFailed {
		t.Errorf("State = %s, want failed (budget spent)", recovered[0].State)
	}
	if recovered[0].LastError != "lease expired: robot stopped responding" {
		t.Errorf("LastError = %q", recovered[0].LastError)
	}
}

func TestRecoverExpiredKeepsPriorError(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	robotID := id.NewRobotID()
	policy := job.RequeuePolicy{BaseDelay: 0, Multiplier: 2, MaxDelay: time.Minute}

	j := job.New("wobbly", nil, job.WithMaxRetries(1))
	if err := s.Submit(ctx, j); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	claimOne(t, s, robotID, 30*time.Second)

	// The robot reports a real failure before going quiet for good.
	if ok, err := s.Fail(ctx, j.ID, robotID, "disk full", true, 0); err != nil || !ok {
		t.Fatalf("Fail = %v, %v", ok, err)
	}

	claimOne(t, s, robotID, 50*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	recovered, err := s.RecoverExpired(ctx, policy)
	if err != nil {
		t.Fatalf("RecoverExpired: %v", err)
	}
	if len(recovered) != 1 {
		t.Fatalf("recovered %d jobs, want 1", len(recovered))
	}
	if recovered[0].State != job.StateFailed {
		t.Fatalf("State = %s, want failed", recovered[0].State)
	}
	// The terminal record keeps the robot's error, not the sweep's.
	if recovered[0].LastError != "disk full" {
		t.Errorf("LastError = %q, want \"disk full\"", recovered[0].LastError)
	}
}

func TestExtendLeaseSurvivesSweep(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	robotID := id.NewRobotID()
	policy := job.RequeuePolicy{BaseDelay: 0, Multiplier: 2}

	j := job.New("heartbeating", nil)
	if err := s.Submit(ctx, j); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	claimOne(t, s, robotID, 50*time.Millisecond)

	if ok, err := s.ExtendLease(ctx, j.ID, robotID, time.Minute); err != nil || !ok {
		t.Fatalf("ExtendLease = %v, %v", ok, err)
	}

	time.Sleep(100 * time.Millisecond)

	recovered, err := s.RecoverExpired(ctx, policy)
	if err != nil {
		t.Fatalf("RecoverExpired: %v", err)
	}
	if len(recovered) != 0 {
		t.Errorf("sweep recovered %d jobs, want 0 after extension", len(recovered))
	}
}

func TestCancel(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := job.New("cancellable", nil)
	if err := s.Submit(ctx, j); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if ok, err := s.Cancel(ctx, j.ID); err != nil || !ok {
		t.Fatalf("Cancel = %v, %v", ok, err)
	}

	// Already terminal: false, no error.
	if ok, err := s.Cancel(ctx, j.ID); err != nil || ok {
		t.Fatalf("second Cancel = %v, %v, want false", ok, err)
	}

	// Unknown job: error.
	if _, err := s.Cancel(ctx, id.NewJobID()); !errors.Is(err, casare.ErrJobNotFound) {
		t.Errorf("Cancel unknown = %v, want ErrJobNotFound", err)
	}
}

func TestPendingEnvironmentsAndCounts(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.Submit(ctx, job.New("a", nil, job.WithEnvironment("erp"))); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := s.Submit(ctx, job.New("b", nil, job.WithEnvironment("hr"))); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := s.Submit(ctx, job.New("c", nil, job.WithEnvironment("hr"))); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	invisible := job.New("d", nil,
		job.WithEnvironment("later"),
		job.WithVisibleAfter(time.Now().Add(time.Hour)))
	if err := s.Submit(ctx, invisible); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	envs, err := s.PendingEnvironments(ctx)
	if err != nil {
		t.Fatalf("PendingEnvironments: %v", err)
	}
	if len(envs) != 2 || envs[0] != "erp" || envs[1] != "hr" {
		t.Errorf("envs = %v, want [erp hr]", envs)
	}

	count, err := s.CountJobs(ctx, job.CountOpts{Environment: "hr", State: job.StatePending})
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestListJobsByRobot(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	robotID := id.NewRobotID()

	if err := s.Submit(ctx, job.New("mine", nil)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	claimOne(t, s, robotID, time.Minute)

	list, err := s.ListJobsByState(ctx, job.StateRunning, job.ListOpts{RobotID: robotID})
	if err != nil {
		t.Fatalf("ListJobsByState: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("listed %d jobs, want 1", len(list))
	}

	list, err = s.ListJobsByState(ctx, job.StateRunning, job.ListOpts{RobotID: id.NewRobotID()})
	if err != nil {
		t.Fatalf("ListJobsByState: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("listed %d jobs for a different robot, want 0", len(list))
	}
}

// ──────────────────────────────────────────────────
// Robot registry tests
// ──────────────────────────────────────────────────

func TestRobotLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r := &robot.Robot{
		Entity:       casare.NewEntity(),
		ID:           id.NewRobotID(),
		Name:         "finance-bot",
		Hostname:     "vm-finance-01",
		Environments: []string{"erp", "finance"},
		Capacity:     3,
		LastSeen:     time.Now().UTC(),
		Metadata:     map[string]string{"tags": "sap"},
	}
	if err := s.Register(ctx, r); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register(ctx, r); !errors.Is(err, casare.ErrRobotAlreadyExists) {
		t.Fatalf("duplicate Register = %v, want ErrRobotAlreadyExists", err)
	}

	if err := s.Heartbeat(ctx, r.ID, 2); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	got, err := s.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ActiveJobs != 2 {
		t.Errorf("ActiveJobs = %d, want 2", got.ActiveJobs)
	}
	if len(got.Environments) != 2 || got.Environments[0] != "erp" {
		t.Errorf("Environments = %v", got.Environments)
	}
	if got.Metadata["tags"] != "sap" {
		t.Errorf("Metadata = %v", got.Metadata)
	}

	stale, err := s.ReapStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("ReapStale: %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("reaped %d fresh robots", len(stale))
	}

	stale, err = s.ReapStale(ctx, 0)
	if err != nil {
		t.Fatalf("ReapStale: %v", err)
	}
	if len(stale) != 1 {
		t.Errorf("reaped %d robots with zero threshold, want 1", len(stale))
	}

	if err := s.Deregister(ctx, r.ID); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if _, err := s.Get(ctx, r.ID); !errors.Is(err, casare.ErrRobotNotFound) {
		t.Errorf("Get after deregister = %v, want ErrRobotNotFound", err)
	}
}

// ──────────────────────────────────────────────────
// DLQ tests
// ──────────────────────────────────────────────────

func TestDLQLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	entry := &dlq.Entry{
		ID:           id.NewDLQID(),
		JobID:        id.NewJobID(),
		WorkflowName: "invoice-export",
		Environment:  "erp",
		Payload:      []byte(`{}`),
		Variables:    map[string]string{"tenant": "acme"},
		Error:        "selector not found",
		RetryCount:   3,
		MaxRetries:   3,
		FailedAt:     time.Now().UTC(),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.PushDLQ(ctx, entry); err != nil {
		t.Fatalf("PushDLQ: %v", err)
	}

	got, err := s.GetDLQ(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetDLQ: %v", err)
	}
	if got.Error != "selector not found" || got.RetryCount != 3 {
		t.Errorf("entry = %+v", got)
	}
	if got.ReplayedAt != nil {
		t.Error("ReplayedAt set before replay")
	}

	if err := s.ReplayDLQ(ctx, entry.ID); err != nil {
		t.Fatalf("ReplayDLQ: %v", err)
	}
	got, _ = s.GetDLQ(ctx, entry.ID)
	if got.ReplayedAt == nil {
		t.Error("ReplayedAt not set after replay")
	}

	list, err := s.ListDLQ(ctx, dlq.ListOpts{Environment: "erp"})
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("listed %d entries, want 1", len(list))
	}

	count, err := s.CountDLQ(ctx)
	if err != nil {
		t.Fatalf("CountDLQ: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}

	purged, err := s.PurgeDLQ(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("PurgeDLQ: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
}
