package observability_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/omerlefaruk/CasareRPA-sub002/job"
	"github.com/omerlefaruk/CasareRPA-sub002/observability"
	"github.com/omerlefaruk/CasareRPA-sub002/robot"
)

func TestJobCounters(t *testing.T) {
	m := observability.NewMetricsExtension()
	ctx := context.Background()

	j := job.New("invoice-export", nil, job.WithEnvironment("erp"))

	if err := m.OnJobSubmitted(ctx, j); err != nil {
		t.Fatalf("OnJobSubmitted: %v", err)
	}
	if err := m.OnJobAssigned(ctx, j); err != nil {
		t.Fatalf("OnJobAssigned: %v", err)
	}
	if err := m.OnJobCompleted(ctx, j, 3*time.Second); err != nil {
		t.Fatalf("OnJobCompleted: %v", err)
	}
	if err := m.OnJobFailed(ctx, j, errors.New("boom")); err != nil {
		t.Fatalf("OnJobFailed: %v", err)
	}
	if err := m.OnJobRequeued(ctx, j, 1); err != nil {
		t.Fatalf("OnJobRequeued: %v", err)
	}
	if err := m.OnJobCancelled(ctx, j); err != nil {
		t.Fatalf("OnJobCancelled: %v", err)
	}
	if err := m.OnJobDeadLettered(ctx, j, errors.New("boom")); err != nil {
		t.Fatalf("OnJobDeadLettered: %v", err)
	}

	families, err := m.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	want := map[string]bool{
		"casare_jobs_submitted_total":     false,
		"casare_jobs_assigned_total":      false,
		"casare_jobs_completed_total":     false,
		"casare_jobs_failed_total":        false,
		"casare_jobs_requeued_total":      false,
		"casare_jobs_cancelled_total":     false,
		"casare_jobs_dead_lettered_total": false,
		"casare_job_duration_seconds":     false,
	}
	for _, mf := range families {
		name := mf.GetName()
		if _, ok := want[name]; !ok {
			continue
		}
		want[name] = true

		metric := mf.GetMetric()[0]
		for _, lp := range metric.GetLabel() {
			if lp.GetName() == "environment" && lp.GetValue() != "erp" {
				t.Errorf("%s environment label = %q, want erp", name, lp.GetValue())
			}
		}
		if mf.GetType().String() == "COUNTER" {
			if got := metric.GetCounter().GetValue(); got != 1 {
				t.Errorf("%s = %v, want 1", name, got)
			}
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("%s not gathered", name)
		}
	}
}

func TestRobotGauge(t *testing.T) {
	m := observability.NewMetricsExtension()
	ctx := context.Background()

	r := &robot.Robot{Name: "r1"}

	_ = m.OnRobotOnline(ctx, r)
	_ = m.OnRobotOnline(ctx, r)
	_ = m.OnRobotOffline(ctx, r)

	// One robot still connected.
	families, err := m.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	found := false
	for _, mf := range families {
		if mf.GetName() != "casare_robots_connected" {
			continue
		}
		found = true
		if got := mf.GetMetric()[0].GetGauge().GetValue(); got != 1 {
			t.Errorf("robots_connected = %v, want 1", got)
		}
	}
	if !found {
		t.Fatal("casare_robots_connected not gathered")
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	m := observability.NewMetricsExtension()
	if m.Handler() == nil {
		t.Fatal("Handler() returned nil")
	}
}
