package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewDoesNotPanicOnMultipleCalls(t *testing.T) {
	// Calling New() multiple times should not panic because each creates
	// its own registry instead of using the global default.
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("New() panicked on repeated calls: %v", r)
		}
	}()

	c1 := New()
	c2 := New()

	c1.SetPoolRecords(1, 2)
	c2.SetPoolRecords(3, 4)

	if v := testutil.ToFloat64(c1.poolRecords.WithLabelValues("free")); v != 1 {
		t.Errorf("c1 free = %v, want 1", v)
	}
	if v := testutil.ToFloat64(c2.poolRecords.WithLabelValues("free")); v != 3 {
		t.Errorf("c2 free = %v, want 3", v)
	}
}

func TestSetPoolRecords(t *testing.T) {
	c := New()

	c.SetPoolRecords(5, 2)
	if v := testutil.ToFloat64(c.poolRecords.WithLabelValues("free")); v != 5 {
		t.Errorf("free = %v, want 5", v)
	}
	if v := testutil.ToFloat64(c.poolRecords.WithLabelValues("allocated")); v != 2 {
		t.Errorf("allocated = %v, want 2", v)
	}

	// A second call replaces, not increments.
	c.SetPoolRecords(1, 1)
	if v := testutil.ToFloat64(c.poolRecords.WithLabelValues("free")); v != 1 {
		t.Errorf("free after second call = %v, want 1", v)
	}
}

func TestAllocateResult(t *testing.T) {
	c := New()

	c.AllocateResult("allocated")
	c.AllocateResult("allocated")
	c.AllocateResult("no_free_record")

	if v := testutil.ToFloat64(c.allocateTotal.WithLabelValues("allocated")); v != 2 {
		t.Errorf("allocated total = %v, want 2", v)
	}
	if v := testutil.ToFloat64(c.allocateTotal.WithLabelValues("no_free_record")); v != 1 {
		t.Errorf("no_free_record total = %v, want 1", v)
	}
}

func TestReleaseResult(t *testing.T) {
	c := New()

	c.ReleaseResult("released")
	c.ReleaseResult("noop")
	c.ReleaseResult("noop")

	if v := testutil.ToFloat64(c.releaseTotal.WithLabelValues("released")); v != 1 {
		t.Errorf("released total = %v, want 1", v)
	}
	if v := testutil.ToFloat64(c.releaseTotal.WithLabelValues("noop")); v != 2 {
		t.Errorf("noop total = %v, want 2", v)
	}
}

func TestTokenRenewal(t *testing.T) {
	c := New()

	c.TokenRenewal("idp", true)
	c.TokenRenewal("idp", false)
	c.TokenRenewal("game", true)

	if v := testutil.ToFloat64(c.tokenRenewalsTotal.WithLabelValues("idp", "ok")); v != 1 {
		t.Errorf("idp ok = %v, want 1", v)
	}
	if v := testutil.ToFloat64(c.tokenRenewalsTotal.WithLabelValues("idp", "failed")); v != 1 {
		t.Errorf("idp failed = %v, want 1", v)
	}
	if v := testutil.ToFloat64(c.tokenRenewalsTotal.WithLabelValues("game", "ok")); v != 1 {
		t.Errorf("game ok = %v, want 1", v)
	}
}

func TestMaintenancePassCompleted(t *testing.T) {
	c := New()

	c.MaintenancePassCompleted(10 * time.Millisecond)
	c.MaintenancePassCompleted(20 * time.Millisecond)

	families, err := c.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}

	var found bool
	for _, f := range families {
		if f.GetName() == "nydus_maintenance_pass_duration_seconds" {
			found = true
			m := f.GetMetric()
			if len(m) == 0 {
				t.Fatal("no metric samples")
			}
			if m[0].GetHistogram().GetSampleCount() != 2 {
				t.Errorf("expected 2 samples, got %d", m[0].GetHistogram().GetSampleCount())
			}
		}
	}
	if !found {
		t.Error("maintenance pass duration metric not found")
	}
}

func TestSessionProbeError(t *testing.T) {
	c := New()

	c.SessionProbeError()
	c.SessionProbeError()
	c.SessionProbeError()

	if v := testutil.ToFloat64(c.sessionProbeErrors); v != 3 {
		t.Errorf("session probe errors = %v, want 3", v)
	}
}
