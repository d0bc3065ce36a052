package allocpool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crutech/nydus/internal/token"
)

func TestRunMaintenanceRenewsNearExpiryIdpToken(t *testing.T) {
	r := freeRecord(t, "uuid-1", "Steve", "game-tok")
	// Force t_idp to be within its renewal window.
	almostExpired, _ := token.New("idp-old", time.Now().Add(time.Minute), "")
	r.Bundle.ReplaceIdpToken(almostExpired)
	e := newTestEngine(t, []*Record{r})

	var renewedUsername string
	results := map[string]bool{}
	_, err := e.RunMaintenance(context.Background(), MaintenanceHooks{
		Period:            10 * time.Minute,
		RenewalK:          2,
		AllocationTimeout: time.Hour,
		LiveSessions:      map[string]bool{},
		RenewIdp: func(ctx context.Context, username string) (token.AccessToken, error) {
			renewedUsername = username
			return token.New("idp-new", time.Now().Add(time.Hour), "")
		},
		OnRenewResult: func(stage string, ok bool) { results[stage] = ok },
	})
	if err != nil {
		t.Fatalf("RunMaintenance: %v", err)
	}
	if renewedUsername != "uuid-1@example.com" {
		t.Errorf("renewed username = %q", renewedUsername)
	}
	if !results["idp"] {
		t.Errorf("expected idp renewal reported ok")
	}
	if e.recs[0].Bundle.TIdp.Token() != "idp-new" {
		t.Errorf("t_idp not replaced: %q", e.recs[0].Bundle.TIdp.Token())
	}
}

func TestRunMaintenanceSwallowsRenewalFailure(t *testing.T) {
	r := freeRecord(t, "uuid-1", "Steve", "game-tok")
	almostExpired, _ := token.New("idp-old", time.Now().Add(time.Minute), "")
	r.Bundle.ReplaceIdpToken(almostExpired)
	e := newTestEngine(t, []*Record{r})

	_, err := e.RunMaintenance(context.Background(), MaintenanceHooks{
		Period:            10 * time.Minute,
		RenewalK:          2,
		AllocationTimeout: time.Hour,
		LiveSessions:      map[string]bool{},
		RenewIdp: func(ctx context.Context, username string) (token.AccessToken, error) {
			return token.AccessToken{}, errors.New("upstream down")
		},
	})
	if err != nil {
		t.Fatalf("RunMaintenance should not fail on a swallowed renewal error: %v", err)
	}
	if e.recs[0].Bundle.TIdp.Token() != "idp-old" {
		t.Errorf("token should be left unchanged on renewal failure, got %q", e.recs[0].Bundle.TIdp.Token())
	}
}

func TestRunMaintenanceReleasesExpiredTenancy(t *testing.T) {
	r := freeRecord(t, "uuid-1", "Steve", "game-tok")
	if err := r.Allocate("192.168.1.5", "alice", time.Now().Add(-3*time.Hour)); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	e := newTestEngine(t, []*Record{r})

	released, err := e.RunMaintenance(context.Background(), MaintenanceHooks{
		Period:            10 * time.Minute,
		RenewalK:          2,
		AllocationTimeout: 2 * time.Hour,
		LiveSessions:      map[string]bool{},
	})
	if err != nil {
		t.Fatalf("RunMaintenance: %v", err)
	}
	if released != 1 {
		t.Errorf("expected 1 released, got %d", released)
	}
	if e.recs[0].IsAllocated() {
		t.Error("expected record released after tenancy expiry")
	}
}

func TestRunMaintenanceReleasesRecordsWithNoLiveSession(t *testing.T) {
	r := freeRecord(t, "uuid-1", "Steve", "game-tok")
	if err := r.Allocate("192.168.1.5", "alice", time.Now()); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	e := newTestEngine(t, []*Record{r})

	released, err := e.RunMaintenance(context.Background(), MaintenanceHooks{
		Period:            10 * time.Minute,
		RenewalK:          2,
		AllocationTimeout: 2 * time.Hour,
		LiveSessions:      map[string]bool{"bob@192.168.1.5": true},
	})
	if err != nil {
		t.Fatalf("RunMaintenance: %v", err)
	}
	if released != 1 {
		t.Errorf("expected 1 released, got %d", released)
	}
	if e.recs[0].IsAllocated() {
		t.Error("expected record released: no matching live session")
	}
}

func TestRunMaintenanceKeepsLiveSessionAllocated(t *testing.T) {
	r := freeRecord(t, "uuid-1", "Steve", "game-tok")
	if err := r.Allocate("192.168.1.5", "alice", time.Now()); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	e := newTestEngine(t, []*Record{r})

	released, err := e.RunMaintenance(context.Background(), MaintenanceHooks{
		Period:            10 * time.Minute,
		RenewalK:          2,
		AllocationTimeout: 2 * time.Hour,
		LiveSessions:      map[string]bool{"alice@192.168.1.5": true},
	})
	if err != nil {
		t.Fatalf("RunMaintenance: %v", err)
	}
	if released != 0 {
		t.Errorf("expected 0 released, got %d", released)
	}
	if !e.recs[0].IsAllocated() {
		t.Error("expected record to remain allocated: live session present")
	}
}
