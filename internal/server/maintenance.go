package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/crutech/nydus/internal/allocpool"
	"github.com/crutech/nydus/internal/authpipeline"
	"github.com/crutech/nydus/internal/sessionprobe"
	"github.com/crutech/nydus/internal/token"
)

// maintenanceLoop sleeps for cfg.Period between passes, running one
// immediately on start is deliberately NOT done here — the startup
// sequence's auth_all already populates/refreshes the pool before the
// listener and this worker start.
func (s *Server) maintenanceLoop() {
	ticker := time.NewTicker(s.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runMaintenancePass()
		case <-s.ctx.Done():
			return
		}
	}
}

// runMaintenancePass performs the three-step pass described in
// spec.md §4.7: incremental per-stage renewal, release-expired, and
// release-where-no-live-session, all under one acquisition of the
// engine lock (allocpool.Engine.RunMaintenance).
func (s *Server) runMaintenancePass() {
	start := time.Now()

	sessions, err := s.prober.Sessions(s.ctx)
	if err != nil {
		slog.Warn("server: session probe failed", "err", err)
		if s.metrics != nil {
			s.metrics.SessionProbeError()
		}
		sessions = nil
	}
	live := sessionprobe.LiveSet(sessions)

	hooks := allocpool.MaintenanceHooks{
		Period:            s.cfg.Period,
		RenewalK:          s.cfg.RenewalK,
		AllocationTimeout: s.cfg.AllocationTimeout,
		LiveSessions:      live,
		RenewIdp: func(ctx context.Context, username string) (token.AccessToken, error) {
			return s.pipeline.IDP.AcquireToken(ctx, username, false)
		},
		RenewPlatform: func(ctx context.Context, idp token.AccessToken) (token.AccessToken, error) {
			return authpipeline.GetTokXboxLive(ctx, s.pipeline.Client, s.pipeline.Endpoints, idp)
		},
		RenewPlatformAuthz: func(ctx context.Context, platform token.AccessToken) (token.AccessToken, error) {
			return authpipeline.GetTokXSTS(ctx, s.pipeline.Client, s.pipeline.Endpoints, platform)
		},
		RenewGame: func(ctx context.Context, authz token.AccessToken) (token.AccessToken, error) {
			return authpipeline.GetTokMinecraft(ctx, s.pipeline.Client, s.pipeline.Endpoints, authz)
		},
		OnRenewResult: func(stage string, ok bool) {
			if s.metrics != nil {
				s.metrics.TokenRenewal(stage, ok)
			}
		},
	}

	if _, err := s.engine.RunMaintenance(s.ctx, hooks); err != nil {
		if errors.Is(err, allocpool.ErrStorageFailure) {
			s.fatal(err)
			return
		}
		slog.Error("server: maintenance pass failed", "err", err)
		return
	}

	if s.metrics != nil {
		s.metrics.MaintenancePassCompleted(time.Since(start))
		free, allocated := 0, 0
		for _, r := range s.engine.ViewAll() {
			if r.IsAllocated() {
				allocated++
			} else {
				free++
			}
		}
		s.metrics.SetPoolRecords(free, allocated)
	}
}
