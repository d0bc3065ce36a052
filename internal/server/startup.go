package server

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/crutech/nydus/internal/allocpool"
	"github.com/crutech/nydus/internal/authpipeline"
	"github.com/crutech/nydus/internal/config"
	"github.com/crutech/nydus/internal/metrics"
	"github.com/crutech/nydus/internal/sessionprobe"
)

// ReadUsernames reads a newline-delimited list of upstream usernames,
// skipping blank lines.
func ReadUsernames(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("server: reading accounts file: %w", err)
	}
	defer f.Close()

	var usernames []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		usernames = append(usernames, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("server: reading accounts file: %w", err)
	}
	return usernames, nil
}

// Bootstrap implements the startup sequence of spec.md §4.7: read the
// upstream-username list, run auth_all with interactiveAllowed=true
// (the operator signs accounts in as device-code prompts surface), and
// either populate an empty pool from the results or fold the fresh
// bundles into an existing file by upstream username. Returns a Server
// ready to ListenAndServe/Serve.
func Bootstrap(ctx context.Context, cfg *config.Config, devicePrompt authpipeline.DevicePrompt, m *metrics.Collector) (*Server, error) {
	usernames, err := ReadUsernames(cfg.Files.AccountsFile)
	if err != nil {
		return nil, err
	}

	cache := authpipeline.NewIdentityCache()
	idp, err := authpipeline.NewMSALProvider(cfg.MSAL.ClientID, cache, devicePrompt)
	if err != nil {
		return nil, fmt.Errorf("server: constructing identity provider: %w", err)
	}
	pipeline := authpipeline.New(idp)

	bundles := pipeline.AuthAll(ctx, usernames, true)

	engine, err := allocpool.Load(cfg.Files.AllocFile)
	if err != nil {
		return nil, err
	}

	if engine.CountTotal() == 0 {
		var recs []*allocpool.Record
		for _, username := range usernames {
			b := bundles[username]
			if b == nil {
				continue
			}
			recs = append(recs, &allocpool.Record{Bundle: b})
		}
		if err := engine.Create(recs); err != nil {
			return nil, err
		}
	} else if err := engine.RefreshBundlesByUsername(bundles); err != nil {
		return nil, err
	}

	prober := sessionprobe.New()

	return New(engine, pipeline, prober, m, MaintenanceConfig{
		Period:            cfg.Maintenance.Period,
		AllocationTimeout: cfg.Maintenance.AllocationTimeout,
		RenewalK:          cfg.Maintenance.RenewalK,
	}, cfg.Server.McVersion), nil
}
