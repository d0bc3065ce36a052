package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/oauth2"

	"github.com/crutech/nydus/internal/adminapi"
	"github.com/crutech/nydus/internal/config"
	"github.com/crutech/nydus/internal/metrics"
	"github.com/crutech/nydus/internal/server"
)

func main() {
	configPath := flag.String("config", "configs/nydus.yaml", "path to configuration file")
	adminAddr := flag.String("admin-addr", "127.0.0.1:8081", "bind address for the read-only admin HTTP surface")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("Nydus starting...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Configuration loaded from %s", *configPath)

	m := metrics.New()

	srv, err := server.Bootstrap(context.Background(), cfg, consolePrompt, m)
	if err != nil {
		log.Fatalf("Failed to bootstrap server: %v", err)
	}

	if err := srv.ListenAndServe(
		fmt.Sprintf("%s:%d", cfg.Server.IpAddr, cfg.Server.Port),
		cfg.Server.CertFile,
		cfg.Server.CertPrivKey,
	); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	adminServer := adminapi.NewServer(srv.Engine(), m)
	if err := adminServer.Start(*adminAddr); err != nil {
		log.Fatalf("Failed to start admin API server: %v", err)
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		log.Printf("Configuration changed on disk; restart required to apply it.")
	})
	if err != nil {
		log.Printf("Warning: config hot-reload not available: %v", err)
	}

	log.Printf("Nydus ready - server:%s:%d admin:%s", cfg.Server.IpAddr, cfg.Server.Port, *adminAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %s, shutting down...", sig)

	if configWatcher != nil {
		configWatcher.Stop()
	}
	adminServer.Stop()
	srv.Shutdown()

	log.Printf("Nydus stopped")
}

// consolePrompt implements authpipeline.DevicePrompt by printing the
// verification URI and user code to stderr for the operator to act on.
func consolePrompt(da *oauth2.DeviceAuthResponse) {
	fmt.Fprintf(os.Stderr, "\nSign in required: visit %s and enter code %s\n\n", da.VerificationURI, da.UserCode)
}
