// Command autopilotd is a runnable example wiring C1-C8 together: an
// in-memory runtime harness standing in for the stream-processing runtime
// (spec §1's external collaborator), the interactive query executor, the
// autopilot control loop, and the management HTTP surface.
//
// Grounded on cmd/hostapp/main.go's shape: env-driven config, a
// signal.NotifyContext lifetime, an http.Server wrapped in the shared
// middleware, and graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/docxology/kstreams-autopilot/internal/api"
	"github.com/docxology/kstreams-autopilot/internal/autopilot"
	"github.com/docxology/kstreams-autopilot/internal/config"
	"github.com/docxology/kstreams-autopilot/internal/harness"
	"github.com/docxology/kstreams-autopilot/internal/hostmgr"
	"github.com/docxology/kstreams-autopilot/internal/iqexec"
	"github.com/docxology/kstreams-autopilot/internal/localstore"
	"github.com/docxology/kstreams-autopilot/internal/model"
	"github.com/docxology/kstreams-autopilot/internal/recovery"
	"github.com/docxology/kstreams-autopilot/internal/serde"
)

// envProperties reads the recognized configuration keys (spec §6) from the
// environment, matching the Java world's convention of one dotted property
// per env var without a translation layer on top.
func envProperties(keys []string) config.Properties {
	values := map[string]string{}
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			values[k] = v
		}
	}
	return config.New(values)
}

func parseHosts(raw string) []model.HostInfo {
	var hosts []model.HostInfo
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		host, portStr, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}
		hosts = append(hosts, model.HostInfo{Host: host, Port: port})
	}
	return hosts
}

func main() {
	log.SetFlags(0)

	if os.Getenv(config.KeyEndpointsExposure) == "" {
		// Default the example binary to exposing both beans, matching S1.
		os.Setenv(config.KeyEndpointsExposure, "readonlystatestore,autopilot")
	}
	props := envProperties([]string{
		config.KeySelfEndpoint,
		config.KeyNumStreamThreads,
		config.KeyAutopilotEnabled,
		config.KeyLagThreshold,
		config.KeyThreadLimit,
		config.KeyPeriodInitialDelay,
		config.KeyPeriodBetweenRuns,
		config.KeyExclusionPattern,
		config.KeyMaxPollIntervalMS,
		config.KeySessionTimeoutMS,
		config.KeyEndpointsExposure,
	})

	selfHost, selfPort, ok := props.SelfEndpoint()
	if !ok {
		log.Fatalf("application.server must be set as host:port")
	}
	selfInfo := model.HostInfo{Host: selfHost, Port: selfPort}

	peers := parseHosts(os.Getenv("AUTOPILOT_PEERS"))
	hosts := append([]model.HostInfo{selfInfo}, peers...)

	stateDir := os.Getenv("AUTOPILOT_STATE_DIR")
	if stateDir == "" {
		stateDir = "."
	}
	aCfg := config.LoadAutopilotConfig(props)

	rt, err := harness.New(stateDir, hosts, aCfg.DesiredThreadCount)
	if err != nil {
		log.Fatalf("harness: %v", err)
	}
	defer rt.Close()

	sqliteHandle, err := rt.LocalStoreFor(selfInfo)
	if err != nil {
		log.Fatalf("local store: %v", err)
	}
	adapter, err := localstore.NewAdapter(props, sqliteHandle)
	if err != nil {
		// spec §7: "MissingSelfEndpoint is fatal at construction time".
		log.Fatalf("readonlystatestore bean construction: %v", err)
	}

	hostManager := hostmgr.New(selfInfo, rt, nil)
	registry := serde.NewDefaultRegistry()
	exec := iqexec.New(registry, hostManager, adapter)

	win := recovery.New(30 * time.Second)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	states, unsubscribe := rt.Subscribe()
	defer unsubscribe()
	go win.Watch(ctx, states)

	var ap *autopilot.Autopilot
	if aCfg.Enabled {
		ap = autopilot.New(aCfg, rt, rt, win)
		if err := ap.Automate(ctx, win); err != nil {
			log.Fatalf("autopilot automate: %v", err)
		}
		defer ap.Shutdown()
	}

	handler := api.Router(api.Deps{
		Props:         props,
		Executor:      exec,
		Autopilot:     ap,
		Runtime:       rt,
		ManualTimeout: 5 * time.Second,
		AllowedOrigin: os.Getenv("AUTOPILOT_CORS_ORIGIN"),
	})

	addr := fmt.Sprintf(":%d", selfPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Printf("autopilotd listening on %s (self=%s)", addr, selfInfo)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}
}
