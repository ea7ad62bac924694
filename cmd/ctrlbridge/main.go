// Command ctrlbridge runs the sensor-to-actuator control loop: it ingests
// robot sensor samples, synthesizes a 60-element control vector at a fixed
// rate and streams it to the motor controller over serial or TCP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/ctrlbridge/internal/actuation"
	"github.com/banshee-data/ctrlbridge/internal/api"
	"github.com/banshee-data/ctrlbridge/internal/config"
	"github.com/banshee-data/ctrlbridge/internal/controlloop"
	"github.com/banshee-data/ctrlbridge/internal/db"
	"github.com/banshee-data/ctrlbridge/internal/publish"
	"github.com/banshee-data/ctrlbridge/internal/sensor"
	"github.com/banshee-data/ctrlbridge/internal/timeutil"
	"github.com/banshee-data/ctrlbridge/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to a JSON or TOML control config (defaults to "+config.DefaultConfigPath+" when present)")
	devMode     = flag.Bool("dev", false, "Replace the serial controller with an in-process echo controller")
	showVersion = flag.Bool("version", false, "Print version and exit")
	listen      = flag.String("listen", "", "HTTP listen address (overrides http_listen)")
	udpListen   = flag.String("udp-listen", "", "UDP sensor listen address (overrides udp_listen)")
	grpcListen  = flag.String("grpc-listen", "", "gRPC health listen address (overrides grpc_listen)")
	transport   = flag.String("transport", "", "Actuation transport: serial or tcp (overrides transport)")
	device      = flag.String("device", "", "Serial device path (overrides serial_device)")
	socket      = flag.String("socket", "", "TCP controller address (overrides socket_address)")
	policyMode  = flag.String("policy", "", "Policy mode: pinn or actor (overrides policy_mode)")
	dbPath      = flag.String("db", "", "Tick recorder database path (overrides db_path)")
	noRecord    = flag.Bool("no-record", false, "Disable the tick recorder")
)

// loadConfig reads the config file and applies command-line overrides.
func loadConfig() (*config.ControlConfig, error) {
	path := *configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath); err == nil {
			path = config.DefaultConfigPath
		}
	}
	cfg := config.DefaultControlConfig()
	if path != "" {
		loaded, err := config.LoadControlConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
		log.Printf("loaded config from %s", path)
	}
	applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyOverrides(cfg *config.ControlConfig) {
	str := func(flagVal string, dst **string) {
		if flagVal != "" {
			v := flagVal
			*dst = &v
		}
	}
	str(*listen, &cfg.HTTPListen)
	str(*udpListen, &cfg.UDPListen)
	str(*grpcListen, &cfg.GRPCListen)
	str(*transport, &cfg.Transport)
	str(*device, &cfg.SerialDevice)
	str(*socket, &cfg.SocketAddress)
	str(*policyMode, &cfg.PolicyMode)
	str(*dbPath, &cfg.DBPath)
	if *noRecord {
		off := false
		cfg.RecordTicks = &off
	}
}

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String())
		return
	}
	log.Printf("starting %s", version.String())

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := timeutil.RealClock{}
	tr, err := buildTransport(cfg, *devMode, clock)
	if err != nil {
		log.Fatalf("failed to configure transport: %v", err)
	}
	if err := tr.Open(ctx); err != nil {
		if errors.Is(err, actuation.ErrTransportUnavailable) {
			log.Fatalf("actuation transport unavailable: %v", err)
		}
		log.Fatalf("failed to open transport: %v", err)
	}
	log.Printf("opened actuation transport %s", tr)

	refiner, err := buildRefiner(cfg)
	if err != nil {
		log.Fatalf("invalid refiner settings: %v", err)
	}
	link := wrapTransport(tr, refiner, backoffFromConfig(cfg), clock)

	synth, actor, err := loadPolicies(cfg)
	if err != nil {
		log.Fatalf("failed to load policy weights: %v", err)
	}

	var (
		database *db.DB
		recorder *db.Recorder
		runID    string
	)
	if cfg.GetRecordTicks() {
		database, err = db.NewDB(cfg.GetDBPath())
		if err != nil {
			log.Fatalf("failed to open tick database: %v", err)
		}
		defer database.Close()
		run, err := database.StartRun(db.Run{
			PolicyMode: cfg.GetPolicyMode(),
			Transport:  tr.String(),
			ConfigJSON: configJSON(cfg),
			Version:    version.Version,
		})
		if err != nil {
			log.Fatalf("failed to start run: %v", err)
		}
		runID = run.RunID
		recorder = db.NewRecorder(database, 256)
		log.Printf("recording run %s to %s", runID, cfg.GetDBPath())
	}

	lc, err := loopConfig(cfg, runID)
	if err != nil {
		log.Fatalf("invalid loop config: %v", err)
	}
	hub := publish.NewHub()
	deps := controlloop.Deps{
		Link:        link,
		Synthesizer: synth,
		Actor:       actor,
		Publisher:   hub,
		Clock:       clock,
	}
	if recorder != nil {
		deps.Recorder = recorder
	}
	loop, err := controlloop.New(lc, deps)
	if err != nil {
		log.Fatalf("failed to build control loop: %v", err)
	}
	defer loop.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("control loop running every %v (%s policy)", lc.TickInterval, lc.Mode)
		err := loop.Run(gctx)
		log.Print("control loop stopped")
		return ignoreCanceled(err)
	})

	if recorder != nil {
		g.Go(func() error { return ignoreCanceled(recorder.Run(gctx)) })
	}

	if addr := cfg.GetUDPListen(); addr != "" {
		udp := sensor.NewUDPListener(sensor.UDPListenerConfig{
			Address:  addr,
			RcvBuf:   4 << 20,
			Ingester: loop,
		})
		g.Go(func() error { return ignoreCanceled(udp.Start(gctx)) })
	}

	if addr := cfg.GetGRPCListen(); addr != "" {
		health := api.NewHealth(func() actuation.State { return link.Stats().State }, clock)
		g.Go(func() error {
			health.Run(gctx)
			return nil
		})
		g.Go(func() error { return health.Serve(gctx, addr) })
	}

	g.Go(func() error {
		mux := api.NewServer(loop, hub, database).ServeMux()
		if database != nil {
			database.AttachAdminRoutes(mux)
		}
		server := &http.Server{
			Addr:              cfg.GetHTTPListen(),
			Handler:           api.LoggingMiddleware(mux),
			ReadHeaderTimeout: 5 * time.Second,
		}
		errc := make(chan error, 1)
		go func() {
			log.Printf("HTTP listening on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
			close(errc)
		}()

		select {
		case err := <-errc:
			return err
		case <-gctx.Done():
		}
		log.Println("shutting down HTTP server...")
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Printf("shutting down after error: %v", err)
	}

	if database != nil {
		if err := database.StopRun(runID, time.Now()); err != nil {
			log.Printf("failed to stop run %s: %v", runID, err)
		}
		log.Printf("run %s: %d ticks recorded, %d dropped", runID, recorder.Written(), recorder.Dropped())
	}
	log.Printf("graceful shutdown complete")
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
