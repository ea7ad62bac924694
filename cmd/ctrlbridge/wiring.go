package main

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/banshee-data/ctrlbridge/internal/actuation"
	"github.com/banshee-data/ctrlbridge/internal/config"
	"github.com/banshee-data/ctrlbridge/internal/controlloop"
	"github.com/banshee-data/ctrlbridge/internal/policy"
	"github.com/banshee-data/ctrlbridge/internal/refine"
	"github.com/banshee-data/ctrlbridge/internal/sensor"
	"github.com/banshee-data/ctrlbridge/internal/timeutil"
)

// backoffFromConfig maps the retry settings onto the transport backoff.
func backoffFromConfig(cfg *config.ControlConfig) actuation.BackoffConfig {
	b := actuation.DefaultBackoff()
	b.InitialDelay = cfg.GetRetryDelay()
	b.MaxDelay = cfg.GetRetryMaxDelay()
	b.MaxAttempts = cfg.GetOpenAttempts()
	return b
}

func linkConfig(cfg *config.ControlConfig, clock timeutil.Clock) actuation.LinkConfig {
	return actuation.LinkConfig{
		Retry:     backoffFromConfig(cfg),
		IOTimeout: cfg.GetIOTimeout(),
		Clock:     clock,
	}
}

// buildTransport creates the configured, still closed, transport. In dev
// mode the serial device is replaced by an in-process echo controller.
func buildTransport(cfg *config.ControlConfig, dev bool, clock timeutil.Clock) (actuation.Transport, error) {
	link := linkConfig(cfg, clock)
	switch cfg.GetTransport() {
	case config.TransportSerial:
		sc := actuation.SerialConfig{
			Path: cfg.GetSerialDevice(),
			Options: actuation.PortOptions{
				BaudRate: cfg.GetBaudRate(),
				DataBits: cfg.GetDataBits(),
				StopBits: cfg.GetStopBits(),
				Parity:   cfg.GetParity(),
			},
			ReadTimeout: cfg.GetIOTimeout(),
			Link:        link,
		}
		if dev {
			opener := &actuation.MockOpener{Ports: []actuation.SerialPorter{actuation.NewEchoPort()}}
			sc.Opener = opener.Open
			log.Printf("dev mode: serial device %s replaced by an echo controller", sc.Path)
		}
		return actuation.NewSerialTransport(sc)
	case config.TransportTCP:
		return actuation.NewSocketTransport(actuation.SocketConfig{
			Address: cfg.GetSocketAddress(),
			Mode:    actuation.SocketMode(cfg.GetSocketMode()),
			Link:    link,
		})
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.GetTransport())
	}
}

// buildRefiner returns nil when refinement is disabled.
func buildRefiner(cfg *config.ControlConfig) (*refine.Refiner, error) {
	if !cfg.GetRefineEnabled() {
		return nil, nil
	}
	bounds := refine.UniformBounds(float32(cfg.GetRefineLower()), float32(cfg.GetRefineUpper()))
	settings := refine.DefaultSettings()
	settings.TrackingWeight = cfg.GetRefineTracking()
	settings.MaxIterations = cfg.GetRefineMaxIter()
	return refine.New(bounds, settings)
}

// wrapTransport layers the refiner in front of t and returns the link the
// control loop drives.
func wrapTransport(t actuation.Transport, r *refine.Refiner, retry actuation.BackoffConfig, clock timeutil.Clock) *actuation.FallbackLink {
	if r != nil {
		t = actuation.NewRefiningTransport(t, r)
	}
	return actuation.NewFallbackLink(t, retry, clock)
}

// loadPolicies builds both networks from the seed and overwrites their
// weights from the configured files.
func loadPolicies(cfg *config.ControlConfig) (*policy.Synthesizer, *policy.ActorCritic, error) {
	synth := policy.NewSynthesizer(cfg.GetSeed())
	actor := policy.NewActorCritic(synth.InputWidth(), synth.InputWidth(), cfg.GetSeed())

	if path := cfg.GetSynthesizerPath(); path != "" {
		var p policy.SynthesizerParams
		if err := policy.LoadParams(path, &p); err != nil {
			return nil, nil, fmt.Errorf("synthesizer weights: %w", err)
		}
		if err := synth.SetParams(p); err != nil {
			return nil, nil, fmt.Errorf("synthesizer weights %s: %w", path, err)
		}
		log.Printf("loaded synthesizer weights from %s", path)
	}
	if path := cfg.GetActorCriticPath(); path != "" {
		var p policy.ActorCriticParams
		if err := policy.LoadParams(path, &p); err != nil {
			return nil, nil, fmt.Errorf("actor-critic weights: %w", err)
		}
		if err := actor.SetParams(p); err != nil {
			return nil, nil, fmt.Errorf("actor-critic weights %s: %w", path, err)
		}
		log.Printf("loaded actor-critic weights from %s", path)
	}
	return synth, actor, nil
}

// loopConfig translates the file configuration into the loop's tunables.
func loopConfig(cfg *config.ControlConfig, runID string) (controlloop.Config, error) {
	mode, err := controlloop.ParsePolicyMode(cfg.GetPolicyMode())
	if err != nil {
		return controlloop.Config{}, err
	}
	lc := controlloop.DefaultConfig()
	lc.Layout = sensor.Layout{BodyJoints: cfg.GetBodyJoints(), HandJoints: cfg.GetHandJoints()}
	lc.WindowCapacity = cfg.GetWindowCapacity()
	lc.TickInterval = cfg.GetTickInterval()
	lc.Mode = mode
	lc.Stochastic = cfg.GetStochastic()
	lc.Seed = cfg.GetSeed()
	lc.LossTelemetry = cfg.GetLossTelemetry()
	lc.StabilityWeight = cfg.GetStabilityWeight()
	lc.RunID = runID
	return lc, nil
}

// configJSON is stored with each run for later inspection.
func configJSON(cfg *config.ControlConfig) string {
	b, err := json.Marshal(cfg)
	if err != nil {
		return "{}"
	}
	return string(b)
}
