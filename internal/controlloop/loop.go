// Package controlloop ties sensing, policy and actuation together into a
// fixed-rate control loop.
package controlloop

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/ctrlbridge/internal/actuation"
	"github.com/banshee-data/ctrlbridge/internal/control"
	"github.com/banshee-data/ctrlbridge/internal/db"
	"github.com/banshee-data/ctrlbridge/internal/monitoring"
	"github.com/banshee-data/ctrlbridge/internal/policy"
	"github.com/banshee-data/ctrlbridge/internal/publish"
	"github.com/banshee-data/ctrlbridge/internal/sensor"
	"github.com/banshee-data/ctrlbridge/internal/timeutil"
)

// ErrWidthMismatch means the sensor layout does not produce the policy's
// input width. Detected at construction.
var ErrWidthMismatch = errors.New("controlloop: feature width does not match policy input")

// DefaultTickInterval runs the loop at 10 Hz.
const DefaultTickInterval = 100 * time.Millisecond

// Publisher receives every tick's applied control vector.
type Publisher interface {
	Publish(publish.ControlMessage)
}

// TickRecorder persists tick outcomes. Record must not block.
type TickRecorder interface {
	Record(db.TickRecord) bool
}

// Config holds the loop's tunables.
type Config struct {
	Layout         sensor.Layout
	WindowCapacity int
	TickInterval   time.Duration
	Mode           PolicyMode
	Stochastic     bool
	Seed           uint64

	LossTelemetry   bool
	LossTargets     policy.LossTargets
	StabilityWeight float64

	RunID string
}

// DefaultConfig is the reference configuration: 60 features, windows of
// 100 samples, 10 Hz, PINN policy.
func DefaultConfig() Config {
	return Config{
		Layout:          sensor.DefaultLayout(),
		WindowCapacity:  sensor.DefaultWindowCapacity,
		TickInterval:    DefaultTickInterval,
		Mode:            ModePINN,
		Seed:            1,
		StabilityWeight: policy.DefaultStabilityWeight,
	}
}

// Deps are the collaborators of a Context. Link is required.
type Deps struct {
	Link        *actuation.FallbackLink
	Synthesizer *policy.Synthesizer
	Actor       *policy.ActorCritic
	Publisher   Publisher
	Recorder    TickRecorder
	Clock       timeutil.Clock
}

// TickResult describes one completed or skipped tick.
type TickResult struct {
	Seq          uint64         `json:"seq"`
	Time         time.Time      `json:"time"`
	Skipped      bool           `json:"skipped"`
	Pending      []string       `json:"pending,omitempty"`
	Command      control.Vector `json:"command"`
	Applied      control.Vector `json:"applied"`
	Fallback     bool           `json:"fallback"`
	RefineFailed bool           `json:"refine_failed"`
	Latency      time.Duration  `json:"latency_ns"`
	Losses       *Losses        `json:"losses,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// Context is the single owner of all control state: the modality buffers,
// the networks, the actuation link and the outbound publisher. Ingest may be
// called from any goroutine; ticks are serialized.
type Context struct {
	cfg       Config
	bank      *sensor.Bank
	composer  *sensor.Composer
	synth     *policy.Synthesizer
	actor     *policy.ActorCritic
	link      *actuation.FallbackLink
	publisher Publisher
	recorder  TickRecorder
	clock     timeutil.Clock

	ingestLog *monitoring.Throttle
	tickLog   *monitoring.Throttle

	tickMu sync.Mutex
	rng    *rand.Rand
	seq    uint64

	ticks, skipped, fallbacks, refineFailures, policyErrors atomic.Uint64
	rejected                                                []atomic.Uint64
	unknown                                                 atomic.Uint64

	mu         sync.RWMutex
	last       *TickResult
	lastLosses *Losses
	history    []TickResult
	histNext   int
}

// historySize is the number of completed ticks kept for History.
const historySize = 600

// New validates cfg against the policy input width and assembles a Context.
func New(cfg Config, deps Deps) (*Context, error) {
	if deps.Link == nil {
		return nil, errors.New("controlloop: actuation link is required")
	}
	if cfg.WindowCapacity == 0 {
		cfg.WindowCapacity = sensor.DefaultWindowCapacity
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Mode == "" {
		cfg.Mode = ModePINN
	}
	if _, err := ParsePolicyMode(string(cfg.Mode)); err != nil {
		return nil, err
	}

	synth := deps.Synthesizer
	if synth == nil {
		synth = policy.NewSynthesizer(cfg.Seed)
	}
	actor := deps.Actor
	if actor == nil {
		actor = policy.NewActorCritic(synth.InputWidth(), control.Width, cfg.Seed)
	}
	if actor.InputWidth() != synth.InputWidth() || actor.ActionWidth() != control.Width {
		return nil, fmt.Errorf("%w: actor is %dx%d", ErrWidthMismatch, actor.InputWidth(), actor.ActionWidth())
	}

	bank, err := sensor.NewBank(cfg.Layout, cfg.WindowCapacity)
	if err != nil {
		return nil, err
	}
	composer, err := sensor.NewComposer(bank, synth.InputWidth())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWidthMismatch, err)
	}

	clock := deps.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Context{
		cfg:       cfg,
		bank:      bank,
		composer:  composer,
		synth:     synth,
		actor:     actor,
		link:      deps.Link,
		publisher: deps.Publisher,
		recorder:  deps.Recorder,
		clock:     clock,
		ingestLog: monitoring.NewThrottle(5 * time.Second),
		tickLog:   monitoring.NewThrottle(5 * time.Second),
		rng:       newRNG(cfg.Seed),
		rejected:  make([]atomic.Uint64, len(sensor.Modalities())),
	}, nil
}

// Config returns the effective configuration.
func (c *Context) Config() Config { return c.cfg }

// Bank exposes the modality buffers.
func (c *Context) Bank() *sensor.Bank { return c.bank }

// Close releases the actuation transport.
func (c *Context) Close() error {
	return c.link.Transport().Close()
}

type refineCounter interface {
	RefineFailures() uint64
}

// Tick runs one control cycle: compose, infer, exchange (with refinement
// and fallback inside the link), publish and record. Incomplete features
// skip the tick without touching the link. Transport failures and policy
// failures both end in a fallback tick reported in the result, not as an
// error.
func (c *Context) Tick(ctx context.Context) (TickResult, error) {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	start := c.clock.Now()
	features, err := c.composer.Compose()
	if err != nil {
		if errors.Is(err, sensor.ErrIncompleteFeatures) {
			c.skipped.Add(1)
			res := TickResult{Time: start, Skipped: true}
			for _, m := range c.composer.Pending() {
				res.Pending = append(res.Pending, m.String())
			}
			return res, nil
		}
		return TickResult{}, err
	}

	cmd, logProb, err := c.command(features)
	var policyErr error
	if err != nil {
		// Hold the last acknowledged command (zero before the first) so the
		// controller keeps receiving frames.
		c.policyErrors.Add(1)
		policyErr = fmt.Errorf("policy: %w", err)
		cmd, _ = c.link.LastGood()
		c.tickLog.Logf("controlloop: %v; holding last good command", policyErr)
	}

	var losses *Losses
	if c.cfg.LossTelemetry && policyErr == nil {
		l := c.losses(features, logProb)
		losses = &l
	}

	var refineBefore uint64
	rc, hasRefiner := c.link.Transport().(refineCounter)
	if hasRefiner {
		refineBefore = rc.RefineFailures()
	}

	out := c.link.Apply(ctx, cmd)

	c.seq++
	res := TickResult{
		Seq:      c.seq,
		Time:     start,
		Command:  cmd,
		Applied:  out.Applied,
		Fallback: out.Fallback,
		Latency:  c.clock.Since(start),
		Losses:   losses,
	}
	if hasRefiner && rc.RefineFailures() != refineBefore {
		res.RefineFailed = true
		c.refineFailures.Add(1)
	}
	switch {
	case policyErr != nil:
		res.Fallback = true
		res.Error = policyErr.Error()
		if out.Err != nil {
			res.Error += "; " + out.Err.Error()
		}
	case out.Fallback && out.Err != nil:
		res.Error = out.Err.Error()
	}
	if res.Fallback {
		c.fallbacks.Add(1)
	}
	c.ticks.Add(1)

	if c.publisher != nil {
		c.publisher.Publish(publish.NewControlMessage(res.Seq, res.Time, res.Applied, res.Fallback, c.cfg.RunID))
	}
	if c.recorder != nil {
		c.recorder.Record(toRecord(c.cfg.RunID, res))
	}

	c.mu.Lock()
	c.last = &res
	if losses != nil {
		c.lastLosses = losses
	}
	c.remember(res)
	c.mu.Unlock()
	return res, nil
}

// remember appends res to the history ring. Caller holds mu.
func (c *Context) remember(res TickResult) {
	if len(c.history) < historySize {
		c.history = append(c.history, res)
	} else {
		c.history[c.histNext] = res
	}
	c.histNext = (c.histNext + 1) % historySize
}

func toRecord(runID string, res TickResult) db.TickRecord {
	rec := db.TickRecord{
		RunID:        runID,
		Seq:          res.Seq,
		Time:         res.Time,
		Command:      res.Command,
		Applied:      res.Applied,
		Fallback:     res.Fallback,
		RefineFailed: res.RefineFailed,
		Latency:      res.Latency,
		Error:        res.Error,
	}
	if l := res.Losses; l != nil {
		stab, manip := l.Stability, l.Manipulation
		rec.StabilityLoss = &stab
		rec.ManipulationLoss = &manip
		if l.HasPolicy && !math.IsInf(l.Policy, 0) {
			pol := l.Policy
			rec.PolicyLoss = &pol
		}
	}
	return rec
}

// Run ticks at the configured interval until ctx is cancelled. Tick errors
// are logged and the loop continues.
func (c *Context) Run(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if _, err := c.Tick(ctx); err != nil && ctx.Err() == nil {
				c.tickLog.Logf("controlloop: tick failed: %v", err)
			}
		}
	}
}
