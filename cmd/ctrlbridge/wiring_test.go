package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ctrlbridge/internal/actuation"
	"github.com/banshee-data/ctrlbridge/internal/config"
	"github.com/banshee-data/ctrlbridge/internal/control"
	"github.com/banshee-data/ctrlbridge/internal/controlloop"
	"github.com/banshee-data/ctrlbridge/internal/policy"
	"github.com/banshee-data/ctrlbridge/internal/timeutil"
)

func TestBackoffFromConfig(t *testing.T) {
	cfg := config.DefaultControlConfig()
	b := backoffFromConfig(cfg)
	assert.Equal(t, 200*time.Millisecond, b.InitialDelay)
	assert.Equal(t, 2*time.Second, b.MaxDelay)
	assert.Equal(t, 5, b.MaxAttempts)
	assert.Equal(t, 2.0, b.Multiplier)
}

func TestBuildTransportDevSerialEchoes(t *testing.T) {
	cfg := config.DefaultControlConfig()
	tr, err := buildTransport(cfg, true, timeutil.RealClock{})
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Open(context.Background()))
	assert.Equal(t, actuation.Connected, tr.State())

	var v control.Vector
	v[0], v[59] = 0.5, -0.25
	got, err := tr.Exchange(context.Background(), v)
	require.NoError(t, err)
	assert.Equal(t, v, got)
	assert.Equal(t, actuation.Streaming, tr.State())
}

func TestBuildTransportKinds(t *testing.T) {
	cfg := config.DefaultControlConfig()
	tcp := config.TransportTCP
	cfg.Transport = &tcp
	tr, err := buildTransport(cfg, false, timeutil.RealClock{})
	require.NoError(t, err)
	_, ok := tr.(*actuation.SocketTransport)
	assert.True(t, ok)
	assert.Equal(t, actuation.Disconnected, tr.State())

	bogus := "can"
	cfg.Transport = &bogus
	_, err = buildTransport(cfg, false, timeutil.RealClock{})
	assert.Error(t, err)
}

func TestBuildRefiner(t *testing.T) {
	cfg := config.DefaultControlConfig()
	r, err := buildRefiner(cfg)
	require.NoError(t, err)
	assert.Nil(t, r)

	on := true
	lower, upper := -0.5, 0.5
	cfg.RefineEnabled = &on
	cfg.RefineLower, cfg.RefineUpper = &lower, &upper
	r, err = buildRefiner(cfg)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, float32(-0.5), r.Bounds().Lower[0])
	assert.Equal(t, float32(0.5), r.Bounds().Upper[59])

	cfg.RefineLower, cfg.RefineUpper = &upper, &lower
	_, err = buildRefiner(cfg)
	assert.Error(t, err)
}

func TestWrapTransport(t *testing.T) {
	cfg := config.DefaultControlConfig()
	tr, err := buildTransport(cfg, true, timeutil.RealClock{})
	require.NoError(t, err)

	link := wrapTransport(tr, nil, backoffFromConfig(cfg), nil)
	assert.Same(t, tr, link.Transport())

	on := true
	cfg.RefineEnabled = &on
	r, err := buildRefiner(cfg)
	require.NoError(t, err)
	link = wrapTransport(tr, r, backoffFromConfig(cfg), nil)
	_, ok := link.Transport().(*actuation.RefiningTransport)
	assert.True(t, ok)
}

func TestLoadPoliciesFromFiles(t *testing.T) {
	dir := t.TempDir()
	trained := policy.NewSynthesizer(7)
	synthPath := filepath.Join(dir, "synth.json")
	require.NoError(t, policy.SaveParams(synthPath, trained.Params()))

	trainedActor := policy.NewActorCritic(60, 60, 7)
	actorPath := filepath.Join(dir, "actor.json")
	require.NoError(t, policy.SaveParams(actorPath, trainedActor.Params()))

	cfg := config.DefaultControlConfig()
	cfg.SynthesizerPath = &synthPath
	cfg.ActorCriticPath = &actorPath
	synth, actor, err := loadPolicies(cfg)
	require.NoError(t, err)

	features := make([]float64, 60)
	for i := range features {
		features[i] = float64(i%7) / 7
	}
	want, err := trained.Infer(features)
	require.NoError(t, err)
	got, err := synth.Infer(features)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, trainedActor.Params(), actor.Params())

	missing := filepath.Join(dir, "missing.json")
	cfg.SynthesizerPath = &missing
	_, _, err = loadPolicies(cfg)
	assert.Error(t, err)
}

func TestLoopConfig(t *testing.T) {
	cfg := config.DefaultControlConfig()
	actor := config.PolicyActor
	cfg.PolicyMode = &actor
	lc, err := loopConfig(cfg, "run-1")
	require.NoError(t, err)
	assert.Equal(t, controlloop.ModeActor, lc.Mode)
	assert.Equal(t, "run-1", lc.RunID)
	assert.Equal(t, 60, lc.Layout.Width())
	assert.Equal(t, 100*time.Millisecond, lc.TickInterval)
	assert.Equal(t, 100, lc.WindowCapacity)

	bad := "greedy"
	cfg.PolicyMode = &bad
	_, err = loopConfig(cfg, "")
	assert.Error(t, err)
}

func TestApplyOverrides(t *testing.T) {
	saved := [...]string{*listen, *transport, *socket}
	savedNoRecord := *noRecord
	t.Cleanup(func() {
		*listen, *transport, *socket = saved[0], saved[1], saved[2]
		*noRecord = savedNoRecord
	})

	*listen = ":9999"
	*transport = config.TransportTCP
	*socket = "10.0.0.2:7000"
	*noRecord = true

	cfg := config.DefaultControlConfig()
	applyOverrides(cfg)
	assert.Equal(t, ":9999", cfg.GetHTTPListen())
	assert.Equal(t, config.TransportTCP, cfg.GetTransport())
	assert.Equal(t, "10.0.0.2:7000", cfg.GetSocketAddress())
	assert.False(t, cfg.GetRecordTicks())
	// Untouched flags keep the file values.
	assert.Equal(t, "/dev/ttyACM0", cfg.GetSerialDevice())
}

func TestConfigJSON(t *testing.T) {
	assert.Contains(t, configJSON(config.DefaultControlConfig()), `"tick_interval":"100ms"`)
}
