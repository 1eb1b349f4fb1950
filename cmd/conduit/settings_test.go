package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSettings_Defaults(t *testing.T) {
	s, err := LoadSettings("")
	require.NoError(t, err)
	assert.Equal(t, "CONDUIT", s.NATS.Stream)
	assert.Equal(t, TargetNATS, s.Relay.Target.Kind)
	assert.Equal(t, 5*time.Minute, s.Runner.ProcessTimeout)
	assert.NoError(t, s.Validate())
}

func TestLoadSettings_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conduit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
nats:
  url: nats://file:4222
  stream: FILE
runner:
  batch_size: 25
  process_timeout: 90s
relay:
  split: json
  split_path: items
  target:
    kind: kafka
    brokers: ["k1:9092", "k2:9092"]
    topic: out
limits:
  presumed_timeout_seconds: 30
`), 0o600))

	t.Setenv("CONDUIT_STREAM", "ENV")
	t.Setenv("CONDUIT_SIMULATION", "true")

	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "nats://file:4222", s.NATS.URL)
	assert.Equal(t, "ENV", s.NATS.Stream)
	assert.Equal(t, "conduit-runner", s.NATS.Consumer)
	assert.Equal(t, 25, s.Runner.BatchSize)
	assert.Equal(t, 90*time.Second, s.Runner.ProcessTimeout)
	assert.Equal(t, SplitJSON, s.Relay.Split)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, s.Relay.Target.Brokers)
	assert.Equal(t, 30, s.Limits.PresumedTimeoutSeconds)
	assert.True(t, s.Limits.Simulation)
	assert.NoError(t, s.Validate())
}

func TestLoadSettings_Errors(t *testing.T) {
	_, err := LoadSettings(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read settings")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nats: [unclosed"), 0o600))
	_, err = LoadSettings(path)
	assert.ErrorContains(t, err, "parse settings yaml")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"CONDUIT_MAX_CHILD_THREADS": "0",
		"CONDUIT_RUNNER_WORKERS":    "3",
		"CONDUIT_LOG_DSN":           "postgres://audit",
		"CONDUIT_SENTRY_DSN":        "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	s := DefaultSettings()
	require.NoError(t, s.applyEnv(lookup))
	assert.Equal(t, 0, s.Limits.MaxChildThreads)
	assert.Equal(t, 3, s.Runner.Workers)
	assert.Equal(t, "postgres://audit", s.Audit.PostgresDSN)
	assert.Empty(t, s.Sentry.DSN)

	env["CONDUIT_PRESUMED_TIMEOUT_SECONDS"] = "soon"
	assert.ErrorContains(t, s.applyEnv(lookup), "CONDUIT_PRESUMED_TIMEOUT_SECONDS")

	delete(env, "CONDUIT_PRESUMED_TIMEOUT_SECONDS")
	env["CONDUIT_SIMULATION"] = "maybe"
	assert.ErrorContains(t, s.applyEnv(lookup), "CONDUIT_SIMULATION")
}

func TestSettings_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
		want   string
	}{
		{"missing url", func(s *Settings) { s.NATS.URL = "" }, "nats.url"},
		{"missing consumer", func(s *Settings) { s.NATS.Consumer = "" }, "nats.consumer"},
		{"zero batch", func(s *Settings) { s.Runner.BatchSize = 0 }, "batch_size"},
		{"negative limits", func(s *Settings) { s.Limits.MaxChildThreads = -1 }, "limits"},
		{"unknown split", func(s *Settings) { s.Relay.Split = "words" }, "relay.split"},
		{"unknown target", func(s *Settings) { s.Relay.Target.Kind = "smtp" }, "relay.target.kind"},
		{"amqp without url", func(s *Settings) { s.Relay.Target.Kind = TargetAMQP }, "relay.target.url"},
		{"kafka without topic", func(s *Settings) {
			s.Relay.Target.Kind = TargetKafka
			s.Relay.Target.Brokers = []string{"k:9092"}
		}, "relay.target.topic"},
		{"blob without container", func(s *Settings) { s.Audit.BlobConnectionString = "x" }, "blob_container"},
		{"sample ratio above one", func(s *Settings) { s.Tracing.SampleRatio = 1.5 }, "tracing.sample_ratio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(&s)
			assert.ErrorContains(t, s.Validate(), tt.want)
		})
	}
}

func TestApplyFlags(t *testing.T) {
	s := DefaultSettings()
	require.NoError(t, runCmd.Flags().Set("stream", "FLAG"))
	require.NoError(t, runCmd.Flags().Set("workers", "7"))
	t.Cleanup(func() {
		runCmd.Flags().Lookup("stream").Changed = false
		runCmd.Flags().Lookup("workers").Changed = false
		runFlags.stream, runFlags.workers = "", 0
	})

	applyFlags(runCmd, &s)
	assert.Equal(t, "FLAG", s.NATS.Stream)
	assert.Equal(t, 7, s.Runner.Workers)
	assert.Equal(t, "conduit-runner", s.NATS.Consumer)
}
