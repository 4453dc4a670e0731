// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oeelab/sparkline/pkg/model"
)

const validYAML = `
mqtt:
  broker_host: broker.plant.local
sparkplug:
  group_id: plant1
  node_id: line3-edge
plc:
  - name: press1
    type: opcua
    endpoint: opc.tcp://10.0.0.5:4840
    sampling_ms: 250
    tags:
      - address: "ns=2;s=GoodCount"
normalizer:
  mappings:
    - source: "ns=2;s=GoodCount"
      signal_type: counter.good
      asset_ref: plant1/line3/press1
    - source: "ns=2;s=OvenTemp"
      signal_type: temperature
      asset_ref: plant1/line3/oven1
      unit: C
      unit_scale: 0.5556
      unit_offset: -17.78
      deadband_abs: 0.5
faults:
  severity_map:
    E17: critical
  related:
    - "E18:E17"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sparkline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, 1883, cfg.MQTT.BrokerPort)
	assert.Equal(t, int64(500*1024*1024), cfg.Buffer.MaxBytes)
	assert.Equal(t, 10000, cfg.Buffer.MaxCount)
	assert.Equal(t, 0.5, cfg.Backpressure.DegradedThreshold)
	assert.Equal(t, 0.85, cfg.Backpressure.CriticalThreshold)
	assert.Equal(t, 8, cfg.Backpressure.CriticalMultiplier)
	assert.Equal(t, 32, cfg.OEE.CounterRolloverBits)
	assert.Equal(t, 1000, cfg.Sink.BatchSize)
	assert.Equal(t, int(model.QualityGood), cfg.Normalizer.MinQuality)
}

func TestLoadBindings(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	bindings := cfg.Bindings()
	require.Len(t, bindings, 2)

	good := bindings["ns=2;s=GoodCount"]
	assert.Equal(t, model.SignalCounterGood, good.Signal)
	assert.Equal(t, "press1", good.Asset.Machine)
	assert.Equal(t, 1.0, good.UnitScale)
	assert.Equal(t, model.QualityGood, good.MinQuality)

	temp := bindings["ns=2;s=OvenTemp"]
	assert.InDelta(t, 0.5556, temp.UnitScale, 1e-9)
	assert.InDelta(t, -17.78, temp.UnitOffset, 1e-9)
	assert.Equal(t, 0.5, temp.DeadbandAbs)
}

func TestLoadRelatedCodes(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	rel := cfg.RelatedCodes()
	_, forward := rel[[2]string{"E18", "E17"}]
	_, backward := rel[[2]string{"E17", "E18"}]
	assert.True(t, forward)
	assert.True(t, backward)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing node id", func(c *Config) { c.Sparkplug.NodeID = "" }},
		{"missing broker", func(c *Config) { c.MQTT.BrokerHost = "" }},
		{"unknown driver", func(c *Config) { c.PLC[0].Type = "modbus" }},
		{"zero sampling", func(c *Config) { c.PLC[0].SamplingMS = 0 }},
		{"bad thresholds", func(c *Config) { c.Backpressure.DegradedThreshold = 0.9 }},
		{"bad rollover bits", func(c *Config) { c.OEE.CounterRolloverBits = 16 }},
		{"bad severity", func(c *Config) { c.Faults.SeverityMap = map[string]string{"E1": "WHATEVER"} }},
		{"bad relation", func(c *Config) { c.Faults.Related = []string{"E18"} }},
		{"bad signal type", func(c *Config) { c.Normalizer.Mappings[0].SignalType = "counter.bogus" }},
		{"bad asset ref", func(c *Config) { c.Normalizer.Mappings[0].AssetRef = "just-machine" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, validYAML))
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
