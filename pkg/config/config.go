// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

// Package config loads and validates the single YAML configuration document.
// The resulting Config record is immutable; a reload builds a fresh record
// and the owning component swaps it atomically.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/oeelab/sparkline/pkg/model"
)

// Config is the root configuration record.
type Config struct {
	MQTT         MQTT          `mapstructure:"mqtt"`
	Sparkplug    Sparkplug     `mapstructure:"sparkplug"`
	Buffer       Buffer        `mapstructure:"buffer"`
	Backpressure Backpressure  `mapstructure:"backpressure"`
	PLC          []PLCEndpoint `mapstructure:"plc"`
	Normalizer   Normalizer    `mapstructure:"normalizer"`
	OEE          OEE           `mapstructure:"oee"`
	Faults       Faults        `mapstructure:"faults"`
	Sink         Sink          `mapstructure:"sink"`

	// IOTimeoutMS bounds every external I/O call.
	IOTimeoutMS int `mapstructure:"io_timeout_ms"`
	// ShutdownFlushMS bounds the buffer drain on shutdown.
	ShutdownFlushMS int `mapstructure:"shutdown_flush_ms"`
	// DebugAddr serves expvar and /metrics when non-empty.
	DebugAddr string `mapstructure:"debug_addr"`
	LogLevel  string `mapstructure:"log_level"`
}

// MQTT configures the broker session.
type MQTT struct {
	BrokerHost string `mapstructure:"broker_host"`
	BrokerPort int    `mapstructure:"broker_port"`
	ClientID   string `mapstructure:"client_id"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	TLS        TLS    `mapstructure:"tls"`
}

// TLS holds mTLS material; TLS is on when CA is present.
type TLS struct {
	CA   string `mapstructure:"ca"`
	Cert string `mapstructure:"cert"`
	Key  string `mapstructure:"key"`
}

// Enabled reports whether TLS material was configured.
func (t TLS) Enabled() bool { return t.CA != "" }

// Sparkplug identifies this edge node.
type Sparkplug struct {
	GroupID string `mapstructure:"group_id"`
	NodeID  string `mapstructure:"node_id"`
}

// Buffer bounds the store-and-forward queue.
type Buffer struct {
	Path     string `mapstructure:"path"`
	MaxBytes int64  `mapstructure:"max_bytes"`
	MaxCount int    `mapstructure:"max_count"`
}

// Backpressure parameterizes the control law.
type Backpressure struct {
	DegradedThreshold  float64 `mapstructure:"degraded_threshold"`
	CriticalThreshold  float64 `mapstructure:"critical_threshold"`
	DegradedMultiplier int     `mapstructure:"degraded_multiplier"`
	CriticalMultiplier int     `mapstructure:"critical_multiplier"`
	DeadbandFactor     float64 `mapstructure:"deadband_factor"`
	HysteresisMS       int     `mapstructure:"hysteresis_ms"`
}

// Hysteresis returns the hold duration for level transitions.
func (b Backpressure) Hysteresis() time.Duration {
	return time.Duration(b.HysteresisMS) * time.Millisecond
}

// PLCEndpoint configures one driver session.
type PLCEndpoint struct {
	Name       string   `mapstructure:"name"`
	Type       string   `mapstructure:"type"`
	Endpoint   string   `mapstructure:"endpoint"`
	DeviceID   string   `mapstructure:"device_id"`
	Tags       []PLCTag `mapstructure:"tags"`
	SamplingMS int      `mapstructure:"sampling_ms"`
	Security   Security `mapstructure:"security"`
}

// Security carries per-endpoint credentials.
type Security struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	Mode     string `mapstructure:"mode"`
}

// PLCTag names one address to read on an endpoint.
type PLCTag struct {
	Address string `mapstructure:"address"`
}

// Normalizer configures the binding table.
type Normalizer struct {
	MinQuality int       `mapstructure:"min_quality"`
	Mappings   []Mapping `mapstructure:"mappings"`
}

// Mapping declares one tag binding.
type Mapping struct {
	Source      string  `mapstructure:"source"`
	SignalType  string  `mapstructure:"signal_type"`
	AssetRef    string  `mapstructure:"asset_ref"`
	Unit        string  `mapstructure:"unit"`
	UnitScale   float64 `mapstructure:"unit_scale"`
	UnitOffset  float64 `mapstructure:"unit_offset"`
	MinQuality  int     `mapstructure:"min_quality"`
	DeadbandAbs float64 `mapstructure:"deadband_abs"`
	DeadbandPct float64 `mapstructure:"deadband_pct"`
	KeepRaw     bool    `mapstructure:"keep_raw"`
}

// OEE configures the rolling calculator.
type OEE struct {
	WindowMS            int             `mapstructure:"window_ms"`
	TickMS              int             `mapstructure:"tick_ms"`
	CounterRolloverBits int             `mapstructure:"counter_rollover_bits"`
	MinCounterDecrease  uint64          `mapstructure:"min_counter_decrease"`
	IdealCycleTimeS     float64         `mapstructure:"ideal_cycle_time_s"`
	PlannedDowntime     []ClockInterval `mapstructure:"planned_downtime"`
}

// Window returns the rolling horizon.
func (o OEE) Window() time.Duration { return time.Duration(o.WindowMS) * time.Millisecond }

// Tick returns the emission period.
func (o OEE) Tick() time.Duration { return time.Duration(o.TickMS) * time.Millisecond }

// ClockInterval declares a recurring planned-downtime interval, e.g.
// {weekday: "Sat", start: "00:00", end: "23:59"}. Weekday empty means daily.
type ClockInterval struct {
	Weekday string `mapstructure:"weekday"`
	Start   string `mapstructure:"start"`
	End     string `mapstructure:"end"`
}

// Faults configures the fault state machine.
type Faults struct {
	DedupWindowMS int               `mapstructure:"dedup_window_ms"`
	MergeWindowMS int               `mapstructure:"merge_window_ms"`
	SeverityMap   map[string]string `mapstructure:"severity_map"`
	// Related lists code pairs eligible for merging, e.g. ["E18:E17"].
	Related []string `mapstructure:"related"`
}

// DedupWindow returns the dedup horizon.
func (f Faults) DedupWindow() time.Duration {
	return time.Duration(f.DedupWindowMS) * time.Millisecond
}

// MergeWindow returns the merge horizon.
func (f Faults) MergeWindow() time.Duration {
	return time.Duration(f.MergeWindowMS) * time.Millisecond
}

// Sink configures batch writes.
type Sink struct {
	BatchSize      int    `mapstructure:"batch_size"`
	FlushMS        int    `mapstructure:"flush_ms"`
	Endpoint       string `mapstructure:"endpoint"`
	RetryQueueSize int    `mapstructure:"retry_queue_size"`
	Kafka          Kafka  `mapstructure:"kafka"`
}

// FlushInterval returns the timer-driven flush period.
func (s Sink) FlushInterval() time.Duration { return time.Duration(s.FlushMS) * time.Millisecond }

// Kafka configures the fault-event destination; disabled when Brokers empty.
type Kafka struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mqtt.broker_port", 1883)
	v.SetDefault("buffer.path", "buffer.db")
	v.SetDefault("buffer.max_bytes", int64(500*1024*1024))
	v.SetDefault("buffer.max_count", 10000)
	v.SetDefault("backpressure.degraded_threshold", 0.5)
	v.SetDefault("backpressure.critical_threshold", 0.85)
	v.SetDefault("backpressure.degraded_multiplier", 2)
	v.SetDefault("backpressure.critical_multiplier", 8)
	v.SetDefault("backpressure.deadband_factor", 2.0)
	v.SetDefault("backpressure.hysteresis_ms", 5000)
	v.SetDefault("normalizer.min_quality", int(model.QualityGood))
	v.SetDefault("oee.window_ms", 60*60*1000)
	v.SetDefault("oee.tick_ms", 60*1000)
	v.SetDefault("oee.counter_rollover_bits", 32)
	v.SetDefault("oee.min_counter_decrease", 1000)
	v.SetDefault("faults.dedup_window_ms", 5*60*1000)
	v.SetDefault("faults.merge_window_ms", 60*1000)
	v.SetDefault("sink.batch_size", 1000)
	v.SetDefault("sink.flush_ms", 1000)
	v.SetDefault("sink.retry_queue_size", 64)
	v.SetDefault("sink.kafka.topic", "oee-fault-events")
	v.SetDefault("io_timeout_ms", 30000)
	v.SetDefault("shutdown_flush_ms", 10000)
	v.SetDefault("log_level", "info")
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var driverTypes = map[string]struct{}{"opcua": {}, "s7": {}, "cip": {}, "sim": {}}

// Validate checks cross-field invariants. A non-nil return means the process
// must refuse to start.
func (c *Config) Validate() error {
	if c.Sparkplug.GroupID == "" || c.Sparkplug.NodeID == "" {
		return fmt.Errorf("sparkplug.group_id and sparkplug.node_id are required")
	}
	if c.MQTT.BrokerHost == "" {
		return fmt.Errorf("mqtt.broker_host is required")
	}
	if c.Buffer.MaxBytes <= 0 || c.Buffer.MaxCount <= 0 {
		return fmt.Errorf("buffer bounds must be positive")
	}
	bp := c.Backpressure
	if !(bp.DegradedThreshold > 0 && bp.DegradedThreshold < bp.CriticalThreshold && bp.CriticalThreshold < 1) {
		return fmt.Errorf("backpressure thresholds must satisfy 0 < degraded < critical < 1")
	}
	for i, ep := range c.PLC {
		if _, ok := driverTypes[ep.Type]; !ok {
			return fmt.Errorf("plc[%d]: unknown driver type %q", i, ep.Type)
		}
		if ep.Name == "" {
			return fmt.Errorf("plc[%d]: name is required", i)
		}
		if ep.SamplingMS <= 0 {
			return fmt.Errorf("plc[%d]: sampling_ms must be positive", i)
		}
		if len(ep.Tags) == 0 {
			return fmt.Errorf("plc[%d]: at least one tag is required", i)
		}
	}
	for i, m := range c.Normalizer.Mappings {
		if !model.SignalType(m.SignalType).Valid() {
			return fmt.Errorf("normalizer.mappings[%d]: unknown signal_type %q", i, m.SignalType)
		}
		if _, err := model.ParseAssetRef(m.AssetRef); err != nil {
			return fmt.Errorf("normalizer.mappings[%d]: %w", i, err)
		}
	}
	if b := c.OEE.CounterRolloverBits; b != 32 && b != 64 {
		return fmt.Errorf("oee.counter_rollover_bits must be 32 or 64, got %d", b)
	}
	for _, iv := range c.OEE.PlannedDowntime {
		if _, err := time.Parse("15:04", iv.Start); err != nil {
			return fmt.Errorf("oee.planned_downtime: bad start %q", iv.Start)
		}
		if _, err := time.Parse("15:04", iv.End); err != nil {
			return fmt.Errorf("oee.planned_downtime: bad end %q", iv.End)
		}
	}
	for code, sev := range c.Faults.SeverityMap {
		if !model.ValidSeverity(model.Severity(strings.ToUpper(sev))) {
			return fmt.Errorf("faults.severity_map[%s]: unknown severity %q", code, sev)
		}
	}
	for _, rel := range c.Faults.Related {
		if len(strings.Split(rel, ":")) != 2 {
			return fmt.Errorf("faults.related: want \"CODE:CODE\", got %q", rel)
		}
	}
	if c.Sink.BatchSize <= 0 || c.Sink.FlushMS <= 0 {
		return fmt.Errorf("sink.batch_size and sink.flush_ms must be positive")
	}
	return nil
}

// Bindings builds the immutable tag binding table keyed by source address.
func (c *Config) Bindings() map[string]model.TagBinding {
	out := make(map[string]model.TagBinding, len(c.Normalizer.Mappings))
	for _, m := range c.Normalizer.Mappings {
		asset, _ := model.ParseAssetRef(m.AssetRef)
		scale := m.UnitScale
		if scale == 0 {
			scale = 1
		}
		minQ := m.MinQuality
		if minQ == 0 {
			minQ = c.Normalizer.MinQuality
		}
		out[m.Source] = model.TagBinding{
			SourceAddress: m.Source,
			Signal:        model.SignalType(m.SignalType),
			Asset:         asset,
			Unit:          m.Unit,
			UnitScale:     scale,
			UnitOffset:    m.UnitOffset,
			MinQuality:    model.Quality(minQ),
			DeadbandAbs:   m.DeadbandAbs,
			DeadbandPct:   m.DeadbandPct,
			KeepRaw:       m.KeepRaw,
		}
	}
	return out
}

// IOTimeout returns the deadline applied to external I/O calls.
func (c *Config) IOTimeout() time.Duration {
	return time.Duration(c.IOTimeoutMS) * time.Millisecond
}

// ShutdownFlush returns the drain deadline applied on shutdown.
func (c *Config) ShutdownFlush() time.Duration {
	return time.Duration(c.ShutdownFlushMS) * time.Millisecond
}

// RelatedCodes expands faults.related into a symmetric pair set.
func (c *Config) RelatedCodes() map[[2]string]struct{} {
	out := make(map[[2]string]struct{}, 2*len(c.Faults.Related))
	for _, rel := range c.Faults.Related {
		parts := strings.SplitN(rel, ":", 2)
		if len(parts) != 2 {
			continue
		}
		out[[2]string{parts[0], parts[1]}] = struct{}{}
		out[[2]string{parts[1], parts[0]}] = struct{}{}
	}
	return out
}
