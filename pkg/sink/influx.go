// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/influxdata/line-protocol/v2/lineprotocol"

	"github.com/oeelab/sparkline/pkg/model"
)

// Influx writes batches as line protocol to an InfluxDB-compatible write
// endpoint. Each metric becomes one point of measurement "signal"; the seq
// field makes redelivered points idempotent under last-write-wins.
type Influx struct {
	endpoint string
	client   *http.Client
}

// NewInflux creates a destination posting to endpoint.
func NewInflux(endpoint string, client *http.Client) *Influx {
	if client == nil {
		client = http.DefaultClient
	}
	return &Influx{endpoint: endpoint, client: client}
}

// Name implements Destination.
func (d *Influx) Name() string { return "influx" }

// WriteBatch implements Destination.
func (d *Influx) WriteBatch(ctx context.Context, batch []model.NormalizedMetric) error {
	body, err := encodeLines(batch)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("influx write: status %d: %s", resp.StatusCode, msg)
	}
	return nil
}

func encodeLines(batch []model.NormalizedMetric) ([]byte, error) {
	var enc lineprotocol.Encoder
	enc.SetPrecision(lineprotocol.Millisecond)
	for _, m := range batch {
		enc.StartLine("signal")
		// Tags in lexical order, as the encoder requires. Node-scoped health
		// metrics carry no machine.
		if m.Asset.Line != "" {
			enc.AddTag("line", m.Asset.Line)
		}
		if m.Asset.Machine != "" {
			enc.AddTag("machine", m.Asset.Machine)
		}
		enc.AddTag("signal", string(m.Signal))
		enc.AddTag("site", m.Asset.Site)
		if m.Unit != "" {
			enc.AddTag("unit", m.Unit)
		}
		enc.AddField("value", lineprotocol.MustNewValue(m.Value))
		enc.AddField("quality", lineprotocol.MustNewValue(int64(m.Quality)))
		enc.AddField("seq", lineprotocol.MustNewValue(m.Seq))
		if m.Raw != nil {
			enc.AddField("raw", lineprotocol.MustNewValue(*m.Raw))
		}
		for _, k := range sortedKeys(m.Fields) {
			enc.AddField(k, lineprotocol.MustNewValue(m.Fields[k]))
		}
		enc.EndLine(m.Timestamp)
	}
	if err := enc.Err(); err != nil {
		return nil, fmt.Errorf("encode line protocol: %w", err)
	}
	return enc.Bytes(), nil
}

func sortedKeys(fields map[string]float64) []string {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
