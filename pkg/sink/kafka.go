// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

package sink

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/oeelab/sparkline/pkg/metrics"
	"github.com/oeelab/sparkline/pkg/model"
)

// faultEvent is the JSON wire form of one fault state change.
type faultEvent struct {
	FaultID    string     `json:"fault_id"`
	Site       string     `json:"site"`
	Line       string     `json:"line"`
	Machine    string     `json:"machine"`
	Code       string     `json:"code"`
	Severity   string     `json:"severity"`
	State      string     `json:"state"`
	OpenedAt   time.Time  `json:"opened_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
	MergedInto string     `json:"merged_into,omitempty"`
}

// FaultPublisher ships fault records to a Kafka topic. Messages are keyed by
// "asset|code" so every record of one fault lands on the same partition in
// order.
type FaultPublisher struct {
	producer sarama.SyncProducer
	topic    string
	log      zerolog.Logger
}

// NewFaultPublisher connects a publisher to brokers.
func NewFaultPublisher(brokers []string, topic string, log zerolog.Logger) (*FaultPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return newFaultPublisher(producer, topic, log), nil
}

func newFaultPublisher(producer sarama.SyncProducer, topic string, log zerolog.Logger) *FaultPublisher {
	return &FaultPublisher{
		producer: producer,
		topic:    topic,
		log:      log.With().Str("component", "fault_publisher").Logger(),
	}
}

// Publish sends one fault record.
func (p *FaultPublisher) Publish(rec model.FaultRecord) error {
	value, err := json.Marshal(faultEvent{
		FaultID:    rec.FaultID,
		Site:       rec.Asset.Site,
		Line:       rec.Asset.Line,
		Machine:    rec.Asset.Machine,
		Code:       rec.Code,
		Severity:   string(rec.Severity),
		State:      string(rec.State),
		OpenedAt:   rec.OpenedAt,
		ClosedAt:   rec.ClosedAt,
		MergedInto: rec.MergedInto,
	})
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(rec.Asset.String() + "|" + rec.Code),
		Value: sarama.ByteEncoder(value),
	}
	if _, _, err := p.producer.SendMessage(msg); err != nil {
		metrics.SinkWriteErrors.Add(1)
		metrics.TlmSinkWriteErrors.Inc("kafka")
		p.log.Warn().Err(err).Str("code", rec.Code).Msg("fault event publish failed")
		return err
	}
	metrics.SinkBatchesWritten.Add(1)
	metrics.TlmSinkBatchesWritten.Inc("kafka")
	return nil
}

// Close releases the producer.
func (p *FaultPublisher) Close() error {
	return p.producer.Close()
}
