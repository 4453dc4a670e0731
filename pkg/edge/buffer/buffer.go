// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

// Package buffer is the durable store-and-forward queue on the edge. It
// absorbs publish bursts and uplink outages while preserving enqueue order;
// an envelope leaves only after the broker acknowledged it.
package buffer

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/oeelab/sparkline/pkg/metrics"
	"github.com/oeelab/sparkline/pkg/model"
)

var (
	bucketEnvelopes = []byte("envelopes")
	bucketMeta      = []byte("meta")

	keyNextSeq  = []byte("next_seq")
	keyAckedSeq = []byte("acked_seq")
	keyBDSeq    = []byte("bd_seq")
)

// Buffer is a bounded durable FIFO. Enqueue is multi-producer and never
// blocks: it succeeds or drops the oldest envelope. Next/Ack belong to the
// single uplink consumer.
type Buffer struct {
	db  *bolt.DB
	log zerolog.Logger

	maxBytes int64
	maxCount int

	mu       sync.Mutex
	curBytes int64
	curCount int
	nextSeq  uint64
	ackedSeq uint64

	notify chan struct{}
}

// Open opens or creates the buffer file and replays crash state: envelopes
// above the acked pointer stay queued, everything at or below it is pruned.
func Open(path string, maxBytes int64, maxCount int, log zerolog.Logger) (*Buffer, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open buffer: %w", err)
	}
	b := &Buffer{
		db:       db,
		log:      log.With().Str("component", "buffer").Logger(),
		maxBytes: maxBytes,
		maxCount: maxCount,
		notify:   make(chan struct{}, 1),
	}
	err = db.Update(func(tx *bolt.Tx) error {
		env, err := tx.CreateBucketIfNotExists(bucketEnvelopes)
		if err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		b.nextSeq = getSeq(meta, keyNextSeq)
		b.ackedSeq = getSeq(meta, keyAckedSeq)
		if b.nextSeq == 0 {
			// Sequence numbers are 1-based; acked_seq 0 means nothing acked.
			b.nextSeq = 1
		}

		c := env.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			seq := binary.BigEndian.Uint64(k)
			if seq <= b.ackedSeq {
				if err := c.Delete(); err != nil {
					return err
				}
				continue
			}
			if seq >= b.nextSeq {
				// A persisted envelope beyond next_seq means the seq counter
				// regressed; the invariant is gone and restarting cannot fix
				// it silently.
				panic(fmt.Sprintf("buffer: envelope seq %d >= next_seq %d", seq, b.nextSeq))
			}
			b.curCount++
			b.curBytes += int64(len(v))
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buffer: %w", err)
	}
	if b.curCount > 0 {
		b.log.Info().Int("envelopes", b.curCount).Uint64("acked_seq", b.ackedSeq).
			Msg("replaying persisted envelopes")
		b.wake()
	}
	metrics.TlmBufferFill.Set(b.fillLocked())
	return b, nil
}

func getSeq(meta *bolt.Bucket, key []byte) uint64 {
	v := meta.Get(key)
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func putSeq(meta *bolt.Bucket, key []byte, seq uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return meta.Put(key, buf[:])
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

// encodeEnvelope lays out enqueue nanos, topic length, topic, payload.
func encodeEnvelope(topic string, payload []byte, ts time.Time) []byte {
	buf := make([]byte, 12+len(topic)+len(payload))
	binary.BigEndian.PutUint64(buf[0:8], uint64(ts.UnixNano()))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(topic)))
	copy(buf[12:], topic)
	copy(buf[12+len(topic):], payload)
	return buf
}

func decodeEnvelope(seq uint64, v []byte) (*model.Envelope, error) {
	if len(v) < 12 {
		return nil, fmt.Errorf("envelope %d: short record", seq)
	}
	tlen := int(binary.BigEndian.Uint32(v[8:12]))
	if len(v) < 12+tlen {
		return nil, fmt.Errorf("envelope %d: truncated topic", seq)
	}
	return &model.Envelope{
		Seq:       seq,
		Topic:     string(v[12 : 12+tlen]),
		Payload:   append([]byte(nil), v[12+tlen:]...),
		EnqueueTS: time.Unix(0, int64(binary.BigEndian.Uint64(v[0:8]))).UTC(),
	}, nil
}

func (b *Buffer) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Enqueue appends one publication. The assigned sequence number is persisted
// in the same transaction as the envelope so it is never reused.
func (b *Buffer) Enqueue(topic string, payload []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	seq := b.nextSeq
	record := encodeEnvelope(topic, payload, time.Now())

	err := b.db.Update(func(tx *bolt.Tx) error {
		env := tx.Bucket(bucketEnvelopes)
		meta := tx.Bucket(bucketMeta)
		if err := env.Put(seqKey(seq), record); err != nil {
			return err
		}
		if err := putSeq(meta, keyNextSeq, seq+1); err != nil {
			return err
		}
		// Overflow drops the oldest envelope, never blocks the producer.
		count := b.curCount + 1
		bytes := b.curBytes + int64(len(record))
		c := env.Cursor()
		for count > b.maxCount || bytes > b.maxBytes {
			k, v := c.First()
			if k == nil {
				break
			}
			dropped := binary.BigEndian.Uint64(k)
			if err := c.Delete(); err != nil {
				return err
			}
			count--
			bytes -= int64(len(v))
			metrics.BufferEnvelopesDropped.Add(1)
			metrics.TlmBufferDropped.Inc("overflow")
			b.log.Warn().Uint64("seq", dropped).Msg("buffer overflow, dropped oldest envelope")
		}
		b.curCount = count
		b.curBytes = bytes
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	b.nextSeq = seq + 1
	metrics.EnvelopesEnqueued.Add(1)
	metrics.TlmEnvelopesEnqueued.Inc()
	metrics.TlmBufferFill.Set(b.fillLocked())
	b.wake()
	return seq, nil
}

// Next blocks until an unacked envelope is available and returns the head of
// the queue. Repeated calls without an Ack return the same envelope.
func (b *Buffer) Next(ctx context.Context) (*model.Envelope, error) {
	for {
		env, err := b.head()
		if err != nil {
			return nil, err
		}
		if env != nil {
			return env, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.notify:
		}
	}
}

func (b *Buffer) head() (*model.Envelope, error) {
	var env *model.Envelope
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEnvelopes).Cursor()
		k, v := c.Seek(seqKey(b.ackedSequence() + 1))
		if k == nil {
			return nil
		}
		var err error
		env, err = decodeEnvelope(binary.BigEndian.Uint64(k), v)
		return err
	})
	return env, err
}

func (b *Buffer) ackedSequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ackedSeq
}

// Ack advances the acked pointer past seq and prunes everything at or below
// it. The bbolt commit fsyncs, so the pointer is crash-consistent.
func (b *Buffer) Ack(seq uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if seq <= b.ackedSeq {
		return nil
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		env := tx.Bucket(bucketEnvelopes)
		meta := tx.Bucket(bucketMeta)
		c := env.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if binary.BigEndian.Uint64(k) > seq {
				break
			}
			if err := c.Delete(); err != nil {
				return err
			}
			b.curCount--
			b.curBytes -= int64(len(v))
		}
		return putSeq(meta, keyAckedSeq, seq)
	})
	if err != nil {
		return fmt.Errorf("ack %d: %w", seq, err)
	}
	b.ackedSeq = seq
	metrics.EnvelopesAcked.Add(1)
	metrics.TlmEnvelopesAcked.Inc()
	metrics.TlmBufferFill.Set(b.fillLocked())
	return nil
}

// BDSeq returns the persisted birth-death sequence counter.
func (b *Buffer) BDSeq() (uint64, error) {
	var v uint64
	err := b.db.View(func(tx *bolt.Tx) error {
		v = getSeq(tx.Bucket(bucketMeta), keyBDSeq)
		return nil
	})
	return v, err
}

// SetBDSeq persists the birth-death sequence counter.
func (b *Buffer) SetBDSeq(v uint64) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return putSeq(tx.Bucket(bucketMeta), keyBDSeq, v)
	})
}

// fillLocked computes the fill ratio; callers hold b.mu or tolerate a stale
// read.
func (b *Buffer) fillLocked() float64 {
	byCount := float64(b.curCount) / float64(b.maxCount)
	byBytes := float64(b.curBytes) / float64(b.maxBytes)
	if byBytes > byCount {
		return byBytes
	}
	return byCount
}

// Fill reports the current fill ratio in [0, 1], the max of the byte and
// count ratios.
func (b *Buffer) Fill() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fillLocked()
}

// Len reports the number of queued envelopes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.curCount
}

// Close releases the underlying database.
func (b *Buffer) Close() error {
	return b.db.Close()
}
