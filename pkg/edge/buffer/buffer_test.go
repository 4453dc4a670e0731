// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

package buffer

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestBuffer(t *testing.T, path string, maxBytes int64, maxCount int) *Buffer {
	t.Helper()
	b, err := Open(path, maxBytes, maxCount, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestEnqueueDequeueAck(t *testing.T) {
	b := openTestBuffer(t, filepath.Join(t.TempDir(), "buf.db"), 1<<20, 100)

	seq1, err := b.Enqueue("t/1", []byte("one"))
	require.NoError(t, err)
	seq2, err := b.Enqueue("t/2", []byte("two"))
	require.NoError(t, err)
	assert.Equal(t, seq1+1, seq2)

	env, err := b.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, seq1, env.Seq)
	assert.Equal(t, "t/1", env.Topic)
	assert.Equal(t, []byte("one"), env.Payload)

	// Without an ack the head does not move.
	again, err := b.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, seq1, again.Seq)

	require.NoError(t, b.Ack(seq1))
	env, err = b.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, seq2, env.Seq)
	require.NoError(t, b.Ack(seq2))
	assert.Equal(t, 0, b.Len())
}

func TestNextBlocksUntilEnqueue(t *testing.T) {
	b := openTestBuffer(t, filepath.Join(t.TempDir(), "buf.db"), 1<<20, 100)

	got := make(chan uint64, 1)
	go func() {
		env, err := b.Next(context.Background())
		if err == nil {
			got <- env.Seq
		}
	}()

	time.Sleep(20 * time.Millisecond)
	seq, err := b.Enqueue("t", []byte("x"))
	require.NoError(t, err)

	select {
	case v := <-got:
		assert.Equal(t, seq, v)
	case <-time.After(time.Second):
		t.Fatal("Next did not wake on enqueue")
	}
}

func TestNextHonorsContext(t *testing.T) {
	b := openTestBuffer(t, filepath.Join(t.TempDir(), "buf.db"), 1<<20, 100)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOverflowDropsExactlyOldest(t *testing.T) {
	b := openTestBuffer(t, filepath.Join(t.TempDir(), "buf.db"), 1<<20, 3)

	var seqs []uint64
	for i := 0; i < 3; i++ {
		s, err := b.Enqueue("t", []byte(fmt.Sprintf("p%d", i)))
		require.NoError(t, err)
		seqs = append(seqs, s)
	}
	require.Equal(t, 3, b.Len())

	_, err := b.Enqueue("t", []byte("p3"))
	require.NoError(t, err)
	assert.Equal(t, 3, b.Len())

	// The head is now the second envelope; the oldest is gone.
	env, err := b.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, seqs[1], env.Seq)
}

func TestByteBoundOverflow(t *testing.T) {
	// Each record is 12 bytes header + 1 topic + 100 payload = 113 bytes.
	b := openTestBuffer(t, filepath.Join(t.TempDir(), "buf.db"), 300, 1000)

	payload := make([]byte, 100)
	for i := 0; i < 3; i++ {
		_, err := b.Enqueue("t", payload)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, b.Len())
}

func TestDurabilityAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buf.db")

	b, err := Open(path, 1<<20, 100, zerolog.Nop())
	require.NoError(t, err)
	seq1, err := b.Enqueue("t/1", []byte("one"))
	require.NoError(t, err)
	seq2, err := b.Enqueue("t/2", []byte("two"))
	require.NoError(t, err)
	require.NoError(t, b.Ack(seq1))
	require.NoError(t, b.SetBDSeq(4))
	require.NoError(t, b.Close())

	b2 := openTestBuffer(t, path, 1<<20, 100)
	assert.Equal(t, 1, b2.Len())

	env, err := b2.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, seq2, env.Seq)
	assert.Equal(t, "t/2", env.Topic)

	bd, err := b2.BDSeq()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), bd)

	// Sequence numbers continue, never reused.
	seq3, err := b2.Enqueue("t/3", []byte("three"))
	require.NoError(t, err)
	assert.Greater(t, seq3, seq2)
}

func TestAckedSeqStrictlyIncreases(t *testing.T) {
	b := openTestBuffer(t, filepath.Join(t.TempDir(), "buf.db"), 1<<20, 100)

	seq1, _ := b.Enqueue("t", []byte("a"))
	seq2, _ := b.Enqueue("t", []byte("b"))
	require.NoError(t, b.Ack(seq2))
	// A late ack for an older envelope is a no-op.
	require.NoError(t, b.Ack(seq1))
	assert.Equal(t, 0, b.Len())
}

func TestFillRatio(t *testing.T) {
	b := openTestBuffer(t, filepath.Join(t.TempDir(), "buf.db"), 1<<20, 10)
	assert.Equal(t, 0.0, b.Fill())
	for i := 0; i < 6; i++ {
		_, err := b.Enqueue("t", []byte("x"))
		require.NoError(t, err)
	}
	assert.InDelta(t, 0.6, b.Fill(), 1e-9)
}
