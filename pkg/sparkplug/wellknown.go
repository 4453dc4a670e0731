// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

package sparkplug

// Well-known metric names carried in birth and command frames.
const (
	// MetricBDSeq pairs an NBIRTH with the NDEATH the broker publishes on an
	// unclean disconnect.
	MetricBDSeq = "bdSeq"

	// MetricRebirth is the NCMD requesting NBIRTH re-emission.
	MetricRebirth = "Node Control/Rebirth"

	// MetricAckFault is the DCMD acknowledging a fault; the string value is
	// the fault code.
	MetricAckFault = "Device Control/Acknowledge Fault"

	// MetricResolveFault is the DCMD resolving a fault externally.
	MetricResolveFault = "Device Control/Resolve Fault"
)

// SeqMod is the modulus of the per-session frame sequence number.
const SeqMod = 256

// NextSeq advances a frame sequence number.
func NextSeq(seq uint64) uint64 {
	return (seq + 1) % SeqMod
}
