// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

package model

import "time"

// FaultState is the lifecycle state of a fault record.
type FaultState string

// Fault lifecycle states.
const (
	FaultActive       FaultState = "ACTIVE"
	FaultAcknowledged FaultState = "ACKNOWLEDGED"
	FaultResolved     FaultState = "RESOLVED"
	FaultMerged       FaultState = "MERGED"
)

// Severity classifies a fault code.
type Severity string

// Severity taxonomy, most severe first.
const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// ValidSeverity reports whether s is a known severity.
func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}

// FaultRecord tracks one fault occurrence on an asset. At most one ACTIVE
// record may exist per (asset, code); the fault state machine enforces this.
type FaultRecord struct {
	FaultID  string
	Asset    AssetRef
	Code     string
	Severity Severity
	State    FaultState
	OpenedAt time.Time
	ClosedAt *time.Time

	// MergedInto points at the surviving fault when State is MERGED.
	MergedInto string
}

// Open reports whether the record still requires attention.
func (r *FaultRecord) Open() bool {
	return r.State == FaultActive || r.State == FaultAcknowledged
}
