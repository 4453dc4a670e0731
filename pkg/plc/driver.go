// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

// Package plc defines the driver contract for PLC endpoints and the runner
// that turns one configured endpoint into a sample stream. Concrete drivers
// live in subpackages and self-register by type name.
package plc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/oeelab/sparkline/pkg/config"
	"github.com/oeelab/sparkline/pkg/model"
)

// Driver is the closed capability set every PLC driver implements.
type Driver interface {
	// Open establishes the session. Failures are classified via OpenError.
	Open(ctx context.Context) error
	// ReadBatch reads the addressed tags once. Drivers report a quality code
	// for every address; a read problem yields a BAD-quality sample, never a
	// missing one.
	ReadBatch(ctx context.Context, addresses []string) ([]model.Sample, error)
	// Subscribe registers change-of-value delivery where the protocol
	// supports it. Drivers without native subscriptions return
	// ErrSubscribeUnsupported and the runner falls back to polling.
	Subscribe(ctx context.Context, addresses []string, emit func(model.Sample)) error
	Close() error
}

// FailureKind classifies an Open failure.
type FailureKind string

// Open failure kinds. Auth and TLS failures are fatal for the endpoint;
// everything else is retried.
const (
	FailureUnreachable FailureKind = "UNREACHABLE"
	FailureAuth        FailureKind = "AUTH"
	FailureTLS         FailureKind = "TLS"
	FailureProtocol    FailureKind = "PROTOCOL"
)

// OpenError wraps a session-establishment failure with its kind.
type OpenError struct {
	Kind FailureKind
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open failed (%s): %v", e.Kind, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// Fatal reports whether the error must stop the endpoint instead of being
// retried.
func Fatal(err error) bool {
	var oe *OpenError
	if !errors.As(err, &oe) {
		return false
	}
	return oe.Kind == FailureAuth || oe.Kind == FailureTLS
}

// ErrSubscribeUnsupported marks drivers without change-of-value delivery.
var ErrSubscribeUnsupported = fmt.Errorf("driver does not support subscriptions")

// Factory builds a driver for one configured endpoint.
type Factory func(cfg config.PLCEndpoint) (Driver, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register installs a driver factory under its type name. Drivers call this
// from init; a duplicate name is a programming error.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("plc: duplicate driver " + name)
	}
	registry[name] = f
}

// New builds the driver named by the endpoint's type.
func New(cfg config.PLCEndpoint) (Driver, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("plc: unknown driver type %q (have %v)", cfg.Type, Drivers())
	}
	return f(cfg)
}

// Drivers lists the registered driver type names.
func Drivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
