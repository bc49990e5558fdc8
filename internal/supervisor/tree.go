/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package supervisor restarts the long-running kiosk services when they
// fail. The engine and the local HTTP surface live on separate layers so a
// crashing surface never interrupts playback.
package supervisor

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
)

// TreeConfig holds restart tuning. Zero values take suture's defaults.
type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// DefaultTreeConfig matches suture's built-in defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree is the root supervisor with a runtime layer (engine) and an api
// layer (HTTP surface).
type Tree struct {
	root    *suture.Supervisor
	runtime *suture.Supervisor
	api     *suture.Supervisor
	config  TreeConfig
}

// NewTree builds the supervisor hierarchy.
func NewTree(logger zerolog.Logger, config TreeConfig) *Tree {
	def := DefaultTreeConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = def.FailureDecay
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = def.FailureBackoff
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}

	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	rootSpec := childSpec
	rootSpec.EventHook = EventHook(logger.With().Str("component", "supervisor").Logger())

	root := suture.New("grimnir-kiosk", rootSpec)
	runtime := suture.New("runtime-layer", childSpec)
	api := suture.New("api-layer", childSpec)
	root.Add(runtime)
	root.Add(api)

	return &Tree{root: root, runtime: runtime, api: api, config: config}
}

// EventHook logs suture events through zerolog.
func EventHook(logger zerolog.Logger) suture.EventHook {
	return func(ev suture.Event) {
		var e *zerolog.Event
		switch ev.Type() {
		case suture.EventTypeServicePanic, suture.EventTypeServiceTerminate:
			e = logger.Error()
		case suture.EventTypeBackoff, suture.EventTypeStopTimeout:
			e = logger.Warn()
		default:
			e = logger.Info()
		}
		e.Fields(ev.Map()).Msg(ev.String())
	}
}

// AddRuntimeService supervises a playback service such as the engine.
func (t *Tree) AddRuntimeService(svc suture.Service) suture.ServiceToken {
	return t.runtime.Add(svc)
}

// AddAPIService supervises the HTTP surface.
func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve runs the tree until ctx is cancelled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground runs the tree on its own goroutine.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that ignored shutdown.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
