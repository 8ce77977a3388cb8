// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/coverhost/internal/controller"

import (
	"go.opentelemetry.io/coverhost/profilermanager"
	"go.opentelemetry.io/coverhost/report"
	"go.opentelemetry.io/coverhost/shm"
)

type Option interface {
	applyOption(*Controller) *Controller
}
type controllerOptionFunc func(*Controller) *Controller

func (f controllerOptionFunc) applyOption(c *Controller) *Controller {
	return f(c)
}

// WithProvider sets the provider of named objects.
// This defaults to a [shm.PosixProvider] rooted at the shm-dir flag.
func WithProvider(p shm.Provider) Option {
	return controllerOptionFunc(func(c *Controller) *Controller {
		c.provider = p
		return c
	})
}

// WithLauncher replaces starting the target as a child process.
func WithLauncher(l profilermanager.Launcher) Option {
	return controllerOptionFunc(func(c *Controller) *Controller {
		c.launcher = l
		return c
	})
}

// WithSink adds a sink the report is written to, in addition to the configured ones.
func WithSink(s report.Sink) Option {
	return controllerOptionFunc(func(c *Controller) *Controller {
		c.sinks = append(c.sinks, s)
		return c
	})
}
