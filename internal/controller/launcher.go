// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/coverhost/internal/controller"

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
)

// targetEnv returns base with the variables of env set, replacing existing ones.
func targetEnv(base []string, env map[string]string) []string {
	out := make([]string, 0, len(base)+len(env))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, ok := env[name]; !ok {
			out = append(out, kv)
		}
	}
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, name+"="+env[name])
	}
	return out
}

// execTarget runs the target as a child process sharing our standard streams. A target
// that ran and exited non-zero is not an error, its code is kept for the caller.
func (c *Controller) execTarget(ctx context.Context, inject func(map[string]string)) error {
	env := map[string]string{}
	inject(env)

	cmd := exec.CommandContext(ctx, c.config.Target, strings.Fields(c.config.TargetArgs)...)
	cmd.Dir = c.config.TargetDir
	cmd.Env = targetEnv(os.Environ(), env)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		c.exitCode = 0
	case errors.As(err, &exitErr) && ctx.Err() == nil:
		c.exitCode = exitErr.ExitCode()
	default:
		return fmt.Errorf("failed to run %s: %w", c.config.Target, err)
	}
	return nil
}
