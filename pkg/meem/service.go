// SPDX-License-Identifier: MIT

package meem

import (
	"context"
	"time"

	"github.com/grafana/dskit/services"
)

// AsService adapts an Engine's Init/PeriodicTask/DeInit lifecycle to a
// dskit services.Service, for host applications that prefer a
// goroutine-driven ticker over calling PeriodicTask from their own
// super-loop. The engine itself has no goroutines of its own; this adapter
// is the only place in the module that introduces one.
func AsService(e *Engine, tickInterval time.Duration) services.Service {
	return services.NewBasicService(
		func(ctx context.Context) error {
			return e.Init()
		},
		func(ctx context.Context) error {
			ticker := time.NewTicker(tickInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					e.PeriodicTask()
				case <-ctx.Done():
					return nil
				}
			}
		},
		func(failureCase error) error {
			return e.DeInit()
		},
	)
}
