// Package echo is the no-op handler: it completes with its own payload as the
// result. Useful for smoke tests and latency probes.
package echo

import "context"

func Handle(ctx context.Context, payload map[string]any) (map[string]any, error) {
	return payload, nil
}
