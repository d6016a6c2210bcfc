package app

import (
	"context"
	"fmt"
)

// Pinger is the minimal interface for a database handle capable of Ping.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// BuildDBCheck returns the readiness probe for the job store.
func BuildDBCheck(db Pinger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if db == nil {
			return fmt.Errorf("job store not configured")
		}
		return db.PingContext(ctx)
	}
}
