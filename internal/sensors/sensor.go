// Package sensors provides local, userspace producers of event.Envelope
// values for hosts with no kernel/hook producer wired into the ring
// transport. Each sub-package (file, process, network) implements Sensor
// for its OS family, selected at compile time via build tags exactly the
// way a kernel-level agent would be. On platforms lacking the native
// mechanism, file falls back to a portable mtime/size poller, while process
// and network fall back to inert stubs that emit no events.
package sensors

import (
	"context"

	"github.com/edrcore/core/internal/event"
)

// Sensor is the common interface implemented by every local telemetry
// producer. Implementations must be safe for concurrent use.
type Sensor interface {
	// Start begins monitoring and launches any background goroutines. It
	// returns immediately; errors encountered after Start returns are
	// logged, not returned. Start may be called only once per Sensor.
	Start(ctx context.Context) error

	// Stop ceases monitoring and blocks until all goroutines exit. The
	// Events channel is closed after Stop returns. Stop is idempotent.
	Stop() error

	// Events returns the channel on which Envelopes are delivered.
	Events() <-chan event.Envelope
}
