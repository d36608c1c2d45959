// Copyright 2025 James Ross
package instance

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// newInstanceID mints a locally-unique instanceId, prefix inst-, timestamp,
// random suffix, never reused (spec.md §3.1).
func newInstanceID() string {
	return fmt.Sprintf("inst-%d-%s", time.Now().UnixNano(), uuid.NewString()[:8])
}

// newOperationID mints an id for a startupOperation.
func newOperationID() string {
	return fmt.Sprintf("op-%d-%s", time.Now().UnixNano(), uuid.NewString()[:8])
}
