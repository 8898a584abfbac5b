// Package protocol defines the wire types shared by the throttled HTTP
// server and the Go client: request/response bodies and the human-readable
// duration encoding used for TTLs and wait deadlines.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MaxBodyBytes bounds request bodies read by the server.
const MaxBodyBytes = 64 * 1024

// Duration is a time.Duration that marshals to and from human-readable
// strings such as "30s", "1500ms" or "15m".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like %q: %w", "30s", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// AcquireRequest is the body of POST /acquire.
type AcquireRequest struct {
	// Demands maps semaphore names to the weight requested from each.
	Demands map[string]int64 `json:"demands"`
	// TTL is how long the lease stays valid without a heartbeat. Zero or
	// absent means the server's configured default.
	TTL Duration `json:"ttl,omitempty"`
	// Wait bounds how long the request may stay queued before timing out.
	// Zero or absent means "do not queue".
	Wait Duration `json:"wait,omitempty"`
}

// Validate reports the first shape problem with the request. Capacity
// checks are the engine's concern, not the wire layer's.
func (r *AcquireRequest) Validate() error {
	if len(r.Demands) == 0 {
		return fmt.Errorf("demands must name at least one semaphore")
	}
	if r.TTL < 0 {
		return fmt.Errorf("ttl must be >= 0")
	}
	if r.Wait < 0 {
		return fmt.Errorf("wait must be >= 0")
	}
	return nil
}

// AcquireResponse is the body returned for a granted lease.
type AcquireResponse struct {
	LeaseID string `json:"lease_id"`
}

// HeartbeatRequest is the body of PUT /leases/{id}.
type HeartbeatRequest struct {
	TTL Duration `json:"ttl"`
}

// Error is the body of every non-2xx response.
type Error struct {
	Error string `json:"error"`
}
