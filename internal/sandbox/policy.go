package sandbox

import (
	"fmt"
	"slices"

	units "github.com/docker/go-units"
)

// Policy defines resource limits for sandbox execution.
type Policy struct {
	MaxMemory string   // Docker memory limit (e.g. "256m")
	PidsLimit int64    // Max processes inside one sandbox
	Network   bool     // Whether network access is allowed
	Images    []string // Allowed Docker images
}

// DefaultPolicy returns safe defaults for code execution.
func DefaultPolicy() Policy {
	return Policy{
		MaxMemory: "256m",
		PidsLimit: 64,
		Network:   false,
		Images: []string{
			"python:3.9-slim",
			"python:3.12-slim",
		},
	}
}

// IsImageAllowed checks if an image is on the allowlist.
func (p Policy) IsImageAllowed(image string) bool {
	return slices.Contains(p.Images, image)
}

// MemoryBytes parses MaxMemory. An empty limit means unlimited.
func (p Policy) MemoryBytes() (int64, error) {
	if p.MaxMemory == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(p.MaxMemory)
	if err != nil {
		return 0, fmt.Errorf("parsing memory limit %q: %w", p.MaxMemory, err)
	}
	return n, nil
}
