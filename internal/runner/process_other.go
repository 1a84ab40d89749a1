//go:build !unix

package runner

import (
	"context"
	"fmt"
)

// ProcessSandbox is unavailable on platforms without process groups.
type ProcessSandbox struct{}

// NewProcessSandbox returns a sandbox that refuses to run commands.
func NewProcessSandbox(int64) *ProcessSandbox {
	return &ProcessSandbox{}
}

// Run always fails with ErrSpawn.
func (p *ProcessSandbox) Run(context.Context, Command) (Result, error) {
	return Result{}, fmt.Errorf("%w: process sandbox requires a unix platform", ErrSpawn)
}
