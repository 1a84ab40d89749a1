package runner

import (
	"context"
	"fmt"
	"path/filepath"
)

// ScriptExecutor delegates to a teacher-provided script kept in the libraries directory.
// The script receives the workspace and libraries directories as arguments.
type ScriptExecutor struct {
	sandbox Sandbox
	image   string
}

// NewScriptExecutor constructs a script executor.
func NewScriptExecutor(sandbox Sandbox, image string) *ScriptExecutor {
	return &ScriptExecutor{sandbox: sandbox, image: image}
}

// Execute runs the coursework's script. An empty script resolves as a pass without running anything.
func (e *ScriptExecutor) Execute(ctx context.Context, req Request) (Outcome, error) {
	if req.Script == "" {
		return Outcome{}, nil
	}
	if !filepath.IsLocal(req.Script) {
		return Outcome{}, fmt.Errorf("%w: script %q must be relative to the libraries directory", ErrInvalidRequest, req.Script)
	}
	if req.LibDir == "" {
		return Outcome{}, fmt.Errorf("%w: libraries directory is not configured", ErrInvalidRequest)
	}

	res, err := e.sandbox.Run(ctx, Command{
		Image:   e.image,
		Program: LibDirPlaceholder + "/" + filepath.ToSlash(filepath.Clean(req.Script)),
		Args:    []string{WorkdirPlaceholder, LibDirPlaceholder},
		Workdir: req.Workdir,
		LibDir:  req.LibDir,
	})
	if err != nil {
		return Outcome{}, err
	}

	return Outcome{
		ExitCode: res.ExitCode,
		Output:   res.Output(),
		TimedOut: res.TimedOut,
		Duration: res.Duration,
	}, nil
}
