package runner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/peergramming/peer-testing/pkg/docker"
)

var pythonLibraryPath = regexp.MustCompile(`(File ["']).+/(python[0-9.]+)/(.+["'])`)

// PythonExecutor runs unittest discovery over the staged files.
type PythonExecutor struct {
	sandbox Sandbox
	image   string
}

// NewPythonExecutor constructs a Python 3 executor.
func NewPythonExecutor(sandbox Sandbox, image string) *PythonExecutor {
	return &PythonExecutor{sandbox: sandbox, image: image}
}

// Execute runs `python3 -m unittest discover` in the workspace.
func (e *PythonExecutor) Execute(ctx context.Context, req Request) (Outcome, error) {
	initFile, err := os.OpenFile(filepath.Join(req.Workdir, "__init__.py"), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	switch {
	case err == nil:
		initFile.Close()
	case !errors.Is(err, fs.ErrExist):
		return Outcome{}, fmt.Errorf("%w: prepare package: %v", ErrSpawn, err)
	}

	env := []string{"PYTHONDONTWRITEBYTECODE=1"}
	if req.LibDir != "" {
		env = append(env, "PYTHONPATH="+LibDirPlaceholder)
	}

	res, err := e.sandbox.Run(ctx, Command{
		Image:   e.image,
		Program: "python3",
		Args:    []string{"-m", "unittest", "discover", "-p", "*.py"},
		Env:     env,
		Workdir: req.Workdir,
		LibDir:  req.LibDir,
	})
	if err != nil {
		return Outcome{}, err
	}

	return Outcome{
		ExitCode: res.ExitCode,
		Output:   ScrubPythonPaths(res.Output(), req.Workdir, docker.WorkspacePath),
		TimedOut: res.TimedOut,
		Duration: res.Duration,
	}, nil
}

// ScrubPythonPaths shortens interpreter library paths in tracebacks and strips
// workspace prefixes so output does not leak host layout.
func ScrubPythonPaths(output string, workdirs ...string) string {
	output = pythonLibraryPath.ReplaceAllString(output, "$1/$2/$3")
	for _, dir := range workdirs {
		if dir == "" {
			continue
		}
		prefix := strings.TrimSuffix(dir, "/") + "/"
		output = strings.ReplaceAll(output, `File "`+prefix, `File "`)
		output = strings.ReplaceAll(output, `File '`+prefix, `File '`)
	}
	return output
}
