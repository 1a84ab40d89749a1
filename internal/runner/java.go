package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	cp "github.com/otiai10/copy"
)

const (
	javaCompileClasspath = ".:junit.jar"
	javaRunClasspath     = ".:junit.jar:hamcrest.jar"
	junitRunner          = "org.junit.runner.JUnitCore"
)

var javaClassName = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*(\.[A-Za-z_$][A-Za-z0-9_$]*)*$`)

// JavaExecutor compiles the staged sources and runs a JUnit test class.
type JavaExecutor struct {
	sandbox Sandbox
	image   string
}

// NewJavaExecutor constructs a Java 8 executor.
func NewJavaExecutor(sandbox Sandbox, image string) *JavaExecutor {
	return &JavaExecutor{sandbox: sandbox, image: image}
}

// Execute copies the JUnit jars into the workspace, compiles every .java file
// and runs the coursework's test class. Compilation failure skips the run.
func (e *JavaExecutor) Execute(ctx context.Context, req Request) (Outcome, error) {
	if !javaClassName.MatchString(req.TestSelector) {
		return Outcome{}, fmt.Errorf("%w: test class %q is not a Java class name", ErrInvalidRequest, req.TestSelector)
	}

	if req.LibDir != "" {
		err := cp.Copy(req.LibDir, req.Workdir, cp.Options{
			Skip: func(info os.FileInfo, _, _ string) (bool, error) {
				return !info.IsDir() && !strings.HasSuffix(info.Name(), ".jar"), nil
			},
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("%w: copy libraries: %v", ErrSpawn, err)
		}
	}

	sources, err := filepath.Glob(filepath.Join(req.Workdir, "*.java"))
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: list sources: %v", ErrSpawn, err)
	}
	if len(sources) == 0 {
		return Outcome{ExitCode: 1, Output: "Failed to compile: \nno Java sources found\n"}, nil
	}
	names := make([]string, len(sources))
	for i, source := range sources {
		names[i] = filepath.Base(source)
	}
	sort.Strings(names)

	compiled, err := e.sandbox.Run(ctx, Command{
		Image:   e.image,
		Program: "javac",
		Args:    append([]string{"-cp", javaCompileClasspath}, names...),
		Workdir: req.Workdir,
		LibDir:  req.LibDir,
	})
	if err != nil {
		return Outcome{}, err
	}
	if compiled.TimedOut {
		return Outcome{ExitCode: compiled.ExitCode, Output: compiled.Output(), TimedOut: true, Duration: compiled.Duration}, nil
	}
	if compiled.ExitCode != 0 {
		return Outcome{
			ExitCode: compiled.ExitCode,
			Output:   "Failed to compile: \n" + compiled.Output(),
			Duration: compiled.Duration,
		}, nil
	}

	ran, err := e.sandbox.Run(ctx, Command{
		Image:   e.image,
		Program: "java",
		Args:    []string{"-cp", javaRunClasspath, junitRunner, req.TestSelector},
		Workdir: req.Workdir,
		LibDir:  req.LibDir,
	})
	if err != nil {
		return Outcome{}, err
	}

	return Outcome{
		ExitCode: ran.ExitCode,
		Output:   ran.Output(),
		TimedOut: ran.TimedOut,
		Duration: compiled.Duration + ran.Duration,
	}, nil
}
