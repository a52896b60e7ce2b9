package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// runner launches one external process with stdout redirected to a file.
// It is a field on the engines so tests can substitute a recorder instead
// of a real binary.
type runner func(ctx context.Context, workDir, stdoutPath string, argv []string) (int, error)

func execRun(ctx context.Context, workDir, stdoutPath string, argv []string) (int, error) {
	if len(argv) == 0 {
		return -1, fmt.Errorf("empty command")
	}

	out, err := os.Create(stdoutPath)
	if err != nil {
		return -1, fmt.Errorf("create stdout file %s: %w", stdoutPath, err)
	}
	defer out.Close()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = workDir
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return -1, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), err
		}
		return -1, fmt.Errorf("start %s: %w", argv[0], err)
	}
	return 0, nil
}
