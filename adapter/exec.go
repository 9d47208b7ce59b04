package adapter

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Executor runs an operating system command. The spooler adapters go
// through it so they can be exercised without a print subsystem.
type Executor interface {
	Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)
}

// ExecExecutor runs real processes.
type ExecExecutor struct{}

func (ExecExecutor) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}

	return out, nil
}

// writeTempFrame stores frame in a .prn file for `copy /B`. The caller
// removes the file.
func writeTempFrame(frame []byte) (string, error) {
	f, err := os.CreateTemp("", "pjl-*.prn")
	if err != nil {
		return "", err
	}

	if _, err := f.Write(frame); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}

	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}

	return f.Name(), nil
}
