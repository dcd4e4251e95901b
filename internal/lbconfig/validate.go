package lbconfig

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// FilePlaceholder in a validate command is replaced with the path of the
// candidate written to a temporary file.
const FilePlaceholder = "{file}"

// ValidationError carries the verdict and diagnostics of a failed check.
type ValidationError struct {
	Details string
}

func (e *ValidationError) Error() string {
	return "configuration check failed: " + e.Details
}

// Validator checks a candidate configuration without touching live state.
type Validator interface {
	Validate(ctx context.Context, candidate []byte) error
}

// BuiltinValidator checks marker structure and every managed server line.
type BuiltinValidator struct {
	Markers Markers
	// AllowEmpty accepts a managed region with no members.
	AllowEmpty bool
}

func (v *BuiltinValidator) Validate(_ context.Context, candidate []byte) error {
	members, err := ParseRegion(candidate, v.Markers)
	if err != nil {
		return &ValidationError{Details: err.Error()}
	}
	if len(members) == 0 && !v.AllowEmpty {
		return &ValidationError{Details: "managed region has no servers"}
	}

	names := make(map[string]bool, len(members))
	for _, m := range members {
		if names[m.Name] {
			return &ValidationError{Details: fmt.Sprintf("duplicate server name %s", m.Name)}
		}
		names[m.Name] = true
	}
	return nil
}

// CommandValidator runs the external balancer's configuration check against
// a temporary copy of the candidate.
type CommandValidator struct {
	Command []string
	Timeout time.Duration
	// TempDir is where candidates are written; empty means os.TempDir.
	TempDir string
}

func (v *CommandValidator) Validate(ctx context.Context, candidate []byte) error {
	if len(v.Command) == 0 {
		return errors.New("validate command is empty")
	}

	f, err := os.CreateTemp(v.TempDir, "candidate-*.cfg")
	if err != nil {
		return fmt.Errorf("create candidate file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.Write(candidate); err != nil {
		f.Close()
		return fmt.Errorf("write candidate file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close candidate file: %w", err)
	}

	args := make([]string, len(v.Command))
	for i, arg := range v.Command {
		args[i] = strings.ReplaceAll(arg, FilePlaceholder, path)
	}

	if v.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.Timeout)
		defer cancel()
	}

	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = &output
	cmd.Stderr = &output
	// Children that inherit the output pipe must not outlive the timeout.
	cmd.WaitDelay = time.Second
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return &ValidationError{Details: fmt.Sprintf("check command aborted: %v", ctx.Err())}
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			details := strings.TrimSpace(output.String())
			if details == "" {
				details = exitErr.Error()
			}
			return &ValidationError{Details: details}
		}
		return fmt.Errorf("run check command %s: %w", args[0], err)
	}
	return nil
}

// ChainValidator runs validators in order and stops at the first failure.
type ChainValidator []Validator

func (c ChainValidator) Validate(ctx context.Context, candidate []byte) error {
	for _, v := range c {
		if err := v.Validate(ctx, candidate); err != nil {
			return err
		}
	}
	return nil
}
