// Package antivirus adapts external malware scanners to simplemedia.Scanner.
package antivirus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

// Command runs a clamdscan-compatible executable with the file path as the
// last argument. Exit status 0 means clean, 1 means infected; anything
// else (including a timeout) is a scanner error.
type Command struct {
	Path    string
	Args    []string
	Timeout time.Duration
}

// NewClamdscan returns a Command invoking clamdscan against a running clamd.
func NewClamdscan(timeout time.Duration) Command {
	return Command{
		Path:    "clamdscan",
		Args:    []string{"--no-summary", "--fdpass"},
		Timeout: timeout,
	}
}

func (c Command) Scan(ctx context.Context, path string) simplemedia.ScanResult {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	args := append(append([]string(nil), c.Args...), path)
	cmd := exec.CommandContext(ctx, c.Path, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	// children that inherit the pipes must not outlive the timeout
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	if err == nil {
		return simplemedia.ScanResult{Status: simplemedia.ScanClean}
	}
	if ctx.Err() != nil {
		return simplemedia.ScanResult{Status: simplemedia.ScanError, Err: fmt.Errorf("scan aborted: %w", ctx.Err())}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return simplemedia.ScanResult{Status: simplemedia.ScanInfected, Signature: signature(out.String())}
	}
	return simplemedia.ScanResult{
		Status: simplemedia.ScanError,
		Err:    fmt.Errorf("%s: %w: %s", c.Path, err, strings.TrimSpace(out.String())),
	}
}

// signature extracts the threat name from "path: Name FOUND" output.
func signature(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasSuffix(line, " FOUND") {
			continue
		}
		line = strings.TrimSuffix(line, " FOUND")
		if i := strings.LastIndex(line, ": "); i >= 0 {
			return line[i+2:]
		}
		return line
	}
	return ""
}

// Func adapts a function to simplemedia.Scanner.
type Func func(ctx context.Context, path string) simplemedia.ScanResult

func (f Func) Scan(ctx context.Context, path string) simplemedia.ScanResult {
	return f(ctx, path)
}
