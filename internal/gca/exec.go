package gca

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"time"
)

// runCommand runs command through the shell with a bounded timeout,
// mapping a timeout to exit code 124 and any other launch failure to 1
// — the same convention a shell uses for "command timed out" versus
// "command could not run".
func runCommand(command string, timeoutMs int64) ExecResult {
	if timeoutMs <= 0 {
		timeoutMs = DefaultExecTimeoutMs
	}

	short := command
	if len(short) > 100 {
		short = short[:100] + "..."
	}
	slog.Info("gca executing command", "command", short)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return ExecResult{ExitCode: 124, Stdout: "", Stderr: "Timeout"}
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return ExecResult{
				ExitCode: exitErr.ExitCode(),
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
			}
		}
		return ExecResult{ExitCode: 1, Stdout: "", Stderr: "Error: " + err.Error()}
	}

	return ExecResult{ExitCode: 0, Stdout: stdout.String(), Stderr: stderr.String()}
}
