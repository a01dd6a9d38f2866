package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

// TestExecuteCommand_BasicExecution verifies basic command execution
func TestExecuteCommand_BasicExecution(t *testing.T) {
	ctx := context.Background()
	cmd := newCommand(ctx, "echo", "hello")

	stdout, stderr, err := executeCommand(ctx, cmd, nil, nil)

	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(string(stdout), "hello") {
		t.Errorf("Expected stdout to contain 'hello', got: %s", stdout)
	}
	if len(stderr) > 0 {
		t.Errorf("Expected empty stderr, got: %s", stderr)
	}
}

// TestExecuteCommand_LargeOutput verifies no deadlock when output exceeds the pipe buffer
func TestExecuteCommand_LargeOutput(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := newCommand(ctx, "bash", "-c", "for i in $(seq 1 20000); do echo line-$i; done")

	var mu sync.Mutex
	streamed := 0
	start := time.Now()
	stdout, _, err := executeCommand(ctx, cmd, nil, func(string) {
		mu.Lock()
		streamed++
		mu.Unlock()
	})
	duration := time.Since(start)

	if err != nil {
		t.Fatalf("Expected no error, got: %v (took %v)", err, duration)
	}

	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	if len(lines) != 20000 {
		t.Errorf("Expected 20000 captured lines, got %d", len(lines))
	}
	if streamed != 20000 {
		t.Errorf("Expected 20000 streamed lines, got %d", streamed)
	}
}

// TestExecuteCommand_StderrCapture verifies both stdout and stderr are captured and streamed
func TestExecuteCommand_StderrCapture(t *testing.T) {
	ctx := context.Background()
	cmd := newCommand(ctx, "bash", "-c", "echo error >&2; echo ok")

	var mu sync.Mutex
	var got []string
	stdout, stderr, err := executeCommand(ctx, cmd, nil, func(line string) {
		mu.Lock()
		got = append(got, line)
		mu.Unlock()
	})

	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(string(stdout), "ok") {
		t.Errorf("Expected stdout to contain 'ok', got: %s", stdout)
	}
	if !strings.Contains(string(stderr), "error") {
		t.Errorf("Expected stderr to contain 'error', got: %s", stderr)
	}
	if len(got) != 2 {
		t.Errorf("Expected 2 streamed lines, got %v", got)
	}
}

// TestExecuteCommand_ContextCancellation verifies subprocess termination on context cancel
func TestExecuteCommand_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	cmd := newCommand(ctx, "bash", "-c", "sleep 30")

	start := time.Now()
	_, _, err := executeCommand(ctx, cmd, nil, nil)

	if err == nil {
		t.Fatal("Expected error due to context cancellation, got nil")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected error to wrap DeadlineExceeded, got: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("Cancellation took too long: %v", time.Since(start))
	}
}

// TestExecuteCommand_NonZeroExitCode verifies error handling and output capture on failure
func TestExecuteCommand_NonZeroExitCode(t *testing.T) {
	ctx := context.Background()
	cmd := newCommand(ctx, "bash", "-c", "echo test-output; echo broken >&2; exit 3")

	stdout, _, err := executeCommand(ctx, cmd, nil, nil)

	if err == nil {
		t.Fatal("Expected error due to non-zero exit code, got nil")
	}
	if !strings.Contains(string(stdout), "test-output") {
		t.Errorf("Expected stdout to be captured despite error, got: %s", stdout)
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Errorf("Expected stderr in error message, got: %v", err)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitCode := exitErr.ExitCode(); exitCode != 3 {
			t.Errorf("Expected exit code 3, got %d", exitCode)
		}
	} else {
		t.Errorf("Expected error to wrap *exec.ExitError, got %T: %v", err, err)
	}
}

// TestExecuteCommand_TracksWhileRunning verifies the process manager sees the process only while it runs
func TestExecuteCommand_TracksWhileRunning(t *testing.T) {
	pm := NewProcessManager()
	ctx := context.Background()
	cmd := newCommand(ctx, "bash", "-c", "echo ready; sleep 0.2")

	seen := make(chan int, 1)
	_, _, err := executeCommand(ctx, cmd, pm, func(line string) {
		if line == "ready" {
			seen <- pm.Count()
		}
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if n := <-seen; n != 1 {
		t.Errorf("Expected 1 tracked process while running, got %d", n)
	}
	if pm.Count() != 0 {
		t.Errorf("Expected 0 tracked processes after exit, got %d", pm.Count())
	}
}

// TestProcessManager_TrackAndKillAll verifies ProcessManager tracks and terminates processes
func TestProcessManager_TrackAndKillAll(t *testing.T) {
	pm := NewProcessManager()

	cmd := newCommand(context.Background(), "bash", "-c", "sleep 300")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}

	pm.Track(cmd)
	if pm.Count() != 1 {
		t.Errorf("Expected 1 tracked process, got %d", pm.Count())
	}

	if err := pm.KillAll(); err != nil {
		t.Errorf("KillAll: %v", err)
	}

	err := cmd.Wait()
	if err == nil {
		t.Error("Expected process to be killed (non-nil error), got nil")
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if !status.Signaled() {
				t.Errorf("Expected process to be signaled, got exit status: %v", status)
			}
		}
	}

	pm.Untrack(cmd)
	if pm.Count() != 0 {
		t.Errorf("Expected 0 tracked processes after Untrack, got %d", pm.Count())
	}
}

// TestProcessManager_KillsProcessTree verifies process group signal propagation
func TestProcessManager_KillsProcessTree(t *testing.T) {
	pm := NewProcessManager()

	cmd := newCommand(context.Background(), "bash", "-c", "sleep 30 & wait")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}

	parentPID := cmd.Process.Pid
	pm.Track(cmd)

	// Give the child time to spawn
	time.Sleep(200 * time.Millisecond)

	pm.KillAll()
	cmd.Wait()
	pm.Untrack(cmd)

	checkCmd := exec.Command("pgrep", "-P", fmt.Sprintf("%d", parentPID))
	output, err := checkCmd.CombinedOutput()

	// pgrep exits 1 when nothing matches
	if err == nil && len(bytes.TrimSpace(output)) > 0 {
		t.Errorf("Child processes still running after KillAll: %s", output)
	}
}

// TestProcessManager_UntrackUnstarted verifies unstarted commands are ignored
func TestProcessManager_UntrackUnstarted(t *testing.T) {
	pm := NewProcessManager()
	cmd := newCommand(context.Background(), "true")

	pm.Track(cmd)
	pm.Untrack(cmd)

	if pm.Count() != 0 {
		t.Errorf("Expected 0 tracked processes, got %d", pm.Count())
	}
}
