package cmd

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"
)

// captureOutput captures stdout and stderr during function execution.
func captureOutput(f func()) (stdout, stderr string) {
	oldStdout := os.Stdout
	oldStderr := os.Stderr

	rOut, wOut, _ := os.Pipe()
	rErr, wErr, _ := os.Pipe()
	os.Stdout = wOut
	os.Stderr = wErr

	var bufOut, bufErr bytes.Buffer
	done := make(chan struct{}, 2)
	go func() { io.Copy(&bufOut, rOut); done <- struct{}{} }()
	go func() { io.Copy(&bufErr, rErr); done <- struct{}{} }()

	f()

	wOut.Close()
	wErr.Close()
	<-done
	<-done
	os.Stdout = oldStdout
	os.Stderr = oldStderr
	rOut.Close()
	rErr.Close()

	return bufOut.String(), bufErr.String()
}

// assertContains checks if output contains the expected substring.
func assertContains(t *testing.T, output, expected string) {
	t.Helper()
	if !strings.Contains(output, expected) {
		t.Errorf("expected output to contain %q, got:\n%s", expected, output)
	}
}

// assertErrorFormat checks that error output follows the standard format:
// acelink: cmd[action]: msg
func assertErrorFormat(t *testing.T, output, cmd, action string) {
	t.Helper()
	pattern := "acelink: " + cmd + "[" + action + "]:"
	if !strings.Contains(output, pattern) {
		t.Errorf("expected error format %q, got:\n%s", pattern, output)
	}
}
