package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func runCapture(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, args)
	return stdout.String(), stderr.String(), err
}

func TestRunPrintsUsage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		name := "no args"
		if len(args) > 0 {
			name = args[0]
		}
		t.Run(name, func(t *testing.T) {
			stdout, _, err := runCapture(t, args...)
			if err != nil {
				t.Fatalf("run() error = %v", err)
			}
			if !strings.Contains(stdout, "Usage: gestor") {
				t.Errorf("output missing usage line: %q", stdout)
			}
			for _, cmd := range []string{"serve", "ask", "version"} {
				if !strings.Contains(stdout, cmd) {
					t.Errorf("usage does not mention %q", cmd)
				}
			}
		})
	}
}

func TestRunVersionText(t *testing.T) {
	stdout, _, err := runCapture(t, "version")
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	for _, key := range []string{"version:", "go_version:", "os:", "arch:"} {
		if !strings.Contains(stdout, key) {
			t.Errorf("version output missing %q: %q", key, stdout)
		}
	}
}

func TestRunVersionJSON(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"short flag", []string{"-o", "json", "version"}},
		{"long flag", []string{"--output", "json", "version"}},
		{"inline", []string{"-o=json", "version"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			stdout, _, err := runCapture(t, tc.args...)
			if err != nil {
				t.Fatalf("run() error = %v", err)
			}
			var info map[string]string
			if err := json.Unmarshal([]byte(stdout), &info); err != nil {
				t.Fatalf("output is not JSON: %v\n%s", err, stdout)
			}
			for _, key := range []string{"version", "go_version", "os", "arch"} {
				if info[key] == "" {
					t.Errorf("JSON output missing %q: %v", key, info)
				}
			}
		})
	}
}

func TestRunRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"unknown command", []string{"deploy"}, "unknown command"},
		{"unknown flag", []string{"-verbose", "version"}, "unknown flag"},
		{"bad output format", []string{"-o", "xml", "version"}, "unknown output format"},
		{"ask without question", []string{"ask"}, "usage: gestor ask"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := runCapture(t, tc.args...)
			if err == nil {
				t.Fatal("run() error = nil, want failure")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}
