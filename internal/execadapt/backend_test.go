package execadapt

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"crucible/internal/domain"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestNewBackendMissingBinary(t *testing.T) {
	if _, err := NewBackend(Options{Binary: "definitely-not-a-real-binary-1b2c"}, nil); err == nil {
		t.Fatal("expected error for missing binary")
	}
	if _, err := NewBackend(Options{}, nil); err == nil {
		t.Fatal("expected error for empty binary")
	}
}

func TestExecuteRoundTrip(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
echo '{"success": true, "summary": "implemented", "files_changed": ["pkg/a.go"], "diff_ref": "d1", "tokens_used": 42}'`)
	b, err := NewBackend(Options{Binary: script, Workdir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}

	res, err := b.Execute(context.Background(), domain.Task{ID: "t1"}, domain.TaskContext{Iteration: 1})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success || res.Summary != "implemented" || res.TokensUsed != 42 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.FilesChanged) != 1 || res.FilesChanged[0] != "pkg/a.go" {
		t.Fatalf("files lost: %v", res.FilesChanged)
	}
}

func TestExecuteRejectsEscapingPaths(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
echo '{"success": true, "files_changed": ["../outside.go"]}'`)
	b, err := NewBackend(Options{Binary: script, Workdir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	if _, err := b.Execute(context.Background(), domain.Task{ID: "t1"}, domain.TaskContext{}); err == nil {
		t.Fatal("expected containment error")
	}
}

func TestExecuteToleratesFencedOutput(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
printf '%s\n' '`+"```json"+`' '{"success": true}' '`+"```"+`'`)
	b, err := NewBackend(Options{Binary: script, Workdir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	res, err := b.Execute(context.Background(), domain.Task{ID: "t1"}, domain.TaskContext{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestExecuteFailureSurfacesStderr(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
echo "model quota exhausted" >&2
exit 3`)
	b, err := NewBackend(Options{Binary: script, Workdir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	if _, err := b.Execute(context.Background(), domain.Task{ID: "t1"}, domain.TaskContext{}); err == nil {
		t.Fatal("expected exec failure")
	}
}

func TestExecuteHonorsTimeout(t *testing.T) {
	script := writeScript(t, `sleep 5`)
	b, err := NewBackend(Options{Binary: script, Workdir: t.TempDir(), Timeout: 50 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	start := time.Now()
	if _, err := b.Execute(context.Background(), domain.Task{ID: "t1"}, domain.TaskContext{}); err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("timeout not enforced")
	}
}

func TestPlanRoundTrip(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
echo '{"features": [{"id": "f1", "name": "core"}], "tasks": [{"id": "t1", "feature_id": "f1", "name": "scaffold"}]}'`)
	b, err := NewBackend(Options{Binary: script, Workdir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	decomp, err := b.Plan(context.Background(), domain.Project{ID: "p1"})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(decomp.Features) != 1 || len(decomp.Tasks) != 1 {
		t.Fatalf("unexpected decomposition: %+v", decomp)
	}
}

func TestValidateRelativePath(t *testing.T) {
	valid := []string{"a.go", "pkg/a.go", "./pkg/a.go"}
	for _, p := range valid {
		if err := validateRelativePath(p); err != nil {
			t.Fatalf("expected %q valid: %v", p, err)
		}
	}
	invalid := []string{"", "/etc/passwd", "../up.go", "a/../../up.go", "."}
	for _, p := range invalid {
		if err := validateRelativePath(p); err == nil {
			t.Fatalf("expected %q rejected", p)
		}
	}
}
