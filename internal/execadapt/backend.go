package execadapt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"crucible/internal/domain"
	"crucible/internal/replan"
)

// Backend shells out to an agent binary speaking a JSON contract: one
// request object on stdin, one response object on stdout. There is no
// built-in fallback; a missing or broken binary fails fast.
type Backend struct {
	binary  string
	args    []string
	workdir string
	timeout time.Duration
	logger  *log.Logger
}

type Options struct {
	Binary  string
	Args    []string
	Workdir string
	Timeout time.Duration
}

func NewBackend(opts Options, logger *log.Logger) (*Backend, error) {
	if logger == nil {
		logger = log.Default()
	}
	if strings.TrimSpace(opts.Binary) == "" {
		return nil, fmt.Errorf("agent backend binary not configured")
	}
	resolved, err := exec.LookPath(opts.Binary)
	if err != nil {
		return nil, fmt.Errorf("agent backend binary %q: %w", opts.Binary, err)
	}
	if opts.Workdir == "" {
		opts.Workdir = "."
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	return &Backend{
		binary:  resolved,
		args:    opts.Args,
		workdir: opts.Workdir,
		timeout: opts.Timeout,
		logger:  logger,
	}, nil
}

type executeRequest struct {
	Op      string             `json:"op"`
	Task    domain.Task        `json:"task"`
	Context domain.TaskContext `json:"context"`
}

type executeResponse struct {
	Success      bool     `json:"success"`
	Summary      string   `json:"summary"`
	FilesChanged []string `json:"files_changed"`
	DiffRef      string   `json:"diff_ref"`
	TokensUsed   int      `json:"tokens_used"`
}

// Execute runs one agent attempt. Files reported outside the workdir
// are rejected: the adapter owns workspace containment.
func (b *Backend) Execute(ctx context.Context, task domain.Task, tctx domain.TaskContext) (domain.BackendResult, error) {
	if tctx.Workdir == "" {
		tctx.Workdir = b.workdir
	}
	var resp executeResponse
	if err := b.invoke(ctx, executeRequest{Op: "execute", Task: task, Context: tctx}, &resp); err != nil {
		return domain.BackendResult{}, err
	}
	for _, f := range resp.FilesChanged {
		if err := validateRelativePath(f); err != nil {
			return domain.BackendResult{}, fmt.Errorf("agent reported file %q: %w", f, err)
		}
	}
	return domain.BackendResult{
		Success:      resp.Success,
		Summary:      resp.Summary,
		FilesChanged: resp.FilesChanged,
		DiffRef:      resp.DiffRef,
		TokensUsed:   resp.TokensUsed,
	}, nil
}

type planRequest struct {
	Op      string         `json:"op"`
	Project domain.Project `json:"project"`
}

// Plan asks the agent binary for the initial feature and task
// decomposition.
func (b *Backend) Plan(ctx context.Context, project domain.Project) (domain.Decomposition, error) {
	var decomp domain.Decomposition
	if err := b.invoke(ctx, planRequest{Op: "plan", Project: project}, &decomp); err != nil {
		return domain.Decomposition{}, err
	}
	return decomp, nil
}

type replanRequest struct {
	Op        string         `json:"op"`
	Project   domain.Project `json:"project"`
	Feature   domain.Feature `json:"feature"`
	Completed []domain.Task  `json:"completed"`
	Reason    string         `json:"reason"`
}

// Decompose asks for a fresh breakdown of a single drifting feature.
func (b *Backend) Decompose(ctx context.Context, req replan.DecomposeRequest) (domain.Decomposition, error) {
	var decomp domain.Decomposition
	wire := replanRequest{
		Op:        "replan",
		Project:   req.Project,
		Feature:   req.Feature,
		Completed: req.Completed,
		Reason:    req.Reason,
	}
	if err := b.invoke(ctx, wire, &decomp); err != nil {
		return domain.Decomposition{}, err
	}
	return decomp, nil
}

func (b *Backend) invoke(ctx context.Context, request any, response any) error {
	payload, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("marshal backend request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, b.binary, b.args...)
	cmd.Dir = b.workdir
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("agent backend exec failed: %w; stderr: %s", err, firstLines(stderr.String(), 5))
	}
	b.logger.Printf("execadapt: backend call took %s", time.Since(start).Round(time.Millisecond))

	if err := parseJSONOutput(stdout.Bytes(), response); err != nil {
		return fmt.Errorf("parse backend response: %w", err)
	}
	return nil
}

// parseJSONOutput tolerates markdown fences around the JSON body; some
// agent backends wrap their output despite instructions.
func parseJSONOutput(raw []byte, out any) error {
	text := strings.TrimSpace(string(raw))
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	return json.Unmarshal([]byte(text), out)
}

func validateRelativePath(p string) error {
	value := strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	value = strings.TrimPrefix(value, "./")
	if value == "" {
		return fmt.Errorf("empty path")
	}
	if strings.HasPrefix(value, "/") {
		return fmt.Errorf("absolute path is not allowed")
	}
	clean := filepath.Clean(value)
	if clean == "." {
		return fmt.Errorf("path resolves to current directory")
	}
	if strings.HasPrefix(clean, "..") {
		return fmt.Errorf("path escapes root")
	}
	return nil
}

func firstLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}
