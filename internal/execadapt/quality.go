package execadapt

import (
	"bytes"
	"context"
	"log"
	"os/exec"
	"strings"
	"time"

	"crucible/internal/domain"
)

// QualityRunner executes configured shell commands for the verification
// steps. A step with no configured command passes trivially: not every
// project has a linter or a review hook.
type QualityRunner struct {
	commands map[domain.QualityStep]string
	workdir  string
	logger   *log.Logger
}

func NewQualityRunner(commands map[domain.QualityStep]string, workdir string, logger *log.Logger) *QualityRunner {
	if logger == nil {
		logger = log.Default()
	}
	if workdir == "" {
		workdir = "."
	}
	return &QualityRunner{
		commands: commands,
		workdir:  workdir,
		logger:   logger,
	}
}

func (r *QualityRunner) Run(ctx context.Context, step domain.QualityStep, task domain.Task) (domain.StepResult, error) {
	command, ok := r.commands[step]
	if !ok || strings.TrimSpace(command) == "" {
		return domain.StepResult{Step: step, Success: true}, nil
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = r.workdir
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	result := domain.StepResult{
		Step:     step,
		Duration: time.Since(start),
	}
	if err != nil {
		if ctx.Err() != nil {
			return domain.StepResult{}, ctx.Err()
		}
		result.Errors = splitOutputLines(output.String(), 20)
		if len(result.Errors) == 0 {
			result.Errors = []string{err.Error()}
		}
		r.logger.Printf("execadapt: %s step failed for task %s: %v", step, task.ID, err)
		return result, nil
	}
	result.Success = true
	return result, nil
}

// splitOutputLines keeps the tail of the output: build and test tools
// put the verdict last.
func splitOutputLines(s string, max int) []string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	var kept []string
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			kept = append(kept, trimmed)
		}
	}
	if len(kept) > max {
		kept = kept[len(kept)-max:]
	}
	return kept
}
