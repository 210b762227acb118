package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"crucible/internal/coordinator"
	"crucible/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

func main() {
	addr := flag.String("addr", "http://localhost:8787", "crucible base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "crucible health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	tasksTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	tasksTable.SetTitle("Tasks (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	projectView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	projectView.SetTitle("Project").SetBorder(true)

	agentsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	agentsView.SetTitle("Agents").SetBorder(true)

	iterationsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	iterationsView.SetTitle("Iterations").SetBorder(true)

	decisionsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	decisionsView.SetTitle("Decisions").SetBorder(true)

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | shortcuts: F10 quit, F5 refresh, p pause, r resume, s stop, a abort task, y retry task",
		c.baseURL,
	))

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(projectView, 8, 0, false).
		AddItem(agentsView, 8, 0, false).
		AddItem(iterationsView, 0, 2, false).
		AddItem(decisionsView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(tasksTable, 0, 1, true).
		AddItem(right, 0, 1, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(statusView, 3, 0, false)

	var selectedTaskID string
	var lastTasks []domain.Task

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refresh := func() {
		snapshot, snapErr := c.getStatus()
		tasks, tasksErr := c.listTasks()
		agents, agentsErr := c.getAgents()
		decisions, decErr := c.listDecisions()

		var records []domain.IterationRecord
		var recErr error
		if selectedTaskID != "" {
			records, recErr = c.listIterations(selectedTaskID)
		}

		sort.Slice(tasks, func(i, j int) bool {
			return tasks[i].UpdatedAt.After(tasks[j].UpdatedAt)
		})
		lastTasks = tasks

		app.QueueUpdateDraw(func() {
			if snapErr != nil {
				projectView.SetText(fmt.Sprintf("error: %v", snapErr))
			} else {
				projectView.SetText(renderProject(snapshot))
			}
			if tasksErr != nil {
				tasksTable.Clear()
				tasksTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", tasksErr)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			} else {
				renderTasksTable(tasksTable, tasks, selectedTaskID)
			}
			if agentsErr != nil {
				agentsView.SetText(fmt.Sprintf("error: %v", agentsErr))
			} else {
				agentsView.SetText(renderAgents(agents))
			}
			if decErr != nil {
				decisionsView.SetText(fmt.Sprintf("error: %v", decErr))
			} else {
				decisionsView.SetText(renderDecisions(decisions))
			}
			switch {
			case selectedTaskID == "":
				iterationsView.SetText("No task selected")
			case recErr != nil:
				iterationsView.SetText(fmt.Sprintf("error: %v", recErr))
			default:
				iterationsView.SetText(renderIterations(records))
			}
		})
	}
	refreshAsync := func() { go refresh() }

	tasksTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastTasks) {
			return
		}
		selectedTaskID = lastTasks[row-1].ID
		refreshAsync()
	})

	control := func(path string, label string) {
		go func() {
			if err := c.postJSON(path, map[string]any{}, nil); err != nil {
				setStatusAsync(label + " failed: " + err.Error())
				return
			}
			setStatusAsync(label + " requested")
			refresh()
		}()
	}

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			refreshAsync()
			setStatusUI("Manual refresh complete")
			return nil
		}
		if event.Key() != tcell.KeyRune {
			return event
		}
		switch event.Rune() {
		case 'p':
			control("/pause", "pause")
			return nil
		case 'r':
			control("/resume", "resume")
			return nil
		case 's':
			control("/stop", "stop")
			return nil
		case 'a':
			if selectedTaskID == "" {
				setStatusUI("No task selected")
				return nil
			}
			control(fmt.Sprintf("/tasks/%s/abort", selectedTaskID), "abort "+shortID(selectedTaskID))
			return nil
		case 'y':
			if selectedTaskID == "" {
				setStatusUI("No task selected")
				return nil
			}
			control(fmt.Sprintf("/tasks/%s/retry", selectedTaskID), "retry "+shortID(selectedTaskID))
			return nil
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refresh()
		for range ticker.C {
			if selectedTaskID == "" && len(lastTasks) > 0 {
				selectedTaskID = lastTasks[0].ID
			}
			refresh()
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(tasksTable).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode < 300 {
					return nil
				}
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func renderProject(s coordinator.Snapshot) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Project: %s  status=%s  wave=%d\n", shortID(s.ProjectID), s.Status, s.WaveNumber))
	b.WriteString(fmt.Sprintf("Queue: pending=%d queued=%d running=%d done=%d failed=%d blocked=%d\n",
		s.Queue.Pending, s.Queue.Queued, s.Queue.Assigned+s.Queue.InProgress, s.Queue.Completed, s.Queue.Failed, s.Queue.Blocked))
	b.WriteString(fmt.Sprintf("Metrics: completed=%d escalated=%d iterations=%d replans=%d tokens=%d\n",
		s.Metrics.TasksCompleted, s.Metrics.TasksEscalated, s.Metrics.IterationsTotal, s.Metrics.ReplansApplied, s.Metrics.TokensUsed))
	if s.LastError != "" {
		b.WriteString("Last error: " + trimLine(s.LastError, 100) + "\n")
	}
	return b.String()
}

func renderTasksTable(table *tview.Table, tasks []domain.Task, selectedTaskID string) {
	table.Clear()
	headers := []string{"Task", "Status", "Agent", "Iter", "Updated", "Name"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, t := range tasks {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(t.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(t.Status)))
		table.SetCell(row, 2, tview.NewTableCell(shortID(t.AssignedAgentID)))
		table.SetCell(row, 3, tview.NewTableCell(fmt.Sprintf("%d", t.Iterations)))
		table.SetCell(row, 4, tview.NewTableCell(t.UpdatedAt.Format("15:04:05")))
		table.SetCell(row, 5, tview.NewTableCell(trimLine(t.Name, 48)))
		if t.ID == selectedTaskID {
			table.Select(row, 0)
		}
	}
}

func renderAgents(status poolStatus) string {
	if len(status.Agents) == 0 {
		return fmt.Sprintf("Slots: %d/%d held\nNo agents spawned", status.Held, status.TotalSlots)
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Slots: %d/%d held, %d idle\n", status.Held, status.TotalSlots, status.Idle))
	for _, a := range status.Agents {
		b.WriteString(fmt.Sprintf("%-18s %-8s task=%s done=%d failed=%d\n",
			a.ID, a.Status, shortID(a.CurrentTaskID), a.Metrics.TasksCompleted, a.Metrics.TasksFailed))
	}
	return b.String()
}

func renderIterations(records []domain.IterationRecord) string {
	if len(records) == 0 {
		return "No iterations"
	}
	var b strings.Builder
	for _, rec := range records {
		verdict := "fail"
		if rec.Success {
			verdict = "ok"
		}
		b.WriteString(fmt.Sprintf("[%s] #%d %s tokens=%d took=%s\n",
			rec.CreatedAt.Format("15:04:05"), rec.Iteration, verdict, rec.TokensUsed, rec.Duration.Round(time.Second)))
		if rec.FailureSignature != "" {
			b.WriteString("  signature: " + rec.FailureSignature + "\n")
		}
		for _, step := range rec.Steps {
			if step.Success {
				continue
			}
			detail := ""
			if len(step.Errors) > 0 {
				detail = ": " + trimLine(firstLine(step.Errors[0]), 90)
			}
			b.WriteString(fmt.Sprintf("  %s failed%s\n", step.Step, detail))
		}
	}
	return b.String()
}

func renderDecisions(items []domain.DecisionLog) string {
	if len(items) == 0 {
		return "No decisions"
	}
	var b strings.Builder
	for _, d := range items {
		b.WriteString(fmt.Sprintf(
			"[%s] %s %s\n  reason: %s\n",
			d.CreatedAt.Format("15:04:05"),
			d.Actor,
			d.Action,
			trimLine(d.Reason, 100),
		))
		if detail := decisionPayloadSummary(d.Payload); detail != "" {
			b.WriteString("  payload: " + trimLine(detail, 160) + "\n")
		}
	}
	return b.String()
}

func decisionPayloadSummary(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "{}" {
		return ""
	}

	var kv map[string]any
	if err := json.Unmarshal(payload, &kv); err == nil {
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, kv[k]))
		}
		return strings.Join(parts, ", ")
	}
	return trimmed
}

// poolStatus mirrors the /agents payload.
type poolStatus struct {
	TotalSlots int            `json:"total_slots"`
	Held       int            `json:"held"`
	Idle       int            `json:"idle"`
	Agents     []domain.Agent `json:"agents"`
}

func (c *client) getStatus() (coordinator.Snapshot, error) {
	var out coordinator.Snapshot
	if err := c.getJSON("/status", &out); err != nil {
		return coordinator.Snapshot{}, err
	}
	return out, nil
}

func (c *client) listTasks() ([]domain.Task, error) {
	var out []domain.Task
	if err := c.getJSON("/tasks", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) getAgents() (poolStatus, error) {
	var out poolStatus
	if err := c.getJSON("/agents", &out); err != nil {
		return poolStatus{}, err
	}
	return out, nil
}

func (c *client) listDecisions() ([]domain.DecisionLog, error) {
	var out []domain.DecisionLog
	if err := c.getJSON("/decisions", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listIterations(taskID string) ([]domain.IterationRecord, error) {
	var out []domain.IterationRecord
	if err := c.getJSON(fmt.Sprintf("/tasks/%s/iterations", taskID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func (c *client) postJSON(path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
