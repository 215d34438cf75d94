package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"devswarm/internal/bus"
	"devswarm/internal/model"
)

// StateStore is the slice of the state store the supervisor needs. The
// concrete store satisfies it; tests substitute a fake.
type StateStore interface {
	SaveAgentInstance(a *model.AgentInstance) error
	UpdateAgentStatus(id string, status model.AgentStatus, resumeHandle string) error
	SetAgentResumeHandle(id, handle string) error
	CreateQuestion(q *model.UserQuestion) error
	StartAgentRun(agentID string) (string, error)
	CompleteAgentRun(runID, status, detail string) error
}

// Config controls how the agent runtime child process is invoked.
type Config struct {
	Binary     string        // agent runtime executable, default "claude"
	MaxRuntime time.Duration // hard runtime bound per invocation; 0 = unbounded
}

// OutputEvent is the payload of claude_output events.
type OutputEvent struct {
	InstanceID  string          `json:"instanceId"`
	Role        model.AgentRole `json:"role"`
	Worktree    string          `json:"worktree"`
	Text        string          `json:"text"`
	MessageType string          `json:"messageType"`
	MessageID   string          `json:"messageId,omitempty"`
}

// Instance owns one child process of the agent runtime. All roles share this
// concrete type; they differ only in the prompt injected by the orchestrator
// and in the runtime bound configured for coordinator/worker.
type Instance struct {
	ID           string
	Role         model.AgentRole
	WorktreeName string

	workDir string
	cfg     Config
	store   StateStore
	events  *bus.Bus
	logger  *slog.Logger

	mu           sync.Mutex
	cmd          *exec.Cmd
	cancelRun    context.CancelFunc
	busy         bool
	resumeHandle string
	lastOutput   time.Time
	wg           sync.WaitGroup
}

// New creates a supervisor for one agent instance. workDir is the worktree
// path the child process runs in.
func New(id string, role model.AgentRole, worktreeName, workDir string, cfg Config, st StateStore, events *bus.Bus, logger *slog.Logger) *Instance {
	if cfg.Binary == "" {
		cfg.Binary = "claude"
	}
	return &Instance{
		ID:           id,
		Role:         role,
		WorktreeName: worktreeName,
		workDir:      workDir,
		cfg:          cfg,
		store:        st,
		events:       events,
		logger:       logger.With("agent", id, "role", role),
	}
}

// SetResumeHandle seeds the session token when re-attaching a paused agent.
func (a *Instance) SetResumeHandle(handle string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resumeHandle = handle
}

// ResumeHandle returns the last-seen session token, or "".
func (a *Instance) ResumeHandle() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resumeHandle
}

// Busy reports whether an invocation is currently running.
func (a *Instance) Busy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.busy
}

// LastOutputAt returns when the child last produced output; zero before the
// first output.
func (a *Instance) LastOutputAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastOutput
}

// Start records the instance as running, bound to its worktree and context.
func (a *Instance) Start(contextKind, contextID string) error {
	inst := &model.AgentInstance{
		ID:           a.ID,
		Role:         a.Role,
		Status:       model.AgentRunning,
		ResumeHandle: a.ResumeHandle(),
		WorktreeName: a.WorktreeName,
		ContextKind:  contextKind,
		ContextID:    contextID,
	}
	if err := a.store.SaveAgentInstance(inst); err != nil {
		return fmt.Errorf("failed to record agent start: %w", err)
	}
	a.logger.Info("Agent started", "worktree", a.WorktreeName)
	return nil
}

// SendMessage spawns one invocation of the agent runtime, writes text to its
// stdin, and ingests its streaming output in the background. It refuses to
// start while a previous invocation is still running.
func (a *Instance) SendMessage(ctx context.Context, text string) error {
	a.mu.Lock()
	if a.busy {
		a.mu.Unlock()
		return fmt.Errorf("agent %s is already processing a message", a.ID)
	}

	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if a.resumeHandle != "" {
		args = append(args, "--resume", a.resumeHandle)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if a.cfg.MaxRuntime > 0 {
		runCtx, cancel = context.WithTimeout(ctx, a.cfg.MaxRuntime)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	cmd := exec.CommandContext(runCtx, a.cfg.Binary, args...)
	cmd.Dir = a.workDir
	// On cancellation (shutdown or runtime bound) interrupt rather than kill
	// so the runtime can flush its session state.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = 10 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		a.mu.Unlock()
		return fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		a.mu.Unlock()
		return fmt.Errorf("failed to open stdout: %w", err)
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		cancel()
		a.mu.Unlock()
		return fmt.Errorf("failed to start agent runtime: %w", err)
	}

	a.cmd = cmd
	a.cancelRun = cancel
	a.busy = true
	a.mu.Unlock()

	runID, runErr := a.store.StartAgentRun(a.ID)
	if runErr != nil {
		a.logger.Warn("Failed to record agent run", "error", runErr)
	}

	go func() {
		_, _ = io.WriteString(stdin, text)
		_ = stdin.Close()
	}()

	a.wg.Add(1)
	go a.ingest(cmd, stdout, runID)
	return nil
}

// ingest reads the child's stdout until EOF, framing and dispatching each
// JSON object, then waits for exit and emits idle.
func (a *Instance) ingest(cmd *exec.Cmd, stdout io.Reader, runID string) {
	defer a.wg.Done()

	var extractor Extractor
	buf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			for _, raw := range extractor.Feed(buf[:n]) {
				msg, ok := parseStreamMessage(raw)
				if !ok {
					a.logger.Warn("Dropping malformed stream frame", "bytes", len(raw))
					continue
				}
				a.handleMessage(msg)
			}
		}
		if err != nil {
			break
		}
	}

	waitErr := cmd.Wait()

	a.mu.Lock()
	a.busy = false
	a.cmd = nil
	if a.cancelRun != nil {
		a.cancelRun()
		a.cancelRun = nil
	}
	a.mu.Unlock()

	if runID != "" {
		status := "success"
		detail := ""
		if waitErr != nil {
			status = "failed"
			detail = waitErr.Error()
		}
		if err := a.store.CompleteAgentRun(runID, status, detail); err != nil {
			a.logger.Warn("Failed to close agent run", "error", err)
		}
	}

	if waitErr != nil {
		a.logger.Warn("Agent runtime exited with error", "error", waitErr)
		a.events.Publish(bus.TypeError, map[string]interface{}{
			"instanceId": a.ID,
			"error":      waitErr.Error(),
		})
	}

	a.events.Publish(bus.TypeIdle, map[string]interface{}{"instanceId": a.ID})
}

// handleMessage dispatches one framed protocol message.
func (a *Instance) handleMessage(msg *streamMessage) {
	if msg.SessionID != "" {
		a.cacheResumeHandle(msg.SessionID)
	}

	switch msg.Type {
	case "assistant":
		if msg.Message == nil {
			return
		}
		for _, block := range msg.Message.Content {
			if block.Type != "text" || block.Text == "" {
				continue
			}
			a.emitOutput(block.Text, "assistant", msg.Message.ID)
			a.scanMarkers(block.Text)
		}

	case "result":
		if msg.Result != "" {
			a.emitOutput(msg.Result, "result", "")
			a.scanMarkers(msg.Result)
		}
		a.events.Publish(bus.TypeMessageComplete, map[string]interface{}{"instanceId": a.ID})

	case "system", "user":
		// Session bookkeeping only.

	default:
		// Unknown well-framed types are ignored.
	}
}

func (a *Instance) emitOutput(text, messageType, messageID string) {
	a.mu.Lock()
	a.lastOutput = time.Now()
	a.mu.Unlock()

	a.events.Publish(bus.TypeClaudeOutput, OutputEvent{
		InstanceID:  a.ID,
		Role:        a.Role,
		Worktree:    a.WorktreeName,
		Text:        text,
		MessageType: messageType,
		MessageID:   messageID,
	})
}

// scanMarkers applies the marker contract to a text block.
func (a *Instance) scanMarkers(text string) {
	for _, question := range extractQuestions(text) {
		q := &model.UserQuestion{AgentID: a.ID, Question: question}
		if err := a.store.CreateQuestion(q); err != nil {
			a.logger.Error("Failed to persist user question", "error", err)
		}
	}

	if hasTaskComplete(text) {
		a.events.Publish(bus.TypeTaskComplete, map[string]interface{}{"instanceId": a.ID})
	}

	if handle := extractResumeID(text); handle != "" {
		a.cacheResumeHandle(handle)
	}
}

func (a *Instance) cacheResumeHandle(handle string) {
	a.mu.Lock()
	known := a.resumeHandle
	a.resumeHandle = handle
	a.mu.Unlock()

	if known == handle {
		return
	}
	if err := a.store.SetAgentResumeHandle(a.ID, handle); err != nil {
		a.logger.Warn("Failed to persist resume handle", "error", err)
	}
}

// Interrupt signals the child to stop and returns the resume handle so the
// session can be re-attached later.
func (a *Instance) Interrupt() (string, error) {
	a.mu.Lock()
	cmd := a.cmd
	a.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		if err := cmd.Process.Signal(os.Interrupt); err != nil && !strings.Contains(err.Error(), "process already finished") {
			return a.ResumeHandle(), fmt.Errorf("failed to interrupt agent: %w", err)
		}
	}
	a.wg.Wait()
	return a.ResumeHandle(), nil
}

// Pause interrupts the child and records the instance as paused with its
// resume handle, for graceful shutdown.
func (a *Instance) Pause() error {
	handle, err := a.Interrupt()
	if err != nil {
		a.logger.Warn("Interrupt before pause failed", "error", err)
	}
	if err := a.store.UpdateAgentStatus(a.ID, model.AgentPaused, handle); err != nil {
		return fmt.Errorf("failed to record paused agent: %w", err)
	}
	a.logger.Info("Agent paused", "resumable", handle != "")
	return nil
}

// Stop hard-terminates the child and records the instance as stopped.
func (a *Instance) Stop() error {
	a.mu.Lock()
	cmd := a.cmd
	if a.cancelRun != nil {
		a.cancelRun()
	}
	a.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	a.wg.Wait()

	if err := a.store.UpdateAgentStatus(a.ID, model.AgentStopped, a.ResumeHandle()); err != nil {
		return fmt.Errorf("failed to record stopped agent: %w", err)
	}
	a.logger.Info("Agent stopped")
	return nil
}
