package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var runningPayload = []byte(`{"status":"running"}`)

type processRun struct {
	done   chan struct{}
	cancel context.CancelFunc
	stdout []byte
	stderr string
	err    error
}

// processEngine runs the analyzer as a subprocess per submission. The text is
// written to stdin and stdout must be a result payload. A run is forgotten
// once its outcome has been polled or it is released.
type processEngine struct {
	command string
	args    []string
	timeout time.Duration
	logger  zerolog.Logger

	mu   sync.Mutex
	runs map[Handle]*processRun
}

func NewProcessEngine(command string, args []string, timeout time.Duration, logger zerolog.Logger) Engine {
	return &processEngine{
		command: command,
		args:    args,
		timeout: timeout,
		logger:  logger,
		runs:    make(map[Handle]*processRun),
	}
}

func (e *processEngine) Submit(ctx context.Context, text string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	runCtx, cancel := context.WithTimeout(context.Background(), e.timeout)
	cmd := exec.CommandContext(runCtx, e.command, e.args...)
	cmd.Stdin = strings.NewReader(text)
	// Bound the wait for output pipes held open by children of a killed analyzer.
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return "", fmt.Errorf("failed to start analyzer %s: %w", e.command, err)
	}

	h := Handle(uuid.New().String())
	run := &processRun{done: make(chan struct{}), cancel: cancel}

	e.mu.Lock()
	e.runs[h] = run
	e.mu.Unlock()

	go func() {
		defer cancel()
		err := cmd.Wait()
		if err != nil && runCtx.Err() != nil {
			err = fmt.Errorf("analyzer killed: %w", runCtx.Err())
		}
		run.stdout = stdout.Bytes()
		run.stderr = strings.TrimSpace(stderr.String())
		run.err = err
		close(run.done)

		if err != nil && !errors.Is(runCtx.Err(), context.Canceled) {
			e.logger.Warn().Err(err).Str("engine_job_id", string(h)).Str("stderr", run.stderr).Msg("Analyzer process failed")
		}
	}()

	return h, nil
}

func (e *processEngine) Poll(ctx context.Context, h Handle) ([]byte, error) {
	e.mu.Lock()
	run, ok := e.runs[h]
	e.mu.Unlock()
	if !ok {
		return nil, &StatusError{Code: 404, Body: fmt.Sprintf("unknown analyzer job %s", h)}
	}

	select {
	case <-run.done:
	default:
		return runningPayload, nil
	}

	e.forget(h)

	// A failed run never produces a result, so it is reported as an
	// engine-side failure rather than a transport error worth retrying.
	if run.err != nil {
		reason := fmt.Sprintf("analyzer exited: %v", run.err)
		if run.stderr != "" {
			reason += ": " + run.stderr
		}
		return failedPayload(reason), nil
	}

	return run.stdout, nil
}

// Release kills the analyzer for h if it is still running and forgets it.
func (e *processEngine) Release(h Handle) {
	if run := e.forget(h); run != nil {
		run.cancel()
	}
}

func (e *processEngine) forget(h Handle) *processRun {
	e.mu.Lock()
	defer e.mu.Unlock()

	run := e.runs[h]
	delete(e.runs, h)
	return run
}

func (e *processEngine) pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runs)
}

func failedPayload(reason string) []byte {
	payload, _ := json.Marshal(map[string]string{
		"status": string(StatusFailed),
		"error":  reason,
	})
	return payload
}
