// Package executor drives one caller-supplied action sequence against a
// leased browser session under a single whole-task deadline.
package executor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/browsergrid/browsergrid/pkg/models"
)

// Session is the page surface the executor drives.
type Session interface {
	ID() string
	Execute(ctx context.Context, action models.Action) (models.ActionResult, error)
}

// ArtifactSink persists binary action output. Screenshots go through it
// when configured; otherwise they are inlined base64 in the result.
type ArtifactSink interface {
	SaveScreenshot(taskID, label string, data []byte) (string, error)
}

// ProgressFunc is invoked after each completed action, failed or not.
type ProgressFunc func(index int, result models.ActionResult)

// Executor runs action sequences. It is stateless and safe for concurrent
// use across sessions.
type Executor struct {
	artifacts ArtifactSink
	logger    *zap.Logger
}

// New creates an executor. artifacts may be nil.
func New(artifacts ArtifactSink, logger *zap.Logger) *Executor {
	return &Executor{artifacts: artifacts, logger: logger}
}

// Run executes the actions strictly in order under the deadline carried by
// ctx. It stops at the first failure and reports the results collected so
// far alongside the failure detail. The deadline covers the whole
// sequence: an action is never started once the budget is exhausted.
//
// The second return value reports whether the session is still
// trustworthy. Page-level action failures leave the browser reusable; a
// timed-out or cancelled browser is not trusted and must be destroyed.
func (e *Executor) Run(ctx context.Context, taskID string, s Session, actions []models.Action, progress ProgressFunc) (models.TaskResult, bool) {
	start := time.Now()
	result := models.TaskResult{Status: models.StatusSucceeded}
	log := e.logger.With(zap.String("task_id", taskID), zap.String("session_id", s.ID()))

	for i, action := range actions {
		if err := ctx.Err(); err != nil {
			e.interrupt(&result, err, fmt.Sprintf("budget exhausted before action %d (%s)", i, action.Type))
			result.ElapsedMs = time.Since(start).Milliseconds()
			return result, false
		}

		res, err := s.Execute(ctx, action)
		e.persistScreenshot(log, taskID, i, action, &res)
		result.Results = append(result.Results, res)
		if progress != nil {
			progress(i, res)
		}

		if err != nil {
			result.ElapsedMs = time.Since(start).Milliseconds()
			if cerr := ctx.Err(); cerr != nil {
				e.interrupt(&result, cerr, fmt.Sprintf("action %d (%s) interrupted", i, action.Type))
				return result, false
			}

			result.Status = models.StatusFailed
			result.ErrorKind = models.KindOf(err)
			result.Error = err.Error()
			log.Info("task stopped at failed action",
				zap.Int("action_index", i),
				zap.String("action_type", string(action.Type)),
				zap.Error(err))
			return result, true
		}
	}

	result.ElapsedMs = time.Since(start).Milliseconds()
	return result, true
}

// interrupt records a deadline or cancellation outcome on the result.
func (e *Executor) interrupt(result *models.TaskResult, cause error, msg string) {
	if errors.Is(cause, context.DeadlineExceeded) {
		result.Status = models.StatusTimedOut
		result.ErrorKind = models.KindTaskTimeout
	} else {
		result.Status = models.StatusCancelled
		result.ErrorKind = models.KindCancelled
	}
	result.Error = msg + ": " + cause.Error()
}

func (e *Executor) persistScreenshot(log *zap.Logger, taskID string, index int, action models.Action, res *models.ActionResult) {
	if len(res.Data) == 0 {
		return
	}

	label := action.Label
	if label == "" {
		label = "step-" + strconv.Itoa(index)
	}

	if e.artifacts == nil {
		res.Screenshot = base64.StdEncoding.EncodeToString(res.Data)
		return
	}

	path, err := e.artifacts.SaveScreenshot(taskID, label, res.Data)
	if err != nil {
		// A failed save must not fail the action; fall back to inlining.
		log.Warn("failed to persist screenshot", zap.String("label", label), zap.Error(err))
		res.Screenshot = base64.StdEncoding.EncodeToString(res.Data)
		return
	}
	res.ArtifactPath = path
}
