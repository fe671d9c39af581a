// Package webhook receives GitHub workflow_job webhooks and hands queued
// and completed jobs to the controller.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/go-github/v57/github"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/runnervm/internal/controller"
)

// maxPayloadBytes matches GitHub's webhook payload cap.
const maxPayloadBytes = 25 << 20

// Workflow job actions.
const (
	ActionQueued    = "queued"
	ActionCompleted = "completed"
)

// Dispatcher receives parsed jobs.  *controller.Controller satisfies it.
type Dispatcher interface {
	Queued(ctx context.Context, job controller.Job) error
	Completed(ctx context.Context, job controller.Job) error
}

// Handler is the http.Handler for the webhook endpoint.
type Handler struct {
	secret   []byte
	dispatch Dispatcher
	logger   *slog.Logger
}

// New creates a Handler.  An empty secret disables signature checks.
func New(secret string, dispatch Dispatcher, logger *slog.Logger) *Handler {
	var key []byte
	if secret != "" {
		key = []byte(secret)
	}
	return &Handler{secret: key, dispatch: dispatch, logger: logger}
}

type response struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	span := trace.SpanFromContext(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadBytes)

	payload, err := github.ValidatePayload(r, h.secret)
	if err != nil {
		h.logger.Warn("rejected webhook delivery",
			slog.String("delivery", github.DeliveryID(r)),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusUnauthorized, response{Status: "rejected", Detail: "invalid payload or signature"})
		return
	}

	eventType := github.WebHookType(r)
	span.SetAttributes(
		attribute.String("github.event", eventType),
		attribute.String("github.delivery", github.DeliveryID(r)),
	)

	event, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		h.logger.Debug("ignoring unparseable or unsupported event",
			slog.String("event", eventType),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusAccepted, response{Status: "ignored", Detail: "unsupported event"})
		return
	}

	switch e := event.(type) {
	case *github.PingEvent:
		h.logger.Info("webhook ping received", slog.Int64("hookID", e.GetHookID()))
		writeJSON(w, http.StatusOK, response{Status: "pong"})
	case *github.WorkflowJobEvent:
		h.handleWorkflowJob(w, r, e)
	default:
		writeJSON(w, http.StatusAccepted, response{Status: "ignored", Detail: eventType})
	}
}

func (h *Handler) handleWorkflowJob(w http.ResponseWriter, r *http.Request, e *github.WorkflowJobEvent) {
	ctx := r.Context()
	action := e.GetAction()
	if e.WorkflowJob == nil {
		h.logger.Warn("workflow_job event without a job", slog.String("action", action))
		writeJSON(w, http.StatusBadRequest, response{Status: "rejected", Detail: "missing workflow_job"})
		return
	}
	job := JobFromEvent(e)

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("github.action", action),
		attribute.Int64("job.run_id", job.RunID),
		attribute.Int64("job.id", job.JobID),
	)

	logger := h.logger.With(
		slog.String("action", action),
		slog.Int64("runID", job.RunID),
		slog.Int64("jobID", job.JobID),
		slog.String("repo", job.Owner+"/"+job.Repo),
	)

	var err error
	switch action {
	case ActionQueued:
		logger.Info("workflow job queued", slog.Any("labels", job.Labels))
		err = h.dispatch.Queued(ctx, job)
	case ActionCompleted:
		logger.Info("workflow job completed", slog.String("runner", job.RunnerName))
		err = h.dispatch.Completed(ctx, job)
	default:
		logger.Debug("ignoring workflow job action")
		writeJSON(w, http.StatusOK, response{Status: "ignored", Detail: action})
		return
	}

	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, response{Status: "accepted"})
	case errors.Is(err, controller.ErrNoMatchingTemplate):
		// Acknowledged: redelivery would not change the outcome.
		writeJSON(w, http.StatusOK, response{Status: "dropped", Detail: err.Error()})
	case errors.Is(err, controller.ErrShuttingDown):
		writeJSON(w, http.StatusServiceUnavailable, response{Status: "unavailable", Detail: err.Error()})
	default:
		logger.Error("dispatch failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, response{Status: "error", Detail: err.Error()})
	}
}

// JobFromEvent extracts the job identity from a workflow_job event.
func JobFromEvent(e *github.WorkflowJobEvent) controller.Job {
	wj := e.GetWorkflowJob()
	repo := e.GetRepo()
	var labels []string
	if wj != nil {
		labels = wj.Labels
	}
	return controller.Job{
		RunID:         wj.GetRunID(),
		JobID:         wj.GetID(),
		Owner:         repo.GetOwner().GetLogin(),
		Repo:          repo.GetName(),
		RepositoryURL: repo.GetHTMLURL(),
		Labels:        labels,
		RunnerName:    wj.GetRunnerName(),
	}
}

func writeJSON(w http.ResponseWriter, status int, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
