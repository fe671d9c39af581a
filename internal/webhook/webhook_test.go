package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/runnervm/internal/controller"
)

const testSecret = "s3cret"

type fakeDispatcher struct {
	mu        sync.Mutex
	queued    []controller.Job
	completed []controller.Job
	err       error
}

func (f *fakeDispatcher) Queued(_ context.Context, job controller.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = append(f.queued, job)
	return f.err
}

func (f *fakeDispatcher) Completed(_ context.Context, job controller.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, job)
	return f.err
}

func workflowJobPayload(action, runnerName string, labels ...string) []byte {
	body, _ := json.Marshal(map[string]any{
		"action": action,
		"workflow_job": map[string]any{
			"id":          int64(901),
			"run_id":      int64(77),
			"labels":      labels,
			"runner_name": runnerName,
		},
		"repository": map[string]any{
			"name":     "widgets",
			"html_url": "https://github.com/acme/widgets",
			"owner":    map[string]any{"login": "acme"},
		},
	})
	return body
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newRequest(event string, body []byte, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/actions", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(github.EventTypeHeader, event)
	req.Header.Set(github.DeliveryIDHeader, "delivery-1")
	if signature != "" {
		req.Header.Set(github.SHA256SignatureHeader, signature)
	}
	return req
}

type decoded struct {
	Status string `json:"status"`
	Detail string `json:"detail"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) decoded {
	t.Helper()
	var d decoded
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	return d
}

// ---------------------------------------------------------------------------
// Suite
// ---------------------------------------------------------------------------

type WebhookSuite struct {
	suite.Suite
	dispatch *fakeDispatcher
	handler  *Handler
}

func TestWebhookSuite(t *testing.T) {
	suite.Run(t, new(WebhookSuite))
}

func (s *WebhookSuite) SetupTest() {
	s.dispatch = &fakeDispatcher{}
	s.handler = New(testSecret, s.dispatch, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func (s *WebhookSuite) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *WebhookSuite) TestQueuedDispatchesJob() {
	body := workflowJobPayload("queued", "", "self-hosted", "linux")
	rec := s.serve(newRequest("workflow_job", body, sign(testSecret, body)))

	s.Equal(http.StatusAccepted, rec.Code)
	s.Require().Len(s.dispatch.queued, 1)
	s.Equal(controller.Job{
		RunID:         77,
		JobID:         901,
		Owner:         "acme",
		Repo:          "widgets",
		RepositoryURL: "https://github.com/acme/widgets",
		Labels:        []string{"self-hosted", "linux"},
	}, s.dispatch.queued[0])
	s.Empty(s.dispatch.completed)
}

func (s *WebhookSuite) TestCompletedDispatchesRunnerName() {
	body := workflowJobPayload("completed", "runner-77-abc123", "linux")
	rec := s.serve(newRequest("workflow_job", body, sign(testSecret, body)))

	s.Equal(http.StatusAccepted, rec.Code)
	s.Require().Len(s.dispatch.completed, 1)
	s.Equal("runner-77-abc123", s.dispatch.completed[0].RunnerName)
}

func (s *WebhookSuite) TestOtherActionsIgnored() {
	for _, action := range []string{"in_progress", "waiting"} {
		body := workflowJobPayload(action, "runner-1", "linux")
		rec := s.serve(newRequest("workflow_job", body, sign(testSecret, body)))

		s.Equal(http.StatusOK, rec.Code, action)
		s.Equal("ignored", decode(s.T(), rec).Status)
	}
	s.Empty(s.dispatch.queued)
	s.Empty(s.dispatch.completed)
}

func (s *WebhookSuite) TestPing() {
	body := []byte(`{"zen":"Keep it logically awesome.","hook_id":42}`)
	rec := s.serve(newRequest("ping", body, sign(testSecret, body)))

	s.Equal(http.StatusOK, rec.Code)
	s.Equal("pong", decode(s.T(), rec).Status)
}

func (s *WebhookSuite) TestUnrelatedEventIgnored() {
	body := []byte(`{"ref":"refs/heads/main"}`)
	rec := s.serve(newRequest("push", body, sign(testSecret, body)))

	s.Equal(http.StatusAccepted, rec.Code)
	s.Equal("ignored", decode(s.T(), rec).Status)
	s.Empty(s.dispatch.queued)
}

func (s *WebhookSuite) TestBadSignatureRejected() {
	body := workflowJobPayload("queued", "", "linux")
	rec := s.serve(newRequest("workflow_job", body, sign("wrong", body)))

	s.Equal(http.StatusUnauthorized, rec.Code)
	s.Empty(s.dispatch.queued)
}

func (s *WebhookSuite) TestMissingSignatureRejected() {
	body := workflowJobPayload("queued", "", "linux")
	rec := s.serve(newRequest("workflow_job", body, ""))

	s.Equal(http.StatusUnauthorized, rec.Code)
	s.Empty(s.dispatch.queued)
}

func (s *WebhookSuite) TestNoMatchingTemplateAcknowledged() {
	s.dispatch.err = fmt.Errorf("%w: [windows]", controller.ErrNoMatchingTemplate)
	body := workflowJobPayload("queued", "", "windows")
	rec := s.serve(newRequest("workflow_job", body, sign(testSecret, body)))

	s.Equal(http.StatusOK, rec.Code)
	s.Equal("dropped", decode(s.T(), rec).Status)
}

func (s *WebhookSuite) TestShuttingDownIsUnavailable() {
	s.dispatch.err = controller.ErrShuttingDown
	body := workflowJobPayload("queued", "", "linux")
	rec := s.serve(newRequest("workflow_job", body, sign(testSecret, body)))

	s.Equal(http.StatusServiceUnavailable, rec.Code)
}

func (s *WebhookSuite) TestWorkflowJobWithoutJobRejected() {
	body := []byte(`{"action":"queued","repository":{"name":"widgets","owner":{"login":"acme"}}}`)
	rec := s.serve(newRequest("workflow_job", body, sign(testSecret, body)))

	s.Equal(http.StatusBadRequest, rec.Code)
	s.Equal("rejected", decode(s.T(), rec).Status)
	s.Empty(s.dispatch.queued)
}

func (s *WebhookSuite) TestUnexpectedDispatchError() {
	s.dispatch.err = fmt.Errorf("boom")
	body := workflowJobPayload("completed", "runner-1", "linux")
	rec := s.serve(newRequest("workflow_job", body, sign(testSecret, body)))

	s.Equal(http.StatusInternalServerError, rec.Code)
	s.Equal("error", decode(s.T(), rec).Status)
}

// ---------------------------------------------------------------------------
// Standalone tests
// ---------------------------------------------------------------------------

func TestHandler_NoSecretSkipsSignature(t *testing.T) {
	dispatch := &fakeDispatcher{}
	h := New("", dispatch, slog.New(slog.NewTextHandler(io.Discard, nil)))

	body := workflowJobPayload("queued", "", "linux")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newRequest("workflow_job", body, ""))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, dispatch.queued, 1)
}

func TestJobFromEvent_MissingFields(t *testing.T) {
	var job controller.Job
	require.NotPanics(t, func() { job = JobFromEvent(&github.WorkflowJobEvent{}) })
	assert.Equal(t, controller.Job{}, job)
}
