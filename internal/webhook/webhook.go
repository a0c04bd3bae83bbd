// Package webhook verifies and routes source-control events into deploy
// triggers and preview teardowns.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/go-github/v28/github"

	perrors "github.com/narvanalabs/stackpilot/internal/errors"
	"github.com/narvanalabs/stackpilot/internal/metrics"
	"github.com/narvanalabs/stackpilot/internal/models"
	"github.com/narvanalabs/stackpilot/internal/orchestrator"
)

// Request headers.
const (
	HeaderEvent      = "X-GitHub-Event"
	HeaderEventAlias = "Event-Type"
	HeaderSignature  = "X-Hub-Signature-256"
)

// Supported events and pull request actions.
const (
	EventPush        = "push"
	EventPullRequest = "pull_request"

	ActionOpened      = "opened"
	ActionReopened    = "reopened"
	ActionSynchronize = "synchronize"
	ActionClosed      = "closed"
)

const (
	signaturePrefix = "sha256="
	branchRefPrefix = "refs/heads/"
)

// Orchestrator is the part of the orchestrator the webhook drives.
type Orchestrator interface {
	MainConfiguration(ctx context.Context, repoID int64, branch string) (*models.Configuration, error)
	Trigger(ctx context.Context, raw *models.Configuration, opts orchestrator.TriggerOptions) (*orchestrator.TriggerResult, error)
	TriggerPreview(ctx context.Context, main *models.Configuration, number int, opts orchestrator.TriggerOptions) (*orchestrator.TriggerResult, error)
	ClosePreview(ctx context.Context, main *models.Configuration, number int) error
}

// Response is returned to the sender of an accepted event.
type Response struct {
	Success  bool   `json:"success"`
	Queued   bool   `json:"queued"`
	Message  string `json:"message"`
	Nickname string `json:"nickname,omitempty"`
	Name     string `json:"name,omitempty"`
	DeployID string `json:"deployId,omitempty"`
}

// Processor handles webhook deliveries.
type Processor struct {
	secret  []byte
	orch    Orchestrator
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewProcessor creates a Processor verifying deliveries with secret.
func NewProcessor(secret string, orch Orchestrator, m *metrics.Metrics, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		secret:  []byte(secret),
		orch:    orch,
		metrics: m,
		logger:  logger.With("component", "webhook"),
	}
}

// EventType returns the event name from headers, accepting the alias header.
func EventType(h http.Header) string {
	if e := h.Get(HeaderEvent); e != "" {
		return e
	}
	return h.Get(HeaderEventAlias)
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against the HMAC-SHA256 of the raw body.
func (p *Processor) Verify(signature string, body []byte) error {
	if len(p.secret) == 0 {
		return perrors.Signature("Webhook secret is not configured.")
	}
	if signature == "" {
		return perrors.Signature("Missing signature.")
	}
	if !strings.HasPrefix(signature, signaturePrefix) {
		return perrors.Signature("Invalid Request.")
	}
	expected := Sign(p.secret, body)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return perrors.Signature("Invalid Request.")
	}
	return nil
}

// Handle verifies and routes one delivery.
func (p *Processor) Handle(ctx context.Context, event, signature string, body []byte) (resp *Response, err error) {
	defer func() {
		p.metrics.WebhookEvent(event, outcome(resp, err))
	}()

	if err := p.Verify(signature, body); err != nil {
		p.logger.Warn("rejected webhook signature", "event", event)
		return nil, err
	}
	if event != EventPush && event != EventPullRequest {
		return nil, perrors.Validation("Invalid Event.")
	}

	payload, err := github.ParseWebHook(event, body)
	if err != nil {
		return nil, perrors.Validation("Invalid payload.")
	}

	switch e := payload.(type) {
	case *github.PushEvent:
		return p.push(ctx, e)
	case *github.PullRequestEvent:
		return p.pullRequest(ctx, e)
	default:
		return nil, perrors.Validation("Invalid Event.")
	}
}

func (p *Processor) push(ctx context.Context, e *github.PushEvent) (*Response, error) {
	ref := e.GetRef()
	if !strings.HasPrefix(ref, branchRefPrefix) {
		return nil, perrors.NotFound("No configuration found.")
	}
	branch := strings.TrimPrefix(ref, branchRefPrefix)
	repoID := e.GetRepo().GetID()

	main, err := p.orch.MainConfiguration(ctx, repoID, branch)
	if err != nil {
		return nil, err
	}
	p.logger.Info("push received", "repo_id", repoID, "branch", branch, "after", e.GetAfter())

	res, err := p.orch.Trigger(ctx, main, orchestrator.TriggerOptions{Source: orchestrator.SourceWebhook})
	if err != nil {
		return nil, err
	}
	return fromTrigger(res), nil
}

func (p *Processor) pullRequest(ctx context.Context, e *github.PullRequestEvent) (*Response, error) {
	action := e.GetAction()
	switch action {
	case ActionOpened, ActionReopened, ActionSynchronize, ActionClosed:
	default:
		return nil, perrors.Validation("PR action is not allowed.")
	}

	repoID := e.GetRepo().GetID()
	base := e.GetPullRequest().GetBase().GetRef()
	number := e.GetNumber()
	if number == 0 {
		number = e.GetPullRequest().GetNumber()
	}

	main, err := p.orch.MainConfiguration(ctx, repoID, base)
	if err != nil {
		return nil, err
	}
	p.logger.Info("pull request received", "repo_id", repoID, "base", base, "number", number, "action", action)

	if action == ActionClosed {
		if err := p.orch.ClosePreview(ctx, main, number); err != nil {
			return nil, err
		}
		return &Response{Success: true, Message: orchestrator.MessageRemoved}, nil
	}

	res, err := p.orch.TriggerPreview(ctx, main, number, orchestrator.TriggerOptions{Source: orchestrator.SourceWebhook})
	if err != nil {
		return nil, err
	}
	return fromTrigger(res), nil
}

func fromTrigger(res *orchestrator.TriggerResult) *Response {
	return &Response{
		Success:  res.Success,
		Queued:   res.Queued,
		Message:  res.Message,
		Nickname: res.Nickname,
		Name:     res.Name,
		DeployID: res.DeployID,
	}
}

func outcome(resp *Response, err error) string {
	switch {
	case err != nil && perrors.IsTriggerRejection(err):
		return "rejected"
	case err != nil:
		return "error"
	case resp.Message == orchestrator.MessageRemoved:
		return "removed"
	case resp.Queued:
		return "queued"
	default:
		return "unchanged"
	}
}
