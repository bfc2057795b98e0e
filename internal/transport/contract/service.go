package contract

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/neuroconv/orchestrator/internal/agentport"
	"github.com/neuroconv/orchestrator/internal/dispatch"
	taxerr "github.com/neuroconv/orchestrator/internal/errors"
	"github.com/neuroconv/orchestrator/internal/event"
	"github.com/neuroconv/orchestrator/internal/provenance"
	"github.com/neuroconv/orchestrator/internal/session"
	"github.com/neuroconv/orchestrator/internal/validation"
	"github.com/neuroconv/orchestrator/internal/workflow"
)

// Service implements every operation of spec.md §6.3's Orchestration API
// in a protocol-independent form. Each of the three transport adapters
// holds exactly one Service and is, per spec.md §4.8, forbidden from
// containing workflow logic beyond translating its own wire framing into
// calls here.
type Service struct {
	engine     *workflow.Engine
	workflows  *WorkflowRegistry
	sessions   session.Store
	events     *event.Bus
	provStore  provenance.Store
	dispatcher *dispatch.Dispatcher
	weights    validation.Weights

	validateTimeout time.Duration
	validateRetry   dispatch.RetryPolicy
}

// New builds a Service. weights configures validateStandalone's scoring;
// pass validation.DefaultWeights when the caller has no override.
func New(engine *workflow.Engine, workflows *WorkflowRegistry, sessions session.Store, events *event.Bus, provStore provenance.Store, dispatcher *dispatch.Dispatcher, weights validation.Weights) *Service {
	return &Service{
		engine:          engine,
		workflows:       workflows,
		sessions:        sessions,
		events:          events,
		provStore:       provStore,
		dispatcher:      dispatcher,
		weights:         weights,
		validateTimeout: 30 * time.Second,
		validateRetry:   dispatch.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: 10 * time.Second},
	}
}

// Submit implements spec.md §6.3's submit operation: resolve workflowRef
// against the WorkflowRegistry, then hand off to
// workflow.Engine.SubmitAsync so the caller gets an immediate session id
// while execution proceeds in the background (spec.md §6.5's "returns
// 202").
func (s *Service) Submit(ctx context.Context, workflowRef, datasetRef, principalID string) (string, error) {
	def, err := s.workflows.Resolve(workflowRef)
	if err != nil {
		return "", err
	}
	return s.engine.SubmitAsync(ctx, def, principalID, map[string]any{"dataset_ref": datasetRef})
}

// Status implements spec.md §6.3's status operation.
func (s *Service) Status(ctx context.Context, sessionID string) (workflow.Snapshot, error) {
	return s.engine.Status(ctx, sessionID)
}

// resolveDef recovers the WorkflowDefinition a previously-submitted
// session was built from, so Resume/ProvideInput's *Async variants (which
// take a *WorkflowDefinition, not a ref) can be called by session id
// alone, the way spec.md §6.3 specifies them.
func (s *Service) resolveDef(ctx context.Context, sessionID string) (*workflow.WorkflowDefinition, error) {
	sess, err := s.sessions.LoadLatest(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.workflows.Resolve(sess.WorkflowRef)
}

// Resume implements spec.md §6.3's resume operation.
func (s *Service) Resume(ctx context.Context, sessionID string) error {
	def, err := s.resolveDef(ctx, sessionID)
	if err != nil {
		return err
	}
	return s.engine.ResumeAsync(ctx, def, sessionID)
}

// ProvideInput implements spec.md §6.3's provideInput operation.
func (s *Service) ProvideInput(ctx context.Context, sessionID string, input map[string]any) error {
	def, err := s.resolveDef(ctx, sessionID)
	if err != nil {
		return err
	}
	return s.engine.ProvideInputAsync(ctx, def, sessionID, input)
}

// Cancel implements spec.md §6.3's cancel operation.
func (s *Service) Cancel(ctx context.Context, sessionID string) error {
	return s.engine.Cancel(ctx, sessionID)
}

// Provenance implements spec.md §6.3's provenance operation, returning
// the accumulated log so callers can pick their own serialization
// (transport/httpapi negotiates Turtle vs. JSON-LD; stdio always emits
// Turtle; wsapi does not expose provenance).
func (s *Service) Provenance(ctx context.Context, sessionID string) (*provenance.Log, error) {
	if _, err := s.sessions.LoadLatest(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.provStore.Stream(ctx, sessionID)
}

// SessionSummary is one entry of listSessions' output (spec.md §6.3).
type SessionSummary struct {
	SessionID string        `json:"session_id"`
	State     session.State `json:"state"`
	WorkflowRef string      `json:"workflow_ref"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// ListSessions implements spec.md §6.3's listSessions operation.
func (s *Service) ListSessions(ctx context.Context, filter session.Filter) ([]SessionSummary, error) {
	sessions, err := s.sessions.ListActive(ctx, filter)
	if err != nil {
		return nil, err
	}
	summaries := make([]SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		summaries = append(summaries, SessionSummary{
			SessionID:   sess.ID,
			State:       sess.State,
			WorkflowRef: sess.WorkflowRef,
			CreatedAt:   sess.CreatedAt,
			UpdatedAt:   sess.UpdatedAt,
		})
	}
	return summaries, nil
}

// SubscribeEvents implements spec.md §6.3's subscribeEvents operation.
// subscriberID must be unique per connection; transport adapters
// typically derive it from their own connection id.
func (s *Service) SubscribeEvents(ctx context.Context, sessionID, subscriberID string, startSeq uint64) (*event.Subscription, error) {
	if _, err := s.sessions.LoadLatest(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.events.Subscribe(sessionID, subscriberID, startSeq), nil
}

// ValidateStandalone implements spec.md §6.3's validateStandalone
// operation: fan out to every named validator concurrently through the
// Agent Dispatcher (bypassing the Workflow Engine entirely, since this
// operation has no session), then fold the responses through the same
// validation.Aggregate the Validating step uses, so standalone and
// in-workflow validation share one deterministic scoring path.
func (s *Service) ValidateStandalone(ctx context.Context, fileRef string, validatorIDs []string) (validation.Report, error) {
	if len(validatorIDs) == 0 {
		return validation.Report{}, taxerr.New(taxerr.KindValidatorUnavailable, "validateStandalone requires at least one validator id")
	}

	responses := make([]validation.ValidatorResponse, len(validatorIDs))
	errs := make([]error, len(validatorIDs))

	var wg sync.WaitGroup
	for i, validatorID := range validatorIDs {
		wg.Add(1)
		go func(i int, validatorID string) {
			defer wg.Done()
			req := agentport.Request{
				Role:       agentport.RoleValidation,
				StepID:     "standalone",
				SessionID:  "standalone:" + fileRef,
				Payload:    map[string]any{"file_ref": fileRef, "validator_id": validatorID},
				Idempotent: true,
			}
			resp, err := s.dispatcher.Dispatch(ctx, req, s.validateRetry, s.validateTimeout, "validation:"+validatorID)
			if err != nil {
				errs[i] = err
				return
			}
			responses[i] = decodeValidatorResponse(validatorID, resp)
		}(i, validatorID)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return validation.Report{}, taxerr.Wrap(taxerr.KindValidatorUnavailable, "one or more validators unavailable", err)
		}
	}

	return validation.Aggregate(responses, s.weights), nil
}

// decodeValidatorResponse maps an agentport.Response's Ok payload onto a
// validation.ValidatorResponse. Workers report issues as
// payload["issues"] = []{"severity","rule_id","location","message","fix_hint"}.
func decodeValidatorResponse(validatorID string, resp agentport.Response) validation.ValidatorResponse {
	out := validation.ValidatorResponse{ValidatorID: validatorID}
	raw, ok := resp.Payload["issues"]
	if !ok {
		return out
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return out
	}
	var issues []struct {
		Severity string `json:"severity"`
		RuleID   string `json:"rule_id"`
		Location string `json:"location"`
		Message  string `json:"message"`
		FixHint  string `json:"fix_hint"`
	}
	if err := json.Unmarshal(encoded, &issues); err != nil {
		return out
	}
	for _, i := range issues {
		out.Issues = append(out.Issues, validation.Issue{
			Severity:    severityFromString(i.Severity),
			RuleID:      i.RuleID,
			Location:    i.Location,
			Message:     i.Message,
			FixHint:     i.FixHint,
			ValidatorID: validatorID,
		})
	}
	return out
}

func severityFromString(s string) validation.Severity {
	switch s {
	case "Critical":
		return validation.SeverityCritical
	case "Error":
		return validation.SeverityError
	case "Warning":
		return validation.SeverityWarning
	default:
		return validation.SeverityInfo
	}
}
