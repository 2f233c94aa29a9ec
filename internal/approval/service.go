package approval

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/warden/internal/events"
	"github.com/alekspetrov/warden/internal/logging"
	"github.com/alekspetrov/warden/internal/metrics"
	"github.com/alekspetrov/warden/internal/notify"
	"github.com/alekspetrov/warden/internal/store"
	"github.com/alekspetrov/warden/internal/task"
)

// Store is the persistence the decision service needs. *store.Store implements it.
type Store interface {
	InsertDecision(d *store.Decision) error
	GetDecision(id string) (*store.Decision, error)
	ResolveDecision(id, status, decidedBy, meta string, at time.Time) (bool, error)
	SupersedePending(entityType, entityID, action string, at time.Time) (int64, error)
	GetTask(id int64) (*store.Task, error)
	CompareAndSetStatus(id int64, from []task.Status, to task.Status) (bool, error)
	AppendAudit(a *store.AuditEntry) error
}

// Verification of an unknown decision still runs the HMAC comparison
// against these so timing does not reveal whether the ID exists.
var (
	dummySalt = strings.Repeat("0", 32)
	dummyHash = strings.Repeat("0", 64)
)

// Service issues, verifies and resolves decisions.
type Service struct {
	store    Store
	notifier notify.Notifier
	sink     events.Sink
	cfg      Config
	log      *slog.Logger
}

// NewService creates a decision service.
func NewService(st Store, n notify.Notifier, sink events.Sink, cfg Config) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if n == nil {
		n = notify.LogNotifier{}
	}
	if sink == nil {
		sink = events.Discard{}
	}
	return &Service{
		store:    st,
		notifier: n,
		sink:     sink,
		cfg:      cfg,
		log:      logging.WithComponent("approval"),
	}
}

// Create issues a pending decision and returns it with its plaintext token.
// Only an HMAC of the token, keyed with pepper and a per-decision salt, is
// stored. A ttlHours of zero yields a decision that is already expired.
func (s *Service) Create(ctx context.Context, entityType, entityID, action, requester string, ttlHours int) (*Issued, error) {
	if s.cfg.Pepper == "" {
		return nil, fmt.Errorf("approval pepper is not configured")
	}
	if ttlHours < 0 {
		ttlHours = 0
	}

	token, err := randomToken(32)
	if err != nil {
		return nil, err
	}
	saltBytes := make([]byte, 16)
	if _, err := rand.Read(saltBytes); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	salt := hex.EncodeToString(saltBytes)

	now := s.cfg.Now()
	d := &store.Decision{
		ID:         uuid.NewString(),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Status:     store.DecisionPending,
		TokenHash:  s.hash(salt, token),
		Salt:       salt,
		ExpiresAt:  now.Add(time.Duration(ttlHours) * time.Hour),
		Requester:  requester,
	}
	if err := s.store.InsertDecision(d); err != nil {
		return nil, err
	}

	s.audit(d, "decision.created", requester, fmt.Sprintf("expires %s", d.ExpiresAt.UTC().Format(time.RFC3339)))
	metrics.RecordDecision(action, store.DecisionPending)
	s.sink.Publish(events.Event{Type: events.DecisionCreated, Data: map[string]any{
		"decision_id": d.ID, "entity_type": entityType, "entity_id": entityID, "action": action,
	}, At: now})

	logging.WithContext(logging.ContextWithDecisionID(ctx, d.ID)).Info("decision created",
		"component", "approval", "entity", entityType+":"+entityID, "action", action, "requester", requester)
	return &Issued{Decision: d, Token: token}, nil
}

// Verify returns the decision if the token matches and it has not expired.
// Every failure returns ErrInvalidToken.
func (s *Service) Verify(_ context.Context, decisionID, token string) (*store.Decision, error) {
	return s.check(decisionID, token, true)
}

// Status returns the decision if the token matches, whether or not it has
// expired, so a link holder can see the outcome.
func (s *Service) Status(_ context.Context, decisionID, token string) (*store.Decision, error) {
	return s.check(decisionID, token, false)
}

func (s *Service) check(decisionID, token string, requireFresh bool) (*store.Decision, error) {
	d, err := s.store.GetDecision(decisionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	salt, stored := dummySalt, dummyHash
	if d != nil {
		salt, stored = d.Salt, d.TokenHash
	}
	match := hmac.Equal([]byte(s.hash(salt, token)), []byte(stored))

	expired := d != nil && !s.cfg.Now().Before(d.ExpiresAt)
	if d == nil || !match || (requireFresh && expired) {
		return nil, ErrInvalidToken
	}
	return d, nil
}

// Apply resolves a pending decision. A decision that is already resolved
// is returned unchanged. Approving or rejecting a start_task decision
// mirrors the outcome into the task's status.
func (s *Service) Apply(ctx context.Context, decisionID string, approve bool, who Decider) (*store.Decision, error) {
	d, err := s.store.GetDecision(decisionID)
	if err != nil {
		return nil, fmt.Errorf("decision %s: %w", decisionID, err)
	}
	if d.Status != store.DecisionPending {
		return d, nil
	}

	status := store.DecisionRejected
	if approve {
		status = store.DecisionApproved
	}
	meta, _ := json.Marshal(who)
	now := s.cfg.Now()

	won, err := s.store.ResolveDecision(d.ID, status, who.By, string(meta), now)
	if err != nil {
		return nil, err
	}
	if !won {
		// Resolved concurrently; report the winner's outcome.
		return s.store.GetDecision(d.ID)
	}

	d.Status = status
	d.DecidedAt = &now
	d.DecidedBy = who.By
	d.DecisionMeta = string(meta)

	log := logging.WithContext(logging.ContextWithDecisionID(ctx, d.ID))
	log.Info("decision resolved", "component", "approval", "status", status, "by", who.By)
	s.audit(d, "decision."+status, who.By, who.Comment)
	metrics.RecordDecision(d.Action, status)
	s.sink.Publish(events.Event{Type: events.DecisionResolved, Data: map[string]any{
		"decision_id": d.ID, "status": status, "entity_id": d.EntityID,
	}, At: now})

	if d.EntityType == EntityTask && d.Action == ActionStartTask {
		s.mirrorToTask(ctx, d, approve)
	}
	if s.shouldNotifyResolution(d) {
		s.notifyResolution(ctx, d)
	}
	return d, nil
}

func (s *Service) mirrorToTask(ctx context.Context, d *store.Decision, approve bool) {
	taskID, err := strconv.ParseInt(d.EntityID, 10, 64)
	if err != nil {
		s.log.Warn("decision refers to malformed task id", "decision_id", d.ID, "entity_id", d.EntityID)
		return
	}

	to := task.StatusRejected
	if approve {
		to = task.StatusApproved
	}
	ok, err := s.store.CompareAndSetStatus(taskID, []task.Status{task.StatusPending}, to)
	if err != nil {
		logging.ErrorContext(ctx, "failed to mirror decision into task", "task_id", taskID, "error", err)
		return
	}
	if !ok {
		s.log.Warn("task no longer pending, decision not mirrored", "task_id", taskID, "decision_id", d.ID)
		return
	}

	metrics.RecordTransition(string(to))
	s.sink.Publish(events.Event{Type: events.TaskStatus, TaskID: taskID,
		Data: map[string]any{"from": string(task.StatusPending), "to": string(to)}, At: s.cfg.Now()})
	_ = s.store.AppendAudit(&store.AuditEntry{
		EntityType: EntityTask,
		EntityID:   d.EntityID,
		Action:     "status." + string(to),
		Actor:      "decision:" + d.ID,
		CreatedAt:  s.cfg.Now(),
	})
}

// RequestTaskApproval supersedes any pending start_task decision for the
// task, issues a new one and sends the approve/reject links to the approver.
func (s *Service) RequestTaskApproval(ctx context.Context, taskID int64, requester string) (*Issued, error) {
	t, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	entityID := strconv.FormatInt(taskID, 10)

	if n, err := s.store.SupersedePending(EntityTask, entityID, ActionStartTask, s.cfg.Now()); err != nil {
		return nil, err
	} else if n > 0 {
		s.log.Info("superseded pending decisions", "task_id", taskID, "count", n)
	}

	issued, err := s.Create(ctx, EntityTask, entityID, ActionStartTask, requester, s.cfg.TTLHours)
	if err != nil {
		return nil, err
	}

	msg := notify.Message{
		To:      s.cfg.ApproverEmail,
		Subject: fmt.Sprintf("Approval needed: task #%d %s", t.ID, t.Title),
		Body:    approvalBody(t, issued.Decision.ExpiresAt),
		Links:   s.Links(issued.Decision.ID, issued.Token),
	}
	if msg.To == "" {
		s.log.Warn("approval.approver_email not set, request not delivered", "task_id", taskID, "decision_id", issued.Decision.ID)
	} else if err := s.notifier.Notify(ctx, msg); err != nil {
		s.log.Warn("failed to deliver approval request", "task_id", taskID, "decision_id", issued.Decision.ID, "error", err)
	}
	return issued, nil
}

// ResolveTask creates a start_task decision and applies it at once, for
// approvals that do not go through an emailed link (dashboard, routines).
func (s *Service) ResolveTask(ctx context.Context, taskID int64, approve bool, requester string) (*store.Decision, error) {
	entityID := strconv.FormatInt(taskID, 10)
	if _, err := s.store.SupersedePending(EntityTask, entityID, ActionStartTask, s.cfg.Now()); err != nil {
		return nil, err
	}
	issued, err := s.Create(ctx, EntityTask, entityID, ActionStartTask, requester, s.cfg.TTLHours)
	if err != nil {
		return nil, err
	}
	return s.Apply(ctx, issued.Decision.ID, approve, Decider{By: requester})
}

// Links returns the approve, reject and status links for a decision.
func (s *Service) Links(decisionID, token string) []notify.Link {
	q := url.Values{"decision_id": {decisionID}, "token": {token}}.Encode()
	base := strings.TrimSuffix(s.cfg.PublicBaseURL, "/")
	return []notify.Link{
		{Label: "Approve", URL: base + "/approve?" + q},
		{Label: "Reject", URL: base + "/reject?" + q},
		{Label: "Status", URL: base + "/status?" + q},
	}
}

func (s *Service) shouldNotifyResolution(d *store.Decision) bool {
	if s.cfg.ApproverEmail == "" {
		return false
	}
	return d.Requester != RequesterAutoApprove && d.Requester != RequesterDashboard
}

func (s *Service) notifyResolution(ctx context.Context, d *store.Decision) {
	subject := fmt.Sprintf("Decision %s: %s %s:%s", d.Status, d.Action, d.EntityType, d.EntityID)
	body := fmt.Sprintf("Decision %s was %s by %s.", d.ID, d.Status, d.DecidedBy)
	if err := s.notifier.Notify(ctx, notify.Message{To: s.cfg.ApproverEmail, Subject: subject, Body: body}); err != nil {
		s.log.Warn("failed to deliver decision outcome", "decision_id", d.ID, "error", err)
	}
}

func (s *Service) audit(d *store.Decision, action, actor, detail string) {
	err := s.store.AppendAudit(&store.AuditEntry{
		EntityType: "decision",
		EntityID:   d.ID,
		Action:     action,
		Actor:      actor,
		Detail:     fmt.Sprintf("%s %s:%s %s", d.Action, d.EntityType, d.EntityID, detail),
		CreatedAt:  s.cfg.Now(),
	})
	if err != nil {
		s.log.Warn("failed to write audit entry", "decision_id", d.ID, "error", err)
	}
}

func (s *Service) hash(salt, token string) string {
	mac := hmac.New(sha256.New, []byte(s.cfg.Pepper+salt))
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func approvalBody(t *store.Task, expires time.Time) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Task #%d: %s\n", t.ID, t.Title))
	if t.IsCritical {
		sb.WriteString("Marked critical.\n")
	}
	if t.Description != "" {
		sb.WriteString("\n" + store.Truncate(t.Description, 1500) + "\n")
	}
	sb.WriteString(fmt.Sprintf("\nThis link expires %s.", expires.UTC().Format("2006-01-02 15:04 MST")))
	return sb.String()
}
