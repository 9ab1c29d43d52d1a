package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-agents/agentgw/pkg/models"
)

// DefaultApprovalTimeout bounds how long a Pending Tool Execution waits for
// a human decision before it expires on its own.
const DefaultApprovalTimeout = 5 * time.Minute

// defaultSweepInterval is how often ExpireStale is invoked by Run.
const defaultSweepInterval = 30 * time.Second

// AutoApprovePolicy decides, for a given risk level, whether a tool call
// may run without a human decision. Low-risk tools are typically
// auto-approved; medium and high risk tools are not, by default.
type AutoApprovePolicy func(risk models.RiskLevel) bool

// DefaultAutoApprovePolicy auto-approves only low-risk tool calls.
func DefaultAutoApprovePolicy(risk models.RiskLevel) bool {
	return risk == models.RiskLow
}

// pendingWaiter is the single-shot resume signal a caller blocks on while a
// Pending Tool Execution awaits its decision. Exactly one writer (Decide,
// Cancel, or the sweep) ever closes/sends on it.
type pendingWaiter struct {
	done chan models.PendingStatus
	once sync.Once
}

func newPendingWaiter() *pendingWaiter {
	return &pendingWaiter{done: make(chan models.PendingStatus, 1)}
}

func (w *pendingWaiter) resolve(status models.PendingStatus) {
	w.once.Do(func() {
		w.done <- status
		close(w.done)
	})
}

// PermissionCoordinator is the consent state machine for risk-gated tool
// calls: a call classified as requiring approval becomes a
// PendingToolExecution; the caller suspends on WaitForDecision until a
// decision arrives, the deadline passes, or the caller cancels. Status
// transitions are monotonic: pending reaches exactly one terminal state
// and never returns.
type PermissionCoordinator struct {
	mu          sync.Mutex
	pending     map[string]*models.PendingToolExecution
	waiters     map[string]*pendingWaiter
	autoApprove AutoApprovePolicy
	timeout     time.Duration
}

// NewPermissionCoordinator creates a coordinator with the given timeout and
// auto-approval policy. A zero timeout falls back to DefaultApprovalTimeout;
// a nil policy falls back to DefaultAutoApprovePolicy.
func NewPermissionCoordinator(timeout time.Duration, autoApprove AutoApprovePolicy) *PermissionCoordinator {
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	if autoApprove == nil {
		autoApprove = DefaultAutoApprovePolicy
	}
	return &PermissionCoordinator{
		pending:     make(map[string]*models.PendingToolExecution),
		waiters:     make(map[string]*pendingWaiter),
		autoApprove: autoApprove,
		timeout:     timeout,
	}
}

// RequestApproval classifies the given tool call's risk and either
// auto-approves it or creates a PendingToolExecution awaiting a decision.
// The returned bool is true when the call may proceed immediately.
func (c *PermissionCoordinator) RequestApproval(sessionID string, call models.ToolCall, risk models.RiskLevel) (*models.PendingToolExecution, bool) {
	if c.autoApprove(risk) {
		return nil, true
	}

	now := time.Now()
	req := &models.PendingToolExecution{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Risk:       risk,
		Input:      call.Input,
		Status:     models.PendingAwaiting,
		CreatedAt:  now,
		ExpiresAt:  now.Add(c.timeout),
	}

	c.mu.Lock()
	c.pending[req.ID] = req
	c.waiters[req.ID] = newPendingWaiter()
	c.mu.Unlock()

	return req, false
}

// WaitForDecision blocks until the Pending Tool Execution identified by id
// is decided, its deadline passes, or ctx is cancelled. It always returns a
// terminal status; ctx cancellation resolves to PendingCancelled without
// mutating the stored record (the sweep or a later Decide call still owns
// that transition).
func (c *PermissionCoordinator) WaitForDecision(ctx context.Context, id string) models.PendingStatus {
	c.mu.Lock()
	req, ok := c.pending[id]
	waiter := c.waiters[id]
	c.mu.Unlock()
	if !ok || waiter == nil {
		return models.PendingExpired
	}

	deadline := time.Until(req.ExpiresAt)
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case status := <-waiter.done:
		return status
	case <-timer.C:
		c.expire(id)
		return models.PendingExpired
	case <-ctx.Done():
		return models.PendingCancelled
	}
}

// Decide records a human decision for the Pending Tool Execution and wakes
// its waiter. Two concurrent Decide calls for the same id race on the
// coordinator mutex but only the first to acquire it mutates the record;
// pendingWaiter.resolve's sync.Once guarantees exactly one decision takes
// effect even if both callers reach this method.
func (c *PermissionCoordinator) Decide(id string, approve bool, decidedBy string) error {
	c.mu.Lock()
	req, ok := c.pending[id]
	waiter := c.waiters[id]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("permission: no pending tool execution %q", id)
	}

	c.mu.Lock()
	if req.Status != models.PendingAwaiting {
		status := req.Status
		c.mu.Unlock()
		return &errAlreadyDecided{id: id, status: status}
	}
	now := time.Now()
	if approve {
		req.Status = models.PendingApproved
	} else {
		req.Status = models.PendingRejected
	}
	req.DecidedAt = &now
	req.DecidedBy = decidedBy
	status := req.Status
	c.mu.Unlock()

	if waiter != nil {
		waiter.resolve(status)
	}
	return nil
}

// errAlreadyDecided is returned when Decide is called for a request that
// already reached a terminal state. The decision endpoint treats it as a
// repeat, not a failure: the first decision stands.
type errAlreadyDecided struct {
	id     string
	status models.PendingStatus
}

func (e *errAlreadyDecided) Error() string {
	return fmt.Sprintf("permission: request %q already decided (%s)", e.id, e.status)
}

// AlreadyDecidedStatus extracts the terminal status from an error returned
// by Decide when the request had already reached a terminal state, so
// callers can reply with the original decision instead of an error.
func AlreadyDecidedStatus(err error) (models.PendingStatus, bool) {
	if e, ok := err.(*errAlreadyDecided); ok {
		return e.status, true
	}
	return "", false
}

// Cancel marks a Pending Tool Execution cancelled, e.g. because its owning
// turn was aborted before a decision arrived.
func (c *PermissionCoordinator) Cancel(id string) {
	c.mu.Lock()
	req, ok := c.pending[id]
	waiter := c.waiters[id]
	if ok && req.Status == models.PendingAwaiting {
		req.Status = models.PendingCancelled
	}
	c.mu.Unlock()
	if waiter != nil {
		waiter.resolve(models.PendingCancelled)
	}
}

func (c *PermissionCoordinator) expire(id string) {
	c.mu.Lock()
	req, ok := c.pending[id]
	waiter := c.waiters[id]
	if ok && req.Status == models.PendingAwaiting {
		req.Status = models.PendingExpired
	}
	c.mu.Unlock()
	if waiter != nil {
		waiter.resolve(models.PendingExpired)
	}
}

// Get returns the current state of a Pending Tool Execution.
func (c *PermissionCoordinator) Get(id string) (*models.PendingToolExecution, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.pending[id]
	return req, ok
}

// ListPending returns every request still awaiting a decision for a session.
func (c *PermissionCoordinator) ListPending(sessionID string) []*models.PendingToolExecution {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*models.PendingToolExecution
	for _, req := range c.pending {
		if req.Status == models.PendingAwaiting && (sessionID == "" || req.SessionID == sessionID) {
			out = append(out, req)
		}
	}
	return out
}

// ExpireStale scans for pending requests whose deadline has passed and
// expires them, waking any blocked waiters. It also prunes terminal
// requests older than retention so the maps don't grow without bound.
func (c *PermissionCoordinator) ExpireStale(retention time.Duration) {
	now := time.Now()
	var toExpire []string
	var toPrune []string

	c.mu.Lock()
	for id, req := range c.pending {
		// Expired and cancelled records carry no DecidedAt; their deadline
		// stands in as the time they became terminal.
		endedAt := req.ExpiresAt
		if req.DecidedAt != nil {
			endedAt = *req.DecidedAt
		}
		switch {
		case req.Status == models.PendingAwaiting && now.After(req.ExpiresAt):
			toExpire = append(toExpire, id)
		case req.Status != models.PendingAwaiting && now.Sub(endedAt) > retention:
			toPrune = append(toPrune, id)
		}
	}
	c.mu.Unlock()

	for _, id := range toExpire {
		c.expire(id)
	}

	c.mu.Lock()
	for _, id := range toPrune {
		delete(c.pending, id)
		delete(c.waiters, id)
	}
	c.mu.Unlock()
}

// Run drives the periodic expiry sweep until ctx is cancelled.
func (c *PermissionCoordinator) Run(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(defaultSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ExpireStale(retention)
		}
	}
}

// matchesRiskPattern reports whether name matches a risk-override pattern,
// supporting an exact match, a "prefix:*" server wildcard, and a
// "*suffix" wildcard.
func matchesRiskPattern(pattern, name string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || name == "" {
		return false
	}
	if pattern == name {
		return true
	}
	if strings.HasSuffix(pattern, ":*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	if strings.HasPrefix(pattern, "*") {
		return strings.HasSuffix(name, strings.TrimPrefix(pattern, "*"))
	}
	return false
}
