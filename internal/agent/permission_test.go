package agent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexus-agents/agentgw/pkg/models"
)

func testCall(id string) models.ToolCall {
	return models.ToolCall{ID: id, Name: "srv:write_file", Input: json.RawMessage(`{"path":"/tmp/x"}`)}
}

func TestLowRiskAutoApprovesWithoutPendingRecord(t *testing.T) {
	c := NewPermissionCoordinator(time.Minute, nil)

	req, approved := c.RequestApproval("s1", testCall("c1"), models.RiskLow)
	require.True(t, approved)
	require.Nil(t, req)
	require.Empty(t, c.ListPending("s1"))
}

func TestMediumRiskCreatesPendingAndApprovalResumes(t *testing.T) {
	c := NewPermissionCoordinator(time.Minute, nil)

	req, approved := c.RequestApproval("s1", testCall("c1"), models.RiskMedium)
	require.False(t, approved)
	require.NotNil(t, req)
	require.Equal(t, models.PendingAwaiting, req.Status)
	require.Equal(t, "s1", req.SessionID)

	done := make(chan models.PendingStatus, 1)
	go func() {
		done <- c.WaitForDecision(context.Background(), req.ID)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.Decide(req.ID, true, "alice"))

	select {
	case status := <-done:
		require.Equal(t, models.PendingApproved, status)
	case <-time.After(time.Second):
		t.Fatal("waiter never resumed")
	}

	stored, ok := c.Get(req.ID)
	require.True(t, ok)
	require.Equal(t, models.PendingApproved, stored.Status)
	require.Equal(t, "alice", stored.DecidedBy)
	require.NotNil(t, stored.DecidedAt)
}

func TestRejectionResumesWithRejected(t *testing.T) {
	c := NewPermissionCoordinator(time.Minute, nil)
	req, _ := c.RequestApproval("s1", testCall("c1"), models.RiskHigh)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = c.Decide(req.ID, false, "alice")
	}()
	require.Equal(t, models.PendingRejected, c.WaitForDecision(context.Background(), req.ID))
}

func TestDeadlineExpiresWaiter(t *testing.T) {
	c := NewPermissionCoordinator(30*time.Millisecond, nil)
	req, _ := c.RequestApproval("s1", testCall("c1"), models.RiskMedium)

	status := c.WaitForDecision(context.Background(), req.ID)
	require.Equal(t, models.PendingExpired, status)

	stored, _ := c.Get(req.ID)
	require.Equal(t, models.PendingExpired, stored.Status)
}

func TestSecondDecisionDoesNotAlterTheFirst(t *testing.T) {
	c := NewPermissionCoordinator(time.Minute, nil)
	req, _ := c.RequestApproval("s1", testCall("c1"), models.RiskMedium)

	require.NoError(t, c.Decide(req.ID, true, "alice"))
	err := c.Decide(req.ID, false, "alice")
	require.Error(t, err)

	status, ok := AlreadyDecidedStatus(err)
	require.True(t, ok)
	require.Equal(t, models.PendingApproved, status)

	stored, _ := c.Get(req.ID)
	require.Equal(t, models.PendingApproved, stored.Status)
}

func TestConcurrentDecisionsExactlyOneWins(t *testing.T) {
	c := NewPermissionCoordinator(time.Minute, nil)
	req, _ := c.RequestApproval("s1", testCall("c1"), models.RiskMedium)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Decide(req.ID, i%2 == 0, "user")
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			_, ok := AlreadyDecidedStatus(err)
			require.True(t, ok)
		}
	}
	require.Equal(t, 1, winners)
}

func TestConcurrentPendingPerSession(t *testing.T) {
	c := NewPermissionCoordinator(time.Minute, nil)

	reqA, _ := c.RequestApproval("s1", testCall("c1"), models.RiskMedium)
	reqB, _ := c.RequestApproval("s1", testCall("c2"), models.RiskHigh)
	require.NotEqual(t, reqA.ID, reqB.ID)
	require.Len(t, c.ListPending("s1"), 2)

	require.NoError(t, c.Decide(reqA.ID, true, "alice"))
	require.Len(t, c.ListPending("s1"), 1)
}

func TestExpireStaleSweepsPastDeadlineRequests(t *testing.T) {
	c := NewPermissionCoordinator(10*time.Millisecond, nil)
	req, _ := c.RequestApproval("s1", testCall("c1"), models.RiskMedium)
	time.Sleep(20 * time.Millisecond)

	c.ExpireStale(time.Hour)

	stored, ok := c.Get(req.ID)
	require.True(t, ok)
	require.Equal(t, models.PendingExpired, stored.Status)

	// A waiter arriving after the sweep must not hang.
	require.Equal(t, models.PendingExpired, c.WaitForDecision(context.Background(), req.ID))
}

func TestExpireStalePrunesOldTerminalRecords(t *testing.T) {
	c := NewPermissionCoordinator(time.Minute, nil)
	req, _ := c.RequestApproval("s1", testCall("c1"), models.RiskMedium)
	require.NoError(t, c.Decide(req.ID, true, "alice"))

	c.ExpireStale(0)
	_, ok := c.Get(req.ID)
	require.False(t, ok)
}

func TestContextCancellationReturnsCancelled(t *testing.T) {
	c := NewPermissionCoordinator(time.Minute, nil)
	req, _ := c.RequestApproval("s1", testCall("c1"), models.RiskMedium)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	require.Equal(t, models.PendingCancelled, c.WaitForDecision(ctx, req.ID))
}
