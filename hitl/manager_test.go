package hitl

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/conductorhq/conductor/risk"
	"github.com/conductorhq/conductor/types"
)

// recordingNotifier captures notifications for assertions.
type recordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
	err   error
}

func (n *recordingNotifier) Notify(ctx context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.notes = append(n.notes, note)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notes)
}

func newTestStores(t *testing.T) map[string]Store {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStoreFromClient(client, "test:"),
	}
}

func newTestManager(store Store) (*Manager, *recordingNotifier) {
	notifier := &recordingNotifier{}
	return NewManager(store, risk.NewAssessor(), notifier, zap.NewNop()), notifier
}

func highRiskOp() risk.Operation {
	return risk.Operation{
		Action:      "deploy",
		Environment: "production",
		Description: "deploy service to production",
	}
}

func criticalOp() risk.Operation {
	return risk.Operation{
		Action:      "delete",
		Environment: "production",
		Description: "drop production table",
	}
}

// ---------------------------------------------------------------------------
// CreateApprovalRequest
// ---------------------------------------------------------------------------

func TestManager_Create_LowRiskAutoApproved(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			m, notifier := newTestManager(store)

			req, err := m.CreateApprovalRequest(context.Background(), "run-1", "thread-1", "cp-1", "coder",
				risk.Operation{Action: "read", Environment: "development"})
			require.NoError(t, err)
			assert.Nil(t, req, "low risk must not create a request")

			// Nothing persisted, nobody notified.
			reqs, err := m.ListByRun(context.Background(), "run-1", "")
			require.NoError(t, err)
			assert.Empty(t, reqs)
			assert.Equal(t, 0, notifier.count())
		})
	}
}

func TestManager_Create_HighRiskPersistsPending(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			m, notifier := newTestManager(store)

			req, err := m.CreateApprovalRequest(context.Background(), "run-1", "thread-1", "cp-1", "deployer", highRiskOp())
			require.NoError(t, err)
			require.NotNil(t, req)
			assert.Equal(t, StatusPending, req.Status)
			assert.Equal(t, risk.LevelHigh, req.RiskLevel)
			assert.Equal(t, "deployer", req.RequestingAgent)
			assert.True(t, req.ExpiresAt.After(req.CreatedAt))

			stored, err := m.CheckStatus(context.Background(), req.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusPending, stored.Status)

			assert.Eventually(t, func() bool { return notifier.count() == 1 }, time.Second, 5*time.Millisecond)
		})
	}
}

func TestManager_Create_NotifierFailureNotFatal(t *testing.T) {
	store := NewMemoryStore()
	notifier := &recordingNotifier{err: errors.New("ticketing down")}
	m := NewManager(store, risk.NewAssessor(), notifier, zap.NewNop())

	req, err := m.CreateApprovalRequest(context.Background(), "run-1", "t", "cp", "agent", highRiskOp())
	require.NoError(t, err)
	require.NotNil(t, req)
}

// ---------------------------------------------------------------------------
// Approve / Reject
// ---------------------------------------------------------------------------

func TestManager_Approve_RoundTrip(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			m, _ := newTestManager(store)
			ctx := context.Background()

			req, err := m.CreateApprovalRequest(ctx, "run-1", "t", "cp", "deployer", highRiskOp())
			require.NoError(t, err)

			approved, err := m.Approve(ctx, req.ID, "alice", risk.RoleTechLead, "reviewed the plan")
			require.NoError(t, err)
			assert.Equal(t, StatusApproved, approved.Status)

			status, err := m.CheckStatus(ctx, req.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusApproved, status.Status)
			assert.Equal(t, "alice", status.ApproverID)
			assert.Equal(t, risk.RoleTechLead, status.ApproverRole)
			assert.Equal(t, "reviewed the plan", status.Justification)
			require.NotNil(t, status.DecidedAt)

			// Deciding twice fails: terminal states are immutable.
			_, err = m.Approve(ctx, req.ID, "bob", risk.RoleDevOpsEngineer, "me too")
			require.Error(t, err)
			assert.Equal(t, types.ErrInvalidState, types.GetErrorCode(err))
		})
	}
}

func TestManager_Approve_AuthorizationBoundary(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			m, _ := newTestManager(store)
			ctx := context.Background()

			req, err := m.CreateApprovalRequest(ctx, "run-1", "t", "cp", "dba", criticalOp())
			require.NoError(t, err)
			require.Equal(t, risk.LevelCritical, req.RiskLevel)

			// developer cannot approve critical.
			_, err = m.Approve(ctx, req.ID, "dev", risk.RoleDeveloper, "lgtm")
			require.Error(t, err)
			assert.Equal(t, types.ErrAuthorization, types.GetErrorCode(err))

			// Neither can tech_lead.
			_, err = m.Approve(ctx, req.ID, "lead", risk.RoleTechLead, "lgtm")
			require.Error(t, err)
			assert.Equal(t, types.ErrAuthorization, types.GetErrorCode(err))

			// The request stays pending through failed attempts.
			status, err := m.CheckStatus(ctx, req.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusPending, status.Status)

			// devops_engineer succeeds.
			approved, err := m.Approve(ctx, req.ID, "ops", risk.RoleDevOpsEngineer, "verified backups")
			require.NoError(t, err)
			assert.Equal(t, StatusApproved, approved.Status)
		})
	}
}

func TestManager_Approve_NotFound(t *testing.T) {
	m, _ := newTestManager(NewMemoryStore())
	_, err := m.Approve(context.Background(), "ghost", "alice", risk.RoleTechLead, "")
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestManager_Reject_AnyRole(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			m, _ := newTestManager(store)
			ctx := context.Background()

			req, err := m.CreateApprovalRequest(ctx, "run-1", "t", "cp", "dba", criticalOp())
			require.NoError(t, err)

			rejected, err := m.Reject(ctx, req.ID, "dev", "too risky this close to release")
			require.NoError(t, err)
			assert.Equal(t, StatusRejected, rejected.Status)
			assert.Equal(t, "dev", rejected.ApproverID)

			_, err = m.Reject(ctx, req.ID, "dev", "again")
			require.Error(t, err)
			assert.Equal(t, types.ErrInvalidState, types.GetErrorCode(err))
		})
	}
}

func TestManager_Reject_RequiresIdentity(t *testing.T) {
	m, _ := newTestManager(NewMemoryStore())
	_, err := m.Reject(context.Background(), "any", "", "no identity")
	require.Error(t, err)
	assert.Equal(t, types.ErrAuthorization, types.GetErrorCode(err))
}

func TestManager_ConcurrentDecisions_ExactlyOneWins(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			m, _ := newTestManager(store)
			ctx := context.Background()

			req, err := m.CreateApprovalRequest(ctx, "run-1", "t", "cp", "deployer", highRiskOp())
			require.NoError(t, err)

			const deciders = 8
			var wg sync.WaitGroup
			errs := make([]error, deciders)
			for i := 0; i < deciders; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					if i%2 == 0 {
						_, errs[i] = m.Approve(ctx, req.ID, "alice", risk.RoleTechLead, "ok")
					} else {
						_, errs[i] = m.Reject(ctx, req.ID, "bob", "no")
					}
				}(i)
			}
			wg.Wait()

			var successes int
			for _, err := range errs {
				if err == nil {
					successes++
				} else {
					assert.Equal(t, types.ErrInvalidState, types.GetErrorCode(err))
				}
			}
			assert.Equal(t, 1, successes)
		})
	}
}

// ---------------------------------------------------------------------------
// Expiry sweep
// ---------------------------------------------------------------------------

func TestManager_ExpirePending(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			m, _ := newTestManager(store)
			ctx := context.Background()

			req, err := m.CreateApprovalRequest(ctx, "run-1", "t", "cp", "deployer", highRiskOp())
			require.NoError(t, err)

			// Before expiry nothing is swept.
			swept, err := m.ExpirePending(ctx, time.Now())
			require.NoError(t, err)
			assert.Empty(t, swept)

			// After the expiry window the request transitions to expired.
			swept, err = m.ExpirePending(ctx, req.ExpiresAt.Add(time.Minute))
			require.NoError(t, err)
			require.Len(t, swept, 1)
			assert.Equal(t, StatusExpired, swept[0].Status)

			status, err := m.CheckStatus(ctx, req.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusExpired, status.Status)

			// An expired request can no longer be approved.
			_, err = m.Approve(ctx, req.ID, "ops", risk.RoleDevOpsEngineer, "late")
			require.Error(t, err)
			assert.Equal(t, types.ErrInvalidState, types.GetErrorCode(err))
		})
	}
}

func TestManager_Sweeper_StartStop(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(NewMemoryStore())
	m.StartSweeper(10 * time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	m.StopSweeper()
	// Idempotent stop.
	m.StopSweeper()
}
