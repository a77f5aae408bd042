package drafts_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/sataccount/lnportal/alerts"
	"gitlab.com/sataccount/lnportal/lnurl"
	"gitlab.com/sataccount/lnportal/models/actors"
	"gitlab.com/sataccount/lnportal/models/drafts"
	"gitlab.com/sataccount/lnportal/models/ledger"
	"gitlab.com/sataccount/lnportal/payments"
	"gitlab.com/sataccount/lnportal/testutil"
	"gitlab.com/sataccount/lnportal/wallet"
)

func testWorkflow(gateway *testutil.MockGateway,
	resolver *testutil.MockResolver) *drafts.Workflow {
	return testWorkflowWithAlerter(gateway, resolver, alerts.LogSender{})
}

func testWorkflowWithAlerter(gateway *testutil.MockGateway,
	resolver *testutil.MockResolver, alerter alerts.Sender) *drafts.Workflow {
	if resolver == nil {
		resolver = &testutil.MockResolver{
			ResolveFunc: func(ctx context.Context, address string, amountSat int64,
				comment string) (string, error) {
				return testutil.MockPaymentRequest(amountSat, comment), nil
			},
		}
	}
	executor := payments.NewExecutor(testDB, gateway, resolver,
		testutil.MockDirectory{}, chaincfg.RegressionNetParams, alerter)
	return drafts.NewWorkflow(testDB, executor, alerter)
}

// recordingSender remembers the draft alerts it was asked to deliver
type recordingSender struct {
	mu          sync.Mutex
	draftAlerts []string
}

func (r *recordingSender) PaymentNotRecorded(transaction ledger.Transaction,
	cause error) error {
	return nil
}

func (r *recordingSender) DraftNotMarkedApproved(draftID string,
	payment ledger.Transaction, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draftAlerts = append(r.draftAlerts, draftID)
	return nil
}

func memberOf(department string) actors.Actor {
	return actors.Actor{
		Email:      "member@company.example.com",
		Role:       actors.RoleMember,
		Department: department,
	}
}

func managerOf(department string) actors.Actor {
	return actors.Actor{
		Email:      "manager@company.example.com",
		Role:       actors.RoleManager,
		Department: department,
	}
}

func submitArgs() drafts.SubmitArgs {
	return drafts.SubmitArgs{
		Title:                     "Office rent",
		RecipientLightningAddress: "landlord@wallet.example.com",
		AmountSat:                 100_000,
		Note:                      "september",
	}
}

func TestSubmit(t *testing.T) {
	t.Parallel()

	workflow := testWorkflow(&testutil.MockGateway{}, nil)

	t.Run("stores a pending draft for the actor's department", func(t *testing.T) {
		t.Parallel()
		draft, err := workflow.Submit(memberOf("submit-dept"), submitArgs())
		require.NoError(t, err)
		assert.Equal(t, drafts.StatusPending, draft.Status)
		assert.Equal(t, "submit-dept", draft.Department)
		assert.Equal(t, "member@company.example.com", draft.CreatedBy)
	})

	t.Run("validation", func(t *testing.T) {
		t.Parallel()
		actor := memberOf("submit-validation")

		missingTitle := submitArgs()
		missingTitle.Title = "  "
		_, err := workflow.Submit(actor, missingTitle)
		assert.True(t, errors.Is(err, drafts.ErrBadDraft))

		missingAddress := submitArgs()
		missingAddress.RecipientLightningAddress = ""
		_, err = workflow.Submit(actor, missingAddress)
		assert.True(t, errors.Is(err, drafts.ErrBadDraft))

		badAmount := submitArgs()
		badAmount.AmountSat = 0
		_, err = workflow.Submit(actor, badAmount)
		assert.True(t, errors.Is(err, drafts.ErrBadDraft))

		noDepartment := memberOf("")
		_, err = workflow.Submit(noDepartment, submitArgs())
		assert.True(t, errors.Is(err, drafts.ErrBadDraft))
	})
}

func TestGet(t *testing.T) {
	t.Parallel()

	workflow := testWorkflow(&testutil.MockGateway{}, nil)
	draft, err := workflow.Submit(memberOf("get-dept"), submitArgs())
	require.NoError(t, err)

	t.Run("same department sees the draft", func(t *testing.T) {
		t.Parallel()
		found, err := workflow.Get(memberOf("get-dept"), draft.ID)
		require.NoError(t, err)
		assert.Equal(t, draft.ID, found.ID)
	})

	t.Run("admins see every department", func(t *testing.T) {
		t.Parallel()
		admin := actors.Actor{Email: "admin@company.example.com", Role: actors.RoleAdmin}
		_, err := workflow.Get(admin, draft.ID)
		assert.NoError(t, err)
	})

	t.Run("other departments get not found, not forbidden", func(t *testing.T) {
		t.Parallel()
		_, err := workflow.Get(memberOf("some-other-dept"), draft.ID)
		assert.Equal(t, drafts.ErrDraftNotFound, err)
	})
}

func TestApprove(t *testing.T) {
	t.Parallel()

	t.Run("pays the draft and marks it approved", func(t *testing.T) {
		t.Parallel()
		gateway := &testutil.MockGateway{}
		workflow := testWorkflow(gateway, nil)

		draft, err := workflow.Submit(memberOf("approve-dept"), submitArgs())
		require.NoError(t, err)

		manager := managerOf("approve-dept")
		decision, err := workflow.Approve(context.Background(), manager, draft.ID, nil)
		require.NoError(t, err)

		assert.Equal(t, 1, gateway.Payments())
		assert.Equal(t, drafts.StatusApproved, decision.Draft.Status)
		require.NotNil(t, decision.Draft.ApprovedBy)
		assert.Equal(t, manager.Email, *decision.Draft.ApprovedBy)
		require.NotNil(t, decision.Draft.ApprovedAt)

		// exactly one ledger entry, for the draft's amount
		require.NotNil(t, decision.Payment)
		recorded, err := ledger.GetByID(testDB, decision.Payment.Primary.ID)
		require.NoError(t, err)
		assert.Equal(t, draft.AmountSat, recorded.AmountSat)
		assert.Equal(t, draft.Title, recorded.Receiver)
	})

	t.Run("second approval is rejected without paying", func(t *testing.T) {
		t.Parallel()
		gateway := &testutil.MockGateway{}
		workflow := testWorkflow(gateway, nil)

		draft, err := workflow.Submit(memberOf("double-approve"), submitArgs())
		require.NoError(t, err)

		manager := managerOf("double-approve")
		_, err = workflow.Approve(context.Background(), manager, draft.ID, nil)
		require.NoError(t, err)

		_, err = workflow.Approve(context.Background(), manager, draft.ID, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, drafts.ErrDraftNotPending))
		assert.Equal(t, 1, gateway.Payments(), "the second approval must not pay again")
	})

	t.Run("concurrent approvals pay exactly once", func(t *testing.T) {
		t.Parallel()
		gateway := &testutil.MockGateway{}
		workflow := testWorkflow(gateway, nil)

		draft, err := workflow.Submit(memberOf("concurrent-approve"), submitArgs())
		require.NoError(t, err)

		manager := managerOf("concurrent-approve")
		const attempts = 8
		errs := make(chan error, attempts)

		var wg sync.WaitGroup
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, approveErr := workflow.Approve(context.Background(),
					manager, draft.ID, nil)
				errs <- approveErr
			}()
		}
		wg.Wait()
		close(errs)

		var succeeded, rejected int
		for approveErr := range errs {
			switch {
			case approveErr == nil:
				succeeded++
			case errors.Is(approveErr, drafts.ErrDraftNotPending):
				rejected++
			default:
				t.Errorf("unexpected approval error: %v", approveErr)
			}
		}
		assert.Equal(t, 1, succeeded)
		assert.Equal(t, attempts-1, rejected)
		assert.Equal(t, 1, gateway.Payments())
	})

	t.Run("failed resolution leaves the draft pending", func(t *testing.T) {
		t.Parallel()
		gateway := &testutil.MockGateway{}
		resolver := &testutil.MockResolver{
			ResolveFunc: func(ctx context.Context, address string, amountSat int64,
				comment string) (string, error) {
				return "", lnurl.ErrResolution
			},
		}
		workflow := testWorkflow(gateway, resolver)

		draft, err := workflow.Submit(memberOf("failed-pay"), submitArgs())
		require.NoError(t, err)

		_, err = workflow.Approve(context.Background(), managerOf("failed-pay"), draft.ID, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, lnurl.ErrResolution))
		assert.Equal(t, 0, gateway.Payments())

		// still pending, the approval can be retried
		found, err := drafts.GetByID(testDB, draft.ID)
		require.NoError(t, err)
		assert.Equal(t, drafts.StatusPending, found.Status)
	})

	t.Run("a paid draft that cannot be marked approved alerts the operator", func(t *testing.T) {
		t.Parallel()
		gateway := &testutil.MockGateway{}
		sender := &recordingSender{}
		workflow := testWorkflowWithAlerter(gateway, nil, sender)

		draft, err := workflow.Submit(memberOf("unmarked-approve"), submitArgs())
		require.NoError(t, err)

		// the draft row changes underneath the approval while the provider
		// is paying, as a crashed sibling process would leave it
		gateway.PayInvoiceFunc = func(ctx context.Context, walletID,
			invoice string) (wallet.PayResult, error) {
			_, execErr := testDB.Exec(
				`UPDATE drafts SET status = $1 WHERE id = $2`,
				drafts.StatusDeclined, draft.ID)
			require.NoError(t, execErr)
			return wallet.PayResult{Status: "SUCCESS"}, nil
		}

		decision, err := workflow.Approve(context.Background(),
			managerOf("unmarked-approve"), draft.ID, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, drafts.ErrDraftNotPending))

		// the money moved and the caller is told about the payment
		assert.Equal(t, 1, gateway.Payments())
		require.NotNil(t, decision.Payment)
		assert.NotEmpty(t, decision.Payment.Primary.ID)

		require.Len(t, sender.draftAlerts, 1)
		assert.Equal(t, draft.ID, sender.draftAlerts[0])
	})

	t.Run("approval with a tax withholding pays both legs", func(t *testing.T) {
		t.Parallel()
		gateway := &testutil.MockGateway{}
		workflow := testWorkflow(gateway, nil)

		args := submitArgs()
		args.AmountSat = 50000
		draft, err := workflow.Submit(memberOf("tax-approve"), args)
		require.NoError(t, err)

		decision, err := workflow.Approve(context.Background(),
			managerOf("tax-approve"), draft.ID, &payments.TaxWithholding{
				OriginalAmount: 50000,
				NetAmount:      42500,
				TaxAmount:      7500,
				TaxAddress:     "skatteetaten@wallet.example.com",
			})
		require.NoError(t, err)

		assert.Equal(t, 2, gateway.Payments())
		assert.Equal(t, drafts.StatusApproved, decision.Draft.Status)
		require.NotNil(t, decision.Payment)
		assert.Equal(t, int64(42500), decision.Payment.Primary.AmountSat)
		require.NotNil(t, decision.Payment.TaxLeg)
		require.NotNil(t, decision.Payment.TaxLeg.Transaction)
		assert.Equal(t, int64(7500), decision.Payment.TaxLeg.Transaction.AmountSat)
	})

	t.Run("approving a missing draft", func(t *testing.T) {
		t.Parallel()
		workflow := testWorkflow(&testutil.MockGateway{}, nil)
		_, err := workflow.Approve(context.Background(),
			managerOf("whatever"), drafts.NewID(), nil)
		assert.Equal(t, drafts.ErrDraftNotFound, err)
	})
}

func TestDecline(t *testing.T) {
	t.Parallel()

	gateway := &testutil.MockGateway{}
	workflow := testWorkflow(gateway, nil)

	t.Run("declines a pending draft without paying", func(t *testing.T) {
		t.Parallel()
		draft, err := workflow.Submit(memberOf("decline-dept"), submitArgs())
		require.NoError(t, err)

		manager := managerOf("decline-dept")
		declined, err := workflow.Decline(manager, draft.ID)
		require.NoError(t, err)

		assert.Equal(t, drafts.StatusDeclined, declined.Status)
		require.NotNil(t, declined.DeclinedBy)
		assert.Equal(t, manager.Email, *declined.DeclinedBy)
		assert.Equal(t, 0, gateway.Payments())
	})

	t.Run("a declined draft cannot be approved", func(t *testing.T) {
		t.Parallel()
		draft, err := workflow.Submit(memberOf("decline-then-approve"), submitArgs())
		require.NoError(t, err)

		_, err = workflow.Decline(managerOf("decline-then-approve"), draft.ID)
		require.NoError(t, err)

		_, err = workflow.Approve(context.Background(),
			managerOf("decline-then-approve"), draft.ID, nil)
		assert.True(t, errors.Is(err, drafts.ErrDraftNotPending))
		assert.Equal(t, 0, gateway.Payments())
	})

	t.Run("declining twice", func(t *testing.T) {
		t.Parallel()
		draft, err := workflow.Submit(memberOf("double-decline"), submitArgs())
		require.NoError(t, err)

		_, err = workflow.Decline(managerOf("double-decline"), draft.ID)
		require.NoError(t, err)

		_, err = workflow.Decline(managerOf("double-decline"), draft.ID)
		assert.True(t, errors.Is(err, drafts.ErrDraftNotPending))
	})
}

func TestList(t *testing.T) {
	t.Parallel()

	workflow := testWorkflow(&testutil.MockGateway{}, nil)

	mine, err := workflow.Submit(memberOf("list-mine"), submitArgs())
	require.NoError(t, err)
	other, err := workflow.Submit(memberOf("list-other"), submitArgs())
	require.NoError(t, err)

	t.Run("members see only their department", func(t *testing.T) {
		t.Parallel()
		listed, err := workflow.List(memberOf("list-mine"))
		require.NoError(t, err)
		require.Len(t, listed, 1)
		assert.Equal(t, mine.ID, listed[0].ID)
	})

	t.Run("admins see everything", func(t *testing.T) {
		t.Parallel()
		admin := actors.Actor{Email: "admin@company.example.com", Role: actors.RoleAdmin}
		listed, err := workflow.List(admin)
		require.NoError(t, err)

		ids := make(map[string]bool, len(listed))
		for _, draft := range listed {
			ids[draft.ID] = true
		}
		assert.True(t, ids[mine.ID])
		assert.True(t, ids[other.ID])
	})
}
