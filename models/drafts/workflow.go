package drafts

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"gitlab.com/sataccount/lnportal/alerts"
	"gitlab.com/sataccount/lnportal/db"
	"gitlab.com/sataccount/lnportal/models/actors"
	"gitlab.com/sataccount/lnportal/models/ledger"
	"gitlab.com/sataccount/lnportal/payments"
)

// Workflow is the draft lifecycle: submit, list, approve, decline. Approval
// is the only path from a draft to an executed payment.
type Workflow struct {
	database *db.DB
	executor *payments.Executor
	alerter  alerts.Sender

	// mu guards the locks map
	mu sync.Mutex
	// locks serializes decisions per draft id. Two concurrent approvals of
	// the same draft must not both reach the payment step, the database
	// compare and set alone would stop the double write but not the double
	// payment.
	locks map[string]*sync.Mutex
}

// NewWorkflow wires up a draft workflow
func NewWorkflow(database *db.DB, executor *payments.Executor,
	alerter alerts.Sender) *Workflow {
	return &Workflow{
		database: database,
		executor: executor,
		alerter:  alerter,
		locks:    make(map[string]*sync.Mutex),
	}
}

// lockDraft returns the mutex for one draft id, creating it on first use.
// Locks are never removed, the set of drafts a single process decides on is
// small.
func (w *Workflow) lockDraft(id string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	lock, ok := w.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		w.locks[id] = lock
	}
	return lock
}

// SubmitArgs is what a user provides when proposing a payment
type SubmitArgs struct {
	Title                     string
	RecipientEmail            string
	Company                   string
	Contact                   string
	RecipientLightningAddress string
	AmountSat                 int64
	Note                      string
}

// Submit validates and stores a new pending draft on behalf of an actor
func (w *Workflow) Submit(actor actors.Actor, args SubmitArgs) (Draft, error) {
	if strings.TrimSpace(args.Title) == "" {
		return Draft{}, errors.Wrap(ErrBadDraft, "title is required")
	}
	if strings.TrimSpace(args.RecipientLightningAddress) == "" {
		return Draft{}, errors.Wrap(ErrBadDraft, "recipientLightningAddress is required")
	}
	if args.AmountSat <= 0 {
		return Draft{}, errors.Wrap(ErrBadDraft, "amountSat must be positive")
	}
	if actor.Department == "" {
		return Draft{}, errors.Wrap(ErrBadDraft, "submitting actor has no department")
	}

	draft, err := Insert(w.database, Draft{
		Title:                     args.Title,
		RecipientEmail:            args.RecipientEmail,
		Company:                   args.Company,
		Contact:                   args.Contact,
		RecipientLightningAddress: args.RecipientLightningAddress,
		AmountSat:                 args.AmountSat,
		Note:                      args.Note,
		CreatedBy:                 actor.Email,
		Department:                actor.Department,
	})
	if err != nil {
		return Draft{}, err
	}

	log.WithFields(logrus.Fields{
		"id":         draft.ID,
		"department": draft.Department,
		"amountSat":  draft.AmountSat,
	}).Info("Submitted draft")
	return draft, nil
}

// List returns the drafts an actor may see: admins see everything, everyone
// else sees their own department
func (w *Workflow) List(actor actors.Actor) ([]Draft, error) {
	if actor.IsAdmin() {
		return ListAll(w.database)
	}
	return ListByDepartment(w.database, actor.Department)
}

// Get returns one draft if the actor may see it. Drafts outside the actor's
// department are reported as not found rather than forbidden, their
// existence is not the actor's business.
func (w *Workflow) Get(actor actors.Actor, id string) (Draft, error) {
	draft, err := GetByID(w.database, id)
	if err != nil {
		return Draft{}, err
	}
	if !actor.IsAdmin() && draft.Department != actor.Department {
		return Draft{}, ErrDraftNotFound
	}
	return draft, nil
}

// Decision is what Approve returns: the updated draft plus the payment that
// approval triggered
type Decision struct {
	Draft   Draft             `json:"draft"`
	Payment *payments.Outcome `json:"payment,omitempty"`
}

// Approve executes a pending draft's payment and marks it approved. The
// payment runs first: a draft is only marked approved once the provider has
// confirmed the money moved, so a crash between the two steps leaves an
// approved looking payment in the provider history and a pending draft
// locally, which reconciliation surfaces. The one exception is a confirmed
// payment whose ledger write failed: the draft is still marked approved,
// because re approving it would pay twice.
func (w *Workflow) Approve(ctx context.Context, actor actors.Actor, id string,
	tax *payments.TaxWithholding) (Decision, error) {
	lock := w.lockDraft(id)
	lock.Lock()
	defer lock.Unlock()

	draft, err := GetByID(w.database, id)
	if err != nil {
		return Decision{}, err
	}
	if draft.Status != StatusPending {
		return Decision{}, ErrDraftNotPending
	}

	outcome, payErr := w.executor.Execute(ctx, payments.Request{
		Receiver:         draft.Title,
		LightningAddress: draft.RecipientLightningAddress,
		AmountSat:        draft.AmountSat,
		Note:             draft.Note,
		Type:             ledger.TypeLightning,
		Tax:              tax,
	})
	if payErr != nil && !errors.Is(payErr, payments.ErrPaymentNotRecorded) {
		// nothing was paid, the draft stays pending and can be retried
		return Decision{}, payErr
	}

	approved, err := markApproved(w.database, id, actor.Email)
	if err != nil {
		// money moved but the status flip failed. report the payment so
		// the caller knows not to approve again, and page the operator,
		// whoever looks at the draft next only sees "pending".
		log.WithError(err).WithField("id", id).
			Error("Payment executed but draft could not be marked approved")
		if alertErr := w.alerter.DraftNotMarkedApproved(id, outcome.Primary, err); alertErr != nil {
			log.WithError(alertErr).Error("Could not alert about unmarked approval")
		}
		return Decision{Draft: draft, Payment: &outcome}, err
	}

	log.WithFields(logrus.Fields{
		"id":         id,
		"approvedBy": actor.Email,
		"amountSat":  draft.AmountSat,
	}).Info("Approved draft")
	return Decision{Draft: approved, Payment: &outcome}, payErr
}

// Decline marks a pending draft declined. No payment is attempted.
func (w *Workflow) Decline(actor actors.Actor, id string) (Draft, error) {
	lock := w.lockDraft(id)
	lock.Lock()
	defer lock.Unlock()

	declined, err := markDeclined(w.database, id, actor.Email)
	if err != nil {
		return Draft{}, err
	}

	log.WithFields(logrus.Fields{
		"id":         id,
		"declinedBy": actor.Email,
	}).Info("Declined draft")
	return declined, nil
}
