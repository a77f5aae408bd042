// Package drafts holds payment drafts and their approval workflow. A draft
// is created by anyone in a department, and only moves money once a manager
// or admin approves it. Status transitions are one way: pending is the only
// state that can change, approved and declined are terminal.
package drafts

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"gitlab.com/sataccount/lnportal/build"
	"gitlab.com/sataccount/lnportal/db"
)

var log = build.AddSubLogger("DRFT")

// Draft statuses
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDeclined = "declined"
)

// Exported errors
var (
	// ErrDraftNotFound means no draft exists with the given id
	ErrDraftNotFound = errors.New("draft not found")

	// ErrDraftNotPending means the draft already reached a terminal
	// status, approving or declining it again is rejected
	ErrDraftNotPending = errors.New("draft is not pending")

	// ErrBadDraft means the submitted draft is missing required fields
	ErrBadDraft = errors.New("draft is missing required fields")
)

// Draft is one proposed payment awaiting a decision
type Draft struct {
	ID                        string     `db:"id" json:"id"`
	Title                     string     `db:"title" json:"title"`
	RecipientEmail            string     `db:"recipient_email" json:"recipientEmail"`
	Company                   string     `db:"company" json:"company"`
	Contact                   string     `db:"contact" json:"contact"`
	RecipientLightningAddress string     `db:"recipient_lightning_address" json:"recipientLightningAddress"`
	AmountSat                 int64      `db:"amount_sat" json:"amountSat"`
	Note                      string     `db:"note" json:"note"`
	CreatedBy                 string     `db:"created_by" json:"createdBy"`
	Department                string     `db:"department" json:"department"`
	Status                    string     `db:"status" json:"status"`
	CreatedAt                 time.Time  `db:"created_at" json:"createdAt"`
	ApprovedAt                *time.Time `db:"approved_at" json:"approvedAt,omitempty"`
	ApprovedBy                *string    `db:"approved_by" json:"approvedBy,omitempty"`
	DeclinedAt                *time.Time `db:"declined_at" json:"declinedAt,omitempty"`
	DeclinedBy                *string    `db:"declined_by" json:"declinedBy,omitempty"`
}

const draftColumns = `id, title, recipient_email, company, contact,
	recipient_lightning_address, amount_sat, note, created_by, department,
	status, created_at, approved_at, approved_by, declined_at, declined_by`

// NewID generates a fresh draft id
func NewID() string {
	return uuid.New().String()
}

// Insert saves a new draft, always in pending status
func Insert(d db.Inserter, draft Draft) (Draft, error) {
	if draft.ID == "" {
		draft.ID = NewID()
	}
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = time.Now().UTC()
	}
	draft.Status = StatusPending

	query := `INSERT INTO drafts (id, title, recipient_email, company, contact,
		recipient_lightning_address, amount_sat, note, created_by, department,
		status, created_at)
	VALUES (:id, :title, :recipient_email, :company, :contact,
		:recipient_lightning_address, :amount_sat, :note, :created_by,
		:department, :status, :created_at)
	RETURNING ` + draftColumns

	rows, err := d.NamedQuery(query, draft)
	if err != nil {
		return Draft{}, errors.Wrap(err, "could not insert draft")
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			log.WithError(closeErr).Error("Could not close rows")
		}
	}()

	var inserted Draft
	if !rows.Next() {
		return Draft{}, errors.New("no rows returned from draft insert")
	}
	if err := rows.StructScan(&inserted); err != nil {
		return Draft{}, errors.Wrap(err, "could not scan inserted draft")
	}
	return inserted, nil
}

// GetByID fetches one draft
func GetByID(d db.Getter, id string) (Draft, error) {
	query := `SELECT ` + draftColumns + ` FROM drafts WHERE id = $1`

	var draft Draft
	if err := d.Get(&draft, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Draft{}, ErrDraftNotFound
		}
		return Draft{}, errors.Wrap(err, "could not get draft")
	}
	return draft, nil
}

// ListAll returns every draft, newest first
func ListAll(d *db.DB) ([]Draft, error) {
	query := `SELECT ` + draftColumns + ` FROM drafts ORDER BY created_at DESC`

	drafts := []Draft{}
	if err := d.Select(&drafts, query); err != nil {
		return nil, errors.Wrap(err, "could not list drafts")
	}
	return drafts, nil
}

// ListByDepartment returns one department's drafts, newest first
func ListByDepartment(d *db.DB, department string) ([]Draft, error) {
	query := `SELECT ` + draftColumns + ` FROM drafts WHERE department = $1
	ORDER BY created_at DESC`

	drafts := []Draft{}
	if err := d.Select(&drafts, query, department); err != nil {
		return nil, errors.Wrap(err, "could not list drafts")
	}
	return drafts, nil
}

// markApproved flips a pending draft to approved. The WHERE clause is the
// compare and set: a draft that already left pending matches zero rows, and
// the caller gets ErrDraftNotPending instead of a silent double approval.
func markApproved(d *db.DB, id, approvedBy string) (Draft, error) {
	query := `UPDATE drafts
	SET status = $1, approved_at = $2, approved_by = $3
	WHERE id = $4 AND status = $5
	RETURNING ` + draftColumns

	var draft Draft
	err := d.Get(&draft, query, StatusApproved, time.Now().UTC(), approvedBy,
		id, StatusPending)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Draft{}, notPendingOrMissing(d, id)
		}
		return Draft{}, errors.Wrap(err, "could not mark draft approved")
	}
	return draft, nil
}

// markDeclined flips a pending draft to declined, same compare and set as
// markApproved
func markDeclined(d *db.DB, id, declinedBy string) (Draft, error) {
	query := `UPDATE drafts
	SET status = $1, declined_at = $2, declined_by = $3
	WHERE id = $4 AND status = $5
	RETURNING ` + draftColumns

	var draft Draft
	err := d.Get(&draft, query, StatusDeclined, time.Now().UTC(), declinedBy,
		id, StatusPending)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Draft{}, notPendingOrMissing(d, id)
		}
		return Draft{}, errors.Wrap(err, "could not mark draft declined")
	}
	return draft, nil
}

// notPendingOrMissing distinguishes "no such draft" from "draft already
// decided" after a zero row compare and set
func notPendingOrMissing(d *db.DB, id string) error {
	if _, err := GetByID(d, id); err != nil {
		return err
	}
	return ErrDraftNotPending
}
