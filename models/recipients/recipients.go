// Package recipients is the read side of the employee and supplier
// directory. The directory itself is maintained by the HR tooling outside
// this application, we only look recipients up when executing payments.
package recipients

import (
	"database/sql"

	"github.com/pkg/errors"

	"gitlab.com/sataccount/lnportal/build"
	"gitlab.com/sataccount/lnportal/db"
)

var log = build.AddSubLogger("RCPT")

// Recipient types
const (
	TypeEmployee = "employee"
	TypeSupplier = "supplier"
)

// ErrRecipientNotFound means no recipient with the given type and id exists
var ErrRecipientNotFound = errors.New("recipient not found")

// Recipient is someone we can pay
type Recipient struct {
	ID               string `db:"id"`
	Type             string `db:"type"`
	Name             string `db:"name"`
	Email            string `db:"email"`
	LightningAddress string `db:"lightning_address"`
	Department       string `db:"department"`
}

// Directory looks up payment recipients
type Directory interface {
	GetByID(recipientType, id string) (Recipient, error)
}

// SQL related constants
const (
	selectFromRecipientsTable = `SELECT id, type, name, email,
	lightning_address, department FROM recipients`
)

// DbDirectory is a Directory backed by the recipients table
type DbDirectory struct {
	db *db.DB
}

var _ Directory = DbDirectory{}

// NewDbDirectory creates a directory reading from the given DB
func NewDbDirectory(d *db.DB) DbDirectory {
	return DbDirectory{db: d}
}

// GetByID fetches the recipient with the given type and id
func (dir DbDirectory) GetByID(recipientType, id string) (Recipient, error) {
	query := selectFromRecipientsTable + ` WHERE type=$1 AND id=$2 LIMIT 1`

	var recipient Recipient
	if err := dir.db.Get(&recipient, query, recipientType, id); err != nil {
		if err == sql.ErrNoRows {
			return Recipient{}, ErrRecipientNotFound
		}
		return Recipient{}, errors.Wrapf(err, "GetByID(%s, %s)", recipientType, id)
	}
	return recipient, nil
}

// Insert persists a recipient. Only used by dev seeding and tests, the real
// directory is written by the external HR tooling.
func Insert(d *db.DB, recipient Recipient) (Recipient, error) {
	query := `INSERT INTO recipients (id, type, name, email, lightning_address, department)
	VALUES (:id, :type, :name, :email, :lightning_address, :department)
	RETURNING id, type, name, email, lightning_address, department`

	rows, err := d.NamedQuery(query, recipient)
	if err != nil {
		return Recipient{}, errors.Wrap(err, "could not insert recipient")
	}
	defer func() { _ = rows.Close() }()

	var inserted Recipient
	if rows.Next() {
		if err := rows.StructScan(&inserted); err != nil {
			return Recipient{}, errors.Wrap(err, "could not scan recipient")
		}
	}

	log.WithField("id", inserted.ID).Trace("Inserted recipient")
	return inserted, nil
}
