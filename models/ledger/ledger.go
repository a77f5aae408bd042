// Package ledger is the local append-only record of executed payments. Rows
// are inserted exactly once, after the provider has confirmed the payment,
// and are never mutated afterwards.
package ledger

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"gitlab.com/sataccount/lnportal/build"
	"gitlab.com/sataccount/lnportal/db"
)

var log = build.AddSubLogger("LDGR")

// ErrTransactionNotFound means no ledger entry exists with the given id
var ErrTransactionNotFound = errors.New("transaction not found")

// Transaction types
const (
	// TypeLightning is a transaction known to the provider's history
	TypeLightning = "lightning"
	// TypePayment is an outbound payment we executed
	TypePayment = "payment"
	// TypeTaxWithholding is the tax leg of a split payment
	TypeTaxWithholding = "tax_withholding"
	// TypeLocal is a manually recorded, off-provider transaction
	TypeLocal = "local"
)

// Currencies
const (
	CurrencySats = "SATS"
	CurrencyUsd  = "USD"
)

// Directions
const (
	DirectionSent     = "SENT"
	DirectionReceived = "RECEIVED"
)

// UnknownReceiver is what reconciliation falls back to when neither the
// local ledger nor the provider memo identifies the counterparty
const UnknownReceiver = "Unknown"

// Transaction is one immutable ledger entry
type Transaction struct {
	// ID is the provider payment hash when we know it, else a locally
	// generated identifier
	ID               string    `db:"id" json:"id"`
	Date             time.Time `db:"date" json:"date"`
	Type             string    `db:"type" json:"type"`
	Receiver         string    `db:"receiver" json:"receiver"`
	LightningAddress *string   `db:"lightning_address" json:"lightningAddress,omitempty"`
	Invoice          *string   `db:"invoice" json:"invoice,omitempty"`
	AmountSat        int64     `db:"amount_sat" json:"amountSat"`
	Currency         string    `db:"currency" json:"currency"`
	Note             string    `db:"note" json:"note"`
	Direction        string    `db:"direction" json:"direction"`
	Status           string    `db:"status" json:"status"`
	PaymentHash      *string   `db:"payment_hash" json:"paymentHash,omitempty"`

	// Tax withholding summary, set on the employee leg of a split payment
	TaxOriginalAmount *int64  `db:"tax_original_amount" json:"taxOriginalAmount,omitempty"`
	TaxAmount         *int64  `db:"tax_amount" json:"taxAmount,omitempty"`
	TaxAddress        *string `db:"tax_address" json:"taxAddress,omitempty"`

	// RelatedEmployeePayment points a tax leg back to the employee payment
	// it was withheld from
	RelatedEmployeePayment *string `db:"related_employee_payment" json:"relatedEmployeePayment,omitempty"`
}

// NewID generates a collision resistant local transaction id, used when the
// provider never handed us a payment hash
func NewID() string {
	return uuid.New().String()
}

// SQL related constants
const (
	selectFromLedgerTable = `SELECT id, date, type, receiver, lightning_address,
	invoice, amount_sat, currency, note, direction, status, payment_hash,
	tax_original_amount, tax_amount, tax_address, related_employee_payment
	FROM ledger`
)

// Insert appends the given transaction to the ledger
func Insert(d *db.DB, transaction Transaction) (Transaction, error) {
	if transaction.ID == "" {
		transaction.ID = NewID()
	}
	if transaction.Date.IsZero() {
		transaction.Date = time.Now().UTC()
	}
	if transaction.Currency == "" {
		transaction.Currency = CurrencySats
	}

	query := `INSERT INTO ledger (id, date, type, receiver, lightning_address,
		invoice, amount_sat, currency, note, direction, status, payment_hash,
		tax_original_amount, tax_amount, tax_address, related_employee_payment)
	VALUES (:id, :date, :type, :receiver, :lightning_address, :invoice,
		:amount_sat, :currency, :note, :direction, :status, :payment_hash,
		:tax_original_amount, :tax_amount, :tax_address, :related_employee_payment)
	RETURNING id, date, type, receiver, lightning_address, invoice, amount_sat,
		currency, note, direction, status, payment_hash, tax_original_amount,
		tax_amount, tax_address, related_employee_payment`

	rows, err := d.NamedQuery(query, transaction)
	if err != nil {
		log.WithError(err).Error("Could not insert ledger transaction")
		return Transaction{}, errors.Wrap(err, "could not insert ledger transaction")
	}
	defer func() { _ = rows.Close() }()

	var inserted Transaction
	if !rows.Next() {
		return Transaction{}, errors.New("no rows returned from ledger insert")
	}
	if err := rows.StructScan(&inserted); err != nil {
		return Transaction{}, errors.Wrap(err, "could not scan inserted transaction")
	}

	log.WithField("id", inserted.ID).Info("Appended transaction to ledger")
	return inserted, nil
}

// GetAll reads the whole local ledger, newest first
func GetAll(d *db.DB) ([]Transaction, error) {
	query := selectFromLedgerTable + ` ORDER BY date DESC`

	var transactions []Transaction
	if err := d.Select(&transactions, query); err != nil {
		return nil, errors.Wrap(err, "could not read ledger")
	}
	return transactions, nil
}

// GetByID fetches a single ledger entry
func GetByID(d *db.DB, id string) (Transaction, error) {
	query := selectFromLedgerTable + ` WHERE id=$1 LIMIT 1`

	var transaction Transaction
	if err := d.Get(&transaction, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Transaction{}, ErrTransactionNotFound
		}
		return Transaction{}, errors.Wrapf(err, "GetByID(%s)", id)
	}
	return transaction, nil
}
