// Package payments turns payment intents into executed Lightning payments
// and ledger entries. Everything here is a strictly sequential chain of
// blocking calls: resolve, validate, pay, record. We never parallelize the
// steps, step N's output is step N+1's input and nothing may be paid before
// validation completes.
package payments

import (
	"context"
	"math"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"gitlab.com/sataccount/lnportal/alerts"
	"gitlab.com/sataccount/lnportal/build"
	"gitlab.com/sataccount/lnportal/db"
	"gitlab.com/sataccount/lnportal/ln"
	"gitlab.com/sataccount/lnportal/lnurl"
	"gitlab.com/sataccount/lnportal/models/ledger"
	"gitlab.com/sataccount/lnportal/models/recipients"
	"gitlab.com/sataccount/lnportal/wallet"
)

var log = build.AddSubLogger("PAYM")

// amountTolerance is how far the resolved invoice amount may drift from the
// requested amount before we refuse to pay it. Some LNURL providers round
// amounts, a mismatch beyond this is treated as a resolution failure.
const amountTolerance = 0.01

// Exported errors
var (
	// ErrInvalidTaxWithholding means the net/tax split doesn't add up to
	// the original amount
	ErrInvalidTaxWithholding = errors.New(
		"tax withholding amounts don't add up: netAmount + taxAmount must equal originalAmount")

	// ErrAmountMismatch means the resolved invoice asks for a different
	// amount than we requested. Detected before paying, so never any money
	// moved.
	ErrAmountMismatch = errors.New(
		"resolved invoice amount does not match the requested amount")

	// ErrPaymentNotRecorded is the dangerous one: the provider confirmed
	// the payment but the local write failed. The payment cannot be
	// undone. Callers must surface this loudly, reconciliation against the
	// provider history is the recovery path.
	ErrPaymentNotRecorded = errors.New(
		"payment was executed but could not be recorded locally")
)

// TaxWithholding is an optional net/tax split attached to a payment. The
// employee receives NetAmount, the tax authority's lightning address
// receives TaxAmount.
type TaxWithholding struct {
	OriginalAmount int64  `json:"originalAmount" binding:"required,gt=0"`
	NetAmount      int64  `json:"netAmount" binding:"required,gt=0"`
	TaxAmount      int64  `json:"taxAmount" binding:"required,gt=0"`
	TaxAddress     string `json:"taxAddress" binding:"required,lightningaddress"`
}

// Validate checks the split invariant
func (t TaxWithholding) Validate() error {
	if t.NetAmount <= 0 || t.TaxAmount <= 0 {
		return ErrInvalidTaxWithholding
	}
	if t.NetAmount+t.TaxAmount != t.OriginalAmount {
		return ErrInvalidTaxWithholding
	}
	return nil
}

// Request is one logical payment to a Lightning Address
type Request struct {
	// Receiver is the human readable counterparty name recorded in the
	// ledger
	Receiver string
	// LightningAddress the payment goes to
	LightningAddress string
	// AmountSat is the full amount of the payment. With a tax withholding
	// attached this is the original amount, of which only the net part
	// goes to LightningAddress.
	AmountSat int64
	// Note to record on the ledger entry
	Note string
	// Type of the resulting ledger entry
	Type string
	// Tax is the optional withholding split
	Tax *TaxWithholding
}

// TaxLeg reports what happened to the withholding part of a split payment
type TaxLeg struct {
	Attempted bool `json:"attempted"`
	// Transaction is set when the tax leg was paid and recorded
	Transaction *ledger.Transaction `json:"transaction,omitempty"`
	// Failure carries the reason when the tax leg was not executed. A
	// failed tax leg never rolls back the primary payment, it is retried
	// out of band.
	Failure string `json:"failure,omitempty"`
}

// Outcome is the first class result of a payment execution. Primary is
// always the canonical record, TaxLeg is only set for split payments.
type Outcome struct {
	Primary ledger.Transaction `json:"primary"`
	TaxLeg  *TaxLeg            `json:"taxLeg,omitempty"`
}

// BatchEntry is one payment of a batch
type BatchEntry struct {
	LightningAddress string `json:"lightningAddress" binding:"required,lightningaddress"`
	AmountSat        int64  `json:"amountSat" binding:"required,gt=0"`
	Note             string `json:"note"`
}

// BatchResult reports one batch entry's fate. Entries are independent, a
// failed entry doesn't stop the rest, money already moved must still be
// reported.
type BatchResult struct {
	LightningAddress string   `json:"lightningAddress"`
	AmountSat        int64    `json:"amountSat"`
	Outcome          *Outcome `json:"outcome,omitempty"`
	Error            string   `json:"error,omitempty"`
}

// Executor drives payment execution against the wallet provider
type Executor struct {
	database  *db.DB
	gateway   wallet.Gateway
	resolver  lnurl.Resolver
	directory recipients.Directory
	network   chaincfg.Params
	alerter   alerts.Sender
}

// NewExecutor wires up a payment executor
func NewExecutor(database *db.DB, gateway wallet.Gateway, resolver lnurl.Resolver,
	directory recipients.Directory, network chaincfg.Params,
	alerter alerts.Sender) *Executor {
	return &Executor{
		database:  database,
		gateway:   gateway,
		resolver:  resolver,
		directory: directory,
		network:   network,
		alerter:   alerter,
	}
}

// Execute performs one logical payment: resolve the address, validate the
// invoice, pay it through the provider, append the ledger entry, and run the
// optional tax leg. On any error before the provider confirms payment,
// nothing has been recorded and the operation is safe to retry. An
// ErrPaymentNotRecorded return means the opposite: money moved, the record
// didn't.
func (e *Executor) Execute(ctx context.Context, req Request) (Outcome, error) {
	payAmount := req.AmountSat
	if req.Tax != nil {
		if err := req.Tax.Validate(); err != nil {
			return Outcome{}, err
		}
		if req.Tax.OriginalAmount != req.AmountSat {
			return Outcome{}, errors.Wrapf(ErrInvalidTaxWithholding,
				"originalAmount %d does not match payment amount %d",
				req.Tax.OriginalAmount, req.AmountSat)
		}
		payAmount = req.Tax.NetAmount
	}

	primary, err := e.payAddress(ctx, req.LightningAddress, payAmount,
		req.Receiver, req.Note, req.Type, req.Tax)
	if err != nil && !errors.Is(err, ErrPaymentNotRecorded) {
		return Outcome{}, err
	}

	outcome := Outcome{Primary: primary}
	if err != nil {
		// primary payment went through but was not recorded, don't
		// attempt the tax leg on top of an unrecorded payment
		return outcome, err
	}

	if req.Tax != nil {
		outcome.TaxLeg = e.payTaxLeg(ctx, *req.Tax, primary)
	}

	return outcome, nil
}

// payAddress resolves and pays a single lightning address, appending the
// ledger entry after the provider confirms. A non-nil tax split is recorded
// on the entry as the withholding summary.
func (e *Executor) payAddress(ctx context.Context, address string,
	amountSat int64, receiver, note, entryType string,
	tax *TaxWithholding) (ledger.Transaction, error) {

	invoice, err := e.resolver.Resolve(ctx, address, amountSat, note)
	if err != nil {
		// nothing resolved, nothing paid, caller may retry freely
		return ledger.Transaction{}, err
	}

	wallets, err := e.gateway.GetWallets(ctx)
	if err != nil {
		return ledger.Transaction{}, err
	}
	funding, err := wallet.SelectFundingWallet(wallets)
	if err != nil {
		return ledger.Transaction{}, err
	}

	// decoding is best effort: a decode failure doesn't block payment,
	// the ledger id just falls back to a locally generated one
	decoded, decodeErr := ln.Decode(invoice, e.network)
	if decodeErr != nil {
		log.WithError(decodeErr).WithField("address", address).
			Warn("Could not decode resolved invoice, ledger id will be local")
	} else {
		// amounts we *can* read must match what we asked for
		if mismatch(decoded.AmountSat, amountSat) {
			return ledger.Transaction{}, errors.Wrapf(ErrAmountMismatch,
				"requested %d sats, invoice is for %d sats", amountSat, decoded.AmountSat)
		}
		// expiry is advisory, the provider is the authority on acceptance
		if decoded.IsExpired(time.Now()) {
			log.WithField("address", address).
				Warn("Resolved invoice looks expired, attempting payment anyway")
		}
	}

	payResult, err := e.gateway.PayInvoice(ctx, funding.ID, invoice)
	if err != nil {
		// the provider reported the payment as not executed, safe to retry
		return ledger.Transaction{}, err
	}

	transaction := ledger.Transaction{
		ID:               ledger.NewID(),
		Date:             time.Now().UTC(),
		Type:             entryType,
		Receiver:         receiver,
		LightningAddress: &address,
		Invoice:          &invoice,
		AmountSat:        amountSat,
		Currency:         ledger.CurrencySats,
		Note:             note,
		Direction:        ledger.DirectionSent,
		Status:           payResult.Status,
	}
	if decodeErr == nil && decoded.PaymentHash != "" {
		transaction.ID = decoded.PaymentHash
		transaction.PaymentHash = &decoded.PaymentHash
	}
	if tax != nil {
		transaction.TaxOriginalAmount = &tax.OriginalAmount
		transaction.TaxAmount = &tax.TaxAmount
		transaction.TaxAddress = &tax.TaxAddress
	}

	inserted, err := ledger.Insert(e.database, transaction)
	if err != nil {
		// the single most dangerous failure in the system: funds moved,
		// record didn't. surface it loudly and hand work to the operator.
		log.WithError(err).WithFields(logrus.Fields{
			"receiver":  receiver,
			"amountSat": amountSat,
		}).Error("PAYMENT EXECUTED BUT NOT RECORDED")
		if alertErr := e.alerter.PaymentNotRecorded(transaction, err); alertErr != nil {
			log.WithError(alertErr).Error("Could not alert operator about unrecorded payment")
		}
		return transaction, errors.Wrap(ErrPaymentNotRecorded, err.Error())
	}

	log.WithFields(logrus.Fields{
		"id":        inserted.ID,
		"receiver":  receiver,
		"amountSat": amountSat,
		"status":    inserted.Status,
	}).Info("Executed payment")
	return inserted, nil
}

// payTaxLeg pays the withheld amount to the tax authority. Failures are
// reported, never propagated: the primary payment is already irreversible,
// so the tax leg is retried out of band instead of rolled back.
func (e *Executor) payTaxLeg(ctx context.Context, tax TaxWithholding,
	primary ledger.Transaction) *TaxLeg {
	leg := &TaxLeg{Attempted: true}

	transaction, err := e.payAddress(ctx, tax.TaxAddress, tax.TaxAmount,
		"Tax authority", "Tax withholding for "+primary.Receiver,
		ledger.TypeTaxWithholding, nil)
	if err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"taxAddress":     tax.TaxAddress,
			"taxAmount":      tax.TaxAmount,
			"primaryPayment": primary.ID,
		}).Error("Tax withholding leg failed, primary payment stands")
		leg.Failure = err.Error()
		return leg
	}

	// link the tax leg back to the payment it was withheld from
	transaction.RelatedEmployeePayment = &primary.ID
	if updated, linkErr := linkTaxLeg(e.database, transaction.ID, primary.ID); linkErr == nil {
		transaction = updated
	} else {
		log.WithError(linkErr).Warn("Could not link tax leg to employee payment")
	}

	leg.Transaction = &transaction
	return leg
}

// linkTaxLeg sets the back reference on an already inserted tax leg row.
// This is the only UPDATE the ledger ever sees, and it touches metadata
// only, never amounts.
func linkTaxLeg(d *db.DB, taxID, primaryID string) (ledger.Transaction, error) {
	query := `UPDATE ledger SET related_employee_payment = $1 WHERE id = $2
	RETURNING id, date, type, receiver, lightning_address, invoice, amount_sat,
		currency, note, direction, status, payment_hash, tax_original_amount,
		tax_amount, tax_address, related_employee_payment`

	var updated ledger.Transaction
	if err := d.Get(&updated, query, primaryID, taxID); err != nil {
		return ledger.Transaction{}, errors.Wrap(err, "could not link tax leg")
	}
	return updated, nil
}

// ExecuteDirect pays a recipient from the directory without going through a
// draft
func (e *Executor) ExecuteDirect(ctx context.Context, recipientType,
	recipientID string, amountSat int64, note string,
	tax *TaxWithholding) (Outcome, error) {
	recipient, err := e.directory.GetByID(recipientType, recipientID)
	if err != nil {
		return Outcome{}, err
	}

	return e.Execute(ctx, Request{
		Receiver:         recipient.Name,
		LightningAddress: recipient.LightningAddress,
		AmountSat:        amountSat,
		Note:             note,
		Type:             ledger.TypePayment,
		Tax:              tax,
	})
}

// PayRawInvoice pays an already resolved bolt11 invoice and records it
func (e *Executor) PayRawInvoice(ctx context.Context, paymentRequest,
	note string) (ledger.Transaction, error) {
	decoded, err := ln.Decode(paymentRequest, e.network)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if decoded.IsExpired(time.Now()) {
		log.WithField("paymentHash", decoded.PaymentHash).
			Warn("Invoice looks expired, attempting payment anyway")
	}

	wallets, err := e.gateway.GetWallets(ctx)
	if err != nil {
		return ledger.Transaction{}, err
	}
	funding, err := wallet.SelectFundingWallet(wallets)
	if err != nil {
		return ledger.Transaction{}, err
	}

	payResult, err := e.gateway.PayInvoice(ctx, funding.ID, paymentRequest)
	if err != nil {
		return ledger.Transaction{}, err
	}

	receiver := decoded.Memo
	if receiver == "" {
		receiver = ledger.UnknownReceiver
	}

	transaction := ledger.Transaction{
		ID:          decoded.PaymentHash,
		Date:        time.Now().UTC(),
		Type:        ledger.TypePayment,
		Receiver:    receiver,
		Invoice:     &paymentRequest,
		AmountSat:   decoded.AmountSat,
		Currency:    ledger.CurrencySats,
		Note:        note,
		Direction:   ledger.DirectionSent,
		Status:      payResult.Status,
		PaymentHash: &decoded.PaymentHash,
	}

	inserted, err := ledger.Insert(e.database, transaction)
	if err != nil {
		log.WithError(err).WithField("paymentHash", decoded.PaymentHash).
			Error("PAYMENT EXECUTED BUT NOT RECORDED")
		if alertErr := e.alerter.PaymentNotRecorded(transaction, err); alertErr != nil {
			log.WithError(alertErr).Error("Could not alert operator about unrecorded payment")
		}
		return transaction, errors.Wrap(ErrPaymentNotRecorded, err.Error())
	}
	return inserted, nil
}

// BatchPay executes a list of payments sequentially. Each entry gets its own
// outcome, a failure doesn't abort the remaining entries.
func (e *Executor) BatchPay(ctx context.Context, entries []BatchEntry) []BatchResult {
	results := make([]BatchResult, 0, len(entries))
	for _, entry := range entries {
		result := BatchResult{
			LightningAddress: entry.LightningAddress,
			AmountSat:        entry.AmountSat,
		}

		outcome, err := e.Execute(ctx, Request{
			Receiver:         entry.LightningAddress,
			LightningAddress: entry.LightningAddress,
			AmountSat:        entry.AmountSat,
			Note:             entry.Note,
			Type:             ledger.TypePayment,
		})
		if err != nil {
			result.Error = err.Error()
			if errors.Is(err, ErrPaymentNotRecorded) {
				// money moved, keep the outcome visible
				result.Outcome = &outcome
			}
		} else {
			result.Outcome = &outcome
		}
		results = append(results, result)
	}
	return results
}

// mismatch reports whether got is outside the accepted tolerance around want
func mismatch(got, want int64) bool {
	if got == want {
		return false
	}
	diff := math.Abs(float64(got - want))
	return diff/float64(want) > amountTolerance
}
