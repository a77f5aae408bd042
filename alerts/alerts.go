// Package alerts notifies operators about conditions that must never pass
// silently. The one alert that really matters here is "money moved but we
// could not record it": the payment is irreversible, so the only recovery is
// a human reconciling against the provider's history.
package alerts

import (
	"errors"
	"fmt"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/sirupsen/logrus"

	"gitlab.com/sataccount/lnportal/build"
	"gitlab.com/sataccount/lnportal/models/ledger"
)

var log = build.AddSubLogger("ALRT")

// ErrCouldNotSendAlert means the HTTP request to deliver an alert did not
// get a success status code
var ErrCouldNotSendAlert = errors.New("could not send alert")

// Sender can deliver operator alerts
type Sender interface {
	// PaymentNotRecorded reports that a payment was confirmed by the
	// provider but the corresponding local write failed
	PaymentNotRecorded(transaction ledger.Transaction, cause error) error
	// DraftNotMarkedApproved reports that a draft's payment was confirmed
	// by the provider but the draft could not be flipped to approved
	DraftNotMarkedApproved(draftID string, payment ledger.Transaction, cause error) error
}

var _ Sender = SendGridSender{}
var _ Sender = LogSender{}

// NewSendGridSender creates a new SendGrid alert sender that mails the
// operator address
func NewSendGridSender(key, operatorEmail string) SendGridSender {
	log.WithField("operator", operatorEmail).Info("Creating new SendGrid alert sender")
	return SendGridSender{
		client:   sendgrid.NewSendClient(key),
		operator: operatorEmail,
	}
}

// SendGridSender delivers alerts by mailing the operator through SendGrid
type SendGridSender struct {
	client   *sendgrid.Client
	operator string
}

// PaymentNotRecorded mails the operator about a paid-but-unrecorded
// transaction
func (s SendGridSender) PaymentNotRecorded(transaction ledger.Transaction, cause error) error {
	from := mail.NewEmail("lnportal", "noreply@lnportal.internal")
	const subject = "URGENT: payment executed but not recorded"
	to := mail.NewEmail("Treasury operator", s.operator)

	plainText := fmt.Sprintf(
		"A payment of %d %s to %q was confirmed by the wallet provider but "+
			"could not be written to the local ledger: %s\n\n"+
			"Intended ledger id: %s\nPayment hash: %s\n\n"+
			"Reconcile against the provider transaction history and record "+
			"the transaction manually.",
		transaction.AmountSat, transaction.Currency, transaction.Receiver,
		cause, transaction.ID, stringOrEmpty(transaction.PaymentHash))
	htmlText := fmt.Sprintf("<pre>%s</pre>", plainText)

	message := mail.NewSingleEmail(from, subject, to, plainText, htmlText)
	log.WithFields(logrus.Fields{
		"recipient": s.operator,
		"ledgerId":  transaction.ID,
	}).Error("Sending payment-not-recorded alert")

	response, err := s.send(message)
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"recipient": s.operator,
		"status":    response.StatusCode,
	}).Info("Sent payment-not-recorded alert")
	return nil
}

// DraftNotMarkedApproved mails the operator about a draft whose payment went
// through but whose status flip failed
func (s SendGridSender) DraftNotMarkedApproved(draftID string,
	payment ledger.Transaction, cause error) error {
	from := mail.NewEmail("lnportal", "noreply@lnportal.internal")
	const subject = "URGENT: draft paid but not marked approved"
	to := mail.NewEmail("Treasury operator", s.operator)

	plainText := fmt.Sprintf(
		"A payment of %d %s to %q was confirmed by the wallet provider but "+
			"the draft it belongs to could not be marked approved: %s\n\n"+
			"Draft id: %s\nLedger id: %s\n\n"+
			"The draft still looks pending. Do NOT approve it again, mark it "+
			"approved manually.",
		payment.AmountSat, payment.Currency, payment.Receiver, cause,
		draftID, payment.ID)
	htmlText := fmt.Sprintf("<pre>%s</pre>", plainText)

	message := mail.NewSingleEmail(from, subject, to, plainText, htmlText)
	log.WithFields(logrus.Fields{
		"recipient": s.operator,
		"draftId":   draftID,
	}).Error("Sending draft-not-marked-approved alert")

	response, err := s.send(message)
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"recipient": s.operator,
		"status":    response.StatusCode,
	}).Info("Sent draft-not-marked-approved alert")
	return nil
}

// send sends the given email. It expects a single recipient
func (s SendGridSender) send(email *mail.SGMailV3) (*rest.Response, error) {
	recipient := "Unknown recipient"
	if len(email.Personalizations) != 0 && len(email.Personalizations[0].To) != 0 {
		recipient = email.Personalizations[0].To[0].Address
	} else {
		log.WithField("personalizations",
			email.Personalizations).Warn("Unexpected recipient format when sending alert")
	}

	response, err := s.client.Send(email)
	if err != nil {
		log.WithError(err).WithField("recipient", recipient).Error("Could not send alert")
		return nil, err
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		log.WithFields(logrus.Fields{
			"recipient": recipient,
			"status":    response.StatusCode,
			"body":      response.Body,
		}).Error("Got error status when sending alert")
		return nil, fmt.Errorf("%w: %s", ErrCouldNotSendAlert, response.Body)
	}

	return response, nil
}

// LogSender is an alert sender for environments without a mail provider
// configured. The alert still hits the error log, it just doesn't page
// anyone.
type LogSender struct{}

// PaymentNotRecorded logs the paid-but-unrecorded transaction at error level
func (LogSender) PaymentNotRecorded(transaction ledger.Transaction, cause error) error {
	log.WithError(cause).WithFields(logrus.Fields{
		"ledgerId":  transaction.ID,
		"amountSat": transaction.AmountSat,
		"receiver":  transaction.Receiver,
	}).Error("Payment executed but not recorded, reconcile against provider history")
	return nil
}

// DraftNotMarkedApproved logs the paid-but-still-pending draft at error level
func (LogSender) DraftNotMarkedApproved(draftID string,
	payment ledger.Transaction, cause error) error {
	log.WithError(cause).WithFields(logrus.Fields{
		"draftId":   draftID,
		"ledgerId":  payment.ID,
		"amountSat": payment.AmountSat,
	}).Error("Draft paid but not marked approved, do not approve it again")
	return nil
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
