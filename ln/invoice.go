// Package ln decodes bolt11 payment requests into the fields the rest of
// the application consumes.
package ln

import (
	"encoding/hex"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/pkg/errors"
)

const (
	// MaxAmountSatPerInvoice is the maximum amount of satoshis an invoice can be for
	MaxAmountSatPerInvoice = MaxAmountMsatPerInvoice / 1000
	// MaxAmountMsatPerInvoice is the maximum amount of millisatoshis an invoice can be for
	MaxAmountMsatPerInvoice = 4294967295
)

// ErrInvalidInvoice means the given string could not be decoded as a bolt11
// payment request
var ErrInvalidInvoice = errors.New("not a valid bolt11 payment request")

// ErrAmountTooLarge means the invoice amount exceeds MaxAmountSatPerInvoice
var ErrAmountTooLarge = errors.New("invoice amount exceeds the per invoice maximum")

// Invoice is the set of bolt11 fields we care about. The expiry check it
// offers is advisory only, the payment provider is the authority on whether
// an invoice is still payable.
type Invoice struct {
	// PaymentRequest is the raw bolt11 string the invoice was decoded from
	PaymentRequest string
	// AmountSat is the invoice amount in satoshis. Zero-amount invoices
	// decode to 0.
	AmountSat int64
	// PaymentHash is the hex encoded payment hash
	PaymentHash string
	// PayeePubKey is the hex encoded node key of the payee
	PayeePubKey string
	// Memo is the invoice description, if any
	Memo string
	// Timestamp is the creation time embedded in the invoice
	Timestamp time.Time
	// ExpirySeconds is how long past Timestamp the invoice is valid.
	// bolt11 defaults this to 3600 when the tag is absent.
	ExpirySeconds int64
}

// Decode parses the given bolt11 payment request for the given network.
// Returns ErrInvalidInvoice when the string is not well formed.
func Decode(paymentRequest string, network chaincfg.Params) (Invoice, error) {
	decoded, err := zpay32.Decode(paymentRequest, &network)
	if err != nil {
		return Invoice{}, errors.Wrap(ErrInvalidInvoice, err.Error())
	}

	invoice := Invoice{
		PaymentRequest: paymentRequest,
		Timestamp:      decoded.Timestamp,
		ExpirySeconds:  int64(decoded.Expiry() / time.Second),
	}

	if decoded.MilliSat != nil {
		if uint64(*decoded.MilliSat) > MaxAmountMsatPerInvoice {
			return Invoice{}, errors.Wrapf(ErrAmountTooLarge,
				"invoice is for %d msat, max is %d", *decoded.MilliSat,
				MaxAmountMsatPerInvoice)
		}
		invoice.AmountSat = int64(decoded.MilliSat.ToSatoshis())
	}
	if decoded.PaymentHash != nil {
		invoice.PaymentHash = hex.EncodeToString(decoded.PaymentHash[:])
	}
	if decoded.Destination != nil {
		invoice.PayeePubKey = hex.EncodeToString(decoded.Destination.SerializeCompressed())
	}
	if decoded.Description != nil {
		invoice.Memo = *decoded.Description
	}

	return invoice, nil
}

// ExpiresAt is the point in time the invoice stops being payable
func (i Invoice) ExpiresAt() time.Time {
	return i.Timestamp.Add(time.Duration(i.ExpirySeconds) * time.Second)
}

// ExpiresIn is how much longer the invoice is valid for, relative to now.
// Negative when the invoice has expired.
func (i Invoice) ExpiresIn(now time.Time) time.Duration {
	return i.ExpiresAt().Sub(now)
}

// IsExpired reports whether the invoice has expired relative to now
func (i Invoice) IsExpired(now time.Time) bool {
	return i.ExpiresIn(now) <= 0
}
