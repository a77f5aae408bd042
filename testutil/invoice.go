package testutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"time"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
)

var (
	// these variables are used for generating a payment request
	testPrivKeyBytes, _ = hex.DecodeString("e126f68f7eafcc8b74f54d269fe206be715000f94dac067d1c04a8ca3b2db734")
	testPrivKey, _      = btcec.PrivKeyFromBytes(btcec.S256(), testPrivKeyBytes)
	messageSigner       = zpay32.MessageSigner{
		SignCompact: func(hash []byte) ([]byte, error) {
			sig, err := btcec.SignCompact(btcec.S256(),
				testPrivKey, hash, true)
			if err != nil {
				return nil, fmt.Errorf("can't sign the "+
					"message: %v", err)
			}
			return sig, nil
		},
	}
)

// MockPaymentRequest creates a signed regtest payment request for the given
// amount using lnd's zpay32 library
func MockPaymentRequest(amountSat int64, description string) string {
	return MockPaymentRequestAt(amountSat, description, time.Now())
}

// MockPaymentRequestAt creates a signed regtest payment request with the
// given creation time, for tests that need an expired invoice
func MockPaymentRequestAt(amountSat int64, description string,
	timestamp time.Time) string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)

	amountMilli := lnwire.NewMSatFromSatoshis(btcutil.Amount(amountSat))

	paymentHash := sha256.Sum256(b)
	invoice, err := zpay32.NewInvoice(&chaincfg.RegressionNetParams,
		paymentHash,
		timestamp,
		zpay32.Amount(amountMilli),
		zpay32.Description(description),
	)
	if err != nil {
		panic(fmt.Errorf("could not create paymentrequest: %w", err))
	}

	paymentRequest, err := invoice.Encode(messageSigner)
	if err != nil {
		panic(fmt.Errorf("could not sign invoice: %w", err))
	}

	return paymentRequest
}
