package ledger

import (
	"sort"

	"gitlab.com/sataccount/lnportal/wallet"
)

// Reconcile merges the provider's transaction history with the local ledger
// into one de-duplicated, newest-first view. The remote ledger is the
// authority on amounts, currency, date and status; the local ledger is the
// authority on human readable metadata. Entries that only exist locally
// (off-provider transactions) are kept with their own type.
//
// The merge is idempotent: running it again over the same inputs yields the
// same multiset of transaction ids.
func Reconcile(remote []wallet.RemoteTransaction, local []Transaction) []Transaction {
	localByID := make(map[string]Transaction, len(local))
	for _, transaction := range local {
		localByID[transaction.ID] = transaction
	}

	merged := make([]Transaction, 0, len(remote)+len(local))
	seen := make(map[string]struct{}, len(remote))

	for _, remoteTx := range remote {
		seen[remoteTx.ID] = struct{}{}

		transaction := Transaction{
			ID:        remoteTx.ID,
			Date:      remoteTx.CreatedAt,
			Type:      TypeLightning,
			Receiver:  receiverFor(remoteTx, localByID),
			AmountSat: remoteTx.AmountSat,
			Currency:  remoteTx.Currency,
			Direction: remoteTx.Direction,
			Status:    remoteTx.Status,
		}

		// local metadata wins where we have it
		if localTx, ok := localByID[remoteTx.ID]; ok {
			transaction.LightningAddress = localTx.LightningAddress
			transaction.Invoice = localTx.Invoice
			transaction.Note = localTx.Note
			transaction.PaymentHash = localTx.PaymentHash
			transaction.TaxOriginalAmount = localTx.TaxOriginalAmount
			transaction.TaxAmount = localTx.TaxAmount
			transaction.TaxAddress = localTx.TaxAddress
			transaction.RelatedEmployeePayment = localTx.RelatedEmployeePayment
			if localTx.Type != "" {
				transaction.Type = localTx.Type
			}
		} else if transaction.Receiver == "" {
			transaction.Receiver = UnknownReceiver
		}

		merged = append(merged, transaction)
	}

	// local-only entries: off-provider transactions, plus anything paid
	// through the provider but already fallen off the fetched history page
	for _, localTx := range local {
		if _, ok := seen[localTx.ID]; ok {
			continue
		}
		merged = append(merged, localTx)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Date.After(merged[j].Date)
	})
	return merged
}

func receiverFor(remoteTx wallet.RemoteTransaction, localByID map[string]Transaction) string {
	if localTx, ok := localByID[remoteTx.ID]; ok && localTx.Receiver != "" {
		return localTx.Receiver
	}
	if remoteTx.Memo != "" {
		return remoteTx.Memo
	}
	return UnknownReceiver
}
