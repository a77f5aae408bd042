package testutil

import (
	"context"
	"sync"

	"gitlab.com/sataccount/lnportal/lnurl"
	"gitlab.com/sataccount/lnportal/models/recipients"
	"gitlab.com/sataccount/lnportal/wallet"
)

// MockGateway is a wallet.Gateway for tests. The zero value behaves like a
// healthy provider with a single funded BTC wallet, individual methods can
// be overridden through the function fields. Call counts are tracked so
// tests can assert how often money would have moved.
type MockGateway struct {
	mu sync.Mutex

	GetWalletsFunc        func(ctx context.Context) ([]wallet.Wallet, error)
	PayInvoiceFunc        func(ctx context.Context, walletID, invoice string) (wallet.PayResult, error)
	ListTransactionsFunc  func(ctx context.Context, limit int) ([]wallet.RemoteTransaction, error)
	GetBtcPriceFunc       func(ctx context.Context) (float64, error)
	PayInvoiceCalls       int
	ListTransactionsCalls int
}

var _ wallet.Gateway = &MockGateway{}

func (m *MockGateway) GetWallets(ctx context.Context) ([]wallet.Wallet, error) {
	if m.GetWalletsFunc != nil {
		return m.GetWalletsFunc(ctx)
	}
	return []wallet.Wallet{
		{ID: "btc-wallet", Currency: "BTC", BalanceSat: 10_000_000},
	}, nil
}

func (m *MockGateway) PayInvoice(ctx context.Context, walletID,
	invoice string) (wallet.PayResult, error) {
	m.mu.Lock()
	m.PayInvoiceCalls++
	m.mu.Unlock()
	if m.PayInvoiceFunc != nil {
		return m.PayInvoiceFunc(ctx, walletID, invoice)
	}
	return wallet.PayResult{Status: "SUCCESS"}, nil
}

func (m *MockGateway) PayLightningAddress(ctx context.Context, walletID,
	address string, amountSat int64, memo string) (wallet.PayResult, error) {
	return wallet.PayResult{Status: "SUCCESS"}, nil
}

func (m *MockGateway) ListTransactions(ctx context.Context,
	limit int) ([]wallet.RemoteTransaction, error) {
	m.mu.Lock()
	m.ListTransactionsCalls++
	m.mu.Unlock()
	if m.ListTransactionsFunc != nil {
		return m.ListTransactionsFunc(ctx, limit)
	}
	return []wallet.RemoteTransaction{}, nil
}

func (m *MockGateway) GetBtcPrice(ctx context.Context) (float64, error) {
	if m.GetBtcPriceFunc != nil {
		return m.GetBtcPriceFunc(ctx)
	}
	return 50_000, nil
}

// Payments reports how many payments the gateway executed
func (m *MockGateway) Payments() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PayInvoiceCalls
}

// MockResolver is a lnurl.Resolver that hands out a fixed invoice, or
// whatever ResolveFunc says
type MockResolver struct {
	Invoice     string
	ResolveFunc func(ctx context.Context, address string, amountSat int64, comment string) (string, error)
}

var _ lnurl.Resolver = &MockResolver{}

func (m *MockResolver) Resolve(ctx context.Context, address string,
	amountSat int64, comment string) (string, error) {
	if m.ResolveFunc != nil {
		return m.ResolveFunc(ctx, address, amountSat, comment)
	}
	return m.Invoice, nil
}

// MockDirectory is a recipients.Directory backed by a map keyed on
// type plus id
type MockDirectory struct {
	Recipients map[string]recipients.Recipient
}

var _ recipients.Directory = MockDirectory{}

func (m MockDirectory) GetByID(recipientType, id string) (recipients.Recipient, error) {
	recipient, ok := m.Recipients[recipientType+"/"+id]
	if !ok {
		return recipients.Recipient{}, recipients.ErrRecipientNotFound
	}
	return recipient, nil
}
