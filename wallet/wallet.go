// Package wallet talks to the external wallet provider's GraphQL API. The
// provider is the canonical payment execution engine and transaction history
// oracle, we hold no funds ourselves.
package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"gitlab.com/sataccount/lnportal/build"
)

var log = build.AddSubLogger("WALL")

// DefaultTimeout bounds every provider round trip
const DefaultTimeout = 30 * time.Second

// apiKeyHeader is the header the provider authenticates requests with
const apiKeyHeader = "X-API-KEY"

// ErrProviderUnavailable means we could not get an answer out of the wallet
// provider: transport failure, timeout, auth failure or a malformed
// response. Read paths should degrade gracefully on this, write paths must
// treat it as "payment not executed".
var ErrProviderUnavailable = errors.New("wallet provider is unavailable")

// ErrNoBtcWallet means the account has no BTC denominated wallet to fund
// payments from
var ErrNoBtcWallet = errors.New("account has no BTC wallet")

// PaymentError is a payment level failure reported by the provider:
// insufficient balance, no route, expired invoice. These are surfaced to the
// caller and never retried automatically, a blind retry against a payment
// API risks paying twice.
type PaymentError struct {
	Messages []string
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("provider rejected payment: %s",
		strings.Join(e.Messages, "; "))
}

// Transaction directions in our ledger vocabulary
const (
	DirectionSent     = "SENT"
	DirectionReceived = "RECEIVED"
)

// Wallet is a single provider wallet
type Wallet struct {
	ID         string
	Currency   string
	BalanceSat int64
}

// PayResult is the provider's answer to a payment submission
type PayResult struct {
	// Status as reported by the provider, e.g. SUCCESS, PENDING
	Status string
	// PaymentID is set for lightning address sends, where the provider
	// hands back its own id for the payment
	PaymentID string
}

// RemoteTransaction is one entry of the provider's transaction history
type RemoteTransaction struct {
	ID        string
	Status    string
	Direction string
	Memo      string
	AmountSat int64
	Currency  string
	CreatedAt time.Time
}

// Gateway is the part of the provider API this application consumes
type Gateway interface {
	GetWallets(ctx context.Context) ([]Wallet, error)
	PayInvoice(ctx context.Context, walletID, paymentRequest string) (PayResult, error)
	PayLightningAddress(ctx context.Context, walletID, address string,
		amountSat int64, memo string) (PayResult, error)
	ListTransactions(ctx context.Context, limit int) ([]RemoteTransaction, error)
	GetBtcPrice(ctx context.Context) (float64, error)
}

// Config holds what we need to reach the provider
type Config struct {
	// Endpoint is the GraphQL URL
	Endpoint string
	// ApiKey authenticates us with the provider
	ApiKey string
	// Timeout per request, DefaultTimeout when zero
	Timeout time.Duration
}

// Client implements Gateway against the real provider
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

var _ Gateway = &Client{}

// NewClient creates a provider client from the given config
func NewClient(conf Config) (*Client, error) {
	if conf.Endpoint == "" {
		return nil, errors.New("wallet: no provider endpoint given")
	}
	if conf.ApiKey == "" {
		return nil, errors.New("wallet: no provider API key given")
	}
	timeout := conf.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		endpoint: conf.Endpoint,
		apiKey:   conf.ApiKey,
		http:     &http.Client{Timeout: timeout},
	}, nil
}

// graphQL wire types
type gqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type gqlError struct {
	Message string `json:"message"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors"`
}

// do posts the given query and unmarshals the data field into out. GraphQL
// level errors count as the provider being unavailable, payment level errors
// live inside the mutation payloads and are handled by the callers.
func (c *Client) do(ctx context.Context, query string,
	variables map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(gqlRequest{Query: query, Variables: variables})
	if err != nil {
		return errors.Wrap(err, "could not marshal GraphQL request")
	}

	req, err := http.NewRequest(http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(ErrProviderUnavailable, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(apiKeyHeader, c.apiKey)

	res, err := c.http.Do(req.WithContext(ctx))
	if err != nil {
		return errors.Wrap(ErrProviderUnavailable, err.Error())
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		return errors.Wrapf(ErrProviderUnavailable,
			"provider returned status %d", res.StatusCode)
	}

	var parsed gqlResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return errors.Wrap(ErrProviderUnavailable, err.Error())
	}

	if len(parsed.Errors) > 0 {
		messages := make([]string, len(parsed.Errors))
		for i, gqlErr := range parsed.Errors {
			messages[i] = gqlErr.Message
		}
		return errors.Wrap(ErrProviderUnavailable, strings.Join(messages, "; "))
	}

	if err := json.Unmarshal(parsed.Data, out); err != nil {
		return errors.Wrap(ErrProviderUnavailable, err.Error())
	}
	return nil
}

const walletsQuery = `query wallets {
  me {
    defaultAccount {
      wallets {
        id
        walletCurrency
        balance
      }
    }
  }
}`

// GetWallets lists the wallets of our account, with their balances
func (c *Client) GetWallets(ctx context.Context) ([]Wallet, error) {
	var data struct {
		Me struct {
			DefaultAccount struct {
				Wallets []struct {
					ID             string `json:"id"`
					WalletCurrency string `json:"walletCurrency"`
					Balance        int64  `json:"balance"`
				} `json:"wallets"`
			} `json:"defaultAccount"`
		} `json:"me"`
	}
	if err := c.do(ctx, walletsQuery, nil, &data); err != nil {
		return nil, err
	}

	wallets := make([]Wallet, 0, len(data.Me.DefaultAccount.Wallets))
	for _, w := range data.Me.DefaultAccount.Wallets {
		wallets = append(wallets, Wallet{
			ID:         w.ID,
			Currency:   w.WalletCurrency,
			BalanceSat: w.Balance,
		})
	}
	return wallets, nil
}

// SelectFundingWallet picks the BTC denominated wallet payments are funded
// from. Returns ErrNoBtcWallet when the account has none.
func SelectFundingWallet(wallets []Wallet) (Wallet, error) {
	for _, w := range wallets {
		if strings.EqualFold(w.Currency, "BTC") {
			return w, nil
		}
	}
	return Wallet{}, ErrNoBtcWallet
}

const payInvoiceMutation = `mutation lnInvoicePaymentSend($input: LnInvoicePaymentInput!) {
  lnInvoicePaymentSend(input: $input) {
    status
    errors {
      message
    }
  }
}`

// PayInvoice submits a bolt11 invoice for payment from the given wallet.
// Every call may move real funds, at-most-once invocation per logical
// payment is the caller's responsibility.
func (c *Client) PayInvoice(ctx context.Context, walletID,
	paymentRequest string) (PayResult, error) {
	var data struct {
		LnInvoicePaymentSend struct {
			Status string     `json:"status"`
			Errors []gqlError `json:"errors"`
		} `json:"lnInvoicePaymentSend"`
	}
	variables := map[string]interface{}{
		"input": map[string]interface{}{
			"walletId":       walletID,
			"paymentRequest": paymentRequest,
		},
	}
	if err := c.do(ctx, payInvoiceMutation, variables, &data); err != nil {
		return PayResult{}, err
	}

	payload := data.LnInvoicePaymentSend
	if len(payload.Errors) > 0 {
		return PayResult{}, newPaymentError(payload.Errors)
	}

	log.WithFields(logrus.Fields{
		"walletId": walletID,
		"status":   payload.Status,
	}).Info("Submitted invoice payment")
	return PayResult{Status: payload.Status}, nil
}

const payLightningAddressMutation = `mutation lnLightningAddressPaymentSend($input: LnLightningAddressPaymentInput!) {
  lnLightningAddressPaymentSend(input: $input) {
    status
    paymentId
    errors {
      message
    }
  }
}`

// PayLightningAddress has the provider do the LNURL resolution and payment
// in one step. Used for legs where we don't need to inspect the invoice
// ourselves.
func (c *Client) PayLightningAddress(ctx context.Context, walletID,
	address string, amountSat int64, memo string) (PayResult, error) {
	var data struct {
		LnLightningAddressPaymentSend struct {
			Status    string     `json:"status"`
			PaymentID string     `json:"paymentId"`
			Errors    []gqlError `json:"errors"`
		} `json:"lnLightningAddressPaymentSend"`
	}
	variables := map[string]interface{}{
		"input": map[string]interface{}{
			"walletId":  walletID,
			"lnAddress": address,
			"amount":    amountSat,
			"memo":      memo,
		},
	}
	if err := c.do(ctx, payLightningAddressMutation, variables, &data); err != nil {
		return PayResult{}, err
	}

	payload := data.LnLightningAddressPaymentSend
	if len(payload.Errors) > 0 {
		return PayResult{}, newPaymentError(payload.Errors)
	}

	log.WithFields(logrus.Fields{
		"walletId":  walletID,
		"status":    payload.Status,
		"paymentId": payload.PaymentID,
	}).Info("Submitted lightning address payment")
	return PayResult{Status: payload.Status, PaymentID: payload.PaymentID}, nil
}

func newPaymentError(gqlErrors []gqlError) *PaymentError {
	messages := make([]string, len(gqlErrors))
	for i, gqlErr := range gqlErrors {
		messages[i] = gqlErr.Message
	}
	return &PaymentError{Messages: messages}
}

const transactionsQuery = `query transactions($first: Int!) {
  me {
    defaultAccount {
      transactions(first: $first) {
        edges {
          node {
            id
            status
            direction
            memo
            settlementAmount
            settlementCurrency
            createdAt
          }
        }
      }
    }
  }
}`

// ListTransactions fetches the most recent page of the provider's
// transaction history, newest first, at most limit entries. The provider
// does not guarantee completeness of very old history.
func (c *Client) ListTransactions(ctx context.Context, limit int) ([]RemoteTransaction, error) {
	var data struct {
		Me struct {
			DefaultAccount struct {
				Transactions struct {
					Edges []struct {
						Node struct {
							ID                 string `json:"id"`
							Status             string `json:"status"`
							Direction          string `json:"direction"`
							Memo               string `json:"memo"`
							SettlementAmount   int64  `json:"settlementAmount"`
							SettlementCurrency string `json:"settlementCurrency"`
							CreatedAt          int64  `json:"createdAt"`
						} `json:"node"`
					} `json:"edges"`
				} `json:"transactions"`
			} `json:"defaultAccount"`
		} `json:"me"`
	}
	variables := map[string]interface{}{"first": limit}
	if err := c.do(ctx, transactionsQuery, variables, &data); err != nil {
		return nil, err
	}

	edges := data.Me.DefaultAccount.Transactions.Edges
	remote := make([]RemoteTransaction, 0, len(edges))
	for _, edge := range edges {
		node := edge.Node
		remote = append(remote, RemoteTransaction{
			ID:        node.ID,
			Status:    node.Status,
			Direction: normalizeDirection(node.Direction),
			Memo:      node.Memo,
			AmountSat: node.SettlementAmount,
			Currency:  node.SettlementCurrency,
			CreatedAt: time.Unix(node.CreatedAt, 0),
		})
	}
	return remote, nil
}

// normalizeDirection maps the provider's SEND/RECEIVE vocabulary onto the
// ledger's SENT/RECEIVED
func normalizeDirection(direction string) string {
	switch strings.ToUpper(direction) {
	case "SEND", DirectionSent:
		return DirectionSent
	case "RECEIVE", DirectionReceived:
		return DirectionReceived
	default:
		return strings.ToUpper(direction)
	}
}

const btcPriceQuery = `query btcPrice {
  btcPrice {
    base
    offset
    currencyUnit
  }
}`

// GetBtcPrice fetches the current BTC/USD rate. Best effort, callers must
// treat a failure as "rate unavailable" rather than fatal.
func (c *Client) GetBtcPrice(ctx context.Context) (float64, error) {
	var data struct {
		BtcPrice struct {
			Base         float64 `json:"base"`
			Offset       int     `json:"offset"`
			CurrencyUnit string  `json:"currencyUnit"`
		} `json:"btcPrice"`
	}
	if err := c.do(ctx, btcPriceQuery, nil, &data); err != nil {
		return 0, err
	}

	price := data.BtcPrice.Base * math.Pow10(-data.BtcPrice.Offset)
	// the provider quotes in cents
	if strings.EqualFold(data.BtcPrice.CurrencyUnit, "USDCENT") {
		price = price / 100
	}
	return price, nil
}
