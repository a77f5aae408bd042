// Package lnurl resolves Lightning Addresses into payable bolt11 invoices
// using the LNURL-pay protocol. Callers hand us an address and an amount and
// get back a payment request, the intermediate LNURL exchange stays internal
// to this package.
package lnurl

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"gitlab.com/sataccount/lnportal/build"
)

var log = build.AddSubLogger("LNRL")

// ErrResolution means a Lightning Address could not be turned into an
// invoice. Resolution failures happen before any money moves, so they are
// always safe to retry.
var ErrResolution = errors.New("could not resolve lightning address")

// DefaultTimeout bounds each LNURL round trip
const DefaultTimeout = 20 * time.Second

// msatsPerSat is the conversion factor between the millisatoshi amounts
// LNURL-pay speaks and the satoshi amounts the rest of the app uses
const msatsPerSat = 1000

// Resolver resolves a Lightning Address and an amount into an invoice
type Resolver interface {
	Resolve(ctx context.Context, address string, amountSat int64, comment string) (string, error)
}

// Client is a Resolver that performs the LNURL-pay exchange over HTTP
type Client struct {
	http *http.Client
	// scheme is always https outside of tests
	scheme string
}

var _ Resolver = &Client{}

// NewClient creates an LNURL-pay client. A non-positive timeout falls back
// to DefaultTimeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		http:   &http.Client{Timeout: timeout},
		scheme: "https",
	}
}

// payParams is the response to the first LNURL-pay request. Amounts are in
// millisatoshis.
type payParams struct {
	Callback    string `json:"callback"`
	MinSendable int64  `json:"minSendable"`
	MaxSendable int64  `json:"maxSendable"`
	Tag         string `json:"tag"`

	// error fields, set when Status is "ERROR"
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// invoiceResponse is the response to the second (callback) request
type invoiceResponse struct {
	Pr     string `json:"pr"`
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// Resolve turns a Lightning Address into a bolt11 invoice for the exact
// given amount. All failures wrap ErrResolution.
func (c *Client) Resolve(ctx context.Context, address string, amountSat int64,
	comment string) (string, error) {
	endpoint, err := c.payEndpoint(address)
	if err != nil {
		return "", err
	}

	params, err := c.fetchPayParams(ctx, endpoint)
	if err != nil {
		return "", err
	}

	amountMsat := amountSat * msatsPerSat
	if amountMsat < params.MinSendable || amountMsat > params.MaxSendable {
		return "", errors.Wrapf(ErrResolution,
			"%s does not accept %d sats (min %d msat, max %d msat)",
			address, amountSat, params.MinSendable, params.MaxSendable)
	}

	return c.fetchInvoice(ctx, params.Callback, amountMsat, comment)
}

// payEndpoint maps user@domain to the well known LNURL-pay URL for that
// address
func (c *Client) payEndpoint(address string) (string, error) {
	parts := strings.Split(address, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", errors.Wrapf(ErrResolution,
			"%q is not a valid lightning address", address)
	}
	name, domain := parts[0], parts[1]
	return fmt.Sprintf("%s://%s/.well-known/lnurlp/%s", c.scheme, domain, name), nil
}

func (c *Client) fetchPayParams(ctx context.Context, endpoint string) (payParams, error) {
	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return payParams{}, errors.Wrap(ErrResolution, err.Error())
	}

	res, err := c.http.Do(req.WithContext(ctx))
	if err != nil {
		return payParams{}, errors.Wrap(ErrResolution, err.Error())
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		return payParams{}, errors.Wrapf(ErrResolution,
			"%s returned status %d", endpoint, res.StatusCode)
	}

	var params payParams
	if err := json.NewDecoder(res.Body).Decode(&params); err != nil {
		return payParams{}, errors.Wrap(ErrResolution, err.Error())
	}

	if strings.EqualFold(params.Status, "ERROR") {
		return payParams{}, errors.Wrapf(ErrResolution,
			"%s reported an error: %s", endpoint, params.Reason)
	}
	if params.Tag != "payRequest" {
		return payParams{}, errors.Wrapf(ErrResolution,
			"%s is not a payRequest endpoint, got tag %q", endpoint, params.Tag)
	}
	if params.Callback == "" {
		return payParams{}, errors.Wrapf(ErrResolution,
			"%s returned no callback URL", endpoint)
	}

	return params, nil
}

func (c *Client) fetchInvoice(ctx context.Context, callback string,
	amountMsat int64, comment string) (string, error) {
	parsed, err := url.Parse(callback)
	if err != nil {
		return "", errors.Wrap(ErrResolution, err.Error())
	}

	query := parsed.Query()
	query.Set("amount", strconv.FormatInt(amountMsat, 10))
	if comment != "" {
		query.Set("comment", comment)
	}
	parsed.RawQuery = query.Encode()

	req, err := http.NewRequest(http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", errors.Wrap(ErrResolution, err.Error())
	}

	res, err := c.http.Do(req.WithContext(ctx))
	if err != nil {
		return "", errors.Wrap(ErrResolution, err.Error())
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		return "", errors.Wrapf(ErrResolution,
			"callback returned status %d", res.StatusCode)
	}

	var invoice invoiceResponse
	if err := json.NewDecoder(res.Body).Decode(&invoice); err != nil {
		return "", errors.Wrap(ErrResolution, err.Error())
	}

	if strings.EqualFold(invoice.Status, "ERROR") {
		return "", errors.Wrapf(ErrResolution,
			"callback reported an error: %s", invoice.Reason)
	}
	if invoice.Pr == "" {
		return "", errors.Wrap(ErrResolution, "callback returned no invoice")
	}

	log.WithField("amountMsat", amountMsat).Debug("Resolved lightning address to invoice")
	return invoice.Pr, nil
}
