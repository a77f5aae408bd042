// Package apipayments provides HTTP handlers for executing payments
// directly, outside the draft workflow. Everything here is restricted to
// actors who may move money.
package apipayments

import (
	"net/http"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"gitlab.com/sataccount/lnportal/api/apierr"
	"gitlab.com/sataccount/lnportal/api/auth"
	"gitlab.com/sataccount/lnportal/build"
	"gitlab.com/sataccount/lnportal/ln"
	"gitlab.com/sataccount/lnportal/lnurl"
	"gitlab.com/sataccount/lnportal/models/recipients"
	"gitlab.com/sataccount/lnportal/payments"
	"gitlab.com/sataccount/lnportal/wallet"
)

var log = build.AddSubLogger("APAY")

// services that gets initiated in RegisterRoutes
var (
	executor *payments.Executor
	network  chaincfg.Params
)

// RegisterRoutes applies the authMiddleware to this packages routes
// and registers routes on the gin Engine parameter
func RegisterRoutes(server *gin.Engine, exec *payments.Executor,
	chain chaincfg.Params, authmiddleware gin.HandlerFunc) {
	executor = exec
	network = chain

	payment := server.Group("")
	payment.Use(authmiddleware)

	payment.POST("/payments/direct", payDirect())
	payment.POST("/payments/batch", payBatch())
	payment.POST("/invoices/pay", payInvoice())
	payment.GET("/invoices/decode/:paymentrequest", decodeInvoice())
}

// payDirect pays a recipient from the directory, optionally with a tax
// withholding split
func payDirect() gin.HandlerFunc {
	type request struct {
		RecipientType string                   `json:"recipientType" binding:"required"`
		RecipientID   string                   `json:"recipientId" binding:"required"`
		AmountSat     int64                    `json:"amountSat"`
		Amount        int64                    `json:"amount"`
		Note          string                   `json:"note"`
		Tax           *payments.TaxWithholding `json:"tax" binding:"omitempty"`
	}

	return func(c *gin.Context) {
		_, ok := auth.RequireApprover(c)
		if !ok {
			return
		}

		var req request
		if c.BindJSON(&req) != nil {
			return
		}

		amountSat := req.AmountSat
		if amountSat == 0 {
			amountSat = req.Amount
		}
		if amountSat <= 0 {
			apierr.Public(c, http.StatusBadRequest, apierr.ErrBadRequest)
			return
		}

		outcome, err := executor.ExecuteDirect(c.Request.Context(),
			req.RecipientType, req.RecipientID, amountSat, req.Note, req.Tax)
		if err != nil {
			publicPaymentError(c, err)
			return
		}

		c.JSON(http.StatusOK, outcome)
	}
}

// payBatch executes a list of payments sequentially and reports per entry
// outcomes
func payBatch() gin.HandlerFunc {
	type request struct {
		Payments []payments.BatchEntry `json:"payments" binding:"required"`
	}

	return func(c *gin.Context) {
		_, ok := auth.RequireApprover(c)
		if !ok {
			return
		}

		var req request
		if c.BindJSON(&req) != nil {
			return
		}
		if len(req.Payments) == 0 {
			apierr.Public(c, http.StatusBadRequest, apierr.ErrBadRequest)
			return
		}

		results := executor.BatchPay(c.Request.Context(), req.Payments)
		c.JSON(http.StatusOK, results)
	}
}

// payInvoice pays an already resolved bolt11 payment request
func payInvoice() gin.HandlerFunc {
	type request struct {
		PaymentRequest string `json:"paymentRequest" binding:"required,paymentrequest"`
		Note           string `json:"note"`
	}

	return func(c *gin.Context) {
		_, ok := auth.RequireApprover(c)
		if !ok {
			return
		}

		var req request
		if c.BindJSON(&req) != nil {
			return
		}

		transaction, err := executor.PayRawInvoice(c.Request.Context(),
			req.PaymentRequest, req.Note)
		if err != nil {
			publicPaymentError(c, err)
			return
		}

		c.JSON(http.StatusOK, transaction)
	}
}

// decodeInvoice decodes a bolt11 payment request without paying it
func decodeInvoice() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := auth.GetActorOrReject(c); !ok {
			return
		}

		decoded, err := ln.Decode(c.Param("paymentrequest"), network)
		if err != nil {
			apierr.Public(c, http.StatusBadRequest, apierr.ErrInvalidInvoice)
			return
		}

		c.JSON(http.StatusOK, decoded)
	}
}

// publicPaymentError maps executor failures to their public error codes
func publicPaymentError(c *gin.Context, err error) {
	var payErr *wallet.PaymentError
	switch {
	case errors.Is(err, recipients.ErrRecipientNotFound):
		apierr.Public(c, http.StatusNotFound, apierr.ErrRecipientNotFound)
	case errors.Is(err, payments.ErrInvalidTaxWithholding):
		apierr.Public(c, http.StatusBadRequest, apierr.ErrInvalidTaxWithholding)
	case errors.Is(err, payments.ErrAmountMismatch):
		apierr.Public(c, http.StatusBadGateway, apierr.ErrAddressResolution)
	case errors.Is(err, payments.ErrPaymentNotRecorded):
		apierr.Public(c, http.StatusInternalServerError, apierr.ErrPaymentNotRecorded)
	case errors.Is(err, ln.ErrInvalidInvoice):
		apierr.Public(c, http.StatusBadRequest, apierr.ErrInvalidInvoice)
	case errors.Is(err, ln.ErrAmountTooLarge):
		apierr.Public(c, http.StatusBadRequest, apierr.ErrInvalidInvoice)
	case errors.Is(err, lnurl.ErrResolution):
		apierr.Public(c, http.StatusBadGateway, apierr.ErrAddressResolution)
	case errors.Is(err, wallet.ErrProviderUnavailable):
		apierr.Public(c, http.StatusBadGateway, apierr.ErrProviderUnavailable)
	case errors.Is(err, wallet.ErrNoBtcWallet):
		apierr.Public(c, http.StatusInternalServerError, apierr.ErrNoFundingWallet)
	case errors.As(err, &payErr):
		apierr.Public(c, http.StatusInternalServerError, apierr.ErrPaymentFailed)
	default:
		log.WithError(err).Error("Could not execute payment")
		_ = c.Error(err)
	}
}
