// Package apidrafts provides HTTP handlers for creating, listing and
// deciding payment drafts.
package apidrafts

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"gitlab.com/sataccount/lnportal/api/apierr"
	"gitlab.com/sataccount/lnportal/api/auth"
	"gitlab.com/sataccount/lnportal/build"
	"gitlab.com/sataccount/lnportal/lnurl"
	"gitlab.com/sataccount/lnportal/models/drafts"
	"gitlab.com/sataccount/lnportal/payments"
	"gitlab.com/sataccount/lnportal/wallet"
)

var log = build.AddSubLogger("ADRF")

// services that gets initiated in RegisterRoutes
var (
	workflow *drafts.Workflow
)

// RegisterRoutes applies the authMiddleware to this packages routes
// and registers routes on the gin Engine parameter
func RegisterRoutes(server *gin.Engine, flow *drafts.Workflow,
	authmiddleware gin.HandlerFunc) {
	workflow = flow

	draft := server.Group("")
	draft.Use(authmiddleware)

	draft.POST("/drafts", submitDraft())
	draft.GET("/drafts", listDrafts())
	draft.GET("/draft/:id", getDraft())
	draft.POST("/draft/:id/approve", approveDraft())
	draft.POST("/draft/:id/decline", declineDraft())
}

// submitDraft creates a new pending draft on behalf of the calling actor
func submitDraft() gin.HandlerFunc {
	type request struct {
		Title                     string `json:"title" binding:"required"`
		RecipientEmail            string `json:"recipientEmail" binding:"omitempty,email"`
		Company                   string `json:"company"`
		Contact                   string `json:"contact"`
		RecipientLightningAddress string `json:"recipientLightningAddress" binding:"required,lightningaddress"`
		AmountSat                 int64  `json:"amountSat"`
		// Amount is the legacy name for amountSat, older clients still
		// send it
		Amount int64  `json:"amount"`
		Note   string `json:"note"`
	}

	return func(c *gin.Context) {
		actor, ok := auth.GetActorOrReject(c)
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

		draft, err := workflow.Submit(actor, drafts.SubmitArgs{
			Title:                     req.Title,
			RecipientEmail:            req.RecipientEmail,
			Company:                   req.Company,
			Contact:                   req.Contact,
			RecipientLightningAddress: req.RecipientLightningAddress,
			AmountSat:                 amountSat,
			Note:                      req.Note,
		})
		if err != nil {
			if errors.Is(err, drafts.ErrBadDraft) {
				apierr.Public(c, http.StatusBadRequest, apierr.ErrBadRequest)
				return
			}
			log.WithError(err).Error("Could not submit draft")
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusCreated, draft)
	}
}

// listDrafts returns the drafts the calling actor may see
func listDrafts() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.GetActorOrReject(c)
		if !ok {
			return
		}

		all, err := workflow.List(actor)
		if err != nil {
			log.WithError(err).Error("Could not list drafts")
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusOK, all)
	}
}

// getDraft returns one draft, if the calling actor may see it
func getDraft() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.GetActorOrReject(c)
		if !ok {
			return
		}

		draft, err := workflow.Get(actor, c.Param("id"))
		if err != nil {
			if errors.Is(err, drafts.ErrDraftNotFound) {
				apierr.Public(c, http.StatusNotFound, apierr.ErrDraftNotFound)
				return
			}
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusOK, draft)
	}
}

// approveDraft executes a pending draft's payment and marks it approved.
// The body may carry a tax withholding split to apply to the payment.
func approveDraft() gin.HandlerFunc {
	type request struct {
		Tax *payments.TaxWithholding `json:"tax" binding:"omitempty"`
	}

	return func(c *gin.Context) {
		actor, ok := auth.RequireApprover(c)
		if !ok {
			return
		}

		// the body is optional, an empty body means no withholding
		var req request
		if c.Request.ContentLength > 0 {
			if c.BindJSON(&req) != nil {
				return
			}
		}

		decision, err := workflow.Approve(c.Request.Context(), actor,
			c.Param("id"), req.Tax)
		if err != nil {
			publicWorkflowError(c, err)
			return
		}

		c.JSON(http.StatusOK, decision)
	}
}

// declineDraft marks a pending draft declined
func declineDraft() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.RequireApprover(c)
		if !ok {
			return
		}

		declined, err := workflow.Decline(actor, c.Param("id"))
		if err != nil {
			if errors.Is(err, drafts.ErrDraftNotFound) {
				apierr.Public(c, http.StatusNotFound, apierr.ErrDraftNotFound)
				return
			}
			if errors.Is(err, drafts.ErrDraftNotPending) {
				apierr.Public(c, http.StatusConflict, apierr.ErrDraftNotPending)
				return
			}
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusOK, declined)
	}
}

// publicWorkflowError maps approval failures to their public error codes
func publicWorkflowError(c *gin.Context, err error) {
	var payErr *wallet.PaymentError
	switch {
	case errors.Is(err, drafts.ErrDraftNotFound):
		apierr.Public(c, http.StatusNotFound, apierr.ErrDraftNotFound)
	case errors.Is(err, drafts.ErrDraftNotPending):
		apierr.Public(c, http.StatusConflict, apierr.ErrDraftNotPending)
	case errors.Is(err, payments.ErrInvalidTaxWithholding):
		apierr.Public(c, http.StatusBadRequest, apierr.ErrInvalidTaxWithholding)
	case errors.Is(err, payments.ErrAmountMismatch):
		apierr.Public(c, http.StatusBadGateway, apierr.ErrAddressResolution)
	case errors.Is(err, payments.ErrPaymentNotRecorded):
		apierr.Public(c, http.StatusInternalServerError, apierr.ErrPaymentNotRecorded)
	case errors.Is(err, lnurl.ErrResolution):
		apierr.Public(c, http.StatusBadGateway, apierr.ErrAddressResolution)
	case errors.Is(err, wallet.ErrProviderUnavailable):
		apierr.Public(c, http.StatusBadGateway, apierr.ErrProviderUnavailable)
	case errors.Is(err, wallet.ErrNoBtcWallet):
		apierr.Public(c, http.StatusInternalServerError, apierr.ErrNoFundingWallet)
	case errors.As(err, &payErr):
		apierr.Public(c, http.StatusInternalServerError, apierr.ErrPaymentFailed)
	default:
		log.WithError(err).Error("Could not approve draft")
		_ = c.Error(err)
	}
}
