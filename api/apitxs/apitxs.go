// Package apitxs provides HTTP handlers for the ledger: reconciled
// transaction history, manual entries, wallet balances and the exchange
// rate.
package apitxs

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"gitlab.com/sataccount/lnportal/api/apierr"
	"gitlab.com/sataccount/lnportal/api/auth"
	"gitlab.com/sataccount/lnportal/build"
	"gitlab.com/sataccount/lnportal/db"
	"gitlab.com/sataccount/lnportal/models/ledger"
	"gitlab.com/sataccount/lnportal/wallet"
)

var log = build.AddSubLogger("ATXS")

// remoteHistoryPageSize is how many provider transactions we pull when
// reconciling. The provider paginates, one page covers far more history
// than the portal ever displays.
const remoteHistoryPageSize = 100

// services that gets initiated in RegisterRoutes
var (
	database *db.DB
	gateway  wallet.Gateway
)

// RegisterRoutes applies the authMiddleware to this packages routes
// and registers routes on the gin Engine parameter
func RegisterRoutes(server *gin.Engine, d *db.DB, g wallet.Gateway,
	authmiddleware gin.HandlerFunc) {
	database = d
	gateway = g

	transaction := server.Group("")
	transaction.Use(authmiddleware)

	transaction.GET("/transactions", getAllTransactions())
	transaction.GET("/transaction/:id", getTransactionByID())
	transaction.POST("/transactions", createLocalTransaction())
	transaction.GET("/wallets", getWallets())
	transaction.GET("/rate", getRate())
}

// transactionsResponse wraps the reconciled history. RemoteUnavailable is
// set when the provider could not be reached and the list is local data
// only.
type transactionsResponse struct {
	Transactions      []ledger.Transaction `json:"transactions"`
	RemoteUnavailable bool                 `json:"remoteUnavailable"`
}

// getAllTransactions returns the full history, reconciled against the
// wallet provider. A provider outage degrades to local data instead of
// failing the request, the response says so.
func getAllTransactions() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := auth.GetActorOrReject(c); !ok {
			return
		}

		local, err := ledger.GetAll(database)
		if err != nil {
			log.WithError(err).Error("Could not read ledger")
			_ = c.Error(err)
			return
		}

		remote, err := gateway.ListTransactions(c.Request.Context(), remoteHistoryPageSize)
		if err != nil {
			log.WithError(err).Warn("Wallet provider unavailable, returning local history only")
			c.JSON(http.StatusOK, transactionsResponse{
				Transactions:      local,
				RemoteUnavailable: true,
			})
			return
		}

		c.JSON(http.StatusOK, transactionsResponse{
			Transactions: ledger.Reconcile(remote, local),
		})
	}
}

// getTransactionByID returns one local ledger entry
func getTransactionByID() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := auth.GetActorOrReject(c); !ok {
			return
		}

		transaction, err := ledger.GetByID(database, c.Param("id"))
		if err != nil {
			if errors.Is(err, ledger.ErrTransactionNotFound) {
				apierr.Public(c, http.StatusNotFound, apierr.ErrTransactionNotFound)
				return
			}
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusOK, transaction)
	}
}

// createLocalTransaction records a manual ledger entry for money that moved
// outside the portal, a cash settlement or a correction. No payment is
// executed.
func createLocalTransaction() gin.HandlerFunc {
	type request struct {
		Receiver  string `json:"receiver" binding:"required"`
		AmountSat int64  `json:"amountSat"`
		Amount    int64  `json:"amount"`
		Direction string `json:"direction" binding:"required"`
		Note      string `json:"note"`
	}

	return func(c *gin.Context) {
		if _, ok := auth.RequireApprover(c); !ok {
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
		if amountSat <= 0 ||
			(req.Direction != ledger.DirectionSent && req.Direction != ledger.DirectionReceived) {
			apierr.Public(c, http.StatusBadRequest, apierr.ErrBadRequest)
			return
		}

		inserted, err := ledger.Insert(database, ledger.Transaction{
			Type:      ledger.TypeLocal,
			Receiver:  req.Receiver,
			AmountSat: amountSat,
			Note:      req.Note,
			Direction: req.Direction,
			Status:    "SUCCESS",
		})
		if err != nil {
			log.WithError(err).Error("Could not record local transaction")
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusCreated, inserted)
	}
}

// getWallets returns the provider's wallets and balances
func getWallets() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := auth.GetActorOrReject(c); !ok {
			return
		}

		wallets, err := gateway.GetWallets(c.Request.Context())
		if err != nil {
			apierr.Public(c, http.StatusBadGateway, apierr.ErrProviderUnavailable)
			return
		}

		c.JSON(http.StatusOK, wallets)
	}
}

// getRate returns the current BTC/USD price from the provider. The rate is
// display sugar, an unreachable provider degrades to "unavailable" instead
// of failing the request.
func getRate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := auth.GetActorOrReject(c); !ok {
			return
		}

		price, err := gateway.GetBtcPrice(c.Request.Context())
		if err != nil {
			log.WithError(err).Warn("Could not fetch BTC price")
			c.JSON(http.StatusOK, gin.H{"available": false})
			return
		}

		c.JSON(http.StatusOK, gin.H{"available": true, "btcUsd": price})
	}
}
