package api_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"os"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/sataccount/lnportal/alerts"
	"gitlab.com/sataccount/lnportal/api"
	"gitlab.com/sataccount/lnportal/api/auth"
	"gitlab.com/sataccount/lnportal/build"
	"gitlab.com/sataccount/lnportal/testutil"
	"gitlab.com/sataccount/lnportal/testutil/httptestutil"
	"gitlab.com/sataccount/lnportal/wallet"
)

var (
	databaseConfig = testutil.GetDatabaseConfig("api")
	testDB         = testutil.InitDatabase(databaseConfig)
	gateway        = &testutil.MockGateway{}
	harness        httptestutil.TestHarness
)

func TestMain(m *testing.M) {
	build.SetLogLevels(logrus.ErrorLevel)
	gin.SetMode(gin.TestMode)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err.Error())
	}
	auth.SetJwtPrivateKey(key)

	app, err := api.NewApp(testDB, gateway, &testutil.MockResolver{},
		testutil.MockDirectory{}, alerts.LogSender{}, api.Config{
			LogLevel: logrus.ErrorLevel,
			Network:  chaincfg.RegressionNetParams,
		})
	if err != nil {
		panic(err.Error())
	}
	harness = httptestutil.NewTestHarness(app.Router)

	result := m.Run()

	if err := testDB.Close(); err != nil {
		panic(err.Error())
	}
	os.Exit(result)
}

func TestNewApp(t *testing.T) {
	t.Run("requires a network", func(t *testing.T) {
		_, err := api.NewApp(testDB, gateway, &testutil.MockResolver{},
			testutil.MockDirectory{}, alerts.LogSender{}, api.Config{
				LogLevel: logrus.ErrorLevel,
			})
		assert.Error(t, err)
	})
}

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		response := harness.AssertResponseOkWithJson(t, httptestutil.GetRequest(t,
			httptestutil.RequestArgs{
				Path:   "/health",
				Method: http.MethodGet,
			}))
		assert.Equal(t, "ok", response["status"])
		assert.Equal(t, true, response["database"])
		assert.Equal(t, true, response["provider"])
	})

	t.Run("provider outage degrades instead of failing", func(t *testing.T) {
		gateway.GetWalletsFunc = func(ctx context.Context) ([]wallet.Wallet, error) {
			return nil, wallet.ErrProviderUnavailable
		}
		defer func() { gateway.GetWalletsFunc = nil }()

		response := harness.AssertResponseOkWithJson(t, httptestutil.GetRequest(t,
			httptestutil.RequestArgs{
				Path:   "/health",
				Method: http.MethodGet,
			}))
		assert.Equal(t, "ok", response["status"])
		assert.Equal(t, false, response["provider"])
	})

	t.Run("health needs no auth header", func(t *testing.T) {
		request := httptestutil.GetRequest(t, httptestutil.RequestArgs{
			Path:   "/health",
			Method: http.MethodGet,
		})
		require.Empty(t, request.Header.Get(auth.Header))
		harness.AssertResponseOk(t, request)
	})
}

func TestNoRoute(t *testing.T) {
	harness.AssertResponseNotOkWithCode(t, httptestutil.GetRequest(t,
		httptestutil.RequestArgs{
			Path:   "/no/such/route",
			Method: http.MethodGet,
		}), http.StatusNotFound)
}
