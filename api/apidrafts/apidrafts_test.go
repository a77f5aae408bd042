package apidrafts_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"net/http"
	"os"
	"testing"

	"github.com/brianvoe/gofakeit"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/sataccount/lnportal/alerts"
	"gitlab.com/sataccount/lnportal/api"
	"gitlab.com/sataccount/lnportal/api/auth"
	"gitlab.com/sataccount/lnportal/build"
	"gitlab.com/sataccount/lnportal/models/actors"
	"gitlab.com/sataccount/lnportal/models/drafts"
	"gitlab.com/sataccount/lnportal/testutil"
	"gitlab.com/sataccount/lnportal/testutil/httptestutil"
)

var (
	databaseConfig = testutil.GetDatabaseConfig("apidrafts")
	testDB         = testutil.InitDatabase(databaseConfig)
	gateway        = &testutil.MockGateway{}
	resolver       = &testutil.MockResolver{}
	harness        httptestutil.TestHarness
)

func TestMain(m *testing.M) {
	gofakeit.Seed(0)
	build.SetLogLevels(logrus.ErrorLevel)
	gin.SetMode(gin.TestMode)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err.Error())
	}
	auth.SetJwtPrivateKey(key)

	resolver.ResolveFunc = func(ctx context.Context, address string, amountSat int64,
		comment string) (string, error) {
		return testutil.MockPaymentRequest(amountSat, comment), nil
	}

	app, err := api.NewApp(testDB, gateway, resolver, testutil.MockDirectory{},
		alerts.LogSender{}, api.Config{
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

func memberOf(department string) actors.Actor {
	return actors.Actor{
		Email:      "member@company.example.com",
		Role:       actors.RoleMember,
		Department: department,
	}
}

func managerOf(department string) actors.Actor {
	return actors.Actor{
		Email:      "manager@company.example.com",
		Role:       actors.RoleManager,
		Department: department,
	}
}

func submitBody() string {
	return `{
		"title": "Office rent",
		"recipientLightningAddress": "landlord@wallet.example.com",
		"amountSat": 100000,
		"note": "september"
	}`
}

// submitDraft creates a draft over the API and returns its id
func submitDraft(t *testing.T, actor actors.Actor) string {
	t.Helper()
	response := harness.AssertResponseOkWithJson(t, httptestutil.GetAuthRequest(t,
		httptestutil.AuthRequestArgs{
			Actor:  actor,
			Path:   "/drafts",
			Method: http.MethodPost,
			Body:   submitBody(),
		}))
	id, ok := response["id"].(string)
	require.True(t, ok, "draft response has no id: %v", response)
	return id
}

func TestSubmitDraft(t *testing.T) {
	t.Run("creates a pending draft", func(t *testing.T) {
		response := harness.AssertResponseOkWithJson(t, httptestutil.GetAuthRequest(t,
			httptestutil.AuthRequestArgs{
				Actor:  memberOf("api-submit"),
				Path:   "/drafts",
				Method: http.MethodPost,
				Body:   submitBody(),
			}))

		assert.Equal(t, drafts.StatusPending, response["status"])
		assert.Equal(t, "api-submit", response["department"])
		assert.Equal(t, "member@company.example.com", response["createdBy"])
	})

	t.Run("rejects a bad lightning address", func(t *testing.T) {
		harness.AssertResponseNotOkWithCode(t, httptestutil.GetAuthRequest(t,
			httptestutil.AuthRequestArgs{
				Actor:  memberOf("api-submit"),
				Path:   "/drafts",
				Method: http.MethodPost,
				Body: `{
					"title": "Office rent",
					"recipientLightningAddress": "not-an-address",
					"amountSat": 100000
				}`,
			}), http.StatusBadRequest)
	})

	t.Run("rejects requests without auth", func(t *testing.T) {
		harness.AssertResponseNotOkWithCode(t, httptestutil.GetRequest(t,
			httptestutil.RequestArgs{
				Path:   "/drafts",
				Method: http.MethodPost,
				Body:   submitBody(),
			}), http.StatusBadRequest)
	})
}

func TestApproveDraft(t *testing.T) {
	t.Run("a manager approves and the payment executes", func(t *testing.T) {
		id := submitDraft(t, memberOf("api-approve"))
		before := gateway.Payments()

		response := harness.AssertResponseOkWithJson(t, httptestutil.GetAuthRequest(t,
			httptestutil.AuthRequestArgs{
				Actor:  managerOf("api-approve"),
				Path:   fmt.Sprintf("/draft/%s/approve", id),
				Method: http.MethodPost,
			}))

		assert.Equal(t, before+1, gateway.Payments())

		draft, ok := response["draft"].(map[string]interface{})
		require.True(t, ok, "decision has no draft: %v", response)
		assert.Equal(t, drafts.StatusApproved, draft["status"])
		require.NotNil(t, response["payment"])
	})

	t.Run("members may not approve", func(t *testing.T) {
		id := submitDraft(t, memberOf("api-approve-member"))
		before := gateway.Payments()

		harness.AssertResponseNotOkWithCode(t, httptestutil.GetAuthRequest(t,
			httptestutil.AuthRequestArgs{
				Actor:  memberOf("api-approve-member"),
				Path:   fmt.Sprintf("/draft/%s/approve", id),
				Method: http.MethodPost,
			}), http.StatusForbidden)

		assert.Equal(t, before, gateway.Payments())
	})

	t.Run("approving twice is a conflict", func(t *testing.T) {
		id := submitDraft(t, memberOf("api-double-approve"))
		manager := managerOf("api-double-approve")

		harness.AssertResponseOk(t, httptestutil.GetAuthRequest(t,
			httptestutil.AuthRequestArgs{
				Actor:  manager,
				Path:   fmt.Sprintf("/draft/%s/approve", id),
				Method: http.MethodPost,
			}))

		before := gateway.Payments()
		harness.AssertResponseNotOkWithCode(t, httptestutil.GetAuthRequest(t,
			httptestutil.AuthRequestArgs{
				Actor:  manager,
				Path:   fmt.Sprintf("/draft/%s/approve", id),
				Method: http.MethodPost,
			}), http.StatusConflict)
		assert.Equal(t, before, gateway.Payments())
	})

	t.Run("approval with a tax withholding", func(t *testing.T) {
		response := harness.AssertResponseOkWithJson(t, httptestutil.GetAuthRequest(t,
			httptestutil.AuthRequestArgs{
				Actor:  memberOf("api-tax-approve"),
				Path:   "/drafts",
				Method: http.MethodPost,
				Body: `{
					"title": "August salary",
					"recipientLightningAddress": "bob@wallet.example.com",
					"amountSat": 50000
				}`,
			}))
		id := response["id"].(string)

		decision := harness.AssertResponseOkWithJson(t, httptestutil.GetAuthRequest(t,
			httptestutil.AuthRequestArgs{
				Actor:  managerOf("api-tax-approve"),
				Path:   fmt.Sprintf("/draft/%s/approve", id),
				Method: http.MethodPost,
				Body: `{
					"tax": {
						"originalAmount": 50000,
						"netAmount": 42500,
						"taxAmount": 7500,
						"taxAddress": "skatteetaten@wallet.example.com"
					}
				}`,
			}))

		payment, ok := decision["payment"].(map[string]interface{})
		require.True(t, ok)
		primary, ok := payment["primary"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, float64(42500), primary["amountSat"])
		require.NotNil(t, payment["taxLeg"])
	})

	t.Run("a split that does not add up is rejected", func(t *testing.T) {
		id := submitDraft(t, memberOf("api-bad-tax"))

		harness.AssertResponseNotOkWithCode(t, httptestutil.GetAuthRequest(t,
			httptestutil.AuthRequestArgs{
				Actor:  managerOf("api-bad-tax"),
				Path:   fmt.Sprintf("/draft/%s/approve", id),
				Method: http.MethodPost,
				Body: `{
					"tax": {
						"originalAmount": 100000,
						"netAmount": 42500,
						"taxAmount": 7500,
						"taxAddress": "skatteetaten@wallet.example.com"
					}
				}`,
			}), http.StatusBadRequest)
	})

	t.Run("a resolved invoice for the wrong amount is a bad gateway", func(t *testing.T) {
		id := submitDraft(t, memberOf("api-mismatch"))

		goodResolve := resolver.ResolveFunc
		resolver.ResolveFunc = func(ctx context.Context, address string, amountSat int64,
			comment string) (string, error) {
			return testutil.MockPaymentRequest(amountSat*2, comment), nil
		}
		defer func() { resolver.ResolveFunc = goodResolve }()

		before := gateway.Payments()
		harness.AssertResponseNotOkWithCode(t, httptestutil.GetAuthRequest(t,
			httptestutil.AuthRequestArgs{
				Actor:  managerOf("api-mismatch"),
				Path:   fmt.Sprintf("/draft/%s/approve", id),
				Method: http.MethodPost,
			}), http.StatusBadGateway)
		assert.Equal(t, before, gateway.Payments())

		draft, err := drafts.GetByID(testDB, id)
		require.NoError(t, err)
		assert.Equal(t, drafts.StatusPending, draft.Status)
	})

	t.Run("unknown draft", func(t *testing.T) {
		harness.AssertResponseNotOkWithCode(t, httptestutil.GetAuthRequest(t,
			httptestutil.AuthRequestArgs{
				Actor:  managerOf("whatever"),
				Path:   fmt.Sprintf("/draft/%s/approve", drafts.NewID()),
				Method: http.MethodPost,
			}), http.StatusNotFound)
	})
}

func TestDeclineDraft(t *testing.T) {
	t.Run("declines without paying", func(t *testing.T) {
		id := submitDraft(t, memberOf("api-decline"))
		before := gateway.Payments()

		response := harness.AssertResponseOkWithJson(t, httptestutil.GetAuthRequest(t,
			httptestutil.AuthRequestArgs{
				Actor:  managerOf("api-decline"),
				Path:   fmt.Sprintf("/draft/%s/decline", id),
				Method: http.MethodPost,
			}))

		assert.Equal(t, drafts.StatusDeclined, response["status"])
		assert.Equal(t, before, gateway.Payments())
	})

	t.Run("a declined draft cannot be approved", func(t *testing.T) {
		id := submitDraft(t, memberOf("api-decline-approve"))
		manager := managerOf("api-decline-approve")

		harness.AssertResponseOk(t, httptestutil.GetAuthRequest(t,
			httptestutil.AuthRequestArgs{
				Actor:  manager,
				Path:   fmt.Sprintf("/draft/%s/decline", id),
				Method: http.MethodPost,
			}))

		harness.AssertResponseNotOkWithCode(t, httptestutil.GetAuthRequest(t,
			httptestutil.AuthRequestArgs{
				Actor:  manager,
				Path:   fmt.Sprintf("/draft/%s/approve", id),
				Method: http.MethodPost,
			}), http.StatusConflict)
	})
}

func TestGetDraft(t *testing.T) {
	t.Run("drafts are hidden across departments", func(t *testing.T) {
		id := submitDraft(t, memberOf("api-get-mine"))

		harness.AssertResponseOk(t, httptestutil.GetAuthRequest(t,
			httptestutil.AuthRequestArgs{
				Actor:  memberOf("api-get-mine"),
				Path:   "/draft/" + id,
				Method: http.MethodGet,
			}))

		harness.AssertResponseNotOkWithCode(t, httptestutil.GetAuthRequest(t,
			httptestutil.AuthRequestArgs{
				Actor:  memberOf("api-get-other"),
				Path:   "/draft/" + id,
				Method: http.MethodGet,
			}), http.StatusNotFound)
	})
}
