package api

import (
	"fmt"
	"net/http"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/go-playground/validator.v8"

	"gitlab.com/sataccount/lnportal/alerts"
	"gitlab.com/sataccount/lnportal/api/apidrafts"
	"gitlab.com/sataccount/lnportal/api/apierr"
	"gitlab.com/sataccount/lnportal/api/apipayments"
	"gitlab.com/sataccount/lnportal/api/apitxs"
	"gitlab.com/sataccount/lnportal/api/auth"
	"gitlab.com/sataccount/lnportal/api/validation"
	"gitlab.com/sataccount/lnportal/build"
	"gitlab.com/sataccount/lnportal/db"
	"gitlab.com/sataccount/lnportal/lnurl"
	"gitlab.com/sataccount/lnportal/models/drafts"
	"gitlab.com/sataccount/lnportal/models/recipients"
	"gitlab.com/sataccount/lnportal/payments"
	"gitlab.com/sataccount/lnportal/wallet"
)

var log = build.AddSubLogger("RTES")

// Config is the configuration for our API
type Config struct {
	// LogLevel specifies which level our application is going to log to
	LogLevel logrus.Level
	// The Bitcoin blockchain network we're on
	Network chaincfg.Params
	// CorsOrigins are the origins the portal frontend is served from
	CorsOrigins []string
}

// RestServer is the rest server for our app. It includes a Router, a db
// connection and the wallet provider gateway.
type RestServer struct {
	Router   *gin.Engine
	db       *db.DB
	gateway  wallet.Gateway
	workflow *drafts.Workflow
	executor *payments.Executor
}

func getCorsConfig(origins []string) cors.Config {
	if len(origins) == 0 {
		origins = []string{"http://127.0.0.1:3000"}
	}
	return cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{
			http.MethodPut, http.MethodGet,
			http.MethodPost, http.MethodPatch,
			http.MethodDelete,
		},
		AllowHeaders: []string{
			"Accept", "Access-Control-Allow-Origin", "Content-Type", "Referer",
			"Authorization"},
	}
}

// getGinEngine creates a new Gin engine, and applies middlewares used by
// our API. This includes recovering from panics, logging with Logrus and
// applying CORS configuration.
func getGinEngine(config Config) *gin.Engine {
	engine := gin.New()

	log.Debug("Applying gin.Recovery middleware")
	engine.Use(gin.Recovery())

	log.Debug("Applying Gin logging middleware")
	// health probes would drown the request log
	engine.Use(build.GinLoggingMiddleWare(log, []string{"/health"}))

	log.Debug("Applying CORS middleware")
	corsConfig := getCorsConfig(config.CorsOrigins)
	engine.Use(cors.New(corsConfig))

	log.Debug("Applying error handler middleware")
	engine.Use(apierr.GetMiddleware(log))
	return engine
}

//NewApp creates a new app
func NewApp(database *db.DB, gateway wallet.Gateway, resolver lnurl.Resolver,
	directory recipients.Directory, alerter alerts.Sender,
	config Config) (RestServer, error) {
	build.SetLogLevels(config.LogLevel)

	if config.Network.Name == "" {
		return RestServer{}, errors.New("config.Network is not set")
	}

	g := getGinEngine(config)

	engine, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return RestServer{}, fmt.Errorf(
			"gin validator engine (%s) was not validator.Validate",
			binding.Validator.Engine(),
		)
	}
	validators := validation.RegisterAllValidators(engine, &config.Network)
	log.Infof("Registered custom validators: %s", validators)

	executor := payments.NewExecutor(database, gateway, resolver, directory,
		config.Network, alerter)
	workflow := drafts.NewWorkflow(database, executor, alerter)

	r := RestServer{
		Router:   g,
		db:       database,
		gateway:  gateway,
		workflow: workflow,
		executor: executor,
	}

	// Health handler, not behind auth so the load balancer can reach it
	r.Router.GET("/health", r.health())

	r.Router.NoRoute(func(c *gin.Context) {
		apierr.Public(c, http.StatusNotFound, apierr.ErrRouteNotFound)
	})

	authMiddleware := auth.GetMiddleware()
	apidrafts.RegisterRoutes(g, workflow, authMiddleware)
	apipayments.RegisterRoutes(g, executor, config.Network, authMiddleware)
	apitxs.RegisterRoutes(g, database, gateway, authMiddleware)

	return r, nil
}

// health reports whether the portal can serve traffic. The wallet provider
// being down degrades the response instead of failing it, the portal still
// serves local data.
func (r *RestServer) health() gin.HandlerFunc {
	return func(c *gin.Context) {
		providerOk := true
		if _, err := r.gateway.GetWallets(c.Request.Context()); err != nil {
			log.WithError(err).Warn("Health check could not reach wallet provider")
			providerOk = false
		}

		if err := r.db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"database": false,
				"provider": providerOk,
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"database": true,
			"provider": providerOk,
		})
	}
}
