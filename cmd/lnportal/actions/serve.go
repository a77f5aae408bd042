package actions

import (
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"gitlab.com/sataccount/lnportal/alerts"
	"gitlab.com/sataccount/lnportal/api"
	"gitlab.com/sataccount/lnportal/api/auth"
	"gitlab.com/sataccount/lnportal/async"
	"gitlab.com/sataccount/lnportal/build"
	"gitlab.com/sataccount/lnportal/cmd/lnportal/flags"
	"gitlab.com/sataccount/lnportal/db"
	"gitlab.com/sataccount/lnportal/dummy"
	"gitlab.com/sataccount/lnportal/lnurl"
	"gitlab.com/sataccount/lnportal/models/recipients"
	"gitlab.com/sataccount/lnportal/wallet"
)

const (
	rpcAwaitAttempts = 5
	rpcAwaitDuration = time.Second
)

// awaitProvider tries to get a response from the wallet provider, returning
// an error if that isn't possible within a set of attempts
func awaitProvider(gateway wallet.Gateway) error {
	retry := func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), rpcAwaitDuration)
		defer cancel()
		_, err := gateway.GetWallets(ctx)
		if err != nil {
			log.WithError(err).Debug("Wallet provider not reachable yet")
		}
		return err == nil
	}
	return async.Await(rpcAwaitAttempts, rpcAwaitDuration, retry,
		"couldn't reach wallet provider")
}

func Serve() cli.Command {
	serve := cli.Command{
		Name:  "serve",
		Usage: "Starts the payment portal API",
		Before: func(c *cli.Context) error {
			jwtPrivateKeyPath := c.String("rsa-jwt-key")
			if jwtPrivateKeyPath == "" {
				return errors.New("no RSA JWT key given")
			}

			jwtPrivateKeyBytes, err := ioutil.ReadFile(jwtPrivateKeyPath)
			if err != nil {
				return fmt.Errorf("could not read RSA JWT key: %w", err)
			}

			jwtPrivateKeyPass := c.String("rsa-jwt-key-pass")
			if jwtPrivateKeyPass == "" {
				log.Warn("No RSA JWT key password given")
			}

			if err := auth.SetRawJwtPrivateKey(jwtPrivateKeyBytes, []byte(jwtPrivateKeyPass)); err != nil {
				return err
			}
			log.Info("Set JWT signing key")
			return nil
		},
		Action: func(c *cli.Context) error {

			network, err := flags.ReadNetwork(c)
			if err != nil {
				return err
			}

			dbConf := flags.ReadDbConf(c)
			database, err := db.Open(dbConf)
			if err != nil {
				return err
			}
			defer func() { err = database.Close() }()

			// we ping the DB here, to verify that we can connect to it.
			// otherwise errors there won't get picked up until later. the
			// DB may itself still be starting, so give it a few tries.
			if err := async.Retry(5, time.Second, database.Ping); err != nil {
				return fmt.Errorf("could not reach DB: %w", err)
			}
			if c.Bool("db.migrateup") {
				if err := database.MigrateUp(); err != nil {
					return err
				}
			}

			walletConf := flags.ReadWalletConf(c)
			gateway, err := wallet.NewClient(walletConf)
			if err != nil {
				return err
			}
			if err := awaitProvider(gateway); err != nil {
				return err
			}
			log.WithField("endpoint", walletConf.Endpoint).
				Info("Wallet provider is reachable")

			resolver := lnurl.NewClient(
				time.Duration(c.Int("lnurl.timeout")) * time.Second)

			directory := recipients.NewDbDirectory(database)

			var alerter alerts.Sender
			sendgridKey := c.String("sendgrid.api-key")
			operatorEmail := c.String("alerts.operator-email")
			if sendgridKey != "" && operatorEmail != "" {
				alerter = alerts.NewSendGridSender(sendgridKey, operatorEmail)
			} else {
				log.Warn("No SendGrid key or operator email given, alerts go to the log only")
				alerter = alerts.LogSender{}
			}

			level, err := build.ToLogLevel(c.GlobalString("logging.level"))
			if err != nil {
				return err
			}

			config := api.Config{
				LogLevel:    level,
				Network:     network,
				CorsOrigins: c.StringSlice("cors-origin"),
			}

			a, err := api.NewApp(database, gateway, resolver, directory,
				alerter, config)
			if err != nil {
				return err
			}

			if c.Bool("dummy.gen-data") {
				force := c.Bool("dummy.force")
				if !force {
					fmt.Println("Are you sure you want to fill dummy data? y/n")
					if !askForConfirmation() {
						log.Info("Not populating DB with dummy data")
						return nil
					}
				}

				if err := dummy.FillWithData(database, c.Bool("dummy.only-once")); err != nil {
					return err
				}
			}

			address := fmt.Sprintf(":%d", c.Int("port"))
			log.WithFields(logrus.Fields{
				"address": address,
				"network": network.Name,
			}).Info("Starting portal API")

			if os.Getenv(gin.EnvGinMode) == gin.ReleaseMode {
				err = a.Router.RunTLS(address,
					c.String("tls-cert-file"),
					c.String("tls-key-file"))
			} else {
				err = a.Router.Run(address)
			}

			return err
		},
	}

	baseFlags := []cli.Flag{
		cli.IntFlag{
			Name:  "port",
			Value: 5000,
			Usage: "Port number to listen on",
		},
		cli.StringSliceFlag{
			Name:  "cors-origin",
			Usage: "Origin the portal frontend is served from, can be repeated",
		},
		cli.IntFlag{
			Name:  "lnurl.timeout",
			Usage: "Timeout in seconds for lightning address resolution",
			Value: 20,
		},

		// dummy data generation
		cli.BoolFlag{
			Name:  "dummy.gen-data",
			Usage: "If the Db should be populated with dummy data",
		},
		cli.BoolFlag{
			Name:  "dummy.force",
			Usage: "Whether or not to ask for confirmation before populating with dummy data",
		},
		cli.BoolFlag{
			Name:  "dummy.only-once",
			Usage: "Only fill with dummy data if DB is empty",
		},

		// security keys
		cli.StringFlag{
			Name:      "rsa-jwt-key",
			EnvVar:    "LNPORTAL_RSA_JWT_KEY",
			Usage:     "File path to PEM encoded RSA private key used for signing JWTs",
			TakesFile: true,
			Required:  true,
		},
		cli.StringFlag{
			Name:   "rsa-jwt-key-pass",
			EnvVar: "LNPORTAL_RSA_JWT_KEY_PASS",
			Usage:  "The password used to decrypt the RSA private key used for signing JWTs",
		},
		cli.StringFlag{
			Name:      "tls-cert-file",
			EnvVar:    "LNPORTAL_TLS_CERT_FILE",
			Usage:     "Path to TLS cert file",
			TakesFile: true,
			Required:  os.Getenv(gin.EnvGinMode) == gin.ReleaseMode,
		},
		cli.StringFlag{
			Name:     "tls-key-file",
			EnvVar:   "LNPORTAL_TLS_KEY_FILE",
			Usage:    "Path to TLS key file",
			Required: os.Getenv(gin.EnvGinMode) == gin.ReleaseMode,
		},

		// alerting
		cli.StringFlag{
			Name:   "sendgrid.api-key",
			Usage:  "API key used to connect with Sendgrid",
			EnvVar: "SENDGRID_API_KEY",
		},
		cli.StringFlag{
			Name:   "alerts.operator-email",
			Usage:  "Email address that receives operational alerts",
			EnvVar: "LNPORTAL_OPERATOR_EMAIL",
		},
	}

	serve.Flags = flags.Concat(baseFlags, flags.Db, flags.Wallet)
	return serve
}
