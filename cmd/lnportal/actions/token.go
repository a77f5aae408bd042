package actions

import (
	"fmt"
	"io/ioutil"

	"github.com/urfave/cli"

	"gitlab.com/sataccount/lnportal/api/auth"
	"gitlab.com/sataccount/lnportal/models/actors"
)

// Token returns a command that mints a signed JWT for an actor. Handy for
// local development and for wiring up the frontend before the identity
// provider is in place.
func Token() cli.Command {
	return cli.Command{
		Name:  "token",
		Usage: "Mint a signed JWT for the given actor",
		Flags: []cli.Flag{
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
				Usage:  "The password used to decrypt the RSA private key",
			},
			cli.StringFlag{
				Name:     "email",
				Usage:    "Email of the actor the token belongs to",
				Required: true,
			},
			cli.StringFlag{
				Name:  "role",
				Usage: "Role of the actor {admin, manager, member}",
				Value: string(actors.RoleMember),
			},
			cli.StringFlag{
				Name:  "department",
				Usage: "Department of the actor",
			},
		},
		Action: func(c *cli.Context) error {
			role := c.String("role")
			if !actors.ValidRole(role) {
				return fmt.Errorf("unknown role: %s", role)
			}

			keyBytes, err := ioutil.ReadFile(c.String("rsa-jwt-key"))
			if err != nil {
				return fmt.Errorf("could not read RSA JWT key: %w", err)
			}
			keyPass := c.String("rsa-jwt-key-pass")
			if err := auth.SetRawJwtPrivateKey(keyBytes, []byte(keyPass)); err != nil {
				return err
			}

			token, err := auth.CreateJwt(actors.Actor{
				Email:      c.String("email"),
				Role:       actors.Role(role),
				Department: c.String("department"),
			})
			if err != nil {
				return err
			}

			fmt.Println(token)
			return nil
		},
	}
}
