// Package auth verifies the JWTs our identity provider issues and maps them
// to actors. Tokens are RSA signed, we only ever need the public key to
// serve requests, the private key is used by the management CLI and tests
// to mint tokens.
package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/gin-gonic/gin"

	"gitlab.com/sataccount/lnportal/api/apierr"
	"gitlab.com/sataccount/lnportal/build"
	"gitlab.com/sataccount/lnportal/models/actors"
)

const (
	// Header is the name of the header we check for authentication details
	Header = "Authorization"
	// actorVariable is the Gin variable we store the authenticated actor as
	actorVariable = "actor"
)

var log = build.AddSubLogger("AUTH")

var (
	ErrPrivateKeyIsNotInArgs = errors.New("private key not present in args")
	ErrInvalidKeyType        = errors.New("key is not a RSA key")
	ErrJwtKeyHasNotBeenSet   = errors.New("JWT public key is nil! You need to call SetJwtPrivateKey before using this package")
)

// keys used to sign and verify JWTs
var (
	jwtPrivateKey *rsa.PrivateKey
	jwtPublicKey  *rsa.PublicKey
)

// SetRawJwtPrivateKey takes in a PEM encoded RSA private key, and set the JWT signing
// key used in this package to it. Password may be empty.
func SetRawJwtPrivateKey(key, password []byte) (err error) {

	privPem, _ := pem.Decode(key)
	if privPem == nil {
		return errors.New("could not decode PEM key")
	}
	if privPem.Type != "RSA PRIVATE KEY" {
		return ErrInvalidKeyType
	}

	var privPemBytes []byte
	if len(password) == 0 {
		privPemBytes = privPem.Bytes
	} else {
		privPemBytes, err = x509.DecryptPEMBlock(privPem, password)
		if err != nil {
			return fmt.Errorf("unable to decode PEM block: %w", err)
		}
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(privPemBytes)
	if err != nil {
		return err
	}

	SetJwtPrivateKey(privateKey)
	return nil
}

// SetJwtPrivateKey takes in a RSA private key, and set the JWT signing
// key used in this package to it.
func SetJwtPrivateKey(key *rsa.PrivateKey) {
	jwtPrivateKey, jwtPublicKey = key, &key.PublicKey
}

// jwtClaims is the common form for our JWTs
type jwtClaims struct {
	Email      string `json:"email"`
	Role       string `json:"role"`
	Department string `json:"department"`
	jwt.StandardClaims
}

// GetMiddleware generates a middleware that authenticates that the caller
// supplies a Bearer JWT in their authorization header. It also inserts the
// actor associated with the token as a request variable that can be
// retrieved later, after the request has passed through the middleware.
func GetMiddleware() func(c *gin.Context) {
	return func(c *gin.Context) {
		header := c.GetHeader(Header)
		if header == "" {
			apierr.Public(c, http.StatusBadRequest, apierr.ErrMissingAuthHeader)
			return
		}

		actor, err := authenticateJWT(c)
		if err != nil {
			return
		}

		c.Set(actorVariable, actor)
	}
}

// authenticateJWT tries to extract and verify a JWT from the authorization
// header. If that doesn't succeed, it rejects the request. It returns the
// actor the token belongs to. If an error is returned, the request is
// responded to, and no further action is needed.
func authenticateJWT(c *gin.Context) (actors.Actor, error) {
	tokenString := c.GetHeader(Header)

	_, claims, err := parseBearerJwt(tokenString)
	if err != nil {
		var validationError *jwt.ValidationError
		if errors.As(err, &validationError) {
			switch validationError.Errors {
			case jwt.ValidationErrorMalformed:
				apierr.Public(c, http.StatusBadRequest, apierr.ErrMalformedJwt)
				return actors.Actor{}, err
			case jwt.ValidationErrorSignatureInvalid:
				apierr.Public(c, http.StatusUnauthorized, apierr.ErrInvalidJwtSignature)
				return actors.Actor{}, err
			case jwt.ValidationErrorExpired:
				apierr.Public(c, http.StatusUnauthorized, apierr.ErrExpiredJwt)
				return actors.Actor{}, err
			case jwt.ValidationErrorIssuedAt:
				apierr.Public(c, http.StatusUnauthorized, apierr.ErrJwtNotValidYet)
				return actors.Actor{}, err
			}
		}

		log.WithError(err).Info("Got unexpected error when parsing JWT")
		_ = c.Error(err)
		c.Abort()
		return actors.Actor{}, err
	}

	log.WithField("email", claims.Email).Trace("JWT is valid")
	return actors.Actor{
		ID:         claims.Subject,
		Email:      claims.Email,
		Role:       actors.Role(claims.Role),
		Department: claims.Department,
	}, nil
}

func parseBearerJwtWithKey(tokenString string, publicKey *rsa.PublicKey) (*jwt.Token, *jwtClaims, error) {
	claims := jwt.MapClaims{}

	// Remove 'Bearer ' from tokenString. It is fine to do it this way because
	// a malicious actor will just create an invalid JWT if anything other
	// then Bearer is passed as the first 7 characters
	if len(tokenString) < 7 || tokenString[:7] != "Bearer " {
		return nil, nil, jwt.NewValidationError("malformed JWT", jwt.ValidationErrorMalformed)
	}

	tokenString = tokenString[7:]

	// Here we decode the token, verify it is signed with our secret key, and
	// extract the claims
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(token *jwt.Token) (interface{}, error) {
			return publicKey, nil
		})
	if err != nil {
		log.WithError(err).Errorf("Parsing JWT failed")
		return nil, nil, err
	}

	if !token.Valid {
		log.Error("Invalid JWT")
		return nil, nil, err
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, nil, err
	}

	// Extract fields from claims, and check they are of the correct type
	email, ok := mapClaims["email"].(string)
	if !ok {
		return nil, nil, fmt.Errorf("invalid token, could not extract email from claim")
	}

	role, ok := mapClaims["role"].(string)
	if !ok || !actors.ValidRole(role) {
		return nil, nil, fmt.Errorf("invalid token, could not extract valid role from claim")
	}

	// department may legitimately be empty for admins
	department, _ := mapClaims["department"].(string)
	subject, _ := mapClaims["sub"].(string)

	jwtClaims := &jwtClaims{
		Email:      email,
		Role:       role,
		Department: department,
		StandardClaims: jwt.StandardClaims{
			Subject: subject,
		},
	}

	return token, jwtClaims, nil
}

// parseBearerJwt parses a string representation of a JWT and validates
// it is signed by us. It returns the token and the extracted claims.
// If anything goes wrong, an error with a descriptive reason is returned.
func parseBearerJwt(tokenString string) (*jwt.Token, *jwtClaims, error) {
	if jwtPublicKey == nil {
		log.Panic(ErrJwtKeyHasNotBeenSet)
	}
	return parseBearerJwtWithKey(tokenString, jwtPublicKey)
}

type createJwtArgs struct {
	actor      actors.Actor
	privateKey *rsa.PrivateKey
	now        func() time.Time
}

func createJwt(args createJwtArgs) (string, error) {
	if args.now == nil {
		args.now = time.Now
	}

	if args.privateKey == nil {
		return "", ErrPrivateKeyIsNotInArgs
	}

	expiresAt := args.now().Add(5 * time.Hour).Unix()

	token := jwt.NewWithClaims(jwt.SigningMethodRS512,
		&jwtClaims{
			Email:      args.actor.Email,
			Role:       string(args.actor.Role),
			Department: args.actor.Department,
			StandardClaims: jwt.StandardClaims{
				Subject:   args.actor.ID,
				ExpiresAt: expiresAt,
				IssuedAt:  args.now().Unix(),
			},
		},
	)

	tokenString, err := token.SignedString(args.privateKey)
	if err != nil {
		log.WithError(err).Error("Signing JWT failed")
		return "", err
	}

	return "Bearer " + tokenString, nil
}

// CreateJwt creates a new JWT for the given actor, with a specific
// expiration time, signed with our secret key. It returns the string
// representation of the token.
func CreateJwt(actor actors.Actor) (string, error) {
	if jwtPrivateKey == nil {
		log.Panic(ErrJwtKeyHasNotBeenSet)
	}

	return createJwt(createJwtArgs{
		actor:      actor,
		privateKey: jwtPrivateKey,
		now:        time.Now,
	})
}

// GetActorOrReject retrieves the actor associated with this request. The
// actor is set by the authentication middleware, so this can safely be
// called by all endpoints behind that middleware.
func GetActorOrReject(c *gin.Context) (actors.Actor, bool) {
	value, exists := c.Get(actorVariable)
	if !exists {
		const msg = "actor is not set in request! This is a serious error, and means our authentication middleware did not set the correct variable"
		_ = c.AbortWithError(http.StatusInternalServerError, errors.New(msg))
		return actors.Actor{}, false
	}
	actor, ok := value.(actors.Actor)
	if !ok {
		const msg = "actor was not an actors.Actor! This means our authentication middleware did something bad"
		_ = c.AbortWithError(http.StatusInternalServerError, errors.New(msg))
		return actors.Actor{}, false
	}
	return actor, true
}

// RequireApprover extracts the actor from the request and confirms their
// role allows executing payments. If it doesn't, we reject the request, and
// no further action is needed by the caller.
func RequireApprover(c *gin.Context) (actors.Actor, bool) {
	actor, ok := GetActorOrReject(c)
	if !ok {
		return actors.Actor{}, false
	}
	if !actor.CanExecutePayments() {
		apierr.Public(c, http.StatusForbidden, apierr.ErrForbidden)
		return actors.Actor{}, false
	}
	return actor, true
}

// RequireAdmin extracts the actor from the request and confirms they are an
// admin
func RequireAdmin(c *gin.Context) (actors.Actor, bool) {
	actor, ok := GetActorOrReject(c)
	if !ok {
		return actors.Actor{}, false
	}
	if !actor.IsAdmin() {
		apierr.Public(c, http.StatusForbidden, apierr.ErrForbidden)
		return actors.Actor{}, false
	}
	return actor, true
}
