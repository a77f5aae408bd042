package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/sataccount/lnportal/build"
	"gitlab.com/sataccount/lnportal/models/actors"
)

func TestMain(m *testing.M) {
	build.SetLogLevels(logrus.ErrorLevel)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err.Error())
	}
	SetJwtPrivateKey(key)

	os.Exit(m.Run())
}

func TestCreateAndParseJwt(t *testing.T) {
	t.Parallel()

	actor := actors.Actor{
		ID:         "actor-1",
		Email:      "manager@company.example.com",
		Role:       actors.RoleManager,
		Department: "engineering",
	}

	token, err := CreateJwt(actor)
	require.NoError(t, err)
	assert.Equal(t, "Bearer ", token[:7])

	_, claims, err := parseBearerJwt(token)
	require.NoError(t, err)
	assert.Equal(t, actor.Email, claims.Email)
	assert.Equal(t, string(actor.Role), claims.Role)
	assert.Equal(t, actor.Department, claims.Department)
	assert.Equal(t, actor.ID, claims.Subject)
}

func TestParseBearerJwt(t *testing.T) {
	t.Parallel()

	t.Run("rejects a token without the Bearer prefix", func(t *testing.T) {
		t.Parallel()
		token, err := CreateJwt(actors.Actor{
			Email: "member@company.example.com",
			Role:  actors.RoleMember,
		})
		require.NoError(t, err)

		_, _, err = parseBearerJwt(token[7:])
		require.Error(t, err)

		var validationError *jwt.ValidationError
		require.True(t, errors.As(err, &validationError))
		assert.Equal(t, uint32(jwt.ValidationErrorMalformed), validationError.Errors)
	})

	t.Run("rejects an expired token", func(t *testing.T) {
		t.Parallel()
		token, err := createJwt(createJwtArgs{
			actor: actors.Actor{
				Email: "member@company.example.com",
				Role:  actors.RoleMember,
			},
			privateKey: jwtPrivateKey,
			now: func() time.Time {
				// issued long enough ago that the 5 hour lifetime is over
				return time.Now().Add(-24 * time.Hour)
			},
		})
		require.NoError(t, err)

		_, _, err = parseBearerJwt(token)
		require.Error(t, err)

		var validationError *jwt.ValidationError
		require.True(t, errors.As(err, &validationError))
		assert.NotZero(t, validationError.Errors&jwt.ValidationErrorExpired)
	})

	t.Run("rejects a token signed with another key", func(t *testing.T) {
		t.Parallel()
		otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)

		token, err := createJwt(createJwtArgs{
			actor: actors.Actor{
				Email: "member@company.example.com",
				Role:  actors.RoleMember,
			},
			privateKey: otherKey,
		})
		require.NoError(t, err)

		_, _, err = parseBearerJwt(token)
		assert.Error(t, err)
	})

	t.Run("rejects a token with an unknown role", func(t *testing.T) {
		t.Parallel()
		token, err := createJwt(createJwtArgs{
			actor: actors.Actor{
				Email: "member@company.example.com",
				Role:  actors.Role("superuser"),
			},
			privateKey: jwtPrivateKey,
		})
		require.NoError(t, err)

		_, _, err = parseBearerJwt(token)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "role")
	})
}
