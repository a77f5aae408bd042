package drafts_test

import (
	"os"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/sataccount/lnportal/build"
	"gitlab.com/sataccount/lnportal/models/drafts"
	"gitlab.com/sataccount/lnportal/testutil"
)

var (
	databaseConfig = testutil.GetDatabaseConfig("drafts")
	testDB         = testutil.InitDatabase(databaseConfig)
)

func TestMain(m *testing.M) {
	gofakeit.Seed(0)
	build.SetLogLevels(logrus.ErrorLevel)

	result := m.Run()

	if err := testDB.Close(); err != nil {
		panic(err.Error())
	}
	os.Exit(result)
}

func draftFixture(department string) drafts.Draft {
	return drafts.Draft{
		Title:                     gofakeit.Name(),
		RecipientEmail:            gofakeit.Email(),
		Company:                   gofakeit.Company(),
		RecipientLightningAddress: gofakeit.Username() + "@wallet.example.com",
		AmountSat:                 int64(gofakeit.Number(1000, 1_000_000)),
		Note:                      gofakeit.Sentence(4),
		CreatedBy:                 gofakeit.Email(),
		Department:                department,
	}
}

func TestInsert(t *testing.T) {
	t.Parallel()

	t.Run("inserted drafts are always pending", func(t *testing.T) {
		t.Parallel()
		fixture := draftFixture("insert-pending")
		fixture.Status = drafts.StatusApproved // must be ignored

		inserted, err := drafts.Insert(testDB, fixture)
		require.NoError(t, err)
		assert.Equal(t, drafts.StatusPending, inserted.Status)
		assert.NotEmpty(t, inserted.ID)
		assert.False(t, inserted.CreatedAt.IsZero())
		assert.Nil(t, inserted.ApprovedAt)
		assert.Nil(t, inserted.DeclinedAt)
	})

	t.Run("round trips through GetByID", func(t *testing.T) {
		t.Parallel()
		inserted, err := drafts.Insert(testDB, draftFixture("insert-roundtrip"))
		require.NoError(t, err)

		found, err := drafts.GetByID(testDB, inserted.ID)
		require.NoError(t, err)
		assert.Equal(t, inserted.Title, found.Title)
		assert.Equal(t, inserted.RecipientLightningAddress, found.RecipientLightningAddress)
		assert.Equal(t, inserted.AmountSat, found.AmountSat)
	})

	t.Run("unknown id", func(t *testing.T) {
		t.Parallel()
		_, err := drafts.GetByID(testDB, drafts.NewID())
		assert.Equal(t, drafts.ErrDraftNotFound, err)
	})
}

func TestListByDepartment(t *testing.T) {
	t.Parallel()

	const department = "list-by-department"

	older := draftFixture(department)
	older.CreatedAt = time.Now().UTC().Add(-time.Hour)
	first, err := drafts.Insert(testDB, older)
	require.NoError(t, err)

	second, err := drafts.Insert(testDB, draftFixture(department))
	require.NoError(t, err)

	_, err = drafts.Insert(testDB, draftFixture("some-other-department"))
	require.NoError(t, err)

	listed, err := drafts.ListByDepartment(testDB, department)
	require.NoError(t, err)
	require.Len(t, listed, 2, "other departments must not leak in")

	assert.Equal(t, second.ID, listed[0].ID, "newest first")
	assert.Equal(t, first.ID, listed[1].ID)
}
