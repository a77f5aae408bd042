package ledger_test

import (
	"os"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/sataccount/lnportal/build"
	"gitlab.com/sataccount/lnportal/models/ledger"
	"gitlab.com/sataccount/lnportal/testutil"
)

var (
	databaseConfig = testutil.GetDatabaseConfig("ledger")
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

func transactionFixture() ledger.Transaction {
	return ledger.Transaction{
		Type:      ledger.TypePayment,
		Receiver:  gofakeit.Name(),
		AmountSat: int64(gofakeit.Number(100, 1_000_000)),
		Note:      gofakeit.Sentence(3),
		Direction: ledger.DirectionSent,
		Status:    "SUCCESS",
	}
}

func TestInsert(t *testing.T) {
	t.Parallel()

	t.Run("fills in defaults", func(t *testing.T) {
		t.Parallel()
		inserted, err := ledger.Insert(testDB, transactionFixture())
		require.NoError(t, err)

		assert.NotEmpty(t, inserted.ID, "a missing id gets generated")
		assert.False(t, inserted.Date.IsZero())
		assert.Equal(t, ledger.CurrencySats, inserted.Currency)
	})

	t.Run("keeps an explicit id", func(t *testing.T) {
		t.Parallel()
		fixture := transactionFixture()
		fixture.ID = ledger.NewID()

		inserted, err := ledger.Insert(testDB, fixture)
		require.NoError(t, err)
		assert.Equal(t, fixture.ID, inserted.ID)
	})

	t.Run("duplicate ids are rejected", func(t *testing.T) {
		t.Parallel()
		fixture := transactionFixture()
		fixture.ID = ledger.NewID()

		_, err := ledger.Insert(testDB, fixture)
		require.NoError(t, err)

		_, err = ledger.Insert(testDB, fixture)
		assert.Error(t, err, "the ledger is append only, ids never repeat")
	})
}

func TestGetByID(t *testing.T) {
	t.Parallel()

	t.Run("round trips nullable fields", func(t *testing.T) {
		t.Parallel()
		address := "alice@wallet.example.com"
		taxAmount := int64(7500)
		fixture := transactionFixture()
		fixture.LightningAddress = &address
		fixture.TaxAmount = &taxAmount

		inserted, err := ledger.Insert(testDB, fixture)
		require.NoError(t, err)

		found, err := ledger.GetByID(testDB, inserted.ID)
		require.NoError(t, err)
		require.NotNil(t, found.LightningAddress)
		assert.Equal(t, address, *found.LightningAddress)
		require.NotNil(t, found.TaxAmount)
		assert.Equal(t, taxAmount, *found.TaxAmount)
		assert.Nil(t, found.Invoice)
	})

	t.Run("unknown id", func(t *testing.T) {
		t.Parallel()
		_, err := ledger.GetByID(testDB, ledger.NewID())
		assert.Equal(t, ledger.ErrTransactionNotFound, err)
	})
}

func TestGetAll(t *testing.T) {
	t.Parallel()

	older := transactionFixture()
	older.Date = time.Now().UTC().Add(-24 * time.Hour)
	olderInserted, err := ledger.Insert(testDB, older)
	require.NoError(t, err)

	newerInserted, err := ledger.Insert(testDB, transactionFixture())
	require.NoError(t, err)

	all, err := ledger.GetAll(testDB)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(all), 2)

	var olderIndex, newerIndex int
	for i, transaction := range all {
		switch transaction.ID {
		case olderInserted.ID:
			olderIndex = i
		case newerInserted.ID:
			newerIndex = i
		}
	}
	assert.Less(t, newerIndex, olderIndex, "newest first")
}
