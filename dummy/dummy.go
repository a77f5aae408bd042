// Package dummy fills a development database with plausible portal data:
// recipients and pending drafts across a few departments. Never wired up
// outside local development.
package dummy

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gitlab.com/sataccount/lnportal/build"
	"gitlab.com/sataccount/lnportal/db"
	"gitlab.com/sataccount/lnportal/models/drafts"
	"gitlab.com/sataccount/lnportal/models/recipients"
)

var log = build.AddSubLogger("DMMY")

func init() {
	rand.Seed(time.Now().Unix())
}

var departments = []string{"engineering", "design", "operations"}

const (
	recipientsPerDepartment = 4
	draftsPerDepartment     = 6
)

// FillWithData populates the database with dummy data
func FillWithData(d *db.DB, onlyOnce bool) error {
	log.WithField("onlyOnce", onlyOnce).Info("Populating DB with dummy data")
	gofakeit.Seed(time.Now().UnixNano())

	if existing, _ := drafts.ListAll(d); onlyOnce {
		if len(existing) != 0 {
			log.Info("DB has data, not populating with further data")
			return nil
		}
	}

	for _, department := range departments {
		if err := fillDepartment(d, department); err != nil {
			return err
		}
	}

	log.Info("Populated DB with dummy data")
	return nil
}

func fillDepartment(d *db.DB, department string) error {
	for i := 0; i < recipientsPerDepartment; i++ {
		recipientType := recipients.TypeEmployee
		if i%2 == 1 {
			recipientType = recipients.TypeSupplier
		}

		name := gofakeit.Name()
		if _, err := recipients.Insert(d, recipients.Recipient{
			ID:               uuid.New().String(),
			Type:             recipientType,
			Name:             name,
			Email:            gofakeit.Email(),
			LightningAddress: lightningAddress(name),
			Department:       department,
		}); err != nil {
			return err
		}
	}

	for i := 0; i < draftsPerDepartment; i++ {
		name := gofakeit.Name()
		draft, err := drafts.Insert(d, drafts.Draft{
			Title:                     fmt.Sprintf("Invoice from %s", gofakeit.Company()),
			RecipientEmail:            gofakeit.Email(),
			Company:                   gofakeit.Company(),
			Contact:                   name,
			RecipientLightningAddress: lightningAddress(name),
			AmountSat:                 int64(rand.Intn(500000) + 1000),
			Note:                      gofakeit.HipsterSentence(6),
			CreatedBy:                 gofakeit.Email(),
			Department:                department,
		})
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{
			"id":         draft.ID,
			"department": department,
		}).Trace("Inserted dummy draft")
	}
	return nil
}

// lightningAddress fakes a lightning address for the given name
func lightningAddress(name string) string {
	user := strings.ToLower(strings.ReplaceAll(name, " ", "."))
	return user + "@" + gofakeit.DomainName()
}
