// Package validation provides validation functionality for struct tag
// fields such as "binding", used in Gin/Validator.
package validation

import (
	"reflect"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/pkg/errors"
	"gopkg.in/go-playground/validator.v8"

	"gitlab.com/sataccount/lnportal/build"
)

var log = build.AddSubLogger("VLDT")

const (
	paymentrequest   = "paymentrequest"
	lightningaddress = "lightningaddress"
)

// isValidPaymentRequest checks if a payment request is valid per the configured network
func isValidPaymentRequest(chainCfg *chaincfg.Params) validator.Func {
	return func(v *validator.Validate, topStruct reflect.Value, currentStructOrField reflect.Value,
		field reflect.Value, fieldType reflect.Type, fieldKind reflect.Kind, param string) bool {

		stringVal := field.String()

		// if tag is payreq, check that the value is decodable
		if _, err := zpay32.Decode(stringVal, chainCfg); err != nil {
			return false
		}

		return true
	}
}

// isValidLightningAddress checks that a value looks like name@domain. We
// don't resolve the address here, a well formed address at an unreachable
// domain fails at payment time instead.
func isValidLightningAddress(
	_ *validator.Validate, _ reflect.Value, _ reflect.Value,
	field reflect.Value, _ reflect.Type, _ reflect.Kind, _ string) bool {
	stringVal := field.String()

	parts := strings.Split(stringVal, "@")
	if len(parts) != 2 {
		return false
	}
	name, domain := parts[0], parts[1]
	if name == "" || domain == "" {
		return false
	}
	return strings.Contains(domain, ".")
}

// registerValidator registers a validator in our validation engine with the
// given name.
func registerValidator(engine *validator.Validate, name string, function validator.Func) error {
	err := engine.RegisterValidation(name, function)
	if err != nil {
		return errors.Wrapf(err, "could not register %q validation", name)
	}
	return nil
}

// RegisterAllValidators registers all known validators to the Validator engine,
// quitting if this results in an error. This function should typically be
// called at startup.
func RegisterAllValidators(engine *validator.Validate, chainCfg *chaincfg.Params) []string {
	type Validator struct {
		Name     string
		Function validator.Func
	}
	validators := []Validator{
		{
			Name:     paymentrequest,
			Function: isValidPaymentRequest(chainCfg),
		},
		{
			Name:     lightningaddress,
			Function: isValidLightningAddress,
		},
	}
	names := make([]string, len(validators))
	for i, elem := range validators {
		names[i] = elem.Name
		if err := registerValidator(engine, elem.Name, elem.Function); err != nil {
			log.Fatalf("Fatal error during validation registration: %s", err)
		}
	}
	return names
}
