// Package httptestutil drives the REST API in tests: building requests with
// auth headers, serving them against the router and asserting on the
// responses.
package httptestutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"gitlab.com/sataccount/lnportal/api/auth"
	"gitlab.com/sataccount/lnportal/models/actors"
)

// Server is something that can serve HTTP requests
type Server interface {
	ServeHTTP(response http.ResponseWriter, request *http.Request)
}

// TestHarness executes requests against an API server and asserts on what
// comes back
type TestHarness struct {
	server Server
}

// NewTestHarness wraps the given server
func NewTestHarness(server Server) TestHarness {
	return TestHarness{server: server}
}

func isJSONString(s string) bool {
	var js interface{}
	return json.Unmarshal([]byte(s), &js) == nil
}

// RequestArgs describes an unauthenticated request
type RequestArgs struct {
	Path   string
	Method string
	Body   string
}

// GetRequest returns a HTTP request with an optional JSON body
func GetRequest(t *testing.T, args RequestArgs) *http.Request {
	t.Helper()
	if args.Path == "" {
		t.Fatal("You forgot to set Path")
	}
	if args.Method == "" {
		t.Fatal("You forgot to set Method")
	}

	var body *bytes.Buffer
	if args.Body == "" {
		body = &bytes.Buffer{}
	} else if isJSONString(args.Body) {
		body = bytes.NewBuffer([]byte(args.Body))
	} else {
		t.Fatalf("Body was not valid JSON: %s", args.Body)
	}

	req, err := http.NewRequest(args.Method, args.Path, body)
	if err != nil {
		t.Fatalf("Couldn't construct request: %+v", err)
	}
	return req
}

// AuthRequestArgs describes a request made as a specific actor
type AuthRequestArgs struct {
	Actor  actors.Actor
	Path   string
	Method string
	Body   string
}

// GetAuthRequest returns a HTTP request carrying a freshly minted JWT for
// the given actor. The auth package must have its signing key set.
func GetAuthRequest(t *testing.T, args AuthRequestArgs) *http.Request {
	t.Helper()
	token, err := auth.CreateJwt(args.Actor)
	if err != nil {
		t.Fatalf("Could not create JWT: %+v", err)
	}

	req := GetRequest(t, RequestArgs{
		Path:   args.Path,
		Method: args.Method,
		Body:   args.Body,
	})
	req.Header.Set(auth.Header, token)
	return req
}

// AssertResponseOk performs the given request and asserts it succeeds
func (harness *TestHarness) AssertResponseOk(t *testing.T, request *http.Request) *httptest.ResponseRecorder {
	t.Helper()

	response := httptest.NewRecorder()
	harness.server.ServeHTTP(response, request)

	if response.Code >= 300 {
		t.Fatalf("Got failure code (%d) on %s %s: %s", response.Code,
			request.Method, request.URL.Path, response.Body.String())
	}
	return response
}

// AssertResponseOkWithJson performs the given request, asserts it succeeds
// and returns the parsed JSON body
func (harness *TestHarness) AssertResponseOkWithJson(t *testing.T, request *http.Request) map[string]interface{} {
	t.Helper()

	response := harness.AssertResponseOk(t, request)
	var destination map[string]interface{}
	if err := json.Unmarshal(response.Body.Bytes(), &destination); err != nil {
		t.Fatalf("%+v. Body: %s", err, response.Body.String())
	}
	return destination
}

// AssertResponseNotOk performs the given request and asserts it fails
func (harness *TestHarness) AssertResponseNotOk(t *testing.T, request *http.Request) *httptest.ResponseRecorder {
	t.Helper()

	response := httptest.NewRecorder()
	harness.server.ServeHTTP(response, request)

	if response.Code < 300 {
		t.Fatalf("Got success code (%d) on %s %s", response.Code,
			request.Method, request.URL.Path)
	}
	return response
}

// AssertResponseNotOkWithCode checks that the given request results in the
// given HTTP status code
func (harness *TestHarness) AssertResponseNotOkWithCode(t *testing.T, request *http.Request, code int) *httptest.ResponseRecorder {
	t.Helper()

	response := harness.AssertResponseNotOk(t, request)
	if response.Code != code {
		t.Fatalf("Expected code (%d) does not match found code (%d) on %s %s",
			code, response.Code, request.Method, request.URL.Path)
	}
	return response
}
