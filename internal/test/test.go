package test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
)

// HttpServerWithHandlers returns a test server that serves one handler per
// incoming request, in order. Requests beyond the last handler fail the test.
func HttpServerWithHandlers(t *testing.T, handlers []http.HandlerFunc) *httptest.Server {
	requestCounter := 0
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requestCounter >= len(handlers) {
			t.Errorf("unexpected request #%d: %s %s", requestCounter+1, r.Method, r.URL)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		handlers[requestCounter](w, r)
		requestCounter++
	}))
}

type sequentialRoundTripper struct {
	roundTrips []func(req *http.Request) *http.Response
	counter    int
}

func (rt *sequentialRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if rt.counter >= len(rt.roundTrips) {
		return Response("500 Internal Server Error", `{"error":"no more round trips"}`), nil
	}

	resp := rt.roundTrips[rt.counter](req)
	rt.counter++
	return resp, nil
}

// NewTestHttpClient returns a client that serves one round trip function per
// request, in order.
func NewTestHttpClient(roundTrips ...func(req *http.Request) *http.Response) *http.Client {
	return &http.Client{
		Transport: &sequentialRoundTripper{roundTrips: roundTrips},
	}
}

// Response builds a response from a status line ("200 OK") and a JSON body.
func Response(status, body string) *http.Response {
	code, _ := strconv.Atoi(strings.SplitN(status, " ", 2)[0])
	return &http.Response{
		Status:     status,
		StatusCode: code,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}
