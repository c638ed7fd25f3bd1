package reports

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/rkreutz/openhaystack-server/anisette"
	"github.com/rkreutz/openhaystack-server/icloud"
)

var testToken = icloud.AuthToken{DsID: "12345", SearchPartyToken: "spt-value"}

func newTestServer(t *testing.T, anisetteUp bool, upstream http.HandlerFunc) *Server {
	t.Helper()
	anisetteURL := "http://127.0.0.1:1"
	if anisetteUp {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"X-Apple-I-MD": "test-md", "X-Apple-I-MD-M": "test-md-m"}`)
		}))
		t.Cleanup(srv.Close)
		anisetteURL = srv.URL
	}

	server := NewServer(anisette.NewClient(anisetteURL, anisette.NewDeviceIdentity()), testToken)
	if upstream != nil {
		upstreamSrv := httptest.NewServer(upstream)
		t.Cleanup(upstreamSrv.Close)
		server.FetchURL = upstreamSrv.URL
	} else {
		server.FetchURL = "http://127.0.0.1:1"
	}
	return server
}

func runRequest(server *Server, method, body string) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI("http://localhost/")
	if body != "" {
		req.SetBodyString(body)
	}
	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&req, nil, nil)
	server.Handler(ctx)
	return ctx
}

func TestHandlerGetBanner(t *testing.T) {
	server := newTestServer(t, true, nil)
	ctx := runRequest(server, fasthttp.MethodGet, "")

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "Nothing to see here", string(ctx.Response.Body()))
	assert.Equal(t, "*", string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")))
}

func TestHandlerOptionsPreflight(t *testing.T) {
	server := newTestServer(t, true, nil)
	ctx := runRequest(server, fasthttp.MethodOptions, "")

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Header.Peek("Access-Control-Allow-Methods")), "POST")
}

func TestHandlerRejectsOtherMethods(t *testing.T) {
	server := newTestServer(t, true, nil)
	ctx := runRequest(server, fasthttp.MethodDelete, "")

	assert.Equal(t, fasthttp.StatusMethodNotAllowed, ctx.Response.StatusCode())
}

func TestHandleFetchForwards(t *testing.T) {
	var gotAuth, gotMD string
	var gotBody string
	server := newTestServer(t, true, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotMD = r.Header.Get("X-Apple-I-MD")
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		fmt.Fprint(w, `{"results": []}`)
	})

	ctx := runRequest(server, fasthttp.MethodPost, `{"search": [{"ids": ["abc"]}]}`)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, `{"results": []}`, string(ctx.Response.Body()))
	assert.Equal(t, "application/json", string(ctx.Response.Header.ContentType()))

	assert.NotEmpty(t, gotAuth, "upstream call must carry basic auth")
	assert.Equal(t, "test-md", gotMD)
	assert.Equal(t, `{"search": [{"ids": ["abc"]}]}`, gotBody)
}

func TestHandleFetchRejectsInvalidJSON(t *testing.T) {
	server := newTestServer(t, true, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no upstream call expected for a bad request")
	})
	ctx := runRequest(server, fasthttp.MethodPost, "{not json")

	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestHandleFetchAnisetteDown(t *testing.T) {
	server := newTestServer(t, false, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no upstream call expected without anisette headers")
	})
	ctx := runRequest(server, fasthttp.MethodPost, `{}`)

	assert.Equal(t, fasthttp.StatusGatewayTimeout, ctx.Response.StatusCode())
}

func TestHandleFetchUpstreamFailures(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"unreachable": nil,
		"error status": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		},
		"non-json body": func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "<html>gateway error</html>")
		},
	}
	for name, upstream := range cases {
		t.Run(name, func(t *testing.T) {
			server := newTestServer(t, true, upstream)
			ctx := runRequest(server, fasthttp.MethodPost, `{}`)
			assert.Equal(t, fasthttp.StatusNotImplemented, ctx.Response.StatusCode())
		})
	}
}

func TestHandleFetchRateLimited(t *testing.T) {
	server := newTestServer(t, true, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	})
	server.limiter.SetBurst(0)

	ctx := runRequest(server, fasthttp.MethodPost, `{}`)
	assert.Equal(t, fasthttp.StatusTooManyRequests, ctx.Response.StatusCode())
}
