// Package reports serves the local location-report proxy: a thin consumer
// of the credential the authentication engine produces. Requests are
// forwarded to Apple's fetch gateway with basic auth and fresh anisette
// headers.
package reports

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	jsoniter "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"

	"github.com/rkreutz/openhaystack-server/anisette"
	"github.com/rkreutz/openhaystack-server/icloud"
)

// DefaultFetchURL is Apple's report fetch gateway. Overridable for tests.
const DefaultFetchURL = "https://gateway.icloud.com/acsnservice/fetch"

// Forwarding budget per upstream call. The gateway answers well under this
// when healthy.
const upstreamTimeout = 30 * time.Second

// Server proxies report fetch requests using a previously obtained
// credential. Safe for concurrent use.
type Server struct {
	rest     *resty.Client
	anisette *anisette.Client
	token    icloud.AuthToken
	limiter  *rate.Limiter

	FetchURL string
}

// NewServer builds a proxy bound to the given credential. The rate limiter
// guards the upstream gateway, not us: hammering it gets accounts flagged.
func NewServer(anisetteClient *anisette.Client, token icloud.AuthToken) *Server {
	return &Server{
		rest:     resty.New().SetTimeout(upstreamTimeout),
		anisette: anisetteClient,
		token:    token,
		limiter:  rate.NewLimiter(rate.Limit(10), 20),
		FetchURL: DefaultFetchURL,
	}
}

// Run serves the proxy until the listener fails.
func (s *Server) Run(addr string) error {
	log.Infof("serving report proxy at %s", addr)
	return fasthttp.ListenAndServe(addr, s.Handler)
}

// Handler is the fasthttp entry point, exported so tests can drive it
// without a listener.
func (s *Server) Handler(ctx *fasthttp.RequestCtx) {
	addCORSHeaders(ctx)
	switch string(ctx.Method()) {
	case fasthttp.MethodOptions:
		ctx.SetStatusCode(fasthttp.StatusOK)
	case fasthttp.MethodGet:
		ctx.SetContentType("text/plain")
		ctx.SetBodyString("Nothing to see here")
	case fasthttp.MethodPost:
		s.handleFetch(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
	}
}

func (s *Server) handleFetch(ctx *fasthttp.RequestCtx) {
	if !s.limiter.Allow() {
		ctx.SetStatusCode(fasthttp.StatusTooManyRequests)
		return
	}
	body := ctx.PostBody()
	if !jsoniter.Valid(body) {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		return
	}
	log.Debugf("forwarding fetch request, %d bytes", len(body))

	headers, err := s.anisette.BuildHeaders(context.Background())
	if err != nil {
		// Anisette down is the one upstream failure with a clear remedy,
		// reported as a gateway timeout like the upstream implementation.
		log.Errorf("anisette unavailable, is your anisette container running? %v", err)
		ctx.SetStatusCode(fasthttp.StatusGatewayTimeout)
		return
	}

	resp, err := s.rest.R().
		SetBasicAuth(s.token.DsID, s.token.SearchPartyToken).
		SetHeader("Content-Type", "application/json").
		SetHeaders(headers.Map()).
		SetBody(body).
		Post(s.FetchURL)
	if err != nil {
		log.Errorf("report fetch failed: %v", err)
		ctx.SetStatusCode(fasthttp.StatusNotImplemented)
		return
	}
	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		log.Errorf("report fetch returned status %d", resp.StatusCode())
		ctx.SetStatusCode(fasthttp.StatusNotImplemented)
		return
	}
	if !jsoniter.Valid(resp.Body()) {
		log.Error("report fetch returned a non-JSON body")
		ctx.SetStatusCode(fasthttp.StatusNotImplemented)
		return
	}

	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(resp.Body())
}

func addCORSHeaders(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Access-Control-Allow-Origin", "*")
	ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	ctx.Response.Header.Set("Access-Control-Allow-Headers", "X-Requested-With, Content-Type, Authorization")
}
