package gsa

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
	"howett.net/plist"

	"github.com/rkreutz/openhaystack-server/errorz"
)

const (
	// DefaultEndpoint is the GSA service URL. Overridable for tests.
	DefaultEndpoint = "https://gsa.apple.com/grandslam/GsService2"
	// DefaultAuthURL hosts the 2FA capture page and verification endpoints.
	DefaultAuthURL = "https://gsa.apple.com/auth"

	userAgentAKD    = "akd/1.0 CFNetwork/978.0.7 Darwin/18.7.0"
	mmeClientInfo   = "<MacBookPro18,3> <Mac OS X;13.4.1;22F8> <com.apple.AOSKit/282 (com.apple.dt.Xcode/3594.4.19)>"
	envelopeVersion = "1.0.1"
)

// postEnvelope wraps req in the Header/Request plist envelope, posts it to
// the GSA endpoint and decodes the Response key into T. The request value
// must not be a pointer, plist refuses to encode those.
func postEnvelope[T any](ctx context.Context, rest *resty.Client, endpoint string, req any) (*T, error) {
	envelope := map[string]any{
		"Header":  map[string]string{"Version": envelopeVersion},
		"Request": req,
	}
	body, err := plist.MarshalIndent(&envelope, plist.XMLFormat, "\t")
	if err != nil {
		return nil, errorz.NewInternalError(fmt.Sprintf("encode request envelope: %v", err))
	}

	resp, err := rest.R().
		SetContext(ctx).
		SetHeader("Content-Type", "text/x-xml-plist").
		SetHeader("Accept", "*/*").
		SetHeader("Accept-Language", "en-us").
		SetHeader("User-Agent", userAgentAKD).
		SetHeader("X-MMe-Client-Info", mmeClientInfo).
		SetBody(body).
		Post(endpoint)
	if err != nil {
		return nil, errorz.ClassifyTransport(err)
	}
	log.Debugf("gsa: %s replied %d, %d bytes", endpoint, resp.StatusCode(), len(resp.Body()))

	var outer map[string]any
	if _, err := plist.Unmarshal(resp.Body(), &outer); err != nil {
		return nil, errorz.NewMalformedResponse(fmt.Sprintf("decode response envelope: %v", err))
	}
	inner, ok := outer["Response"]
	if !ok {
		return nil, errorz.NewMalformedResponse("response envelope lacks Response key")
	}
	innerBytes, err := plist.Marshal(inner, plist.XMLFormat)
	if err != nil {
		return nil, errorz.NewMalformedResponse(fmt.Sprintf("re-encode Response: %v", err))
	}
	target := new(T)
	if _, err := plist.Unmarshal(innerBytes, target); err != nil {
		return nil, errorz.NewMalformedResponse(fmt.Sprintf("decode Response: %v", err))
	}
	return target, nil
}
