// Package icloud turns a completed GSA handshake into the downstream
// search-party credential by registering the mobileme login delegate.
package icloud

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
	"howett.net/plist"

	"github.com/rkreutz/openhaystack-server/anisette"
	"github.com/rkreutz/openhaystack-server/errorz"
	"github.com/rkreutz/openhaystack-server/gsa"
)

// DefaultSetupURL is the login delegates endpoint. Overridable for tests.
const DefaultSetupURL = "https://setup.icloud.com/setup/iosbuddy/loginDelegates"

const (
	userAgentICloudHelper = "com.apple.iCloudHelper/282 CFNetwork/1408.0.4 Darwin/22.5.0"
	mmeClientInfoAOSKit   = "<MacBookPro18,3> <Mac OS X;13.4.1;22F8> <com.apple.AOSKit/282 (com.apple.accountsd/113)>"

	mobilemeDelegate = "com.apple.mobileme"
)

// AuthToken is the credential record the whole engine exists to produce:
// the account identifier plus the bearer token the report fetch service
// accepts.
type AuthToken struct {
	DsID             string `json:"dsid"`
	SearchPartyToken string `json:"searchpartytoken"`
}

// Client registers login delegates against the setup endpoint.
type Client struct {
	rest     *resty.Client
	anisette *anisette.Client

	SetupURL string
}

func NewClient(anisetteClient *anisette.Client) *Client {
	return &Client{
		rest:     resty.New().SetTimeout(5 * time.Second),
		anisette: anisetteClient,
		SetupURL: DefaultSetupURL,
	}
}

type delegateRequest struct {
	AppleID   string                    `plist:"apple-id"`
	Delegates map[string]map[string]any `plist:"delegates"`
	Password  string                    `plist:"password"`
	ClientID  string                    `plist:"client-id"`
}

type delegateResponse struct {
	Status    int                       `plist:"status"`
	DsID      string                    `plist:"dsid"`
	Delegates map[string]delegateResult `plist:"delegates"`
}

type delegateResult struct {
	Status        int         `plist:"status"`
	StatusMessage string      `plist:"status-message"`
	ServiceData   serviceData `plist:"service-data"`
}

type serviceData struct {
	Tokens map[string]string `plist:"tokens"`
}

// LoginMobileMe trades the pet token from a decrypted GSA payload for the
// mobileme delegate's service tokens. HTTP basic auth uses the account name
// and the pet token as a one-time password.
func (c *Client) LoginMobileMe(ctx context.Context, username string, sd *gsa.ServerData) (AuthToken, error) {
	pet, ok := sd.PetToken()
	if !ok {
		return AuthToken{}, errorz.NewMalformedResponse("server payload carries no com.apple.gs.idms.pet token")
	}

	headers, err := c.anisette.BuildHeaders(ctx)
	if err != nil {
		return AuthToken{}, err
	}

	body, err := plist.Marshal(delegateRequest{
		AppleID:   username,
		Delegates: map[string]map[string]any{mobilemeDelegate: {}},
		Password:  pet,
		ClientID:  strings.ToUpper(c.anisette.Identity().UserID.String()),
	}, plist.XMLFormat)
	if err != nil {
		return AuthToken{}, errorz.NewInternalError(fmt.Sprintf("encode delegates request: %v", err))
	}

	log.Info("registering device after login")
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBasicAuth(username, pet).
		SetHeader("X-Apple-ADSID", sd.Adsid).
		SetHeader("User-Agent", userAgentICloudHelper).
		SetHeader("X-Mme-Client-Info", mmeClientInfoAOSKit).
		SetHeaders(headers.Map()).
		SetBody(body).
		Post(c.SetupURL)
	if err != nil {
		return AuthToken{}, errorz.ClassifyTransport(err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return AuthToken{}, errorz.NewAuthenticationRejected(resp.StatusCode(), "login delegates request refused")
	}

	var dr delegateResponse
	if _, err := plist.Unmarshal(resp.Body(), &dr); err != nil {
		return AuthToken{}, errorz.NewMalformedResponse(fmt.Sprintf("decode delegates response: %v", err))
	}
	return extractToken(dr)
}

// extractToken pulls the account id and search-party token out of a
// delegates response, enforcing the mobileme delegate status.
func extractToken(dr delegateResponse) (AuthToken, error) {
	mobileme, ok := dr.Delegates[mobilemeDelegate]
	if !ok {
		return AuthToken{}, errorz.NewMalformedResponse("delegates response lacks the mobileme delegate")
	}
	if mobileme.Status != 0 {
		log.Errorf("mobileme delegate status %d: %s", mobileme.Status, mobileme.StatusMessage)
		if strings.Contains(mobileme.StatusMessage, "blocking") {
			// Low account score. Adding payment or profile data on
			// appleid.apple.com raises it.
			return AuthToken{}, &errorz.StatusError{
				Kind:   errorz.KindAccountBlocked,
				Status: mobileme.Status,
				Body:   mobileme.StatusMessage + " (log in to https://appleid.apple.com/ and add more account data to raise the account score)",
			}
		}
		return AuthToken{}, errorz.NewAuthenticationRejected(mobileme.Status, mobileme.StatusMessage)
	}

	token, ok := lookupEitherCase(mobileme.ServiceData.Tokens, "searchPartyToken")
	if !ok || token == "" {
		return AuthToken{}, errorz.NewMalformedResponse("delegates response carries no search-party token")
	}
	if dr.DsID == "" {
		return AuthToken{}, errorz.NewMalformedResponse("delegates response carries no dsid")
	}
	return AuthToken{DsID: dr.DsID, SearchPartyToken: token}, nil
}

// lookupEitherCase resolves a key that has shipped under two casings across
// server versions: the given mixed-case name and its all-lowercase twin.
func lookupEitherCase(m map[string]string, key string) (string, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	v, ok := m[strings.ToLower(key)]
	return v, ok
}
