// Package gsa drives Apple's Grand Slam authentication handshake: SRP-2048
// init/complete, decryption of the server payload under the negotiated
// session key, and the SMS second-factor sub-protocol it may branch into.
package gsa

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
	"howett.net/plist"

	"github.com/rkreutz/openhaystack-server/anisette"
	"github.com/rkreutz/openhaystack-server/errorz"
	"github.com/rkreutz/openhaystack-server/srp"
)

// State names the steps of one authentication attempt. Failed is absorbing:
// an attempt never leaves it.
type State int

const (
	StateIdle State = iota
	StateAwaitingChallenge
	StateAwaitingCompletion
	StatePayloadDecrypted
	StateTwoFactorPending
	StateAuthenticated
	StateFailed
)

// supportedProtocols is the variant allow-list sent with init and enforced
// on the server's selection.
var supportedProtocols = []string{"s2k", "s2k_fo"}

// Client runs authentication attempts. The collaborators are shared and
// read-only; every attempt owns its own SRP session and state.
type Client struct {
	rest     *resty.Client
	anisette *anisette.Client

	// Endpoint and AuthURL default to the Apple production URLs and exist
	// as fields so tests can point the engine at a local server.
	Endpoint string
	AuthURL  string

	// Prompt supplies the 2FA code when the server demands one. Required
	// before the first Authenticate call that can hit 2FA.
	Prompt CodePrompt

	now   func() time.Time
	sleep func(time.Duration)
}

// NewClient builds a client around the given anisette provider.
func NewClient(anisetteClient *anisette.Client) *Client {
	return &Client{
		rest:     resty.New().SetTimeout(5 * time.Second),
		anisette: anisetteClient,
		Endpoint: DefaultEndpoint,
		AuthURL:  DefaultAuthURL,
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// Authenticate runs the full handshake and returns the final decrypted
// server payload. When the server demands a second factor the SMS
// sub-protocol runs and, on success, the whole sequence restarts once from
// scratch: the server expects a fresh handshake after 2FA, not a
// resumption. A second 2FA demand after a verified code is a protocol
// anomaly and is surfaced instead of looped on.
func (c *Client) Authenticate(ctx context.Context, username, password string) (*ServerData, error) {
	for restarts := 0; ; restarts++ {
		att := &attempt{client: c, username: username, password: password}
		sd, authRequired, err := att.run(ctx)
		if err != nil {
			return nil, err
		}
		if authRequired == "" {
			return sd, nil
		}
		if restarts >= 1 {
			return nil, errorz.NewInternalError(fmt.Sprintf("server demanded %q again after a verified second factor", authRequired))
		}

		log.Info("2FA required, requesting SMS code (no other 2FA code will work)")
		tf := &twoFactor{
			rest:          c.rest,
			anisette:      c.anisette,
			authURL:       c.AuthURL,
			identityToken: sd.IdentityToken(),
			prompt:        c.Prompt,
			now:           c.now,
			sleep:         c.sleep,
		}
		if err := tf.run(ctx); err != nil {
			return nil, err
		}
	}
}

// attempt is one pass through the handshake. Single use, single goroutine.
type attempt struct {
	client   *Client
	username string
	password string
	state    State
}

func (a *attempt) fail(err error) error {
	a.state = StateFailed
	return err
}

// run executes init, challenge, complete, verification and payload
// decryption. It returns the decrypted payload plus the secondary-auth
// requirement the server attached, empty when none.
func (a *attempt) run(ctx context.Context) (*ServerData, string, error) {
	c := a.client
	session := srp.NewSession(a.username)

	cpd, err := a.buildCPD(ctx)
	if err != nil {
		return nil, "", a.fail(err)
	}
	log.Infof("starting GSA authentication for %s", a.username)
	initReq := InitRequest{
		A2K:       session.Start(),
		Operation: "init",
		Protocols: supportedProtocols,
		Username:  a.username,
		CPD:       cpd,
	}
	a.state = StateAwaitingChallenge
	initResp, err := postEnvelope[InitResponse](ctx, c.rest, c.Endpoint, initReq)
	if err != nil {
		return nil, "", a.fail(err)
	}
	if initResp.Status.ErrorCode != 0 {
		return nil, "", a.fail(errorz.NewAuthenticationRejected(initResp.Status.StatusCode, initResp.Status.ErrorMessage))
	}

	variant, err := srp.ParseVariant(initResp.Selected)
	if err != nil {
		return nil, "", a.fail(err)
	}
	challenge := srp.Challenge{
		Salt:       initResp.Salt,
		Iterations: initResp.Iterations,
		Variant:    variant,
		ServerB:    initResp.ServerB,
	}
	clientProof, err := session.ProcessChallenge(challenge, a.password)
	if err != nil {
		return nil, "", a.fail(err)
	}

	cpd, err = a.buildCPD(ctx)
	if err != nil {
		return nil, "", a.fail(err)
	}
	completeReq := CompleteRequest{
		ClientProof: clientProof,
		Cookie:      initResp.Cookie,
		Operation:   "complete",
		Username:    a.username,
		CPD:         cpd,
	}
	a.state = StateAwaitingCompletion
	completeResp, err := postEnvelope[CompleteResponse](ctx, c.rest, c.Endpoint, completeReq)
	if err != nil {
		return nil, "", a.fail(err)
	}
	// No server proof means the server refused to finish the exchange,
	// which in practice is a wrong password.
	if len(completeResp.ServerProof) == 0 {
		return nil, "", a.fail(errorz.NewAuthenticationRejected(completeResp.Status.StatusCode, completeResp.Status.ErrorMessage))
	}

	sessionKey, err := session.CompleteAndVerify(completeResp.ServerProof)
	if err != nil {
		return nil, "", a.fail(err)
	}

	payload, err := decryptPayload(sessionKey, completeResp.Payload)
	if err != nil {
		return nil, "", a.fail(err)
	}
	var sd ServerData
	if _, err := plist.Unmarshal(payload, &sd); err != nil {
		return nil, "", a.fail(errorz.NewMalformedResponse(fmt.Sprintf("decode decrypted payload: %v", err)))
	}
	a.state = StatePayloadDecrypted

	switch au := completeResp.Status.AuthRequired; au {
	case "":
		a.state = StateAuthenticated
		log.Infof("GSA authentication complete for %s", sd.AccountName)
		return &sd, "", nil
	case authTrustedDevice, authSecondary:
		a.state = StateTwoFactorPending
		return &sd, au, nil
	default:
		return nil, "", a.fail(errorz.NewUnknownSecondFactor(au))
	}
}

// buildCPD assembles the client-provided data block from a fresh anisette
// header set. Called once per outbound request, never cached.
func (a *attempt) buildCPD(ctx context.Context) (RequestCPD, error) {
	h, err := a.client.anisette.BuildHeaders(ctx)
	if err != nil {
		return RequestCPD{}, err
	}
	return RequestCPD{
		ClientTime:     h.ClientTime,
		MachineData:    h.MachineData,
		MachineDataM:   h.MachineDataMeta,
		RoutingInfo:    h.RoutingInfo,
		ClientID:       h.ClientID,
		SerialNumber:   h.Serial,
		ClientTimeZone: h.TimeZone,
		Locale:         h.Locale,
		DeviceID:       h.DeviceID,
		Loc:            h.Locale,
		BootStrap:      true,
		Icscrec:        true,
		PBE:            false,
		PRKGen:         true,
		ServiceType:    "iCloud",
	}, nil
}
