package gsa

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/go-resty/resty/v2"
	jsoniter "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"

	"github.com/rkreutz/openhaystack-server/anisette"
	"github.com/rkreutz/openhaystack-server/errorz"
)

// CodePrompt obtains one line of operator input. It blocks until input
// arrives; an empty string means the operator has nothing to enter yet.
// Injected so the protocol logic stays testable and so non-interactive
// callers can substitute a pre-supplied code.
type CodePrompt func(message string) (string, error)

// smsGraceWindow is how long the operator is expected to wait for the SMS
// before an empty answer triggers a fresh code request.
const smsGraceWindow = 60 * time.Second

// bootArgsPattern locates the embedded JSON fragment on the auth page that
// names the trusted phone number.
var bootArgsPattern = regexp.MustCompile(`(?s)<script.*class="boot_args">\s*(.*?)\s*</script>`)

// twoFactor is one run of the SMS second-factor exchange. Created only when
// the handshake demands it, destroyed afterwards.
type twoFactor struct {
	rest          *resty.Client
	anisette      *anisette.Client
	authURL       string
	identityToken string
	prompt        CodePrompt

	now   func() time.Time
	sleep func(time.Duration)
}

// run scrapes the trusted phone id, requests an SMS, collects the code from
// the operator under the grace-window policy and verifies it. Verification
// succeeds only when the response carries the X-Apple-DSID header; the
// status code alone proves nothing.
func (tf *twoFactor) run(ctx context.Context) error {
	if tf.prompt == nil {
		return errorz.NewInternalError("no 2FA code prompt configured")
	}

	phoneID, err := tf.trustedPhoneID(ctx)
	if err != nil {
		return err
	}
	log.Infof("using phone with id %d for SMS 2FA", phoneID)

	if err := tf.requestCode(ctx, phoneID); err != nil {
		return err
	}

	started := tf.now()
	code, err := tf.prompt(fmt.Sprintf("Enter SMS 2FA code (if you do not receive a code, wait %.0fs and press Enter to have it re-sent): ", smsGraceWindow.Seconds()))
	if err != nil {
		return errorz.NewInternalError(fmt.Sprintf("read 2FA code: %v", err))
	}
	waited := tf.now().Sub(started)

	if code == "" {
		if waited < smsGraceWindow {
			remaining := smsGraceWindow - waited
			log.Infof("only waited %.0fs, re-requesting the code in %.0fs", waited.Seconds(), remaining.Seconds())
			tf.sleep(remaining)
			code, err = tf.prompt("Enter SMS 2FA code if it arrived in the meantime, otherwise press Enter: ")
			if err != nil {
				return errorz.NewInternalError(fmt.Sprintf("read 2FA code: %v", err))
			}
		}
		if code == "" {
			if err := tf.requestCode(ctx, phoneID); err != nil {
				return err
			}
			code, err = tf.prompt("Enter SMS 2FA code: ")
			if err != nil {
				return errorz.NewInternalError(fmt.Sprintf("read 2FA code: %v", err))
			}
		}
	}

	return tf.verifyCode(ctx, phoneID, code)
}

// trustedPhoneID scrapes the auth page for the trusted phone number id.
// Accounts with a single number often render a page without the expected
// fragment, so a miss falls back to id 1 instead of aborting. The fallback
// may target the wrong number on multi-phone accounts; kept as-is because
// the upstream behavior does the same.
func (tf *twoFactor) trustedPhoneID(ctx context.Context) (int, error) {
	req, err := tf.request(ctx)
	if err != nil {
		return 0, err
	}
	resp, err := req.Get(tf.authURL)
	if err != nil {
		return 0, errorz.ClassifyTransport(err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return 0, errorz.NewTwoFactorRejected()
	}

	match := bootArgsPattern.FindSubmatch(resp.Body())
	if match == nil {
		log.Warn("boot_args script not found on auth page, using the first phone number")
		return 1, nil
	}
	id := jsoniter.Get(match[1], "direct", "phoneNumberVerification", "trustedPhoneNumber", "id").ToInt()
	if id == 0 {
		log.Warn("trusted phone id not present in boot_args, using the first phone number")
		return 1, nil
	}
	return id, nil
}

// requestCode asks the server to send (or re-send) the SMS.
func (tf *twoFactor) requestCode(ctx context.Context, phoneID int) error {
	body, _ := jsoniter.Marshal(map[string]any{
		"phoneNumber": map[string]any{"id": phoneID},
		"mode":        "sms",
	})
	req, err := tf.request(ctx)
	if err != nil {
		return err
	}
	resp, err := req.
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Put(tf.authURL + "/verify/phone")
	if err != nil {
		return errorz.ClassifyTransport(err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return errorz.New(errorz.KindTwoFactorRejected, fmt.Sprintf("SMS code request returned status %d", resp.StatusCode()))
	}
	return nil
}

// verifyCode submits the code. Success is determined solely by the
// X-Apple-DSID response header together with a 2xx status.
func (tf *twoFactor) verifyCode(ctx context.Context, phoneID int, code string) error {
	body, _ := jsoniter.Marshal(map[string]any{
		"phoneNumber":  map[string]any{"id": phoneID},
		"securityCode": map[string]any{"code": code},
		"mode":         "sms",
	})
	req, err := tf.request(ctx)
	if err != nil {
		return err
	}
	resp, err := req.
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(tf.authURL + "/verify/phone/securitycode")
	if err != nil {
		return errorz.ClassifyTransport(err)
	}
	ok := resp.StatusCode() >= 200 && resp.StatusCode() <= 299
	if !ok || resp.Header().Get("X-Apple-DSID") == "" {
		return errorz.NewTwoFactorRejected()
	}
	log.Info("2FA successful")
	return nil
}

// request starts a resty request carrying the 2FA base headers plus a fresh
// anisette header set. Header values are valid for one request only.
func (tf *twoFactor) request(ctx context.Context) (*resty.Request, error) {
	headers, err := tf.anisette.BuildHeaders(ctx)
	if err != nil {
		return nil, err
	}
	return tf.rest.R().
		SetContext(ctx).
		SetHeader("User-Agent", "Xcode").
		SetHeader("Accept-Language", "en-us").
		SetHeader("X-Apple-Identity-Token", tf.identityToken).
		SetHeader("X-Apple-App-Info", "com.apple.gs.xcode.auth").
		SetHeader("X-Xcode-Version", "11.2 (11B41)").
		SetHeader("X-Mme-Client-Info", mmeClientInfo).
		SetHeaders(headers.Map()), nil
}
