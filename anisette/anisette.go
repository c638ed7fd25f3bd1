// Package anisette obtains the device-attestation headers Apple's
// authentication endpoints demand. The two machine-data fields come from an
// external anisette service; the rest is derived locally from a
// process-stable device identity and the current wall clock.
package anisette

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/rkreutz/openhaystack-server/errorz"
)

// RoutingInfo is the constant machine-data routing value. Known valid
// values are 17106176 and 50660608; every reference client pins the former.
const RoutingInfo = "17106176"

const clientTimeFormat = "2006-01-02T15:04:05Z"

// DeviceIdentity identifies the device, not a session. It is generated once
// at process start and shared read-only by every authentication attempt and
// every signed request.
type DeviceIdentity struct {
	UserID   uuid.UUID
	DeviceID uuid.UUID
	Serial   string
}

// NewDeviceIdentity generates a fresh identity pair with the placeholder
// serial the reference clients use.
func NewDeviceIdentity() DeviceIdentity {
	return DeviceIdentity{
		UserID:   uuid.New(),
		DeviceID: uuid.New(),
		Serial:   "0",
	}
}

// BaseHeaders are the two attestation fields only the anisette service can
// produce.
type BaseHeaders struct {
	MachineData     string `json:"X-Apple-I-MD"`
	MachineDataMeta string `json:"X-Apple-I-MD-M"`
}

// Headers is one complete signed-request header set. The time-dependent
// fields reflect the moment it was built, so a Headers value must not be
// reused across requests.
type Headers struct {
	MachineData     string
	MachineDataMeta string
	ClientTime      string
	TimeZone        string
	Locale          string
	DeviceID        string
	ClientID        string
	Serial          string
	RoutingInfo     string
}

// Map renders the header set under the wire names, ready to be folded into
// an outbound request.
func (h Headers) Map() map[string]string {
	return map[string]string{
		"X-Apple-I-MD":          h.MachineData,
		"X-Apple-I-MD-M":        h.MachineDataMeta,
		"X-Apple-I-MD-RINFO":    h.RoutingInfo,
		"X-Apple-I-MD-LU":       h.ClientID,
		"X-Apple-I-SRL-NO":      h.Serial,
		"X-Apple-I-Client-Time": h.ClientTime,
		"X-Apple-I-TimeZone":    h.TimeZone,
		"X-Apple-Locale":        h.Locale,
		"X-Mme-Device-Id":       h.DeviceID,
	}
}

// Client fetches base headers from an anisette service and assembles full
// header sets. Safe for concurrent use.
type Client struct {
	rest     *resty.Client
	url      string
	identity DeviceIdentity

	now func() time.Time // test seam
}

func NewClient(url string, identity DeviceIdentity) *Client {
	return &Client{
		rest:     resty.New().SetTimeout(5 * time.Second),
		url:      url,
		identity: identity,
		now:      time.Now,
	}
}

// FetchBaseHeaders asks the anisette service for the two machine-data
// fields. Failures here nearly always mean local infrastructure trouble
// (the anisette container is down), never bad credentials, so they are
// reported under their own kind.
func (c *Client) FetchBaseHeaders(ctx context.Context) (BaseHeaders, error) {
	resp, err := c.rest.R().SetContext(ctx).Get(c.url)
	if err != nil {
		return BaseHeaders{}, errorz.NewAnisetteUnavailable(err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return BaseHeaders{}, errorz.NewAnisetteUnavailable(fmt.Errorf("anisette server %s returned status %d", c.url, resp.StatusCode()))
	}
	var base BaseHeaders
	if err := jsoniter.Unmarshal(resp.Body(), &base); err != nil {
		return BaseHeaders{}, errorz.NewAnisetteUnavailable(err)
	}
	if base.MachineData == "" || base.MachineDataMeta == "" {
		return BaseHeaders{}, errorz.NewAnisetteUnavailable(fmt.Errorf("anisette response missing machine data fields"))
	}
	return base, nil
}

// BuildHeaders assembles a complete header set for one signed request.
// Called fresh for every request: the server rejects stale client times.
func (c *Client) BuildHeaders(ctx context.Context) (Headers, error) {
	base, err := c.FetchBaseHeaders(ctx)
	if err != nil {
		return Headers{}, err
	}
	now := c.now()
	zone, _ := now.Zone()
	return Headers{
		MachineData:     base.MachineData,
		MachineDataMeta: base.MachineDataMeta,
		ClientTime:      now.UTC().Format(clientTimeFormat),
		TimeZone:        zone,
		Locale:          systemLocale(),
		DeviceID:        strings.ToUpper(c.identity.DeviceID.String()),
		ClientID:        base64.StdEncoding.EncodeToString([]byte(strings.ToUpper(c.identity.UserID.String()))),
		Serial:          c.identity.Serial,
		RoutingInfo:     RoutingInfo,
	}, nil
}

// Identity returns the process-stable device identity this client signs with.
func (c *Client) Identity() DeviceIdentity { return c.identity }

// systemLocale reads the POSIX locale environment, falling back to en_US.
func systemLocale() string {
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if v := os.Getenv(key); v != "" {
			if i := strings.IndexByte(v, '.'); i > 0 {
				v = v[:i]
			}
			if v != "C" && v != "POSIX" {
				return v
			}
		}
	}
	return "en_US"
}
