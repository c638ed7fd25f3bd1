package gsa

import (
	"encoding/base64"
	"fmt"
)

// GSA-level status codes carried inside the plist envelope. HTTP-compatible
// values, independent of the transport status.
const (
	statusOK                      = 200
	statusSecondaryActionRequired = 409
)

// Secondary-auth requirements the engine recognizes. Anything else in the
// "au" field fails closed.
const (
	authTrustedDevice = "trustedDeviceSecondaryAuth"
	authSecondary     = "secondaryAuth"
)

// RequestCPD is the client-provided data block attached to every GSA
// request: anisette attestation fields plus client identification. Most of
// the boolean flags are tracked but not strictly required; the set matches
// what the reference clients send.
type RequestCPD struct {
	ClientTime     string `plist:"X-Apple-I-Client-Time"`
	MachineData    string `plist:"X-Apple-I-MD"`
	MachineDataM   string `plist:"X-Apple-I-MD-M"`
	RoutingInfo    string `plist:"X-Apple-I-MD-RINFO"`
	ClientID       string `plist:"X-Apple-I-MD-LU"`
	SerialNumber   string `plist:"X-Apple-I-SRL-NO"`
	ClientTimeZone string `plist:"X-Apple-I-TimeZone"`
	Locale         string `plist:"X-Apple-Locale"`
	DeviceID       string `plist:"X-Mme-Device-Id"`
	Loc            string `plist:"loc"`
	BootStrap      bool   `plist:"bootstrap"`
	Icscrec        bool   `plist:"icscrec"`
	PBE            bool   `plist:"pbe"`
	PRKGen         bool   `plist:"prkgen"`
	ServiceType    string `plist:"svct"`
}

// InitRequest is the first half of the handshake, carrying the SRP public
// value and the protocol variants this client can complete.
type InitRequest struct {
	A2K        []byte     `plist:"A2k"`
	Operation  string     `plist:"o"`
	Protocols  []string   `plist:"ps"`
	Username   string     `plist:"u"`
	CPD        RequestCPD `plist:"cpd"`
}

// InitResponse carries the server's challenge parameters.
type InitResponse struct {
	Status     Status `plist:"Status"`
	Iterations int    `plist:"i"`
	Salt       []byte `plist:"s"`
	Selected   string `plist:"sp"` // variant the server chose
	Cookie     string `plist:"c"`
	ServerB    []byte `plist:"B"`
}

// Status is the GSA-specific status block accompanying every response.
type Status struct {
	StatusCode       int    `plist:"hsc"`
	ErrorDescription string `plist:"ed"`
	ErrorCode        int    `plist:"ec"`
	ErrorMessage     string `plist:"em"`
	AuthRequired     string `plist:"au"` // set when secondary auth is demanded
}

// CompleteRequest finishes the SRP exchange with the client proof.
type CompleteRequest struct {
	ClientProof []byte     `plist:"M1"`
	Cookie      string     `plist:"c"`
	Operation   string     `plist:"o"`
	Username    string     `plist:"u"`
	CPD         RequestCPD `plist:"cpd"`
}

// CompleteResponse carries the server proof and the encrypted payload.
type CompleteResponse struct {
	Status      Status `plist:"Status"`
	Payload     []byte `plist:"spd"` // AES-CBC encrypted under the session key
	ServerProof []byte `plist:"M2"`
	NegProof    []byte `plist:"np"`
}

// DataToken is a token field the server delivers either as a plist string
// or as raw data, depending on server version. Byte payloads normalize to
// their base64 form, which is the shape the secondary-auth endpoints expect
// back.
type DataToken string

func (t *DataToken) UnmarshalPlist(unmarshal func(any) error) error {
	var raw any
	if err := unmarshal(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		*t = DataToken(v)
	case []byte:
		*t = DataToken(base64.StdEncoding.EncodeToString(v))
	default:
		return fmt.Errorf("token has unexpected plist type %T", raw)
	}
	return nil
}

// Token is one downstream service token from the decrypted payload.
type Token struct {
	Duration int    `plist:"duration"`
	Expiry   int64  `plist:"expiry"`
	Token    string `plist:"token"`
}

// ServerData is the decrypted spd payload. Only the fields the engine
// consumes are modeled; the payload carries plenty more.
type ServerData struct {
	AccountID    int               `plist:"DsPrsId"`
	Adsid        string            `plist:"adsid"`
	IdmsToken    DataToken         `plist:"GsIdmsToken"`
	AccountName  string            `plist:"acname"`
	StatusCode   int               `plist:"status-code"`
	TokenBundles map[string]*Token `plist:"t"`
}

// PetToken returns the one-time password token used as the loginDelegates
// password. Present only on a payload obtained without a pending second
// factor.
func (sd *ServerData) PetToken() (string, bool) {
	t, ok := sd.TokenBundles["com.apple.gs.idms.pet"]
	if !ok || t == nil || t.Token == "" {
		return "", false
	}
	return t.Token, true
}

// IdentityToken encodes "<adsid>:<GsIdmsToken>" for the 2FA endpoints.
func (sd *ServerData) IdentityToken() string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s:%s", sd.Adsid, sd.IdmsToken)))
}
