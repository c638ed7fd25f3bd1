package srp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"

	"golang.org/x/crypto/pbkdf2"

	"github.com/rkreutz/openhaystack-server/errorz"
)

// State tracks the lifecycle of one SRP exchange. A session is single use:
// once Verified or Failed it must be discarded, a fresh ephemeral secret is
// mandatory for every attempt.
type State int

const (
	StateCreated State = iota
	StateChallengeSent
	StateChallengeProcessed
	StateVerified
	StateFailed
)

// Variant selects how the raw account password is pre-hashed before PBKDF2.
// The server advertises one of these during the challenge; anything else is
// rejected without guessing.
type Variant int

const (
	VariantS2K Variant = iota
	VariantS2KFO
)

// ParseVariant maps the server's "sp" field onto a Variant, fail-closed.
func ParseVariant(sp string) (Variant, error) {
	switch sp {
	case "s2k":
		return VariantS2K, nil
	case "s2k_fo":
		return VariantS2KFO, nil
	default:
		return 0, errorz.NewUnsupportedVariant(sp)
	}
}

func (v Variant) String() string {
	if v == VariantS2KFO {
		return "s2k_fo"
	}
	return "s2k"
}

// Challenge carries the parameters the server returns from the init step.
// Immutable once received.
type Challenge struct {
	Salt       []byte
	Iterations int
	Variant    Variant
	ServerB    []byte
}

// Session is the client side of one SRP-6a exchange. It is owned exclusively
// by the authentication attempt that created it and is not safe for
// concurrent use.
type Session struct {
	username string
	state    State

	secret *big.Int // ephemeral a
	bigA   *big.Int // public A = g^a mod N

	key         []byte // negotiated K, gated behind verification
	clientProof []byte // M1
	serverProof []byte // expected M2
}

// NewSession generates a fresh random ephemeral secret and the matching
// public value.
func NewSession(username string) *Session {
	a := make([]byte, 32)
	if _, err := rand.Read(a); err != nil {
		panic(err) // crypto/rand failure is not recoverable
	}
	secret := new(big.Int).SetBytes(a)
	return &Session{
		username: username,
		state:    StateCreated,
		secret:   secret,
		bigA:     apple2048.computeA(secret),
	}
}

// Start hands out the public value A to be sent with the init request and
// arms the session for the server's challenge.
func (s *Session) Start() []byte {
	s.state = StateChallengeSent
	return s.bigA.Bytes()
}

// DerivePassword computes the PBKDF2 input for the given variant: the raw
// SHA-256 digest of the password for s2k, or the lowercase hex encoding of
// that digest re-encoded as bytes for s2k_fo, then stretches it with the
// server-provided salt and iteration count.
func DerivePassword(variant Variant, password string, salt []byte, iterations int) []byte {
	digest := sha256.Sum256([]byte(password))
	p := digest[:]
	if variant == VariantS2KFO {
		p = []byte(hex.EncodeToString(p))
	}
	return pbkdf2.Key(p, salt, iterations, sha256.Size, sha256.New)
}

// ProcessChallenge consumes the server's challenge parameters together with
// the account password and produces the client proof M1. The negotiated key
// and the expected server proof are computed here but stay sealed until
// CompleteAndVerify succeeds.
func (s *Session) ProcessChallenge(ch Challenge, password string) ([]byte, error) {
	if s.state != StateChallengeSent {
		return nil, errorz.NewInternalError(fmt.Sprintf("process challenge in state %d", s.state))
	}
	if len(ch.Salt) == 0 || len(ch.ServerB) == 0 {
		s.state = StateFailed
		return nil, errorz.NewChallengeError(fmt.Errorf("empty salt or server public value"))
	}

	derived := DerivePassword(ch.Variant, password, ch.Salt, ch.Iterations)

	bigB := new(big.Int).SetBytes(ch.ServerB)
	x := apple2048.computeX(ch.Salt, derived)
	u := apple2048.computeU(s.bigA, bigB)
	k := apple2048.multiplier()
	S, err := apple2048.computeS(k, x, s.secret, bigB, u)
	if err != nil {
		s.state = StateFailed
		return nil, errorz.NewChallengeError(err)
	}

	s.key = apple2048.digest(S)
	paddedA := apple2048.pad(s.bigA)
	s.clientProof = apple2048.computeM1([]byte(s.username), ch.Salt, paddedA, ch.ServerB, s.key)
	s.serverProof = apple2048.computeM2(paddedA, s.clientProof, s.key)
	s.state = StateChallengeProcessed
	return s.clientProof, nil
}

// CompleteAndVerify checks the server proof M2 against the session's own
// expectation. A mismatch is fatal for the attempt, it means either a
// man-in-the-middle or a protocol desync. On success the negotiated key
// becomes readable.
func (s *Session) CompleteAndVerify(serverM2 []byte) ([]byte, error) {
	if s.state != StateChallengeProcessed {
		return nil, errorz.NewInternalError(fmt.Sprintf("complete in state %d", s.state))
	}
	if !hmac.Equal(s.serverProof, serverM2) {
		s.state = StateFailed
		return nil, errorz.NewSessionVerificationError()
	}
	s.state = StateVerified
	return s.key, nil
}

// Key returns the negotiated session key. Reading it before the server
// proof has been verified is a protocol violation and is refused.
func (s *Session) Key() ([]byte, error) {
	if s.state != StateVerified {
		return nil, errorz.NewInternalError("session key read before server proof verification")
	}
	return s.key, nil
}

// State returns the session's current lifecycle state.
func (s *Session) State() State { return s.state }
