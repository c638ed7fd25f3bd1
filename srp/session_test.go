package srp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"

	"github.com/rkreutz/openhaystack-server/errorz"
)

// referenceServer is the server side of the exchange, computed from first
// principles so session results are checked against independent math.
type referenceServer struct {
	salt     []byte
	verifier *big.Int
	b        *big.Int
	bigB     *big.Int
}

func newReferenceServer(t *testing.T, derivedPassword, salt []byte) *referenceServer {
	t.Helper()
	x := apple2048.computeX(salt, derivedPassword)
	v := new(big.Int).Exp(apple2048.g, x, apple2048.n)

	raw := make([]byte, 32)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	b := new(big.Int).SetBytes(raw)

	// B = (k*v + g^b) mod N
	k := apple2048.multiplier()
	gb := new(big.Int).Exp(apple2048.g, b, apple2048.n)
	B := new(big.Int).Add(new(big.Int).Mul(k, v), gb)
	B.Mod(B, apple2048.n)

	return &referenceServer{salt: salt, verifier: v, b: b, bigB: B}
}

// complete consumes the client's public value and proof, returning the
// server proof M2 and session key K.
func (s *referenceServer) complete(t *testing.T, username string, A, clientM1 []byte) (m2, key []byte) {
	t.Helper()
	bigA := new(big.Int).SetBytes(A)
	u := apple2048.computeU(bigA, s.bigB)

	// S = (A * v^u)^b mod N
	vu := new(big.Int).Exp(s.verifier, u, apple2048.n)
	base := new(big.Int).Mul(bigA, vu)
	base.Mod(base, apple2048.n)
	S := new(big.Int).Exp(base, s.b, apple2048.n)

	key = apple2048.digest(apple2048.pad(S))
	paddedA := apple2048.pad(bigA)
	expectedM1 := apple2048.computeM1([]byte(username), s.salt, paddedA, apple2048.pad(s.bigB), key)
	require.Equal(t, expectedM1, clientM1, "client proof does not match reference computation")
	return apple2048.computeM2(paddedA, expectedM1, key), key
}

// runExchangeSplit drives a full exchange up to (but not including)
// verification, returning the session, the reference server, the server
// proof and the server's session key.
func runExchangeSplit(t *testing.T, variant Variant) (*Session, *referenceServer, []byte, []byte) {
	t.Helper()
	const (
		username   = "user@example.com"
		password   = "correct-horse"
		iterations = 19840
	)
	salt := []byte{0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc, 0xde, 0xf0}

	derived := DerivePassword(variant, password, salt, iterations)
	server := newReferenceServer(t, derived, salt)

	session := NewSession(username)
	A := session.Start()
	m1, err := session.ProcessChallenge(Challenge{
		Salt:       salt,
		Iterations: iterations,
		Variant:    variant,
		ServerB:    apple2048.pad(server.bigB),
	}, password)
	require.NoError(t, err)

	m2, key := server.complete(t, username, A, m1)
	return session, server, m2, key
}

func TestFullExchangeVerifies(t *testing.T) {
	for _, variant := range []Variant{VariantS2K, VariantS2KFO} {
		t.Run(variant.String(), func(t *testing.T) {
			session, _, m2, serverKey := runExchangeSplit(t, variant)

			key, err := session.CompleteAndVerify(m2)
			require.NoError(t, err)
			assert.Equal(t, serverKey, key, "negotiated keys diverge")
			assert.Equal(t, StateVerified, session.State())

			got, err := session.Key()
			require.NoError(t, err)
			assert.Equal(t, serverKey, got)
		})
	}
}

func TestServerProofMismatchFailsSession(t *testing.T) {
	session, _, m2, _ := runExchangeSplit(t, VariantS2K)
	m2[0] ^= 0xff

	_, err := session.CompleteAndVerify(m2)
	require.Error(t, err)
	assert.True(t, errorz.IsKind(err, errorz.KindSessionVerification))
	assert.Equal(t, StateFailed, session.State())

	_, err = session.Key()
	assert.Error(t, err, "key must stay sealed after failed verification")
}

func TestKeySealedBeforeVerification(t *testing.T) {
	session, _, _, _ := runExchangeSplit(t, VariantS2K)
	_, err := session.Key()
	assert.Error(t, err)
}

func TestProcessChallengeRejectsBadServerValue(t *testing.T) {
	cases := map[string]Challenge{
		"empty B":    {Salt: []byte{1, 2}, Iterations: 1000, ServerB: nil},
		"empty salt": {Salt: nil, Iterations: 1000, ServerB: []byte{1}},
		"B equals N": {Salt: []byte{1, 2}, Iterations: 1000, ServerB: apple2048.n.Bytes()},
	}
	for name, ch := range cases {
		t.Run(name, func(t *testing.T) {
			session := NewSession("user@example.com")
			session.Start()
			_, err := session.ProcessChallenge(ch, "pw")
			require.Error(t, err)
			assert.True(t, errorz.IsKind(err, errorz.KindChallenge))
			assert.Equal(t, StateFailed, session.State())
		})
	}
}

func TestProcessChallengeRequiresStart(t *testing.T) {
	session := NewSession("user@example.com")
	_, err := session.ProcessChallenge(Challenge{Salt: []byte{1}, ServerB: []byte{2}}, "pw")
	assert.Error(t, err)
}

func TestDerivePasswordS2KFOUsesHexDigest(t *testing.T) {
	const password = "correct-horse"
	salt := []byte{0x12, 0x34, 0x56, 0x78}
	const iterations = 19840

	digest := sha256.Sum256([]byte(password))
	wantInput := []byte(hex.EncodeToString(digest[:]))
	want := pbkdf2.Key(wantInput, salt, iterations, sha256.Size, sha256.New)

	got := DerivePassword(VariantS2KFO, password, salt, iterations)
	assert.Equal(t, want, got, "s2k_fo must stretch the hex string, not the raw digest")

	raw := pbkdf2.Key(digest[:], salt, iterations, sha256.Size, sha256.New)
	assert.Equal(t, raw, DerivePassword(VariantS2K, password, salt, iterations))
	assert.NotEqual(t, got, raw)
}

func TestParseVariantFailsClosed(t *testing.T) {
	v, err := ParseVariant("s2k")
	require.NoError(t, err)
	assert.Equal(t, VariantS2K, v)

	v, err = ParseVariant("s2k_fo")
	require.NoError(t, err)
	assert.Equal(t, VariantS2KFO, v)

	_, err = ParseVariant("s2k_fo_v2")
	require.Error(t, err)
	assert.True(t, errorz.IsKind(err, errorz.KindUnsupportedVariant))
}

func TestFreshSessionsUseFreshEphemerals(t *testing.T) {
	a := NewSession("user@example.com")
	b := NewSession("user@example.com")
	assert.NotEqual(t, a.bigA, b.bigA)
}

func TestExpectedServerProofUsesHMACEqual(t *testing.T) {
	// Sanity check on the comparison primitive: different lengths never match.
	assert.False(t, hmac.Equal([]byte{1, 2, 3}, []byte{1, 2}))
}
