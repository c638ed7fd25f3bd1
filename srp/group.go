// Package srp implements the SRP-6a exchange in the exact shape Apple's GSA
// service expects: the RFC 5054 2048-bit group with SHA-256, and no username
// folded into the private key x.
package srp

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/big"
	"regexp"
)

// group holds the fixed <g, N> pair. Unlike a general purpose SRP library
// there is exactly one instance: GSA negotiates nothing here.
type group struct {
	g *big.Int
	n *big.Int
}

var apple2048 *group

func init() {
	// RFC 5054 appendix A, 2048-bit prime, g=2. Spaces kept for legibility
	// and stripped before decoding.
	const nHex = `
		AC6BDB41 324A9A9B F166DE5E 1389582F AF72B665 1987EE07 FC319294
		3DB56050 A37329CB B4A099ED 8193E075 7767A13D D52312AB 4B03310D
		CD7F48A9 DA04FD50 E8083969 EDB767B0 CF609517 9A163AB3 661A05FB
		D5FAAAE8 2918A996 2F0B93B8 55F97993 EC975EEA A80D740A DBF4FF74
		7359D041 D5C33EA7 1D281E44 6B14773B CA97B43A 23FB8016 76BD207A
		436C6481 F1D2B907 8717461A 5B9D32E6 88F87748 544523B5 24B0D57D
		5EA77A27 75D2ECFA 032CFBDB F52FB378 61602790 04E57AE6 AF874E73
		03CE5329 9CCC041C 7BC308D8 2A5698F3 A8D0C382 71AE35F8 E9DBFBB6
		94B5C803 D89F7AE4 35DE236D 525F5475 9B65E372 FCD68EF2 0FA7111F
		9E4AFF73
	`
	re := regexp.MustCompile("[^0-9a-fA-F]")
	nBytes, err := hex.DecodeString(re.ReplaceAllString(nHex, ""))
	if err != nil {
		panic(err)
	}
	apple2048 = &group{
		g: big.NewInt(2),
		n: new(big.Int).SetBytes(nBytes),
	}
}

func (p *group) byteLen() int {
	return (p.n.BitLen() + 7) / 8
}

// computeA computes the client public value A = g^a mod N.
func (p *group) computeA(a *big.Int) *big.Int {
	return new(big.Int).Exp(p.g, a, p.n)
}

// computeU hashes the padded concatenation of both public values.
func (p *group) computeU(A, B *big.Int) *big.Int {
	h := sha256.New()
	h.Write(p.pad(A))
	h.Write(p.pad(B))
	return new(big.Int).SetBytes(h.Sum(nil))
}

// multiplier computes k = H(N | pad(g)).
func (p *group) multiplier() *big.Int {
	h := sha256.New()
	h.Write(p.n.Bytes())
	h.Write(p.pad(p.g))
	return new(big.Int).SetBytes(h.Sum(nil))
}

// computeX derives the private key x = H(salt | H(":" | password)).
// Apple's variant leaves the username out; only the separator remains.
func (p *group) computeX(salt, password []byte) *big.Int {
	h := sha256.New()
	h.Write([]byte(":"))
	h.Write(password)
	inner := h.Sum(nil)

	h2 := sha256.New()
	h2.Write(salt)
	h2.Write(inner)
	return new(big.Int).SetBytes(h2.Sum(nil))
}

// computeS computes the premaster secret S = (B - k*g^x) ^ (a + u*x) mod N.
func (p *group) computeS(k, x, a, B, u *big.Int) ([]byte, error) {
	if B.Sign() <= 0 || p.n.Cmp(B) <= 0 {
		return nil, errors.New("server public value B out of range 1..N-1")
	}
	gx := new(big.Int).Exp(p.g, x, p.n)
	base := new(big.Int).Sub(B, new(big.Int).Mul(k, gx))
	exp := new(big.Int).Add(a, new(big.Int).Mul(u, x))
	S := new(big.Int).Exp(base, exp, p.n)
	S.Mod(S, p.n)
	return p.pad(S), nil
}

func (p *group) digest(message []byte) []byte {
	h := sha256.New()
	h.Write(message)
	return h.Sum(nil)
}

// computeM1 computes the client proof
// M1 = H((H(N) xor H(pad(g))) | H(username) | salt | A | B | K).
// The username does appear here even though it is absent from x.
func (p *group) computeM1(username, salt, A, B, K []byte) []byte {
	hg := p.digest(p.pad(p.g))
	hn := p.digest(p.n.Bytes())
	xor := make([]byte, len(hn))
	for i := range hn {
		xor[i] = hn[i] ^ hg[i]
	}
	h := sha256.New()
	h.Write(xor)
	h.Write(p.digest(username))
	h.Write(salt)
	h.Write(A)
	h.Write(B)
	h.Write(K)
	return h.Sum(nil)
}

// computeM2 computes the expected server proof M2 = H(A | M1 | K).
func (p *group) computeM2(A, M1, K []byte) []byte {
	h := sha256.New()
	h.Write(A)
	h.Write(M1)
	h.Write(K)
	return h.Sum(nil)
}

func (p *group) pad(number *big.Int) []byte {
	b := number.Bytes()
	if pad := p.byteLen() - len(b); pad > 0 {
		b = append(make([]byte, pad), b...)
	}
	return b
}
