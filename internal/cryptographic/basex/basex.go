package basex

import (
	"errors"
	"fmt"
	"math"
)

const Base58BTCAlphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

var (
	ErrInvalidCharacter = errors.New("basex: invalid character")

	// Base58BTC is the bitcoin base58 codec used by did:key identifiers.
	Base58BTC = MustNew(Base58BTCAlphabet, "base58btc")
)

// Codec encodes bytes as big-endian numbers written in an arbitrary alphabet.
// Each leading zero byte is written as one leader symbol (the first symbol of
// the alphabet) and each leading leader symbol decodes to one zero byte.
type Codec struct {
	name     string
	alphabet []byte
	base     int
	baseMap  [256]byte
	leader   byte
	factor   float64
	iFactor  float64
}

func New(alphabet, name string) (*Codec, error) {
	if len(alphabet) < 2 {
		return nil, fmt.Errorf("basex: alphabet %q too short", name)
	}
	if len(alphabet) >= 255 {
		return nil, fmt.Errorf("basex: alphabet %q too long", name)
	}

	c := &Codec{
		name:     name,
		alphabet: []byte(alphabet),
		base:     len(alphabet),
		leader:   alphabet[0],
	}
	for i := range c.baseMap {
		c.baseMap[i] = 255
	}
	for i := 0; i < len(alphabet); i++ {
		x := alphabet[i]
		if x >= 0x80 {
			return nil, fmt.Errorf("basex: alphabet %q has non-ascii symbol", name)
		}
		if c.baseMap[x] != 255 {
			return nil, fmt.Errorf("basex: %q is ambiguous in alphabet %q", x, name)
		}
		c.baseMap[x] = byte(i)
	}
	c.factor = math.Log(float64(c.base)) / math.Log(256)
	c.iFactor = math.Log(256) / math.Log(float64(c.base))
	return c, nil
}

func MustNew(alphabet, name string) *Codec {
	c, err := New(alphabet, name)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Codec) Name() string { return c.name }

func (c *Codec) Encode(source []byte) string {
	if len(source) == 0 {
		return ""
	}

	zeroes := 0
	for zeroes < len(source) && source[zeroes] == 0 {
		zeroes++
	}

	size := int(float64(len(source)-zeroes)*c.iFactor) + 1
	digits := make([]byte, size)
	length := 0
	for _, b := range source[zeroes:] {
		carry := int(b)
		i := 0
		for it := size - 1; (carry != 0 || i < length) && it >= 0; it, i = it-1, i+1 {
			carry += 256 * int(digits[it])
			digits[it] = byte(carry % c.base)
			carry /= c.base
		}
		length = i
	}

	it := size - length
	for it < size && digits[it] == 0 {
		it++
	}

	out := make([]byte, 0, zeroes+size-it)
	for i := 0; i < zeroes; i++ {
		out = append(out, c.leader)
	}
	for ; it < size; it++ {
		out = append(out, c.alphabet[digits[it]])
	}
	return string(out)
}

func (c *Codec) Decode(source string) ([]byte, error) {
	if len(source) == 0 {
		return []byte{}, nil
	}

	psz := 0
	zeroes := 0
	for psz < len(source) && source[psz] == c.leader {
		zeroes++
		psz++
	}

	size := int(float64(len(source)-psz)*c.factor) + 1
	b256 := make([]byte, size)
	length := 0
	for ; psz < len(source); psz++ {
		carry := int(c.baseMap[source[psz]])
		if carry == 255 {
			return nil, fmt.Errorf("%w %q for %s", ErrInvalidCharacter, source[psz], c.name)
		}
		i := 0
		for it := size - 1; (carry != 0 || i < length) && it >= 0; it, i = it-1, i+1 {
			carry += c.base * int(b256[it])
			b256[it] = byte(carry % 256)
			carry /= 256
		}
		length = i
	}

	it := size - length
	for it < size && b256[it] == 0 {
		it++
	}

	out := make([]byte, zeroes, zeroes+size-it)
	return append(out, b256[it:]...), nil
}
