// Package cacao formats and verifies the CAIP-74 objects returned by
// one-click authentication.
package cacao

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"wc_sign/internal/model"
)

var (
	ErrInvalidSignature     = errors.New("cacao: invalid signature")
	ErrUnsupportedSignature = errors.New("cacao: unsupported signature type")
	ErrInvalidIssuer        = errors.New("cacao: invalid issuer")
	ErrPayloadMismatch      = errors.New("cacao: payload does not match the request")
)

// FormatMessage renders the EIP-4361 message the issuer signs.
func FormatMessage(p model.CacaoPayload) (string, error) {
	chain, address, ok := model.ParseIssuerDID(p.Iss)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidIssuer, p.Iss)
	}
	_, chainRef, _ := strings.Cut(chain, ":")

	statement := p.Statement
	if urn, ok := FindReCap(p.Resources); ok {
		if recap, err := DecodeReCap(urn); err == nil {
			statement = recap.FormatStatement(statement)
		}
	}

	lines := []string{
		p.Domain + " wants you to sign in with your Ethereum account:",
		address,
		"",
	}
	if strings.TrimSpace(statement) != "" {
		lines = append(lines, statement, "")
	}
	lines = append(lines,
		"URI: "+p.Aud,
		"Version: "+p.Version,
		"Chain ID: "+chainRef,
		"Nonce: "+p.Nonce,
		"Issued At: "+p.Iat,
	)
	if p.Exp != "" {
		lines = append(lines, "Expiration Time: "+p.Exp)
	}
	if p.Nbf != "" {
		lines = append(lines, "Not Before: "+p.Nbf)
	}
	if len(p.Resources) > 0 {
		res := make([]string, len(p.Resources))
		for i, r := range p.Resources {
			res[i] = "- " + r
		}
		lines = append(lines, "Resources:\n"+strings.Join(res, "\n"))
	}
	return strings.Join(lines, "\n"), nil
}

// Verify checks that the signature of c was produced by the address of its
// issuer. Only EIP-191 personal signatures are supported.
func Verify(c model.Cacao) error {
	if c.S.T != model.EIP191Signature {
		return fmt.Errorf("%w: %q", ErrUnsupportedSignature, c.S.T)
	}
	_, address, ok := model.ParseIssuerDID(c.P.Iss)
	if !ok || !common.IsHexAddress(address) {
		return fmt.Errorf("%w: %q", ErrInvalidIssuer, c.P.Iss)
	}
	msg, err := FormatMessage(c.P)
	if err != nil {
		return err
	}
	sig, err := hexutil.Decode(c.S.S)
	if err != nil || len(sig) != crypto.SignatureLength {
		return fmt.Errorf("%w: malformed", ErrInvalidSignature)
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(msg)), sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if crypto.PubkeyToAddress(*pub) != common.HexToAddress(address) {
		return fmt.Errorf("%w: signer is not %s", ErrInvalidSignature, address)
	}
	return nil
}

// VerifyRequest verifies c and checks that it answers req: same domain,
// nonce and audience, issued on one of the requested chains.
func VerifyRequest(c model.Cacao, req model.AuthPayloadParams) error {
	chain, _, ok := model.ParseIssuerDID(c.P.Iss)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidIssuer, c.P.Iss)
	}
	switch {
	case c.P.Domain != req.Domain:
		return fmt.Errorf("%w: domain %q", ErrPayloadMismatch, c.P.Domain)
	case c.P.Nonce != req.Nonce:
		return fmt.Errorf("%w: nonce %q", ErrPayloadMismatch, c.P.Nonce)
	case c.P.Aud != req.Aud:
		return fmt.Errorf("%w: aud %q", ErrPayloadMismatch, c.P.Aud)
	case !slices.Contains(req.Chains, chain):
		return fmt.Errorf("%w: chain %s was not requested", ErrPayloadMismatch, chain)
	}
	return Verify(c)
}

// Sign builds the CACAO of payload signed with key, as a wallet does.
func Sign(p model.CacaoPayload, key *ecdsa.PrivateKey) (model.Cacao, error) {
	msg, err := FormatMessage(p)
	if err != nil {
		return model.Cacao{}, err
	}
	sig, err := crypto.Sign(accounts.TextHash([]byte(msg)), key)
	if err != nil {
		return model.Cacao{}, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return model.Cacao{
		H: model.CacaoHeader{T: model.CacaoHeaderType},
		P: p,
		S: model.CacaoSignature{T: model.EIP191Signature, S: hexutil.Encode(sig)},
	}, nil
}

// Address is the checksummed address of key.
func Address(key *ecdsa.PrivateKey) string {
	return crypto.PubkeyToAddress(key.PublicKey).Hex()
}
