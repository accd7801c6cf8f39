package model

import "strings"

const (
	AuthPublicKeyName = "PUB_KEY"
	CacaoHeaderType   = "caip122"
	EIP191Signature   = "eip191"
)

type (
	// AuthPayloadParams is the SIWE-style payload a requester asks a wallet
	// to sign, one CACAO per chain.
	AuthPayloadParams struct {
		Chains       []string `json:"chains"`
		Domain       string   `json:"domain"`
		Nonce        string   `json:"nonce"`
		Aud          string   `json:"aud"`
		Type         string   `json:"type,omitempty"`
		Nbf          string   `json:"nbf,omitempty"`
		Exp          string   `json:"exp,omitempty"`
		Iat          string   `json:"iat"`
		Statement    string   `json:"statement,omitempty"`
		RequestID    string   `json:"requestId,omitempty"`
		Resources    []string `json:"resources,omitempty"`
		PairingTopic string   `json:"pairingTopic,omitempty"`
		Version      string   `json:"version,omitempty"`
	}

	SessionAuthenticateParams struct {
		Requester       Participant       `json:"requester"`
		AuthPayload     AuthPayloadParams `json:"authPayload"`
		ExpiryTimestamp int64             `json:"expiryTimestamp"`
	}

	CacaoHeader struct {
		T string `json:"t"`
	}

	CacaoPayload struct {
		Domain    string   `json:"domain"`
		Iss       string   `json:"iss"`
		Aud       string   `json:"aud"`
		Version   string   `json:"version"`
		Nonce     string   `json:"nonce"`
		Iat       string   `json:"iat"`
		Nbf       string   `json:"nbf,omitempty"`
		Exp       string   `json:"exp,omitempty"`
		Statement string   `json:"statement,omitempty"`
		RequestID string   `json:"requestId,omitempty"`
		Resources []string `json:"resources,omitempty"`
	}

	CacaoSignature struct {
		T string `json:"t"`
		S string `json:"s"`
		M string `json:"m,omitempty"`
	}

	// Cacao is a CAIP-74 signed authorization object.
	Cacao struct {
		H CacaoHeader    `json:"h"`
		P CacaoPayload   `json:"p"`
		S CacaoSignature `json:"s"`
	}

	AuthenticateResponse struct {
		Cacaos    []Cacao     `json:"cacaos"`
		Responder Participant `json:"responder"`
	}

	AuthPendingRequest struct {
		ID           int64             `json:"id"`
		PairingTopic string            `json:"pairingTopic"`
		Requester    Participant       `json:"requester"`
		Payload      AuthPayloadParams `json:"payloadParams"`
		Expiry       int64             `json:"expiry,omitempty"`
	}

	// AuthKey is the requester key whose hash is the authenticate response topic.
	AuthKey struct {
		ResponseTopic string `json:"responseTopic"`
		PublicKey     string `json:"publicKey"`
	}

	AuthPairing struct {
		ResponseTopic string `json:"responseTopic"`
		PairingTopic  string `json:"pairingTopic"`
	}
)

func (r AuthPendingRequest) ExpiresAt() (int64, bool) { return r.Expiry, r.Expiry > 0 }

// PayloadFor builds the CACAO payload the wallet signs for issuer iss.
func (p AuthPayloadParams) PayloadFor(iss string) CacaoPayload {
	version := p.Version
	if version == "" {
		version = "1"
	}
	return CacaoPayload{
		Domain:    p.Domain,
		Iss:       iss,
		Aud:       p.Aud,
		Version:   version,
		Nonce:     p.Nonce,
		Iat:       p.Iat,
		Nbf:       p.Nbf,
		Exp:       p.Exp,
		Statement: p.Statement,
		RequestID: p.RequestID,
		Resources: p.Resources,
	}
}

// IssuerDID returns did:pkh:<chain>:<address>.
func IssuerDID(chain, address string) string {
	return "did:pkh:" + chain + ":" + address
}

// ParseIssuerDID splits did:pkh:eip155:1:0xabc into chain "eip155:1" and
// address "0xabc".
func ParseIssuerDID(iss string) (chain, address string, ok bool) {
	rest, found := strings.CutPrefix(iss, "did:pkh:")
	if !found {
		return "", "", false
	}
	return SplitAccount(rest)
}
