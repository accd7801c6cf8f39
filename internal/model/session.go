package model

import (
	"encoding/json"
	"strings"
)

type (
	// ProposedNamespace is what a proposer asks for in one namespace.
	ProposedNamespace struct {
		Chains  []string `json:"chains,omitempty"`
		Methods []string `json:"methods"`
		Events  []string `json:"events"`
	}

	// Namespace is what a responder grants in one namespace.
	Namespace struct {
		Chains   []string `json:"chains,omitempty"`
		Accounts []string `json:"accounts"`
		Methods  []string `json:"methods"`
		Events   []string `json:"events"`
	}

	RequiredNamespaces map[string]ProposedNamespace

	Namespaces map[string]Namespace

	Participant struct {
		PublicKey string   `json:"publicKey"`
		Metadata  Metadata `json:"metadata"`
	}

	Proposal struct {
		ID                 int64              `json:"id"`
		PairingTopic       string             `json:"pairingTopic"`
		Expiry             int64              `json:"expiry"`
		Proposer           Participant        `json:"proposer"`
		Relays             []ProtocolOptions  `json:"relays"`
		RequiredNamespaces RequiredNamespaces `json:"requiredNamespaces"`
		OptionalNamespaces RequiredNamespaces `json:"optionalNamespaces,omitempty"`
		SessionProperties  map[string]string  `json:"sessionProperties,omitempty"`
		SessionTopic       string             `json:"sessionTopic,omitempty"`
	}

	Session struct {
		Topic              string             `json:"topic"`
		PairingTopic       string             `json:"pairingTopic"`
		Relay              ProtocolOptions    `json:"relay"`
		Expiry             int64              `json:"expiry"`
		Namespaces         Namespaces         `json:"namespaces"`
		Acknowledged       bool               `json:"acknowledged"`
		Controller         string             `json:"controller"`
		Self               Participant        `json:"self"`
		Peer               Participant        `json:"peer"`
		RequiredNamespaces RequiredNamespaces `json:"requiredNamespaces,omitempty"`
		OptionalNamespaces RequiredNamespaces `json:"optionalNamespaces,omitempty"`
		SessionProperties  map[string]string  `json:"sessionProperties,omitempty"`
	}

	// PendingRequest is a wc_sessionRequest received by a wallet and not yet
	// answered.
	PendingRequest struct {
		ID     int64                `json:"id"`
		Topic  string               `json:"topic"`
		Params SessionRequestParams `json:"params"`
		Expiry int64                `json:"expiry"`
	}

	SessionProposeParams struct {
		Relays             []ProtocolOptions  `json:"relays"`
		Proposer           Participant        `json:"proposer"`
		RequiredNamespaces RequiredNamespaces `json:"requiredNamespaces"`
		OptionalNamespaces RequiredNamespaces `json:"optionalNamespaces,omitempty"`
		SessionProperties  map[string]string  `json:"sessionProperties,omitempty"`
		ExpiryTimestamp    int64              `json:"expiryTimestamp,omitempty"`
	}

	SessionProposeResponse struct {
		Relay              ProtocolOptions `json:"relay"`
		ResponderPublicKey string          `json:"responderPublicKey"`
	}

	SessionSettleParams struct {
		Relay              ProtocolOptions    `json:"relay"`
		Namespaces         Namespaces         `json:"namespaces"`
		RequiredNamespaces RequiredNamespaces `json:"requiredNamespaces,omitempty"`
		OptionalNamespaces RequiredNamespaces `json:"optionalNamespaces,omitempty"`
		SessionProperties  map[string]string  `json:"sessionProperties,omitempty"`
		Expiry             int64              `json:"expiry"`
		Controller         Participant        `json:"controller"`
	}

	SessionUpdateParams struct {
		Namespaces Namespaces `json:"namespaces"`
	}

	SessionExtendParams struct{}

	SessionPingParams struct{}

	SessionDeleteParams = Error

	RequestArguments struct {
		Method          string          `json:"method"`
		Params          json.RawMessage `json:"params"`
		ExpiryTimestamp int64           `json:"expiryTimestamp,omitempty"`
	}

	SessionRequestParams struct {
		Request RequestArguments `json:"request"`
		ChainID string           `json:"chainId"`
	}

	EventData struct {
		Name string          `json:"name"`
		Data json.RawMessage `json:"data"`
	}

	SessionEventParams struct {
		Event   EventData `json:"event"`
		ChainID string    `json:"chainId"`
	}
)

func (p Proposal) ExpiresAt() (int64, bool) { return p.Expiry, p.Expiry > 0 }

func (s Session) ExpiresAt() (int64, bool) { return s.Expiry, s.Expiry > 0 }

func (r PendingRequest) ExpiresAt() (int64, bool) { return r.Expiry, r.Expiry > 0 }

// NamespaceOfChain returns "eip155" for "eip155:1"; a bare key is returned as is.
func NamespaceOfChain(chain string) string {
	if i := strings.IndexByte(chain, ':'); i >= 0 {
		return chain[:i]
	}
	return chain
}

// SplitAccount splits a CAIP-10 account "ns:ref:address" into chain and address.
func SplitAccount(account string) (chain, address string, ok bool) {
	parts := strings.Split(account, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[0] + ":" + parts[1], parts[2], true
}

// AllChains lists the chains a granted namespace covers, explicit chains
// first, then chains of accounts, without duplicates.
func (n Namespace) AllChains() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(c string) {
		if c != "" && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	for _, c := range n.Chains {
		add(c)
	}
	for _, a := range n.Accounts {
		if chain, _, ok := SplitAccount(a); ok {
			add(chain)
		}
	}
	return out
}

// ChainsOf returns the chains a proposed namespace keyed by key covers. A key
// that is itself a chain ("eip155:1") stands for that chain.
func (n ProposedNamespace) ChainsOf(key string) []string {
	if strings.Contains(key, ":") {
		return []string{key}
	}
	return n.Chains
}

// Find returns the granted namespace covering chain.
func (ns Namespaces) Find(chain string) (Namespace, bool) {
	if n, ok := ns[chain]; ok {
		return n, true
	}
	n, ok := ns[NamespaceOfChain(chain)]
	return n, ok
}

// Accounts flattens the accounts of every namespace.
func (ns Namespaces) Accounts() []string {
	var out []string
	for _, n := range ns {
		out = append(out, n.Accounts...)
	}
	return out
}

// NamespacesFromAuth builds granted namespaces out of the methods and
// accounts approved by one-click authentication.
func NamespacesFromAuth(methods, accounts []string) Namespaces {
	ns := Namespaces{}
	for _, account := range accounts {
		chain, _, ok := SplitAccount(account)
		if !ok {
			continue
		}
		key := NamespaceOfChain(chain)
		n, exists := ns[key]
		if !exists {
			n = Namespace{
				Methods: append([]string(nil), methods...),
				Events:  []string{"chainChanged", "accountsChanged"},
			}
		}
		if !contains(n.Chains, chain) {
			n.Chains = append(n.Chains, chain)
		}
		if !contains(n.Accounts, account) {
			n.Accounts = append(n.Accounts, account)
		}
		ns[key] = n
	}
	return ns
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
