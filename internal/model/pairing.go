package model

type (
	Redirect struct {
		Native    string `json:"native,omitempty"`
		Universal string `json:"universal,omitempty"`
	}

	Metadata struct {
		Name        string    `json:"name"`
		Description string    `json:"description"`
		URL         string    `json:"url"`
		Icons       []string  `json:"icons"`
		Redirect    *Redirect `json:"redirect,omitempty"`
	}

	// Pairing is the encrypted channel used to carry proposals.
	Pairing struct {
		Topic        string          `json:"topic"`
		Expiry       *int64          `json:"expiry,omitempty"`
		Relay        ProtocolOptions `json:"relay"`
		Active       bool            `json:"active"`
		PeerMetadata *Metadata       `json:"peerMetadata,omitempty"`
		Methods      []string        `json:"methods,omitempty"`
	}

	// PairingURIParams is the decoded form of a wc: pairing URI.
	PairingURIParams struct {
		Protocol        string
		Version         int
		Topic           string
		SymKey          string
		Relay           ProtocolOptions
		ExpiryTimestamp *int64
		Methods         []string
	}

	PairingDeleteParams = Error

	PairingPingParams struct{}
)

func (p Pairing) ExpiresAt() (int64, bool) {
	if p.Expiry == nil {
		return 0, false
	}
	return *p.Expiry, true
}
