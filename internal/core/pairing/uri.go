package pairing

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"wc_sign/internal/core"
	"wc_sign/internal/model"
)

// FormatURI renders wc:<topic>@2?relay-protocol=..&symKey=..[&expiryTimestamp=..][&methods=..].
func FormatURI(p model.PairingURIParams) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s:%s@%d?relay-protocol=%s&symKey=%s",
		core.Protocol, p.Topic, core.Version, url.QueryEscape(p.Relay.Protocol), p.SymKey)
	if p.Relay.Data != "" {
		b.WriteString("&relay-data=" + url.QueryEscape(p.Relay.Data))
	}
	if p.ExpiryTimestamp != nil {
		b.WriteString("&expiryTimestamp=" + strconv.FormatInt(*p.ExpiryTimestamp, 10))
	}
	if len(p.Methods) > 0 {
		b.WriteString("&methods=" + url.QueryEscape(strings.Join(p.Methods, ",")))
	}
	return b.String()
}

// ParseURI decodes and validates a pairing URI.
func ParseURI(uri string) (model.PairingURIParams, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return model.PairingURIParams{}, model.Errorf(model.MissingOrInvalid, "pairing uri: %v", err)
	}
	if u.Scheme != core.Protocol {
		return model.PairingURIParams{}, model.Errorf(model.MissingOrInvalid, "pairing uri protocol %q", u.Scheme)
	}
	topic, ver, ok := strings.Cut(u.Opaque, "@")
	if !ok || topic == "" {
		return model.PairingURIParams{}, model.ErrorFromType(model.MissingOrInvalid, "pairing uri topic")
	}
	version, err := strconv.Atoi(ver)
	if err != nil || version != core.Version {
		return model.PairingURIParams{}, model.Errorf(model.MissingOrInvalid, "pairing uri version %q", ver)
	}

	q := u.Query()
	p := model.PairingURIParams{
		Protocol: u.Scheme,
		Version:  version,
		Topic:    topic,
		SymKey:   q.Get("symKey"),
		Relay: model.ProtocolOptions{
			Protocol: q.Get("relay-protocol"),
			Data:     q.Get("relay-data"),
		},
	}
	if raw, err := hex.DecodeString(p.SymKey); err != nil || len(raw) != 32 {
		return model.PairingURIParams{}, model.ErrorFromType(model.MissingOrInvalid, "pairing uri symKey")
	}
	if p.Relay.Protocol == "" {
		return model.PairingURIParams{}, model.ErrorFromType(model.MissingOrInvalid, "pairing uri relay-protocol")
	}
	if s := q.Get("expiryTimestamp"); s != "" {
		exp, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return model.PairingURIParams{}, model.ErrorFromType(model.MissingOrInvalid, "pairing uri expiryTimestamp")
		}
		p.ExpiryTimestamp = &exp
	}
	if s := q.Get("methods"); s != "" {
		p.Methods = strings.Split(s, ",")
	}
	return p, nil
}
