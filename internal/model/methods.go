package model

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

const (
	ThirtySeconds = 30 * time.Second
	OneMinute     = time.Minute
	FiveMinutes   = 5 * time.Minute
	OneDay        = 24 * time.Hour
	SevenDays     = 7 * OneDay
	ThirtyDays    = 30 * OneDay
)

// ParamsEncoding is how a method's params go on the wire.
type ParamsEncoding int

const (
	ObjectParams ParamsEncoding = iota
	PositionalParams
)

// PositionalEncoder is implemented by params of positional methods.
type PositionalEncoder interface {
	Positional() []any
}

type (
	// PublishOptions is the relay-level envelope policy of one direction of a method.
	PublishOptions struct {
		TTL    time.Duration
		Tag    int64
		Prompt bool
	}

	// Method describes one wc_* method: its wire name, the publish policy of
	// requests and responses, and its params encoding.
	Method struct {
		Name     string
		Request  PublishOptions
		Response PublishOptions
		Reject   *PublishOptions
		Encoding ParamsEncoding
	}
)

var (
	PairingDelete = Method{
		Name:     "wc_pairingDelete",
		Request:  PublishOptions{TTL: OneDay, Tag: 1000},
		Response: PublishOptions{TTL: OneDay, Tag: 1001},
	}
	PairingPing = Method{
		Name:     "wc_pairingPing",
		Request:  PublishOptions{TTL: ThirtySeconds, Tag: 1002},
		Response: PublishOptions{TTL: ThirtySeconds, Tag: 1003},
	}
	SessionPropose = Method{
		Name:     "wc_sessionPropose",
		Request:  PublishOptions{TTL: FiveMinutes, Tag: 1100, Prompt: true},
		Response: PublishOptions{TTL: FiveMinutes, Tag: 1101},
		Reject:   &PublishOptions{TTL: FiveMinutes, Tag: 1120},
	}
	SessionSettle = Method{
		Name:     "wc_sessionSettle",
		Request:  PublishOptions{TTL: FiveMinutes, Tag: 1102},
		Response: PublishOptions{TTL: FiveMinutes, Tag: 1103},
	}
	SessionUpdate = Method{
		Name:     "wc_sessionUpdate",
		Request:  PublishOptions{TTL: OneDay, Tag: 1104},
		Response: PublishOptions{TTL: OneDay, Tag: 1105},
	}
	SessionExtend = Method{
		Name:     "wc_sessionExtend",
		Request:  PublishOptions{TTL: OneDay, Tag: 1106},
		Response: PublishOptions{TTL: OneDay, Tag: 1107},
	}
	SessionRequest = Method{
		Name:     "wc_sessionRequest",
		Request:  PublishOptions{TTL: FiveMinutes, Tag: 1108, Prompt: true},
		Response: PublishOptions{TTL: FiveMinutes, Tag: 1109},
	}
	SessionEvent = Method{
		Name:     "wc_sessionEvent",
		Request:  PublishOptions{TTL: FiveMinutes, Tag: 1110},
		Response: PublishOptions{TTL: FiveMinutes, Tag: 1111},
	}
	SessionDelete = Method{
		Name:     "wc_sessionDelete",
		Request:  PublishOptions{TTL: OneDay, Tag: 1112},
		Response: PublishOptions{TTL: OneDay, Tag: 1113},
	}
	SessionPing = Method{
		Name:     "wc_sessionPing",
		Request:  PublishOptions{TTL: ThirtySeconds, Tag: 1114},
		Response: PublishOptions{TTL: ThirtySeconds, Tag: 1115},
	}
	SessionAuthenticate = Method{
		Name:     "wc_sessionAuthenticate",
		Request:  PublishOptions{TTL: OneDay, Tag: 1116, Prompt: true},
		Response: PublishOptions{TTL: OneDay, Tag: 1117},
		Reject:   &PublishOptions{TTL: OneDay, Tag: 1118},
	}
)

var (
	methodsMu sync.RWMutex
	methods   = map[string]Method{}
)

func init() {
	for _, m := range []Method{
		PairingDelete, PairingPing,
		SessionPropose, SessionSettle, SessionUpdate, SessionExtend,
		SessionRequest, SessionEvent, SessionDelete, SessionPing,
		SessionAuthenticate,
	} {
		RegisterMethod(m)
	}
}

// RegisterMethod adds or replaces a method in the registry. Chain methods
// carried inside wc_sessionRequest may be registered to declare positional
// params.
func RegisterMethod(m Method) {
	methodsMu.Lock()
	methods[m.Name] = m
	methodsMu.Unlock()
}

func LookupMethod(name string) (Method, bool) {
	methodsMu.RLock()
	defer methodsMu.RUnlock()
	m, ok := methods[name]
	return m, ok
}

// ResponseOptions picks the publish policy of a response; error responses
// use the reject policy when the method declares one.
func (m Method) ResponseOptions(isError bool) PublishOptions {
	if isError && m.Reject != nil {
		return *m.Reject
	}
	return m.Response
}

// EncodeParams encodes params following the rule declared for method.
// Unregistered methods use object encoding.
func EncodeParams(method string, params any) (json.RawMessage, error) {
	if params == nil {
		return json.RawMessage("{}"), nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}

	m, _ := LookupMethod(method)
	if m.Encoding == PositionalParams {
		if p, ok := params.(PositionalEncoder); ok {
			return json.Marshal(p.Positional())
		}
		switch params.(type) {
		case []any, []string:
		default:
			return nil, fmt.Errorf("method %s takes positional params, got %T", method, params)
		}
	}
	return json.Marshal(params)
}
