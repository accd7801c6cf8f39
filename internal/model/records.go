package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type (
	// Expiration is one entry of the expirer table.
	Expiration struct {
		Target string `json:"target"`
		Expiry int64  `json:"expiry"`
	}

	// JsonRpcRecord is one request of the RPC history, resolved once its
	// response is known.
	JsonRpcRecord struct {
		ID       int64            `json:"id"`
		Topic    string           `json:"topic"`
		Request  JsonRpcRequest   `json:"request"`
		Response *JsonRpcResponse `json:"response"`
		ChainID  string           `json:"chainId,omitempty"`
		Resolved bool             `json:"resolved"`
		// Sent marks requests this client published, as opposed to received.
		Sent bool `json:"sent,omitempty"`
	}
)

// TopicTarget and IDTarget build the expirer target of a topic or an id.
func TopicTarget(topic string) string { return "topic:" + topic }

func IDTarget(id int64) string { return "id:" + strconv.FormatInt(id, 10) }

// ExpirerTarget is a parsed target; exactly one of Topic and ID is set.
type ExpirerTarget struct {
	Topic string
	ID    *int64
}

func ParseTarget(target string) (ExpirerTarget, error) {
	kind, value, ok := strings.Cut(target, ":")
	if !ok || value == "" {
		return ExpirerTarget{}, fmt.Errorf("invalid expirer target %q", target)
	}
	switch kind {
	case "topic":
		return ExpirerTarget{Topic: value}, nil
	case "id":
		id, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return ExpirerTarget{}, fmt.Errorf("invalid expirer target %q: %w", target, err)
		}
		return ExpirerTarget{ID: &id}, nil
	default:
		return ExpirerTarget{}, fmt.Errorf("unknown expirer target kind %q", kind)
	}
}

// TargetOf turns a store key into an expirer target: integer keys are ids,
// string keys are topics.
func TargetOf(key any) string {
	switch k := key.(type) {
	case int64:
		return IDTarget(k)
	case string:
		return TopicTarget(k)
	default:
		return fmt.Sprintf("topic:%v", k)
	}
}

// ChainIDOf extracts the chain id a wc_sessionRequest targets, if any.
func ChainIDOf(req JsonRpcRequest) string {
	if req.Method != SessionRequest.Name {
		return ""
	}
	var p SessionRequestParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return ""
	}
	return p.ChainID
}
