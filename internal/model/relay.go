package model

import "encoding/json"

const (
	RelayProtocol = "irn"

	RelayPublish        = "irn_publish"
	RelaySubscribe      = "irn_subscribe"
	RelayBatchSubscribe = "irn_batchSubscribe"
	RelayUnsubscribe    = "irn_unsubscribe"
	RelaySubscription   = "irn_subscription"
)

type (
	// ProtocolOptions names the relay protocol a topic is reachable through.
	ProtocolOptions struct {
		Protocol string `json:"protocol"`
		Data     string `json:"data,omitempty"`
	}

	RelayPublishParams struct {
		Topic   string `json:"topic"`
		Message string `json:"message"`
		TTL     int64  `json:"ttl"`
		Tag     int64  `json:"tag"`
		Prompt  bool   `json:"prompt,omitempty"`
	}

	RelaySubscribeParams struct {
		Topic string `json:"topic"`
	}

	RelayBatchSubscribeParams struct {
		Topics []string `json:"topics"`
	}

	RelayUnsubscribeParams struct {
		Topic string `json:"topic"`
		ID    string `json:"id"`
	}

	RelaySubscriptionData struct {
		Topic       string `json:"topic"`
		Message     string `json:"message"`
		PublishedAt int64  `json:"publishedAt,omitempty"`
		Tag         int64  `json:"tag,omitempty"`
	}

	RelaySubscriptionParams struct {
		ID   string                `json:"id"`
		Data RelaySubscriptionData `json:"data"`
	}

	// MessageEvent is an encrypted message delivered on a subscribed topic.
	MessageEvent struct {
		Topic       string
		Message     string
		PublishedAt int64
		Tag         int64
	}

	// DecodedMessageEvent is a MessageEvent after decryption.
	DecodedMessageEvent struct {
		MessageEvent
		Payload JsonRpcPayload
	}

	PendingSubscription struct {
		Topic string          `json:"topic"`
		Relay ProtocolOptions `json:"relay"`
	}

	ActiveSubscription struct {
		ID    string          `json:"id"`
		Topic string          `json:"topic"`
		Relay ProtocolOptions `json:"relay"`
	}

	DeletedSubscription struct {
		ActiveSubscription
		Reason *Error `json:"reason"`
	}

	PublishedMessage struct {
		Topic   string
		Message string
		Options PublishOptions
	}
)

// DecodePayload classifies a decrypted JSON-RPC message.
func DecodePayload(data []byte) (JsonRpcPayload, error) {
	var p JsonRpcPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return JsonRpcPayload{}, err
	}
	return p, nil
}
