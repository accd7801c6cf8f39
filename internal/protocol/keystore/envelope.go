package keystore

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"wc_sign/internal/cryptographic/encryption"
	"wc_sign/internal/model"
)

const (
	// Type0 messages are sealed with the topic's symmetric key.
	Type0 byte = 0
	// Type1 messages carry the sender public key so the receiver can derive
	// the key on first contact.
	Type1 byte = 1

	publicKeySize = 32
)

type (
	EncodeOptions struct {
		Type              byte
		SenderPublicKey   string
		ReceiverPublicKey string
	}

	DecodeOptions struct {
		// ReceiverPublicKey selects the local key pair used to open type 1
		// envelopes.
		ReceiverPublicKey string
	}

	envelope struct {
		typ       byte
		senderPub []byte
		iv        []byte
		sealed    []byte
	}
)

// Encode seals payload for topic and returns the base64 envelope.
func (k *KeyStore) Encode(topic string, payload []byte, opts *EncodeOptions) (string, error) {
	var (
		typ       = Type0
		senderPub []byte
		key       []byte
		err       error
	)
	if opts != nil && opts.Type == Type1 {
		typ = Type1
		if opts.SenderPublicKey == "" || opts.ReceiverPublicKey == "" {
			return "", model.ErrorFromType(model.MissingOrInvalid, "type 1 envelope needs sender and receiver keys")
		}
		if senderPub, err = hex.DecodeString(opts.SenderPublicKey); err != nil || len(senderPub) != publicKeySize {
			return "", model.ErrorFromType(model.MissingOrInvalid, "sender public key")
		}
		if key, err = k.deriveSymKey(opts.SenderPublicKey, opts.ReceiverPublicKey); err != nil {
			return "", err
		}
	} else if key, err = k.topicKey(topic); err != nil {
		return "", err
	}

	iv, err := encryption.NewIV()
	if err != nil {
		return "", err
	}
	sealed, err := encryption.AEADEncrypt(key, iv, payload, nil)
	if err != nil {
		return "", err
	}
	return serialize(envelope{typ: typ, senderPub: senderPub, iv: iv, sealed: sealed}), nil
}

// Decode opens a base64 envelope received on topic. Authentication failures
// are reported as ErrDecryption.
func (k *KeyStore) Decode(topic, message string, opts *DecodeOptions) ([]byte, error) {
	env, err := deserialize(message)
	if err != nil {
		return nil, err
	}

	var key []byte
	if env.typ == Type1 {
		if opts == nil || opts.ReceiverPublicKey == "" {
			return nil, model.ErrorFromType(model.MissingOrInvalid, "type 1 envelope without receiver key")
		}
		key, err = k.deriveSymKey(opts.ReceiverPublicKey, hex.EncodeToString(env.senderPub))
	} else {
		key, err = k.topicKey(topic)
	}
	if err != nil {
		return nil, err
	}

	plain, err := encryption.AEADDecrypt(key, env.iv, env.sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: topic %s: %v", ErrDecryption, topic, err)
	}
	return plain, nil
}

// EnvelopeType peeks at the type byte of a base64 envelope.
func EnvelopeType(message string) (byte, error) {
	env, err := deserialize(message)
	if err != nil {
		return 0, err
	}
	return env.typ, nil
}

// SenderPublicKey returns the sender key carried by a type 1 envelope.
func SenderPublicKey(message string) (string, error) {
	env, err := deserialize(message)
	if err != nil {
		return "", err
	}
	if env.typ != Type1 {
		return "", model.ErrorFromType(model.MissingOrInvalid, "not a type 1 envelope")
	}
	return hex.EncodeToString(env.senderPub), nil
}

func (k *KeyStore) topicKey(topic string) ([]byte, error) {
	symKey, err := k.get(topic)
	if err != nil {
		return nil, err
	}
	return hex.DecodeString(symKey)
}

func serialize(e envelope) string {
	out := make([]byte, 0, 1+len(e.senderPub)+len(e.iv)+len(e.sealed))
	out = append(out, e.typ)
	if e.typ == Type1 {
		out = append(out, e.senderPub...)
	}
	out = append(out, e.iv...)
	out = append(out, e.sealed...)
	return base64.StdEncoding.EncodeToString(out)
}

func deserialize(message string) (envelope, error) {
	raw, err := base64.StdEncoding.DecodeString(message)
	if err != nil {
		return envelope{}, fmt.Errorf("%w: not base64: %v", ErrDecryption, err)
	}
	if len(raw) < 1 {
		return envelope{}, fmt.Errorf("%w: empty envelope", ErrDecryption)
	}

	e := envelope{typ: raw[0]}
	rest := raw[1:]
	switch e.typ {
	case Type0:
	case Type1:
		if len(rest) < publicKeySize {
			return envelope{}, fmt.Errorf("%w: short type 1 envelope", ErrDecryption)
		}
		e.senderPub, rest = rest[:publicKeySize], rest[publicKeySize:]
	default:
		return envelope{}, fmt.Errorf("%w: unknown envelope type %d", ErrDecryption, e.typ)
	}
	if len(rest) < encryption.IVSize {
		return envelope{}, fmt.Errorf("%w: short envelope", ErrDecryption)
	}
	e.iv, e.sealed = rest[:encryption.IVSize], rest[encryption.IVSize:]
	return e, nil
}
