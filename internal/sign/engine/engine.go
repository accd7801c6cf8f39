// Package engine drives the sign protocol: proposals, settlement, session
// maintenance, session requests and one-click authentication.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"wc_sign/internal/core"
	"wc_sign/internal/core/pairing"
	"wc_sign/internal/core/store"
	"wc_sign/internal/events"
	"wc_sign/internal/model"
	"wc_sign/internal/protocol/keystore"
	"wc_sign/internal/utils/log"
)

const (
	ProposalStorageKey = "wc@2:client:0.3//proposal"
	SessionStorageKey  = "wc@2:client:0.3//session"
	RequestStorageKey  = "wc@2:client:0.3//request"

	AuthKeysStorageKey     = "wc@2:auth:0.3//keys"
	AuthPairingsStorageKey = "wc@2:auth:0.3//pairingTopics"
	AuthRequestsStorageKey = "wc@2:auth:0.3//requests"

	DefaultSessionExpiry = model.SevenDays
)

type (
	ConnectionError struct {
		ProposalID int64
		Err        *model.Error
	}

	// SessionClosed reports a session that is gone, with the reason.
	SessionClosed struct {
		Topic  string
		Reason *model.Error
	}

	SessionUpdate struct {
		ID         int64
		Topic      string
		Namespaces model.Namespaces
	}

	SessionExtend struct {
		ID     int64
		Topic  string
		Expiry int64
	}

	SessionPing struct {
		ID    int64
		Topic string
	}

	ChainEvent struct {
		ID     int64
		Topic  string
		Params model.SessionEventParams
	}

	// Authenticated is the outcome of a one-click authentication. Session is
	// nil when the wallet approved no methods.
	Authenticated struct {
		ID      int64
		Session *model.Session
		Auths   []model.Cacao
	}

	AuthError struct {
		ID  int64
		Err error
	}

	Options struct {
		Metadata      model.Metadata
		SessionExpiry time.Duration
		Logger        *zap.Logger
	}

	Engine struct {
		SessionProposal          events.Emitter[model.Proposal]
		SessionConnected         events.Emitter[model.Session]
		SessionConnectionErrored events.Emitter[ConnectionError]
		SessionApproved          events.Emitter[model.Session]
		SessionRejected          events.Emitter[SessionClosed]
		SessionUpdated           events.Emitter[SessionUpdate]
		SessionExtended          events.Emitter[SessionExtend]
		SessionPinged            events.Emitter[SessionPing]
		SessionDeleted           events.Emitter[SessionClosed]
		SessionExpired           events.Emitter[SessionClosed]
		ProposalExpired          events.Emitter[model.Proposal]
		SessionRequest           events.Emitter[model.PendingRequest]
		SessionRequestExpired    events.Emitter[model.PendingRequest]
		SessionEventReceived     events.Emitter[ChainEvent]

		SessionAuthenticateRequest events.Emitter[model.AuthPendingRequest]
		SessionAuthenticated       events.Emitter[Authenticated]
		SessionAuthenticateErrored events.Emitter[AuthError]

		Proposals    *store.Store[int64, model.Proposal]
		Sessions     *store.Store[string, model.Session]
		Requests     *store.Store[int64, model.PendingRequest]
		AuthKeys     *store.Store[string, model.AuthKey]
		AuthPairings *store.Store[string, model.AuthPairing]
		AuthRequests *store.Store[int64, model.AuthPendingRequest]

		core          *core.Core
		pairings      *pairing.Pairings
		metadata      model.Metadata
		sessionExpiry time.Duration
		logger        *zap.Logger

		locks     *keyMutex
		approvals *waitlist[model.Session]
		settles   *waitlist[model.Session]
		confirms  *waitlist[struct{}]
		auths     *waitlist[Authenticated]
		detach    []func()
	}
)

func New(c *core.Core, p *pairing.Pairings, opts Options) *Engine {
	logger := log.OrNop(opts.Logger)
	if opts.SessionExpiry <= 0 {
		opts.SessionExpiry = DefaultSessionExpiry
	}
	s, x := c.Storage, c.Expirer
	return &Engine{
		Proposals: store.New("proposal", ProposalStorageKey, s, x,
			func(p model.Proposal) int64 { return p.ID }, logger),
		Sessions: store.New("session", SessionStorageKey, s, x,
			func(v model.Session) string { return v.Topic }, logger),
		Requests: store.New("request", RequestStorageKey, s, x,
			func(r model.PendingRequest) int64 { return r.ID }, logger),
		AuthKeys: store.New("auth-keys", AuthKeysStorageKey, s, nil,
			func(model.AuthKey) string { return model.AuthPublicKeyName }, logger),
		AuthPairings: store.New("auth-pairings", AuthPairingsStorageKey, s, nil,
			func(a model.AuthPairing) string { return a.ResponseTopic }, logger),
		AuthRequests: store.New("auth-requests", AuthRequestsStorageKey, s, x,
			func(r model.AuthPendingRequest) int64 { return r.ID }, logger),

		core:          c,
		pairings:      p,
		metadata:      opts.Metadata,
		sessionExpiry: opts.SessionExpiry,
		logger:        logger.Named("engine"),
		locks:         newKeyMutex(),
		approvals:     newWaitlist[model.Session](),
		settles:       newWaitlist[model.Session](),
		confirms:      newWaitlist[struct{}](),
		auths:         newWaitlist[Authenticated](),
	}
}

// Init restores every store, drops what expired while the client was down,
// registers the protocol handlers and re-emits session requests still
// waiting for an answer.
func (e *Engine) Init(ctx context.Context) error {
	for _, s := range []interface{ Init(context.Context) error }{
		e.Proposals, e.Sessions, e.Requests, e.AuthKeys, e.AuthPairings, e.AuthRequests,
	} {
		if err := s.Init(ctx); err != nil {
			return err
		}
	}
	if err := e.dropExpired(ctx); err != nil {
		return err
	}

	m := e.core.Messages
	m.HandleRequest(model.SessionPropose.Name, e.onProposeRequest)
	m.HandleResponse(model.SessionPropose.Name, e.onProposeResponse)
	m.HandleRequest(model.SessionSettle.Name, e.onSettleRequest)
	m.HandleResponse(model.SessionSettle.Name, e.onSettleResponse)
	m.HandleRequest(model.SessionUpdate.Name, e.onUpdateRequest)
	m.HandleResponse(model.SessionUpdate.Name, e.onConfirmResponse)
	m.HandleRequest(model.SessionExtend.Name, e.onExtendRequest)
	m.HandleResponse(model.SessionExtend.Name, e.onConfirmResponse)
	m.HandleRequest(model.SessionPing.Name, e.onPingRequest)
	m.HandleRequest(model.SessionDelete.Name, e.onDeleteRequest)
	m.HandleRequest(model.SessionRequest.Name, e.onSessionRequest)
	m.HandleRequest(model.SessionEvent.Name, e.onEventRequest)
	m.HandleRequest(model.SessionAuthenticate.Name, e.onAuthenticateRequest)
	m.HandleResponse(model.SessionAuthenticate.Name, e.onAuthenticateResponse)
	m.SetDecodeOptions(e.decodeOptions)

	e.detach = append(e.detach, e.core.Expirer.Expired.Subscribe(e.onExpired))

	for _, r := range e.Requests.Values() {
		e.SessionRequest.Emit(r)
	}
	e.logger.Info("initialized",
		zap.Int("sessions", e.Sessions.Len()),
		zap.Int("proposals", e.Proposals.Len()),
		zap.Int("pending_requests", e.Requests.Len()))
	return nil
}

func (e *Engine) Close() {
	for _, d := range e.detach {
		d()
	}
	e.detach = nil
}

func (e *Engine) dropExpired(ctx context.Context) error {
	for _, p := range e.Proposals.Values() {
		if e.core.IsExpired(p.Expiry) {
			if err := e.Proposals.Delete(ctx, p.ID, model.ErrorFromType(model.Expired, "proposal")); err != nil {
				return err
			}
		}
	}
	for _, s := range e.Sessions.Values() {
		if e.core.IsExpired(s.Expiry) {
			if err := e.deleteSession(ctx, s.Topic, model.ErrorFromType(model.SessionExpired, s.Topic)); err != nil {
				return err
			}
		}
	}
	for _, r := range e.Requests.Values() {
		if e.core.IsExpired(r.Expiry) {
			if err := e.Requests.Delete(ctx, r.ID, model.ErrorFromType(model.SessionRequestExpired, "")); err != nil {
				return err
			}
		}
	}
	for _, r := range e.AuthRequests.Values() {
		if e.core.IsExpired(r.Expiry) {
			if err := e.AuthRequests.Delete(ctx, r.ID, model.ErrorFromType(model.Expired, "authenticate")); err != nil {
				return err
			}
		}
	}
	return nil
}

// Session returns the session of topic.
func (e *Engine) Session(topic string) (model.Session, error) {
	s, err := e.Sessions.Get(topic)
	if err != nil {
		return model.Session{}, model.Errorf(model.SessionNotFound, "%s", topic)
	}
	return s, nil
}

// PendingRequests lists unanswered session requests, optionally of one topic.
func (e *Engine) PendingRequests(topic string) []model.PendingRequest {
	var out []model.PendingRequest
	for _, r := range e.Requests.Values() {
		if topic == "" || r.Topic == topic {
			out = append(out, r)
		}
	}
	return out
}

// deleteSession forgets the session of topic with its keys, subscription and
// pending requests.
func (e *Engine) deleteSession(ctx context.Context, topic string, reason *model.Error) error {
	s, err := e.Sessions.Get(topic)
	if err != nil {
		return nil
	}
	var errs []error
	for _, r := range e.PendingRequests(topic) {
		errs = append(errs, e.Requests.Delete(ctx, r.ID, reason))
	}
	// the history of topic goes below, so its sent requests can no longer expire
	for _, r := range e.core.History.Pending() {
		if r.Topic == topic && r.Sent {
			e.confirms.resolve(r.ID, struct{}{}, reason)
			e.settles.resolve(r.ID, model.Session{}, reason)
		}
	}
	errs = append(errs,
		e.core.Relayer.Unsubscribe(ctx, topic),
		e.core.Crypto.DeleteSymKey(ctx, topic),
		e.core.Crypto.DeleteKeyPair(ctx, s.Self.PublicKey),
		e.core.History.Delete(ctx, topic),
		e.Sessions.Delete(ctx, topic, reason),
	)
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("engine: delete session %s: %w", topic, err)
	}
	e.logger.Info("session deleted", zap.String("topic", topic), zap.Any("reason", reason))
	return nil
}

func (e *Engine) onExpired(x model.Expiration) {
	target, err := model.ParseTarget(x.Target)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(e.core.Context(), 10*time.Second)
	defer cancel()

	if target.Topic != "" {
		if !e.Sessions.Has(target.Topic) {
			return
		}
		reason := model.ErrorFromType(model.SessionExpired, target.Topic)
		if err := e.deleteSession(ctx, target.Topic, reason); err != nil {
			e.logger.Error("delete expired session", zap.Error(err))
			return
		}
		ev := SessionClosed{Topic: target.Topic, Reason: reason}
		e.SessionExpired.Emit(ev)
		e.SessionDeleted.Emit(ev)
		return
	}

	id := *target.ID
	switch {
	case e.Requests.Has(id):
		r, _ := e.Requests.Get(id)
		if err := e.Requests.Delete(ctx, id, model.ErrorFromType(model.SessionRequestExpired, "")); err != nil {
			e.logger.Error("delete expired request", zap.Int64("id", id), zap.Error(err))
			return
		}
		e.SessionRequestExpired.Emit(r)
	case e.AuthRequests.Has(id):
		reason := model.ErrorFromType(model.Expired, "authenticate")
		if err := e.AuthRequests.Delete(ctx, id, reason); err != nil {
			e.logger.Error("delete expired auth request", zap.Int64("id", id), zap.Error(err))
			return
		}
		e.auths.resolve(id, Authenticated{}, reason)
		e.SessionAuthenticateErrored.Emit(AuthError{ID: id, Err: reason})
	case e.Proposals.Has(id):
		p, _ := e.Proposals.Get(id)
		e.expireProposal(ctx, p)
	}
}

// decodeOptions opens type 1 envelopes arriving on the authenticate response
// topic with the requester key.
func (e *Engine) decodeOptions(topic string) *keystore.DecodeOptions {
	key, err := e.AuthKeys.Get(model.AuthPublicKeyName)
	if err != nil || key.ResponseTopic != topic {
		return nil
	}
	return &keystore.DecodeOptions{ReceiverPublicKey: key.PublicKey}
}

// reply answers req with result, or with err when it is not nil.
func (e *Engine) reply(ctx context.Context, topic string, req model.JsonRpcRequest, method model.Method, result any, err error, opts ...core.SendOption) {
	var sendErr error
	if err != nil {
		sendErr = e.core.Messages.SendError(ctx, req.ID, topic, method, model.AsError(err), opts...)
	} else {
		sendErr = e.core.Messages.SendResult(ctx, req.ID, topic, method, result, opts...)
	}
	if sendErr != nil {
		e.logger.Warn("reply failed", zap.String("method", method.Name), zap.Int64("id", req.ID), zap.Error(sendErr))
	}
}

func decodeParams[T any](req model.JsonRpcRequest) (T, error) {
	var out T
	if err := json.Unmarshal(req.Params, &out); err != nil {
		return out, model.Errorf(model.MissingOrInvalid, "%s params: %v", req.Method, err)
	}
	return out, nil
}

func idKey(id int64) string { return "id:" + strconv.FormatInt(id, 10) }
