package engine

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"wc_sign/internal/core"
	"wc_sign/internal/model"
)

type RequestParams struct {
	Topic   string
	ChainID string
	Method  string
	Params  any
	// Expiry bounds how long the wallet may take to answer, in unix seconds.
	Expiry int64
}

// Update replaces the namespaces of a session this client controls.
func (e *Engine) Update(ctx context.Context, topic string, namespaces model.Namespaces) (*Pending[struct{}], error) {
	unlock := e.locks.Lock(topic)
	defer unlock()

	s, err := e.controlled(topic, model.UnauthorizedUpdateRequest)
	if err != nil {
		return nil, err
	}
	if err := validateConforming(s.RequiredNamespaces, namespaces); err != nil {
		return nil, err
	}
	if _, err := e.Sessions.Update(ctx, topic, func(s *model.Session) error {
		s.Namespaces = namespaces
		return nil
	}); err != nil {
		return nil, err
	}
	return e.confirm(ctx, topic, model.SessionUpdate, model.SessionUpdateParams{Namespaces: namespaces})
}

// Extend pushes the expiry of a session this client controls to a full
// session lifetime from now.
func (e *Engine) Extend(ctx context.Context, topic string) (*Pending[struct{}], error) {
	unlock := e.locks.Lock(topic)
	defer unlock()

	if _, err := e.controlled(topic, model.UnauthorizedExtendRequest); err != nil {
		return nil, err
	}
	expiry := e.core.ExpiryIn(e.sessionExpiry)
	if _, err := e.Sessions.Update(ctx, topic, func(s *model.Session) error {
		s.Expiry = expiry
		return nil
	}); err != nil {
		return nil, err
	}
	return e.confirm(ctx, topic, model.SessionExtend, model.SessionExtendParams{})
}

func (e *Engine) controlled(topic string, denied model.ErrorType) (model.Session, error) {
	s, err := e.Session(topic)
	if err != nil {
		return s, err
	}
	if !s.Acknowledged {
		return s, model.Errorf(model.MissingOrInvalid, "session %s is not acknowledged", topic)
	}
	if s.Controller != s.Self.PublicKey {
		return s, model.Errorf(denied, "%s", topic)
	}
	return s, nil
}

// confirm sends a request whose only answer is an acknowledgement.
func (e *Engine) confirm(ctx context.Context, topic string, method model.Method, params any) (*Pending[struct{}], error) {
	req, err := model.NewRequest(method.Name, params)
	if err != nil {
		return nil, err
	}
	ack := e.confirms.add(req.ID)
	if err := e.core.Messages.Send(ctx, topic, method, req); err != nil {
		e.confirms.resolve(req.ID, struct{}{}, err)
		return nil, err
	}
	return ack, nil
}

func (e *Engine) onConfirmResponse(_ context.Context, _ string, resp model.JsonRpcResponse, rec model.JsonRpcRecord) {
	var err error
	if resp.IsError() {
		err = resp.Error
	}
	e.confirms.resolve(rec.ID, struct{}{}, err)
}

// peerControlled returns the session of topic if its peer is the controller.
func (e *Engine) peerControlled(topic string, denied model.ErrorType) (model.Session, error) {
	s, err := e.Session(topic)
	if err != nil {
		return s, err
	}
	if s.Controller != s.Peer.PublicKey {
		return s, model.Errorf(denied, "%s", topic)
	}
	return s, nil
}

func (e *Engine) onUpdateRequest(ctx context.Context, topic string, req model.JsonRpcRequest) {
	unlock := e.locks.Lock(topic)
	defer unlock()

	params, err := decodeParams[model.SessionUpdateParams](req)
	if err != nil {
		e.reply(ctx, topic, req, model.SessionUpdate, nil, err)
		return
	}
	if _, err := e.peerControlled(topic, model.UnauthorizedUpdateRequest); err != nil {
		e.reply(ctx, topic, req, model.SessionUpdate, nil, err)
		return
	}
	if err := validateNamespaces(params.Namespaces); err != nil {
		e.reply(ctx, topic, req, model.SessionUpdate, nil, model.Errorf(model.InvalidUpdateRequest, "%s", model.AsError(err).Message))
		return
	}
	if _, err := e.Sessions.Update(ctx, topic, func(s *model.Session) error {
		s.Namespaces = params.Namespaces
		return nil
	}); err != nil {
		e.reply(ctx, topic, req, model.SessionUpdate, nil, err)
		return
	}
	e.reply(ctx, topic, req, model.SessionUpdate, true, nil)
	e.SessionUpdated.Emit(SessionUpdate{ID: req.ID, Topic: topic, Namespaces: params.Namespaces})
}

func (e *Engine) onExtendRequest(ctx context.Context, topic string, req model.JsonRpcRequest) {
	unlock := e.locks.Lock(topic)
	defer unlock()

	if _, err := e.peerControlled(topic, model.UnauthorizedExtendRequest); err != nil {
		e.reply(ctx, topic, req, model.SessionExtend, nil, err)
		return
	}
	expiry := e.core.ExpiryIn(e.sessionExpiry)
	if _, err := e.Sessions.Update(ctx, topic, func(s *model.Session) error {
		s.Expiry = expiry
		return nil
	}); err != nil {
		e.reply(ctx, topic, req, model.SessionExtend, nil, err)
		return
	}
	e.reply(ctx, topic, req, model.SessionExtend, true, nil)
	e.SessionExtended.Emit(SessionExtend{ID: req.ID, Topic: topic, Expiry: expiry})
}

// Ping round-trips a ping on a session or, failing that, a pairing.
func (e *Engine) Ping(ctx context.Context, topic string) error {
	if !e.Sessions.Has(topic) {
		if _, err := e.pairings.Get(topic); err == nil {
			return e.pairings.Ping(ctx, topic)
		}
		return model.Errorf(model.NoMatchingKey, "ping: %s", topic)
	}
	_, err := core.Request[bool](ctx, e.core.Messages, topic, model.SessionPing, model.SessionPingParams{})
	return err
}

func (e *Engine) onPingRequest(ctx context.Context, topic string, req model.JsonRpcRequest) {
	if _, err := e.Session(topic); err != nil {
		e.reply(ctx, topic, req, model.SessionPing, nil, err)
		return
	}
	e.reply(ctx, topic, req, model.SessionPing, true, nil)
	e.SessionPinged.Emit(SessionPing{ID: req.ID, Topic: topic})
}

// Disconnect tells the peer and deletes the session, or the pairing when
// topic is a pairing.
func (e *Engine) Disconnect(ctx context.Context, topic string) error {
	if !e.Sessions.Has(topic) {
		if _, err := e.pairings.Get(topic); err == nil {
			return e.pairings.Disconnect(ctx, topic)
		}
		return model.Errorf(model.NoMatchingKey, "disconnect: %s", topic)
	}
	unlock := e.locks.Lock(topic)
	defer unlock()

	reason := model.ErrorFromType(model.UserDisconnected, "")
	if _, err := e.core.Messages.SendRequest(ctx, topic, model.SessionDelete, reason); err != nil {
		e.logger.Warn("notify session delete", zap.String("topic", topic), zap.Error(err))
	}
	if err := e.deleteSession(ctx, topic, reason); err != nil {
		return err
	}
	e.SessionDeleted.Emit(SessionClosed{Topic: topic, Reason: reason})
	return nil
}

func (e *Engine) onDeleteRequest(ctx context.Context, topic string, req model.JsonRpcRequest) {
	unlock := e.locks.Lock(topic)
	defer unlock()

	reason, err := decodeParams[model.SessionDeleteParams](req)
	if err != nil {
		e.reply(ctx, topic, req, model.SessionDelete, nil, err)
		return
	}
	if _, err := e.Session(topic); err != nil {
		e.reply(ctx, topic, req, model.SessionDelete, nil, err)
		return
	}
	e.reply(ctx, topic, req, model.SessionDelete, true, nil)
	if err := e.deleteSession(ctx, topic, &reason); err != nil {
		e.logger.Error("delete session", zap.Error(err))
		return
	}
	e.SessionDeleted.Emit(SessionClosed{Topic: topic, Reason: &reason})
}

// Request sends a chain request on a session and waits for the wallet's
// answer, or until the request expires.
func (e *Engine) Request(ctx context.Context, p RequestParams) (json.RawMessage, error) {
	s, err := e.Session(p.Topic)
	if err != nil {
		return nil, err
	}
	if err := validateRequest(s, p.ChainID, p.Method); err != nil {
		return nil, err
	}
	raw, err := model.EncodeParams(p.Method, p.Params)
	if err != nil {
		return nil, err
	}

	var opts []core.SendOption
	if p.Expiry > 0 {
		if e.core.IsExpired(p.Expiry) {
			return nil, model.ErrorFromType(model.SessionRequestExpired, "")
		}
		opts = append(opts, core.WithExpiry(p.Expiry))
	}

	resp, err := e.core.Messages.Call(ctx, p.Topic, model.SessionRequest, model.SessionRequestParams{
		Request: model.RequestArguments{Method: p.Method, Params: raw, ExpiryTimestamp: p.Expiry},
		ChainID: p.ChainID,
	}, opts...)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func (e *Engine) onSessionRequest(ctx context.Context, topic string, req model.JsonRpcRequest) {
	params, err := decodeParams[model.SessionRequestParams](req)
	if err != nil {
		e.reply(ctx, topic, req, model.SessionRequest, nil, err)
		return
	}
	s, err := e.Session(topic)
	if err == nil {
		err = validateRequest(s, params.ChainID, params.Request.Method)
	}
	if err == nil && params.Request.ExpiryTimestamp > 0 && e.core.IsExpired(params.Request.ExpiryTimestamp) {
		err = model.ErrorFromType(model.SessionRequestExpired, "")
	}
	if err != nil {
		e.reply(ctx, topic, req, model.SessionRequest, nil, err)
		return
	}

	expiry := params.Request.ExpiryTimestamp
	if expiry == 0 {
		expiry = e.core.ExpiryIn(model.SessionRequest.Request.TTL)
	}
	pending := model.PendingRequest{ID: req.ID, Topic: topic, Params: params, Expiry: expiry}
	if err := e.Requests.Set(ctx, req.ID, pending); err != nil {
		e.logger.Error("store session request", zap.Int64("id", req.ID), zap.Error(err))
		return
	}
	e.SessionRequest.Emit(pending)
}

// Respond answers the pending session request id with result, or with rpcErr
// when it is not nil.
func (e *Engine) Respond(ctx context.Context, topic string, id int64, result any, rpcErr *model.Error) error {
	pending, err := e.Requests.Get(id)
	if err != nil {
		return err
	}
	if pending.Topic != topic {
		return model.Errorf(model.MismatchedTopic, "request %d", id)
	}
	if rpcErr != nil {
		err = e.core.Messages.SendError(ctx, id, topic, model.SessionRequest, rpcErr)
	} else {
		err = e.core.Messages.SendResult(ctx, id, topic, model.SessionRequest, result)
	}
	if err != nil {
		return err
	}
	return e.Requests.Delete(ctx, id, nil)
}

// Emit sends a chain event on a session. It does not wait for the peer.
func (e *Engine) Emit(ctx context.Context, topic, chainID string, event model.EventData) error {
	s, err := e.Session(topic)
	if err != nil {
		return err
	}
	if err := validateEvent(s, chainID, event.Name); err != nil {
		return err
	}
	_, err = e.core.Messages.SendRequest(ctx, topic, model.SessionEvent, model.SessionEventParams{Event: event, ChainID: chainID})
	return err
}

func (e *Engine) onEventRequest(ctx context.Context, topic string, req model.JsonRpcRequest) {
	params, err := decodeParams[model.SessionEventParams](req)
	if err == nil {
		_, err = e.Session(topic)
	}
	if err != nil {
		e.reply(ctx, topic, req, model.SessionEvent, nil, err)
		return
	}
	e.reply(ctx, topic, req, model.SessionEvent, true, nil)
	e.SessionEventReceived.Emit(ChainEvent{ID: req.ID, Topic: topic, Params: params})
}
