package engine

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"wc_sign/internal/core"
	"wc_sign/internal/model"
	"wc_sign/internal/protocol/keystore"
	"wc_sign/internal/sign/cacao"
)

type (
	AuthenticateParams struct {
		Chains    []string
		Domain    string
		Nonce     string
		URI       string
		Statement string
		Methods   []string
		Resources []string
		Nbf       string
		Exp       string
		RequestID string
		// Expiry overrides the default lifetime of the request.
		Expiry int64
	}

	AuthenticateResult struct {
		URI          string
		PairingTopic string
		ID           int64
		Response     *Pending[Authenticated]
	}
)

// Authenticate asks a wallet to sign in with one CACAO per chain and, when
// methods are given, to grant them through a ReCap. The wallet answers on a
// response topic derived from a fresh key.
func (e *Engine) Authenticate(ctx context.Context, p AuthenticateParams) (AuthenticateResult, error) {
	if len(p.Chains) == 0 {
		return AuthenticateResult{}, model.ErrorFromType(model.MissingOrInvalid, "authenticate: chains")
	}
	for _, c := range p.Chains {
		if !isValidChain(c) {
			return AuthenticateResult{}, model.Errorf(model.UnsupportedChains, "%s", c)
		}
	}
	if p.Domain == "" || p.Nonce == "" || p.URI == "" {
		return AuthenticateResult{}, model.ErrorFromType(model.MissingOrInvalid, "authenticate: domain, nonce and uri are required")
	}

	pr, uri, err := e.pairings.Create(ctx, []string{model.SessionAuthenticate.Name})
	if err != nil {
		return AuthenticateResult{}, err
	}

	crypto := e.core.Crypto
	pub, err := crypto.GenerateKeyPair(ctx)
	if err != nil {
		return AuthenticateResult{}, err
	}
	responseTopic, err := keystore.HashKey(pub)
	if err != nil {
		return AuthenticateResult{}, err
	}
	if err := e.AuthKeys.Set(ctx, model.AuthPublicKeyName, model.AuthKey{ResponseTopic: responseTopic, PublicKey: pub}); err != nil {
		return AuthenticateResult{}, err
	}
	if err := e.AuthPairings.Set(ctx, responseTopic, model.AuthPairing{ResponseTopic: responseTopic, PairingTopic: pr.Topic}); err != nil {
		return AuthenticateResult{}, err
	}
	if _, err := e.core.Relayer.SubscribeWithRetry(ctx, responseTopic); err != nil {
		return AuthenticateResult{}, err
	}

	resources := p.Resources
	if len(p.Methods) > 0 {
		urn, err := cacao.EncodeReCap(cacao.NewRequestReCap("eip155", p.Methods, p.Chains))
		if err != nil {
			return AuthenticateResult{}, err
		}
		resources = cacao.WithReCap(resources, urn)
	}

	expiry := p.Expiry
	if expiry == 0 {
		expiry = e.core.ExpiryIn(model.SessionAuthenticate.Request.TTL)
	}
	requester := model.Participant{PublicKey: pub, Metadata: e.metadata}
	payload := model.AuthPayloadParams{
		Chains:    p.Chains,
		Domain:    p.Domain,
		Nonce:     p.Nonce,
		Aud:       p.URI,
		Type:      model.CacaoHeaderType,
		Nbf:       p.Nbf,
		Exp:       p.Exp,
		Iat:       e.core.Now().UTC().Format("2006-01-02T15:04:05Z07:00"),
		Statement: p.Statement,
		RequestID: p.RequestID,
		Resources: resources,
		Version:   "1",
	}
	req, err := model.NewRequest(model.SessionAuthenticate.Name, model.SessionAuthenticateParams{
		Requester:       requester,
		AuthPayload:     payload,
		ExpiryTimestamp: expiry,
	})
	if err != nil {
		return AuthenticateResult{}, err
	}
	pending := model.AuthPendingRequest{
		ID:           req.ID,
		PairingTopic: pr.Topic,
		Requester:    requester,
		Payload:      payload,
		Expiry:       expiry,
	}
	if err := e.AuthRequests.Set(ctx, req.ID, pending); err != nil {
		return AuthenticateResult{}, err
	}

	wait := e.auths.add(req.ID)
	if err := e.core.Messages.Send(ctx, pr.Topic, model.SessionAuthenticate, req, core.WithExpiry(expiry)); err != nil {
		e.auths.resolve(req.ID, Authenticated{}, err)
		_ = e.AuthRequests.Delete(ctx, req.ID, model.AsError(err))
		return AuthenticateResult{}, err
	}
	e.logger.Info("authentication requested", zap.Int64("id", req.ID), zap.String("response_topic", responseTopic))
	return AuthenticateResult{URI: uri, PairingTopic: pr.Topic, ID: req.ID, Response: wait}, nil
}

func (e *Engine) onAuthenticateRequest(ctx context.Context, topic string, req model.JsonRpcRequest) {
	params, err := decodeParams[model.SessionAuthenticateParams](req)
	if err == nil && params.ExpiryTimestamp > 0 && e.core.IsExpired(params.ExpiryTimestamp) {
		err = model.ErrorFromType(model.Expired, "authenticate")
	}
	if err != nil {
		e.replyRequester(ctx, req, params.Requester.PublicKey, nil, err)
		return
	}
	pending := model.AuthPendingRequest{
		ID:           req.ID,
		PairingTopic: topic,
		Requester:    params.Requester,
		Payload:      params.AuthPayload,
		Expiry:       params.ExpiryTimestamp,
	}
	if err := e.AuthRequests.Set(ctx, req.ID, pending); err != nil {
		e.logger.Error("store auth request", zap.Int64("id", req.ID), zap.Error(err))
		return
	}
	e.SessionAuthenticateRequest.Emit(pending)
}

// ApproveSessionAuthenticate answers request id with the wallet's signed
// CACAOs. When they grant methods a session is created right away.
func (e *Engine) ApproveSessionAuthenticate(ctx context.Context, id int64, auths []model.Cacao) (*model.Session, error) {
	unlock := e.locks.Lock(idKey(id))
	defer unlock()

	pending, err := e.AuthRequests.Get(id)
	if err != nil {
		return nil, err
	}
	for _, c := range auths {
		if err := cacao.Verify(c); err != nil {
			return nil, err
		}
	}

	crypto := e.core.Crypto
	selfPub, err := crypto.GenerateKeyPair(ctx)
	if err != nil {
		return nil, err
	}
	self := model.Participant{PublicKey: selfPub, Metadata: e.metadata}

	var session *model.Session
	methods, accounts := approvedGrants(auths)
	if len(methods) > 0 {
		s, err := e.authSession(ctx, pending.PairingTopic, self, pending.Requester, selfPub, methods, accounts)
		if err != nil {
			return nil, err
		}
		session = &s
	}

	e.replyRequester(ctx, model.JsonRpcRequest{ID: id, Method: model.SessionAuthenticate.Name}, pending.Requester.PublicKey,
		model.AuthenticateResponse{Cacaos: auths, Responder: self}, nil, withSender(selfPub))

	if err := e.AuthRequests.Delete(ctx, id, nil); err != nil {
		e.logger.Warn("delete auth request", zap.Int64("id", id), zap.Error(err))
	}
	if _, err := e.pairings.Activate(ctx, pending.PairingTopic); err != nil {
		e.logger.Warn("activate pairing", zap.String("topic", pending.PairingTopic), zap.Error(err))
	}
	return session, nil
}

// RejectSessionAuthenticate answers request id with reason.
func (e *Engine) RejectSessionAuthenticate(ctx context.Context, id int64, reason *model.Error) error {
	unlock := e.locks.Lock(idKey(id))
	defer unlock()

	pending, err := e.AuthRequests.Get(id)
	if err != nil {
		return err
	}
	if reason == nil {
		reason = model.ErrorFromType(model.JsonRpcRequestMethodRejected, "")
	}
	e.replyRequester(ctx, model.JsonRpcRequest{ID: id, Method: model.SessionAuthenticate.Name}, pending.Requester.PublicKey, nil, reason)
	return e.AuthRequests.Delete(ctx, id, reason)
}

type replyOption struct{ senderPub string }

func withSender(pub string) replyOption { return replyOption{senderPub: pub} }

// replyRequester answers an authenticate request on the requester's response
// topic with a type 1 envelope.
func (e *Engine) replyRequester(ctx context.Context, req model.JsonRpcRequest, requesterPub string, result any, rerr error, opts ...replyOption) {
	if requesterPub == "" {
		e.logger.Warn("authenticate request without requester key", zap.Int64("id", req.ID))
		return
	}
	topic, err := keystore.HashKey(requesterPub)
	if err != nil {
		e.logger.Warn("response topic", zap.Error(err))
		return
	}
	var senderPub string
	for _, o := range opts {
		senderPub = o.senderPub
	}
	if senderPub == "" {
		if senderPub, err = e.core.Crypto.GenerateKeyPair(ctx); err != nil {
			e.logger.Warn("sender key", zap.Error(err))
			return
		}
	}
	env := core.WithEnvelope(&keystore.EncodeOptions{
		Type:              keystore.Type1,
		SenderPublicKey:   senderPub,
		ReceiverPublicKey: requesterPub,
	})
	e.reply(ctx, topic, req, model.SessionAuthenticate, result, rerr, env)
}

func (e *Engine) onAuthenticateResponse(ctx context.Context, topic string, resp model.JsonRpcResponse, rec model.JsonRpcRecord) {
	id := rec.ID
	unlock := e.locks.Lock(idKey(id))
	defer unlock()

	pending, err := e.AuthRequests.Get(id)
	if err != nil {
		e.logger.Debug("response to unknown auth request", zap.Int64("id", id))
		return
	}
	if err := e.AuthRequests.Delete(ctx, id, nil); err != nil {
		e.logger.Warn("delete auth request", zap.Int64("id", id), zap.Error(err))
	}
	// an expired request is answered on its pairing topic, not the response topic
	for _, ap := range e.AuthPairings.Values() {
		if ap.ResponseTopic != topic && ap.PairingTopic != pending.PairingTopic {
			continue
		}
		if err := e.AuthPairings.Delete(ctx, ap.ResponseTopic, nil); err != nil {
			e.logger.Warn("delete auth pairing", zap.String("topic", ap.ResponseTopic), zap.Error(err))
		}
	}

	if resp.IsError() && resp.Error.Type() == model.JsonRpcRequestTimeout {
		reason := model.ErrorFromType(model.Expired, "authenticate")
		e.auths.resolve(id, Authenticated{}, reason)
		e.SessionAuthenticateErrored.Emit(AuthError{ID: id, Err: reason})
		return
	}
	if resp.IsError() {
		e.auths.resolve(id, Authenticated{}, resp.Error)
		if resp.Error.Type() == model.WcMethodUnsupported {
			return
		}
		e.SessionAuthenticateErrored.Emit(AuthError{ID: id, Err: resp.Error})
		return
	}

	var result model.AuthenticateResponse
	if err := resp.DecodeResult(&result); err != nil {
		e.failAuth(id, model.Errorf(model.MissingOrInvalid, "authenticate result: %v", err))
		return
	}
	for _, c := range result.Cacaos {
		if err := cacao.VerifyRequest(c, pending.Payload); err != nil {
			e.failAuth(id, fmt.Errorf("engine: authenticate %d: %w", id, err))
			return
		}
	}

	out := Authenticated{ID: id, Auths: result.Cacaos}
	methods, accounts := approvedGrants(result.Cacaos)
	if len(methods) > 0 {
		s, err := e.authSession(ctx, pending.PairingTopic, pending.Requester, result.Responder, result.Responder.PublicKey, methods, accounts)
		if err != nil {
			e.failAuth(id, err)
			return
		}
		out.Session = &s
	}
	if _, err := e.pairings.Activate(ctx, pending.PairingTopic); err != nil {
		e.logger.Warn("activate pairing", zap.String("topic", pending.PairingTopic), zap.Error(err))
	}
	e.logger.Info("authenticated", zap.Int64("id", id), zap.Int("auths", len(result.Cacaos)), zap.Bool("session", out.Session != nil))
	e.auths.resolve(id, out, nil)
	e.SessionAuthenticated.Emit(out)
}

func (e *Engine) failAuth(id int64, err error) {
	e.logger.Warn("authentication failed", zap.Int64("id", id), zap.Error(err))
	e.auths.resolve(id, Authenticated{}, err)
	e.SessionAuthenticateErrored.Emit(AuthError{ID: id, Err: err})
}

// authSession creates and subscribes the session granted by a one-click
// authentication. The responder is always the controller.
func (e *Engine) authSession(ctx context.Context, pairingTopic string, self, peer model.Participant, controller string, methods, accounts []string) (model.Session, error) {
	if peer.PublicKey == "" {
		return model.Session{}, model.ErrorFromType(model.MissingOrInvalid, "peer public key")
	}
	topic, err := e.core.Crypto.GenerateSharedKey(ctx, self.PublicKey, peer.PublicKey, "")
	if err != nil {
		return model.Session{}, err
	}
	s := model.Session{
		Topic:        topic,
		PairingTopic: pairingTopic,
		Relay:        model.ProtocolOptions{Protocol: model.RelayProtocol},
		Expiry:       e.core.ExpiryIn(e.sessionExpiry),
		Namespaces:   model.NamespacesFromAuth(methods, accounts),
		Acknowledged: true,
		Controller:   controller,
		Self:         self,
		Peer:         peer,
	}
	if _, err := e.core.Relayer.SubscribeWithRetry(ctx, topic); err != nil {
		return model.Session{}, err
	}
	if err := e.Sessions.Set(ctx, topic, s); err != nil {
		return model.Session{}, err
	}
	return s, nil
}

// approvedGrants collects the methods granted by the ReCaps of auths and the
// accounts they were signed for, one per granted chain.
func approvedGrants(auths []model.Cacao) (methods, accounts []string) {
	seenM := make(map[string]bool)
	seenA := make(map[string]bool)
	for _, c := range auths {
		urn, ok := cacao.FindReCap(c.P.Resources)
		if !ok {
			continue
		}
		recap, err := cacao.DecodeReCap(urn)
		if err != nil {
			continue
		}
		_, address, ok := model.ParseIssuerDID(c.P.Iss)
		if !ok {
			continue
		}
		for _, m := range recap.Methods() {
			if !seenM[m] {
				seenM[m] = true
				methods = append(methods, m)
			}
		}
		for _, chain := range recap.Chains() {
			a := chain + ":" + address
			if !seenA[a] {
				seenA[a] = true
				accounts = append(accounts, a)
			}
		}
	}
	sort.Strings(methods)
	sort.Strings(accounts)
	return methods, accounts
}
