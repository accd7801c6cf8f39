package engine

import (
	"context"

	"go.uber.org/zap"

	"wc_sign/internal/model"
)

type (
	ConnectParams struct {
		RequiredNamespaces model.RequiredNamespaces
		OptionalNamespaces model.RequiredNamespaces
		SessionProperties  map[string]string
		// PairingTopic reuses an existing pairing instead of creating one.
		PairingTopic string
		Relays       []model.ProtocolOptions
	}

	ConnectResult struct {
		// URI is empty when an existing pairing was reused.
		URI          string
		PairingTopic string
		ProposalID   int64
		Approval     *Pending[model.Session]
	}

	ApproveParams struct {
		ID                int64
		Namespaces        model.Namespaces
		SessionProperties map[string]string
		RelayProtocol     string
	}

	ApproveResult struct {
		Topic string
		// Acknowledged completes when the proposer accepts the settlement.
		Acknowledged *Pending[model.Session]
	}
)

// Connect proposes a session on a new or existing pairing.
func (e *Engine) Connect(ctx context.Context, p ConnectParams) (ConnectResult, error) {
	if err := validateRequiredNamespaces(p.RequiredNamespaces, "required"); err != nil {
		return ConnectResult{}, err
	}
	if err := validateRequiredNamespaces(p.OptionalNamespaces, "optional"); err != nil {
		return ConnectResult{}, err
	}

	var uri string
	topic := p.PairingTopic
	if topic != "" {
		pr, err := e.pairings.Get(topic)
		if err != nil {
			return ConnectResult{}, err
		}
		if !pr.Active {
			return ConnectResult{}, model.Errorf(model.MissingOrInvalid, "pairing %s is not active", topic)
		}
	} else {
		pr, u, err := e.pairings.Create(ctx, nil)
		if err != nil {
			return ConnectResult{}, err
		}
		topic, uri = pr.Topic, u
	}

	pub, err := e.core.Crypto.GenerateKeyPair(ctx)
	if err != nil {
		return ConnectResult{}, err
	}
	relays := p.Relays
	if len(relays) == 0 {
		relays = []model.ProtocolOptions{{Protocol: model.RelayProtocol}}
	}
	expiry := e.core.ExpiryIn(model.SessionPropose.Request.TTL)
	params := model.SessionProposeParams{
		Relays:             relays,
		Proposer:           model.Participant{PublicKey: pub, Metadata: e.metadata},
		RequiredNamespaces: p.RequiredNamespaces,
		OptionalNamespaces: p.OptionalNamespaces,
		SessionProperties:  p.SessionProperties,
		ExpiryTimestamp:    expiry,
	}
	req, err := model.NewRequest(model.SessionPropose.Name, params)
	if err != nil {
		return ConnectResult{}, err
	}
	proposal := model.Proposal{
		ID:                 req.ID,
		PairingTopic:       topic,
		Expiry:             expiry,
		Proposer:           params.Proposer,
		Relays:             relays,
		RequiredNamespaces: p.RequiredNamespaces,
		OptionalNamespaces: p.OptionalNamespaces,
		SessionProperties:  p.SessionProperties,
	}
	if err := e.Proposals.Set(ctx, proposal.ID, proposal); err != nil {
		return ConnectResult{}, err
	}

	approval := e.approvals.add(req.ID)
	if err := e.core.Messages.Send(ctx, topic, model.SessionPropose, req); err != nil {
		e.approvals.resolve(req.ID, model.Session{}, err)
		_ = e.Proposals.Delete(ctx, req.ID, model.AsError(err))
		return ConnectResult{}, err
	}
	e.logger.Info("session proposed", zap.Int64("id", req.ID), zap.String("pairing", topic))
	return ConnectResult{URI: uri, PairingTopic: topic, ProposalID: req.ID, Approval: approval}, nil
}

func (e *Engine) onProposeRequest(ctx context.Context, topic string, req model.JsonRpcRequest) {
	params, err := decodeParams[model.SessionProposeParams](req)
	if err == nil {
		err = validateRequiredNamespaces(params.RequiredNamespaces, "required")
	}
	if err == nil && params.ExpiryTimestamp > 0 && e.core.IsExpired(params.ExpiryTimestamp) {
		err = model.ErrorFromType(model.Expired, "proposal")
	}
	if err != nil {
		e.reply(ctx, topic, req, model.SessionPropose, nil, err)
		return
	}

	expiry := params.ExpiryTimestamp
	if expiry == 0 {
		expiry = e.core.ExpiryIn(model.SessionPropose.Request.TTL)
	}
	proposal := model.Proposal{
		ID:                 req.ID,
		PairingTopic:       topic,
		Expiry:             expiry,
		Proposer:           params.Proposer,
		Relays:             params.Relays,
		RequiredNamespaces: params.RequiredNamespaces,
		OptionalNamespaces: params.OptionalNamespaces,
		SessionProperties:  params.SessionProperties,
	}
	if err := e.Proposals.Set(ctx, proposal.ID, proposal); err != nil {
		e.logger.Error("store proposal", zap.Int64("id", req.ID), zap.Error(err))
		return
	}
	e.SessionProposal.Emit(proposal)
}

// Approve accepts proposal p.ID with the granted namespaces, answers the
// proposer and settles the session.
func (e *Engine) Approve(ctx context.Context, p ApproveParams) (ApproveResult, error) {
	unlock := e.locks.Lock(idKey(p.ID))
	defer unlock()

	proposal, err := e.Proposals.Get(p.ID)
	if err != nil {
		return ApproveResult{}, err
	}
	if e.core.IsExpired(proposal.Expiry) {
		_ = e.Proposals.Delete(ctx, p.ID, model.ErrorFromType(model.Expired, "proposal"))
		return ApproveResult{}, model.ErrorFromType(model.Expired, "proposal")
	}
	if err := validateConforming(proposal.RequiredNamespaces, p.Namespaces); err != nil {
		return ApproveResult{}, err
	}

	crypto := e.core.Crypto
	selfPub, err := crypto.GenerateKeyPair(ctx)
	if err != nil {
		return ApproveResult{}, err
	}
	sessionTopic, err := crypto.GenerateSharedKey(ctx, selfPub, proposal.Proposer.PublicKey, "")
	if err != nil {
		return ApproveResult{}, err
	}
	protocol := p.RelayProtocol
	if protocol == "" {
		protocol = model.RelayProtocol
	}
	relay := model.ProtocolOptions{Protocol: protocol}
	if _, err := e.core.Relayer.SubscribeWithRetry(ctx, sessionTopic); err != nil {
		return ApproveResult{}, err
	}

	err = e.core.Messages.SendResult(ctx, proposal.ID, proposal.PairingTopic, model.SessionPropose,
		model.SessionProposeResponse{Relay: relay, ResponderPublicKey: selfPub})
	if err != nil {
		return ApproveResult{}, err
	}

	self := model.Participant{PublicKey: selfPub, Metadata: e.metadata}
	expiry := e.core.ExpiryIn(e.sessionExpiry)
	session := model.Session{
		Topic:              sessionTopic,
		PairingTopic:       proposal.PairingTopic,
		Relay:              relay,
		Expiry:             expiry,
		Namespaces:         p.Namespaces,
		Controller:         selfPub,
		Self:               self,
		Peer:               proposal.Proposer,
		RequiredNamespaces: proposal.RequiredNamespaces,
		OptionalNamespaces: proposal.OptionalNamespaces,
		SessionProperties:  p.SessionProperties,
	}
	if err := e.Sessions.Set(ctx, sessionTopic, session); err != nil {
		return ApproveResult{}, err
	}

	settle, err := model.NewRequest(model.SessionSettle.Name, model.SessionSettleParams{
		Relay:              relay,
		Namespaces:         p.Namespaces,
		RequiredNamespaces: proposal.RequiredNamespaces,
		OptionalNamespaces: proposal.OptionalNamespaces,
		SessionProperties:  p.SessionProperties,
		Expiry:             expiry,
		Controller:         self,
	})
	if err != nil {
		return ApproveResult{}, err
	}
	ack := e.settles.add(settle.ID)
	if err := e.core.Messages.Send(ctx, sessionTopic, model.SessionSettle, settle); err != nil {
		e.settles.resolve(settle.ID, model.Session{}, err)
		return ApproveResult{}, err
	}

	if err := e.Proposals.Delete(ctx, proposal.ID, nil); err != nil {
		e.logger.Warn("delete approved proposal", zap.Int64("id", proposal.ID), zap.Error(err))
	}
	if _, err := e.pairings.Activate(ctx, proposal.PairingTopic); err != nil {
		e.logger.Warn("activate pairing", zap.String("topic", proposal.PairingTopic), zap.Error(err))
	}
	if err := e.pairings.UpdateMetadata(ctx, proposal.PairingTopic, proposal.Proposer.Metadata); err != nil {
		e.logger.Warn("update pairing metadata", zap.String("topic", proposal.PairingTopic), zap.Error(err))
	}
	e.logger.Info("session approved", zap.Int64("proposal", proposal.ID), zap.String("topic", sessionTopic))
	return ApproveResult{Topic: sessionTopic, Acknowledged: ack}, nil
}

// Reject answers proposal id with reason and forgets it.
func (e *Engine) Reject(ctx context.Context, id int64, reason *model.Error) error {
	unlock := e.locks.Lock(idKey(id))
	defer unlock()

	proposal, err := e.Proposals.Get(id)
	if err != nil {
		return err
	}
	if reason == nil {
		reason = model.ErrorFromType(model.JsonRpcRequestMethodRejected, "")
	}
	if err := e.core.Messages.SendError(ctx, id, proposal.PairingTopic, model.SessionPropose, reason); err != nil {
		return err
	}
	return e.Proposals.Delete(ctx, id, reason)
}

func (e *Engine) onProposeResponse(ctx context.Context, _ string, resp model.JsonRpcResponse, rec model.JsonRpcRecord) {
	id := rec.ID
	unlock := e.locks.Lock(idKey(id))
	defer unlock()

	proposal, err := e.Proposals.Get(id)
	if err != nil {
		e.logger.Debug("response to unknown proposal", zap.Int64("id", id))
		return
	}
	if resp.IsError() && resp.Error.Type() == model.JsonRpcRequestTimeout {
		e.expireProposal(ctx, proposal)
		return
	}
	if resp.IsError() {
		e.failProposal(ctx, id, resp.Error)
		return
	}

	var result model.SessionProposeResponse
	if err := resp.DecodeResult(&result); err != nil {
		e.failProposal(ctx, id, model.Errorf(model.MissingOrInvalid, "propose result: %v", err))
		return
	}
	sessionTopic, err := e.core.Crypto.GenerateSharedKey(ctx, proposal.Proposer.PublicKey, result.ResponderPublicKey, "")
	if err != nil {
		e.failProposal(ctx, id, model.Errorf(model.SessionSettlementFailed, "%v", err))
		return
	}
	_, err = e.Proposals.Update(ctx, id, func(p *model.Proposal) error {
		p.SessionTopic = sessionTopic
		return nil
	})
	if err != nil {
		e.logger.Error("store session topic", zap.Int64("id", id), zap.Error(err))
		return
	}
	if _, err := e.pairings.Activate(ctx, proposal.PairingTopic); err != nil {
		e.logger.Warn("activate pairing", zap.String("topic", proposal.PairingTopic), zap.Error(err))
	}
	if _, err := e.core.Relayer.SubscribeWithRetry(ctx, sessionTopic); err != nil {
		e.failProposal(ctx, id, model.Errorf(model.TransportFailure, "%v", err))
		return
	}
	e.logger.Info("proposal approved", zap.Int64("id", id), zap.String("session", sessionTopic))
}

// failProposal ends proposal id with reason. Caller holds the proposal lock.
func (e *Engine) failProposal(ctx context.Context, id int64, reason *model.Error) {
	if err := e.Proposals.Delete(ctx, id, reason); err != nil {
		e.logger.Error("delete proposal", zap.Int64("id", id), zap.Error(err))
	}
	e.approvals.resolve(id, model.Session{}, reason)
	e.SessionConnectionErrored.Emit(ConnectionError{ProposalID: id, Err: reason})
}

// expireProposal ends proposal p unanswered.
func (e *Engine) expireProposal(ctx context.Context, p model.Proposal) {
	reason := model.ErrorFromType(model.Expired, "proposal")
	if err := e.Proposals.Delete(ctx, p.ID, reason); err != nil {
		e.logger.Error("delete expired proposal", zap.Int64("id", p.ID), zap.Error(err))
		return
	}
	e.approvals.resolve(p.ID, model.Session{}, reason)
	e.ProposalExpired.Emit(p)
}

func (e *Engine) proposalBySessionTopic(topic string) (model.Proposal, bool) {
	for _, p := range e.Proposals.Values() {
		if p.SessionTopic == topic {
			return p, true
		}
	}
	return model.Proposal{}, false
}

func (e *Engine) onSettleRequest(ctx context.Context, topic string, req model.JsonRpcRequest) {
	unlock := e.locks.Lock(topic)
	defer unlock()

	params, err := decodeParams[model.SessionSettleParams](req)
	if err != nil {
		e.reply(ctx, topic, req, model.SessionSettle, nil, err)
		return
	}
	proposal, ok := e.proposalBySessionTopic(topic)
	if !ok {
		e.reply(ctx, topic, req, model.SessionSettle, nil, model.Errorf(model.NoMatchingKey, "proposal of %s", topic))
		return
	}
	if err := validateNamespaces(params.Namespaces); err != nil {
		e.reply(ctx, topic, req, model.SessionSettle, nil, err)
		return
	}
	if e.core.IsExpired(params.Expiry) {
		e.reply(ctx, topic, req, model.SessionSettle, nil, model.ErrorFromType(model.Expired, "settlement"))
		return
	}

	session := model.Session{
		Topic:              topic,
		PairingTopic:       proposal.PairingTopic,
		Relay:              params.Relay,
		Expiry:             params.Expiry,
		Namespaces:         params.Namespaces,
		Acknowledged:       true,
		Controller:         params.Controller.PublicKey,
		Self:               proposal.Proposer,
		Peer:               params.Controller,
		RequiredNamespaces: params.RequiredNamespaces,
		OptionalNamespaces: params.OptionalNamespaces,
		SessionProperties:  params.SessionProperties,
	}
	if err := e.Sessions.Set(ctx, topic, session); err != nil {
		e.reply(ctx, topic, req, model.SessionSettle, nil, model.Errorf(model.SessionSettlementFailed, "%v", err))
		return
	}
	e.reply(ctx, topic, req, model.SessionSettle, true, nil)

	if err := e.Proposals.Delete(ctx, proposal.ID, nil); err != nil {
		e.logger.Warn("delete settled proposal", zap.Int64("id", proposal.ID), zap.Error(err))
	}
	if err := e.pairings.UpdateMetadata(ctx, proposal.PairingTopic, params.Controller.Metadata); err != nil {
		e.logger.Warn("update pairing metadata", zap.String("topic", proposal.PairingTopic), zap.Error(err))
	}
	e.logger.Info("session connected", zap.String("topic", topic))
	e.SessionConnected.Emit(session)
	e.approvals.resolve(proposal.ID, session, nil)
}

func (e *Engine) onSettleResponse(ctx context.Context, topic string, resp model.JsonRpcResponse, rec model.JsonRpcRecord) {
	unlock := e.locks.Lock(topic)
	defer unlock()

	if resp.IsError() {
		if err := e.deleteSession(ctx, topic, resp.Error); err != nil {
			e.logger.Error("delete rejected session", zap.Error(err))
		}
		e.settles.resolve(rec.ID, model.Session{}, resp.Error)
		e.SessionRejected.Emit(SessionClosed{Topic: topic, Reason: resp.Error})
		return
	}
	session, err := e.Sessions.Update(ctx, topic, func(s *model.Session) error {
		s.Acknowledged = true
		return nil
	})
	if err != nil {
		e.settles.resolve(rec.ID, model.Session{}, err)
		e.logger.Error("acknowledge session", zap.String("topic", topic), zap.Error(err))
		return
	}
	e.settles.resolve(rec.ID, session, nil)
	e.SessionApproved.Emit(session)
}
