/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tejzpr/agentphone/callcontrol"
	"github.com/tejzpr/agentphone/phonesdk"
)

// API is the call-control surface the gateway drives. *callcontrol.Client
// implements it.
type API interface {
	ConnectConference(ctx context.Context, req *callcontrol.ConnectRequest) (*callcontrol.Conference, error)
	DisconnectConference(ctx context.Context, conferenceID string) error
	AddParticipant(ctx context.Context, req *callcontrol.ParticipantRequest) (*callcontrol.ParticipantResponse, error)
	DeleteParticipant(ctx context.Context, req *callcontrol.ParticipantRequest) error
	MuteParticipant(ctx context.Context, req *callcontrol.ParticipantRequest) error
	UnmuteParticipant(ctx context.Context, req *callcontrol.ParticipantRequest) error
	HoldParticipant(ctx context.Context, req *callcontrol.ParticipantRequest) error
	ResumeParticipant(ctx context.Context, req *callcontrol.ParticipantRequest) error
	ListParticipants(ctx context.Context, conferenceID string) ([]callcontrol.Participant, error)
	Dial(ctx context.Context, req *callcontrol.DialRequest) (*callcontrol.DialResponse, error)
	UpdateCall(ctx context.Context, req *callcontrol.UpdateCallRequest) error
	TransferAttended(ctx context.Context, req *callcontrol.AttendedTransferRequest) (*callcontrol.TransferResponse, error)
	TransferBlind(ctx context.Context, req *callcontrol.BlindTransferRequest) (*callcontrol.TransferResponse, error)
	TransferAccept(ctx context.Context, req *callcontrol.AcceptTransferRequest) (*callcontrol.TransferResponse, error)
	SendDTMF(ctx context.Context, req *callcontrol.DTMFRequest) error
}

// MicrophoneAcquirer grants capture before the agent enters the bridge.
// *devices.Manager implements it.
type MicrophoneAcquirer interface {
	AcquireMicrophone(ctx context.Context) error
}

// GatewayConfig holds the gateway configuration
type GatewayConfig struct {
	AgentID            string
	Region             string
	CallerID           string
	DefaultCountryCode string
	// DTMFInterval spaces consecutive digits.
	DTMFInterval time.Duration
}

// DefaultGatewayConfig returns the default gateway configuration
func DefaultGatewayConfig() *GatewayConfig {
	return &GatewayConfig{
		DefaultCountryCode: DefaultCountryCode,
		DTMFInterval:       250 * time.Millisecond,
	}
}

var dtmfDigits = regexp.MustCompile(`^[0-9*#]+$`)

// Gateway runs agent commands against the call-control API. Each command
// snapshots the identity it targets, issues one request, and applies the
// result only if that identity is still current.
type Gateway struct {
	api    API
	store  *Store
	mic    MicrophoneAcquirer
	config *GatewayConfig
	dtmf   *rate.Limiter
	logger *zerolog.Logger
}

// NewGateway creates a gateway over store. mic may be nil when capture is
// managed elsewhere.
func NewGateway(api API, store *Store, mic MicrophoneAcquirer, config *GatewayConfig, logger *zerolog.Logger) *Gateway {
	if config == nil {
		config = DefaultGatewayConfig()
	}
	if config.DefaultCountryCode == "" {
		config.DefaultCountryCode = DefaultCountryCode
	}
	if config.DTMFInterval <= 0 {
		config.DTMFInterval = DefaultGatewayConfig().DTMFInterval
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Gateway{
		api:    api,
		store:  store,
		mic:    mic,
		config: config,
		dtmf:   rate.NewLimiter(rate.Every(config.DTMFInterval), 1),
		logger: logger,
	}
}

func (g *Gateway) discard(op string, err error) error {
	if IsStale(err) {
		g.logger.Debug().Str("op", op).Msg("discarding stale result")
		return ErrStale
	}
	return err
}

// checkAuth returns err unchanged after tearing the session down if the
// provider no longer accepts the agent's credentials.
func (g *Gateway) checkAuth(err error) error {
	if phonesdk.IsAuthError(err) {
		g.AuthLost()
	}
	return err
}

// AuthLost closes the conference locally after authentication is lost. The
// call and any transfer go with it; no request is sent.
func (g *Gateway) AuthLost() {
	switch g.store.Snapshot().Conference.Status {
	case ConferenceStatusNone, ConferenceStatusDisconnected:
		return
	}
	if err := g.store.ConferenceClosed(""); err != nil {
		return
	}
	g.logger.Warn().Msg("authentication lost, conference closed")
}

// ---- Conference ----

// ConnectConference acquires the microphone and opens the agent's bridge.
// Failure to acquire the microphone blocks entry.
func (g *Gateway) ConnectConference(ctx context.Context) error {
	if g.mic != nil {
		if err := g.mic.AcquireMicrophone(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrMicrophoneUnavailable, err)
		}
	}
	if err := g.store.OpenConference(); err != nil {
		return err
	}

	conf, err := g.api.ConnectConference(ctx, &callcontrol.ConnectRequest{
		AgentID: g.config.AgentID,
		Region:  g.config.Region,
	})
	if err != nil {
		_ = g.store.ConferenceClosed("")
		return fmt.Errorf("connect conference: %w", err)
	}

	if err := g.store.ConferenceConnected(conf.ConferenceID, conf.BridgeURL, conf.ParticipantID); err != nil {
		// the agent disconnected while the request was in flight
		g.logger.Debug().Str("conference", conf.ConferenceID).Msg("closing conference opened after disconnect")
		if derr := g.api.DisconnectConference(ctx, conf.ConferenceID); derr != nil {
			g.logger.Warn().Err(derr).Str("conference", conf.ConferenceID).Msg("failed to close orphan conference")
		}
		return ErrStale
	}
	g.logger.Info().Str("conference", conf.ConferenceID).Msg("conference connected")
	return nil
}

// DisconnectConference ends any call and tears down the bridge. The
// conference is always closed locally.
func (g *Gateway) DisconnectConference(ctx context.Context) error {
	snap := g.store.Snapshot()
	switch snap.Conference.Status {
	case ConferenceStatusNone, ConferenceStatusDisconnected:
		return nil
	}
	if snap.Call != nil && snap.Call.Status.IsLive() {
		if err := g.EndCall(ctx); err != nil {
			g.logger.Warn().Err(err).Msg("failed to end call before leaving conference")
		}
	}
	_ = g.store.CloseConference()

	confID := snap.Conference.ConferenceID
	var err error
	if confID != "" {
		if err = g.api.DisconnectConference(ctx, confID); err != nil {
			err = fmt.Errorf("disconnect conference: %w", err)
		}
	}
	_ = g.store.ConferenceClosed(confID)
	return err
}

// ---- Calls ----

// Dial places an outbound call through the bridge and returns the provider
// call id. The call is connecting (or ringing) until a push event reports
// the answer.
func (g *Gateway) Dial(ctx context.Context, number string) (string, error) {
	to, err := NormalizeNumber(number, g.config.DefaultCountryCode)
	if err != nil {
		return "", err
	}
	placeholder, err := g.store.StartOutboundCall(to)
	if err != nil {
		return "", err
	}
	conf := g.store.Snapshot().Conference

	resp, err := g.api.Dial(ctx, &callcontrol.DialRequest{
		ConferenceID: conf.ConferenceID,
		BridgeURL:    conf.BridgeURL,
		To:           to,
		From:         g.config.CallerID,
	})
	if err != nil {
		_ = g.store.ClearCall(placeholder)
		return "", fmt.Errorf("dial %s: %w", to, g.checkAuth(err))
	}

	status := CallStatusConnecting
	if ps, ok := ParseProviderCallStatus(resp.Status); ok && ps == CallStatusRinging {
		status = CallStatusRinging
	}
	if err := g.store.BindCallID(placeholder, resp.CallID, resp.ParticipantID, status); err != nil {
		// hung up before the provider answered; the leg has no owner
		g.logger.Debug().Str("call", resp.CallID).Msg("canceling leg dialed for an abandoned call")
		if cerr := g.api.UpdateCall(ctx, &callcontrol.UpdateCallRequest{
			CallID: resp.CallID,
			Status: callcontrol.UpdateCanceled,
		}); cerr != nil {
			g.logger.Warn().Err(cerr).Str("call", resp.CallID).Msg("failed to cancel orphan leg")
		}
		return "", ErrStale
	}
	g.logger.Info().Str("call", resp.CallID).Str("to", to).Msg("call dialed")
	return resp.CallID, nil
}

// EndCall hangs up the active call. It removes the participant first and
// falls back to a direct status update. The call is always cleared locally;
// an error is returned only when both requests failed. A ringing offer is
// declined instead.
func (g *Gateway) EndCall(ctx context.Context) error {
	snap := g.store.Snapshot()
	call := snap.Call
	if call == nil {
		return nil
	}
	if offer := snap.Offer; offer != nil && offer.CallID == call.CallID && call.Status == CallStatusRinging {
		// never accepted, so there is no leg of ours to hang up
		return g.DeclineOffer()
	}
	defer func() {
		if err := g.store.ClearCall(call.CallID); err != nil {
			g.logger.Debug().Str("call", call.CallID).Msg("call replaced during hangup")
		}
	}()

	if call.Status.IsTerminal() || call.Placeholder {
		// no provider leg to hang up yet; the dial result will be discarded
		return nil
	}

	if t := snap.Transfer; t != nil && t.TargetCallID != "" {
		if err := g.api.UpdateCall(ctx, &callcontrol.UpdateCallRequest{
			CallID: t.TargetCallID,
			Status: callcontrol.UpdateCompleted,
		}); err != nil {
			g.logger.Warn().Err(err).Str("call", t.TargetCallID).Msg("failed to hang up consult leg")
		}
	}

	var removeErr error
	if snap.Conference.Status == ConferenceStatusConnected {
		removeErr = g.api.DeleteParticipant(ctx, &callcontrol.ParticipantRequest{
			ConferenceID:  snap.Conference.ConferenceID,
			CallID:        call.CallID,
			ParticipantID: call.ParticipantID,
		})
		if removeErr == nil {
			return nil
		}
		g.logger.Debug().Err(removeErr).Str("call", call.CallID).Msg("participant removal failed, updating call")
	}

	status := callcontrol.UpdateCompleted
	if !call.Status.IsEstablished() {
		status = callcontrol.UpdateCanceled
	}
	if err := g.api.UpdateCall(ctx, &callcontrol.UpdateCallRequest{CallID: call.CallID, Status: status}); err != nil {
		if removeErr != nil {
			err = errors.Join(removeErr, err)
		}
		return fmt.Errorf("end call %s: %w", call.CallID, g.checkAuth(err))
	}
	return nil
}

// Hold places the active call on hold, or the agent when no call exists.
func (g *Gateway) Hold(ctx context.Context) error { return g.setHold(ctx, true) }

// Resume takes the active call, or the agent, off hold.
func (g *Gateway) Resume(ctx context.Context) error { return g.setHold(ctx, false) }

// Mute mutes the active call, or the agent when no call exists.
func (g *Gateway) Mute(ctx context.Context) error { return g.setMute(ctx, true) }

// Unmute unmutes the active call, or the agent.
func (g *Gateway) Unmute(ctx context.Context) error { return g.setMute(ctx, false) }

type participantCommand func(context.Context, *callcontrol.ParticipantRequest) error

// target resolves the participant a hold or mute addresses.
func (g *Gateway) target(op string, requireEstablished bool) (Snapshot, *callcontrol.ParticipantRequest, error) {
	snap := g.store.Snapshot()
	conf := snap.Conference
	if conf.Status != ConferenceStatusConnected {
		return snap, nil, domainErr(op, ErrNoConference, "")
	}
	if call := snap.Call; call != nil && call.Status.IsLive() && !call.Placeholder {
		if requireEstablished && !call.Status.IsEstablished() {
			return snap, nil, domainErr(op, ErrCallNotEstablished, "call is %s", call.Status)
		}
		return snap, &callcontrol.ParticipantRequest{
			ConferenceID:  conf.ConferenceID,
			CallID:        call.CallID,
			ParticipantID: call.ParticipantID,
		}, nil
	}
	if conf.AgentParticipantID != "" {
		return snap, &callcontrol.ParticipantRequest{
			ConferenceID:  conf.ConferenceID,
			ParticipantID: conf.AgentParticipantID,
		}, nil
	}
	return snap, nil, domainErr(op, ErrNoTarget, "")
}

func (g *Gateway) setHold(ctx context.Context, hold bool) error {
	op, send := "resume", participantCommand(g.api.ResumeParticipant)
	if hold {
		op, send = "hold", g.api.HoldParticipant
	}
	snap, req, err := g.target(op, true)
	if err != nil {
		return err
	}
	if err := send(ctx, req); err != nil {
		return fmt.Errorf("%s: %w", op, g.checkAuth(err))
	}
	if req.CallID != "" {
		return g.discard(op, g.store.SetHold(req.CallID, hold))
	}
	return g.discard(op, g.store.SetAgentHold(snap.Conference.ConferenceID, hold))
}

func (g *Gateway) setMute(ctx context.Context, muted bool) error {
	op, send := "unmute", participantCommand(g.api.UnmuteParticipant)
	if muted {
		op, send = "mute", g.api.MuteParticipant
	}
	snap, req, err := g.target(op, false)
	if err != nil {
		return err
	}
	if err := send(ctx, req); err != nil {
		return fmt.Errorf("%s: %w", op, g.checkAuth(err))
	}
	if req.CallID != "" {
		return g.discard(op, g.store.SetMute(req.CallID, muted))
	}
	return g.discard(op, g.store.SetAgentMuted(snap.Conference.ConferenceID, muted))
}

// SendDTMF sends digits on the connected call one at a time. Sending stops
// with ErrStale if the call changes between digits.
func (g *Gateway) SendDTMF(ctx context.Context, digits string) error {
	const op = "sendDTMF"
	if !dtmfDigits.MatchString(digits) {
		return domainErr(op, ErrInvalidDigits, "%q", digits)
	}
	snap := g.store.Snapshot()
	if snap.Conference.Status != ConferenceStatusConnected {
		return domainErr(op, ErrNoConference, "")
	}
	if snap.Call == nil || !snap.Call.Status.IsLive() {
		return domainErr(op, ErrNoActiveCall, "")
	}
	if !snap.Call.Status.IsEstablished() {
		return domainErr(op, ErrCallNotEstablished, "call is %s", snap.Call.Status)
	}
	callID := snap.Call.CallID

	for _, digit := range digits {
		if err := g.dtmf.Wait(ctx); err != nil {
			return err
		}
		if !g.store.Identity().Matches(callID) {
			return g.discard(op, ErrStale)
		}
		if err := g.api.SendDTMF(ctx, &callcontrol.DTMFRequest{
			ConferenceID: snap.Conference.ConferenceID,
			CallID:       callID,
			Digits:       string(digit),
		}); err != nil {
			return fmt.Errorf("send digit %q: %w", digit, g.checkAuth(err))
		}
	}
	return nil
}

// ---- Transfers ----

// InitiateWarmTransfer dials a consult leg to number and returns its call
// id. The transfer stays pending until the target answers.
func (g *Gateway) InitiateWarmTransfer(ctx context.Context, number string) (string, error) {
	to, err := NormalizeNumber(number, g.config.DefaultCountryCode)
	if err != nil {
		return "", err
	}
	original, err := g.store.StartTransfer(to)
	if err != nil {
		return "", err
	}
	conf := g.store.Snapshot().Conference

	resp, err := g.api.Dial(ctx, &callcontrol.DialRequest{
		ConferenceID:   conf.ConferenceID,
		BridgeURL:      conf.BridgeURL,
		To:             to,
		From:           g.config.CallerID,
		Consult:        true,
		OriginalCallID: original,
	})
	if err != nil {
		_ = g.store.ResolveTransfer(original)
		return "", fmt.Errorf("consult dial %s: %w", to, g.checkAuth(err))
	}

	if err := g.store.BindTransferTarget(original, resp.CallID, resp.AgentID, resp.DisplayName); err != nil {
		g.logger.Debug().Str("call", resp.CallID).Msg("hanging up consult leg of an abandoned transfer")
		if cerr := g.api.UpdateCall(ctx, &callcontrol.UpdateCallRequest{
			CallID: resp.CallID,
			Status: callcontrol.UpdateCanceled,
		}); cerr != nil {
			g.logger.Warn().Err(cerr).Str("call", resp.CallID).Msg("failed to cancel orphan consult leg")
		}
		return "", ErrStale
	}
	g.logger.Info().Str("call", original).Str("consult", resp.CallID).Msg("warm transfer started")
	return resp.CallID, nil
}

// CompleteWarmTransfer moves the original caller to the target agent. It is
// not retried; on failure the transfer stays accepted and the agent may try
// again.
func (g *Gateway) CompleteWarmTransfer(ctx context.Context) error {
	snap, err := g.store.BeginTransferCompletion()
	if err != nil {
		return err
	}
	t := snap.Transfer

	_, err = g.api.TransferAttended(ctx, &callcontrol.AttendedTransferRequest{
		ConferenceID:  snap.Conference.ConferenceID,
		CallID:        t.OriginalCallID,
		TargetCallID:  t.TargetCallID,
		TargetAgentID: t.TargetAgentID,
		ParticipantID: t.OriginalParticipantID,
	})
	if ferr := g.store.FinishTransferCompletion(t.OriginalCallID, err == nil); ferr != nil {
		g.logger.Debug().Str("call", t.OriginalCallID).Msg("transfer resolved while completing")
	}
	if err != nil {
		return fmt.Errorf("complete transfer: %w", g.checkAuth(err))
	}
	g.logger.Info().Str("call", t.OriginalCallID).Str("agent", t.TargetAgentID).Msg("warm transfer completed")
	return nil
}

// CancelWarmTransfer hangs up the consult leg and resolves the transfer. The
// transfer is resolved locally even if the hangup fails.
func (g *Gateway) CancelWarmTransfer(ctx context.Context) error {
	const op = "cancelTransfer"
	t := g.store.Snapshot().Transfer
	if t == nil {
		return domainErr(op, ErrNoTransfer, "")
	}
	if t.Completing {
		return domainErr(op, ErrTransferCompleting, "")
	}

	var err error
	if t.TargetCallID != "" {
		status := callcontrol.UpdateCompleted
		if t.Status == TransferStatusPending {
			status = callcontrol.UpdateCanceled
		}
		if err = g.api.UpdateCall(ctx, &callcontrol.UpdateCallRequest{CallID: t.TargetCallID, Status: status}); err != nil {
			err = fmt.Errorf("hang up consult leg: %w", err)
		}
	}
	_ = g.store.ResolveTransfer(t.OriginalCallID)
	return g.checkAuth(err)
}

// BlindTransfer redirects the active call to number without a consult leg.
func (g *Gateway) BlindTransfer(ctx context.Context, number string) error {
	const op = "blindTransfer"
	to, err := NormalizeNumber(number, g.config.DefaultCountryCode)
	if err != nil {
		return err
	}
	snap := g.store.Snapshot()
	switch {
	case snap.Conference.Status != ConferenceStatusConnected:
		return domainErr(op, ErrNoConference, "")
	case snap.Call == nil || !snap.Call.Status.IsLive():
		return domainErr(op, ErrNoActiveCall, "")
	case !snap.Call.Status.IsEstablished():
		return domainErr(op, ErrCallNotEstablished, "call is %s", snap.Call.Status)
	case snap.Transfer != nil:
		return domainErr(op, ErrTransferInProgress, "")
	}
	callID := snap.Call.CallID

	if _, err := g.api.TransferBlind(ctx, &callcontrol.BlindTransferRequest{
		ConferenceID: snap.Conference.ConferenceID,
		CallID:       callID,
		To:           to,
	}); err != nil {
		return fmt.Errorf("blind transfer: %w", g.checkAuth(err))
	}
	return g.discard(op, g.store.ClearCall(callID))
}

// ---- Offers ----

// AcceptOffer joins the ringing call or consult into the agent's bridge. A
// failed join puts the offer back to ringing.
func (g *Gateway) AcceptOffer(ctx context.Context) error {
	const op = "acceptOffer"
	snap := g.store.Snapshot()
	offer := snap.Offer
	if offer == nil {
		return domainErr(op, ErrNoOffer, "")
	}
	if err := g.store.AcceptInboundCall(offer.CallID); err != nil {
		return err
	}
	confID := snap.Conference.ConferenceID

	var callID, participantID string
	var err error
	switch offer.Kind {
	case OfferKindTransfer:
		var resp *callcontrol.TransferResponse
		resp, err = g.api.TransferAccept(ctx, &callcontrol.AcceptTransferRequest{
			ConferenceID: confID,
			CallID:       offer.CallID,
		})
		if err == nil {
			callID, participantID = resp.CallID, resp.ParticipantID
		}
	default:
		var resp *callcontrol.ParticipantResponse
		resp, err = g.api.AddParticipant(ctx, &callcontrol.ParticipantRequest{
			ConferenceID: confID,
			CallID:       offer.CallID,
		})
		if err == nil {
			callID, participantID = resp.CallID, resp.ParticipantID
		}
	}
	if err != nil {
		_ = g.store.RevertAccept(offer.CallID)
		return fmt.Errorf("accept %s: %w", offer.CallID, g.checkAuth(err))
	}

	if err := g.store.ConnectAccepted(offer.CallID, callID, participantID); err != nil {
		return g.discard(op, err)
	}
	g.logger.Info().Str("call", offer.CallID).Str("kind", string(offer.Kind)).Msg("offer accepted")
	return nil
}

// DeclineOffer stops ringing and drops the offer locally. The provider
// routes the call elsewhere on its own timeout.
func (g *Gateway) DeclineOffer() error {
	const op = "declineOffer"
	offer := g.store.Snapshot().Offer
	if offer == nil {
		return domainErr(op, ErrNoOffer, "")
	}
	return g.discard(op, g.store.ClearOffer(offer.CallID))
}

// MissOffer drops an offer that rang out. It is a no-op if the offer was
// answered or replaced meanwhile.
func (g *Gateway) MissOffer(callID string) {
	if err := g.store.ClearOffer(callID); err != nil {
		return
	}
	g.logger.Info().Str("call", callID).Msg("offer missed")
}
