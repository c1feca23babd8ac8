package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loyaltyhub/cardlink/internal/agent"
	"github.com/loyaltyhub/cardlink/internal/config"
	"github.com/loyaltyhub/cardlink/internal/ledger"
	"github.com/loyaltyhub/cardlink/internal/proxy"
)

// ErrReactivateUnsupported is a usage error: reactivation exists only
// for mastercard. Callers must not retry it.
var ErrReactivateUnsupported = errors.New("reactivation is only supported for mastercard")

// Dispatcher is the retrying proxy call edge.
type Dispatcher interface {
	Do(ctx context.Context, spec proxy.RequestSpec) (*proxy.Response, error)
}

// Ledger is the upstream system receiving operation outcomes and
// supplying provider status mappings.
type Ledger interface {
	PutAccountStatus(ctx context.Context, update ledger.StatusUpdate) error
	ProviderStatusMapping(ctx context.Context, slug string) (agent.StatusMapping, error)
}

// Service sequences card lifecycle operations: it builds the provider
// request, dispatches it, normalizes the response and reports the
// outcome. It never retries itself; dispatch-level retries live in the
// dispatcher and task-level retries live with the queue that invoked us.
type Service struct {
	agents       *agent.Registry
	dispatcher   Dispatcher
	ledger       Ledger
	proxyBaseURL string
	vopBaseURL   string
	logger       *slog.Logger
}

func NewService(
	agents *agent.Registry,
	dispatcher Dispatcher,
	ledgerClient Ledger,
	cfg config.ProxyConfig,
	logger *slog.Logger,
) *Service {
	vopBase := cfg.VOPBaseURL
	if vopBase == "" {
		vopBase = cfg.BaseURL
	}
	return &Service{
		agents:       agents,
		dispatcher:   dispatcher,
		ledger:       ledgerClient,
		proxyBaseURL: cfg.BaseURL,
		vopBaseURL:   vopBase,
		logger:       logger,
	}
}

// Add enrolls a card with its provider. Exactly one outcome is reported
// to the ledger whatever happens below: a build failure, a transport
// failure and a terminal provider status all end in one report.
func (s *Service) Add(ctx context.Context, card agent.CardInfo) (*agent.Result, error) {
	s.logger.Info("start add card", "card_id", card.ID, "provider", card.PartnerSlug)

	a, err := s.agents.ForSlug(card.PartnerSlug)
	if err != nil {
		return nil, err
	}

	spec, err := a.BuildRequest(agent.OpAdd, card)
	if err != nil {
		return nil, s.reportBuildFailure(ctx, card, agent.OpAdd, "", err)
	}

	result, rawStatus := s.dispatchAndParse(ctx, a, agent.OpAdd, spec)

	update := s.baseUpdate(card, agent.OpAdd, result)
	if result.StatusCode == 200 {
		s.logger.Info("card added, activating in ledger", "card_id", card.ID)
		update.CardStatus = ledger.CardStatus(ledger.CardStatusActive)
	} else {
		s.logger.Info("card add unsuccessful, setting ledger card status",
			"card_id", card.ID,
			"status", result.StatusCode)
		update.CardStatus = ledger.CardStatus(result.OutcomeCode)
	}

	// The proxy itself answers 422/408 for transient tokenization races;
	// the ledger must schedule another attempt for those whatever the
	// envelope parsed to.
	if rawStatus == 422 || rawStatus == 408 {
		update.ResponseState = agent.StateRetry
	}

	s.report(ctx, update)
	return &result, nil
}

// Remove deletes a card at its provider. Visa goes through the VOP
// deactivate-before-unenroll machine; everyone else is a single
// proxy-forwarded delete.
func (s *Service) Remove(ctx context.Context, card agent.CardInfo, retryType ledger.RetryType) (*agent.Result, error) {
	s.logger.Info("start remove card", "card_id", card.ID, "provider", card.PartnerSlug)

	if card.PartnerSlug == agent.SlugVisa {
		return s.removeVisa(ctx, card, retryType)
	}

	a, err := s.agents.ForSlug(card.PartnerSlug)
	if err != nil {
		return nil, err
	}

	spec, err := a.BuildRequest(agent.OpDelete, card)
	if err != nil {
		return nil, s.reportBuildFailure(ctx, card, agent.OpDelete, retryType, err)
	}

	result, _ := s.dispatchAndParse(ctx, a, agent.OpDelete, spec)

	update := s.baseUpdate(card, agent.OpDelete, result)
	update.RetryType = retryType
	s.report(ctx, update)

	return &result, nil
}

// removeVisa drives the VOP unenroll machine. Every pending activation
// is deactivated first; if any deactivation can still be retried the
// unenroll step is withheld and an interim retry outcome is reported,
// relying on the task system to re-invoke us with the remaining
// activations. Unenroll runs at most once per invocation.
func (s *Service) removeVisa(ctx context.Context, card agent.CardInfo, retryType ledger.RetryType) (*agent.Result, error) {
	visa := s.agents.Visa()

	deactivated := []string{}
	deactivateErrors := map[string]ledger.DeactivateError{}
	allDeactivated := true

	for index, activation := range card.Activations {
		s.logger.Info("vop unenroll: deactivating activation",
			"card_id", card.ID,
			"activation", index)

		vres := s.deactivate(ctx, visa, card, activation)

		switch vres.State {
		case agent.VOPSuccess:
			deactivated = append(deactivated, index)
		case agent.VOPRetry:
			// Still pending: neither deactivated nor errored. Only a
			// retryable deactivation is allowed to block the unenroll.
			allDeactivated = false
			s.logger.Info("vop deactivation retryable",
				"card_id", card.ID,
				"activation", index,
				"status", vres.StatusCode)
		case agent.VOPFailed:
			deactivateErrors[index] = ledger.DeactivateError{
				ResponseStatus:     string(vres.State),
				ProviderStatusCode: vres.ProviderStatusCode,
				Message:            vres.Message,
			}
			s.logger.Error("vop deactivation failed permanently",
				"card_id", card.ID,
				"activation", index)
		}
	}

	if !allDeactivated {
		message := "cannot unenroll, some activations are still active and can be retried"
		s.logger.Info("vop unenroll withheld", "card_id", card.ID, "reason", message)

		update := ledger.StatusUpdate{
			CardID:           card.ID,
			ResponseAction:   string(agent.OpDelete),
			ResponseState:    agent.StateRetry,
			ResponseMessage:  message,
			DeactivatedList:  deactivated,
			DeactivateErrors: deactivateErrors,
			RetryID:          card.RetryID,
			RetryType:        retryType,
		}
		s.report(ctx, update)

		return &agent.Result{State: agent.StateRetry, Message: message}, nil
	}

	spec, err := visa.UnenrollRequest(card)
	if err != nil {
		return nil, s.reportBuildFailure(ctx, card, agent.OpDelete, retryType, err)
	}

	resp, derr := s.dispatcher.Do(ctx, spec)
	if derr != nil {
		s.logger.Error("vop unenroll dispatch failed", "card_id", card.ID, "error", derr)
	}
	vres := visa.ParseVOP(resp)

	if vres.State != agent.VOPSuccess {
		s.logger.Info("vop unenroll unsuccessful",
			"card_id", card.ID,
			"state", vres.State,
			"status", vres.StatusCode,
			"provider_status", vres.ProviderStatusCode)
	}

	update := ledger.StatusUpdate{
		CardID:             card.ID,
		ResponseAction:     string(agent.OpDelete),
		ResponseState:      string(vres.State),
		ResponseStatus:     vres.ProviderStatusCode,
		ResponseStatusCode: vres.StatusCode,
		ResponseMessage:    vres.Message,
		DeactivatedList:    deactivated,
		DeactivateErrors:   deactivateErrors,
		RetryID:            card.RetryID,
		RetryType:          retryType,
	}
	s.report(ctx, update)

	return &agent.Result{
		StatusCode:         vres.StatusCode,
		State:              string(vres.State),
		ProviderStatusCode: vres.ProviderStatusCode,
		Message:            vres.Message,
	}, nil
}

func (s *Service) deactivate(ctx context.Context, visa *agent.Visa, card agent.CardInfo, activation agent.Activation) agent.VOPResult {
	spec, err := visa.DeactivationRequest(card, activation)
	if err != nil {
		// No signed request, nothing was sent: leave the activation
		// pending for the next invocation.
		s.logger.Error("vop deactivation request build failed", "card_id", card.ID, "error", err)
		return agent.VOPResult{State: agent.VOPRetry, Message: err.Error()}
	}

	resp, err := s.dispatcher.Do(ctx, spec)
	if err != nil {
		s.logger.Error("vop deactivation dispatch failed", "card_id", card.ID, "error", err)
	}
	return visa.ParseVOP(resp)
}

// Reactivate re-enables a previously removed mastercard enrollment.
// Any other provider slug is a caller bug, surfaced before anything is
// dispatched or reported.
func (s *Service) Reactivate(ctx context.Context, card agent.CardInfo) (*agent.Result, error) {
	if card.PartnerSlug != agent.SlugMastercard {
		return nil, fmt.Errorf("%w: got %q", ErrReactivateUnsupported, card.PartnerSlug)
	}

	s.logger.Info("start reactivate card", "card_id", card.ID)

	a, err := s.agents.ForSlug(agent.SlugMastercard)
	if err != nil {
		return nil, err
	}

	spec, err := a.BuildRequest(agent.OpReactivate, card)
	if err != nil {
		return nil, s.reportBuildFailure(ctx, card, agent.OpReactivate, "", err)
	}

	result, _ := s.dispatchAndParse(ctx, a, agent.OpReactivate, spec)

	update := s.baseUpdate(card, agent.OpReactivate, result)
	if result.StatusCode == 200 {
		update.CardStatus = ledger.CardStatus(ledger.CardStatusActive)
	} else {
		update.CardStatus = ledger.CardStatus(result.OutcomeCode)
	}
	s.report(ctx, update)

	return &result, nil
}

// dispatchAndParse runs one dispatch and always comes back with a
// Result: transport failures and unreadable responses degrade to the
// agent's 504 sentinel instead of erroring out. The raw proxy status is
// returned alongside because the Result carries the inner provider
// status from the deliver envelope, and some decisions key on what the
// proxy itself answered.
func (s *Service) dispatchAndParse(ctx context.Context, a agent.Agent, op agent.Operation, spec proxy.RequestSpec) (agent.Result, int) {
	resp, err := s.dispatcher.Do(ctx, spec)
	if err != nil {
		s.logger.Error("dispatch failed without response",
			"provider", a.Slug(),
			"operation", op,
			"error", err)
	}

	rawStatus := 0
	if resp != nil {
		rawStatus = resp.StatusCode
	}

	mapping := s.statusMapping(ctx, a.Slug())
	return a.ParseResponse(resp, op, mapping), rawStatus
}

func (s *Service) statusMapping(ctx context.Context, slug string) agent.StatusMapping {
	mapping, err := s.ledger.ProviderStatusMapping(ctx, slug)
	if err != nil {
		s.logger.Error("status mapping fetch failed, outcomes default to pending",
			"provider", slug,
			"error", err)
		return agent.StatusMapping{}
	}
	return mapping
}

// reportBuildFailure handles the cannot-build-request path: a fixed
// retry-required outcome is reported without consuming a dispatch
// attempt. Unexpected build errors propagate.
func (s *Service) reportBuildFailure(ctx context.Context, card agent.CardInfo, op agent.Operation, retryType ledger.RetryType, err error) error {
	var buildErr *agent.BuildError
	if !errors.As(err, &buildErr) {
		return err
	}

	s.logger.Error("agent could not build request",
		"card_id", card.ID,
		"provider", card.PartnerSlug,
		"operation", op,
		"error", err)

	update := ledger.StatusUpdate{
		CardID:         card.ID,
		CardStatus:     ledger.CardStatus(ledger.CardStatusRetryRequired),
		ResponseAction: string(op),
		RetryID:        card.RetryID,
		RetryType:      retryType,
	}
	s.report(ctx, update)
	return nil
}

func (s *Service) baseUpdate(card agent.CardInfo, op agent.Operation, result agent.Result) ledger.StatusUpdate {
	return ledger.StatusUpdate{
		CardID:             card.ID,
		ResponseAction:     string(op),
		ResponseState:      result.State,
		ResponseStatus:     result.ProviderStatusCode,
		ResponseStatusCode: result.StatusCode,
		ResponseMessage:    result.Message,
		CardToken:          result.CardToken,
		RetryID:            card.RetryID,
	}
}

// report delivers one outcome to the ledger. Delivery failure is logged
// and swallowed: the ledger's reconciliation picks up missed reports,
// and the operation outcome itself is already decided.
func (s *Service) report(ctx context.Context, update ledger.StatusUpdate) {
	if err := s.ledger.PutAccountStatus(ctx, update); err != nil {
		s.logger.Error("ledger report failed",
			"card_id", update.CardID,
			"action", update.ResponseAction,
			"error", err)
	}
}
