package agent

import (
	"encoding/xml"
	"fmt"

	"github.com/loyaltyhub/cardlink/internal/proxy"
)

// Operation is the action name reported to the ledger for a lifecycle
// call.
type Operation string

const (
	OpAdd        Operation = "Add"
	OpDelete     Operation = "Delete"
	OpReactivate Operation = "Reactivate"
)

const (
	SlugAmex       = "amex"
	SlugMastercard = "mastercard"
	SlugVisa       = "visa"
)

// CardInfo is the caller-supplied description of one card operation.
// Immutable for the duration of a dispatch.
type CardInfo struct {
	ID           int64                 `json:"id"`
	PartnerSlug  string                `json:"partner_slug"`
	PaymentToken string                `json:"payment_token"`
	Activations  map[string]Activation `json:"activations,omitempty"`
	RetryID      string                `json:"retry_id,omitempty"`
	ActionCode   string                `json:"action_code,omitempty"`
}

// Activation is one registered VOP usage context that must be
// deactivated individually before the card can be unenrolled.
type Activation struct {
	ActivationID string `json:"activation_id"`
}

// StatusMapping maps provider-specific status tokens to the ledger's
// outcome codes. Fetched from the ledger per provider before parsing.
type StatusMapping map[string]int

// Coarse response states reported to the ledger.
const (
	StateSuccess = "Success"
	StateRetry   = "Retry"
	StateFailed  = "Failed"
)

// Result is the canonical normalized outcome of one logical operation.
type Result struct {
	StatusCode         int
	State              string
	ProviderStatusCode string
	Message            string
	OutcomeCode        int
	CardToken          string
}

func stateForStatus(status int) string {
	switch {
	case status == 200:
		return StateSuccess
	case proxy.RetryableStatus(status):
		return StateRetry
	default:
		return StateFailed
	}
}

// ParseFailureMessage is the message carried by the degraded Result an
// agent produces when the proxy response is absent or unreadable.
const ParseFailureMessage = "bad or no response from tokenization proxy"

func parseFailure() Result {
	return Result{
		StatusCode: 504,
		State:      StateRetry,
		Message:    ParseFailureMessage,
	}
}

// BuildError means the agent could not construct a signed request, e.g.
// signing material is missing from configuration. Permanent for this
// invocation: the orchestrator reports it without dispatching.
type BuildError struct {
	Slug   string
	Reason string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s: cannot build request: %s", e.Slug, e.Reason)
}

// Agent is one card-network integration. Build produces the proxy call
// for an operation, Parse normalizes whatever came back.
type Agent interface {
	Slug() string
	BuildRequest(op Operation, card CardInfo) (proxy.RequestSpec, error)
	ParseResponse(resp *proxy.Response, op Operation, mapping StatusMapping) Result
}

// Registry holds the closed set of supported providers. An unknown slug
// is a configuration error, not a runtime surprise.
type Registry struct {
	agents map[string]Agent
	visa   *Visa
}

func NewRegistry(amex *Amex, mastercard *Mastercard, visa *Visa) *Registry {
	return &Registry{
		agents: map[string]Agent{
			SlugAmex:       amex,
			SlugMastercard: mastercard,
			SlugVisa:       visa,
		},
		visa: visa,
	}
}

func (r *Registry) ForSlug(slug string) (Agent, error) {
	a, ok := r.agents[slug]
	if !ok {
		return nil, fmt.Errorf("no agent configured for provider %q", slug)
	}
	return a, nil
}

// Visa returns the VOP-capable agent for the deactivate/unenroll flow.
func (r *Registry) Visa() *Visa {
	return r.visa
}

// xmlHeader is the header set for receiver/XML proxy calls.
func xmlHeader() map[string]string {
	return map[string]string{"Content-Type": "application/xml"}
}

func jsonHeader() map[string]string {
	return map[string]string{"Content-Type": "application/json"}
}

// deliverEnvelope is the proxy's wrapper around a forwarded provider
// response: the provider's own status and body sit inside the
// transaction element.
type deliverEnvelope struct {
	XMLName  xml.Name `xml:"transaction"`
	State    string   `xml:"state"`
	Token    string   `xml:"token"`
	Response struct {
		Status int    `xml:"status"`
		Body   string `xml:"body"`
	} `xml:"response"`
}

func decodeDeliverEnvelope(resp *proxy.Response) (*deliverEnvelope, bool) {
	if resp == nil || len(resp.Body) == 0 {
		return nil, false
	}
	var env deliverEnvelope
	if err := xml.Unmarshal(resp.Body, &env); err != nil {
		return nil, false
	}
	return &env, true
}
