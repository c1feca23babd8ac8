package agent

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/loyaltyhub/cardlink/internal/config"
	"github.com/loyaltyhub/cardlink/internal/proxy"
)

// VOPState classifies a VOP call for the deactivate-before-unenroll
// flow. The string values are reported to the ledger as response_state.
type VOPState string

const (
	VOPSuccess VOPState = VOPState(StateSuccess)
	VOPRetry   VOPState = VOPState(StateRetry)
	VOPFailed  VOPState = VOPState(StateFailed)
)

// VOPResult is the normalized outcome of a direct VOP call.
type VOPResult struct {
	State              VOPState
	StatusCode         int
	ProviderStatusCode string
	Message            string
}

// Visa enrolls through the proxy receiver like the other providers but
// deactivates and unenrolls against VOP directly: the proxy only adds
// value where the PAN must be inserted into the outbound message.
type Visa struct {
	receiverToken string
	userID        string
	userPassword  string
	communityCode string
	proxyBaseURL  string
	vopBaseURL    string
}

func NewVisa(cfg config.VisaConfig, proxyCfg config.ProxyConfig) *Visa {
	vopBase := proxyCfg.VOPBaseURL
	if vopBase == "" {
		vopBase = proxyCfg.BaseURL
	}
	return &Visa{
		receiverToken: cfg.ReceiverToken,
		userID:        cfg.UserID,
		userPassword:  cfg.UserPassword,
		communityCode: cfg.CommunityCode,
		proxyBaseURL:  proxyCfg.BaseURL,
		vopBaseURL:    vopBase,
	}
}

func (v *Visa) Slug() string {
	return SlugVisa
}

func (v *Visa) BuildRequest(op Operation, card CardInfo) (proxy.RequestSpec, error) {
	if op != OpAdd {
		return proxy.RequestSpec{}, fmt.Errorf("visa %q is handled through VOP deactivate/unenroll", op)
	}

	payload := fmt.Sprintf(
		`{"correlationId":"%s","userDetails":{"cardNumbers":["{{credit_card_number}}"],"externalUserId":"%s"},"communityCode":"%s"}`,
		uuid.New(), card.PaymentToken, v.communityCode,
	)

	body := fmt.Sprintf(
		"<delivery>"+
			"<payment_method_token>%s</payment_method_token>"+
			"<url>%s/vop/v1/users/enroll</url>"+
			"<headers><![CDATA[Content-Type: application/json]]></headers>"+
			"<body><![CDATA[%s]]></body>"+
			"</delivery>",
		card.PaymentToken, v.vopBaseURL, payload,
	)

	return proxy.RequestSpec{
		Method: "POST",
		URL:    fmt.Sprintf("%s/receivers/%s", v.vopBaseURL, v.receiverToken),
		Header: xmlHeader(),
		Body:   []byte(body),
	}, nil
}

type vopResponse struct {
	ResponseStatus struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"responseStatus"`
}

func (v *Visa) ParseResponse(resp *proxy.Response, _ Operation, mapping StatusMapping) Result {
	env, ok := decodeDeliverEnvelope(resp)
	if !ok {
		return parseFailure()
	}

	result := Result{
		StatusCode: env.Response.Status,
		State:      stateForStatus(env.Response.Status),
		CardToken:  env.Token,
	}

	var vopResp vopResponse
	if err := json.Unmarshal([]byte(env.Response.Body), &vopResp); err != nil {
		result.Message = env.Response.Body
		return result
	}

	result.ProviderStatusCode = vopResp.ResponseStatus.Code
	result.Message = vopResp.ResponseStatus.Message
	if code, ok := mapping[vopResp.ResponseStatus.Code]; ok {
		result.OutcomeCode = code
	}
	return result
}

// DeactivationRequest builds the direct VOP call for one activation.
func (v *Visa) DeactivationRequest(card CardInfo, activation Activation) (proxy.RequestSpec, error) {
	return v.vopRequest("/vop/v1/deactivations/merchant", map[string]any{
		"requestMessageId": uuid.New().String(),
		"userKey":          card.PaymentToken,
		"activationId":     activation.ActivationID,
		"communityCode":    v.communityCode,
	})
}

// UnenrollRequest builds the direct VOP call removing the user. Only
// valid once every activation has been deactivated.
func (v *Visa) UnenrollRequest(card CardInfo) (proxy.RequestSpec, error) {
	return v.vopRequest("/vop/v1/users/unenroll", map[string]any{
		"requestMessageId": uuid.New().String(),
		"userKey":          card.PaymentToken,
		"communityCode":    v.communityCode,
	})
}

func (v *Visa) vopRequest(path string, payload map[string]any) (proxy.RequestSpec, error) {
	if v.userID == "" || v.userPassword == "" {
		return proxy.RequestSpec{}, &BuildError{Slug: SlugVisa, Reason: "vop user credentials not configured"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return proxy.RequestSpec{}, fmt.Errorf("marshal vop payload: %w", err)
	}

	header := jsonHeader()
	header["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString(
		[]byte(v.userID+":"+v.userPassword))

	return proxy.RequestSpec{
		Method: "POST",
		URL:    v.vopBaseURL + path,
		Header: header,
		Body:   body,
	}, nil
}

// ParseVOP classifies a direct VOP response for the remove flow. A RETRY
// leaves the activation pending so the task system can re-deliver; a
// FAILED is recorded permanently and no longer blocks unenrollment.
func (v *Visa) ParseVOP(resp *proxy.Response) VOPResult {
	if resp == nil || len(resp.Body) == 0 {
		return VOPResult{State: VOPRetry, StatusCode: 504, Message: ParseFailureMessage}
	}

	result := VOPResult{StatusCode: resp.StatusCode}

	var vopResp vopResponse
	if err := json.Unmarshal(resp.Body, &vopResp); err != nil {
		result.State = VOPRetry
		result.Message = ParseFailureMessage
		return result
	}

	result.ProviderStatusCode = vopResp.ResponseStatus.Code
	result.Message = vopResp.ResponseStatus.Message

	switch {
	case resp.StatusCode == 200 && vopResp.ResponseStatus.Code == "SUCCESS":
		result.State = VOPSuccess
	case retryableVOPStatus(resp.StatusCode):
		result.State = VOPRetry
	default:
		result.State = VOPFailed
	}
	return result
}

func retryableVOPStatus(status int) bool {
	switch status {
	case 429, 492, 500, 501, 502, 503, 504:
		return true
	}
	return false
}
