package agent

import (
	"encoding/xml"
	"fmt"

	"github.com/loyaltyhub/cardlink/internal/config"
	"github.com/loyaltyhub/cardlink/internal/proxy"
)

const mastercardServiceURL = "https://services.mastercard.com/mtf/MRS/CustomerService"

// Mastercard talks to the MRS customer service endpoint through the
// proxy receiver. It is the only provider supporting reactivation.
type Mastercard struct {
	receiverToken string
	baseURL       string
}

func NewMastercard(cfg config.MastercardConfig, proxyBaseURL string) *Mastercard {
	return &Mastercard{
		receiverToken: cfg.ReceiverToken,
		baseURL:       proxyBaseURL,
	}
}

func (m *Mastercard) Slug() string {
	return SlugMastercard
}

func (m *Mastercard) BuildRequest(op Operation, card CardInfo) (proxy.RequestSpec, error) {
	var action string
	switch op {
	case OpAdd:
		action = "doEnrollment"
	case OpDelete:
		action = "doUnenrollment"
	case OpReactivate:
		action = "doReactivation"
	default:
		return proxy.RequestSpec{}, fmt.Errorf("mastercard does not support operation %q", op)
	}

	payload := fmt.Sprintf(
		"<%s>"+
			"<cardNumber>{{credit_card_number}}</cardNumber>"+
			"<memberId>%d</memberId>"+
			"</%s>",
		action, card.ID, action,
	)

	body := fmt.Sprintf(
		"<delivery>"+
			"<payment_method_token>%s</payment_method_token>"+
			"<url>%s</url>"+
			"<headers><![CDATA[Content-Type: application/xml]]></headers>"+
			"<body><![CDATA[%s]]></body>"+
			"</delivery>",
		card.PaymentToken, mastercardServiceURL, payload,
	)

	return proxy.RequestSpec{
		Method: "POST",
		URL:    fmt.Sprintf("%s/receivers/%s", m.baseURL, m.receiverToken),
		Header: xmlHeader(),
		Body:   []byte(body),
	}, nil
}

type mastercardResponse struct {
	XMLName xml.Name `xml:"response"`
	Code    string   `xml:"code"`
	Message string   `xml:"message"`
}

func (m *Mastercard) ParseResponse(resp *proxy.Response, _ Operation, mapping StatusMapping) Result {
	env, ok := decodeDeliverEnvelope(resp)
	if !ok {
		return parseFailure()
	}

	result := Result{
		StatusCode: env.Response.Status,
		State:      stateForStatus(env.Response.Status),
	}

	var mcResp mastercardResponse
	if err := xml.Unmarshal([]byte(env.Response.Body), &mcResp); err != nil {
		result.Message = env.Response.Body
		return result
	}

	result.ProviderStatusCode = mcResp.Code
	result.Message = mcResp.Message
	if code, ok := mapping[mcResp.Code]; ok {
		result.OutcomeCode = code
	}
	return result
}
