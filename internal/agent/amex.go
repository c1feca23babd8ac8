package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loyaltyhub/cardlink/internal/config"
	"github.com/loyaltyhub/cardlink/internal/proxy"
)

const (
	amexSyncPath   = "/v3/smartoffers/sync"
	amexUnsyncPath = "/v3/smartoffers/unsync"
	amexAPIHost    = "https://api.americanexpress.com"
)

// Amex enrolls cards with the Amex sync API. All traffic is forwarded
// through the tokenization proxy receiver so the PAN is inserted
// server-side; this service only ever handles the payment token.
type Amex struct {
	receiverToken string
	clientID      string
	clientSecret  string
	baseURL       string
}

func NewAmex(cfg config.AmexConfig, proxyBaseURL string) *Amex {
	return &Amex{
		receiverToken: cfg.ReceiverToken,
		clientID:      cfg.ClientID,
		clientSecret:  cfg.ClientSecret,
		baseURL:       proxyBaseURL,
	}
}

func (a *Amex) Slug() string {
	return SlugAmex
}

func (a *Amex) BuildRequest(op Operation, card CardInfo) (proxy.RequestSpec, error) {
	if a.clientID == "" || a.clientSecret == "" {
		return proxy.RequestSpec{}, &BuildError{Slug: SlugAmex, Reason: "amex client credentials not configured"}
	}

	var path string
	switch op {
	case OpAdd:
		path = amexSyncPath
	case OpDelete:
		path = amexUnsyncPath
	default:
		return proxy.RequestSpec{}, fmt.Errorf("amex does not support operation %q", op)
	}

	payload := fmt.Sprintf(
		`{"msgId":"%d","partnerId":"%s","cmAlias1":"%s","distrChan":"9999","cardNbr":"{{credit_card_number}}"}`,
		card.ID, a.clientID, card.PaymentToken,
	)

	body := fmt.Sprintf(
		"<delivery>"+
			"<payment_method_token>%s</payment_method_token>"+
			"<url>%s%s</url>"+
			"<headers><![CDATA[Content-Type: application/json\nX-AMEX-API-KEY: %s\nAuthorization: MAC id=%q]]></headers>"+
			"<body><![CDATA[%s]]></body>"+
			"</delivery>",
		card.PaymentToken, amexAPIHost, path, a.clientID, a.clientSecret, payload,
	)

	return proxy.RequestSpec{
		Method: "POST",
		URL:    fmt.Sprintf("%s/receivers/%s", a.baseURL, a.receiverToken),
		Header: xmlHeader(),
		Body:   []byte(body),
	}, nil
}

type amexResponse struct {
	Status   string `json:"status"`
	RespCode string `json:"respCd"`
	RespDesc string `json:"respDesc"`
}

func (a *Amex) ParseResponse(resp *proxy.Response, _ Operation, mapping StatusMapping) Result {
	env, ok := decodeDeliverEnvelope(resp)
	if !ok {
		return parseFailure()
	}

	result := Result{
		StatusCode: env.Response.Status,
		State:      stateForStatus(env.Response.Status),
	}

	var amexResp amexResponse
	if err := json.Unmarshal([]byte(env.Response.Body), &amexResp); err != nil {
		result.Message = strings.TrimSpace(env.Response.Body)
		return result
	}

	result.ProviderStatusCode = amexResp.RespCode
	result.Message = amexResp.RespDesc
	if code, ok := mapping[amexResp.RespCode]; ok {
		result.OutcomeCode = code
	}
	return result
}
