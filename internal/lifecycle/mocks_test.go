package lifecycle_test

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/loyaltyhub/cardlink/internal/agent"
	"github.com/loyaltyhub/cardlink/internal/config"
	"github.com/loyaltyhub/cardlink/internal/ledger"
	"github.com/loyaltyhub/cardlink/internal/lifecycle"
	"github.com/loyaltyhub/cardlink/internal/proxy"
)

const (
	proxyBase = "https://core.spreedly.example"
	vopBase   = "https://vop.spreedly.example"
)

// MockDispatcher
type MockDispatcher struct {
	mu    sync.Mutex
	calls []proxy.RequestSpec
	DoFn  func(ctx context.Context, spec proxy.RequestSpec) (*proxy.Response, error)
}

func (m *MockDispatcher) Do(ctx context.Context, spec proxy.RequestSpec) (*proxy.Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, spec)
	m.mu.Unlock()
	if m.DoFn != nil {
		return m.DoFn(ctx, spec)
	}
	return &proxy.Response{StatusCode: 200}, nil
}

func (m *MockDispatcher) Calls() []proxy.RequestSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]proxy.RequestSpec(nil), m.calls...)
}

func (m *MockDispatcher) CallsTo(urlPart string) int {
	count := 0
	for _, c := range m.Calls() {
		if strings.Contains(c.URL, urlPart) {
			count++
		}
	}
	return count
}

// MockLedger
type MockLedger struct {
	mu      sync.Mutex
	updates []ledger.StatusUpdate
	mapping agent.StatusMapping

	PutFn     func(ctx context.Context, update ledger.StatusUpdate) error
	MappingFn func(ctx context.Context, slug string) (agent.StatusMapping, error)
}

func (m *MockLedger) PutAccountStatus(ctx context.Context, update ledger.StatusUpdate) error {
	m.mu.Lock()
	m.updates = append(m.updates, update)
	m.mu.Unlock()
	if m.PutFn != nil {
		return m.PutFn(ctx, update)
	}
	return nil
}

func (m *MockLedger) ProviderStatusMapping(ctx context.Context, slug string) (agent.StatusMapping, error) {
	if m.MappingFn != nil {
		return m.MappingFn(ctx, slug)
	}
	if m.mapping != nil {
		return m.mapping, nil
	}
	return agent.StatusMapping{}, nil
}

func (m *MockLedger) Updates() []ledger.StatusUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ledger.StatusUpdate(nil), m.updates...)
}

func testRegistry() *agent.Registry {
	proxyCfg := config.ProxyConfig{BaseURL: proxyBase, VOPBaseURL: vopBase}
	return agent.NewRegistry(
		agent.NewAmex(config.AmexConfig{
			ReceiverToken: "amex-recv",
			ClientID:      "client-id",
			ClientSecret:  "client-secret",
		}, proxyBase),
		agent.NewMastercard(config.MastercardConfig{ReceiverToken: "mc-recv"}, proxyBase),
		agent.NewVisa(config.VisaConfig{
			ReceiverToken: "visa-recv",
			UserID:        "vop-user",
			UserPassword:  "vop-pass",
			CommunityCode: "COMM01",
		}, proxyCfg),
	)
}

func bareAmexRegistry() *agent.Registry {
	proxyCfg := config.ProxyConfig{BaseURL: proxyBase, VOPBaseURL: vopBase}
	return agent.NewRegistry(
		agent.NewAmex(config.AmexConfig{ReceiverToken: "amex-recv"}, proxyBase),
		agent.NewMastercard(config.MastercardConfig{ReceiverToken: "mc-recv"}, proxyBase),
		agent.NewVisa(config.VisaConfig{ReceiverToken: "visa-recv"}, proxyCfg),
	)
}

func newService(reg *agent.Registry, dispatcher *MockDispatcher, ledgerMock *MockLedger) *lifecycle.Service {
	return lifecycle.NewService(reg, dispatcher, ledgerMock, config.ProxyConfig{
		BaseURL:    proxyBase,
		VOPBaseURL: vopBase,
	}, slog.Default())
}

func amexDeliverResponse(innerStatus int, innerBody string) *proxy.Response {
	body := `<transaction><state>succeeded</state><token>txn-1</token><response><status>` +
		strconv.Itoa(innerStatus) + `</status><body><![CDATA[` + innerBody + `]]></body></response></transaction>`
	return &proxy.Response{StatusCode: 200, Body: []byte(body)}
}

func amexCard() agent.CardInfo {
	return agent.CardInfo{
		ID:           42,
		PartnerSlug:  agent.SlugAmex,
		PaymentToken: "pay-tok-42",
		RetryID:      "retry-7",
	}
}
