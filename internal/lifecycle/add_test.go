package lifecycle_test

import (
	"context"
	"errors"
	"testing"

	"github.com/loyaltyhub/cardlink/internal/agent"
	"github.com/loyaltyhub/cardlink/internal/ledger"
	"github.com/loyaltyhub/cardlink/internal/proxy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdd_SuccessReportsActiveCard(t *testing.T) {
	dispatcher := &MockDispatcher{
		DoFn: func(_ context.Context, _ proxy.RequestSpec) (*proxy.Response, error) {
			return amexDeliverResponse(200, `{"status":"Success","respCd":"RCCMP000","respDesc":"enrolled"}`), nil
		},
	}
	ledgerMock := &MockLedger{mapping: agent.StatusMapping{"RCCMP000": 1}}
	svc := newService(testRegistry(), dispatcher, ledgerMock)

	result, err := svc.Add(context.Background(), amexCard())

	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 200, result.StatusCode)

	updates := ledgerMock.Updates()
	require.Len(t, updates, 1)
	assert.Equal(t, int64(42), updates[0].CardID)
	require.NotNil(t, updates[0].CardStatus)
	assert.Equal(t, ledger.CardStatusActive, *updates[0].CardStatus)
	assert.Equal(t, "Add", updates[0].ResponseAction)
	assert.Equal(t, agent.StateSuccess, updates[0].ResponseState)
	assert.Equal(t, "RCCMP000", updates[0].ResponseStatus)
	assert.Equal(t, "retry-7", updates[0].RetryID)
}

func TestAdd_RawProxyRetryStatusesForceRetryState(t *testing.T) {
	// 422/408 from the proxy itself must report Retry even when the
	// forwarded envelope carries a clean inner 200.
	for _, status := range []int{422, 408} {
		dispatcher := &MockDispatcher{
			DoFn: func(_ context.Context, _ proxy.RequestSpec) (*proxy.Response, error) {
				resp := amexDeliverResponse(200, `{"status":"Success","respCd":"RCCMP000","respDesc":"enrolled"}`)
				resp.StatusCode = status
				return resp, nil
			},
		}
		ledgerMock := &MockLedger{mapping: agent.StatusMapping{"RCCMP000": 1}}
		svc := newService(testRegistry(), dispatcher, ledgerMock)

		_, err := svc.Add(context.Background(), amexCard())
		require.NoError(t, err)

		updates := ledgerMock.Updates()
		require.Len(t, updates, 1, "status %d", status)
		assert.Equal(t, agent.StateRetry, updates[0].ResponseState, "status %d", status)
	}
}

func TestAdd_InnerUnprocessableStatusDoesNotForceRetry(t *testing.T) {
	// The inverse: a proxy 200 whose envelope carries an inner 422 keeps
	// the state the parse produced.
	dispatcher := &MockDispatcher{
		DoFn: func(_ context.Context, _ proxy.RequestSpec) (*proxy.Response, error) {
			return amexDeliverResponse(422, `{"status":"Failure","respCd":"RCCMP050","respDesc":"rejected"}`), nil
		},
	}
	ledgerMock := &MockLedger{mapping: agent.StatusMapping{"RCCMP050": 0}}
	svc := newService(testRegistry(), dispatcher, ledgerMock)

	_, err := svc.Add(context.Background(), amexCard())
	require.NoError(t, err)

	updates := ledgerMock.Updates()
	require.Len(t, updates, 1)
	assert.Equal(t, agent.StateFailed, updates[0].ResponseState)
	require.NotNil(t, updates[0].CardStatus)
	assert.Equal(t, ledger.CardStatusPending, *updates[0].CardStatus)
}

func TestAdd_FailureDefaultsToPendingOutcome(t *testing.T) {
	dispatcher := &MockDispatcher{
		DoFn: func(_ context.Context, _ proxy.RequestSpec) (*proxy.Response, error) {
			return amexDeliverResponse(500, `{"status":"Failure","respCd":"RCCMP999","respDesc":"boom"}`), nil
		},
	}
	ledgerMock := &MockLedger{}
	svc := newService(testRegistry(), dispatcher, ledgerMock)

	result, err := svc.Add(context.Background(), amexCard())

	require.NoError(t, err)
	assert.Equal(t, 500, result.StatusCode)

	updates := ledgerMock.Updates()
	require.Len(t, updates, 1)
	require.NotNil(t, updates[0].CardStatus)
	assert.Equal(t, ledger.CardStatusPending, *updates[0].CardStatus)
	assert.Equal(t, agent.StateRetry, updates[0].ResponseState)
}

func TestAdd_TransportFailureDegradesToSentinelResult(t *testing.T) {
	dispatcher := &MockDispatcher{
		DoFn: func(_ context.Context, spec proxy.RequestSpec) (*proxy.Response, error) {
			return nil, &proxy.TransportFailure{Method: spec.Method, URL: spec.URL, Err: errors.New("dial timeout")}
		},
	}
	ledgerMock := &MockLedger{}
	svc := newService(testRegistry(), dispatcher, ledgerMock)

	result, err := svc.Add(context.Background(), amexCard())

	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 504, result.StatusCode)
	assert.Equal(t, agent.ParseFailureMessage, result.Message)

	updates := ledgerMock.Updates()
	require.Len(t, updates, 1)
	assert.Equal(t, 504, updates[0].ResponseStatusCode)
}

func TestAdd_BuildFailureReportsWithoutDispatching(t *testing.T) {
	dispatcher := &MockDispatcher{}
	ledgerMock := &MockLedger{}
	svc := newService(bareAmexRegistry(), dispatcher, ledgerMock)

	result, err := svc.Add(context.Background(), amexCard())

	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Empty(t, dispatcher.Calls())

	updates := ledgerMock.Updates()
	require.Len(t, updates, 1)
	require.NotNil(t, updates[0].CardStatus)
	assert.Equal(t, ledger.CardStatusRetryRequired, *updates[0].CardStatus)
	assert.Equal(t, "retry-7", updates[0].RetryID)
}

func TestAdd_UnknownProviderIsFatal(t *testing.T) {
	svc := newService(testRegistry(), &MockDispatcher{}, &MockLedger{})

	card := amexCard()
	card.PartnerSlug = "discover"

	_, err := svc.Add(context.Background(), card)
	require.Error(t, err)
}

func TestAdd_MappingFetchFailureStillReports(t *testing.T) {
	dispatcher := &MockDispatcher{
		DoFn: func(_ context.Context, _ proxy.RequestSpec) (*proxy.Response, error) {
			return amexDeliverResponse(500, `{"status":"Failure","respCd":"RCCMP999","respDesc":"boom"}`), nil
		},
	}
	ledgerMock := &MockLedger{
		MappingFn: func(_ context.Context, _ string) (agent.StatusMapping, error) {
			return nil, errors.New("ledger down")
		},
	}
	svc := newService(testRegistry(), dispatcher, ledgerMock)

	_, err := svc.Add(context.Background(), amexCard())

	require.NoError(t, err)
	updates := ledgerMock.Updates()
	require.Len(t, updates, 1)
	require.NotNil(t, updates[0].CardStatus)
	assert.Equal(t, ledger.CardStatusPending, *updates[0].CardStatus)
}

func TestAdd_LedgerReportFailureDoesNotFailOperation(t *testing.T) {
	dispatcher := &MockDispatcher{
		DoFn: func(_ context.Context, _ proxy.RequestSpec) (*proxy.Response, error) {
			return amexDeliverResponse(200, `{"status":"Success","respCd":"RCCMP000","respDesc":"enrolled"}`), nil
		},
	}
	ledgerMock := &MockLedger{
		PutFn: func(_ context.Context, _ ledger.StatusUpdate) error {
			return errors.New("ledger unreachable")
		},
	}
	svc := newService(testRegistry(), dispatcher, ledgerMock)

	result, err := svc.Add(context.Background(), amexCard())

	require.NoError(t, err)
	assert.Equal(t, 200, result.StatusCode)
}
