package lifecycle

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"

	"github.com/loyaltyhub/cardlink/internal/agent"
	"github.com/loyaltyhub/cardlink/internal/ledger"
	"github.com/loyaltyhub/cardlink/internal/proxy"
)

// Retain asks the proxy to keep the tokenized payment method stored
// past its initial grace period.
func (s *Service) Retain(ctx context.Context, paymentToken, partnerSlug string) (*proxy.Response, error) {
	url := fmt.Sprintf("%s/payment_methods/%s/retain.json", s.baseFor(partnerSlug), paymentToken)
	return s.dispatcher.Do(ctx, proxy.RequestSpec{
		Method: "PUT",
		URL:    url,
		Header: map[string]string{"Content-Type": "application/json"},
	})
}

type redactResponse struct {
	Transaction struct {
		Succeeded     bool `json:"succeeded"`
		PaymentMethod struct {
			StorageState string `json:"storage_state"`
		} `json:"payment_method"`
	} `json:"transaction"`
}

// Redact permanently scrubs the stored payment method at the proxy.
// A 404 means there is nothing left to redact and counts as success.
// Anything short of confirmed redaction is reported to the ledger as a
// retryable outcome; the task system re-delivers.
func (s *Service) Redact(ctx context.Context, card agent.CardInfo) bool {
	s.logger.Info("start redact for card", "card_id", card.ID)

	url := fmt.Sprintf("%s/payment_methods/%s/redact.json", s.proxyBaseURL, card.PaymentToken)
	resp, err := s.dispatcher.Do(ctx, proxy.RequestSpec{
		Method: "PUT",
		URL:    url,
		Header: map[string]string{"Content-Type": "application/json"},
	})
	if err != nil {
		s.logger.Error("redact dispatch failed", "card_id", card.ID, "error", err)
		s.report(ctx, ledger.StatusUpdate{
			CardID:         card.ID,
			CardStatus:     ledger.CardStatus(ledger.CardStatusRetryRequired),
			ResponseAction: card.ActionCode,
			ResponseState:  agent.StateRetry,
			RetryID:        card.RetryID,
			RetryType:      ledger.RetryRedact,
		})
		return false
	}

	if resp.StatusCode == 404 {
		// Payment method not found, nothing to redact.
		return true
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var redactResp redactResponse
		if err := json.Unmarshal(resp.Body, &redactResp); err == nil &&
			(redactResp.Transaction.Succeeded ||
				redactResp.Transaction.PaymentMethod.StorageState == "redacted") {
			return true
		}
	}

	s.logger.Info("redact unsuccessful, reporting retry",
		"card_id", card.ID,
		"status", resp.StatusCode)
	s.report(ctx, ledger.StatusUpdate{
		CardID:         card.ID,
		CardStatus:     ledger.CardStatus(ledger.CardStatusRedactFailed),
		ResponseAction: card.ActionCode,
		ResponseState:  agent.StateRetry,
		RetryID:        card.RetryID,
		RetryType:      ledger.RetryRedact,
	})
	return false
}

type receiverResponse struct {
	XMLName xml.Name `xml:"receiver"`
	Token   string   `xml:"token"`
	State   string   `xml:"state"`
}

// CreateReceiver provisions one provider endpoint configuration on the
// proxy and returns its token. One-off per provider integration.
func (s *Service) CreateReceiver(ctx context.Context, receiverType, hostnames string) (string, error) {
	body := fmt.Sprintf("<receiver><receiver_type>%s</receiver_type>", receiverType)
	if hostnames != "" {
		body += fmt.Sprintf("<hostnames>%s</hostnames>", hostnames)
	}
	body += "</receiver>"

	resp, err := s.dispatcher.Do(ctx, proxy.RequestSpec{
		Method: "POST",
		URL:    s.proxyBaseURL + "/receivers.xml",
		Header: map[string]string{"Content-Type": "application/xml"},
		Body:   []byte(body),
	})
	if err != nil {
		return "", fmt.Errorf("create %s receiver: %w", receiverType, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("create %s receiver: proxy returned status %d", receiverType, resp.StatusCode)
	}

	var receiver receiverResponse
	if err := xml.Unmarshal(resp.Body, &receiver); err != nil {
		return "", fmt.Errorf("create %s receiver: decode response: %w", receiverType, err)
	}
	return receiver.Token, nil
}

func (s *Service) baseFor(slug string) string {
	if slug == agent.SlugVisa {
		return s.vopBaseURL
	}
	return s.proxyBaseURL
}
