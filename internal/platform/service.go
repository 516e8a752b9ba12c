package platform

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wacall/wacall/internal/database"
	"github.com/wacall/wacall/internal/database/models"
)

// Service resolves business numbers to Cloud API credentials and fronts
// the raw client. It is the concrete call-control and consent-sending
// surface wired into the engine and the permission ledger.
type Service struct {
	client  *Client
	numbers database.NumberRepository
}

// NewService creates a platform service.
func NewService(client *Client, numbers database.NumberRepository) *Service {
	return &Service{client: client, numbers: numbers}
}

// creds loads the Cloud API credentials for a registered business number.
func (s *Service) creds(ctx context.Context, businessNumber string) (*models.BusinessNumber, error) {
	num, err := s.numbers.GetByPhoneNumber(ctx, businessNumber)
	if err != nil {
		return nil, fmt.Errorf("platform: resolving business number %s: %w", businessNumber, err)
	}
	if num.Status != "active" {
		return nil, fmt.Errorf("platform: business number %s is %s", businessNumber, num.Status)
	}
	return num, nil
}

// StartCall places an outbound call leg and returns the provider call id.
func (s *Service) StartCall(ctx context.Context, businessNumber, customerNumber string) (string, error) {
	num, err := s.creds(ctx, businessNumber)
	if err != nil {
		return "", err
	}

	providerID, err := s.client.StartCall(ctx, num.PhoneNumberID, num.AccessToken, customerNumber)
	if err != nil {
		return "", err
	}

	if err := s.numbers.TouchLastUsed(ctx, businessNumber); err != nil {
		slog.Warn("updating number last-used failed", "number", businessNumber, "error", err)
	}
	return providerID, nil
}

// AcceptCall accepts an inbound call leg with the gateway's SDP answer.
func (s *Service) AcceptCall(ctx context.Context, businessNumber, callID, sdpAnswer string) error {
	num, err := s.creds(ctx, businessNumber)
	if err != nil {
		return err
	}
	return s.client.AcceptCall(ctx, num.PhoneNumberID, num.AccessToken, callID, sdpAnswer)
}

// EndCall terminates a call leg.
func (s *Service) EndCall(ctx context.Context, businessNumber, callID string) error {
	num, err := s.creds(ctx, businessNumber)
	if err != nil {
		return err
	}
	return s.client.EndCall(ctx, num.PhoneNumberID, num.AccessToken, callID)
}

// SendConsentRequest sends the call permission request template. This is
// the permission ledger's consent sender.
func (s *Service) SendConsentRequest(ctx context.Context, businessNumber, customerNumber string) error {
	num, err := s.creds(ctx, businessNumber)
	if err != nil {
		return err
	}
	return s.client.SendConsentTemplate(ctx, num.PhoneNumberID, num.AccessToken, customerNumber)
}
