package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type callUpdater interface {
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

type Config struct {
	AccountSID string
	AuthToken  string
	// AgentNumber is the fixed human-agent destination.
	AgentNumber string
}

// Service redirects an in-progress call leg to the human agent by rewriting
// its TwiML. Success or failure only; there are no partial states.
type Service struct {
	cfg    Config
	client callUpdater
}

func NewService(cfg Config) *Service {
	return &Service{cfg: cfg}
}

func (s *Service) TransferToAgent(ctx context.Context, callSID string) error {
	_ = ctx
	if callSID == "" {
		return errors.New("missing call sid")
	}
	if s.cfg.AccountSID == "" || s.cfg.AuthToken == "" {
		return errors.New("missing twilio credentials")
	}
	if s.cfg.AgentNumber == "" {
		return errors.New("missing agent number")
	}

	client := s.client
	if client == nil {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: s.cfg.AccountSID,
			Password: s.cfg.AuthToken,
		})
		client = rest.Api
	}

	params := &api.UpdateCallParams{}
	params.SetTwiml(fmt.Sprintf("<Response><Dial>%s</Dial></Response>", s.cfg.AgentNumber))

	if _, err := client.UpdateCall(callSID, params); err != nil {
		slog.Error("call_transfer_failed", "call_sid", callSID, "error", err.Error())
		return err
	}
	slog.Info("call_transferred", "call_sid", callSID)
	return nil
}
