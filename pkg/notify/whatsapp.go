package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type messageCreator interface {
	CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error)
}

type Config struct {
	AccountSID string
	AuthToken  string
	// FromNumber is the WhatsApp sender, without the "whatsapp:" prefix.
	FromNumber string
	// GroupNumber is the fixed manager destination.
	GroupNumber string
}

// WhatsAppNotifier sends staff notifications to the manager group. Delivery
// is fire-and-forget: a failure is returned to the caller once and never
// retried here.
type WhatsAppNotifier struct {
	cfg    Config
	client messageCreator
}

func NewWhatsAppNotifier(cfg Config) *WhatsAppNotifier {
	return &WhatsAppNotifier{cfg: cfg}
}

func (n *WhatsAppNotifier) SendStaffMessage(ctx context.Context, body string) (string, error) {
	_ = ctx
	if n.cfg.AccountSID == "" || n.cfg.AuthToken == "" {
		return "", errors.New("missing twilio credentials")
	}
	if n.cfg.FromNumber == "" || n.cfg.GroupNumber == "" {
		return "", errors.New("missing whatsapp numbers")
	}

	client := n.client
	if client == nil {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: n.cfg.AccountSID,
			Password: n.cfg.AuthToken,
		})
		client = rest.Api
	}

	params := &api.CreateMessageParams{}
	params.SetFrom("whatsapp:" + n.cfg.FromNumber)
	params.SetTo("whatsapp:" + n.cfg.GroupNumber)
	params.SetBody(body)

	resp, err := client.CreateMessage(params)
	if err != nil {
		slog.Error("whatsapp_send_failed", "error", err.Error())
		return "", err
	}
	if resp == nil || resp.Sid == nil {
		return "", errors.New("missing message sid")
	}
	slog.Info("whatsapp_sent", "message_sid", *resp.Sid)
	return *resp.Sid, nil
}
