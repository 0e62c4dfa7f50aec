package twilio

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/parkvoice/joanne/pkg/transports"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeCallCreator struct {
	params *api.CreateCallParams
	sid    string
	err    error
}

func (f *fakeCallCreator) CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error) {
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	return &api.ApiV2010Call{Sid: &f.sid}, nil
}

func TestDialDefaultsToConfiguredWebhooks(t *testing.T) {
	fake := &fakeCallCreator{sid: "CA100"}
	d := NewDialer(Config{
		AccountSID: "AC1",
		AuthToken:  "token",
		PublicURL:  "joanne.example.com",
		VoicePath:  "/voice",
	})
	d.client = fake

	sid, err := d.Dial(context.Background(), "+441614890000", "+441614891111", "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if sid != "CA100" {
		t.Fatalf("sid = %q, want CA100", sid)
	}
	if fake.params == nil || fake.params.Url == nil || *fake.params.Url != "https://joanne.example.com/voice" {
		t.Fatalf("unexpected voice url: %+v", fake.params)
	}
	if fake.params.StatusCallback == nil || !strings.HasSuffix(*fake.params.StatusCallback, "/status") {
		t.Fatalf("expected status callback wired, got %+v", fake.params.StatusCallback)
	}
	if fake.params.To == nil || *fake.params.To != "+441614890000" {
		t.Fatalf("unexpected To: %+v", fake.params.To)
	}
	if fake.params.From == nil || *fake.params.From != "+441614891111" {
		t.Fatalf("unexpected From: %+v", fake.params.From)
	}
}

func TestDialOverrideURLWinsOverConfig(t *testing.T) {
	fake := &fakeCallCreator{sid: "CA200"}
	d := NewDialer(Config{AccountSID: "AC1", AuthToken: "token", PublicURL: "joanne.example.com"})
	d.client = fake

	override := "https://other.example.com/voice"
	if _, err := d.Dial(context.Background(), "+4411", "+4422", override); err != nil {
		t.Fatalf("dial: %v", err)
	}
	if fake.params == nil || fake.params.Url == nil || *fake.params.Url != override {
		t.Fatalf("override url not used: %+v", fake.params)
	}
}

func TestDialWithOptionsSendsGateDigits(t *testing.T) {
	fake := &fakeCallCreator{sid: "CA300"}
	d := NewDialer(Config{AccountSID: "AC1", AuthToken: "token"})
	d.client = fake

	opts := transports.DialOptions{SendDigits: "WW4821#"}
	if _, err := d.DialWithOptions(context.Background(), "+4411", "+4422", "https://x/voice", opts); err != nil {
		t.Fatalf("dial: %v", err)
	}
	if fake.params == nil || fake.params.SendDigits == nil || *fake.params.SendDigits != "WW4821#" {
		t.Fatalf("gate digits not forwarded: %+v", fake.params)
	}
}

func TestDialRejectsMissingNumbers(t *testing.T) {
	d := NewDialer(Config{AccountSID: "AC1", AuthToken: "token"})
	d.client = &fakeCallCreator{sid: "CA400"}

	if _, err := d.Dial(context.Background(), "", "+4422", ""); err == nil {
		t.Fatal("expected error for missing destination")
	}
}

func TestDialPropagatesProviderError(t *testing.T) {
	fake := &fakeCallCreator{err: errors.New("twilio down")}
	d := NewDialer(Config{AccountSID: "AC1", AuthToken: "token"})
	d.client = fake

	if _, err := d.Dial(context.Background(), "+4411", "+4422", "https://x/voice"); err == nil {
		t.Fatal("expected provider error")
	}
}
