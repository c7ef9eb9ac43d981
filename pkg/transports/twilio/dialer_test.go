package twilio

import (
	"context"
	"strings"
	"testing"

	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type stubCreator struct {
	last *api.CreateCallParams
	sid  string
	err  error
}

func (s *stubCreator) CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error) {
	s.last = params
	if s.err != nil {
		return nil, s.err
	}
	return &api.ApiV2010Call{Sid: &s.sid}, nil
}

func TestDialConferenceBuildsStreamTwiml(t *testing.T) {
	stub := &stubCreator{sid: "CA123"}
	cfg := Config{
		AccountSID:  "AC1",
		AuthToken:   "token",
		PhoneNumber: "+15550001111",
		PublicURL:   "https://example.com",
	}
	d := NewDialer(cfg)
	d.client = stub

	sid, conference, err := d.DialConference(context.Background(), "+15552223333")
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	if sid != "CA123" {
		t.Fatalf("expected sid CA123, got %s", sid)
	}
	if !strings.HasPrefix(conference, "Conf-") {
		t.Fatalf("expected generated conference name, got %s", conference)
	}
	if stub.last == nil || stub.last.Twiml == nil {
		t.Fatalf("expected inline twiml")
	}
	twiml := *stub.last.Twiml
	if !strings.Contains(twiml, `<Stream url="wss://example.com/ws"/>`) {
		t.Fatalf("expected stream leg in twiml, got %s", twiml)
	}
	if !strings.Contains(twiml, "<Conference>"+conference+"</Conference>") {
		t.Fatalf("expected conference leg in twiml, got %s", twiml)
	}
	if stub.last.From == nil || *stub.last.From != "+15550001111" {
		t.Fatalf("expected configured from number")
	}
}

func TestDialConferenceRequiresCredentials(t *testing.T) {
	d := NewDialer(Config{PhoneNumber: "+1555"})
	if _, _, err := d.DialConference(context.Background(), "+1666"); err == nil {
		t.Fatalf("expected credential error")
	}
}

func TestDialUsesVoiceWebhookURL(t *testing.T) {
	stub := &stubCreator{sid: "CA999"}
	d := NewDialer(Config{AccountSID: "AC1", AuthToken: "token", PublicURL: "https://example.com"})
	d.client = stub

	if _, err := d.Dial(context.Background(), "+100", "+200"); err != nil {
		t.Fatalf("dial error: %v", err)
	}
	if stub.last == nil || stub.last.Url == nil || *stub.last.Url != "https://example.com/voice" {
		t.Fatalf("expected voice webhook url, got %#v", stub.last)
	}
}
