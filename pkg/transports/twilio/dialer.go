package twilio

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/callwise/copilot/pkg/errorsx"
	"github.com/callwise/copilot/pkg/transports"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

// Dialer places outbound conference calls via the Twilio REST API.
// The call's TwiML starts a media stream to this service before
// joining the conference, so transcription begins with the call.
type Dialer struct {
	cfg    Config
	client callCreator
}

func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg.withDefaults()}
}

// DialConference calls the given number and bridges it into a freshly
// named conference. It returns the call SID and the conference name.
func (d *Dialer) DialConference(ctx context.Context, to string) (callSID, conference string, err error) {
	_ = ctx
	if strings.TrimSpace(to) == "" {
		return "", "", errors.New("to required")
	}
	if d.cfg.PhoneNumber == "" {
		return "", "", errors.New("missing twilio phone number")
	}
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return "", "", errors.New("missing twilio credentials")
	}
	conference = fmt.Sprintf("Conf-%d", time.Now().UnixMilli())
	client := d.client
	if client == nil {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: d.cfg.AccountSID,
			Password: d.cfg.AuthToken,
		})
		client = rest.Api
	}
	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(d.cfg.PhoneNumber)
	params.SetTwiml(d.conferenceTwiml(conference))
	resp, err := client.CreateCall(params)
	if err != nil {
		return "", "", errorsx.Wrap(err, errorsx.ReasonDialFailed)
	}
	if resp == nil || resp.Sid == nil {
		return "", "", errorsx.Wrap(fmt.Errorf("missing call sid"), errorsx.ReasonDialFailed)
	}
	return *resp.Sid, conference, nil
}

// Dial satisfies transports.OutboundDialer with a plain webhook call.
func (d *Dialer) Dial(ctx context.Context, to, from string) (string, error) {
	_ = ctx
	if to == "" || from == "" {
		return "", errors.New("to/from required")
	}
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return "", errors.New("missing twilio credentials")
	}
	client := d.client
	if client == nil {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: d.cfg.AccountSID,
			Password: d.cfg.AuthToken,
		})
		client = rest.Api
	}
	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(d.voiceWebhookURL())
	resp, err := client.CreateCall(params)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonDialFailed)
	}
	if resp == nil || resp.Sid == nil {
		return "", errorsx.Wrap(fmt.Errorf("missing call sid"), errorsx.ReasonDialFailed)
	}
	return *resp.Sid, nil
}

func (d *Dialer) conferenceTwiml(conference string) string {
	streamURL := xmlEscape(d.mediaStreamURL())
	return `<Response><Start><Stream url="` + streamURL + `"/></Start><Dial><Conference>` + xmlEscape(conference) + `</Conference></Dial></Response>`
}

func (d *Dialer) mediaStreamURL() string {
	if d.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(d.cfg.PublicURL) + d.cfg.WebsocketPath
	}
	addr := d.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "ws://" + addr + d.cfg.WebsocketPath
}

func (d *Dialer) voiceWebhookURL() string {
	if d.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(d.cfg.PublicURL) + d.cfg.VoicePath
	}
	addr := d.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + d.cfg.VoicePath
}

var _ transports.OutboundDialer = (*Dialer)(nil)

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}
