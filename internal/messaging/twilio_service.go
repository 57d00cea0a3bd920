package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/CivicPipe/internal/flow"
	"github.com/BTreeMap/CivicPipe/internal/models"
	"github.com/BTreeMap/CivicPipe/internal/twiliowhatsapp"
)

// SignatureValidator checks Twilio webhook signatures. *twiliowhatsapp.Client implements it.
type SignatureValidator interface {
	ValidateSignature(url string, params map[string]string, signature string) bool
}

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithSignatureValidation rejects webhook requests whose X-Twilio-Signature does not
// match. publicURL is the webhook URL exactly as configured in the Twilio console.
func WithSignatureValidation(v SignatureValidator, publicURL string) TwilioOption {
	return func(s *TwilioService) {
		s.validator = v
		s.publicURL = publicURL
	}
}

// TwilioService implements Service with the Twilio Messages API. Inbound messages
// arrive through TwilioWebhookHandler.
type TwilioService struct {
	client    twiliowhatsapp.Sender
	tenantID  string
	validator SignatureValidator
	publicURL string
	ch        *channels
}

// NewTwilioService creates a service for tenantID.
func NewTwilioService(client twiliowhatsapp.Sender, tenantID string, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{
		client:   client,
		tenantID: tenantID,
		ch:       newChannels(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateAndCanonicalizeRecipient implements Service. The "whatsapp:" prefix is ignored.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(strings.TrimPrefix(recipient, twiliowhatsapp.WhatsAppPrefix))
}

// Start is a no-op; inbound traffic comes from the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the channels.
func (s *TwilioService) Stop() error {
	s.ch.close()
	return nil
}

// Send delivers cmd as text, or as media with the rendered text as its body.
func (s *TwilioService) Send(ctx context.Context, cmd models.OutboundCommand) error {
	if s.ch.isStopped() {
		return ErrServiceStopped
	}
	to, err := s.ValidateAndCanonicalizeRecipient(cmd.ParticipantID)
	if err != nil {
		return err
	}
	body := flow.RenderPlainText(cmd)
	if cmd.MediaURL != "" {
		err = s.client.SendMedia(ctx, to, body, cmd.MediaURL)
	} else {
		err = s.client.SendMessage(ctx, to, body)
	}
	if err != nil {
		return err
	}
	s.ch.emitReceipt(models.Receipt{To: to, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Receipts implements Service.
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.ch.receipts
}

// Events implements Service.
func (s *TwilioService) Events() <-chan models.InboundEvent {
	return s.ch.events
}

// TwilioWebhookHandler accepts inbound Twilio webhook requests and emits them on
// Events. It answers with an empty TwiML response; replies go out through the outbox.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.validator.ValidateSignature(s.publicURL, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("Twilio webhook signature mismatch", "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	event, err := s.inboundFromForm(r)
	if err != nil {
		slog.Warn("Twilio webhook rejected", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !s.ch.emitEvent(event) {
		slog.Warn("TwilioService dropping inbound message", "from", event.ParticipantID, "sid", event.ProviderEventID)
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "<Response/>")
}

func (s *TwilioService) inboundFromForm(r *http.Request) (models.InboundEvent, error) {
	from, err := s.ValidateAndCanonicalizeRecipient(r.FormValue("From"))
	if err != nil {
		return models.InboundEvent{}, err
	}
	event := models.InboundEvent{
		TenantID:        s.tenantID,
		ParticipantID:   from,
		ProviderEventID: r.FormValue("MessageSid"),
		Body:            r.FormValue("Body"),
		TappedElementID: r.FormValue("ButtonPayload"),
		ReceivedAt:      time.Now(),
	}
	if event.ProviderEventID == "" {
		return event, fmt.Errorf("missing MessageSid")
	}

	if n, _ := strconv.Atoi(r.FormValue("NumMedia")); n > 0 {
		event.Media = &models.MediaAttachment{
			URL:      r.FormValue("MediaUrl0"),
			MimeType: r.FormValue("MediaContentType0"),
		}
	}
	if lat, lng := r.FormValue("Latitude"), r.FormValue("Longitude"); lat != "" && lng != "" {
		la, errLat := strconv.ParseFloat(lat, 64)
		lo, errLng := strconv.ParseFloat(lng, 64)
		if errLat != nil || errLng != nil {
			return event, fmt.Errorf("invalid location %q,%q", lat, lng)
		}
		event.Location = &models.Location{Latitude: la, Longitude: lo}
	}

	if event.Body == "" && event.TappedElementID == "" && event.Media == nil && event.Location == nil {
		return event, fmt.Errorf("message has no content")
	}
	return event, nil
}
