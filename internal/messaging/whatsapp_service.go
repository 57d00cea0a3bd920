package messaging

import (
	"context"
	"log/slog"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/CivicPipe/internal/flow"
	"github.com/BTreeMap/CivicPipe/internal/models"
	"github.com/BTreeMap/CivicPipe/internal/whatsapp"
)

// mediaDownloader decrypts inbound WhatsApp media. *whatsapp.Client implements it.
type mediaDownloader interface {
	Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error)
}

// WhatsAppService implements Service over a WhatsApp Web session. WhatsApp Web cannot
// send native buttons or lists, so interactive commands go out as numbered text.
type WhatsAppService struct {
	client     whatsapp.Sender
	waClient   *whatsapp.Client // nil for mocks
	downloader mediaDownloader
	tenantID   string
	ch         *channels
}

// NewWhatsAppService creates a service for tenantID. Inbound events are only produced
// when client is a *whatsapp.Client.
func NewWhatsAppService(client whatsapp.Sender, tenantID string) *WhatsAppService {
	s := &WhatsAppService{
		client:   client,
		tenantID: tenantID,
		ch:       newChannels(),
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		s.waClient = waClient
		s.downloader = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return s
}

// ValidateAndCanonicalizeRecipient implements Service.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Start registers the whatsmeow event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService no full client available, skipping event handling")
		return nil
	}
	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleMessage(ctx, v)
		case *events.Receipt:
			s.handleReceipt(v)
		case *events.Disconnected:
			slog.Warn("WhatsApp disconnected")
		case *events.Connected:
			slog.Info("WhatsApp connected")
		}
	})
	slog.Info("WhatsAppService event handler registered", "tenant", s.tenantID)
	return nil
}

// Stop closes the channels.
func (s *WhatsAppService) Stop() error {
	s.ch.close()
	slog.Info("WhatsAppService stopped and channels closed")
	return nil
}

// Send delivers cmd. A media command sends the image with the rendered text as caption.
func (s *WhatsAppService) Send(ctx context.Context, cmd models.OutboundCommand) error {
	if s.ch.isStopped() {
		return ErrServiceStopped
	}
	to, err := s.ValidateAndCanonicalizeRecipient(cmd.ParticipantID)
	if err != nil {
		return err
	}
	body := flow.RenderPlainText(cmd)
	if cmd.MediaURL != "" {
		err = s.client.SendImage(ctx, to, cmd.MediaURL, body)
	} else {
		err = s.client.SendMessage(ctx, to, body)
	}
	if err != nil {
		slog.Error("WhatsAppService send failed", "to", to, "kind", cmd.Kind(), "error", err)
		return err
	}
	s.ch.emitReceipt(models.Receipt{To: to, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Receipts implements Service.
func (s *WhatsAppService) Receipts() <-chan models.Receipt {
	return s.ch.receipts
}

// Events implements Service.
func (s *WhatsAppService) Events() <-chan models.InboundEvent {
	return s.ch.events
}

func (s *WhatsAppService) handleMessage(ctx context.Context, evt *events.Message) {
	event, ok := s.inboundFromMessage(ctx, evt)
	if !ok {
		return
	}
	if !s.ch.emitEvent(event) {
		slog.Warn("WhatsAppService dropping inbound message", "from", event.ParticipantID, "id", event.ProviderEventID)
	}
}

// inboundFromMessage maps a whatsmeow message to an InboundEvent. Own messages, group
// messages and unsupported content report false.
func (s *WhatsAppService) inboundFromMessage(ctx context.Context, evt *events.Message) (models.InboundEvent, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return models.InboundEvent{}, false
	}
	from, err := CanonicalizePhone(evt.Info.Sender.User)
	if err != nil {
		slog.Debug("WhatsAppService ignoring message from non-phone sender", "sender", evt.Info.Sender.String())
		return models.InboundEvent{}, false
	}
	event := models.InboundEvent{
		TenantID:        s.tenantID,
		ParticipantID:   from,
		ProviderEventID: string(evt.Info.ID),
		ReceivedAt:      evt.Info.Timestamp,
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now()
	}

	m := evt.Message
	switch {
	case m.GetConversation() != "":
		event.Body = m.GetConversation()
	case m.GetExtendedTextMessage() != nil:
		event.Body = m.GetExtendedTextMessage().GetText()
	case m.GetButtonsResponseMessage() != nil:
		event.TappedElementID = m.GetButtonsResponseMessage().GetSelectedButtonID()
	case m.GetListResponseMessage() != nil:
		event.TappedElementID = m.GetListResponseMessage().GetSingleSelectReply().GetSelectedRowID()
	case m.GetTemplateButtonReplyMessage() != nil:
		event.TappedElementID = m.GetTemplateButtonReplyMessage().GetSelectedID()
	case m.GetLocationMessage() != nil:
		loc := m.GetLocationMessage()
		event.Location = &models.Location{Latitude: loc.GetDegreesLatitude(), Longitude: loc.GetDegreesLongitude()}
	case m.GetImageMessage() != nil:
		img := m.GetImageMessage()
		event.Body = img.GetCaption()
		event.Media = s.download(ctx, img, img.GetMimetype(), "")
	case m.GetDocumentMessage() != nil:
		doc := m.GetDocumentMessage()
		event.Body = doc.GetCaption()
		event.Media = s.download(ctx, doc, doc.GetMimetype(), doc.GetFileName())
	default:
		slog.Debug("WhatsAppService ignoring unsupported message", "from", from)
		return models.InboundEvent{}, false
	}
	return event, true
}

// download returns the attachment with its bytes, or only its type when the download
// failed so the input collector reports a media error.
func (s *WhatsAppService) download(ctx context.Context, msg whatsmeow.DownloadableMessage, mimeType, filename string) *models.MediaAttachment {
	att := &models.MediaAttachment{MimeType: mimeType, Filename: filename}
	if s.downloader == nil {
		return att
	}
	data, err := s.downloader.Download(ctx, msg)
	if err != nil {
		slog.Error("WhatsAppService media download failed", "error", err)
		return att
	}
	att.Data = data
	return att
}

func (s *WhatsAppService) handleReceipt(evt *events.Receipt) {
	to, err := CanonicalizePhone(evt.MessageSource.Chat.User)
	if err != nil {
		return
	}
	var status models.MessageStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case events.ReceiptTypeRead:
		status = models.MessageStatusRead
	default:
		return
	}
	s.ch.emitReceipt(models.Receipt{To: to, Status: status, Time: evt.Timestamp.Unix()})
}
