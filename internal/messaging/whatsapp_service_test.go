package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/BTreeMap/CivicPipe/internal/models"
	"github.com/BTreeMap/CivicPipe/internal/whatsapp"
)

func TestWhatsAppService_ImplementsService(t *testing.T) {
	var _ Service = (*WhatsAppService)(nil)
}

func TestWhatsAppService_SendRendersOptions(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock, "pune")
	cmd := models.OutboundCommand{
		ParticipantID: "+919800000001",
		Text:          "Choose a service",
		Buttons:       []models.Button{{ID: "book", Title: "Book"}, {ID: "status", Title: "Status"}},
	}
	if err := svc.Send(context.Background(), cmd); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if len(mock.SentMessages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(mock.SentMessages))
	}
	got := mock.SentMessages[0]
	if got.To != "+919800000001" {
		t.Errorf("To = %q", got.To)
	}
	want := "Choose a service\n\n1. Book\n2. Status"
	if got.Body != want {
		t.Errorf("Body = %q, want %q", got.Body, want)
	}

	select {
	case receipt := <-svc.Receipts():
		if receipt.Status != models.MessageStatusSent || receipt.To != "+919800000001" {
			t.Errorf("unexpected receipt %+v", receipt)
		}
	default:
		t.Fatal("expected receipt, got none")
	}
}

func TestWhatsAppService_SendMedia(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock, "pune")
	cmd := models.OutboundCommand{ParticipantID: "919800000001", Text: "Ward map", MediaURL: "https://cdn.example.org/map.png"}
	if err := svc.Send(context.Background(), cmd); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	got := mock.SentMessages[0]
	if got.ImageURL != cmd.MediaURL || got.Body != "Ward map" || got.To != "+919800000001" {
		t.Errorf("unexpected send %+v", got)
	}
}

func TestWhatsAppService_SendErrors(t *testing.T) {
	mock := whatsapp.NewMockClient()
	mock.Err = errors.New("offline")
	svc := NewWhatsAppService(mock, "pune")
	ctx := context.Background()

	if err := svc.Send(ctx, models.OutboundCommand{ParticipantID: "+919800000001", Text: "hi"}); err == nil {
		t.Error("expected client error")
	}
	if err := svc.Send(ctx, models.OutboundCommand{ParticipantID: "12", Text: "hi"}); err == nil {
		t.Error("expected invalid recipient error")
	}
	svc.Stop()
	if err := svc.Send(ctx, models.OutboundCommand{ParticipantID: "+919800000001", Text: "hi"}); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

func TestWhatsAppService_StartStop(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient(), "pune")
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
	if _, ok := <-svc.Receipts(); ok {
		t.Error("expected receipts channel closed")
	}
	if _, ok := <-svc.Events(); ok {
		t.Error("expected events channel closed")
	}
}

type fakeDownloader struct {
	data []byte
	err  error
}

func (f fakeDownloader) Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error) {
	return f.data, f.err
}

func waMessage(msg *waE2E.Message) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Sender: types.NewJID("919800000001", types.DefaultUserServer),
				Chat:   types.NewJID("919800000001", types.DefaultUserServer),
			},
			ID:        "3EB0C1",
			Timestamp: time.Date(2025, 11, 3, 8, 0, 0, 0, time.UTC),
		},
		Message: msg,
	}
}

func TestWhatsAppService_InboundFromMessage(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient(), "pune")
	svc.downloader = fakeDownloader{data: []byte("jpegdata")}
	ctx := context.Background()

	tests := []struct {
		name  string
		msg   *waE2E.Message
		check func(t *testing.T, e models.InboundEvent)
	}{
		{
			name: "conversation",
			msg:  &waE2E.Message{Conversation: proto.String("hi")},
			check: func(t *testing.T, e models.InboundEvent) {
				if e.Body != "hi" {
					t.Errorf("Body = %q", e.Body)
				}
			},
		},
		{
			name: "extended text",
			msg:  &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("book")}},
			check: func(t *testing.T, e models.InboundEvent) {
				if e.Body != "book" {
					t.Errorf("Body = %q", e.Body)
				}
			},
		},
		{
			name: "button tap",
			msg:  &waE2E.Message{ButtonsResponseMessage: &waE2E.ButtonsResponseMessage{SelectedButtonID: proto.String("status")}},
			check: func(t *testing.T, e models.InboundEvent) {
				if e.TappedElementID != "status" {
					t.Errorf("TappedElementID = %q", e.TappedElementID)
				}
			},
		},
		{
			name: "list tap",
			msg: &waE2E.Message{ListResponseMessage: &waE2E.ListResponseMessage{
				SingleSelectReply: &waE2E.ListResponseMessage_SingleSelectReply{SelectedRowID: proto.String("date_2025-11-04")},
			}},
			check: func(t *testing.T, e models.InboundEvent) {
				if e.TappedElementID != "date_2025-11-04" {
					t.Errorf("TappedElementID = %q", e.TappedElementID)
				}
			},
		},
		{
			name: "location",
			msg: &waE2E.Message{LocationMessage: &waE2E.LocationMessage{
				DegreesLatitude: proto.Float64(18.5), DegreesLongitude: proto.Float64(73.85),
			}},
			check: func(t *testing.T, e models.InboundEvent) {
				if e.Location == nil || e.Location.Latitude != 18.5 || e.Location.Longitude != 73.85 {
					t.Errorf("Location = %+v", e.Location)
				}
			},
		},
		{
			name: "image",
			msg: &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
				Mimetype: proto.String("image/jpeg"), Caption: proto.String("pothole"),
			}},
			check: func(t *testing.T, e models.InboundEvent) {
				if e.Media == nil || string(e.Media.Data) != "jpegdata" || e.Media.MimeType != "image/jpeg" {
					t.Errorf("Media = %+v", e.Media)
				}
				if e.Body != "pothole" {
					t.Errorf("Body = %q", e.Body)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, ok := svc.inboundFromMessage(ctx, waMessage(tt.msg))
			if !ok {
				t.Fatal("message was skipped")
			}
			if e.TenantID != "pune" || e.ParticipantID != "+919800000001" || e.ProviderEventID != "3EB0C1" {
				t.Errorf("unexpected identity %+v", e)
			}
			tt.check(t, e)
		})
	}
}

func TestWhatsAppService_InboundSkips(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient(), "pune")
	ctx := context.Background()

	own := waMessage(&waE2E.Message{Conversation: proto.String("hi")})
	own.Info.IsFromMe = true
	group := waMessage(&waE2E.Message{Conversation: proto.String("hi")})
	group.Info.IsGroup = true
	empty := waMessage(&waE2E.Message{})

	for name, evt := range map[string]*events.Message{"own": own, "group": group, "unsupported": empty, "nil": nil} {
		if _, ok := svc.inboundFromMessage(ctx, evt); ok {
			t.Errorf("%s message was not skipped", name)
		}
	}
}

func TestWhatsAppService_ImageDownloadFailure(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient(), "pune")
	svc.downloader = fakeDownloader{err: errors.New("expired")}
	e, ok := svc.inboundFromMessage(context.Background(), waMessage(&waE2E.Message{
		ImageMessage: &waE2E.ImageMessage{Mimetype: proto.String("image/png")},
	}))
	if !ok {
		t.Fatal("message was skipped")
	}
	if e.Media == nil || len(e.Media.Data) != 0 || e.Media.MimeType != "image/png" {
		t.Errorf("expected an empty attachment, got %+v", e.Media)
	}
}

func TestWhatsAppService_HandleMessageAndReceipt(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient(), "pune")
	svc.handleMessage(context.Background(), waMessage(&waE2E.Message{Conversation: proto.String("hi")}))
	select {
	case e := <-svc.Events():
		if e.Body != "hi" {
			t.Errorf("Body = %q", e.Body)
		}
	default:
		t.Fatal("expected an event")
	}

	source := types.MessageSource{Chat: types.NewJID("919800000001", types.DefaultUserServer)}
	svc.handleReceipt(&events.Receipt{MessageSource: source, Type: events.ReceiptTypeRead, Timestamp: time.Unix(100, 0)})
	svc.handleReceipt(&events.Receipt{MessageSource: source, Type: events.ReceiptTypeReadSelf, Timestamp: time.Unix(101, 0)})
	select {
	case r := <-svc.Receipts():
		if r.Status != models.MessageStatusRead || r.To != "+919800000001" || r.Time != 100 {
			t.Errorf("unexpected receipt %+v", r)
		}
	default:
		t.Fatal("expected a receipt")
	}
	select {
	case r := <-svc.Receipts():
		t.Errorf("self read receipt was forwarded: %+v", r)
	default:
	}
}
