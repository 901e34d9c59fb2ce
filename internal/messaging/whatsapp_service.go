package messaging

import (
	"context"
	"log/slog"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/whatsapp"
)

const (
	// DefaultChannelBufferSize is the number of inbound messages queued
	// before new ones are dropped.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long the event handler waits for
	// room in the queue.
	DefaultChannelTimeout = 1 * time.Second
	// SessionPrefix namespaces WhatsApp session ids.
	SessionPrefix = "wa:"
)

// MessageHandler answers one inbound chat message.
type MessageHandler interface {
	HandleMessage(ctx context.Context, sessionID, text string) (models.ChatReply, error)
}

// EventSource delivers whatsmeow events.
type EventSource interface {
	AddEventHandler(h func(evt interface{}))
}

type inbound struct {
	from string
	text string
}

// WhatsAppService answers WhatsApp messages through a MessageHandler.
// Messages are processed one at a time in arrival order.
type WhatsAppService struct {
	handler MessageHandler
	sender  whatsapp.WhatsAppSender
	queue   chan inbound
	done    chan struct{}
}

// NewWhatsAppService creates a WhatsAppService.
func NewWhatsAppService(handler MessageHandler, sender whatsapp.WhatsAppSender) *WhatsAppService {
	return &WhatsAppService{
		handler: handler,
		sender:  sender,
		queue:   make(chan inbound, DefaultChannelBufferSize),
		done:    make(chan struct{}),
	}
}

// Start registers the event handler on src and processes messages until ctx
// is cancelled or Stop is called.
func (s *WhatsAppService) Start(ctx context.Context, src EventSource) {
	src.AddEventHandler(s.HandleEvent)
	go s.run(ctx)
	slog.Info("WhatsAppService.Start: listening for messages")
}

// Stop ends message processing.
func (s *WhatsAppService) Stop() {
	close(s.done)
	slog.Info("WhatsAppService.Stop: stopped")
}

func (s *WhatsAppService) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case m := <-s.queue:
			s.answer(ctx, m)
		}
	}
}

// HandleEvent queues incoming direct text messages. Group chats, messages
// sent by this account and non-text messages are ignored.
func (s *WhatsAppService) HandleEvent(evt interface{}) {
	msg, ok := evt.(*events.Message)
	if !ok {
		return
	}
	if msg.Info.IsFromMe || msg.Info.IsGroup {
		return
	}
	text, ok := whatsapp.MessageText(msg.Message)
	if !ok || text == "" {
		slog.Debug("WhatsAppService.HandleEvent: ignoring non-text message", "from", msg.Info.Sender.User)
		return
	}
	m := inbound{from: msg.Info.Sender.User, text: text}
	select {
	case s.queue <- m:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService.HandleEvent: queue full, dropping message", "from", m.from, "timeout", DefaultChannelTimeout)
	}
}

func (s *WhatsAppService) answer(ctx context.Context, m inbound) {
	reply, err := s.handler.HandleMessage(ctx, SessionPrefix+m.from, m.text)
	if err != nil {
		slog.Error("WhatsAppService.answer: failed to handle message", "from", m.from, "error", err)
		reply.Reply = "⚠️ Sorry, something went wrong on our side. Please try again in a moment."
	}
	if err := s.sender.SendMessage(ctx, m.from, reply.Reply); err != nil {
		slog.Error("WhatsAppService.answer: failed to send reply", "to", m.from, "error", err)
		return
	}
	slog.Debug("WhatsAppService.answer: reply sent", "to", m.from, "action", reply.Action)
}
