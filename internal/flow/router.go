package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

// DefaultHistoryLimit is the number of recent messages handed to the
// knowledge base as conversation context.
const DefaultHistoryLimit = 10

// Action names the branch the router took for a turn.
type Action string

const (
	ActionBooking       Action = "booking"
	ActionConfirmIntent Action = "confirm_intent"
	ActionListServices  Action = "list_services"
	ActionSearch        Action = "search"
	ActionSearchFailed  Action = "search_failed"
	ActionChat          Action = "chat"
	ActionChatFailed    Action = "chat_failed"
)

// SearchSuffix is appended to every successful search reply.
const SearchSuffix = "\n\nIf you see something you like, just say \"I want to book [name]\" and I'll set it up for you."

var (
	affirmationWords   = map[string]bool{"yes": true, "sure": true, "ok": true, "okay": true, "confirm": true, "yeah": true, "yep": true, "please": true, "proceed": true}
	affirmationPhrases = []string{"go ahead"}
	negationWords      = map[string]bool{"no": true, "not": true, "don't": true, "dont": true, "nope": true, "cancel": true, "never": true}
)

// Response is what the router returns to the hosting layer.
type Response struct {
	Text   string
	Action Action
	// Turn is set when the dialogue manager handled the message.
	Turn *Turn
	// Err carries a collaborator failure that was turned into a degraded reply.
	Err error
}

// RouterOpts holds configuration for the Router.
type RouterOpts struct {
	HistoryLimit int
}

// RouterOption defines a function for configuring the Router.
type RouterOption func(*RouterOpts)

// WithHistoryLimit sets how many history messages reach the knowledge base.
func WithHistoryLimit(n int) RouterOption {
	return func(o *RouterOpts) {
		o.HistoryLimit = n
	}
}

// Router decides per turn whether a message goes to the booking dialogue,
// a web search or the knowledge base.
type Router struct {
	dialogue     *DialogueManager
	classifier   IntentClassifier
	search       SearchProvider
	kb           KnowledgeBase
	historyLimit int
}

// NewRouter creates a Router. A nil classifier falls back to the heuristic one;
// nil search or knowledge base collaborators degrade to explanatory replies.
func NewRouter(dialogue *DialogueManager, classifier IntentClassifier, search SearchProvider, kb KnowledgeBase, opts ...RouterOption) *Router {
	cfg := RouterOpts{HistoryLimit: DefaultHistoryLimit}
	for _, opt := range opts {
		opt(&cfg)
	}
	if classifier == nil {
		classifier = NewHeuristicClassifier()
	}
	if dialogue == nil {
		dialogue = NewDialogueManager(nil, nil, nil)
	}
	slog.Debug("Router.NewRouter: creating router", "historyLimit", cfg.HistoryLimit, "hasSearch", search != nil, "hasKnowledgeBase", kb != nil)
	return &Router{
		dialogue:     dialogue,
		classifier:   classifier,
		search:       search,
		kb:           kb,
		historyLimit: cfg.HistoryLimit,
	}
}

// Route handles one inbound utterance for sess. history holds the messages
// before this one. doc may be nil.
func (r *Router) Route(ctx context.Context, sess models.Session, utterance string, history []models.ConversationMessage, doc Document) (models.Session, Response) {
	var services []string
	if doc != nil {
		services = doc.Services()
	}

	if sess.Booking.Active {
		slog.Debug("Router.Route: booking active, forwarding to dialogue", "sessionID", sess.ID, "currentField", sess.Booking.CurrentField)
		return r.runDialogue(ctx, sess, utterance, services)
	}

	if sess.Flags.AwaitingIntentConfirmation {
		sess.Flags.AwaitingIntentConfirmation = false
		if IsAffirmation(utterance) {
			slog.Info("Router.Route: booking intent confirmed", "sessionID", sess.ID)
			sess.Booking = models.NewBookingState()
			sess.Booking.Active = true
			return r.runDialogue(ctx, sess, StartFlow, services)
		}
		slog.Debug("Router.Route: intent confirmation declined, answering as chat", "sessionID", sess.ID)
		return r.chat(ctx, sess, utterance, history, doc)
	}

	intent, err := r.classifier.ClassifyIntent(ctx, utterance)
	if err != nil {
		slog.Warn("Router.Route: intent classification failed, defaulting to chat", "sessionID", sess.ID, "error", err)
		intent = models.IntentChat
	}
	slog.Debug("Router.Route: classified", "sessionID", sess.ID, "intent", intent)

	switch intent {
	case models.IntentSearch:
		return sess, r.doSearch(ctx, utterance)
	case models.IntentBooking:
		return r.askBookingIntent(sess, utterance, services)
	}
	return r.chat(ctx, sess, utterance, history, doc)
}

func (r *Router) runDialogue(ctx context.Context, sess models.Session, utterance string, services []string) (models.Session, Response) {
	next, turn := r.dialogue.Handle(ctx, sess.Booking, utterance, services)
	sess.Booking = next
	return sess, Response{Text: turn.Reply, Action: ActionBooking, Turn: &turn, Err: turn.Err}
}

func (r *Router) askBookingIntent(sess models.Session, utterance string, services []string) (models.Session, Response) {
	if len(services) == 0 {
		sess.Flags.AwaitingIntentConfirmation = true
		return sess, Response{
			Text:   "It sounds like you want to make a booking. Would you like to proceed? (Yes/No)",
			Action: ActionConfirmIntent,
		}
	}
	if service, ok := MatchService(utterance, services); ok {
		sess.Flags.AwaitingIntentConfirmation = true
		return sess, Response{
			Text:   fmt.Sprintf("It sounds like you want to book **%s**. Would you like to proceed? (Yes/No)", service),
			Action: ActionConfirmIntent,
		}
	}
	return sess, Response{
		Text:   fmt.Sprintf("Here are the services we offer:\n\n%s\n\nWhich one would you like to book? Say \"I want to book [name]\".", bulletList(services)),
		Action: ActionListServices,
	}
}

func (r *Router) doSearch(ctx context.Context, query string) Response {
	if r.search == nil {
		return Response{Text: searchUnavailableText, Action: ActionSearchFailed, Err: fmt.Errorf("search: %w", models.ErrNotConfigured)}
	}
	result, err := r.search.Search(ctx, query)
	if err != nil {
		slog.Error("Router.doSearch: search failed", "error", err)
		if errors.Is(err, models.ErrNotConfigured) {
			return Response{Text: searchUnavailableText, Action: ActionSearchFailed, Err: err}
		}
		return Response{Text: "⚠️ Sorry, the web search failed. Please try again in a moment.", Action: ActionSearchFailed, Err: err}
	}
	if strings.TrimSpace(result) == "" {
		result = "I couldn't find anything relevant for that search."
	}
	return Response{Text: result + SearchSuffix, Action: ActionSearch}
}

const searchUnavailableText = "⚠️ Web search is not configured on this assistant, but I can still answer questions or take a booking."

func (r *Router) chat(ctx context.Context, sess models.Session, utterance string, history []models.ConversationMessage, doc Document) (models.Session, Response) {
	if r.kb == nil {
		return sess, Response{
			Text:   "⚠️ Sorry, I can't answer questions right now. I can still take a booking if you say \"book\".",
			Action: ActionChatFailed,
			Err:    fmt.Errorf("knowledge base: %w", models.ErrNotConfigured),
		}
	}

	req := AnswerRequest{Query: utterance, History: recent(history, r.historyLimit)}
	if doc != nil {
		docContext, err := doc.Context(ctx, utterance)
		if err != nil {
			slog.Warn("Router.chat: document retrieval failed, answering without context", "sessionID", sess.ID, "error", err)
		} else {
			req.DocumentContext = docContext
		}
	}

	answer, err := r.kb.Answer(ctx, req)
	if err != nil {
		slog.Error("Router.chat: knowledge base failed", "sessionID", sess.ID, "error", err)
		return sess, Response{
			Text:   "⚠️ Sorry, I couldn't come up with an answer just now. Please try again.",
			Action: ActionChatFailed,
			Err:    err,
		}
	}
	return sess, Response{Text: answer, Action: ActionChat}
}

// IsAffirmation reports whether utterance agrees to proceed: it must contain
// an affirmation word and no negation word.
func IsAffirmation(utterance string) bool {
	words := tokenize(utterance)
	affirmed := false
	for _, w := range words {
		if negationWords[w] {
			return false
		}
		if affirmationWords[w] {
			affirmed = true
		}
	}
	if affirmed {
		return true
	}
	normalized := " " + strings.Join(words, " ") + " "
	for _, p := range affirmationPhrases {
		if strings.Contains(normalized, " "+p+" ") {
			return true
		}
	}
	return false
}

func recent(history []models.ConversationMessage, limit int) []models.ConversationMessage {
	if limit <= 0 || len(history) <= limit {
		return history
	}
	return history[len(history)-limit:]
}
