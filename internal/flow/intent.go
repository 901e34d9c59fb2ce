package flow

import (
	"context"
	"log/slog"
	"strings"
	"unicode"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

var (
	bookingPhrases  = []string{"i want to book", "can you book"}
	searchPhrases   = []string{"look up", "find me"}
	searchWords     = map[string]bool{"search": true, "lookup": true, "google": true}
	bookingPrefixes = []string{"book", "reserv", "schedul", "appointment"}
	infoWords       = map[string]bool{"how": true, "what": true, "explain": true, "process": true, "workflow": true}
)

// HeuristicClassifier classifies intents with keyword rules. It never fails.
type HeuristicClassifier struct{}

// NewHeuristicClassifier creates a keyword based intent classifier.
func NewHeuristicClassifier() *HeuristicClassifier {
	return &HeuristicClassifier{}
}

// ClassifyIntent implements IntentClassifier.
func (HeuristicClassifier) ClassifyIntent(ctx context.Context, utterance string) (models.Intent, error) {
	intent := classifyHeuristic(utterance)
	slog.Debug("HeuristicClassifier.ClassifyIntent: classified", "intent", intent)
	return intent, nil
}

func classifyHeuristic(utterance string) models.Intent {
	words := tokenize(utterance)
	normalized := " " + strings.Join(words, " ") + " "

	for _, p := range bookingPhrases {
		if strings.Contains(normalized, " "+p+" ") {
			return models.IntentBooking
		}
	}

	for _, p := range searchPhrases {
		if strings.Contains(normalized, " "+p+" ") {
			return models.IntentSearch
		}
	}
	for _, w := range words {
		if searchWords[w] {
			return models.IntentSearch
		}
	}

	hasBooking, hasInfo := false, false
	for _, w := range words {
		if infoWords[w] {
			hasInfo = true
		}
		for _, p := range bookingPrefixes {
			if strings.HasPrefix(w, p) {
				hasBooking = true
			}
		}
	}
	if hasBooking && !hasInfo {
		return models.IntentBooking
	}
	return models.IntentChat
}

// tokenize lower-cases s and splits it into words of letters, digits and apostrophes.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}
