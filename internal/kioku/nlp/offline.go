package nlp

import (
	"context"
	"strings"
	"unicode"
)

// Echo is an offline generator that answers "processed: <prompt>". It keeps
// the engine usable without credentials and gives tests a deterministic
// collaborator.
type Echo struct {
	Prefix string
}

// Generate returns the prompt prefixed with "processed: ".
func (e Echo) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	prefix := e.Prefix
	if prefix == "" {
		prefix = "processed: "
	}
	return prefix + req.Prompt, nil
}

// NoopClassifier never labels anything.
type NoopClassifier struct{}

func (NoopClassifier) Classify(context.Context, string) (string, error) {
	return "", nil
}

// KeywordClassifier labels text by counting words from small positive and
// negative lexicons. Negation words flip the following word.
type KeywordClassifier struct {
	positive map[string]struct{}
	negative map[string]struct{}
}

var (
	defaultPositive = []string{
		"good", "great", "love", "like", "thanks", "thank", "awesome", "excellent",
		"happy", "nice", "wonderful", "perfect", "amazing", "glad", "helpful", "cool",
	}
	defaultNegative = []string{
		"bad", "hate", "terrible", "awful", "sad", "angry", "wrong", "broken",
		"useless", "horrible", "annoying", "poor", "worst", "disappointed", "upset",
	}
	negations = map[string]struct{}{"not": {}, "no": {}, "never": {}, "dont": {}, "don't": {}, "isnt": {}, "isn't": {}}
)

// NewKeywordClassifier builds a classifier over the default lexicons.
func NewKeywordClassifier() *KeywordClassifier {
	k := &KeywordClassifier{
		positive: make(map[string]struct{}, len(defaultPositive)),
		negative: make(map[string]struct{}, len(defaultNegative)),
	}
	for _, w := range defaultPositive {
		k.positive[w] = struct{}{}
	}
	for _, w := range defaultNegative {
		k.negative[w] = struct{}{}
	}
	return k
}

// Classify returns positive, negative or neutral.
func (k *KeywordClassifier) Classify(ctx context.Context, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})

	score := 0
	negate := false
	for _, w := range words {
		if _, ok := negations[w]; ok {
			negate = true
			continue
		}
		delta := 0
		if _, ok := k.positive[w]; ok {
			delta = 1
		} else if _, ok := k.negative[w]; ok {
			delta = -1
		}
		if negate {
			delta = -delta
			negate = false
		}
		score += delta
	}

	switch {
	case score > 0:
		return LabelPositive, nil
	case score < 0:
		return LabelNegative, nil
	default:
		return LabelNeutral, nil
	}
}

var (
	_ Generator  = Echo{}
	_ Classifier = NoopClassifier{}
	_ Classifier = (*KeywordClassifier)(nil)
)
