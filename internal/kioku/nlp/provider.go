// Package nlp holds the text-completion and sentiment collaborators used by
// the orchestrator.
//
// Adapters translate the two call contracts (Generate and Classify) to
// concrete backends: any OpenAI-compatible chat endpoint, the Anthropic
// Messages API, and offline fallbacks used for demos and tests. The
// orchestrator never depends on a concrete adapter.
package nlp

import (
	"context"
	"errors"
)

// ErrRateLimit is returned when the upstream API reports rate limiting
// (HTTP 429).
var ErrRateLimit = errors.New("nlp: upstream rate limit exceeded")

// ErrMalformedOutput is returned when the upstream answered but the body
// cannot be interpreted (bad JSON, no choices, unknown label).
var ErrMalformedOutput = errors.New("nlp: malformed response from model")

// ErrEmptyOutput is returned when the model produced no text.
var ErrEmptyOutput = errors.New("nlp: empty completion")

// ErrClassificationFailed wraps every classifier failure. Sentiment is best
// effort, so callers log it and move on.
var ErrClassificationFailed = errors.New("nlp: classification failed")

// GenerateRequest is the input to one completion call.
type GenerateRequest struct {
	// Prompt is the user text.
	Prompt string
	// System is an optional instruction prepended to the conversation.
	System string
	// MaxTokens bounds the completion length. Zero uses the adapter default.
	MaxTokens int
	// Temperature is the sampling temperature. Nil uses the adapter default.
	Temperature *float64
}

// Generator produces a completion for a prompt. Implementations must honour
// ctx cancellation and deadlines; the orchestrator enforces its per-call
// timeout through ctx.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// Classifier assigns a sentiment label to a piece of text.
type Classifier interface {
	Classify(ctx context.Context, text string) (string, error)
}

// Sentiment labels produced by the bundled classifiers.
const (
	LabelPositive = "positive"
	LabelNegative = "negative"
	LabelNeutral  = "neutral"
)

// Labels is the closed set of labels a classifier may return.
var Labels = []string{LabelPositive, LabelNegative, LabelNeutral}

func validLabel(l string) bool {
	for _, v := range Labels {
		if v == l {
			return true
		}
	}
	return false
}

// Float returns a pointer to f, for GenerateRequest.Temperature.
func Float(f float64) *float64 {
	return &f
}
