package nlp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEcho(t *testing.T) {
	out, err := Echo{}.Generate(context.Background(), GenerateRequest{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "processed: hello", out)

	out, err = Echo{Prefix: "> "}.Generate(context.Background(), GenerateRequest{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "> hello", out)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Echo{}.Generate(ctx, GenerateRequest{Prompt: "hello"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestKeywordClassifier(t *testing.T) {
	k := NewKeywordClassifier()
	tests := []struct {
		text string
		want string
	}{
		{"Thanks, that was great!", LabelPositive},
		{"this is terrible and broken", LabelNegative},
		{"what time is it", LabelNeutral},
		{"not good", LabelNegative},
		{"not bad at all", LabelPositive},
		{"I love it but the docs are awful", LabelNeutral},
		{"", LabelNeutral},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, err := k.Classify(context.Background(), tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNoopClassifier(t *testing.T) {
	label, err := NoopClassifier{}.Classify(context.Background(), "anything")
	require.NoError(t, err)
	assert.Empty(t, label)
}
