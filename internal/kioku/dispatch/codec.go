package dispatch

import (
	"fmt"
	"strings"
	"time"

	"github.com/bdobrica/kioku/common/spec/envelope"
	"github.com/bdobrica/kioku/internal/kioku/orchestrator"
)

// Frame is a decoded inbound message.
type Frame struct {
	// Ping frames are answered directly and never reach the orchestrator.
	Ping bool
	Text string
	// Session, when set, switches the connection to another session key.
	Session    string
	ReceivedAt time.Time
}

// Decode turns raw transport bytes into a Frame. Anything that looks like
// a JSON object is validated as an envelope; everything else is plain text.
func Decode(data []byte, receivedAt time.Time) (Frame, error) {
	if envelope.LooksLikeJSON(data) {
		in, err := envelope.ParseInbound(data)
		if err != nil {
			return Frame{}, err
		}
		f := Frame{
			Ping:       in.Type == envelope.TypePing,
			Text:       strings.TrimSpace(in.Content),
			Session:    in.Session,
			ReceivedAt: receivedAt,
		}
		if !in.TS.IsZero() {
			f.ReceivedAt = in.TS
		}
		if !f.Ping && f.Text == "" {
			return Frame{}, fmt.Errorf("%w: empty content", envelope.ErrInvalid)
		}
		return f, nil
	}

	text := strings.TrimSpace(string(data))
	if text == "" {
		return Frame{}, fmt.Errorf("%w: empty message", envelope.ErrInvalid)
	}
	return Frame{Text: text, ReceivedAt: receivedAt}, nil
}

// EncodeReply builds the reply frame for an orchestrator reply.
func EncodeReply(r orchestrator.Reply) ([]byte, error) {
	return envelope.Encode(envelope.Outbound{
		Type:         envelope.TypeReply,
		Content:      r.Text,
		SessionKey:   r.SessionKey,
		InstanceID:   r.InstanceID,
		Generation:   r.Generation,
		Source:       r.Source,
		Sentiment:    r.Sentiment,
		Degraded:     r.Degraded,
		Consolidated: r.Consolidated,
		TraceID:      r.TraceID,
	})
}

// EncodeError builds an error frame. Encoding a flat struct of strings
// cannot fail, so the error is dropped.
func EncodeError(code, message string) []byte {
	data, _ := envelope.Encode(envelope.ErrorFrame(code, message))
	return data
}

// EncodePong builds the answer to a ping frame.
func EncodePong() []byte {
	data, _ := envelope.Encode(envelope.Outbound{Type: envelope.TypePong})
	return data
}

// EncodeNotice builds an operator notice frame for broadcast.
func EncodeNotice(message string) []byte {
	data, _ := envelope.Encode(envelope.Outbound{Type: envelope.TypeNotice, Message: message})
	return data
}
