package client

import (
	"fmt"

	"github.com/kakaly/mlxhost/internal/protocol"
)

// StreamEventKind discriminates the logical stream events of spec §3
// (Start | Token | End | Error).
type StreamEventKind int

const (
	StreamStart StreamEventKind = iota
	StreamToken
	StreamEnd
	StreamError
)

// StreamEvent is the public, typed shape of one envelope from a stream
// subscription (spec §4.7's AsyncSequence<StreamEvent>).
type StreamEvent struct {
	Kind      StreamEventKind
	RequestID string
	Text      string                    // set for StreamToken
	Final     *protocol.GenerateResponse // set for StreamEnd
	Code      string                    // set for StreamError
	Message   string                    // set for StreamError
}

// Stream subscribes to inference.stream and returns a channel of decoded
// events in arrival order, closed after the terminal End or Error event
// (spec §4.7, §8 "stream well-formedness").
func (c *Client) Stream(req protocol.GenerateRequest, requestID string) (<-chan StreamEvent, error) {
	raw, err := c.conn.Stream(req, requestID)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamEvent, cap(raw))
	go func() {
		defer close(out)
		for env := range raw {
			event, err := decodeStreamEvent(env)
			if err != nil {
				continue
			}
			out <- event
		}
	}()
	return out, nil
}

func decodeStreamEvent(env protocol.Envelope) (StreamEvent, error) {
	switch env.Type {
	case protocol.TypeInferenceStreamStart:
		var p protocol.StreamStartPayload
		if err := env.Decode(&p); err != nil {
			return StreamEvent{}, err
		}
		return StreamEvent{Kind: StreamStart, RequestID: p.RequestID}, nil
	case protocol.TypeInferenceStreamToken:
		var p protocol.StreamTokenPayload
		if err := env.Decode(&p); err != nil {
			return StreamEvent{}, err
		}
		return StreamEvent{Kind: StreamToken, RequestID: p.RequestID, Text: p.Text}, nil
	case protocol.TypeInferenceStreamEnd:
		var p protocol.StreamEndPayload
		if err := env.Decode(&p); err != nil {
			return StreamEvent{}, err
		}
		final := p.Final
		return StreamEvent{Kind: StreamEnd, RequestID: p.RequestID, Final: &final}, nil
	case protocol.TypeInferenceStreamError:
		var p protocol.StreamErrorPayload
		if err := env.Decode(&p); err != nil {
			return StreamEvent{}, err
		}
		return StreamEvent{Kind: StreamError, RequestID: p.RequestID, Code: p.Code, Message: p.Message}, nil
	default:
		return StreamEvent{}, fmt.Errorf("client: unknown stream event type %q", env.Type)
	}
}
