package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a payload after shape detection. Only adapters look inside
// payloads; the scheduler treats them as opaque bytes.
type Request struct {
	Messages []Message
	Prompt   string
	Options  map[string]any
}

func (r Request) IsChat() bool { return len(r.Messages) > 0 }

// ParseRequest detects the payload shape: "messages" means chat, "prompt" or
// "text" means completion, any other JSON becomes the prompt verbatim and
// non-JSON bytes are used as plain text.
func ParseRequest(payload []byte) (Request, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return Request{}, fmt.Errorf("empty payload")
	}
	if trimmed[0] != '{' {
		if json.Valid(trimmed) {
			return Request{Prompt: string(trimmed)}, nil
		}
		return Request{Prompt: string(payload)}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Request{}, fmt.Errorf("decode payload: %w", err)
	}

	var req Request
	switch {
	case fields["messages"] != nil:
		if err := json.Unmarshal(fields["messages"], &req.Messages); err != nil {
			return Request{}, fmt.Errorf("decode messages: %w", err)
		}
		if len(req.Messages) == 0 {
			return Request{}, fmt.Errorf("messages must not be empty")
		}
		delete(fields, "messages")
	case fields["prompt"] != nil || fields["text"] != nil:
		raw := fields["prompt"]
		if raw == nil {
			raw = fields["text"]
		}
		if err := json.Unmarshal(raw, &req.Prompt); err != nil {
			return Request{}, fmt.Errorf("prompt must be a string: %w", err)
		}
		delete(fields, "prompt")
		delete(fields, "text")
	default:
		var compact bytes.Buffer
		if err := json.Compact(&compact, trimmed); err != nil {
			return Request{}, err
		}
		return Request{Prompt: compact.String()}, nil
	}

	if len(fields) > 0 {
		req.Options = make(map[string]any, len(fields))
		for k, raw := range fields {
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return Request{}, fmt.Errorf("decode option %q: %w", k, err)
			}
			req.Options[k] = v
		}
	}
	return req, nil
}

// optionsKey groups requests whose options are identical.
func (r Request) optionsKey() string {
	if len(r.Options) == 0 {
		return ""
	}
	b, _ := json.Marshal(r.Options) // map keys are sorted
	return string(b)
}
