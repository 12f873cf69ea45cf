package engine

import (
	"encoding/json"
	"strings"

	"github.com/hongbietcode/ccengine/pkg/models"
)

// streamParser decodes one line of the external CLI's stream-json output into
// zero or one StreamEvent. Parsing is best-effort: lines that are empty, not
// JSON, or of an unrecognized shape yield no event and leave the parser state
// untouched.
//
// The parser carries per-run state (the in-flight message id and a delta
// accumulator), so one instance must be created per process run and never
// shared across runs.
type streamParser struct {
	messageID string
	acc       strings.Builder
	// pendingTools maps tool_use ids to tool names so a later tool_result
	// can be labeled with the tool that produced it.
	pendingTools map[string]string
}

func newStreamParser() *streamParser {
	return &streamParser{pendingTools: make(map[string]string)}
}

// wireLine covers the recognized top-level shapes: the stream_event envelope
// plus the flat text / tool_use / tool_result / error / system shapes. The
// wire has no enforced schema; unknown fields are ignored.
type wireLine struct {
	Type      string          `json:"type"`
	Event     *wireEvent      `json:"event"`
	SessionID string          `json:"session_id"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	Message   string          `json:"message"`
	Error     json.RawMessage `json:"error"`
}

// wireEvent is the inner event of a stream_event envelope.
type wireEvent struct {
	Type    string `json:"type"`
	Message *struct {
		ID string `json:"id"`
	} `json:"message"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	ContentBlock *struct {
		Type  string          `json:"type"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content_block"`
}

// parseLine decodes one line. The second return is false when the line
// produced no event.
func (p *streamParser) parseLine(line string) (models.StreamEvent, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return models.StreamEvent{}, false
	}
	var w wireLine
	if err := json.Unmarshal([]byte(line), &w); err != nil {
		return models.StreamEvent{}, false
	}

	switch w.Type {
	case "stream_event":
		if w.Event == nil {
			return models.StreamEvent{}, false
		}
		return p.parseInner(w.Event)
	case "system":
		// Init line announcing the CLI session; recorded for --resume.
		if w.SessionID == "" {
			return models.StreamEvent{}, false
		}
		return models.StreamEvent{Type: models.EventProgress, Progress: "init", SessionID: w.SessionID}, true
	case "text":
		if w.Text == "" {
			return models.StreamEvent{}, false
		}
		return models.StreamEvent{Type: models.EventContentDelta, MessageID: p.messageID, Delta: w.Text}, true
	case "tool_use":
		if w.Name == "" {
			return models.StreamEvent{}, false
		}
		if w.ID != "" {
			p.pendingTools[w.ID] = w.Name
		}
		return models.StreamEvent{
			Type:      models.EventToolUse,
			MessageID: p.messageID,
			ToolID:    w.ID,
			ToolName:  w.Name,
			Input:     w.Input,
		}, true
	case "tool_result":
		name := p.pendingTools[w.ToolUseID]
		delete(p.pendingTools, w.ToolUseID)
		return models.StreamEvent{
			Type:      models.EventToolResult,
			MessageID: p.messageID,
			ToolID:    w.ToolUseID,
			ToolName:  name,
			Output:    contentText(w.Content),
		}, true
	case "error":
		msg := w.Message
		if msg == "" {
			msg = contentText(w.Error)
		}
		if msg == "" {
			return models.StreamEvent{}, false
		}
		return models.StreamEvent{Type: models.EventError, Error: msg}, true
	}
	return models.StreamEvent{}, false
}

func (p *streamParser) parseInner(ev *wireEvent) (models.StreamEvent, bool) {
	switch ev.Type {
	case "message_start":
		if ev.Message == nil || ev.Message.ID == "" {
			return models.StreamEvent{}, false
		}
		p.messageID = ev.Message.ID
		p.acc.Reset()
		return models.StreamEvent{Type: models.EventMessageStart, MessageID: ev.Message.ID}, true
	case "content_block_start":
		if ev.ContentBlock == nil || ev.ContentBlock.Type != "tool_use" {
			return models.StreamEvent{}, false
		}
		if ev.ContentBlock.ID != "" {
			p.pendingTools[ev.ContentBlock.ID] = ev.ContentBlock.Name
		}
		return models.StreamEvent{
			Type:      models.EventToolUse,
			MessageID: p.messageID,
			ToolID:    ev.ContentBlock.ID,
			ToolName:  ev.ContentBlock.Name,
			Input:     ev.ContentBlock.Input,
		}, true
	case "content_block_delta":
		if ev.Delta == nil || ev.Delta.Text == "" {
			return models.StreamEvent{}, false
		}
		p.acc.WriteString(ev.Delta.Text)
		return models.StreamEvent{Type: models.EventContentDelta, MessageID: p.messageID, Delta: ev.Delta.Text}, true
	case "message_stop":
		out := models.StreamEvent{Type: models.EventMessageComplete, MessageID: p.messageID, Content: p.acc.String()}
		p.messageID = ""
		p.acc.Reset()
		return out, true
	}
	return models.StreamEvent{}, false
}

// flush returns a final completion for a message left open when the stream
// ended without a message_stop (process killed mid-message).
func (p *streamParser) flush() (models.StreamEvent, bool) {
	if p.messageID == "" || p.acc.Len() == 0 {
		return models.StreamEvent{}, false
	}
	out := models.StreamEvent{Type: models.EventMessageComplete, MessageID: p.messageID, Content: p.acc.String()}
	p.messageID = ""
	p.acc.Reset()
	return out, true
}

// contentText extracts readable text from a tool_result content value, which
// may be a plain string, a list of content blocks, or an object with a
// message field.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var b strings.Builder
		for _, bl := range blocks {
			if bl.Type == "text" {
				b.WriteString(bl.Text)
			}
		}
		return b.String()
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}
