package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ace-cli/ace/internal/errs"
)

// retryDelays is the backoff schedule applied to transient transport
// failures (connection refused, 5xx, 429).
var retryDelays = []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second}

const maxSSELineBuffer = 1 << 19 // 512KB scanner buffer cap

// Client implements Provider against the engine's exact wire contract:
// HTTPS POST, JSON body, X-Reasoning-Split header, SSE response framing
// with content/reasoning_content/reasoning_details/tool_calls deltas.
type Client struct {
	Endpoint   string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient builds a Client with a sane default HTTP client. No client-side
// request timeout is set — per §5 the LLM stream has no global timeout,
// only finish-reason and cancellation bound it.
func NewClient(endpoint, apiKey string) *Client {
	return &Client{
		Endpoint:   endpoint,
		APIKey:     apiKey,
		HTTPClient: &http.Client{},
	}
}

type requestBody struct {
	Model       string          `json:"model"`
	Messages    []wireMessage   `json:"messages"`
	Stream      bool            `json:"stream"`
	Tools       []wireTool      `json:"tools,omitempty"`
	ToolChoice  string          `json:"tool_choice,omitempty"`
	Temperature float64         `json:"temperature"`
}

type wireMessage struct {
	Role             Role            `json:"role"`
	Content          string          `json:"content"`
	ReasoningDetails json.RawMessage `json:"reasoning_details,omitempty"`
	ToolCalls        []wireToolCall  `json:"tool_calls,omitempty"`
	ToolCallID       string          `json:"tool_call_id,omitempty"`
	Name             string          `json:"name,omitempty"`
}

type wireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function wireToolFunction `json:"function"`
}

type wireToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type sseChunk struct {
	Choices []sseChoice `json:"choices"`
	Usage   *sseUsage   `json:"usage"`
	Error   *sseError   `json:"error"`
}

type sseChoice struct {
	Delta        sseDelta `json:"delta"`
	FinishReason string   `json:"finish_reason"`
}

type sseDelta struct {
	Content          string             `json:"content"`
	ReasoningContent string             `json:"reasoning_content"`
	ReasoningDetails []json.RawMessage  `json:"reasoning_details"`
	ToolCalls        []sseToolCallDelta `json:"tool_calls"`
}

// reasoningDetailText is used only to pull the .text field out of an
// otherwise-opaque reasoning_details element for the live ReasoningDelta
// emission; the element's raw JSON is kept verbatim for history echo.
type reasoningDetailText struct {
	Text string `json:"text"`
}

type sseToolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type sseUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type sseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func toWireMessages(history []Message) []wireMessage {
	out := make([]wireMessage, 0, len(history))
	for _, m := range history {
		wm := wireMessage{
			Role:             m.Role,
			Content:          m.Content,
			ReasoningDetails: m.ReasoningDetails,
			ToolCallID:       m.ToolCallID,
			Name:             m.Name,
		}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireToolFunction{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, wm)
	}
	return out
}

func toWireTools(tools []Tool) []wireTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

// ChatStream implements Provider.
func (c *Client) ChatStream(ctx context.Context, model string, history []Message, tools []Tool) (<-chan StreamEvent, error) {
	events := make(chan StreamEvent, 16)
	go c.run(ctx, model, history, tools, events)
	return events, nil
}

func (c *Client) run(ctx context.Context, model string, history []Message, tools []Tool, events chan<- StreamEvent) {
	defer close(events)

	body := requestBody{
		Model:       model,
		Messages:    toWireMessages(history),
		Stream:      true,
		Tools:       toWireTools(tools),
		Temperature: 1.0,
	}
	if len(tools) > 0 {
		body.ToolChoice = "auto"
	}
	payload, err := json.Marshal(body)
	if err != nil {
		trySend(ctx, events, StreamEvent{Type: EventError, ErrKind: string(errs.Transport), ErrMessage: err.Error()})
		return
	}

	var lastErr error
	for attempt := 0; attempt <= len(retryDelays); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				trySend(ctx, events, doneOnCancel())
				return
			case <-time.After(retryDelays[attempt-1]):
			}
		}

		status, fatal, retryable := c.attempt(ctx, payload, events)
		if fatal {
			return // terminal event already sent
		}
		if !retryable {
			return // success path already sent Done
		}
		lastErr = fmt.Errorf("transient status %d", status)
		log.Warn().Int("attempt", attempt+1).Err(lastErr).Msg("sse stream retrying")
	}

	trySend(ctx, events, StreamEvent{Type: EventError, ErrKind: string(errs.Transport), ErrMessage: fmt.Sprintf("exhausted retries: %v", lastErr)})
}

func doneOnCancel() StreamEvent {
	return StreamEvent{Type: EventDone, FinishReason: "cancelled"}
}

// attempt performs one HTTP request + SSE parse. Returns the HTTP status (0
// if the request itself failed), whether the outcome is fatal (terminal
// event already emitted, caller must stop), and whether it's retryable.
func (c *Client) attempt(ctx context.Context, payload []byte, events chan<- StreamEvent) (status int, fatal, retryable bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(payload))
	if err != nil {
		trySend(ctx, events, StreamEvent{Type: EventError, ErrKind: string(errs.Transport), ErrMessage: err.Error()})
		return 0, true, false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Reasoning-Split", "true")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			trySend(ctx, events, doneOnCancel())
			return 0, true, false
		}
		return 0, false, true
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if isTransientStatus(resp.StatusCode) {
			return resp.StatusCode, false, true
		}
		trySend(ctx, events, StreamEvent{
			Type:       EventError,
			ErrKind:    string(errs.Transport),
			ErrMessage: fmt.Sprintf("non-success status %d", resp.StatusCode),
		})
		return resp.StatusCode, true, false
	}

	state := newStreamState()
	parseErr := parseSSEStream(ctx, resp.Body, events, state)
	if parseErr != nil {
		if ctx.Err() != nil {
			trySend(ctx, events, finalizeDone(state, "cancelled"))
			return resp.StatusCode, true, false
		}
		trySend(ctx, events, StreamEvent{Type: EventError, ErrKind: string(errs.Transport), ErrMessage: parseErr.Error()})
		return resp.StatusCode, true, false
	}

	if state.chunkCount == 0 && state.contentEmpty() && len(state.toolCalls) == 0 {
		trySend(ctx, events, StreamEvent{Type: EventError, ErrKind: string(errs.EmptyResponse), ErrMessage: "no chunks, content, or tool calls"})
	}
	trySend(ctx, events, finalizeDone(state, state.finishReason))
	return resp.StatusCode, true, false
}

func isTransientStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// streamState is SC's running accumulator across one attempt.
type streamState struct {
	chunkCount          int
	contentLen          int
	toolCalls           map[int]*ToolCallSnapshot
	usage               *Usage
	finishReason        string
	reasoningDetailsRaw []json.RawMessage // opaque blobs, echoed back verbatim next turn
}

func newStreamState() *streamState {
	return &streamState{toolCalls: make(map[int]*ToolCallSnapshot)}
}

func (s *streamState) contentEmpty() bool { return s.contentLen == 0 }

func finalizeDone(s *streamState, finishReason string) StreamEvent {
	ev := StreamEvent{Type: EventDone, Usage: s.usage, FinishReason: finishReason}
	if len(s.reasoningDetailsRaw) > 0 {
		if blob, err := json.Marshal(s.reasoningDetailsRaw); err == nil {
			ev.ReasoningDetails = blob
		}
	}
	return ev
}

// parseSSEStream reads "data: " lines from r, decodes each JSON chunk, and
// emits the corresponding StreamEvents.
func parseSSEStream(ctx context.Context, r io.Reader, events chan<- StreamEvent, state *streamState) error {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxSSELineBuffer)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return nil
		}

		state.chunkCount++
		var chunk sseChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			log.Warn().Err(err).Msg("malformed sse chunk, skipping")
			continue
		}

		if chunk.Error != nil {
			trySend(ctx, events, StreamEvent{Type: EventError, ErrKind: string(errs.Transport), ErrMessage: chunk.Error.Message})
			return nil
		}
		if chunk.Usage != nil {
			state.usage = &Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
				TotalTokens:  chunk.Usage.TotalTokens,
			}
			trySend(ctx, events, StreamEvent{Type: EventUsage, Usage: state.usage})
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			state.finishReason = choice.FinishReason
		}
		emitDelta(ctx, events, state, choice.Delta)
	}
	return scanner.Err()
}

func emitDelta(ctx context.Context, events chan<- StreamEvent, state *streamState, d sseDelta) {
	if d.Content != "" {
		state.contentLen += len(d.Content)
		trySend(ctx, events, StreamEvent{Type: EventContentDelta, Text: d.Content})
	}
	if d.ReasoningContent != "" {
		trySend(ctx, events, StreamEvent{Type: EventReasoningDelta, Text: d.ReasoningContent})
	}
	for _, rd := range d.ReasoningDetails {
		state.reasoningDetailsRaw = append(state.reasoningDetailsRaw, rd)
		var parsed reasoningDetailText
		if err := json.Unmarshal(rd, &parsed); err == nil && parsed.Text != "" {
			trySend(ctx, events, StreamEvent{Type: EventReasoningDelta, Text: parsed.Text})
		}
	}
	for _, tc := range d.ToolCalls {
		snap, ok := state.toolCalls[tc.Index]
		if !ok {
			snap = &ToolCallSnapshot{Index: tc.Index}
			state.toolCalls[tc.Index] = snap
		}
		if tc.ID != "" {
			snap.ID = tc.ID
		}
		if tc.Function.Name != "" {
			snap.Name = tc.Function.Name
		}
		snap.Arguments += tc.Function.Arguments
		cp := *snap
		trySend(ctx, events, StreamEvent{Type: EventToolCallDelta, ToolCall: &cp})
	}
}

// trySend sends ev, or drops it once ctx is done. A Done event is always
// delivered, so a cancelled stream still reports its finish reason; the
// consumer drains the channel until it is closed.
func trySend(ctx context.Context, events chan<- StreamEvent, ev StreamEvent) {
	if ev.Type == EventDone {
		events <- ev
		return
	}
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}
