// Package engine implements the Conversation Loop (CL, §4.5): the
// orchestration of Streaming Client, Incremental Parser, and Tool Executor
// across one or more rounds per user turn, plus the token-budget and
// cancellation policy of §4.5.1/§5.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ace-cli/ace/internal/delta"
	"github.com/ace-cli/ace/internal/eventbus"
	"github.com/ace-cli/ace/internal/history"
	"github.com/ace-cli/ace/internal/parser"
	"github.com/ace-cli/ace/internal/provider"
	"github.com/ace-cli/ace/internal/tools"
)

// Token-budget thresholds, §4.5.1.
const (
	softTokenWarning = 180_000
	hardTokenCap     = 200_000
)

// defaultMaxToolRounds bounds a single turn's tool-calling rounds so an
// adversarial or looping model can't run forever; not named numerically by
// the spec, but §4.5's "loop until ... a terminal condition fires" implies
// one is needed.
const defaultMaxToolRounds = 60

// truncationNoticePrefix and emptyResponseNotice are the exact transcript
// notices §4.5.g / §7 (Truncated, EmptyResponse rows) require.
const truncationNoticePrefix = "[Notice: model output was truncated before it could be parsed. First bytes of raw output below.]\n\n"

func emptyResponseNotice(finishReason string) string {
	if finishReason == "" {
		finishReason = "unknown"
	}
	return fmt.Sprintf("[Notice: empty response from model (finish_reason=%s).]", finishReason)
}

// Loop implements CL. One Loop instance drives exactly one session at a
// time; starting a fresh session (token-budget overflow) replaces Session
// and History wholesale.
type Loop struct {
	Provider provider.Provider
	Registry *tools.Registry
	Executor *tools.Executor
	Store    *history.Store
	Bus      *eventbus.Bus
	Delta    *delta.Tracker

	Mode    tools.Mode
	WorkDir string
	Model   string

	MaxToolRounds int

	Session      *history.Session
	History      []history.Message
	totalTokens  int
}

// New builds a Loop bound to an already-created or loaded session. tracker
// may be nil, in which case no session/turn is set on it and
// write_file/edit_file calls record no file_deltas rows.
func New(prov provider.Provider, reg *tools.Registry, exec *tools.Executor, store *history.Store, bus *eventbus.Bus, tracker *delta.Tracker, mode tools.Mode, workDir, model string, sess *history.Session, hist []history.Message) *Loop {
	return &Loop{
		Provider:      prov,
		Registry:      reg,
		Executor:      exec,
		Store:         store,
		Bus:           bus,
		Delta:         tracker,
		Mode:          mode,
		WorkDir:       workDir,
		Model:         model,
		MaxToolRounds: defaultMaxToolRounds,
		Session:       sess,
		History:       hist,
	}
}

// ProcessTurn runs §4.5's per-user-turn state machine to completion: append
// the user message, then repeat SC→IP→TE rounds until the assistant message
// carries no tool-calls or a terminal condition fires.
func (l *Loop) ProcessTurn(ctx context.Context, userText string) error {
	userMsg := history.Message{
		SessionID: l.Session.ID,
		Role:      provider.RoleUser,
		Content:   userText,
		CreatedAt: time.Now(),
	}
	if _, err := l.appendToHistory(userMsg); err != nil {
		return fmt.Errorf("append user message: %w", err)
	}

	for round := 0; round < l.MaxToolRounds; round++ {
		done, err := l.runRound(ctx)
		if err != nil {
			return err
		}
		if done {
			return l.checkBudget()
		}
	}

	return l.forcedSummaryRound(ctx)
}

// runRound executes one SC→IP round and, if the finalized assistant
// message carries tool-calls (and the round ended cleanly), runs TE on
// each in order. It returns done=true when the turn is over: either the
// assistant had no tool-calls, or the round ended in error/cancellation.
func (l *Loop) runRound(ctx context.Context) (done bool, err error) {
	systemMsg := provider.Message{Role: provider.RoleSystem, Content: BuildSystemPrompt(l.Mode, l.WorkDir)}
	reqHistory := append([]provider.Message{systemMsg}, history.ToProviderMessages(l.History)...)
	schemas := l.Registry.Schemas(l.Mode)

	l.Bus.Publish(eventbus.Event{Kind: eventbus.StreamStart})
	stream, err := l.Provider.ChatStream(ctx, l.Model, reqHistory, schemas)
	if err != nil {
		return true, fmt.Errorf("start stream: %w", err)
	}

	acc := l.consumeStream(stream)

	ts := time.Now().UnixNano()
	ip := parser.Parse(acc.content, acc.reasoning, ts)

	finalCalls := acc.toolCalls
	if len(finalCalls) == 0 {
		finalCalls = ip.ToolCalls
	}

	cancelled := acc.finishReason == "cancelled"
	if cancelled {
		// §4.1/§4.2: a cancelled stream must not surface a tool-call whose
		// arguments never closed as if it had finished arriving.
		finalCalls = validToolCalls(finalCalls)
	}

	content := ip.Content
	switch {
	case acc.errKind != "":
		content = "[Error: " + acc.errMessage + "]"
	case content == "" && len(finalCalls) == 0 && acc.content != "":
		content = truncationNoticePrefix + firstBytes(acc.content, 500)
	case content == "" && len(finalCalls) == 0 && acc.content == "":
		content = emptyResponseNotice(acc.finishReason)
	}

	assistantMsg := history.Message{
		SessionID:        l.Session.ID,
		Role:             provider.RoleAssistant,
		Content:          content,
		Reasoning:        ip.Reasoning,
		ReasoningDetails: acc.reasoningDetails,
		ToolCalls:        finalCalls,
		CreatedAt:        time.Now(),
	}
	id, appendErr := l.appendToHistory(assistantMsg)
	if appendErr != nil {
		return true, fmt.Errorf("persist assistant message: %w", appendErr)
	}
	l.Bus.Publish(eventbus.Event{Kind: eventbus.AssistantFinalized, MessageID: id})

	terminated := acc.errKind != "" || cancelled
	if terminated {
		if len(finalCalls) > 0 {
			l.synthesizeFailedResults(finalCalls, cancelled)
		}
		return true, nil
	}

	if len(finalCalls) == 0 {
		l.Bus.Publish(eventbus.Event{Kind: eventbus.TurnDone})
		return true, nil
	}

	l.executeToolCalls(ctx, id, finalCalls)
	return false, nil
}

// validToolCalls drops any call whose accumulated arguments are not yet
// valid, closed JSON.
func validToolCalls(calls []provider.ToolCall) []provider.ToolCall {
	out := make([]provider.ToolCall, 0, len(calls))
	for _, tc := range calls {
		if json.Valid([]byte(tc.Arguments)) {
			out = append(out, tc)
		}
	}
	return out
}

// synthesizeFailedResults preserves §3 invariant 3 (every ToolCall is
// eventually followed by a ToolResult) when a round ends in error or
// cancellation before TE ever ran — per §7's recovery policy, these are
// synthesized as failed rather than left dangling.
func (l *Loop) synthesizeFailedResults(calls []provider.ToolCall, cancelled bool) {
	text := "Error: tool not executed — the model stream ended with an error before this call ran."
	if cancelled {
		text = "Error: tool not executed — the turn was cancelled before this call ran."
	}
	for _, tc := range calls {
		l.Bus.Publish(eventbus.Event{Kind: eventbus.ToolStart, CallID: tc.ID, Name: tc.Name})
		l.Bus.Publish(eventbus.Event{Kind: eventbus.ToolEnd, CallID: tc.ID, Status: "error"})
		msg := history.Message{
			SessionID:  l.Session.ID,
			Role:       provider.RoleTool,
			Content:    text,
			ToolCallID: tc.ID,
			Name:       tc.Name,
			CreatedAt:  time.Now(),
		}
		if _, err := l.appendToHistory(msg); err != nil {
			log.Error().Err(err).Msg("failed to persist synthesized tool result")
		}
	}
}

// executeToolCalls runs TE on each finalized tool-call strictly
// sequentially in original order, per §4.4/§5 ordering guarantee 1.
// turnID anchors any file_deltas rows write_file/edit_file record during
// this round to the assistant message that requested them.
func (l *Loop) executeToolCalls(ctx context.Context, turnID int64, calls []provider.ToolCall) {
	if l.Delta != nil {
		l.Delta.SetSession(l.Session.ID)
		l.Delta.BeginTurn(turnID)
	}
	for _, tc := range calls {
		l.Bus.Publish(eventbus.Event{Kind: eventbus.ToolStart, CallID: tc.ID, Name: tc.Name})
		result := l.Executor.Execute(ctx, tc.Name, tc.Arguments, l.Mode)
		status := "done"
		if result.IsError {
			status = "error"
		}
		l.Bus.Publish(eventbus.Event{Kind: eventbus.ToolEnd, CallID: tc.ID, Status: status, Preview: result.Meta})

		msg := history.Message{
			SessionID:  l.Session.ID,
			Role:       provider.RoleTool,
			Content:    result.Text,
			ToolCallID: tc.ID,
			Name:       tc.Name,
			CreatedAt:  time.Now(),
		}
		if _, err := l.appendToHistory(msg); err != nil {
			log.Error().Err(err).Msg("failed to persist tool result")
		}
	}
}

// appendToHistory persists msg to HS and mirrors it into the in-memory
// History slice, per §4.6's "on every append" contract.
func (l *Loop) appendToHistory(msg history.Message) (int64, error) {
	id, err := l.Store.AppendMessage(msg)
	if err != nil {
		return 0, err
	}
	msg.ID = id
	l.History = append(l.History, msg)
	return id, nil
}

// roundAccumulator is CL's view of one round's StreamState after draining
// the SC event channel: concatenated buffers, the SC-provided tool-call
// map (precedence over IP's XML fallback per §4.2), and terminal state.
type roundAccumulator struct {
	content          string
	reasoning        string
	reasoningDetails []byte
	toolCalls        []provider.ToolCall
	usage            *provider.Usage
	finishReason     string
	errKind          string
	errMessage       string
}

// consumeStream drains one SC event channel to completion, publishing EB
// events as they arrive (§5 ordering guarantee 2: EB events in SC order
// for streaming events).
func (l *Loop) consumeStream(stream <-chan provider.StreamEvent) roundAccumulator {
	var acc roundAccumulator
	toolOrder := make([]int, 0, 4)
	toolByIndex := make(map[int]*provider.ToolCall)

	for ev := range stream {
		switch ev.Type {
		case provider.EventReasoningDelta:
			acc.reasoning += ev.Text
			l.Bus.Publish(eventbus.Event{Kind: eventbus.ReasoningDelta, Text: ev.Text})
		case provider.EventContentDelta:
			acc.content += ev.Text
			l.Bus.Publish(eventbus.Event{Kind: eventbus.ContentDelta, Text: ev.Text})
		case provider.EventToolCallDelta:
			if ev.ToolCall == nil {
				continue
			}
			idx := ev.ToolCall.Index
			tc, ok := toolByIndex[idx]
			if !ok {
				tc = &provider.ToolCall{}
				toolByIndex[idx] = tc
				toolOrder = append(toolOrder, idx)
			}
			if ev.ToolCall.ID != "" {
				tc.ID = ev.ToolCall.ID
			}
			if ev.ToolCall.Name != "" {
				tc.Name = ev.ToolCall.Name
			}
			tc.Arguments = ev.ToolCall.Arguments
			l.Bus.Publish(eventbus.Event{Kind: eventbus.ToolCallSnapshot, CallID: tc.ID, Name: tc.Name, Args: tc.Arguments})
		case provider.EventUsage:
			if ev.Usage != nil {
				acc.usage = ev.Usage
				l.Bus.Publish(eventbus.Event{Kind: eventbus.TokenUsage, TotalTokens: ev.Usage.TotalTokens})
			}
		case provider.EventError:
			acc.errKind = ev.ErrKind
			acc.errMessage = ev.ErrMessage
			l.Bus.Publish(eventbus.Event{Kind: eventbus.Error, Text: ev.ErrMessage})
		case provider.EventDone:
			acc.finishReason = ev.FinishReason
			if ev.Usage != nil {
				acc.usage = ev.Usage
			}
			if len(ev.ReasoningDetails) > 0 {
				acc.reasoningDetails = ev.ReasoningDetails
			}
		}
	}

	for _, idx := range toolOrder {
		tc := toolByIndex[idx]
		if tc.ID == "" {
			tc.ID = fmt.Sprintf("tc_%d", idx)
		}
		acc.toolCalls = append(acc.toolCalls, *tc)
	}

	if acc.usage != nil {
		l.totalTokens = acc.usage.TotalTokens
	}
	return acc
}

// checkBudget implements §4.5.1: soft warning at 180,000, hard cap at
// 200,000 closes the current session and starts a fresh one before the
// next user input is accepted.
func (l *Loop) checkBudget() error {
	if l.totalTokens >= hardTokenCap {
		l.Bus.Publish(eventbus.Event{Kind: eventbus.SystemNotice, Text: fmt.Sprintf(
			"Token budget exceeded (%d >= %d). Starting a new session.", l.totalTokens, hardTokenCap)})
		return l.startFreshSession()
	}
	if l.totalTokens >= softTokenWarning {
		l.Bus.Publish(eventbus.Event{Kind: eventbus.SystemNotice, Text: fmt.Sprintf(
			"Approaching token budget (%d/%d).", l.totalTokens, hardTokenCap)})
	}
	return nil
}

// startFreshSession replaces Session and History with a brand-new,
// empty session; the old session's full history remains in HS untouched
// (§9 Open Question: compaction is out of scope, a fresh session is all
// that's specified).
func (l *Loop) startFreshSession() error {
	sess, err := l.Store.CreateSession(l.Model)
	if err != nil {
		return fmt.Errorf("start fresh session: %w", err)
	}
	l.Session = sess
	l.History = nil
	l.totalTokens = 0
	return nil
}

// forcedSummaryRound runs one final tool-free round when MaxToolRounds is
// exhausted, so the turn still ends with a text-only assistant message
// rather than running forever.
func (l *Loop) forcedSummaryRound(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	notice := history.Message{
		SessionID: l.Session.ID,
		Role:      provider.RoleUser,
		Content:   "You have exhausted your tool call limit for this turn. Respond in text only, summarizing what you accomplished and what remains.",
		CreatedAt: time.Now(),
	}
	if _, err := l.appendToHistory(notice); err != nil {
		return fmt.Errorf("append round-limit notice: %w", err)
	}

	systemMsg := provider.Message{Role: provider.RoleSystem, Content: BuildSystemPrompt(l.Mode, l.WorkDir)}
	reqHistory := append([]provider.Message{systemMsg}, history.ToProviderMessages(l.History)...)

	l.Bus.Publish(eventbus.Event{Kind: eventbus.StreamStart})
	stream, err := l.Provider.ChatStream(ctx, l.Model, reqHistory, nil)
	if err != nil {
		return fmt.Errorf("final summary stream: %w", err)
	}
	acc := l.consumeStream(stream)
	ts := time.Now().UnixNano()
	ip := parser.Parse(acc.content, acc.reasoning, ts)

	content := ip.Content
	if acc.errKind != "" {
		content = "[Error: " + acc.errMessage + "]"
	} else if content == "" {
		content = emptyResponseNotice(acc.finishReason)
	}

	final := history.Message{
		SessionID: l.Session.ID,
		Role:      provider.RoleAssistant,
		Content:   content,
		Reasoning: ip.Reasoning,
		CreatedAt: time.Now(),
	}
	id, err := l.appendToHistory(final)
	if err != nil {
		return fmt.Errorf("persist final summary: %w", err)
	}
	l.Bus.Publish(eventbus.Event{Kind: eventbus.AssistantFinalized, MessageID: id})
	l.Bus.Publish(eventbus.Event{Kind: eventbus.TurnDone})
	return l.checkBudget()
}

// firstBytes returns at most n bytes of s without splitting a UTF-8
// sequence mid-rune.
func firstBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	b := []byte(s[:n])
	for len(b) > 0 && (b[len(b)-1]&0xC0) == 0x80 {
		b = b[:len(b)-1]
	}
	return string(b)
}
