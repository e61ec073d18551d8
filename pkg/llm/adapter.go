package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxpipe/voxpipe/pkg/history"
	"github.com/voxpipe/voxpipe/pkg/sts"
)

// deltaYield is the cooperative pause after each processed provider delta so
// one busy turn cannot starve other sessions sharing the scheduler.
const deltaYield = time.Millisecond

// ToolFunc executes a registered tool. args is the raw JSON argument string
// accumulated during streaming. The returned value is serialized as the
// tool-result record; an error is serialized instead so the model can
// recover.
type ToolFunc func(ctx context.Context, args json.RawMessage) (any, error)

// RequestFilter rewrites user input before it reaches the model.
type RequestFilter func(text string) string

// Adapter turns a [Provider]'s raw delta stream into an ordered stream of
// [sts.LLMResponse] records: display text and spoken text segmented at
// sentence boundaries, plus transparent tool-call markers. After a stream
// ends with pending tool calls, the adapter executes them and re-opens the
// stream with the extended message list until the model answers with plain
// content.
//
// An Adapter is safe for concurrent use; per-turn state lives on the stack
// of each ChatStream call.
type Adapter struct {
	provider Provider
	history  history.Store

	// mu guards the hot-reloadable fields below.
	mu           sync.RWMutex
	systemPrompt string
	temperature  float64

	splitChars           []string
	optionSplitChars     []string
	optionSplitThreshold int
	voiceTextTag         string
	contextSchema        string

	requestFilter     RequestFilter
	onBeforeToolCalls func(ctx context.Context, calls []sts.ToolCall) error

	tools     []ToolDefinition
	toolFuncs map[string]ToolFunc

	logger *slog.Logger
}

// Option is a functional option for [NewAdapter].
type Option func(*Adapter)

// WithHistory sets the conversation-history store. Default is an in-memory
// store with the standard context timeout.
func WithHistory(s history.Store) Option {
	return func(a *Adapter) { a.history = s }
}

// WithSystemPrompt sets the system prompt injected ahead of every turn.
func WithSystemPrompt(p string) Option {
	return func(a *Adapter) { a.systemPrompt = p }
}

// WithTemperature sets the sampling temperature passed to the provider.
func WithTemperature(t float64) Option {
	return func(a *Adapter) { a.temperature = t }
}

// WithSplitChars overrides the hard sentence terminators.
func WithSplitChars(chars []string) Option {
	return func(a *Adapter) { a.splitChars = chars }
}

// WithOptionSplitChars overrides the soft terminators used once the buffer
// exceeds the option split threshold.
func WithOptionSplitChars(chars []string, threshold int) Option {
	return func(a *Adapter) {
		a.optionSplitChars = chars
		a.optionSplitThreshold = threshold
	}
}

// WithVoiceTextTag enables tagged voice-text mode: only content between
// <tag> and </tag> is spoken. The default (untagged) mode speaks every
// segment after control-tag stripping.
func WithVoiceTextTag(tag string) Option {
	return func(a *Adapter) { a.voiceTextTag = tag }
}

// WithRequestFilter installs a rewrite applied to user input before the
// model sees it. Default is identity.
func WithRequestFilter(f RequestFilter) Option {
	return func(a *Adapter) { a.requestFilter = f }
}

// WithOnBeforeToolCalls installs a hook awaited before any collected tool
// calls are executed (e.g. to tell the user this may take a while).
func WithOnBeforeToolCalls(f func(ctx context.Context, calls []sts.ToolCall) error) Option {
	return func(a *Adapter) { a.onBeforeToolCalls = f }
}

// WithContextSchema tags persisted history records with a schema label.
func WithContextSchema(schema string) Option {
	return func(a *Adapter) { a.contextSchema = schema }
}

// NewAdapter creates an Adapter over the given provider.
func NewAdapter(provider Provider, opts ...Option) *Adapter {
	a := &Adapter{
		provider:             provider,
		history:              history.NewMemoryStore(),
		splitChars:           DefaultSplitChars,
		optionSplitChars:     DefaultOptionSplitChars,
		optionSplitThreshold: DefaultOptionSplitThreshold,
		requestFilter:        func(text string) string { return text },
		contextSchema:        "chat-v1",
		logger:               slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Name returns the underlying provider's name for metrics attribution.
func (a *Adapter) Name() string {
	return a.provider.Name()
}

// SetSystemPrompt replaces the system prompt. Takes effect on the next turn.
func (a *Adapter) SetSystemPrompt(p string) {
	a.mu.Lock()
	a.systemPrompt = p
	a.mu.Unlock()
}

// SetTemperature replaces the sampling temperature. Takes effect on the next
// turn.
func (a *Adapter) SetTemperature(t float64) {
	a.mu.Lock()
	a.temperature = t
	a.mu.Unlock()
}

// RegisterTool offers a tool to the model and binds its executor. params is
// the JSON Schema for the tool's arguments.
func (a *Adapter) RegisterTool(name, description string, params map[string]any, fn ToolFunc) {
	a.tools = append(a.tools, ToolDefinition{Name: name, Description: description, Parameters: params})
	if a.toolFuncs == nil {
		a.toolFuncs = make(map[string]ToolFunc)
	}
	a.toolFuncs[name] = fn
}

// ChatStream runs one turn against the model and returns the ordered
// response stream. The channel is closed when the turn completes, aborts,
// or ctx is cancelled.
//
// Consumers observe: zero or more text/voice segments in model-emission
// order, possibly followed by tool-call markers, possibly followed by
// further segments from the continuation after tool execution.
func (a *Adapter) ChatStream(ctx context.Context, contextID, text string, files []sts.File, promptParams map[string]string) (<-chan sts.LLMResponse, error) {
	text = a.requestFilter(text)

	messages, err := a.composeMessages(ctx, contextID, text, files)
	if err != nil {
		return nil, fmt.Errorf("llm: compose messages: %w", err)
	}
	// Everything from the user message onward is persisted after the turn.
	newFrom := len(messages) - 1

	out := make(chan sts.LLMResponse, 16)
	go a.run(ctx, contextID, messages, newFrom, promptParams, out)
	return out, nil
}

// run drives the provider-stream loop for one turn and closes out at the
// end. Tool-call continuation is expressed iteratively: when a stream ends
// with collected tool calls, the calls are executed, their records appended,
// and the stream re-opened in the same loop.
func (a *Adapter) run(ctx context.Context, contextID string, messages []Message, newFrom int, promptParams map[string]string, out chan<- sts.LLMResponse) {
	defer close(out)

	seg := newSegmenter(a.splitChars, a.optionSplitChars, a.optionSplitThreshold)
	vf := newVoiceFilter(a.voiceTextTag)
	var responseText strings.Builder

	emitSegment := func(segment string) bool {
		if segment == "" {
			return true
		}
		responseText.WriteString(segment)
		resp := sts.LLMResponse{
			ContextID: contextID,
			Text:      segment,
			VoiceText: vf.Apply(segment),
		}
		select {
		case out <- resp:
			return true
		case <-ctx.Done():
			return false
		}
	}

	systemPrompt := a.renderSystemPrompt(promptParams)
	a.mu.RLock()
	temperature := a.temperature
	a.mu.RUnlock()

	for {
		stream, err := a.provider.StreamCompletion(ctx, Request{
			SystemPrompt: systemPrompt,
			Messages:     messages,
			Tools:        a.tools,
			Temperature:  temperature,
		})
		if err != nil {
			a.logger.Error("llm stream failed to start", "context_id", contextID, "err", err)
			return
		}

		var pending []sts.ToolCall
		aborted := false
		for chunk := range stream {
			if chunk.Err != nil {
				a.logger.Error("llm stream error", "context_id", contextID,
					"err", fmt.Errorf("%w: %v", sts.ErrLLMStream, chunk.Err))
				aborted = true
				break
			}
			if chunk.ToolCall != nil {
				pending = appendToolCallDelta(pending, chunk.ToolCall)
			}
			if chunk.Text != "" {
				for _, sentence := range seg.Push(chunk.Text) {
					if !emitSegment(sentence) {
						return
					}
				}
			}
			time.Sleep(deltaYield)
		}
		if aborted || ctx.Err() != nil {
			// Mid-stream failure or cancellation: no residue flush, no
			// history write.
			return
		}

		if len(pending) == 0 {
			if !emitSegment(seg.Flush()) {
				return
			}
			messages = append(messages, Message{Role: "assistant", Content: responseText.String()})
			a.persist(contextID, messages[newFrom:])
			return
		}

		messages = a.handleToolCalls(ctx, contextID, messages, pending, out)
		if messages == nil {
			return
		}
	}
}

// handleToolCalls surfaces the collected calls to the consumer, awaits the
// before-hook, executes each tool, and appends the assistant/tool records so
// the loop can re-open the stream. Returns nil when the turn was cancelled.
func (a *Adapter) handleToolCalls(ctx context.Context, contextID string, messages []Message, calls []sts.ToolCall, out chan<- sts.LLMResponse) []Message {
	for i := range calls {
		tc := calls[i]
		select {
		case out <- sts.LLMResponse{ContextID: contextID, ToolCall: &tc}:
		case <-ctx.Done():
			return nil
		}
	}

	if a.onBeforeToolCalls != nil {
		if err := a.onBeforeToolCalls(ctx, calls); err != nil {
			a.logger.Error("on_before_tool_calls hook failed", "context_id", contextID, "err", err)
		}
	}

	messages = append(messages, Message{Role: "assistant", ToolCalls: calls})

	for _, tc := range calls {
		result := a.executeTool(ctx, tc)
		messages = append(messages, Message{
			Role:       "tool",
			Content:    result,
			ToolCallID: tc.ID,
			Name:       tc.Name,
		})
	}
	return messages
}

// executeTool runs one tool and returns the serialized result. Failures are
// serialized as an error record so streaming can continue and the model can
// recover.
func (a *Adapter) executeTool(ctx context.Context, tc sts.ToolCall) string {
	fn, ok := a.toolFuncs[tc.Name]
	if !ok {
		a.logger.Warn("model requested unregistered tool", "tool", tc.Name)
		return fmt.Sprintf(`{"error":%q}`, "unknown tool: "+tc.Name)
	}

	result, err := fn(ctx, json.RawMessage(tc.Arguments))
	if err != nil {
		a.logger.Error("tool execution failed", "tool", tc.Name,
			"err", fmt.Errorf("%w: %v", sts.ErrToolExecution, err))
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, "unserializable tool result: "+err.Error())
	}
	return string(data)
}

// composeMessages rehydrates the context and appends the new user message.
// Leading non-user records are dropped so the history never opens with a
// dangling assistant or tool message.
func (a *Adapter) composeMessages(ctx context.Context, contextID, text string, files []sts.File) ([]Message, error) {
	records, err := a.history.GetHistories(ctx, contextID, history.DefaultLimit)
	if err != nil {
		a.logger.Error("history fetch failed, starting fresh", "context_id", contextID, "err", err)
		records = nil
	}
	for len(records) > 0 && records[0].Role != "user" {
		records = records[1:]
	}

	messages := make([]Message, 0, len(records)+1)
	for _, r := range records {
		var m Message
		if err := json.Unmarshal(r.Data, &m); err != nil {
			a.logger.Warn("skipping undecodable history record", "context_id", contextID, "err", err)
			continue
		}
		messages = append(messages, m)
	}

	messages = append(messages, Message{Role: "user", Content: text, Files: files})
	return messages, nil
}

// persist appends the turn's new records (user message, tool interleavings,
// final assistant reply) to the history store. Failures are logged; the
// turn's responses were already delivered.
func (a *Adapter) persist(contextID string, newMessages []Message) {
	records := make([]history.Record, 0, len(newMessages))
	now := time.Now().UTC()
	for _, m := range newMessages {
		data, err := json.Marshal(m)
		if err != nil {
			a.logger.Error("history record marshal failed", "context_id", contextID, "err", err)
			continue
		}
		records = append(records, history.Record{CreatedAt: now, Role: m.Role, Data: data})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.history.AddHistories(ctx, contextID, records, a.contextSchema); err != nil {
		a.logger.Error("history write failed", "context_id", contextID, "err", err)
	}
}

// renderSystemPrompt substitutes {{key}} placeholders in the system prompt.
func (a *Adapter) renderSystemPrompt(params map[string]string) string {
	a.mu.RLock()
	prompt := a.systemPrompt
	a.mu.RUnlock()
	for k, v := range params {
		prompt = strings.ReplaceAll(prompt, "{{"+k+"}}", v)
	}
	return prompt
}

// appendToolCallDelta merges one streamed fragment into the collected call
// list: a fragment with an ID or name opens a new call, an arguments-only
// fragment extends the most recent one.
func appendToolCallDelta(calls []sts.ToolCall, d *ToolCallDelta) []sts.ToolCall {
	if d.ID != "" || d.Name != "" {
		return append(calls, sts.ToolCall{ID: d.ID, Name: d.Name, Arguments: d.Arguments})
	}
	if len(calls) == 0 {
		// Arguments fragment with no open call; provider bug, drop it.
		return calls
	}
	calls[len(calls)-1].Arguments += d.Arguments
	return calls
}
