package llm_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/voxpipe/voxpipe/pkg/history"
	"github.com/voxpipe/voxpipe/pkg/llm"
	"github.com/voxpipe/voxpipe/pkg/llm/mock"
	"github.com/voxpipe/voxpipe/pkg/sts"
)

// drain collects every response from stream, failing the test if the channel
// does not close within the deadline.
func drain(t *testing.T, stream <-chan sts.LLMResponse) []sts.LLMResponse {
	t.Helper()
	var out []sts.LLMResponse
	timeout := time.After(5 * time.Second)
	for {
		select {
		case resp, ok := <-stream:
			if !ok {
				return out
			}
			out = append(out, resp)
		case <-timeout:
			t.Fatal("response stream did not close")
		}
	}
}

func finish(reason string) llm.Chunk { return llm.Chunk{FinishReason: reason} }

func TestChatStreamSegmentsAndPersists(t *testing.T) {
	store := history.NewMemoryStore()
	p := &mock.Provider{
		Scripts: [][]llm.Chunk{{
			{Text: "こんにちは。"},
			{Text: "今日は"},
			{Text: "いい天気ですね。"},
			finish("stop"),
		}},
	}
	a := llm.NewAdapter(p, llm.WithHistory(store))

	stream, err := a.ChatStream(context.Background(), "ctx1", "やあ", nil, nil)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	got := drain(t, stream)

	wantText := []string{"こんにちは。", "今日はいい天気ですね。"}
	if len(got) != len(wantText) {
		t.Fatalf("got %d responses, want %d: %+v", len(got), len(wantText), got)
	}
	for i, resp := range got {
		if resp.Text != wantText[i] {
			t.Errorf("response %d Text = %q, want %q", i, resp.Text, wantText[i])
		}
		if resp.VoiceText != wantText[i] {
			t.Errorf("response %d VoiceText = %q, want %q", i, resp.VoiceText, wantText[i])
		}
		if resp.ContextID != "ctx1" {
			t.Errorf("response %d ContextID = %q", i, resp.ContextID)
		}
	}

	recs, err := store.GetHistories(context.Background(), "ctx1", 0)
	if err != nil {
		t.Fatalf("GetHistories: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("persisted %d records, want 2", len(recs))
	}
	if recs[0].Role != "user" || recs[1].Role != "assistant" {
		t.Errorf("persisted roles = %q, %q", recs[0].Role, recs[1].Role)
	}
	var assistant llm.Message
	if err := json.Unmarshal(recs[1].Data, &assistant); err != nil {
		t.Fatalf("unmarshal assistant record: %v", err)
	}
	if assistant.Content != "こんにちは。今日はいい天気ですね。" {
		t.Errorf("assistant content = %q", assistant.Content)
	}
}

func TestChatStreamToolRoundTrip(t *testing.T) {
	store := history.NewMemoryStore()
	p := &mock.Provider{
		Scripts: [][]llm.Chunk{
			{
				{ToolCall: &llm.ToolCallDelta{ID: "call_1", Name: "get_weather"}},
				{ToolCall: &llm.ToolCallDelta{Arguments: `{"city":`}},
				{ToolCall: &llm.ToolCallDelta{Arguments: `"Tokyo"}`}},
				finish("tool_calls"),
			},
			{
				{Text: "晴れです。"},
				finish("stop"),
			},
		},
	}
	a := llm.NewAdapter(p, llm.WithHistory(store))

	var gotArgs string
	a.RegisterTool("get_weather", "Current weather", map[string]any{"type": "object"},
		func(_ context.Context, args json.RawMessage) (any, error) {
			gotArgs = string(args)
			return map[string]string{"weather": "sunny"}, nil
		})

	stream, err := a.ChatStream(context.Background(), "ctx1", "東京の天気は？", nil, nil)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	got := drain(t, stream)

	if len(got) != 2 {
		t.Fatalf("got %d responses, want 2: %+v", len(got), got)
	}
	if got[0].ToolCall == nil {
		t.Fatal("first response is not a tool-call marker")
	}
	if got[0].ToolCall.Name != "get_weather" || got[0].ToolCall.Arguments != `{"city":"Tokyo"}` {
		t.Errorf("tool call = %+v", got[0].ToolCall)
	}
	if got[1].Text != "晴れです。" {
		t.Errorf("continuation text = %q", got[1].Text)
	}

	if gotArgs != `{"city":"Tokyo"}` {
		t.Errorf("tool received args %q", gotArgs)
	}

	// The continuation request must carry the assistant tool-call record and
	// the serialized tool result.
	if len(p.StreamCalls) != 2 {
		t.Fatalf("provider called %d times, want 2", len(p.StreamCalls))
	}
	msgs := p.StreamCalls[1].Req.Messages
	if len(msgs) < 3 {
		t.Fatalf("continuation has %d messages", len(msgs))
	}
	asst := msgs[len(msgs)-2]
	tool := msgs[len(msgs)-1]
	if asst.Role != "assistant" || len(asst.ToolCalls) != 1 {
		t.Errorf("assistant record = %+v", asst)
	}
	if tool.Role != "tool" || tool.ToolCallID != "call_1" {
		t.Errorf("tool record = %+v", tool)
	}
	if !strings.Contains(tool.Content, "sunny") {
		t.Errorf("tool result content = %q", tool.Content)
	}

	// Full turn shape in history: user, assistant(tool_calls), tool,
	// assistant(final).
	recs, _ := store.GetHistories(context.Background(), "ctx1", 0)
	wantRoles := []string{"user", "assistant", "tool", "assistant"}
	if len(recs) != len(wantRoles) {
		t.Fatalf("persisted %d records, want %d", len(recs), len(wantRoles))
	}
	for i, r := range recs {
		if r.Role != wantRoles[i] {
			t.Errorf("record %d role = %q, want %q", i, r.Role, wantRoles[i])
		}
	}
}

func TestChatStreamToolErrorSerialized(t *testing.T) {
	p := &mock.Provider{
		Scripts: [][]llm.Chunk{
			{
				{ToolCall: &llm.ToolCallDelta{ID: "call_1", Name: "flaky", Arguments: `{}`}},
				finish("tool_calls"),
			},
			{{Text: "失敗しました。"}, finish("stop")},
		},
	}
	a := llm.NewAdapter(p)
	a.RegisterTool("flaky", "Always fails", nil,
		func(context.Context, json.RawMessage) (any, error) {
			return nil, errors.New("backend unavailable")
		})

	stream, err := a.ChatStream(context.Background(), "ctx1", "go", nil, nil)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	drain(t, stream)

	msgs := p.StreamCalls[1].Req.Messages
	tool := msgs[len(msgs)-1]
	if tool.Role != "tool" {
		t.Fatalf("last message role = %q", tool.Role)
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(tool.Content), &payload); err != nil {
		t.Fatalf("tool result is not JSON: %q", tool.Content)
	}
	if payload["error"] != "backend unavailable" {
		t.Errorf("error payload = %q", payload["error"])
	}
}

func TestChatStreamAbortsWithoutPersistOnStreamError(t *testing.T) {
	store := history.NewMemoryStore()
	p := &mock.Provider{
		Scripts: [][]llm.Chunk{{
			{Text: "途中"},
			{Err: errors.New("connection reset")},
		}},
	}
	a := llm.NewAdapter(p, llm.WithHistory(store))

	stream, err := a.ChatStream(context.Background(), "ctx1", "やあ", nil, nil)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	got := drain(t, stream)
	if len(got) != 0 {
		t.Errorf("aborted turn emitted %d responses: %+v", len(got), got)
	}

	recs, _ := store.GetHistories(context.Background(), "ctx1", 0)
	if len(recs) != 0 {
		t.Errorf("aborted turn persisted %d records", len(recs))
	}
}

func TestChatStreamDropsLeadingNonUserHistory(t *testing.T) {
	store := history.NewMemoryStore()
	seed := func(role, content string) history.Record {
		data, _ := json.Marshal(llm.Message{Role: role, Content: content})
		return history.Record{Role: role, Data: data}
	}
	err := store.AddHistories(context.Background(), "ctx1", []history.Record{
		seed("assistant", "orphaned"),
		seed("user", "first question"),
		seed("assistant", "first answer"),
	}, "chat-v1")
	if err != nil {
		t.Fatalf("AddHistories: %v", err)
	}

	p := &mock.Provider{Scripts: [][]llm.Chunk{{{Text: "ok."}, finish("stop")}}}
	a := llm.NewAdapter(p, llm.WithHistory(store))

	stream, err := a.ChatStream(context.Background(), "ctx1", "next", nil, nil)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	drain(t, stream)

	msgs := p.StreamCalls[0].Req.Messages
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3 (orphan dropped): %+v", len(msgs), msgs)
	}
	if msgs[0].Role != "user" || msgs[0].Content != "first question" {
		t.Errorf("first message = %+v", msgs[0])
	}
}

func TestChatStreamRequestFilterAndPrompt(t *testing.T) {
	p := &mock.Provider{Scripts: [][]llm.Chunk{{finish("stop")}}}
	a := llm.NewAdapter(p,
		llm.WithSystemPrompt("You are {{name}}, a voice assistant."),
		llm.WithRequestFilter(strings.ToUpper),
	)

	stream, err := a.ChatStream(context.Background(), "ctx1", "hello", nil,
		map[string]string{"name": "Vox"})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	drain(t, stream)

	req := p.StreamCalls[0].Req
	if req.SystemPrompt != "You are Vox, a voice assistant." {
		t.Errorf("system prompt = %q", req.SystemPrompt)
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Content != "HELLO" {
		t.Errorf("filtered input = %q", last.Content)
	}
}

func TestChatStreamVoiceTextTag(t *testing.T) {
	p := &mock.Provider{
		Scripts: [][]llm.Chunk{{
			{Text: "<voice>こんにちは。"},
			{Text: "</voice>(considers the question)。"},
			finish("stop"),
		}},
	}
	a := llm.NewAdapter(p, llm.WithVoiceTextTag("voice"))

	stream, err := a.ChatStream(context.Background(), "ctx1", "やあ", nil, nil)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	got := drain(t, stream)

	if len(got) != 2 {
		t.Fatalf("got %d responses: %+v", len(got), got)
	}
	if got[0].VoiceText != "こんにちは。" {
		t.Errorf("voice text = %q", got[0].VoiceText)
	}
	if got[1].VoiceText != "" {
		t.Errorf("outside-tag voice text = %q, want empty", got[1].VoiceText)
	}
}

func TestChatStreamOnBeforeToolCallsHook(t *testing.T) {
	p := &mock.Provider{
		Scripts: [][]llm.Chunk{
			{
				{ToolCall: &llm.ToolCallDelta{ID: "c1", Name: "ping", Arguments: `{}`}},
				finish("tool_calls"),
			},
			{finish("stop")},
		},
	}

	order := make([]string, 0, 2)
	a := llm.NewAdapter(p,
		llm.WithOnBeforeToolCalls(func(_ context.Context, calls []sts.ToolCall) error {
			if len(calls) != 1 || calls[0].Name != "ping" {
				t.Errorf("hook calls = %+v", calls)
			}
			order = append(order, "hook")
			return nil
		}),
	)
	a.RegisterTool("ping", "", nil, func(context.Context, json.RawMessage) (any, error) {
		order = append(order, "exec")
		return "pong", nil
	})

	stream, err := a.ChatStream(context.Background(), "ctx1", "go", nil, nil)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	drain(t, stream)

	if len(order) != 2 || order[0] != "hook" || order[1] != "exec" {
		t.Errorf("invocation order = %v, want [hook exec]", order)
	}
}
