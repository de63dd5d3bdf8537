package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

// echoTool returns its arguments back.
type echoTool struct {
	name string
}

func (t *echoTool) Name() string        { return t.name }
func (t *echoTool) Description() string { return "echoes arguments" }
func (t *echoTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object"}`)
}

func (t *echoTool) Execute(ctx context.Context, args json.RawMessage) (*ToolsCallResult, error) {
	return &ToolsCallResult{Content: []ContentBlock{TextContent(string(args))}}, nil
}

func runServer(t *testing.T, input string) []Response {
	t.Helper()
	reg := NewRegistry()
	reg.Register(&echoTool{name: "echo"})

	var out strings.Builder
	srv := NewServer(reg, ServerInfo{Name: "engram", Version: "test"}, strings.NewReader(input), &out)
	if err := srv.Run(context.Background()); err != nil {
		t.Fatalf("server run: %v", err)
	}

	var responses []Response
	sc := bufio.NewScanner(strings.NewReader(out.String()))
	for sc.Scan() {
		var resp Response
		if err := json.Unmarshal(sc.Bytes(), &resp); err != nil {
			t.Fatalf("unmarshalling response line: %v", err)
		}
		responses = append(responses, resp)
	}
	return responses
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

func TestRegistryOrderAndLookup(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&echoTool{name: "b"})
	reg.Register(&echoTool{name: "a"})

	defs := reg.List()
	if len(defs) != 2 || defs[0].Name != "b" || defs[1].Name != "a" {
		t.Errorf("list must preserve registration order, got %+v", defs)
	}
	if reg.Get("a") == nil || reg.Get("missing") != nil {
		t.Error("lookup broken")
	}
}

func TestRegistryDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("duplicate registration must panic")
		}
	}()
	reg := NewRegistry()
	reg.Register(&echoTool{name: "x"})
	reg.Register(&echoTool{name: "x"})
}

// ---------------------------------------------------------------------------
// Server dispatch
// ---------------------------------------------------------------------------

func TestServerInitializeAndList(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"clientInfo":{"name":"test"}}}` + "\n" +
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}` + "\n"

	responses := runServer(t, input)
	if len(responses) != 2 {
		t.Fatalf("got %d responses, want 2", len(responses))
	}
	if responses[0].Error != nil {
		t.Fatalf("initialize failed: %+v", responses[0].Error)
	}

	raw, _ := json.Marshal(responses[1].Result)
	var list ToolsListResult
	if err := json.Unmarshal(raw, &list); err != nil {
		t.Fatalf("decoding tools/list: %v", err)
	}
	if len(list.Tools) != 1 || list.Tools[0].Name != "echo" {
		t.Errorf("tools/list = %+v", list.Tools)
	}
}

func TestServerToolsCall(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"k":"v"}}}` + "\n"

	responses := runServer(t, input)
	if len(responses) != 1 || responses[0].Error != nil {
		t.Fatalf("unexpected responses: %+v", responses)
	}
	raw, _ := json.Marshal(responses[0].Result)
	var result ToolsCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if len(result.Content) != 1 || !strings.Contains(result.Content[0].Text, `"k":"v"`) {
		t.Errorf("echo result = %+v", result)
	}
}

func TestServerUnknownMethodAndTool(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":1,"method":"no/such"}` + "\n" +
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"missing"}}` + "\n"

	responses := runServer(t, input)
	if len(responses) != 2 {
		t.Fatalf("got %d responses, want 2", len(responses))
	}
	for i, resp := range responses {
		if resp.Error == nil || resp.Error.Code != ErrCodeMethodNotFound {
			t.Errorf("response %d: want method-not-found, got %+v", i, resp.Error)
		}
	}
}

func TestServerNotificationsGetNoResponse(t *testing.T) {
	input := `{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n"
	if responses := runServer(t, input); len(responses) != 0 {
		t.Errorf("notifications must not be answered, got %+v", responses)
	}
}

func TestServerParseError(t *testing.T) {
	responses := runServer(t, "{not json}\n")
	if len(responses) != 1 || responses[0].Error == nil || responses[0].Error.Code != ErrCodeParse {
		t.Errorf("want a parse error response, got %+v", responses)
	}
}

func TestErrorResultShape(t *testing.T) {
	res := ErrorResult("VALIDATION_ERROR", "content is empty")
	if !res.IsError {
		t.Error("IsError must be set")
	}
	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(res.Content[0].Text), &payload); err != nil {
		t.Fatalf("error payload not JSON: %v", err)
	}
	if payload.Error.Code != "VALIDATION_ERROR" {
		t.Errorf("code = %q", payload.Error.Code)
	}
}
