package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/engramdev/engram"
	"github.com/engramdev/engram/apperr"
	"github.com/engramdev/engram/ingest"
	"github.com/engramdev/engram/mcp"
	"github.com/engramdev/engram/retrieval"
)

// fakeMemory records the last call and returns scripted values.
type fakeMemory struct {
	rememberReq  *ingest.Request
	rememberErr  error
	recallOpts   *retrieval.Options
	recallErr    error
	byIDArtifact string
	byIDEvents   bool
	forgetID     string
	forgetErr    error
	statusErr    error
}

func (f *fakeMemory) Remember(ctx context.Context, req ingest.Request) (*ingest.Result, error) {
	f.rememberReq = &req
	if f.rememberErr != nil {
		return nil, f.rememberErr
	}
	return &ingest.Result{ArtifactUID: "uid-1", ArtifactID: "art_0011aabbccdd", RevisionID: 1, Status: "created"}, nil
}

func (f *fakeMemory) Recall(ctx context.Context, opts retrieval.Options) (*retrieval.Response, error) {
	f.recallOpts = &opts
	if f.recallErr != nil {
		return nil, f.recallErr
	}
	return &retrieval.Response{}, nil
}

func (f *fakeMemory) RecallByID(ctx context.Context, artifactID string, includeEvents bool) (*retrieval.Response, error) {
	f.byIDArtifact = artifactID
	f.byIDEvents = includeEvents
	if f.recallErr != nil {
		return nil, f.recallErr
	}
	return &retrieval.Response{}, nil
}

func (f *fakeMemory) Forget(ctx context.Context, artifactID string) (*engram.ForgetResult, error) {
	f.forgetID = artifactID
	if f.forgetErr != nil {
		return nil, f.forgetErr
	}
	return &engram.ForgetResult{ArtifactID: artifactID}, nil
}

func (f *fakeMemory) CheckStatus(ctx context.Context) (*engram.Status, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return &engram.Status{Postgres: engram.ComponentHealth{OK: true}}, nil
}

// errorCode decodes the code out of a failed tool result.
func errorCode(t *testing.T, res *mcp.ToolsCallResult) string {
	t.Helper()
	if res == nil || !res.IsError {
		t.Fatalf("expected error result, got %+v", res)
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
	return payload.Error.Code
}

func execute(t *testing.T, tool mcp.Tool, args string) *mcp.ToolsCallResult {
	t.Helper()
	res, err := tool.Execute(context.Background(), json.RawMessage(args))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return res
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

func TestRegisterAddsAllTools(t *testing.T) {
	reg := mcp.NewRegistry()
	Register(reg, &fakeMemory{})

	defs := reg.List()
	want := []string{"remember", "recall", "forget", "status"}
	if len(defs) != len(want) {
		t.Fatalf("got %d tools, want %d", len(defs), len(want))
	}
	for i, name := range want {
		if defs[i].Name != name {
			t.Errorf("tool %d = %q, want %q", i, defs[i].Name, name)
		}
		if len(defs[i].InputSchema) == 0 {
			t.Errorf("tool %q has no input schema", name)
		}
	}
}

// ---------------------------------------------------------------------------
// remember
// ---------------------------------------------------------------------------

func TestRememberPassesArguments(t *testing.T) {
	mem := &fakeMemory{}
	tool := &rememberTool{mem: mem}

	res := execute(t, tool, `{
		"content": "Priya shipped Atlas.",
		"context": "note",
		"title": "Atlas update",
		"source_ts": "2026-03-14T09:00:00Z",
		"participants": ["priya", "marcus"]
	}`)

	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content[0].Text)
	}
	if mem.rememberReq == nil {
		t.Fatal("Remember was not called")
	}
	if mem.rememberReq.Content != "Priya shipped Atlas." || mem.rememberReq.Context != "note" {
		t.Errorf("request = %+v", mem.rememberReq)
	}
	if mem.rememberReq.SourceTS == nil || mem.rememberReq.SourceTS.Hour() != 9 {
		t.Errorf("SourceTS not parsed: %v", mem.rememberReq.SourceTS)
	}
	if len(mem.rememberReq.Participants) != 2 {
		t.Errorf("participants = %v", mem.rememberReq.Participants)
	}
	if !strings.Contains(res.Content[0].Text, "art_0011aabbccdd") {
		t.Errorf("result does not carry the artifact id: %s", res.Content[0].Text)
	}
}

func TestRememberBadTimestamp(t *testing.T) {
	mem := &fakeMemory{}
	tool := &rememberTool{mem: mem}

	res := execute(t, tool, `{"content": "x", "context": "note", "source_ts": "yesterday"}`)

	if got := errorCode(t, res); got != apperr.KindValidation {
		t.Errorf("code = %q, want %q", got, apperr.KindValidation)
	}
	if mem.rememberReq != nil {
		t.Error("engine must not be called on invalid arguments")
	}
}

func TestRememberMalformedJSON(t *testing.T) {
	tool := &rememberTool{mem: &fakeMemory{}}
	res := execute(t, tool, `{"content": 42}`)
	if got := errorCode(t, res); got != apperr.KindValidation {
		t.Errorf("code = %q, want %q", got, apperr.KindValidation)
	}
}

func TestRememberEngineErrorMapped(t *testing.T) {
	mem := &fakeMemory{rememberErr: fmt.Errorf("remember: %w: content is empty", apperr.ErrValidation)}
	tool := &rememberTool{mem: mem}

	res := execute(t, tool, `{"content": "", "context": "note"}`)

	if got := errorCode(t, res); got != apperr.KindValidation {
		t.Errorf("code = %q, want %q", got, apperr.KindValidation)
	}
}

// ---------------------------------------------------------------------------
// recall
// ---------------------------------------------------------------------------

func TestRecallQueryDefaults(t *testing.T) {
	mem := &fakeMemory{}
	tool := &recallTool{mem: mem}

	res := execute(t, tool, `{"query": "atlas launch"}`)

	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content[0].Text)
	}
	if mem.recallOpts == nil {
		t.Fatal("Recall was not called")
	}
	if !mem.recallOpts.Expand {
		t.Error("expand must default to true")
	}
	if mem.recallOpts.Query != "atlas launch" {
		t.Errorf("query = %q", mem.recallOpts.Query)
	}
}

func TestRecallExpandOff(t *testing.T) {
	mem := &fakeMemory{}
	tool := &recallTool{mem: mem}

	execute(t, tool, `{"query": "atlas", "expand": false}`)

	if mem.recallOpts == nil || mem.recallOpts.Expand {
		t.Error("expand=false not honored")
	}
}

func TestRecallByID(t *testing.T) {
	mem := &fakeMemory{}
	tool := &recallTool{mem: mem}

	res := execute(t, tool, `{"id": "art_0011aabbccdd", "include_events": true}`)

	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content[0].Text)
	}
	if mem.byIDArtifact != "art_0011aabbccdd" || !mem.byIDEvents {
		t.Errorf("RecallByID(%q, %v)", mem.byIDArtifact, mem.byIDEvents)
	}
	if mem.recallOpts != nil {
		t.Error("id lookup must not run a search")
	}
}

func TestRecallRequiresQueryOrID(t *testing.T) {
	tool := &recallTool{mem: &fakeMemory{}}
	res := execute(t, tool, `{}`)
	if got := errorCode(t, res); got != apperr.KindValidation {
		t.Errorf("code = %q, want %q", got, apperr.KindValidation)
	}
}

func TestRecallNotFoundMapped(t *testing.T) {
	mem := &fakeMemory{recallErr: fmt.Errorf("%w: artifact art_ffffffffffff", apperr.ErrNotFound)}
	tool := &recallTool{mem: mem}

	res := execute(t, tool, `{"id": "art_ffffffffffff"}`)

	if got := errorCode(t, res); got != apperr.KindNotFound {
		t.Errorf("code = %q, want %q", got, apperr.KindNotFound)
	}
}

// ---------------------------------------------------------------------------
// forget
// ---------------------------------------------------------------------------

func TestForgetRequiresConfirm(t *testing.T) {
	mem := &fakeMemory{}
	tool := &forgetTool{mem: mem}

	res := execute(t, tool, `{"id": "art_0011aabbccdd"}`)

	if got := errorCode(t, res); got != apperr.KindValidation {
		t.Errorf("code = %q, want %q", got, apperr.KindValidation)
	}
	if mem.forgetID != "" {
		t.Error("unconfirmed forget must not reach the engine")
	}
}

func TestForgetRequiresID(t *testing.T) {
	tool := &forgetTool{mem: &fakeMemory{}}
	res := execute(t, tool, `{"confirm": true}`)
	if got := errorCode(t, res); got != apperr.KindValidation {
		t.Errorf("code = %q, want %q", got, apperr.KindValidation)
	}
}

func TestForgetConfirmed(t *testing.T) {
	mem := &fakeMemory{}
	tool := &forgetTool{mem: mem}

	res := execute(t, tool, `{"id": "art_0011aabbccdd", "confirm": true}`)

	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content[0].Text)
	}
	if mem.forgetID != "art_0011aabbccdd" {
		t.Errorf("forget id = %q", mem.forgetID)
	}
}

// ---------------------------------------------------------------------------
// status
// ---------------------------------------------------------------------------

func TestStatusReportsHealth(t *testing.T) {
	tool := &statusTool{mem: &fakeMemory{}}

	res := execute(t, tool, `{}`)

	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content[0].Text)
	}
	if !strings.Contains(res.Content[0].Text, `"postgres"`) {
		t.Errorf("status payload missing postgres health: %s", res.Content[0].Text)
	}
}

func TestStatusErrorMapped(t *testing.T) {
	mem := &fakeMemory{statusErr: fmt.Errorf("%w: qdrant unreachable", apperr.ErrStorage)}
	tool := &statusTool{mem: mem}

	res := execute(t, tool, `{}`)

	if got := errorCode(t, res); got != apperr.KindStorage {
		t.Errorf("code = %q, want %q", got, apperr.KindStorage)
	}
}
