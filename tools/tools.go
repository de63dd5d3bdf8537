// Package tools exposes the memory operations as MCP tools: remember,
// recall, forget, and status. Each tool validates its arguments, calls the
// engine, and maps failures onto the stable error-code taxonomy.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/engramdev/engram"
	"github.com/engramdev/engram/apperr"
	"github.com/engramdev/engram/ingest"
	"github.com/engramdev/engram/mcp"
	"github.com/engramdev/engram/retrieval"
)

// Memory is the slice of the engram facade the tools need.
type Memory interface {
	Remember(ctx context.Context, req ingest.Request) (*ingest.Result, error)
	Recall(ctx context.Context, opts retrieval.Options) (*retrieval.Response, error)
	RecallByID(ctx context.Context, artifactID string, includeEvents bool) (*retrieval.Response, error)
	Forget(ctx context.Context, artifactID string) (*engram.ForgetResult, error)
	CheckStatus(ctx context.Context) (*engram.Status, error)
}

// Register adds all four tools to the registry.
func Register(reg *mcp.Registry, mem Memory) {
	reg.Register(&rememberTool{mem: mem})
	reg.Register(&recallTool{mem: mem})
	reg.Register(&forgetTool{mem: mem})
	reg.Register(&statusTool{mem: mem})
}

// errResult converts a domain error into the structured tool error payload.
func errResult(err error) *mcp.ToolsCallResult {
	return mcp.ErrorResult(apperr.Kind(err), err.Error())
}

// ---------------------------------------------------------------------------
// remember
// ---------------------------------------------------------------------------

type rememberTool struct {
	mem Memory
}

type rememberArgs struct {
	Content      string   `json:"content"`
	Context      string   `json:"context"`
	Title        string   `json:"title,omitempty"`
	SourceSystem string   `json:"source_system,omitempty"`
	SourceID     string   `json:"source_id,omitempty"`
	SourceTS     string   `json:"source_ts,omitempty"`
	DocumentDate string   `json:"document_date,omitempty"`
	Author       string   `json:"author,omitempty"`
	Participants []string `json:"participants,omitempty"`
	Sensitivity  string   `json:"sensitivity,omitempty"`
	Visibility   string   `json:"visibility,omitempty"`
}

func (t *rememberTool) Name() string { return "remember" }

func (t *rememberTool) Description() string {
	return "Store a text artifact (email, doc, chat, transcript, note) in memory. " +
		"Deduplicates identical content and queues semantic event extraction."
}

func (t *rememberTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"content": {"type": "string", "description": "The artifact text"},
			"context": {"type": "string", "enum": ["email", "doc", "chat", "transcript", "note"]},
			"title": {"type": "string"},
			"source_system": {"type": "string"},
			"source_id": {"type": "string"},
			"source_ts": {"type": "string", "description": "RFC 3339 timestamp"},
			"document_date": {"type": "string", "description": "RFC 3339 timestamp"},
			"author": {"type": "string"},
			"participants": {"type": "array", "items": {"type": "string"}},
			"sensitivity": {"type": "string", "enum": ["normal", "sensitive"]},
			"visibility": {"type": "string", "enum": ["me", "team", "public"]}
		},
		"required": ["content", "context"]
	}`)
}

func (t *rememberTool) Execute(ctx context.Context, args json.RawMessage) (*mcp.ToolsCallResult, error) {
	var a rememberArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return errResult(fmt.Errorf("%w: %v", apperr.ErrValidation, err)), nil
	}

	req := ingest.Request{
		Content:      a.Content,
		Context:      a.Context,
		Title:        a.Title,
		SourceSystem: a.SourceSystem,
		SourceID:     a.SourceID,
		Author:       a.Author,
		Participants: a.Participants,
		Sensitivity:  a.Sensitivity,
		Visibility:   a.Visibility,
	}
	var err error
	if req.SourceTS, err = parseTimestamp(a.SourceTS, "source_ts"); err != nil {
		return errResult(err), nil
	}
	if req.DocumentDate, err = parseTimestamp(a.DocumentDate, "document_date"); err != nil {
		return errResult(err), nil
	}

	res, err := t.mem.Remember(ctx, req)
	if err != nil {
		return errResult(err), nil
	}
	return mcp.JSONResult(res)
}

// ---------------------------------------------------------------------------
// recall
// ---------------------------------------------------------------------------

type recallTool struct {
	mem Memory
}

type recallArgs struct {
	Query           string   `json:"query,omitempty"`
	ID              string   `json:"id,omitempty"`
	Limit           int      `json:"limit,omitempty"`
	Expand          *bool    `json:"expand,omitempty"` // default true
	IncludeEvents   bool     `json:"include_events,omitempty"`
	IncludeEntities bool     `json:"include_entities,omitempty"`
	IncludeEdges    bool     `json:"include_edges,omitempty"`
	EdgeTypes       []string `json:"edge_types,omitempty"`
	GraphBudget     int      `json:"graph_budget,omitempty"`
}

func (t *recallTool) Name() string { return "recall" }

func (t *recallTool) Description() string {
	return "Search memory with a natural-language query, or fetch a single " +
		"artifact by id. Results can include related artifacts found via " +
		"graph expansion, plus extracted events, entities, and edges."
}

func (t *recallTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Natural-language search query"},
			"id": {"type": "string", "description": "Artifact id (art_...) for a direct lookup"},
			"limit": {"type": "integer", "default": 10},
			"expand": {"type": "boolean", "default": true},
			"include_events": {"type": "boolean"},
			"include_entities": {"type": "boolean"},
			"include_edges": {"type": "boolean"},
			"edge_types": {"type": "array", "items": {"type": "string"}},
			"graph_budget": {"type": "integer", "default": 20}
		}
	}`)
}

func (t *recallTool) Execute(ctx context.Context, args json.RawMessage) (*mcp.ToolsCallResult, error) {
	var a recallArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return errResult(fmt.Errorf("%w: %v", apperr.ErrValidation, err)), nil
	}

	if a.ID != "" {
		resp, err := t.mem.RecallByID(ctx, a.ID, a.IncludeEvents)
		if err != nil {
			return errResult(err), nil
		}
		return mcp.JSONResult(resp)
	}

	if a.Query == "" {
		return errResult(fmt.Errorf("%w: either query or id is required", apperr.ErrValidation)), nil
	}

	expand := true
	if a.Expand != nil {
		expand = *a.Expand
	}
	resp, err := t.mem.Recall(ctx, retrieval.Options{
		Query:           a.Query,
		Limit:           a.Limit,
		Expand:          expand,
		IncludeEvents:   a.IncludeEvents,
		IncludeEntities: a.IncludeEntities,
		IncludeEdges:    a.IncludeEdges,
		EdgeTypes:       a.EdgeTypes,
		GraphBudget:     a.GraphBudget,
	})
	if err != nil {
		return errResult(err), nil
	}
	return mcp.JSONResult(resp)
}

// ---------------------------------------------------------------------------
// forget
// ---------------------------------------------------------------------------

type forgetTool struct {
	mem Memory
}

type forgetArgs struct {
	ID      string `json:"id"`
	Confirm bool   `json:"confirm"`
}

func (t *forgetTool) Name() string { return "forget" }

func (t *forgetTool) Description() string {
	return "Permanently delete an artifact and everything extracted from it: " +
		"chunks, vectors, events, evidence, mentions, and edges. Entities are kept."
}

func (t *forgetTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"id": {"type": "string", "description": "Artifact id (art_...)"},
			"confirm": {"type": "boolean", "description": "Must be true; deletion is permanent"}
		},
		"required": ["id", "confirm"]
	}`)
}

func (t *forgetTool) Execute(ctx context.Context, args json.RawMessage) (*mcp.ToolsCallResult, error) {
	var a forgetArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return errResult(fmt.Errorf("%w: %v", apperr.ErrValidation, err)), nil
	}
	if a.ID == "" {
		return errResult(fmt.Errorf("%w: id is required", apperr.ErrValidation)), nil
	}
	if !a.Confirm {
		return errResult(fmt.Errorf("%w: deletion is permanent, set confirm=true", apperr.ErrValidation)), nil
	}

	res, err := t.mem.Forget(ctx, a.ID)
	if err != nil {
		return errResult(err), nil
	}
	return mcp.JSONResult(res)
}

// ---------------------------------------------------------------------------
// status
// ---------------------------------------------------------------------------

type statusTool struct {
	mem Memory
}

func (t *statusTool) Name() string { return "status" }

func (t *statusTool) Description() string {
	return "Report memory health: store connectivity, embedding provider, and extraction queue depth."
}

func (t *statusTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (t *statusTool) Execute(ctx context.Context, args json.RawMessage) (*mcp.ToolsCallResult, error) {
	st, err := t.mem.CheckStatus(ctx)
	if err != nil {
		return errResult(err), nil
	}
	return mcp.JSONResult(st)
}

func parseTimestamp(s, field string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not RFC 3339: %v", apperr.ErrValidation, field, err)
	}
	return &ts, nil
}
