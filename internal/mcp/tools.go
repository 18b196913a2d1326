package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memvault/internal/fetch"
	"github.com/fyrsmithlabs/memvault/internal/governor"
	"github.com/fyrsmithlabs/memvault/internal/logging"
	"github.com/fyrsmithlabs/memvault/internal/memstore"
	"github.com/fyrsmithlabs/memvault/internal/message"
	"github.com/fyrsmithlabs/memvault/internal/pipeline"
)

const (
	toolFetch = "memory_fetch"
	toolStat  = "memory_stat"
	toolList  = "memory_list"
	toolTurn  = "context_turn"
)

type fetchInput struct {
	MemoryID   string `json:"memory_id,omitempty" jsonschema:"id of the stored object, from a memory_refs entry or an offload marker"`
	URI        string `json:"uri,omitempty" jsonschema:"pointer uri such as mem://<id>#L10-40; its range is used when no explicit range is given"`
	LineStart  int    `json:"line_start,omitempty" jsonschema:"first line to return, 1-indexed"`
	LineEnd    int    `json:"line_end,omitempty" jsonschema:"last line to return, inclusive"`
	ByteOffset int64  `json:"byte_offset,omitempty" jsonschema:"byte offset for a byte range; wins over a line range"`
	ByteLen    int64  `json:"byte_len,omitempty" jsonschema:"number of bytes to return"`
}

type statInput struct {
	MemoryID string `json:"memory_id,omitempty" jsonschema:"object to describe; omit for store totals"`
}

type statOutput struct {
	Object *objectInfo  `json:"object,omitempty"`
	Store  *storeTotals `json:"store,omitempty"`
}

type listInput struct {
	Type  string `json:"type,omitempty" jsonschema:"only list objects of this memory type, e.g. TOOL_OUTPUT or LOG"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of objects to return"`
}

type listOutput struct {
	Objects []objectInfo `json:"objects"`
	Count   int          `json:"count"`
	Total   int          `json:"total"`
}

type turnInput struct {
	ConversationID string        `json:"conversation_id" jsonschema:"conversation the turn belongs to"`
	Model          string        `json:"model,omitempty" jsonschema:"target model; decides token counting and the context window"`
	Budget         int           `json:"budget,omitempty" jsonschema:"token budget for compression; defaults to the warning threshold"`
	Messages       []turnMessage `json:"messages" jsonschema:"outbound history, oldest first"`
}

type turnOutput struct {
	ConversationID string         `json:"conversation_id"`
	Turn           int            `json:"turn"`
	Messages       []turnMessage  `json:"messages"`
	Offloaded      int            `json:"offloaded"`
	TokensSaved    int            `json:"tokens_saved"`
	MemoryIDs      []string       `json:"memory_ids,omitempty"`
	Summarized     int            `json:"summarized"`
	Budget         governor.State `json:"budget"`
}

// turnMessage is the wire form of message.Message. Binary payloads travel
// as base64.
type turnMessage struct {
	Role         string             `json:"role"`
	Content      string             `json:"content,omitempty"`
	Data         any                `json:"data,omitempty"`
	BinaryBase64 string             `json:"binary_base64,omitempty"`
	Offloaded    *message.Offloaded `json:"offloaded,omitempty"`
	Metadata     map[string]any     `json:"metadata,omitempty"`
}

type objectInfo struct {
	MemoryID    string `json:"memory_id"`
	URI         string `json:"uri"`
	Type        string `json:"type"`
	Subtype     string `json:"subtype,omitempty"`
	Title       string `json:"title,omitempty"`
	MIME        string `json:"mime"`
	Kind        string `json:"kind"`
	RawSize     int64  `json:"raw_size"`
	StoredSize  int64  `json:"stored_size"`
	Compression string `json:"compression"`
	LineCount   int    `json:"line_count,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type storeTotals struct {
	Objects     int            `json:"objects"`
	RawBytes    int64          `json:"raw_bytes"`
	StoredBytes int64          `json:"stored_bytes"`
	ByType      map[string]int `json:"by_type,omitempty"`
	Oldest      string         `json:"oldest,omitempty"`
	Newest      string         `json:"newest,omitempty"`
}

func (s *Server) registerTools() {
	s.addTool(&ToolMetadata{
		Name:     toolFetch,
		Category: CategoryMemory,
		ReadOnly: true,
		Description: "Fetch a slice of offloaded content by memory_id or pointer uri. " +
			"Give line_start/line_end for text or byte_offset/byte_len for any object. " +
			"Oversized ranges are rejected; request a smaller window instead.",
	}, func(srv *mcp.Server, t *mcp.Tool) { mcp.AddTool(srv, t, instrument(s, toolFetch, s.handleFetch)) })

	s.addTool(&ToolMetadata{
		Name:        toolStat,
		Category:    CategoryMemory,
		ReadOnly:    true,
		Description: "Describe a stored object without reading its content, or report store totals when no memory_id is given.",
	}, func(srv *mcp.Server, t *mcp.Tool) { mcp.AddTool(srv, t, instrument(s, toolStat, s.handleStat)) })

	s.addTool(&ToolMetadata{
		Name:        toolList,
		Category:    CategoryMemory,
		ReadOnly:    true,
		Description: "List stored objects, most recent first, optionally filtered by memory type.",
	}, func(srv *mcp.Server, t *mcp.Tool) { mcp.AddTool(srv, t, instrument(s, toolList, s.handleList)) })

	if s.pipeline == nil {
		return
	}
	s.addTool(&ToolMetadata{
		Name:     toolTurn,
		Category: CategoryContext,
		Description: "Prepare a conversation turn: offload oversized payloads, compress history " +
			"over budget and append a budget advisory when the context window is filling up.",
	}, func(srv *mcp.Server, t *mcp.Tool) { mcp.AddTool(srv, t, instrument(s, toolTurn, s.handleTurn)) })
}

func (s *Server) addTool(meta *ToolMetadata, add func(*mcp.Server, *mcp.Tool)) {
	add(s.mcp, &mcp.Tool{Name: meta.Name, Description: meta.Description})
	s.registry.Register(meta)
}

// instrument wraps a handler with metrics and error logging. Errors are
// returned to the client as IsError results.
func instrument[In, Out any](s *Server, name string, h mcp.ToolHandlerFor[In, Out]) mcp.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, req *mcp.CallToolRequest, in In) (res *mcp.CallToolResult, out Out, err error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, name)
		defer func() {
			s.metrics.DecrementActive(ctx, name)
			s.metrics.RecordInvocation(ctx, name, time.Since(start), err)
			if err != nil {
				s.logger.Debug("tool call failed", append(logging.ContextFields(ctx),
					zap.String("tool", name),
					zap.String("reason", categorizeError(err)),
					zap.Error(err),
				)...)
			}
		}()
		return h(ctx, req, in)
	}
}

func (s *Server) handleFetch(ctx context.Context, _ *mcp.CallToolRequest, in fetchInput) (*mcp.CallToolResult, *fetch.Result, error) {
	req, err := fetchRequest(in)
	if err != nil {
		return nil, nil, err
	}
	res, err := s.gateway.Fetch(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	return nil, res, nil
}

// fetchRequest merges the uri and explicit fields. Explicit range fields
// win over the uri's range.
func fetchRequest(in fetchInput) (fetch.Request, error) {
	req := fetch.Request{
		MemoryID:   in.MemoryID,
		LineStart:  in.LineStart,
		LineEnd:    in.LineEnd,
		ByteOffset: in.ByteOffset,
		ByteLen:    in.ByteLen,
	}
	if in.URI == "" {
		return req, nil
	}
	ptr, err := message.ParseURI(in.URI)
	if err != nil {
		return fetch.Request{}, fmt.Errorf("%w: %v", fetch.ErrInvalidRequest, err)
	}
	if req.MemoryID != "" && req.MemoryID != ptr.MemoryID {
		return fetch.Request{}, fmt.Errorf("%w: memory_id %q does not match uri %q", fetch.ErrInvalidRequest, req.MemoryID, in.URI)
	}
	explicit := req.LineStart != 0 || req.LineEnd != 0 || req.ByteOffset != 0 || req.ByteLen != 0
	if explicit {
		req.MemoryID = ptr.MemoryID
		return req, nil
	}
	return fetch.RequestFromPointer(ptr), nil
}

func (s *Server) handleStat(ctx context.Context, _ *mcp.CallToolRequest, in statInput) (*mcp.CallToolResult, statOutput, error) {
	if in.MemoryID == "" {
		st, err := s.store.Stats(ctx)
		if err != nil {
			return nil, statOutput{}, err
		}
		return nil, statOutput{Store: newStoreTotals(st)}, nil
	}
	obj, err := s.gateway.Stat(ctx, in.MemoryID)
	if err != nil {
		return nil, statOutput{}, err
	}
	info := newObjectInfo(obj)
	return nil, statOutput{Object: &info}, nil
}

func (s *Server) handleList(ctx context.Context, _ *mcp.CallToolRequest, in listInput) (*mcp.CallToolResult, listOutput, error) {
	var filter memstore.ListFilter
	if in.Type != "" {
		t, err := memstore.ParseMemoryType(in.Type)
		if err != nil {
			return nil, listOutput{}, fmt.Errorf("%w: %v", memstore.ErrInvalidType, err)
		}
		filter.Type = t
	}
	limit := in.Limit
	if limit <= 0 {
		limit = s.config.ListLimit
	}

	objs, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, listOutput{}, err
	}
	out := listOutput{Objects: make([]objectInfo, 0, min(limit, len(objs))), Total: len(objs)}
	for _, obj := range objs[:min(limit, len(objs))] {
		out.Objects = append(out.Objects, newObjectInfo(obj))
	}
	out.Count = len(out.Objects)
	return nil, out, nil
}

func (s *Server) handleTurn(ctx context.Context, _ *mcp.CallToolRequest, in turnInput) (*mcp.CallToolResult, turnOutput, error) {
	msgs := make([]message.Message, len(in.Messages))
	for i, tm := range in.Messages {
		m, err := tm.toMessage()
		if err != nil {
			return nil, turnOutput{}, fmt.Errorf("%w: message %d: %v", pipeline.ErrInvalidTurn, i, err)
		}
		msgs[i] = m
	}

	res, err := s.pipeline.Turn(ctx, pipeline.TurnRequest{
		ConversationID: in.ConversationID,
		Model:          in.Model,
		Messages:       msgs,
		Budget:         in.Budget,
	})
	if err != nil {
		return nil, turnOutput{}, err
	}

	out := turnOutput{
		ConversationID: res.ConversationID,
		Turn:           res.Turn,
		Messages:       make([]turnMessage, len(res.Messages)),
		Offloaded:      res.Offloaded,
		TokensSaved:    res.TokensSaved,
		Budget:         res.Budget,
	}
	for i := range res.Messages {
		out.Messages[i] = fromMessage(&res.Messages[i])
	}
	for _, r := range res.Offload {
		if r.Object != nil {
			out.MemoryIDs = append(out.MemoryIDs, r.Object.ID)
		}
	}
	if res.Compression != nil {
		out.Summarized = len(res.Compression.Entries)
	}
	return nil, out, nil
}

func (tm turnMessage) toMessage() (message.Message, error) {
	switch message.Role(tm.Role) {
	case message.RoleSystem, message.RoleUser, message.RoleAssistant, message.RoleTool:
	default:
		return message.Message{}, fmt.Errorf("unknown role %q", tm.Role)
	}
	m := message.Message{
		Role:      message.Role(tm.Role),
		Content:   tm.Content,
		Offloaded: tm.Offloaded,
		Metadata:  tm.Metadata,
	}
	if tm.Data != nil {
		raw, err := json.Marshal(tm.Data)
		if err != nil {
			return message.Message{}, fmt.Errorf("data: %w", err)
		}
		m.Data = raw
	}
	if tm.BinaryBase64 != "" {
		b, err := base64.StdEncoding.DecodeString(tm.BinaryBase64)
		if err != nil {
			return message.Message{}, fmt.Errorf("binary_base64: %w", err)
		}
		m.Binary = b
	}
	return m, nil
}

func fromMessage(m *message.Message) turnMessage {
	tm := turnMessage{
		Role:      string(m.Role),
		Content:   m.Content,
		Offloaded: m.Offloaded,
		Metadata:  m.Metadata,
	}
	if len(m.Data) > 0 {
		tm.Data = m.Data
	}
	if len(m.Binary) > 0 {
		tm.BinaryBase64 = base64.StdEncoding.EncodeToString(m.Binary)
	}
	return tm
}

func newObjectInfo(obj *memstore.Object) objectInfo {
	return objectInfo{
		MemoryID:    obj.ID,
		URI:         message.FormatURI(obj.ID, nil, nil),
		Type:        string(obj.Type),
		Subtype:     obj.Subtype,
		Title:       obj.Title,
		MIME:        obj.MIME,
		Kind:        string(obj.Kind),
		RawSize:     obj.RawSize,
		StoredSize:  obj.StoredSize,
		Compression: obj.Compression.String(),
		LineCount:   obj.LineCount,
		CreatedAt:   obj.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func newStoreTotals(st *memstore.Stats) *storeTotals {
	out := &storeTotals{
		Objects:     st.Objects,
		RawBytes:    st.RawBytes,
		StoredBytes: st.StoredBytes,
	}
	if len(st.ByType) > 0 {
		out.ByType = st.ByType
	}
	if !st.Oldest.IsZero() {
		out.Oldest = st.Oldest.UTC().Format(time.RFC3339)
	}
	if !st.Newest.IsZero() {
		out.Newest = st.Newest.UTC().Format(time.RFC3339)
	}
	return out
}
