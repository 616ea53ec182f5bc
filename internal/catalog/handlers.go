package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Tyrowin/mcphub/internal/dispatch"
	"github.com/Tyrowin/mcphub/internal/jsonrpc"
)

// ServerVersion is reported in the initialize handshake.
const ServerVersion = "0.1.0"

// DefaultHandshakeDelay separates the initialize reply from the
// initialized notification.
const DefaultHandshakeDelay = 100 * time.Millisecond

// Service exposes a Catalog through the built-in protocol methods.
type Service struct {
	catalog        Catalog
	handshakeDelay time.Duration
}

// NewService creates a Service. A negative delay disables the pause between
// the handshake reply and its follow-up notification.
func NewService(c Catalog, handshakeDelay time.Duration) *Service {
	if handshakeDelay < 0 {
		handshakeDelay = 0
	}
	return &Service{catalog: c, handshakeDelay: handshakeDelay}
}

// Register binds every built-in method on reg.
func (s *Service) Register(reg *dispatch.Registry) error {
	methods := map[string]dispatch.HandlerFunc{
		"initialize":     s.initialize,
		"ping":           s.ping,
		"tools/list":     s.listTools,
		"tools/invoke":   s.invokeTool,
		"tools/call":     s.invokeTool,
		"resources/list": s.listResources,
		"resources/read": s.readResource,
		"prompts/list":   s.listPrompts,
		"prompts/get":    s.getPrompt,
	}
	for name, h := range methods {
		if err := reg.Register(name, h); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) initialize(_ context.Context, _ json.RawMessage) ([]dispatch.Output, error) {
	return []dispatch.Output{
		dispatch.Reply(map[string]any{
			"version":      ServerVersion,
			"capabilities": map[string]any{},
		}),
		dispatch.Notify("initialized", map[string]any{}).After(s.handshakeDelay),
	}, nil
}

func (s *Service) ping(context.Context, json.RawMessage) ([]dispatch.Output, error) {
	return []dispatch.Output{dispatch.Reply(map[string]any{})}, nil
}

func (s *Service) listTools(context.Context, json.RawMessage) ([]dispatch.Output, error) {
	return []dispatch.Output{dispatch.Reply(nonNil(s.catalog.Tools))}, nil
}

func (s *Service) listResources(context.Context, json.RawMessage) ([]dispatch.Output, error) {
	return []dispatch.Output{dispatch.Reply(nonNil(s.catalog.Resources))}, nil
}

func (s *Service) listPrompts(context.Context, json.RawMessage) ([]dispatch.Output, error) {
	return []dispatch.Output{dispatch.Reply(nonNil(s.catalog.Prompts))}, nil
}

type invokeParams struct {
	Name      string                     `json:"name"`
	Arguments map[string]json.RawMessage `json:"arguments"`
}

func (s *Service) invokeTool(_ context.Context, params json.RawMessage) ([]dispatch.Output, error) {
	var p invokeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if _, ok := s.catalog.Tools[p.Name]; !ok {
		return nil, jsonrpc.NewError(jsonrpc.MethodNotFound, "Method not found")
	}

	switch p.Name {
	case "echo_input":
		var msg string
		if raw, ok := p.Arguments["message"]; ok {
			if err := json.Unmarshal(raw, &msg); err != nil {
				return nil, typeMismatch("message", "string", raw)
			}
		}
		return []dispatch.Output{dispatch.Reply(map[string]any{"echo": msg})}, nil

	case "crash_me":
		raw := p.Arguments["code"]
		code, ok := integerArg(raw)
		if !ok {
			return nil, typeMismatch("code", "integer", raw)
		}
		return []dispatch.Output{dispatch.Reply(map[string]any{"status": "ok", "code": code})}, nil

	default:
		args, _ := json.Marshal(nonNil(p.Arguments))
		return []dispatch.Output{dispatch.Reply(map[string]any{
			"status": "success",
			"output": fmt.Sprintf("Successfully invoked %s with parameters: %s", p.Name, args),
		})}, nil
	}
}

type readParams struct {
	URI string `json:"uri"`
}

func (s *Service) readResource(_ context.Context, params json.RawMessage) ([]dispatch.Output, error) {
	var p readParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.URI == "" {
		return nil, jsonrpc.NewError(jsonrpc.InvalidParams, "Invalid URI")
	}

	content, ok := s.catalog.Read(p.URI)
	if !ok {
		return nil, jsonrpc.NewError(jsonrpc.InvalidParams, "Resource not found")
	}
	return []dispatch.Output{dispatch.Reply(map[string]any{
		"contents": []Content{content},
	})}, nil
}

type promptParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments"`
}

func (s *Service) getPrompt(_ context.Context, params json.RawMessage) ([]dispatch.Output, error) {
	var p promptParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	prompt, ok := s.catalog.Prompts[p.Name]
	if !ok {
		return nil, jsonrpc.NewError(jsonrpc.InvalidParams, "Prompt not found")
	}
	return []dispatch.Output{dispatch.Reply(map[string]any{
		"description": prompt.Description,
		"text":        prompt.Render(p.Arguments),
	})}, nil
}

func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 || bytes.Equal(params, []byte("null")) {
		return jsonrpc.NewError(jsonrpc.InvalidParams, "Invalid params: params are required")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return jsonrpc.NewError(jsonrpc.InvalidParams, "Invalid params")
	}
	return nil
}

// integerArg reports whether raw is a JSON number with an integral value.
func integerArg(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, false
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	i, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return i, true
}

// typeMismatch describes a bad argument by JSON type only, never by the
// runtime's own type names.
func typeMismatch(arg, expected string, raw json.RawMessage) *jsonrpc.Error {
	got := jsonType(raw)
	return jsonrpc.NewError(jsonrpc.InternalError,
		fmt.Sprintf("Internal error: expected %s for %q, got %s", expected, arg, got)).
		WithData(map[string]string{"argument": arg, "expected": expected, "got": got})
}

func jsonType(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "missing"
	}
	switch trimmed[0] {
	case '"':
		return "string"
	case '{':
		return "object"
	case '[':
		return "array"
	case 't', 'f':
		return "boolean"
	case 'n':
		return "null"
	default:
		return "number"
	}
}

func nonNil[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return map[K]V{}
	}
	return m
}
