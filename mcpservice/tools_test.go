package mcpservice_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/docbridge/docbridge/mcp"
	"github.com/docbridge/docbridge/mcpservice"
	"github.com/docbridge/docbridge/sessions"
)

type echoArgs struct {
	Message string `json:"message" jsonschema:"required,description=Text to echo back"`
	Count   int    `json:"count,omitempty" jsonschema:"description=Repeat count"`
}

func TestNewToolSchemaReflection(t *testing.T) {
	tool := mcpservice.NewTool("echo", func(ctx context.Context, _ sessions.Session, args echoArgs) (*mcp.CallToolResult, error) {
		return mcpservice.TextResult(args.Message), nil
	})

	schema := tool.Descriptor.InputSchema
	if schema.Type != "object" {
		t.Fatalf("want object schema, got %q", schema.Type)
	}
	prop, ok := schema.Properties["message"]
	if !ok {
		t.Fatalf("missing message property: %+v", schema.Properties)
	}
	if prop.Type != "string" {
		t.Fatalf("want string property, got %q", prop.Type)
	}
	if prop.Description == "" {
		t.Fatalf("expected description from jsonschema tag")
	}

	var foundRequired bool
	for _, r := range schema.Required {
		if r == "message" {
			foundRequired = true
		}
	}
	if !foundRequired {
		t.Fatalf("message should be required, got %v", schema.Required)
	}
	if schema.AdditionalProperties {
		t.Fatalf("strict tools must not allow additional properties")
	}
}

func TestNewToolStrictDecodeRejectsUnknownFields(t *testing.T) {
	tool := mcpservice.NewTool("echo", func(ctx context.Context, _ sessions.Session, args echoArgs) (*mcp.CallToolResult, error) {
		return mcpservice.TextResult(args.Message), nil
	})

	res, err := tool.Handler(context.Background(), nil, &mcp.CallToolRequestReceived{
		Name:      "echo",
		Arguments: json.RawMessage(`{"message":"hi","bogus":true}`),
	})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !res.IsError {
		t.Fatalf("expected isError result for unknown field")
	}
	if len(res.Content) == 0 || !strings.Contains(res.Content[0].Text, "invalid arguments") {
		t.Fatalf("unexpected content: %+v", res.Content)
	}
}

func TestToolsContainerDispatch(t *testing.T) {
	tool := mcpservice.NewTool("echo", func(ctx context.Context, _ sessions.Session, args echoArgs) (*mcp.CallToolResult, error) {
		return mcpservice.TextResult(args.Message), nil
	}, mcpservice.WithToolDescription("Echo a message"))

	tc := mcpservice.NewToolsContainer(tool)

	tools, err := tc.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" || tools[0].Description != "Echo a message" {
		t.Fatalf("unexpected listing: %+v", tools)
	}

	res, err := tc.CallTool(context.Background(), nil, &mcp.CallToolRequestReceived{
		Name:      "echo",
		Arguments: json.RawMessage(`{"message":"hello"}`),
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.Content[0].Text != "hello" {
		t.Fatalf("unexpected result: %+v", res)
	}

	if _, err := tc.CallTool(context.Background(), nil, &mcp.CallToolRequestReceived{Name: "missing"}); err == nil {
		t.Fatalf("expected tool-not-found error")
	}
}
