// Package docstools registers the documentation tools exposed over MCP:
// resolve-library-id (library search) and get-library-docs (documentation
// retrieval). Upstream failures never surface as protocol errors; every
// outcome is a well-formed tool result the client can display.
package docstools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/docbridge/docbridge/internal/context7"
	"github.com/docbridge/docbridge/mcp"
	"github.com/docbridge/docbridge/mcpservice"
	"github.com/docbridge/docbridge/sessions"
)

const (
	// ResolveToolName resolves a human library name to candidate ids.
	ResolveToolName = "resolve-library-id"
	// DocsToolName fetches documentation for a resolved library id.
	DocsToolName = "get-library-docs"

	// DefaultMinimumTokens is the floor applied to documentation requests
	// when no other floor is configured. Requests below the floor are raised
	// to it; requests above pass through unchanged.
	DefaultMinimumTokens = 5000

	noResultsText = "No documentation libraries available"
)

// Upstream is the documentation API surface the tools call out to.
type Upstream interface {
	SearchLibraries(ctx context.Context, query string) (*context7.SearchResponse, error)
	FetchDocs(ctx context.Context, libraryID string, dr context7.DocsRequest) (string, error)
}

var _ Upstream = (*context7.Client)(nil)

// ResolveArgs are the arguments of resolve-library-id.
type ResolveArgs struct {
	LibraryName string `json:"libraryName" jsonschema:"description=Library name to search for and retrieve a library ID."`
}

// DocsArgs are the arguments of get-library-docs.
type DocsArgs struct {
	Context7CompatibleLibraryID string `json:"context7CompatibleLibraryID" jsonschema:"description=Exact library ID (e.g. '/vercel/nextjs') retrieved from resolve-library-id."`
	Tokens                      int    `json:"tokens,omitempty" jsonschema:"description=Maximum number of tokens of documentation to retrieve. Values below the configured minimum are raised to it."`
	Topic                       string `json:"topic,omitempty" jsonschema:"description=Topic to focus documentation on (e.g. 'hooks' or 'routing')."`
}

// Option configures the tool set.
type Option func(*toolSet)

// WithMinimumTokens overrides the token floor for get-library-docs. Values
// below 1 fall back to DefaultMinimumTokens.
func WithMinimumTokens(n int) Option {
	return func(ts *toolSet) {
		if n > 0 {
			ts.minTokens = n
		}
	}
}

// WithLogger sets the slog logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(ts *toolSet) { ts.log = log }
}

type toolSet struct {
	upstream  Upstream
	minTokens int
	log       *slog.Logger
}

// NewToolSet builds the two documentation tools over the given upstream.
func NewToolSet(upstream Upstream, opts ...Option) []mcpservice.StaticTool {
	ts := &toolSet{
		upstream:  upstream,
		minTokens: DefaultMinimumTokens,
		log:       slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(ts)
	}

	return []mcpservice.StaticTool{
		mcpservice.NewTool(ResolveToolName, ts.resolveLibraryID,
			mcpservice.WithToolDescription("Resolves a package or product name to a Context7-compatible library ID and returns a list of matching libraries. You MUST call this function before 'get-library-docs' to obtain a valid library ID.")),
		mcpservice.NewTool(DocsToolName, ts.getLibraryDocs,
			mcpservice.WithToolDescription("Fetches up-to-date documentation for a library. You must call 'resolve-library-id' first to obtain the exact library ID required by this tool.")),
	}
}

func (ts *toolSet) resolveLibraryID(ctx context.Context, _ sessions.Session, args ResolveArgs) (*mcp.CallToolResult, error) {
	name := strings.TrimSpace(args.LibraryName)
	if name == "" {
		return mcpservice.Errorf("libraryName is required"), nil
	}

	res, err := ts.upstream.SearchLibraries(ctx, name)
	if err != nil {
		ts.log.WarnContext(ctx, "resolve.search.fail", slog.String("err", err.Error()))
		return mcpservice.TextResult(noResultsText), nil
	}
	if res == nil || len(res.Results) == 0 {
		return mcpservice.TextResult(noResultsText), nil
	}

	return mcpservice.TextResult(formatSearchResults(res.Results)), nil
}

func (ts *toolSet) getLibraryDocs(ctx context.Context, _ sessions.Session, args DocsArgs) (*mcp.CallToolResult, error) {
	rawID := strings.TrimSpace(args.Context7CompatibleLibraryID)
	if rawID == "" {
		return mcpservice.Errorf("context7CompatibleLibraryID is required"), nil
	}

	bareID, folders := SplitLibraryID(rawID)
	tokens := ClampTokens(args.Tokens, ts.minTokens)

	if rep, ok := mcpservice.ProgressReporterFromContext(ctx); ok {
		_ = rep.Report(ctx, 0, 1, fmt.Sprintf("fetching documentation for %s", bareID))
	}

	text, err := ts.upstream.FetchDocs(ctx, bareID, context7.DocsRequest{
		Tokens:  tokens,
		Topic:   args.Topic,
		Folders: folders,
	})
	if err != nil {
		if errors.Is(err, context7.ErrNotFound) {
			return mcpservice.TextResult("Documentation not found for this library. This might have happened because you used an invalid Context7-compatible library ID. To get a valid ID, use the 'resolve-library-id' tool first."), nil
		}
		ts.log.WarnContext(ctx, "docs.fetch.fail", slog.String("err", err.Error()))
		return mcpservice.TextResult("Failed to fetch documentation. Please try again later."), nil
	}

	if rep, ok := mcpservice.ProgressReporterFromContext(ctx); ok {
		_ = rep.Report(ctx, 1, 1, "documentation retrieved")
	}

	return mcpservice.TextResult(text), nil
}

// ClampTokens raises requested to floor when it falls short. Values at or
// above the floor pass through unchanged; the clamp never lowers a request.
func ClampTokens(requested, floor int) int {
	if floor <= 0 {
		floor = DefaultMinimumTokens
	}
	if requested < floor {
		return floor
	}
	return requested
}

// SplitLibraryID separates an embedded `?folders=` selector from a library
// id. "vercel/nextjs?folders=app" yields ("vercel/nextjs", "app"); an id
// without the suffix is returned unchanged with an empty selector.
func SplitLibraryID(id string) (bare, folders string) {
	base, rest, ok := strings.Cut(id, "?")
	if !ok {
		return id, ""
	}
	if v, found := strings.CutPrefix(rest, "folders="); found {
		return base, v
	}
	return base, ""
}

// formatSearchResults renders candidate libraries as a readable list for the
// calling model to pick from.
func formatSearchResults(results []context7.SearchResult) string {
	var b strings.Builder
	b.WriteString("Available Libraries (top matches):\n\n")
	b.WriteString("Each result includes information to help you select the best match.\n")
	b.WriteString("----------\n")
	for _, r := range results {
		fmt.Fprintf(&b, "- Title: %s\n", r.Title)
		fmt.Fprintf(&b, "- Context7-compatible library ID: %s\n", r.ID)
		if r.Description != "" {
			fmt.Fprintf(&b, "- Description: %s\n", r.Description)
		}
		if r.TotalSnippets > 0 {
			fmt.Fprintf(&b, "- Code Snippets: %d\n", r.TotalSnippets)
		}
		if r.TrustScore > 0 {
			fmt.Fprintf(&b, "- Trust Score: %.1f\n", r.TrustScore)
		}
		if len(r.Versions) > 0 {
			fmt.Fprintf(&b, "- Versions: %s\n", strings.Join(r.Versions, ", "))
		}
		b.WriteString("----------\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
