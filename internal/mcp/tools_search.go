package mcp

import (
	"context"
	"fmt"
	"strings"
)

type toolSearchInput struct {
	Query    string `json:"query" jsonschema:"Search query or regular expression matched against tool names, descriptions and keywords"`
	Category string `json:"category,omitempty" jsonschema:"Filter results to a category (signal, audit, analysis, adjustment, epitaph, chorus, search)"`
	Limit    int    `json:"limit,omitempty" jsonschema:"Maximum results to return (default: 5)"`
}

type toolMatch struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Keywords    []string `json:"keywords,omitempty"`
	Score       int      `json:"score,omitempty"`
	MatchReason string   `json:"match_reason,omitempty"`
}

type toolSearchOutput struct {
	Query      string      `json:"query" jsonschema:"Search query used"`
	Results    []toolMatch `json:"results" jsonschema:"Matching tools, best first"`
	Count      int         `json:"count" jsonschema:"Number of tools found"`
	TotalTools int         `json:"total_tools" jsonschema:"Total number of tools in registry"`
}

type toolListInput struct {
	Category string `json:"category,omitempty" jsonschema:"Filter to a specific category"`
}

type toolListOutput struct {
	Tools []toolMatch `json:"tools" jsonschema:"Registered tools with metadata"`
	Count int         `json:"count" jsonschema:"Number of tools returned"`
}

func matchFor(t *ToolMetadata) toolMatch {
	return toolMatch{
		Name:        t.Name,
		Description: t.Description,
		Category:    string(t.Category),
		Keywords:    t.Keywords,
	}
}

// registerSearchTools registers tool discovery. It runs after
// registerTools so the registry is complete.
func (s *Server) registerSearchTools() {
	addTool(s, &ToolMetadata{
		Name:        "tool_search",
		Description: "Search the available tools by name, description or keyword.",
		Category:    CategorySearch,
		Keywords:    []string{"discover", "find", "help"},
	}, func(ctx context.Context, args toolSearchInput) (toolSearchOutput, string, error) {
		if strings.TrimSpace(args.Query) == "" {
			return toolSearchOutput{}, "", fmt.Errorf("query is required")
		}
		limit := args.Limit
		if limit <= 0 {
			limit = 5
		}

		found := s.toolRegistry.Search(args.Query, ToolCategory(args.Category))
		if len(found) > limit {
			found = found[:limit]
		}
		out := toolSearchOutput{
			Query:      args.Query,
			Results:    make([]toolMatch, 0, len(found)),
			TotalTools: s.toolRegistry.Count(),
		}
		names := make([]string, 0, len(found))
		for _, sr := range found {
			m := matchFor(sr.Tool)
			m.Score = sr.Score
			m.MatchReason = sr.MatchReason
			out.Results = append(out.Results, m)
			names = append(names, sr.Tool.Name)
		}
		out.Count = len(out.Results)

		if out.Count == 0 {
			return out, fmt.Sprintf("No tools found matching: %s", args.Query), nil
		}
		return out, fmt.Sprintf("Found %d tool(s) for query '%s': %s",
			out.Count, args.Query, strings.Join(names, ", ")), nil
	})

	addTool(s, &ToolMetadata{
		Name:        "tool_list",
		Description: "List all available tools with their metadata.",
		Category:    CategorySearch,
	}, func(ctx context.Context, args toolListInput) (toolListOutput, string, error) {
		tools := s.toolRegistry.List(ToolCategory(args.Category))
		out := toolListOutput{Tools: make([]toolMatch, 0, len(tools)), Count: len(tools)}
		for _, t := range tools {
			out.Tools = append(out.Tools, matchFor(t))
		}
		return out, fmt.Sprintf("Found %d tools", out.Count), nil
	})
}
