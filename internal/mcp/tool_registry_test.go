package mcp

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry() *ToolRegistry {
	r := NewToolRegistry()
	for _, tool := range []*ToolMetadata{
		{Name: "audit_submit", Description: "Submit a reviewer verdict", Category: CategoryAudit, Keywords: []string{"Correct"}},
		{Name: "audit_list_pending", Description: "List pending audits", Category: CategoryAudit},
		{Name: "epitaph_record", Description: "Record a lesson from a failed audit", Category: CategoryEpitaph},
		{Name: "chorus_compose", Description: "Compose the chorus", Category: CategoryChorus},
	} {
		r.Register(tool)
	}
	return r
}

// TestToolRegistry_Register tests registration and lookup
func TestToolRegistry_Register(t *testing.T) {
	registry := NewToolRegistry()

	tool := &ToolMetadata{
		Name:        "signal_route",
		Description: "Route a decision signal",
		Category:    CategorySignal,
		Keywords:    []string{"gate"},
	}
	registry.Register(tool)

	got, ok := registry.Get("signal_route")
	require.True(t, ok)
	assert.Equal(t, tool, got)

	// Invalid metadata is ignored.
	registry.Register(nil)
	registry.Register(&ToolMetadata{Description: "no name"})
	assert.Equal(t, 1, registry.Count())

	_, ok = registry.Get("missing")
	assert.False(t, ok)
}

// TestToolRegistry_RegisterReplaces tests that a re-registration wins
func TestToolRegistry_RegisterReplaces(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&ToolMetadata{Name: "tool_list", Description: "old", Category: CategorySearch})
	registry.Register(&ToolMetadata{Name: "tool_list", Description: "new", Category: CategorySearch})

	got, ok := registry.Get("tool_list")
	require.True(t, ok)
	assert.Equal(t, "new", got.Description)
	assert.Equal(t, 1, registry.Count())
}

func TestToolRegistry_List(t *testing.T) {
	registry := testRegistry()

	all := registry.List("")
	require.Len(t, all, 4)
	assert.Equal(t, "audit_list_pending", all[0].Name)
	assert.Equal(t, "epitaph_record", all[3].Name)

	audits := registry.List(CategoryAudit)
	require.Len(t, audits, 2)
	for _, tool := range audits {
		assert.Equal(t, CategoryAudit, tool.Category)
	}

	assert.Empty(t, registry.List(CategoryAnalysis))
}

func TestToolRegistry_Search(t *testing.T) {
	registry := testRegistry()

	tests := []struct {
		name     string
		query    string
		category ToolCategory
		want     []string
		reason   string
	}{
		{
			name:   "exact name",
			query:  "CHORUS_COMPOSE",
			want:   []string{"chorus_compose"},
			reason: "exact name match",
		},
		{
			name:   "name before description",
			query:  "audit",
			want:   []string{"audit_list_pending", "audit_submit", "epitaph_record"},
			reason: "name matches",
		},
		{
			name:   "keyword",
			query:  "correct",
			want:   []string{"audit_submit"},
			reason: "keyword matches",
		},
		{
			name:   "regex",
			query:  "^audit_.*g$",
			want:   []string{"audit_list_pending"},
			reason: "name matches",
		},
		{
			name:     "category filter",
			query:    "audit",
			category: CategoryEpitaph,
			want:     []string{"epitaph_record"},
			reason:   "description matches",
		},
		{
			name:  "no matches",
			query: "nonexistent",
		},
		{
			name:  "empty query",
			query: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := registry.Search(tt.query, tt.category)
			names := make([]string, 0, len(results))
			for _, r := range results {
				names = append(names, r.Tool.Name)
			}
			if len(tt.want) == 0 {
				assert.Empty(t, names)
				return
			}
			assert.Equal(t, tt.want, names)
			assert.Equal(t, tt.reason, results[0].MatchReason)
		})
	}
}

// TestToolRegistry_SearchSorting tests that higher scores come first
func TestToolRegistry_SearchSorting(t *testing.T) {
	registry := testRegistry()
	registry.Register(&ToolMetadata{Name: "audit", Description: "Audit index", Category: CategoryAudit})

	results := registry.Search("audit", "")
	require.NotEmpty(t, results)
	assert.Equal(t, "audit", results[0].Tool.Name)
	assert.Equal(t, 3, results[0].Score)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
}

// TestToolRegistry_InvalidRegex tests that a bad pattern still matches literally
func TestToolRegistry_InvalidRegex(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&ToolMetadata{Name: "weird", Description: "matches (unbalanced", Category: CategorySearch})

	results := registry.Search("(unbalanced", "")
	require.Len(t, results, 1)
	assert.Equal(t, "description matches", results[0].MatchReason)
}

// TestToolRegistry_ConcurrentAccess tests thread safety
func TestToolRegistry_ConcurrentAccess(t *testing.T) {
	registry := testRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = registry.Search("audit", "")
			_ = registry.List("")
			_ = registry.Count()
		}()
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			registry.Register(&ToolMetadata{
				Name:     fmt.Sprintf("concurrent_tool_%d", idx),
				Category: CategorySearch,
			})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 14, registry.Count())
}
