package builtin

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

func TestRepoStats(t *testing.T) {
	root := t.TempDir()

	writeFile := func(rel, content string) {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	writeFile("main.go", "package main\n\nfunc main() {}\n")
	writeFile("util.go", "package main\n")
	writeFile("README.md", "# readme\n")
	writeFile(".git/config", "should be skipped\n")

	stats := NewRepoStats(testLogger(), root)

	result, err := stats.Tool().Handler(context.Background(), &mcp.CallToolRequest{
		Params: &mcp.CallToolParamsRaw{Name: "repo_stats"},
	})
	require.NoError(t, err)
	require.False(t, result.IsError)

	var parsed struct {
		Root       string    `json:"root"`
		Extensions []extStat `json:"extensions"`
	}

	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &parsed))
	require.Equal(t, root, parsed.Root)
	require.Len(t, parsed.Extensions, 2)

	// Sorted by file count descending: .go first.
	require.Equal(t, ".go", parsed.Extensions[0].Extension)
	require.Equal(t, 2, parsed.Extensions[0].Files)
	require.Equal(t, 4, parsed.Extensions[0].Lines)
	require.Equal(t, ".md", parsed.Extensions[1].Extension)
}
