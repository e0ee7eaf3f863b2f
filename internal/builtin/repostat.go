package builtin

import (
	"bufio"
	"context"
	"encoding/json"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// maxCountedFileSize skips line counting for files larger than this;
// they still count toward file totals.
const maxCountedFileSize = 1 << 20

// RepoStats is the built-in static repository analysis tool: it walks a
// configured root and reports per-extension file and line counts.
type RepoStats struct {
	log  *slog.Logger
	root string
}

// NewRepoStats analyzes the tree rooted at root.
func NewRepoStats(log *slog.Logger, root string) *RepoStats {
	return &RepoStats{
		log:  log.With("component", "repo_stats"),
		root: root,
	}
}

// Tool returns the tool registration for the set.
func (r *RepoStats) Tool() *Tool {
	return &Tool{
		Def: NewTool(
			"repo_stats",
			"Report per-extension file and line counts for the analyzed repository",
			&jsonschema.Schema{Type: "object"},
		),
		Handler: r.handle,
	}
}

type extStat struct {
	Extension string `json:"extension"`
	Files     int    `json:"files"`
	Lines     int    `json:"lines"`
}

func (r *RepoStats) handle(_ context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats := make(map[string]*extStat)

	err := filepath.WalkDir(r.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		name := d.Name()

		if d.IsDir() {
			if name == ".git" || name == "node_modules" || name == "vendor" {
				return filepath.SkipDir
			}

			return nil
		}

		ext := strings.ToLower(filepath.Ext(name))
		if ext == "" {
			ext = "(none)"
		}

		st, ok := stats[ext]
		if !ok {
			st = &extStat{Extension: ext}
			stats[ext] = st
		}

		st.Files++
		st.Lines += countLines(path)

		return nil
	})
	if err != nil {
		return ErrorResult("walk repository: " + err.Error()), nil
	}

	ordered := make([]extStat, 0, len(stats))
	for _, st := range stats {
		ordered = append(ordered, *st)
	}

	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Files != ordered[j].Files {
			return ordered[i].Files > ordered[j].Files
		}

		return ordered[i].Extension < ordered[j].Extension
	})

	payload, err := json.Marshal(map[string]any{
		"root":       r.root,
		"extensions": ordered,
	})
	if err != nil {
		return ErrorResult("encode stats: " + err.Error()), nil
	}

	return TextResult(string(payload)), nil
}

// countLines counts newline-delimited lines, returning 0 for files it
// cannot or should not read.
func countLines(path string) int {
	info, err := os.Stat(path)
	if err != nil || info.Size() > maxCountedFileSize {
		return 0
	}

	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		count++
	}

	return count
}
