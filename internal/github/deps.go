package github

import (
	"regexp"
	"sort"
	"strconv"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// DependencyRefs are the issue references extracted from one issue body.
// Blocking refs come from unchecked task-list items and blocking phrases;
// Resolved refs come from checked task-list items.
type DependencyRefs struct {
	Blocking []int
	Resolved []int
}

var (
	issueRefRe = regexp.MustCompile(`#(\d+)`)
	phraseRe   = regexp.MustCompile(`(?i)(?:blocked by|depends on|requires|waiting on|waiting for)\s+#(\d+)`)
)

var depMarkdown = goldmark.New(goldmark.WithExtensions(extension.TaskList))

// ParseDependencyRefs scans a markdown issue body for dependency references.
// Task-list items are read from the markdown AST so indentation and nesting
// do not matter; blocking phrases are matched anywhere in the raw text.
func ParseDependencyRefs(body string) DependencyRefs {
	source := []byte(body)
	doc := depMarkdown.Parser().Parse(text.NewReader(source))

	blocking := make(map[int]bool)
	resolved := make(map[int]bool)

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		checkbox, ok := n.(*east.TaskCheckBox)
		if !ok {
			return ast.WalkContinue, nil
		}

		// The checkbox is the first child of the list item's text block;
		// the issue reference lives in the remaining text of that block.
		itemText := nodeText(checkbox.Parent(), source)
		for _, m := range issueRefRe.FindAllStringSubmatch(itemText, -1) {
			num, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			if checkbox.IsChecked {
				resolved[num] = true
			} else {
				blocking[num] = true
			}
		}
		return ast.WalkSkipChildren, nil
	})

	for _, m := range phraseRe.FindAllStringSubmatch(body, -1) {
		if num, err := strconv.Atoi(m[1]); err == nil {
			blocking[num] = true
		}
	}

	return DependencyRefs{
		Blocking: sortedKeys(blocking),
		Resolved: sortedKeys(resolved),
	}
}

// nodeText collects the raw text under a node.
func nodeText(n ast.Node, source []byte) string {
	if n == nil {
		return ""
	}
	var out []byte
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if t, ok := c.(*ast.Text); ok {
			out = append(out, t.Segment.Value(source)...)
		}
		return ast.WalkContinue, nil
	})
	return string(out)
}

func sortedKeys(set map[int]bool) []int {
	if len(set) == 0 {
		return nil
	}
	keys := make([]int, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
