package github

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseDependencyRefsTaskList(t *testing.T) {
	body := `Implements the new login flow.

Dependencies:
- [ ] #12
- [x] #7
- [ ] needs the schema from #12 and #15
`
	refs := ParseDependencyRefs(body)
	assert.Equal(t, []int{12, 15}, refs.Blocking)
	assert.Equal(t, []int{7}, refs.Resolved)
}

func TestParseDependencyRefsNestedTaskList(t *testing.T) {
	// Indented and nested task lists still parse: the AST walk does not care
	// about nesting depth.
	body := `- [ ] top level #3
  - [x] nested #4
    - [ ] deeper #5`
	refs := ParseDependencyRefs(body)
	assert.Equal(t, []int{3, 5}, refs.Blocking)
	assert.Equal(t, []int{4}, refs.Resolved)
}

func TestParseDependencyRefsPhrases(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []int
	}{
		{"blocked by", "This is blocked by #9.", []int{9}},
		{"depends on", "depends on #21 for the schema", []int{21}},
		{"requires", "Requires #33", []int{33}},
		{"waiting on", "waiting on #2", []int{2}},
		{"waiting for", "Waiting for #44 to land", []int{44}},
		{"case insensitive", "BLOCKED BY #5", []int{5}},
		{"plain mention is not a dependency", "related to #8, see also #9", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			refs := ParseDependencyRefs(tt.body)
			assert.Equal(t, tt.want, refs.Blocking)
			assert.Empty(t, refs.Resolved)
		})
	}
}

func TestParseDependencyRefsDeduplicates(t *testing.T) {
	body := `- [ ] #6
blocked by #6
depends on #6`
	refs := ParseDependencyRefs(body)
	assert.Equal(t, []int{6}, refs.Blocking)
}

func TestParseDependencyRefsEmptyBody(t *testing.T) {
	refs := ParseDependencyRefs("")
	assert.Empty(t, refs.Blocking)
	assert.Empty(t, refs.Resolved)
}
