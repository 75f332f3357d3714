package docs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTodosSplitsOutstandingAndDone(t *testing.T) {
	content := "# TODO\n- [ ] write tests\n- [x] ship feature\n- [X] another done\nnot a bullet\n"
	outstanding, done := ParseTodos(content)
	assert.Equal(t, []string{"write tests"}, outstanding)
	assert.Equal(t, []string{"ship feature", "another done"}, done)
}

func TestTodosDoneTrueWhenNoOutstanding(t *testing.T) {
	assert.True(t, TodosDone("# TODO\n- [x] done item\n"))
	assert.False(t, TodosDone("# TODO\n- [ ] pending\n"))
	assert.True(t, TodosDone(""))
}

func TestValidateTodoMarkdownRequiresCheckbox(t *testing.T) {
	errs := ValidateTodoMarkdown("# TODO\nsome plain text\n")
	assert.NotEmpty(t, errs)
}

func TestValidateTodoMarkdownRejectsPlainBullets(t *testing.T) {
	errs := ValidateTodoMarkdown("# TODO\n- [ ] ok\n- plain bullet\n")
	assert.NotEmpty(t, errs)
}

func TestValidateTodoMarkdownAcceptsWellFormed(t *testing.T) {
	errs := ValidateTodoMarkdown("# TODO\n- [ ] ok\n- [x] done\n")
	assert.Empty(t, errs)
}

func TestValidateTodoMarkdownAcceptsEmpty(t *testing.T) {
	assert.Empty(t, ValidateTodoMarkdown("# TODO\n"))
	assert.Empty(t, ValidateTodoMarkdown(""))
}

func TestSummaryFinalizedAndStamp(t *testing.T) {
	assert.False(t, SummaryFinalized("# Summary\nnothing yet\n"))

	stamped := StampSummaryFinalized("# Summary\nwork done\n", 7)
	assert.True(t, SummaryFinalized(stamped))
	assert.Contains(t, stamped, "run_id=7")

	again := StampSummaryFinalized(stamped, 8)
	assert.Equal(t, stamped, again)
}

func TestAttributionDistinguishesAddedFromReopened(t *testing.T) {
	before := "- [ ] a\n- [ ] b\n- [x] d\n"
	after := "- [ ] b\n- [ ] c\n- [ ] d\n- [x] a\n"

	diff := Attribution(before, after)
	assert.ElementsMatch(t, []string{"a"}, diff.Completed)
	assert.ElementsMatch(t, []string{"d"}, diff.Reopened)
	assert.ElementsMatch(t, []string{"c"}, diff.Added)
	assert.Equal(t, map[string]int{"completed": 1, "added": 1, "reopened": 1}, diff.Counts())
}

func TestBuildSnapshotCapturesBeforeAfter(t *testing.T) {
	before := "- [ ] a\n"
	after := "- [x] a\n"

	snap := BuildSnapshot(before, after)
	assert.Equal(t, []string{"a"}, snap.Before.Outstanding)
	assert.Empty(t, snap.Before.Done)
	assert.Empty(t, snap.After.Outstanding)
	assert.Equal(t, []string{"a"}, snap.After.Done)
}
