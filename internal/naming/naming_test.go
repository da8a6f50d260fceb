package naming

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlug(t *testing.T) {
	tests := []struct {
		name string
		task string
		n    int
		want string
	}{
		{"simple", "add logging", TaskSlugLen, "add-logging"},
		{"truncated before filtering", "Implement the caching layer", TaskSlugLen, "implement-the-cachin"},
		{"punctuation dropped", "fix bug #42: nil map!", TaskSlugLen, "fix-bug-42-nil-map"},
		{"uppercase", "Add API", TaskSlugLen, "add-api"},
		{"empty", "", TaskSlugLen, "task"},
		{"only punctuation", "!!!", TaskSlugLen, "task"},
		{"subtask length", "write the migration for the users table", SubtaskSlugLen, "write-the-migration-for-the-us"},
		{"unicode letters", "añadir café", TaskSlugLen, "añadir-café"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Slug(tt.task, tt.n))
		})
	}
}

func TestSchemeBranch(t *testing.T) {
	assert.Equal(t, "voting-ab12cd34-add-logging-variant-2",
		SchemeV2.Branch(PrefixVoting, "ab12cd34", "add-logging", VariantID(2)))
	assert.Equal(t, "voting-ab12cd34-variant-2",
		SchemeV1.Branch(PrefixVoting, "ab12cd34", "add-logging", VariantID(2)))
}

func TestSchemeBranch_DistinctPerVariant(t *testing.T) {
	seen := map[string]bool{}
	for i := 1; i <= 10; i++ {
		b := DefaultScheme.Branch(PrefixVoting, "s1", "x", VariantID(i))
		assert.False(t, seen[b], "duplicate branch %s", b)
		seen[b] = true
	}
}

func TestParseScheme(t *testing.T) {
	s, err := ParseScheme("")
	require.NoError(t, err)
	assert.Equal(t, SchemeV2, s)

	s, err = ParseScheme("v1")
	require.NoError(t, err)
	assert.Equal(t, SchemeV1, s)

	_, err = ParseScheme("v9")
	assert.Error(t, err)
}

func TestDirs(t *testing.T) {
	assert.Equal(t, "/src/app.worktrees", WorktreesDir("/src/app/"))
	assert.Equal(t, "ab12-add-logging-var3", VotingDir("ab12", "add-logging", 3))
	assert.Equal(t, "ab12-docs-sub1", SubtaskDir("ab12", "docs", 1))
	assert.NotEqual(t, SubtaskDir("ab12", "docs", 1), SubtaskDir("ab12", "docs", 2))
	assert.Equal(t, "adhoc-ff00-quick-fix", AdhocName("ff00", "quick-fix"))
}

func TestOwnedAndSessionID(t *testing.T) {
	assert.True(t, Owned("voting-ab12-x-variant-1"))
	assert.True(t, Owned("orchestrated-ab12-x-subtask-1"))
	assert.True(t, Owned("adhoc-ab12-x"))
	assert.False(t, Owned("main"))
	assert.False(t, Owned("votingfoo"))

	id, ok := SessionIDFromBranch("voting-ab12cd34-add-logging-variant-1")
	assert.True(t, ok)
	assert.Equal(t, "ab12cd34", id)

	_, ok = SessionIDFromBranch("feature/x")
	assert.False(t, ok)
}

func TestParseBranch(t *testing.T) {
	tests := []struct {
		branch string
		want   BranchInfo
	}{
		{"voting-ab12cd34-add-logging-variant-2", BranchInfo{Prefix: PrefixVoting, SessionID: "ab12cd34", Slug: "add-logging", VariantID: "variant-2", Scheme: SchemeV2}},
		{"voting-ab12cd34-variant-2", BranchInfo{Prefix: PrefixVoting, SessionID: "ab12cd34", VariantID: "variant-2", Scheme: SchemeV1}},
		{"orchestrated-12345678-parser-subtask-1", BranchInfo{Prefix: PrefixOrchestrated, SessionID: "12345678", Slug: "parser", VariantID: "subtask-1", Scheme: SchemeV2}},
		{"orchestrated-12345678-subtask-3", BranchInfo{Prefix: PrefixOrchestrated, SessionID: "12345678", VariantID: "subtask-3", Scheme: SchemeV1}},
		{"voting-ab12cd34-variant-of-x-variant-1", BranchInfo{Prefix: PrefixVoting, SessionID: "ab12cd34", Slug: "variant-of-x", VariantID: "variant-1", Scheme: SchemeV2}},
		{"adhoc-ffee0011-fix-login", BranchInfo{Prefix: PrefixAdhoc, SessionID: "ffee0011", Slug: "fix-login"}},
	}
	for _, tt := range tests {
		t.Run(tt.branch, func(t *testing.T) {
			got, ok := ParseBranch(tt.branch)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
			if got.Scheme != "" {
				assert.Equal(t, tt.branch, got.Scheme.Branch(got.Prefix, got.SessionID, got.Slug, got.VariantID))
			}
		})
	}

	for _, bad := range []string{"main", "voting-ab12cd34", "voting-ab12cd34-x-variant-0", "voting-ab12cd34-x-subtask-1", "orchestrated-1234-x-variant-1", "voting--x-variant-1"} {
		_, ok := ParseBranch(bad)
		assert.False(t, ok, bad)
	}
}
