package gate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/phased/internal/coordination"
	"github.com/fyrsmithlabs/phased/internal/validation"
)

type fakeArtifacts struct{ paths map[string]bool }

func (f *fakeArtifacts) Exists(path string) bool { return f.paths[path] }

func (f *fakeArtifacts) List(prefix string) []string {
	var out []string
	for p := range f.paths {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	return out
}

type fakeHistory struct {
	markers map[string]bool
	err     error
}

func (f *fakeHistory) HasCommitMatching(pattern string) (bool, error) {
	return f.markers[pattern], f.err
}

type fakeValidation struct {
	result validation.Result
	calls  int
}

func (f *fakeValidation) Run(ctx context.Context, scope validation.Scope) (validation.Result, error) {
	f.calls++
	return f.result, nil
}

func testProbes(board *coordination.Board) Probes {
	return Probes{
		Artifacts:  &fakeArtifacts{paths: map[string]bool{"red/ops_test.go": true}},
		History:    &fakeHistory{markers: map[string]bool{"^RED:": true}},
		Validation: &fakeValidation{result: validation.Result{Passed: false, FailedCases: 3, TotalCases: 3}},
		Readiness:  board,
	}
}

func TestEvaluate_AllSatisfied(t *testing.T) {
	e := NewEvaluator(testProbes(coordination.NewBoard(nil)))

	reqs := []Requirement{
		ArtifactExists{Path: "red/ops_test.go", Kind: "test"},
		VCSMarkerExists{Pattern: "^RED:"},
		ValidationState{Expect: ExpectFail},
	}

	ok, missing, err := e.Evaluate(context.Background(), reqs)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, missing)
}

func TestEvaluate_ReportsUnmetSubset(t *testing.T) {
	e := NewEvaluator(testProbes(coordination.NewBoard(nil)))

	reqs := []Requirement{
		ArtifactExists{Path: "red/ops_test.go"},
		ArtifactExists{Path: "green/impl.go"},
		VCSMarkerExists{Pattern: "^GREEN:"},
	}

	ok, missing, err := e.Evaluate(context.Background(), reqs)
	require.NoError(t, err)
	assert.False(t, ok)
	require.Len(t, missing, 2)
	assert.Contains(t, missing[0].Describe(), "green/impl.go")
	assert.Contains(t, missing[1].Describe(), "^GREEN:")
}

func TestEvaluate_Idempotent(t *testing.T) {
	probes := testProbes(coordination.NewBoard(nil))
	e := NewEvaluator(probes)

	reqs := []Requirement{
		ArtifactExists{Path: "red/ops_test.go"},
		ValidationState{Expect: ExpectFail},
	}

	ok1, missing1, err := e.Evaluate(context.Background(), reqs)
	require.NoError(t, err)
	ok2, missing2, err := e.Evaluate(context.Background(), reqs)
	require.NoError(t, err)

	assert.Equal(t, ok1, ok2)
	assert.Equal(t, missing1, missing2)
}

func TestArtifactExists_PrefixRequirement(t *testing.T) {
	probes := Probes{Artifacts: &fakeArtifacts{paths: map[string]bool{"red/ops_test.go": true}}}

	got, err := ArtifactExists{Path: "red/", Kind: "test"}.Satisfied(context.Background(), probes)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = ArtifactExists{Path: "green/"}.Satisfied(context.Background(), probes)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestValidationState_Expectations(t *testing.T) {
	tests := []struct {
		name   string
		expect Expectation
		passed bool
		want   bool
	}{
		{name: "expect fail, suite failing", expect: ExpectFail, passed: false, want: true},
		{name: "expect fail, suite passing", expect: ExpectFail, passed: true, want: false},
		{name: "expect pass, suite passing", expect: ExpectPass, passed: true, want: true},
		{name: "expect pass, suite failing", expect: ExpectPass, passed: false, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			probes := Probes{Validation: &fakeValidation{result: validation.Result{Passed: tt.passed}}}
			got, err := ValidationState{Expect: tt.expect}.Satisfied(context.Background(), probes)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCoordinationReady(t *testing.T) {
	board := coordination.NewBoard(nil)
	require.NoError(t, board.Declare(coordination.Edge{
		Producer: "worktree-a",
		Consumer: "worktree-b",
		Kind:     coordination.KindSchema,
	}))

	e := NewEvaluator(Probes{Readiness: board})
	req := []Requirement{CoordinationReady{Worktree: "worktree-b"}}

	ok, missing, err := e.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, ok)
	require.Len(t, missing, 1)

	board.MarkPublished("worktree-a", coordination.KindSchema)

	ok, missing, err = e.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, missing)
}

func TestEvaluate_ProbeError(t *testing.T) {
	probes := testProbes(coordination.NewBoard(nil))
	probes.History = &fakeHistory{err: errors.New("repo corrupt")}
	e := NewEvaluator(probes)

	_, _, err := e.Evaluate(context.Background(), []Requirement{VCSMarkerExists{Pattern: "^RED:"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repo corrupt")
}

func TestDescribeAll(t *testing.T) {
	s := DescribeAll([]Requirement{
		ArtifactExists{Path: "a", Kind: "test"},
		ValidationState{Expect: ExpectFail},
	})
	assert.Contains(t, s, "artifact a")
	assert.Contains(t, s, "must currently fail")
}
