package validation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockRunner is a mock implementation of TestRunner.
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) RunTests(ctx context.Context, scope Scope) (Result, error) {
	args := m.Called(ctx, scope)
	return args.Get(0).(Result), args.Error(1)
}

func TestEngine_Run(t *testing.T) {
	runner := &MockRunner{}
	runner.On("RunTests", mock.Anything, FullSuite()).Return(Result{
		Passed:             true,
		TotalCases:         12,
		CoverageStatements: 85,
		CoverageBranches:   80,
	}, nil)

	engine, err := NewEngine(runner, nil)
	require.NoError(t, err)

	result, err := engine.Run(context.Background(), FullSuite())
	require.NoError(t, err)
	assert.True(t, result.Passed)
	assert.Equal(t, 12, result.TotalCases)
}

func TestNewEngine_RequiresRunner(t *testing.T) {
	_, err := NewEngine(nil, nil)
	assert.Error(t, err)
}

func TestEngine_CheckGreen(t *testing.T) {
	engine, err := NewEngine(&MockRunner{}, nil)
	require.NoError(t, err)

	targets := Targets{Statements: 80, Branches: 75}

	tests := []struct {
		name    string
		result  Result
		wantErr string
	}{
		{
			name:   "meets targets",
			result: Result{Passed: true, TotalCases: 10, CoverageStatements: 82, CoverageBranches: 76},
		},
		{
			name:   "exactly at targets",
			result: Result{Passed: true, TotalCases: 10, CoverageStatements: 80, CoverageBranches: 75},
		},
		{
			name:    "failing cases",
			result:  Result{Passed: false, TotalCases: 10, FailedCases: 2, CoverageStatements: 90, CoverageBranches: 85},
			wantErr: "cases failing",
		},
		{
			name:    "statement coverage below target",
			result:  Result{Passed: true, TotalCases: 10, CoverageStatements: 79.9, CoverageBranches: 80},
			wantErr: "statement coverage",
		},
		{
			name:    "branch coverage below target",
			result:  Result{Passed: true, TotalCases: 10, CoverageStatements: 85, CoverageBranches: 60},
			wantErr: "branch coverage",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := engine.CheckGreen(tt.result, targets)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEngine_CheckNoRegression(t *testing.T) {
	engine, err := NewEngine(&MockRunner{}, nil)
	require.NoError(t, err)

	baseline := Result{Passed: true, TotalCases: 20, CoverageStatements: 85, CoverageBranches: 78}

	tests := []struct {
		name    string
		actual  Result
		wantErr string
	}{
		{
			name:   "identical",
			actual: Result{Passed: true, TotalCases: 20, CoverageStatements: 85, CoverageBranches: 78},
		},
		{
			name:   "improved coverage",
			actual: Result{Passed: true, TotalCases: 20, CoverageStatements: 88, CoverageBranches: 80},
		},
		{
			name:    "zero tolerance on statements",
			actual:  Result{Passed: true, TotalCases: 20, CoverageStatements: 84.9, CoverageBranches: 78},
			wantErr: "statement coverage regressed",
		},
		{
			name:    "zero tolerance on branches",
			actual:  Result{Passed: true, TotalCases: 20, CoverageStatements: 85, CoverageBranches: 77},
			wantErr: "branch coverage regressed",
		},
		{
			name:    "test added",
			actual:  Result{Passed: true, TotalCases: 21, CoverageStatements: 86, CoverageBranches: 79},
			wantErr: "test count changed",
		},
		{
			name:    "test removed",
			actual:  Result{Passed: true, TotalCases: 19, CoverageStatements: 85, CoverageBranches: 78},
			wantErr: "test count changed",
		},
		{
			name:    "failing tests",
			actual:  Result{Passed: false, TotalCases: 20, FailedCases: 1, CoverageStatements: 85, CoverageBranches: 78},
			wantErr: "cases failing",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := engine.CheckNoRegression(baseline, tt.actual)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWithBaseline(t *testing.T) {
	baseline := Result{CoverageStatements: 80, CoverageBranches: 70}
	actual := Result{CoverageStatements: 85, CoverageBranches: 68}

	got := WithBaseline(baseline, actual)
	assert.InDelta(t, 5, got.DeltaStatements, 0.001)
	assert.InDelta(t, -2, got.DeltaBranches, 0.001)
}

func TestResultSummary(t *testing.T) {
	r := Result{Passed: false, TotalCases: 10, FailedCases: 3, CoverageStatements: 72.5, CoverageBranches: 60}
	assert.Contains(t, r.Summary(), "FAIL")
	assert.Contains(t, r.Summary(), "3/10")
}
