package taskerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	plain := New(CodePlanEmpty, "no batches in range")
	assert.Equal(t, "PLAN_EMPTY: no batches in range", plain.Error())

	cause := errors.New("exit status 128")
	wrapped := Wrap(CodeVCSError, "push branch", cause)
	assert.Equal(t, "EXEC_VCS_ERROR: push branch: exit status 128", wrapped.Error())
	assert.Equal(t, cause, errors.Unwrap(wrapped))

	formatted := Newf(CodeSessionNotFound, "session %s", "exec_1234abcd")
	assert.Equal(t, "SESSION_NOT_FOUND: session exec_1234abcd", formatted.Error())
}

func TestCodeOfWalksChain(t *testing.T) {
	inner := Wrap(CodeAgentTimeout, "agent run", errors.New("context deadline exceeded"))
	outer := fmt.Errorf("task 1.1: %w", inner)

	assert.Equal(t, CodeAgentTimeout, CodeOf(outer))
	assert.True(t, HasCode(outer, CodeAgentTimeout))
	assert.False(t, HasCode(outer, CodeVCSError))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
}

func TestCategoryHTTPStatus(t *testing.T) {
	cases := []struct {
		code   Code
		status int
	}{
		{CodePlanNotFound, 404},
		{CodeSessionNotFound, 404},
		{CodePlanEmpty, 400},
		{CodeOrchestratorEmptyRange, 400},
		{CodePoolAcquireTimeout, 504},
		{CodeAgentTimeout, 504},
		{CodePoolNotInitialized, 503},
		{CodeAgentNotFound, 503},
		{CodeOrchestratorDB, 500},
		{CodeVCSError, 500},
	}
	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			require.Equal(t, tc.status, New(tc.code, "x").Category().HTTPStatus())
		})
	}

	assert.Equal(t, 500, New(Code("MYSTERY"), "x").Category().HTTPStatus())
}

func TestReason(t *testing.T) {
	assert.Equal(t, "agent_timeout", Reason(CodeAgentTimeout))
	assert.Equal(t, "vcs_error", Reason(CodeVCSError))
	assert.Equal(t, "sandbox_acquire_timeout", Reason(CodePoolAcquireTimeout))
	// Codes without a short reason fall back to the code itself.
	assert.Equal(t, "PLAN_EMPTY", Reason(CodePlanEmpty))
}
