package errs_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mindrill/mindrill/errs"
)

func TestErrorRendersFields(t *testing.T) {
	cause := errors.New("boom")
	err := errs.New("session", errs.CodeModuleFault,
		errs.WithSession("sess-1"),
		errs.WithFunction("DoRound"),
		errs.WithMessage("advance failed"),
		errs.WithCause(cause))

	rendered := err.Error()
	require.Contains(t, rendered, "component=session")
	require.Contains(t, rendered, "code=module_fault")
	require.Contains(t, rendered, "session=sess-1")
	require.Contains(t, rendered, "function=DoRound")
	require.Contains(t, rendered, `cause="boom"`)
	require.ErrorIs(t, err, cause)
}

func TestCodeOfUnwrapsWrappedEnvelopes(t *testing.T) {
	inner := errs.New("orchestrator", errs.CodeNotFound, errs.WithMessage("session missing"))
	wrapped := fmt.Errorf("attach client: %w", inner)

	require.Equal(t, errs.CodeNotFound, errs.CodeOf(wrapped))
	require.True(t, errs.IsNotFound(wrapped))
	require.Equal(t, errs.Code(""), errs.CodeOf(errors.New("plain")))
}

func TestNilEnvelope(t *testing.T) {
	var err *errs.E
	require.Equal(t, "<nil>", err.Error())
}
