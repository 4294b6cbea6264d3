package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteInSandbox_ParsesConformingResult(t *testing.T) {
	r := New([]string{"sh"})
	source := `#!/bin/sh
echo '{"success": true, "result": {"answer": 42}, "metadata": {"duration_ms": 1}}'
`
	result, err := r.ExecuteInSandbox(context.Background(), source, map[string]string{"q": "life"}, nil, DefaultLimits())
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestExecuteInSandbox_TimesOutOnHang(t *testing.T) {
	r := New([]string{"sh"})
	source := `#!/bin/sh
sleep 5
`
	_, err := r.ExecuteInSandbox(context.Background(), source, nil, nil, Limits{Timeout: 50 * time.Millisecond})
	assert.Error(t, err)
}

func TestExecuteInSandbox_NonConformingOutputIsError(t *testing.T) {
	r := New([]string{"sh"})
	source := `#!/bin/sh
echo 'not json'
`
	_, err := r.ExecuteInSandbox(context.Background(), source, nil, nil, DefaultLimits())
	assert.Error(t, err)
}
