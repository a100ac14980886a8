package runtime_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/knfs-library/bbq/lib/bbq/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeEchoScript writes a shell script that reads one line from stdin and
// immediately answers with a fixed success Result line, simulating a
// well-behaved callback module.
func writeEchoScript(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "callback.sh")
	script := "#!/bin/sh\nread line\necho '{\"event\":\"success\"}'\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestExecRuntimeRoundTrip(t *testing.T) {
	path := writeEchoScript(t)
	rt := runtime.New(path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, rt.Start(ctx))
	require.NoError(t, rt.Send(runtime.Invocation{Path: path, Handle: map[string]any{"tried": 1}}))

	select {
	case res := <-rt.Results():
		assert.Equal(t, runtime.EventSuccess, res.Event)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for result")
	}

	assert.NoError(t, rt.Terminate())
}
