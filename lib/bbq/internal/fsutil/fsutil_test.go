package fsutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/knfs-library/bbq/lib/bbq/internal/fsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashNameIsStableAndFixedLength(t *testing.T) {
	a := fsutil.HashName("orders")
	b := fsutil.HashName("orders")
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, fsutil.HashName("shipments"))
}

func TestMsgPathNesting(t *testing.T) {
	qd := fsutil.QueueDir("/root/data", "orders")
	md := fsutil.MsgDir(qd)
	mp := fsutil.MsgPath(md, "msg-1")
	assert.Equal(t, filepath.Join("/root/data", fsutil.HashName("orders"), "msgs"), md)
	assert.Contains(t, mp, ".knmbbq")
}

func TestWriteFileAtomicAndExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "metaq.json")

	require.False(t, fsutil.Exists(path))
	require.NoError(t, fsutil.WriteFileAtomic(path, []byte(`{"ok":true}`), 0o644))
	require.True(t, fsutil.Exists(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}
