package diskmgr

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"raincloudb/internal/storagepage"
)

func TestManagerWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	m, err := Open[*storagepage.DataPage](path, storagepage.DeserializeDataPage)
	require.NoError(t, err)
	defer m.Close()

	id := m.AllocatePageId()
	p := storagepage.NewDataPage(id)
	_, ok := p.InsertRecord([]byte("payload"))
	require.True(t, ok)

	require.NoError(t, m.WritePage(p))

	back, ok := m.ReadPage(id)
	require.True(t, ok)
	got, ok := back.GetRecord(0)
	require.True(t, ok)
	require.Equal(t, []byte("payload"), got)
}

func TestAllocatePageIdMonotonic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	m, err := Open[*storagepage.DataPage](path, storagepage.DeserializeDataPage)
	require.NoError(t, err)
	defer m.Close()

	a := m.AllocatePageId()
	b := m.AllocatePageId()
	c := m.AllocatePageId()
	require.Equal(t, a+1, b)
	require.Equal(t, b+1, c)
}

func TestReopenSeedsCounterFromFileSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	m1, err := Open[*storagepage.DataPage](path, storagepage.DeserializeDataPage)
	require.NoError(t, err)
	id := m1.AllocatePageId()
	require.NoError(t, m1.WritePage(storagepage.NewDataPage(id)))
	require.NoError(t, m1.Close())

	m2, err := Open[*storagepage.DataPage](path, storagepage.DeserializeDataPage)
	require.NoError(t, err)
	defer m2.Close()
	next := m2.AllocatePageId()
	require.Equal(t, id+1, next)
}
