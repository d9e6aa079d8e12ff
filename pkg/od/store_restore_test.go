package od

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

type memNVM struct {
	buf []byte
}

func (m *memNVM) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.buf[off:])
	return n, nil
}

func (m *memNVM) WriteAt(p []byte, off int64) (int, error) {
	if need := int(off) + len(p); need > len(m.buf) {
		grown := make([]byte, need)
		copy(grown, m.buf)
		m.buf = grown
	}
	return copy(m.buf[off:], p), nil
}

func newTestOD(t *testing.T) *ObjectDictionary {
	t.Helper()
	return &ObjectDictionary{
		logger:              _logger,
		entriesByIndexValue: map[uint16]*Entry{},
		entriesByIndexName:  map[string]*Entry{},
	}
}

func sigBytes(sig uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, sig)
	return b
}

func TestParameterStoreRequiresSignature(t *testing.T) {
	odict := newTestOD(t)
	odict.AddVariableType(0x2000, "value", UNSIGNED32, AttributeSdoRw, "0x1234")
	entry := odict.Index(0x2000)
	variable, err := entry.SubIndex(0)
	require.NoError(t, err)

	nvm := &memNVM{}
	group := odict.AddParameterStoreRestore(nvm, 0, []*Variable{variable})

	storeEntry := odict.Index(EntryStoreParameters)
	require.NotNil(t, storeEntry)

	err = storeEntry.PutUint32(1, 0xDEADBEEF, false)
	require.ErrorIs(t, err, ErrDataTransf)
	require.False(t, group.saved)

	err = storeEntry.PutUint32(1, ParameterStoreSignature, false)
	require.NoError(t, err)
	require.True(t, group.saved)

	stored := make([]byte, 8)
	_, err = nvm.ReadAt(stored, 0)
	require.NoError(t, err)
	require.Equal(t, ParameterStoreSignature, binary.LittleEndian.Uint32(stored[:4]))
	require.Equal(t, uint32(0x1234), binary.LittleEndian.Uint32(stored[4:]))
}

func TestParameterRestoreResetsToDefault(t *testing.T) {
	odict := newTestOD(t)
	odict.AddVariableType(0x2000, "value", UNSIGNED32, AttributeSdoRw, "0x1234")
	entry := odict.Index(0x2000)
	variable, err := entry.SubIndex(0)
	require.NoError(t, err)

	nvm := &memNVM{}
	odict.AddParameterStoreRestore(nvm, 0, []*Variable{variable})

	require.NoError(t, entry.PutUint32(0, 0xAAAAAAAA, false))
	got, err := entry.Uint32(0)
	require.NoError(t, err)
	require.Equal(t, uint32(0xAAAAAAAA), got)

	restoreEntry := odict.Index(EntryRestoreDefaultParameters)
	require.NotNil(t, restoreEntry)
	require.NoError(t, restoreEntry.PutUint32(1, ParameterRestoreSignature, false))

	got, err = entry.Uint32(0)
	require.NoError(t, err)
	require.Equal(t, uint32(0x1234), got)
}

func TestParameterStoreSubindexZeroReadonly(t *testing.T) {
	odict := newTestOD(t)
	odict.AddVariableType(0x2000, "value", UNSIGNED32, AttributeSdoRw, "0x1")
	entry := odict.Index(0x2000)
	variable, _ := entry.SubIndex(0)

	odict.AddParameterStoreRestore(&memNVM{}, 0, []*Variable{variable})
	storeEntry := odict.Index(EntryStoreParameters)
	err := storeEntry.PutUint8(0, 1, false)
	require.ErrorIs(t, err, ErrReadonly)
}
