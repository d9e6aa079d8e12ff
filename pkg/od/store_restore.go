package od

// Parameter store / restore (CiA 301 objects 0x1010 and 0x1011). Grounded on
// the original CANopenNode sources (co_para_store.c / co_para_restore.c):
// store commits the current value of a bound parameter group to non-volatile
// memory only when written the "save" signature; restore resets the group to
// its EDS-declared manufacturer default only when written the "load"
// signature. Restore never reloads a previously stored NVM image - that is
// the documented CiA 301 behaviour, not an oversight.

import (
	"encoding/binary"
	"io"
	"log/slog"
)

const (
	// ParameterStoreSignature is the ASCII "save" read little-endian, the
	// value a master must write to subindex >0 of 0x1010 to commit a group.
	ParameterStoreSignature uint32 = 0x65766173
	// ParameterRestoreSignature is the ASCII "load" read little-endian, the
	// value a master must write to subindex >0 of 0x1011 to reset a group.
	ParameterRestoreSignature uint32 = 0x64616F6C
)

// NVM is the persistence target for parameter store/restore. *os.File
// satisfies it directly; tests can pass a small in-memory stand-in.
type NVM interface {
	io.ReaderAt
	io.WriterAt
}

// NVMDriver is the host non-volatile memory contract (external interface
// §6): Init prepares the backing storage, Read/Write move size bytes at
// offset and report the byte count actually transferred. It is named and
// shaped after the Timer/CAN driver contracts rather than io.ReaderAt so a
// host NVM implementation (flash page, EEPROM, file) can be written once
// against this package instead of against Go's io interfaces.
type NVMDriver interface {
	Init() error
	Read(offset int64, buf []byte, size int) (int, error)
	Write(offset int64, buf []byte, size int) (int, error)
}

// nvmDriverAdapter makes an [NVMDriver] usable wherever [NVM] is expected.
type nvmDriverAdapter struct {
	driver NVMDriver
}

// AdaptNVMDriver wraps driver so it can be passed to [NewParameterGroup].
func AdaptNVMDriver(driver NVMDriver) NVM {
	return &nvmDriverAdapter{driver: driver}
}

func (a *nvmDriverAdapter) ReadAt(buf []byte, offset int64) (int, error) {
	return a.driver.Read(offset, buf, len(buf))
}

func (a *nvmDriverAdapter) WriteAt(buf []byte, offset int64) (int, error) {
	return a.driver.Write(offset, buf, len(buf))
}

// ParameterGroup binds the OD variables of one parameter group (e.g.
// "communication parameters", "application parameters") to a contiguous NVM
// region. Store writes a 4-byte signature followed by the raw concatenated
// bytes of every bound Variable, in order.
type ParameterGroup struct {
	logger    *slog.Logger
	nvm       NVM
	offset    int64
	Variables []*Variable
	saved     bool
}

// NewParameterGroup creates a group persisting to nvm at the given byte
// offset. Passing a nil nvm is legal for groups that only ever restore
// (never store); WriteEntryParameterStore then fails with [ErrHw].
func NewParameterGroup(nvm NVM, offset int64, logger *slog.Logger, variables ...*Variable) *ParameterGroup {
	if logger == nil {
		logger = slog.Default()
	}
	return &ParameterGroup{
		logger:    logger.With("extension", "[PARA]"),
		nvm:       nvm,
		offset:    offset,
		Variables: variables,
	}
}

// WriteEntryParameterStore is the [StreamWriter] for object 0x1010.
// Subindex 0 ("number of stored groups") is read-only. Other subindexes
// accept only the 4-byte store signature and otherwise abort with
// ErrDataTransf without touching NVM, per CiA 301.
func WriteEntryParameterStore(stream *Stream, data []byte, countWritten *uint16) error {
	if stream != nil && stream.Subindex == 0 {
		return ErrReadonly
	}
	group, err := parameterGroupFromStream(stream, data)
	if err != nil {
		return err
	}
	if binary.LittleEndian.Uint32(data) != ParameterStoreSignature {
		return ErrDataTransf
	}
	*countWritten = uint16(len(data))
	if group.nvm == nil {
		return ErrHw
	}
	buf := make([]byte, 0, 64)
	buf = binary.LittleEndian.AppendUint32(buf, ParameterStoreSignature)
	for _, v := range group.Variables {
		buf = append(buf, v.Bytes()...)
	}
	if _, err := group.nvm.WriteAt(buf, group.offset); err != nil {
		group.logger.Warn("store failed", "err", err)
		return ErrHw
	}
	group.saved = true
	group.logger.Info("stored parameter group", "bytes", len(buf))
	return nil
}

// WriteEntryParameterRestore is the [StreamWriter] for object 0x1011.
// Subindex 0 is read-only. Other subindexes reset every bound Variable to
// its EDS default value; it does not read back from NVM, matching CiA 301's
// "restore default parameters" semantics.
func WriteEntryParameterRestore(stream *Stream, data []byte, countWritten *uint16) error {
	if stream != nil && stream.Subindex == 0 {
		return ErrReadonly
	}
	group, err := parameterGroupFromStream(stream, data)
	if err != nil {
		return err
	}
	if binary.LittleEndian.Uint32(data) != ParameterRestoreSignature {
		return ErrDataTransf
	}
	*countWritten = uint16(len(data))
	for _, v := range group.Variables {
		if err := v.PutBytes(v.DefaultValue()); err != nil {
			return err
		}
	}
	group.saved = false
	group.logger.Info("restored parameter group to defaults")
	return nil
}

// ReadEntryParameterGroupStatus is the [StreamReader] shared by 0x1010 and
// 0x1011 subindexes >0: it reports 1 once the group has been committed to
// NVM via [WriteEntryParameterStore] since the last restore, 0 otherwise.
func ReadEntryParameterGroupStatus(stream *Stream, data []byte, countRead *uint16) error {
	if stream != nil && stream.Subindex == 0 {
		return ReadEntryDefault(stream, data, countRead)
	}
	group, err := parameterGroupFromStream(stream, data)
	if err != nil {
		return err
	}
	var v uint32
	if group.saved {
		v = 1
	}
	binary.LittleEndian.PutUint32(data, v)
	*countRead = uint16(len(data))
	return nil
}

func parameterGroupFromStream(stream *Stream, data []byte) (*ParameterGroup, error) {
	if stream == nil || data == nil || stream.Object == nil || len(data) != 4 {
		return nil, ErrDevIncompat
	}
	group, ok := stream.Object.(*ParameterGroup)
	if !ok {
		return nil, ErrDevIncompat
	}
	return group, nil
}
