package codevice

import "errors"

// Sentinel errors shared across the stack's sub-packages (SDO, PDO, NMT,
// EMCY, SYNC, TIME). These map loosely onto the abort/error conditions a
// CiA 301 node can run into outside of a formal SDO abort code.
var (
	ErrIllegalArgument = errors.New("error in function arguments")
	ErrOutOfMemory     = errors.New("memory allocation failed")
	ErrTimeout         = errors.New("function timeout")
	ErrIllegalBaudrate = errors.New("illegal baudrate passed to function")
	ErrRxOverflow      = errors.New("previous message was not processed yet")
	ErrRxPdoOverflow   = errors.New("previous PDO was not processed yet")
	ErrRxMsgLength     = errors.New("wrong receive message length")
	ErrRxPdoLength     = errors.New("wrong receive PDO length")
	ErrTxOverflow      = errors.New("previous message is still waiting, buffer full")
	ErrTxPdoWindow     = errors.New("synchronous TPDO is outside window")
	ErrTxUnconfigured  = errors.New("transmit buffer was not configured properly")
	ErrOdParameters    = errors.New("error in object dictionary parameters")
	ErrDataCorrupt     = errors.New("stored data are corrupt")
	ErrCRC             = errors.New("CRC does not match")
	ErrTxBusy          = errors.New("sending rejected because driver is busy, try again")
	ErrWrongNMTState   = errors.New("command can't be processed in the current state")
	ErrSyscall         = errors.New("syscall failed")
	ErrInvalidState    = errors.New("driver not ready")
)
