package sdo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/colibri-automation/codevice/internal/crc"
	"github.com/colibri-automation/codevice/pkg/od"
)

var ErrWrongClientReturnValue = errors.New("wrong client return value")

// Common defines to both SDO server and SDO client
type SDOAbortCode uint32
type SDOState uint8

const (
	DefaultClientTimeout = 1000
	DefaultServerTimeout = 1000
	ClientBaseId         = 0x600
	ServerBaseId         = 0x580
)

// Command specifier bits shared by download/upload initiate frames.
const (
	sizeIndicated      = 1 << 0
	sizeNotIndicated   = 0 << 0
	transferExpedited  = 1 << 1
	transferSegemented = 0 << 1
)

const (
	// BlockSeqSize is the number of payload bytes a block transfer segment
	// carries: one CAN data byte holds the sequence number, the remaining
	// seven carry data.
	BlockSeqSize = 7
	// BlockMaxSize is the largest blksize a block transfer can negotiate;
	// the field is a single byte and CiA 301 caps it at 127.
	BlockMaxSize = 127
)

const (
	stateIdle                   SDOState = 0x00
	stateAbort                  SDOState = 0x01
	stateDownloadLocalTransfer  SDOState = 0x10
	stateDownloadInitiateReq    SDOState = 0x11
	stateDownloadInitiateRsp    SDOState = 0x12
	stateDownloadSegmentReq     SDOState = 0x13
	stateDownloadSegmentRsp     SDOState = 0x14
	stateUploadLocalTransfer    SDOState = 0x20
	stateUploadInitiateReq      SDOState = 0x21
	stateUploadInitiateRsp      SDOState = 0x22
	stateUploadSegmentReq       SDOState = 0x23
	stateUploadSegmentRsp       SDOState = 0x24
	stateUploadExpeditedRsp     SDOState = 0x25
	stateDownloadBlkInitiateReq SDOState = 0x51
	stateDownloadBlkInitiateRsp SDOState = 0x52
	stateDownloadBlkSubblockReq SDOState = 0x53
	stateDownloadBlkSubblockRsp SDOState = 0x54
	stateDownloadBlkEndReq      SDOState = 0x55
	stateDownloadBlkEndRsp      SDOState = 0x56
	stateUploadBlkInitiateReq   SDOState = 0x61
	stateUploadBlkInitiateRsp   SDOState = 0x62
	stateUploadBlkInitiateReq2  SDOState = 0x63
	stateUploadBlkSubblockSreq  SDOState = 0x64
	stateUploadBlkSubblockCrsp  SDOState = 0x65
	stateUploadBlkEndSreq       SDOState = 0x66
	stateUploadBlkEndCrsp       SDOState = 0x67
)

const (
	AbortToggleBit         SDOAbortCode = 0x05030000
	AbortTimeout           SDOAbortCode = 0x05040000
	AbortCmd               SDOAbortCode = 0x05040001
	AbortBlockSize         SDOAbortCode = 0x05040002
	AbortSeqNum            SDOAbortCode = 0x05040003
	AbortCRC               SDOAbortCode = 0x05040004
	AbortOutOfMem          SDOAbortCode = 0x05040005
	AbortUnsupportedAccess SDOAbortCode = 0x06010000
	AbortWriteOnly         SDOAbortCode = 0x06010001
	AbortReadOnly          SDOAbortCode = 0x06010002
	AbortNotExist          SDOAbortCode = 0x06020000
	AbortNoMap             SDOAbortCode = 0x06040041
	AbortMapLen            SDOAbortCode = 0x06040042
	AbortParamIncompat     SDOAbortCode = 0x06040043
	AbortDeviceIncompat    SDOAbortCode = 0x06040047
	AbortHardware          SDOAbortCode = 0x06060000
	AbortTypeMismatch      SDOAbortCode = 0x06070010
	AbortDataLong          SDOAbortCode = 0x06070012
	AbortDataShort         SDOAbortCode = 0x06070013
	AbortSubUnknown        SDOAbortCode = 0x06090011
	AbortInvalidValue      SDOAbortCode = 0x06090030
	AbortValueHigh         SDOAbortCode = 0x06090031
	AbortValueLow          SDOAbortCode = 0x06090032
	AbortMaxLessMin        SDOAbortCode = 0x06090036
	AbortNoRessource       SDOAbortCode = 0x060A0023
	AbortGeneral           SDOAbortCode = 0x08000000
	AbortDataTransfer      SDOAbortCode = 0x08000020
	AbortDataLocalControl  SDOAbortCode = 0x08000021
	AbortDataDeviceState   SDOAbortCode = 0x08000022
	AbortDataOD            SDOAbortCode = 0x08000023
	AbortNoData            SDOAbortCode = 0x08000024
)

var AbortCodeDescriptionMap = map[SDOAbortCode]string{
	AbortToggleBit:         "Toggle bit not altered",
	AbortTimeout:           "SDO protocol timed out",
	AbortCmd:               "Command specifier not valid or unknown",
	AbortBlockSize:         "Invalid block size in block mode",
	AbortSeqNum:            "Invalid sequence number in block mode",
	AbortCRC:               "CRC error (block mode only)",
	AbortOutOfMem:          "Out of memory",
	AbortUnsupportedAccess: "Unsupported access to an object",
	AbortWriteOnly:         "Attempt to read a write only object",
	AbortReadOnly:          "Attempt to write a read only object",
	AbortNotExist:          "Object does not exist in the object dictionary",
	AbortNoMap:             "Object cannot be mapped to the PDO",
	AbortMapLen:            "Num and len of object to be mapped exceeds PDO len",
	AbortParamIncompat:     "General parameter incompatibility reasons",
	AbortDeviceIncompat:    "General internal incompatibility in device",
	AbortHardware:          "Access failed due to hardware error",
	AbortTypeMismatch:      "Data type does not match, length does not match",
	AbortDataLong:          "Data type does not match, length too high",
	AbortDataShort:         "Data type does not match, length too short",
	AbortSubUnknown:        "Sub index does not exist",
	AbortInvalidValue:      "Invalid value for parameter (download only)",
	AbortValueHigh:         "Value range of parameter written too high",
	AbortValueLow:          "Value range of parameter written too low",
	AbortMaxLessMin:        "Maximum value is less than minimum value.",
	AbortNoRessource:       "Resource not available: SDO connection",
	AbortGeneral:           "General error",
	AbortDataTransfer:      "Data cannot be transferred or stored to application",
	AbortDataLocalControl:  "Data cannot be transferred because of local control",
	AbortDataDeviceState:   "Data cannot be tran. because of present device state",
	AbortDataOD:            "Object dict. not present or dynamic generation fails",
	AbortNoData:            "No data available",
}

var OdToAbortMap = map[od.ODR]SDOAbortCode{
	od.ErrOutOfMem:     AbortOutOfMem,
	od.ErrUnsuppAccess:  AbortUnsupportedAccess,
	od.ErrWriteOnly:      AbortWriteOnly,
	od.ErrReadonly:       AbortReadOnly,
	od.ErrIdxNotExist:  AbortNotExist,
	od.ErrNoMap:         AbortNoMap,
	od.ErrMapLen:        AbortMapLen,
	od.ErrParIncompat:   AbortParamIncompat,
	od.ErrDevIncompat:   AbortDeviceIncompat,
	od.ErrHw:             AbortHardware,
	od.ErrTypeMismatch:  AbortTypeMismatch,
	od.ErrDataLong:      AbortDataLong,
	od.ErrDataShort:     AbortDataShort,
	od.ErrSubNotExist:  AbortSubUnknown,
	od.ErrInvalidValue:  AbortInvalidValue,
	od.ErrValueHigh:     AbortValueHigh,
	od.ErrValueLow:      AbortValueLow,
	od.ErrMaxLessMin:   AbortMaxLessMin,
	od.ErrNoRessource:    AbortNoRessource,
	od.ErrGeneral:        AbortGeneral,
	od.ErrDataTransf:    AbortDataTransfer,
	od.ErrDataLocCtrl:  AbortDataLocalControl,
	od.ErrDataDevState: AbortDataDeviceState,
	od.ErrOdMissing:     AbortDataOD,
	od.ErrNoData:        AbortNoData,
}

// Get the associated abort code, if the code is not present in map, return ErrDevIncompat
func ConvertOdToSdoAbort(oderr od.ODR) SDOAbortCode {
	abort_code, ok := OdToAbortMap[oderr]
	if ok {
		return SDOAbortCode(abort_code)
	} else {
		return OdToAbortMap[od.ErrDevIncompat]
	}
}

func (abort SDOAbortCode) Error() string {
	return fmt.Sprintf("x%x : %s", uint32(abort), abort.Description())
}

func (abort SDOAbortCode) Description() string {
	description, ok := AbortCodeDescriptionMap[abort]
	if ok {
		return description
	}
	return AbortCodeDescriptionMap[AbortGeneral]
}

type SDOResponse struct {
	raw [8]byte
}

// responseCommandValidators holds, for each state expecting a response, a
// predicate over the raw command byte. isResponseValid rejects any response
// received in a state absent from the map. The block upload sub-block state,
// handled directly in the RX callback, accepts every command byte.
var responseCommandValidators = map[SDOState]func(byte) bool{
	stateDownloadInitiateRsp:    func(b byte) bool { return b == 0x60 },
	stateDownloadSegmentRsp:     func(b byte) bool { return b&0xEF == 0x20 },
	stateDownloadBlkInitiateRsp: func(b byte) bool { return b&0xFB == 0xA0 },
	stateDownloadBlkSubblockReq: func(b byte) bool { return b == 0xA2 },
	stateDownloadBlkSubblockRsp: func(b byte) bool { return b == 0xA2 },
	stateDownloadBlkEndRsp:      func(b byte) bool { return b == 0xA1 },
	stateUploadInitiateRsp:      func(b byte) bool { return b&0xF0 == 0x40 },
	stateUploadSegmentRsp:       func(b byte) bool { return b&0xE0 == 0x00 },
	stateUploadBlkInitiateRsp:   func(b byte) bool { return b&0xF9 == 0xC0 || b&0xF0 == 0x40 },
	stateUploadBlkSubblockSreq:  func(byte) bool { return true },
	stateUploadBlkEndSreq:       func(b byte) bool { return b&0xE3 == 0xC1 },
}

// isResponseValid reports whether the response command byte is one the
// given state is allowed to receive.
func (response *SDOResponse) isResponseValid(state SDOState) bool {
	validate, ok := responseCommandValidators[state]
	if !ok || !validate(response.raw[0]) {
		slog.Default().Error("invalid SDO response command", "code", response.raw[0], "state", state)
		return false
	}
	return true
}

func (response *SDOResponse) IsAbort() bool {
	return response.raw[0] == 0x80
}

func (response *SDOResponse) GetAbortCode() SDOAbortCode {
	return SDOAbortCode(binary.LittleEndian.Uint32(response.raw[4:]))
}

func (response *SDOResponse) GetIndex() uint16 {
	return binary.LittleEndian.Uint16(response.raw[1:3])
}

func (response *SDOResponse) GetSubindex() uint8 {
	return response.raw[3]
}

func (response *SDOResponse) GetToggle() uint8 {
	return response.raw[0] & 0x10
}

func (response *SDOResponse) GetBlockSize() uint8 {
	return response.raw[4]
}

func (response *SDOResponse) GetNumberOfSegments() uint8 {
	return response.raw[1]
}

func (response *SDOResponse) IsCRCEnabled() bool {
	return (response.raw[0] & 0x04) != 0
}

func (response *SDOResponse) GetCRCClient() crc.CRC16 {
	return crc.CRC16((binary.LittleEndian.Uint16(response.raw[1:3])))
}

// Abort is the type SDOServer hands to SendAbort and txAbort. It is the
// server-side counterpart of SDOAbortCode: every SDOAbortCode constant
// already satisfies it.
type Abort = SDOAbortCode

// SDOMessage wraps one raw CAN data frame received by the SDO server. Unlike
// SDOResponse (named from the client's point of view, matching what it
// expects back from a server), SDOMessage's accessors are named for what the
// server is parsing out of a client request, including the block transfer
// sub-protocol fields (Seqno, SegmentRemaining) that have no equivalent on
// SDOResponse.
type SDOMessage struct {
	raw [8]byte
}

func (rx *SDOMessage) GetIndex() uint16 {
	return binary.LittleEndian.Uint16(rx.raw[1:3])
}

func (rx *SDOMessage) GetSubindex() uint8 {
	return rx.raw[3]
}

func (rx *SDOMessage) GetToggle() uint8 {
	return rx.raw[0] & 0x10
}

func (rx *SDOMessage) GetBlockSize() uint8 {
	return rx.raw[4]
}

// IsExpedited reports the "e" bit of a download initiate request.
func (rx *SDOMessage) IsExpedited() bool {
	return (rx.raw[0] & transferExpedited) != 0
}

// IsSizeIndicated reports the "s" bit of a download/upload initiate request.
func (rx *SDOMessage) IsSizeIndicated() bool {
	return (rx.raw[0] & sizeIndicated) != 0
}

// IsSizeIndicatedBlock reports the size-indicated bit of a block download
// initiate request, bit 1 (0x02), the offset of the regular initiate's "e"
// bit rather than of its "s" bit.
func (rx *SDOMessage) IsSizeIndicatedBlock() bool {
	return (rx.raw[0] & 0x02) != 0
}

// SizeIndicated returns the announced transfer size carried by a block
// download initiate request.
func (rx *SDOMessage) SizeIndicated() uint32 {
	return binary.LittleEndian.Uint32(rx.raw[4:])
}

func (rx *SDOMessage) IsCRCEnabled() bool {
	return (rx.raw[0] & 0x04) != 0
}

func (rx *SDOMessage) GetCRCClient() crc.CRC16 {
	return crc.CRC16(binary.LittleEndian.Uint16(rx.raw[1:3]))
}

// Seqno returns the sub-block sequence number of a block transfer segment.
func (rx *SDOMessage) Seqno() uint8 {
	return rx.raw[0] & 0x7F
}

// SegmentRemaining reports whether more segments follow this one within the
// current sub-block train ("c" bit clear).
func (rx *SDOMessage) SegmentRemaining() bool {
	return (rx.raw[0] & 0x80) == 0
}
