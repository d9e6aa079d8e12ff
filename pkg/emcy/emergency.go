package emcy

import (
	"encoding/binary"
	"log/slog"
	"sync"

	canopen "github.com/colibri-automation/codevice"
	"github.com/colibri-automation/codevice/pkg/od"
)

const EmergencyErrorStatusBits = 80
const ServiceId = 0x80

// Error register values
const (
	ErrRegGeneric       = 0x01 // bit 0 - generic error
	ErrRegCurrent       = 0x02 // bit 1 - current
	ErrRegVoltage       = 0x04 // bit 2 - voltage
	ErrRegTemperature   = 0x08 // bit 3 - temperature
	ErrRegCommunication = 0x10 // bit 4 - communication error
	ErrRegDevProfile    = 0x20 // bit 5 - device profile specific
	ErrRegReserved      = 0x40 // bit 6 - reserved (always 0)
	ErrRegManufacturer  = 0x80 // bit 7 - manufacturer specific
)

// Error codes
const (
	ErrNoError          = 0x0000
	ErrGeneric          = 0x1000
	ErrCurrent          = 0x2000
	ErrCurrentInput     = 0x2100
	ErrCurrentInside    = 0x2200
	ErrCurrentOutput    = 0x2300
	ErrVoltage          = 0x3000
	ErrVoltageMains     = 0x3100
	ErrVoltageInside    = 0x3200
	ErrVoltageOutput    = 0x3300
	ErrTemperature      = 0x4000
	ErrTempAmbient      = 0x4100
	ErrTempDevice       = 0x4200
	ErrHardware         = 0x5000
	ErrSoftwareDevice   = 0x6000
	ErrSoftwareInternal = 0x6100
	ErrSoftwareUser     = 0x6200
	ErrDataSet          = 0x6300
	ErrAdditionalModul  = 0x7000
	ErrMonitoring       = 0x8000
	ErrCommunication    = 0x8100
	ErrCanOverrun       = 0x8110
	ErrCanPassive       = 0x8120
	ErrHeartbeat        = 0x8130
	ErrBusOffRecovered  = 0x8140
	ErrCanIdCollision   = 0x8150
	ErrProtocolError    = 0x8200
	ErrPdoLength        = 0x8210
	ErrPdoLengthExc     = 0x8220
	ErrDamMpdo          = 0x8230
	ErrSyncDataLength   = 0x8240
	ErrRpdoTimeout      = 0x8250
	ErrExternalError    = 0x9000
	ErrAdditionalFunc   = 0xF000
	ErrDeviceSpecific   = 0xFF00
	Err401OutCurHi      = 0x2310
	Err401OutShorted    = 0x2320
	Err401OutLoadDump   = 0x2330
	Err401InVoltHi      = 0x3110
	Err401InVoltLow     = 0x3120
	Err401InternVoltHi  = 0x3210
	Err401InternVoltLow = 0x3220
	Err401OutVoltHigh   = 0x3310
	Err401OutVoltLow    = 0x3320
)

var errorCodeDescriptionMap = map[int]string{
	ErrNoError:          "Reset or No Error",
	ErrGeneric:          "Generic Error",
	ErrCurrent:          "Current",
	ErrCurrentInput:     "Current, device input side",
	ErrCurrentInside:    "Current inside the device",
	ErrCurrentOutput:    "Current, device output side",
	ErrVoltage:          "Voltage",
	ErrVoltageMains:     "Mains Voltage",
	ErrVoltageInside:    "Voltage inside the device",
	ErrVoltageOutput:    "Output Voltage",
	ErrTemperature:      "Temperature",
	ErrTempAmbient:      "Ambient Temperature",
	ErrTempDevice:       "Device Temperature",
	ErrHardware:         "Device Hardware",
	ErrSoftwareDevice:   "Device Software",
	ErrSoftwareInternal: "Internal Software",
	ErrSoftwareUser:     "User Software",
	ErrDataSet:          "Data Set",
	ErrAdditionalModul:  "Additional Modules",
	ErrMonitoring:       "Monitoring",
	ErrCommunication:    "Communication",
	ErrCanOverrun:       "CAN Overrun (Objects lost)",
	ErrCanPassive:       "CAN in Error Passive Mode",
	ErrHeartbeat:        "Life Guard Error or Heartbeat Error",
	ErrBusOffRecovered:  "Recovered from bus off",
	ErrCanIdCollision:   "CAN-ID collision",
	ErrProtocolError:    "Protocol Error",
	ErrPdoLength:        "PDO not processed due to length error",
	ErrPdoLengthExc:     "PDO length exceeded",
	ErrDamMpdo:          "DAM MPDO not processed, destination object not available",
	ErrSyncDataLength:   "Unexpected SYNC data length",
	ErrRpdoTimeout:      "RPDO timeout",
	ErrExternalError:    "External Error",
	ErrAdditionalFunc:   "Additional Functions",
	ErrDeviceSpecific:   "Device specific",
	Err401OutCurHi:      "DS401, Current at outputs too high (overload)",
	Err401OutShorted:    "DS401, Short circuit at outputs",
	Err401OutLoadDump:   "DS401, Load dump at outputs",
	Err401InVoltHi:      "DS401, Input voltage too high",
	Err401InVoltLow:     "DS401, Input voltage too low",
	Err401InternVoltHi:  "DS401, Internal voltage too high",
	Err401InternVoltLow: "DS401, Internal voltage too low",
	Err401OutVoltHigh:   "DS401, Output voltage too high",
	Err401OutVoltLow:    "DS401, Output voltage too low",
}

// Error status bits
const (
	EmNoError                 = 0x00
	EmCanBusWarning           = 0x01
	EmRxMsgWrongLength        = 0x02
	EmRxMsgOverflow           = 0x03
	EmRPDOWrongLength         = 0x04
	EmRPDOOverflow            = 0x05
	EmCanRXBusPassive         = 0x06
	EmCanTXBusPassive         = 0x07
	EmNMTWrongCommand         = 0x08
	EmTimeTimeout             = 0x09
	Em0AUnused                = 0x0A
	Em0BUnused                = 0x0B
	Em0CUnused                = 0x0C
	Em0DUnused                = 0x0D
	Em0EUnused                = 0x0E
	Em0FUnused                = 0x0F
	Em10Unused                = 0x10
	Em11Unused                = 0x11
	EmCanTXBusOff             = 0x12
	EmCanRXBOverflow          = 0x13
	EmCanTXOverflow           = 0x14
	EmTPDOOutsideWindow       = 0x15
	Em16Unused                = 0x16
	EmRPDOTimeOut             = 0x17
	EmSyncTimeOut             = 0x18
	EmSyncLength              = 0x19
	EmPDOWrongMapping         = 0x1A
	EmHeartbeatConsumer       = 0x1B
	EmHBConsumerRemoteReset   = 0x1C
	Em1DUnused                = 0x1D
	Em1EUnused                = 0x1E
	Em1FUnused                = 0x1F
	EmEmergencyBufferFull     = 0x20
	Em21Unused                = 0x21
	EmMicrocontrollerReset    = 0x22
	Em23Unused                = 0x23
	Em24Unused                = 0x24
	Em25Unused                = 0x25
	Em26Unused                = 0x26
	EmNonVolatileAutoSave     = 0x27
	EmWrongErrorReport        = 0x28
	EmISRTimerOverflow        = 0x29
	EmMemoryAllocationError   = 0x2A
	EmGenericError            = 0x2B
	EmGenericSoftwareError    = 0x2C
	EmInconsistentObjectDict  = 0x2D
	EmCalculationOfParameters = 0x2E
	EmNonVolatileMemory       = 0x2F
	EmManufacturerStart       = 0x30
	EmManufacturerEnd         = EmergencyErrorStatusBits - 1
)

var errorStatusMap = map[uint8]string{
	EmNoError:                 "Error Reset or No Error",
	EmCanBusWarning:           "CAN bus warning limit reached",
	EmRxMsgWrongLength:        "Wrong data length of the received CAN message",
	EmRxMsgOverflow:           "Previous received CAN message wasn't processed yet",
	EmRPDOWrongLength:         "Wrong data length of received PDO",
	EmRPDOOverflow:            "Previous received PDO wasn't processed yet",
	EmCanRXBusPassive:         "CAN receive bus is passive",
	EmCanTXBusPassive:         "CAN transmit bus is passive",
	EmNMTWrongCommand:         "Wrong NMT command received",
	EmTimeTimeout:             "TIME message timeout",
	Em0AUnused:                "(unused)",
	Em0BUnused:                "(unused)",
	Em0CUnused:                "(unused)",
	Em0DUnused:                "(unused)",
	Em0EUnused:                "(unused)",
	Em0FUnused:                "(unused)",
	Em10Unused:                "(unused)",
	Em11Unused:                "(unused)",
	EmCanTXBusOff:             "CAN transmit bus is off",
	EmCanRXBOverflow:          "CAN module receive buffer has overflowed",
	EmCanTXOverflow:           "CAN transmit buffer has overflowed",
	EmTPDOOutsideWindow:       "TPDO is outside SYNC window",
	Em16Unused:                "(unused)",
	EmRPDOTimeOut:             "RPDO message timeout",
	EmSyncTimeOut:             "SYNC message timeout",
	EmSyncLength:              "Unexpected SYNC data length",
	EmPDOWrongMapping:         "Error with PDO mapping",
	EmHeartbeatConsumer:       "Heartbeat consumer timeout",
	EmHBConsumerRemoteReset:   "Heartbeat consumer detected remote node reset",
	Em1DUnused:                "(unused)",
	Em1EUnused:                "(unused)",
	Em1FUnused:                "(unused)",
	EmEmergencyBufferFull:     "Emergency buffer is full, Emergency message wasn't sent",
	Em21Unused:                "(unused)",
	EmMicrocontrollerReset:    "Microcontroller has just started",
	Em23Unused:                "(unused)",
	Em24Unused:                "(unused)",
	Em25Unused:                "(unused)",
	Em26Unused:                "(unused)",
	EmNonVolatileAutoSave:     "Automatic store to non-volatile memory failed",
	EmWrongErrorReport:        "Wrong parameters to ErrorReport function",
	EmISRTimerOverflow:        "Timer task has overflowed",
	EmMemoryAllocationError:   "Unable to allocate memory for objects",
	EmGenericError:            "Generic error, test usage",
	EmGenericSoftwareError:    "Software error",
	EmInconsistentObjectDict:  "Object dictionary does not match the software",
	EmCalculationOfParameters: "Error in calculation of device parameters",
	EmNonVolatileMemory:       "Error with access to non-volatile device memory",
}

func getErrorStatusDescription(errorStatus uint8) string {
	description, ok := errorStatusMap[errorStatus]
	switch {
	case ok:
		return description
	case errorStatus >= EmManufacturerStart && errorStatus <= EmManufacturerEnd:
		return "Manufacturer error"
	default:
		return "Invalid or not implemented error status"
	}
}

func getErrorCodeDescription(errorCode int) string {
	description, ok := errorCodeDescriptionMap[errorCode]
	if ok {
		return description
	} else {
		return "Invalid or not implemented error code"
	}
}

// registerClass maps a CiA 301 error code to the 0x1001 error-register bit
// it belongs to, following the nibble convention used throughout DS301/
// DSP-401 codes: 0x1xxx generic, 0x2xxx current, 0x3xxx voltage, 0x4xxx
// temperature, 0x8xxx communication. Anything else (hardware, software,
// manufacturer-specific) falls back to device-profile-specific, the
// catch-all bit for codes a generic stack cannot classify further.
func registerClass(errorCode uint16) byte {
	switch errorCode >> 12 {
	case 0x1:
		return ErrRegGeneric
	case 0x2:
		return ErrRegCurrent
	case 0x3:
		return ErrRegVoltage
	case 0x4:
		return ErrRegTemperature
	case 0x8:
		return ErrRegCommunication
	default:
		return ErrRegDevProfile
	}
}

// registerClassSlot returns the index of bit within the 8-bit register,
// for indexing the per-class counter array.
func registerClassSlot(bit byte) int {
	for i := 0; i < 8; i++ {
		if bit == 1<<uint(i) {
			return i
		}
	}
	return 7
}

// EMCYRxCallback is invoked on reception of any EMCY frame, including the
// node's own outgoing one.
type EMCYRxCallback func(ident uint16, errorCode uint16, errorRegister byte, errorBit byte, infoCode uint32)

// EMCY is the node's emergency producer/consumer: it tracks which error
// bits are currently active, maintains the per-class 0x1001 error-register
// counters (spec.md §4.8 — "a per-class counter array, register-bit clear
// only on counter-zero"), and owns the history ring backing the transmit
// queue and Dictionary entries 0x1003:1..M.
type EMCY struct {
	*canopen.BusManager
	logger          *slog.Logger
	mu              sync.Mutex
	nodeId          byte
	activeErrors    [EmergencyErrorStatusBits / 8]byte
	classOf         [EmergencyErrorStatusBits]byte // register class recorded at set-time, read back on clear
	registerCounts  [8]uint8
	entry1001       *od.Entry
	canErrorOld     uint16
	txBuffer        canopen.Frame
	history         history
	producerEnabled bool
	producerIdent   uint16
	inhibitTimeUs   uint32 // changed by writing to object 0x1015
	inhibitTimer    uint32
	rxCallback      EMCYRxCallback
}

// Handle processes an inbound EMCY frame (§4.8): SYNC-ID frames and
// anything not carrying a full 8-byte payload are ignored.
func (emcy *EMCY) Handle(frame canopen.Frame) {
	if emcy == nil || emcy.rxCallback == nil || frame.ID == 0x80 || frame.DLC != 8 {
		return
	}
	errorCode := binary.LittleEndian.Uint16(frame.Data[0:2])
	infoCode := binary.LittleEndian.Uint32(frame.Data[4:8])
	emcy.rxCallback(uint16(frame.ID), errorCode, frame.Data[2], frame.Data[3], infoCode)
}

// Process drives the EMCY producer state machine: it samples driver bus
// errors into synthetic Error() calls, then flushes at most one queued
// history entry per call once the inhibit window has elapsed. Intended to
// be polled once per node tick.
func (emcy *EMCY) Process(nmtIsPreOrOperational bool, timeDifferenceUs uint32, timerNextUs *uint32) {
	emcy.mu.Lock()
	canErrStatus := emcy.BusManager.Error()
	changed := canErrStatus != emcy.canErrorOld
	diff := canErrStatus ^ emcy.canErrorOld
	emcy.canErrorOld = canErrStatus
	emcy.mu.Unlock()

	if changed {
		emcy.reportBusErrorTransitions(canErrStatus, diff)
	}

	if !nmtIsPreOrOperational {
		return
	}

	emcy.mu.Lock()
	defer emcy.mu.Unlock()
	if !emcy.history.enabled() {
		return
	}
	if emcy.inhibitTimer < emcy.inhibitTimeUs {
		emcy.inhibitTimer += timeDifferenceUs
	}
	if !emcy.history.pending() || emcy.inhibitTimer < emcy.inhibitTimeUs {
		if timerNextUs != nil && emcy.inhibitTimeUs > emcy.inhibitTimer {
			if remaining := emcy.inhibitTimeUs - emcy.inhibitTimer; *timerNextUs > remaining {
				*timerNextUs = remaining
			}
		}
		return
	}
	emcy.inhibitTimer = 0
	emcy.flushPending()
}

// reportBusErrorTransitions translates a driver CAN-error-status delta
// into the matching EMCY status-bit transitions. Runs with the lock
// released since Error() re-acquires it itself.
func (emcy *EMCY) reportBusErrorTransitions(status, diff uint16) {
	type transition struct {
		mask uint16
		bit  byte
		code uint16
	}
	for _, t := range []transition{
		{canopen.CanErrorTxWarning | canopen.CanErrorRxWarning, EmCanBusWarning, EmNoError},
		{canopen.CanErrorTxPassive, EmCanTXBusPassive, ErrCanPassive},
		{canopen.CanErrorTxBusOff, EmCanTXBusOff, ErrBusOffRecovered},
		{canopen.CanErrorTxOverflow, EmCanTXOverflow, ErrCanOverrun},
		{canopen.CanErrorPdoLate, EmTPDOOutsideWindow, ErrCommunication},
		{canopen.CanErrorRxPassive, EmCanRXBusPassive, ErrCanPassive},
		{canopen.CanErrorRxOverflow, EmCanRXBOverflow, ErrCanOverrun},
	} {
		if diff&t.mask == 0 {
			continue
		}
		emcy.Error(status&t.mask != 0, t.bit, t.code, 0)
	}
}

// flushPending transmits the oldest queued history entry, tagging it with
// the live error register, and reports own reception + buffer-full status
// transitions. Caller must hold mu.
func (emcy *EMCY) flushPending() {
	msg, info := emcy.history.peekPending()
	register := emcy.GetErrorRegister()
	msg |= uint32(register) << 16
	binary.LittleEndian.PutUint32(emcy.txBuffer.Data[:4], msg)
	binary.LittleEndian.PutUint32(emcy.txBuffer.Data[4:], info)
	_ = emcy.Send(emcy.txBuffer)
	if emcy.rxCallback != nil {
		emcy.rxCallback(0, uint16(msg), register, byte(msg>>24), info)
	}
	enteredFull, clearedFull := emcy.history.advance()
	switch {
	case enteredFull:
		emcy.mu.Unlock()
		emcy.ErrorReport(EmEmergencyBufferFull, ErrGeneric, 0)
		emcy.mu.Lock()
	case clearedFull:
		emcy.mu.Unlock()
		emcy.ErrorReset(EmEmergencyBufferFull, 0)
		emcy.mu.Lock()
	}
}

// Error sets or clears one error-status bit. A set that is already set, or
// a clear of a bit that is not set, is a no-op and never pushes a history
// entry (spec.md §8's "repeated set/clear" idempotence laws). On a genuine
// transition the per-class 0x1001 counter is incremented/decremented, and
// the register bit is asserted on first set / cleared only once the
// counter for that class returns to zero.
func (emcy *EMCY) Error(setError bool, errorBit byte, errorCode uint16, infoCode uint32) {
	emcy.mu.Lock()
	defer emcy.mu.Unlock()

	index := errorBit >> 3
	bitMask := byte(1) << (errorBit & 0x7)
	if int(index) >= len(emcy.activeErrors) {
		errorBit = EmWrongErrorReport
		index = errorBit >> 3
		bitMask = 1 << (errorBit & 0x7)
		errorCode = ErrSoftwareInternal
		infoCode = uint32(errorBit)
	}

	already := emcy.activeErrors[index]&bitMask != 0
	if setError == already {
		return
	}

	if setError {
		class := registerClass(errorCode)
		emcy.classOf[errorBit] = class
		emcy.activeErrors[index] |= bitMask
		emcy.registerCounts[registerClassSlot(class)]++
		emcy.setRegisterBits(class)
	} else {
		class := emcy.classOf[errorBit]
		emcy.activeErrors[index] &^= bitMask
		if n := &emcy.registerCounts[registerClassSlot(class)]; *n > 0 {
			*n--
			if *n == 0 {
				emcy.clearRegisterBits(class)
			}
		}
		errorCode = ErrNoError
	}

	emcy.history.push(errorBit, errorCode, infoCode)
}

// setRegisterBits ORs bit into the live 0x1001 value.
func (emcy *EMCY) setRegisterBits(bit byte) {
	if emcy.entry1001 == nil {
		return
	}
	current, _ := emcy.entry1001.Uint8(0)
	_ = emcy.entry1001.PutUint8(0, current|bit, true)
}

// clearRegisterBits masks bit out of the live 0x1001 value.
func (emcy *EMCY) clearRegisterBits(bit byte) {
	if emcy.entry1001 == nil {
		return
	}
	current, _ := emcy.entry1001.Uint8(0)
	_ = emcy.entry1001.PutUint8(0, current&^bit, true)
}

func (emcy *EMCY) ErrorReport(errorBit byte, errorCode uint16, infoCode uint32) {
	emcy.logger.Info("report emergency",
		"code description", getErrorCodeDescription(int(errorCode)),
		"errorCode", errorCode,
		"bit description", getErrorStatusDescription(errorBit),
		"infoCode", infoCode,
	)
	emcy.Error(true, errorBit, errorCode, infoCode)
}

func (emcy *EMCY) ErrorReset(errorBit byte, infoCode uint32) {
	emcy.logger.Info("reset emergency",
		"description", getErrorStatusDescription(errorBit),
		"errorBit", errorBit,
		"infoCode", infoCode,
	)
	emcy.Error(false, errorBit, ErrNoError, infoCode)
}

func (emcy *EMCY) IsError(errorBit byte) bool {
	if emcy == nil {
		return true
	}
	emcy.mu.Lock()
	defer emcy.mu.Unlock()
	byteIndex := errorBit >> 3
	bitMask := uint8(1) << (errorBit & 0x7)
	if int(byteIndex) >= len(emcy.activeErrors) {
		return true
	}
	return emcy.activeErrors[byteIndex]&bitMask != 0
}

// GetErrorRegister reads the live 0x1001 value, or 0 if the register was
// never wired (logging-only instances).
func (emcy *EMCY) GetErrorRegister() byte {
	if emcy == nil || emcy.entry1001 == nil {
		return 0
	}
	value, err := emcy.entry1001.Uint8(0)
	if err != nil {
		return 0
	}
	return value
}

// resolvedCanId returns the producer's effective CAN-ID: the stored
// producerIdent, expanded to ServiceId+nodeId if it was left at the
// default ServiceId placeholder. Caller must hold mu.
func (emcy *EMCY) resolvedCanId() uint16 {
	if emcy.producerIdent == ServiceId {
		return ServiceId + uint16(emcy.nodeId)
	}
	return emcy.producerIdent
}

func (emcy *EMCY) ProducerEnabled() bool {
	return emcy.producerEnabled
}

func (emcy *EMCY) SetCallback(callback EMCYRxCallback) {
	emcy.mu.Lock()
	defer emcy.mu.Unlock()
	emcy.rxCallback = callback
}

// NewEMCYForLogging builds an EMCY instance fit only for description
// lookups (getErrorCodeDescription/getErrorStatusDescription via
// ErrorReport/ErrorReset) — no Dictionary wiring, no bus access.
func NewEMCYForLogging(logger *slog.Logger) *EMCY {
	return &EMCY{logger: logger}
}

// NewEMCY builds the node's EMCY producer/consumer from its Dictionary
// entries: 0x1001 (error register), 0x1014 (COB-ID), 0x1015 (inhibit
// time), 0x1003 (history, whose SubCount sets the history depth — this is
// the configurable-depth path DESIGN.md documents), and optionally a
// manufacturer error-status-bits entry.
func NewEMCY(
	bm *canopen.BusManager,
	logger *slog.Logger,
	nodeId uint8,
	entry1001 *od.Entry,
	entry1014 *od.Entry,
	entry1015 *od.Entry,
	entry1003 *od.Entry,
	entryStatusBits *od.Entry,
) (*EMCY, error) {
	if entry1001 == nil || entry1014 == nil || bm == nil ||
		nodeId < 1 || nodeId > 127 ||
		entry1003 == nil {
		return nil, canopen.ErrIllegalArgument
	}

	if logger == nil {
		logger = slog.Default()
	}
	emcy := &EMCY{
		BusManager: bm,
		logger:     logger.With("service", "[EMCY]"),
		entry1001:  entry1001,
		history:    newHistory(entry1003.SubCount()),
	}

	cobIdEmergency, err := entry1014.Uint32(0)
	if err != nil || (cobIdEmergency&0x7FFFF800) != 0 {
		if err != nil {
			return nil, canopen.ErrOdParameters
		}
	}
	producerCanId := cobIdEmergency & 0x7FF
	emcy.producerEnabled = (cobIdEmergency&0x80000000) == 0 && producerCanId != 0
	entry1014.AddExtension(emcy, readEntry1014, writeEntry1014)
	emcy.producerIdent = uint16(producerCanId)
	if producerCanId == uint32(ServiceId) {
		producerCanId += uint32(nodeId)
	}
	emcy.nodeId = nodeId
	emcy.txBuffer = canopen.NewFrame(producerCanId, 0, 8)

	if inhibitTime100us, err := entry1015.Uint16(0); err == nil {
		emcy.inhibitTimeUs = uint32(inhibitTime100us) * 100
		entry1015.AddExtension(emcy, od.ReadEntryDefault, writeEntry1015)
	}
	entry1003.AddExtension(emcy, readEntry1003, writeEntry1003)
	if entryStatusBits != nil {
		entryStatusBits.AddExtension(emcy, readEntryStatusBits, writeEntryStatusBits)
	}
	// BusManager keys subscriptions on exact IDs, so every EMCY COB-ID
	// (0x81..0xFF) is subscribed individually.
	for id := uint32(ServiceId) + 1; id <= uint32(ServiceId)+0x7F; id++ {
		if _, err := emcy.Subscribe(id, 0x7FF, false, emcy); err != nil {
			return nil, err
		}
	}
	return emcy, nil
}
