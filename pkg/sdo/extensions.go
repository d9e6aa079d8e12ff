package sdo

import (
	"encoding/binary"

	canopen "github.com/colibri-automation/codevice"
	"github.com/colibri-automation/codevice/pkg/od"
)

// checkSdoCobIdWrite validates a written SDO client/server COB-ID against
// the CiA 301 §7.5.2.12/.13 rules shared by objects 1200h+1/+2 and
// 1280h+1/+2: reserved bits clear, no ID reserved for another service, and
// (once already valid) no silent re-enable under a different CAN-ID.
func checkSdoCobIdWrite(data []byte, alreadyValid bool, currentCobId uint32) (canId uint16, valid bool, err error) {
	cobId := binary.LittleEndian.Uint32(data)
	canId = uint16(cobId & 0x7FF)
	canIdCurrent := uint16(currentCobId & 0x7FF)
	valid = (cobId & 0x80000000) == 0
	if (cobId&0x3FFFF800) != 0 ||
		(valid && alreadyValid && canId != canIdCurrent) ||
		(valid && canopen.IsIDRestricted(canId)) {
		return 0, false, od.ErrInvalidValue
	}
	return canId, valid, nil
}

// [SDO server] update server parameters
func writeEntry1201(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream == nil || data == nil || countWritten == nil {
		return od.ErrDevIncompat
	}
	server, ok := stream.Object.(*SDOServer)
	if !ok {
		return od.ErrDevIncompat
	}
	switch stream.Subindex {
	case 0:
		return od.ErrReadonly
	// cob id client to server
	case 1:
		cobId := binary.LittleEndian.Uint32(data)
		if _, _, err := checkSdoCobIdWrite(data, server.valid, server.cobIdClientToServer); err != nil {
			return err
		}
		if err := server.initRxTx(cobId, server.cobIdServerToClient); err != nil {
			return od.ErrDevIncompat
		}
	// cob id server to client
	case 2:
		cobId := binary.LittleEndian.Uint32(data)
		if _, _, err := checkSdoCobIdWrite(data, server.valid, server.cobIdServerToClient); err != nil {
			return err
		}
		if err := server.initRxTx(server.cobIdClientToServer, cobId); err != nil {
			return od.ErrDevIncompat
		}
	// node id of server
	case 3:
		if len(data) != 1 {
			return od.ErrTypeMismatch
		}
		nodeId := data[0]
		if nodeId < 1 || nodeId > 127 {
			return od.ErrInvalidValue
		}
		server.nodeId = nodeId

	default:
		return od.ErrSubNotExist

	}
	return od.WriteEntryDefault(stream, data, countWritten)
}

// [SDO Client] update parameters
func writeEntry1280(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream == nil || data == nil || countWritten == nil {
		return od.ErrDevIncompat
	}
	client, ok := stream.Object.(*SDOClient)
	if !ok {
		return od.ErrDevIncompat
	}
	switch stream.Subindex {
	case 0:
		return od.ErrReadonly
	// cob id client to server
	case 1:
		cobId := binary.LittleEndian.Uint32(data)
		if _, _, err := checkSdoCobIdWrite(data, client.valid, client.cobIdClientToServer); err != nil {
			return err
		}
		if err := client.setupServer(cobId, client.cobIdServerToClient, client.nodeIdServer); err != nil {
			return od.ErrDevIncompat
		}
	// cob id server to client
	case 2:
		cobId := binary.LittleEndian.Uint32(data)
		if _, _, err := checkSdoCobIdWrite(data, client.valid, client.cobIdServerToClient); err != nil {
			return err
		}
		if err := client.setupServer(client.cobIdClientToServer, cobId, client.nodeIdServer); err != nil {
			return od.ErrDevIncompat
		}
	// node id of server
	case 3:
		if len(data) != 1 {
			return od.ErrTypeMismatch
		}
		nodeId := data[0]
		if nodeId > 127 {
			return od.ErrInvalidValue
		}
		client.nodeIdServer = nodeId

	default:
		return od.ErrSubNotExist

	}
	return od.WriteEntryDefault(stream, data, countWritten)
}
