package node

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"

	codevice "github.com/colibri-automation/codevice"
	"github.com/colibri-automation/codevice/pkg/emcy"
	"github.com/colibri-automation/codevice/pkg/heartbeat"
	"github.com/colibri-automation/codevice/pkg/nmt"
	"github.com/colibri-automation/codevice/pkg/od"
	"github.com/colibri-automation/codevice/pkg/pdo"
	"github.com/colibri-automation/codevice/pkg/sdo"
	s "github.com/colibri-automation/codevice/pkg/sync"
	"github.com/colibri-automation/codevice/pkg/timer"
	t "github.com/colibri-automation/codevice/pkg/timestamp"
)

// A LocalNode is a CiA 301 compliant CANopen device. It owns the full set
// of standard objects (NMT, heartbeat, SDO, PDO, SYNC, TIME, EMCY), loaded
// from the node's own Object Dictionary.
type LocalNode struct {
	*BaseNode
	NMT        *nmt.NMT
	HBConsumer *heartbeat.HBConsumer
	SDOclients []*sdo.SDOClient
	SDOServers []*sdo.SDOServer
	TPDOs      []*pdo.TPDO
	RPDOs      []*pdo.RPDO
	SYNC       *s.SYNC
	EMCY       *emcy.EMCY
	TIME       *t.TIME
}

func (node *LocalNode) ProcessPDO(syncWas bool, timeDifferenceUs uint32) {
	isOperational := node.NMT.GetInternalState() == nmt.StateOperational
	for _, tpdo := range node.TPDOs {
		tpdo.Process(timeDifferenceUs, isOperational, syncWas)
	}
	for _, rpdo := range node.RPDOs {
		rpdo.Process(timeDifferenceUs, isOperational, syncWas)
	}
}

func (node *LocalNode) ProcessSYNC(timeDifferenceUs uint32) bool {
	sy := node.SYNC
	if sy == nil {
		return false
	}
	nmtState := node.NMT.GetInternalState()
	nmtIsPreOrOperational := nmtState == nmt.StatePreOperational || nmtState == nmt.StateOperational
	return sy.Process(nmtIsPreOrOperational, timeDifferenceUs, nil) == s.EventRxOrTx
}

// ProcessMain runs the non-realtime housekeeping: resetting the bus error
// flags, EMCY state machine and propagating NMT state to the SDO servers. NMT
// heartbeat production/consumption and TIME production run on their own
// timers and are not polled here.
func (node *LocalNode) ProcessMain(enableGateway bool, timeDifferenceUs uint32) uint8 {
	nmtState := node.NMT.GetInternalState()
	nmtIsPreOrOperational := nmtState == nmt.StatePreOperational || nmtState == nmt.StateOperational

	for _, server := range node.SDOServers {
		server.SetNMTState(nmtState)
	}

	node.BusManager.Process()
	node.EMCY.Process(nmtIsPreOrOperational, timeDifferenceUs, nil)

	return node.NMT.GetPendingReset()
}

func (node *LocalNode) Servers() []*sdo.SDOServer {
	return node.SDOServers
}

// Reset restarts the NMT state machine following a NMT reset-application
// command. Only the NMT part is restarted; the rest of the stack keeps its
// current configuration.
func (node *LocalNode) Reset() error {
	node.NMT.Reset()
	return nil
}

// Initialize all RPDO and TPDO objects
func (node *LocalNode) initPDO() error {
	if node.id < 1 || node.id > 127 {
		return codevice.ErrIllegalArgument
	}
	// Iterate over all the possible entries : there can be a maximum of 512 maps
	// Break loops when an entry doesn't exist (don't allow holes in mapping)
	for i := uint16(0); i < 512; i++ {
		entry14xx := node.GetOD().Index(od.EntryRPDOCommunicationStart + i)
		entry16xx := node.GetOD().Index(od.EntryRPDOMappingStart + i)
		pdoOffset := i % 4
		nodeIdOffset := i / 4
		preDefinedIdent := 0x200 + pdoOffset*0x100 + uint16(node.id) + nodeIdOffset
		rpdo, err := pdo.NewRPDO(
			node.BusManager,
			node.logger,
			node.wheel,
			node.GetOD(),
			node.EMCY,
			node.SYNC,
			entry14xx,
			entry16xx,
			preDefinedIdent,
		)
		if err != nil {
			node.logger.Warn("no more RPDO after", "nb", i-1)
			break
		}
		node.RPDOs = append(node.RPDOs, rpdo)
	}
	// Do the same for TPDOS
	for i := uint16(0); i < 512; i++ {
		entry18xx := node.GetOD().Index(od.EntryTPDOCommunicationStart + i)
		entry1Axx := node.GetOD().Index(od.EntryTPDOMappingStart + i)
		pdoOffset := i % 4
		nodeIdOffset := i / 4
		preDefinedIdent := 0x180 + pdoOffset*0x100 + uint16(node.id) + nodeIdOffset
		tpdo, err := pdo.NewTPDO(
			node.BusManager,
			node.logger,
			node.wheel,
			node.GetOD(),
			node.EMCY,
			node.SYNC,
			entry18xx,
			entry1Axx,
			preDefinedIdent,
		)
		if err != nil {
			node.logger.Warn("no more TPDO after", "nb", i-1)
			break
		}
		node.TPDOs = append(node.TPDOs, tpdo)
	}

	return nil
}

// Initialize [emcy.EMCY] object
func (node *LocalNode) initEMCY() error {
	em, err := emcy.NewEMCY(
		node.BusManager,
		node.logger,
		node.id,
		node.od.Index(od.EntryErrorRegister),
		node.od.Index(od.EntryCobIdEMCY),
		node.od.Index(od.EntryInhibitTimeEMCY),
		node.od.Index(od.EntryManufacturerStatusRegister),
		nil,
	)
	if err != nil {
		node.logger.Error("init failed [EMCY] producer", "error", err)
		return codevice.ErrOdParameters
	}
	node.EMCY = em
	return nil
}

// Initialize [nmt.NMT] object, requires an EMCY object
func (node *LocalNode) initNMT(nmtControl uint16, firstHbTimeMs uint16) error {
	nm, err := nmt.NewNMT(
		node.BusManager,
		node.logger,
		node.wheel,
		node.EMCY,
		node.id,
		nmtControl,
		firstHbTimeMs,
		nmt.ServiceId,
		nmt.ServiceId,
		heartbeat.ServiceId+uint16(node.id),
		node.od.Index(od.EntryProducerHeartbeatTime),
	)
	if err != nil {
		node.logger.Error("init failed [NMT]", "error", err)
		return err
	}
	node.NMT = nm
	return nil
}

// Initialize [heartbeat.HBConsumer] object and tie it to NMT state changes
func (node *LocalNode) initHBConsumer() error {
	hbCons, err := heartbeat.NewHBConsumer(
		node.BusManager,
		node.logger,
		node.wheel,
		node.EMCY,
		node.od.Index(od.EntryConsumerHeartbeatTime),
	)
	if err != nil {
		node.logger.Error("init failed [HBConsumer]", "error", err)
		return err
	}
	node.HBConsumer = hbCons
	node.NMT.AddStateChangeCallback(func(nmtState uint8) {
		node.HBConsumer.OnStateChange(nmtState)
	})
	return nil
}

// Initialize [sdo.SDOServer] object(s)
// Currently, only one server is supported (optionally)
func (node *LocalNode) initSDOServers(serverTimeoutMs uint32) error {
	entry1200 := node.od.Index(od.EntrySDOServerParameter)
	if entry1200 == nil {
		node.logger.Warn("no [SDOServer] initialized")
		return nil
	}
	server, err := sdo.NewSDOServer(
		node.BusManager,
		node.logger,
		node.od,
		node.id,
		serverTimeoutMs,
		entry1200,
	)
	if err != nil {
		node.logger.Error("init failed [SDOServer]", "error", err)
		return err
	}
	node.SDOServers = append(node.SDOServers, server)
	return nil
}

// Initialize [sdo.SDOClient] object(s)
func (node *LocalNode) initSDOClients(clientTimeoutMs uint32) error {
	entry1280 := node.od.Index(od.EntrySDOClientParameter)
	if entry1280 == nil {
		node.logger.Warn("no [SDOClient] initialized")
		return nil
	}
	client, err := sdo.NewSDOClient(
		node.BusManager,
		node.logger,
		node.wheel,
		node.od,
		node.id,
		clientTimeoutMs,
		entry1280,
	)
	if err != nil {
		node.logger.Error("init failed [SDOClient]", "error", err)
		return err
	}
	node.SDOclients = append(node.SDOclients, client)
	return nil
}

// Initialize [s.SYNC] object
func (node *LocalNode) initSYNC() error {
	sync, err := s.NewSYNC(
		node.BusManager,
		node.EMCY,
		node.od.Index(od.EntryCobIdSYNC),
		node.od.Index(od.EntryCommunicationCyclePeriod),
		node.od.Index(od.EntrySynchronousWindowLength),
		node.od.Index(od.EntrySynchronousCounterOverflow),
	)
	if err != nil {
		node.logger.Error("init failed [SYNC]", "error", err)
		return err
	}
	node.SYNC = sync
	return nil
}

// Initialize [t.TIME] object and tie its producer to NMT state changes
func (node *LocalNode) initTIME() error {
	entry1012 := node.od.Index(od.EntryCobIdTIME)
	if entry1012 == nil {
		node.logger.Warn("no [TIME] object initialized")
		return nil
	}
	tm, err := t.NewTIME(
		node.BusManager,
		node.logger,
		node.wheel,
		entry1012,
		t.DefaultProducerInterval,
	)
	if err != nil {
		node.logger.Error("init failed [TIME]", "error", err)
		return err
	}
	node.TIME = tm
	node.NMT.AddStateChangeCallback(func(nmtState uint8) {
		isPreOrOperational := nmtState == nmt.StatePreOperational || nmtState == nmt.StateOperational
		node.TIME.SetOperational(isPreOrOperational)
	})
	return nil
}

// Initialize all CANopen components. This is called once, from
// NewLocalNode; an NMT reset-communication command does not call it again.
func (node *LocalNode) initAll(
	nmtControl uint16,
	firstHbTimeMs uint16,
	sdoServerTimeoutMs uint32,
	sdoClientTimeoutMs uint32,
) error {
	if err := node.initEMCY(); err != nil {
		return err
	}
	if err := node.initNMT(nmtControl, firstHbTimeMs); err != nil {
		return err
	}
	if err := node.initHBConsumer(); err != nil {
		return err
	}
	if err := node.initSDOServers(sdoServerTimeoutMs); err != nil {
		return err
	}
	if err := node.initSDOClients(sdoClientTimeoutMs); err != nil {
		return err
	}
	if err := node.initTIME(); err != nil {
		return err
	}
	if err := node.initSYNC(); err != nil {
		return err
	}
	return nil
}

// Create a new local node
func NewLocalNode(
	bm *codevice.BusManager,
	logger *slog.Logger,
	odict *od.ObjectDictionary,
	nodeId uint8,
	nmtControl uint16,
	firstHbTimeMs uint16,
	sdoServerTimeoutMs uint32,
	sdoClientTimeoutMs uint32,
) (*LocalNode, error) {
	if bm == nil || odict == nil {
		return nil, errors.New("need at least busManager and od parameters")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("id", nodeId)
	wheel := timer.NewWheel(timer.NewSoftwareDriver(), timer.DefaultFreqHz, timer.DefaultMaxActions)
	base, err := newBaseNode(bm, logger, odict, nodeId, wheel)
	if err != nil {
		return nil, err
	}
	node := &LocalNode{BaseNode: base}

	if err := node.initAll(nmtControl, firstHbTimeMs, sdoServerTimeoutMs, sdoClientTimeoutMs); err != nil {
		return nil, err
	}

	// Add EDS storage if supported, library supports either plain ascii
	// Or zipped format
	edsStore := odict.Index(od.EntryStoreEDS)
	edsFormat := odict.Index(od.EntryStorageFormat)
	if edsStore != nil {
		var format uint8
		if edsFormat == nil {
			format = 0
		} else {
			format, err = edsFormat.Uint8(0)
			if err != nil {
				node.logger.Warn("error reading EDS format, default to ASCII", "error", err)
				format = 0
			}
		}
		switch format {
		case od.FormatEDSAscii:
			node.logger.Info("EDS is downloadable via object 0x1021 in ASCII format")
			odict.AddReader(edsStore.Index, edsStore.Name, odict.Reader)
		case od.FormatEDSZipped:
			node.logger.Info("EDS is downloadable via object 0x1021 in Zipped format")
			compressed, err := createInMemoryZip("compressed.eds", odict.Reader)
			if err != nil {
				node.logger.Error("failed to compress EDS", "error", err)
				return nil, err
			}
			odict.AddReader(edsStore.Index, edsStore.Name, bytes.NewReader(compressed))
		default:
			return nil, fmt.Errorf("invalid EDS storage format %v", format)
		}
	}
	err = node.initPDO()
	return node, err
}

// Create an in memory zip representation of an io.Reader.
// This can be used to increase transfer speeds in block transfers
// for example.
func createInMemoryZip(filename string, r io.ReadSeeker) ([]byte, error) {
	buffer := new(bytes.Buffer)
	zipWriter := zip.NewWriter(buffer)
	writer, err := zipWriter.Create(filename)
	if err != nil {
		return nil, err
	}

	_, err = r.Seek(0, io.SeekStart)
	if err != nil {
		return nil, err
	}
	_, err = io.Copy(writer, r)
	if err != nil {
		return nil, err
	}

	if err := zipWriter.Close(); err != nil {
		return nil, err
	}

	return buffer.Bytes(), nil
}
