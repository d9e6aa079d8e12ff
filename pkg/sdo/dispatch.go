package sdo

// processIncoming routes a frame received on the server's SDO channel to the
// handler matching the server's current position in the CiA 301 transfer
// state machine. Everything but the very first frame of a transfer is
// state-driven: once a transfer type is picked at stateIdle, each follow-up
// frame is only valid in one specific state, so dispatch never needs to
// re-inspect the command byte past that point.
func (s *SDOServer) processIncoming(rx SDOMessage) error {
	if rx.raw[0] == 0x80 {
		// Client gave up; no response is sent back for an abort.
		s.state = stateIdle
		return nil
	}

	switch s.state {
	case stateIdle:
		return s.rxInitiate(rx)
	case stateDownloadSegmentReq:
		return s.rxDownloadSegment(rx)
	case stateUploadSegmentReq:
		return s.rxUploadSegment(rx)
	case stateDownloadBlkSubblockReq:
		return s.rxDownloadBlockSubBlock(rx)
	case stateDownloadBlkEndReq:
		return s.rxDownloadBlockEnd(rx)
	case stateUploadBlkInitiateReq2, stateUploadBlkSubblockCrsp:
		return s.rxUploadSubBlock(rx)
	default:
		return AbortCmd
	}
}

// rxInitiate looks at the command specifier of a fresh request to pick which
// of the four transfer kinds (segmented/expedited download, segmented/
// expedited upload, block download, block upload) is starting, resolves the
// requested object dictionary entry, and hands off to that kind's initiate
// handler.
func (s *SDOServer) rxInitiate(rx SDOMessage) error {
	switch rx.raw[0] & 0xE0 {
	case 0x20:
		s.state = stateDownloadInitiateReq
		if err := s.updateStreamer(rx); err != nil {
			return err
		}
		return s.rxDownloadInitiate(rx)
	case 0x40:
		s.state = stateUploadInitiateReq
		if err := s.updateStreamer(rx); err != nil {
			return err
		}
		return s.rxUploadInitiate(rx)
	case 0xC0:
		s.state = stateDownloadBlkInitiateReq
		if err := s.updateStreamer(rx); err != nil {
			return err
		}
		return s.rxDownloadBlockInitiate(rx)
	case 0xA0:
		s.state = stateUploadBlkInitiateReq
		if err := s.updateStreamer(rx); err != nil {
			return err
		}
		return s.rxUploadBlockInitiate(rx)
	default:
		return AbortCmd
	}
}
