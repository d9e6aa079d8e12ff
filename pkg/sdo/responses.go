package sdo

// outgoingHandlers maps each response state to the transmitter that builds
// and sends the matching frame. Most transmitters cannot fail locally (the
// frame is always well-formed); the few that stream from the object
// dictionary return an error so processOutgoing can fall through to txAbort.
var outgoingHandlers = map[SDOState]func(*SDOServer) error{
	stateDownloadInitiateRsp:    func(s *SDOServer) error { s.txDownloadInitiate(); return nil },
	stateDownloadSegmentRsp:     func(s *SDOServer) error { s.txDownloadSegment(); return nil },
	stateUploadInitiateRsp:      func(s *SDOServer) error { s.txUploadInitiate(); return nil },
	stateUploadExpeditedRsp:     func(s *SDOServer) error { s.txUploadExpedited(); return nil },
	stateUploadSegmentRsp:       (*SDOServer).txUploadSegment,
	stateDownloadBlkInitiateRsp: func(s *SDOServer) error { s.txDownloadBlockInitiate(); return nil },
	stateDownloadBlkSubblockRsp: (*SDOServer).txDownloadBlockSubBlock,
	stateDownloadBlkEndRsp:      func(s *SDOServer) error { s.txDownloadBlockEnd(); return nil },
	stateUploadBlkInitiateRsp:   func(s *SDOServer) error { s.txUploadBlockInitiate(); return nil },
	stateUploadBlkEndSreq:       func(s *SDOServer) error { s.txUploadBlockEnd(); return nil },
}

// processOutgoing sends the frame matching the server's current response
// state. stateUploadBlkSubblockSreq is handled separately since sending one
// sub-block segment may immediately chain into sending the next.
func (s *SDOServer) processOutgoing() error {
	s.txBuffer.Data = [8]byte{0}

	if s.state == stateUploadBlkSubblockSreq {
		if err := s.txUploadBlockSubBlock(); err != nil {
			return err
		}
		return s.processOutgoing()
	}

	handler, ok := outgoingHandlers[s.state]
	if !ok {
		return nil
	}
	return handler(s)
}

// txAbort reports an internal error as a generic abort if it isn't already
// a well-formed SDO abort code, then sends it and returns the server to idle.
func (s *SDOServer) txAbort(err error) {
	sdoAbort, ok := err.(Abort)
	if !ok {
		s.logger.Error("abort on internal error, code unknown", "err", err)
		sdoAbort = AbortGeneral
	}
	s.SendAbort(sdoAbort)
	s.state = stateIdle
}
