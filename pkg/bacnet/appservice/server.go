package appservice

import (
	"context"

	"github.com/kuiwang02/bacnet/pkg/bacnet/apdu"
	"github.com/kuiwang02/bacnet/pkg/bacnet/bacerr"
	"github.com/kuiwang02/bacnet/pkg/bacnet/pdu"
)

// ServerSSM drives the server side of a confirmed-request transaction,
// §4.5.2: IDLE -> SEGMENTED_REQUEST? -> AWAIT_RESPONSE -> SEGMENTED_
// RESPONSE? -> COMPLETED|ABORTED.
type ServerSSM struct {
	transaction
}

func newServerSSM(asap *ApplicationServiceAccessPoint, peer pdu.Address, invokeID uint8) *ServerSSM {
	ssm := &ServerSSM{}
	ssm.asap = asap
	ssm.peer = peer
	ssm.invokeID = invokeID
	ssm.state = StateIdle
	ssm.initFromConfig(asap.cfg)
	return ssm
}

// indication handles the ConfirmedRequest (or a later segment of one)
// arriving from the network.
func (s *ServerSSM) indication(ctx context.Context, req apdu.ConfirmedRequest) {
	switch s.state {
	case StateIdle:
		s.indicationIdle(ctx, req)
	case StateSegmentedRequest:
		s.indicationSegmentedRequest(ctx, req)
	default:
		s.abortBoth(ctx, bacerr.AbortReasonInvalidApduInThisState)
	}
}

func (s *ServerSSM) indicationIdle(ctx context.Context, req apdu.ConfirmedRequest) {
	s.segmentedResponseAccepted = req.SegmentedResponseAccepted

	peerInfo, known := s.asap.peerInfo(s.peer)
	if req.SegmentedResponseAccepted && known && !peerInfo.SegmentationSupported.CanReceive() {
		peerInfo.SegmentationSupported = SegmentationReceive
		s.asap.updatePeerInfo(s.peer, peerInfo)
	}

	peerMaxApdu := apdu.DecodedMaxApdu(req.MaxApduLengthAccepted)
	if known && peerInfo.MaxApduLengthAccepted > 0 && peerInfo.MaxApduLengthAccepted < peerMaxApdu {
		peerMaxApdu = peerInfo.MaxApduLengthAccepted
	}
	peerMaxSegments := apdu.DecodedMaxSegments(req.MaxSegmentsAccepted)
	if known && peerInfo.MaxSegmentsAccepted > 0 && peerInfo.MaxSegmentsAccepted < peerMaxSegments {
		peerMaxSegments = peerInfo.MaxSegmentsAccepted
	}
	s.maxApduLengthAccepted = peerMaxApdu
	if peerMaxSegments > 0 {
		s.maxSegmentsAccepted = peerMaxSegments
	}

	if !req.Segmented {
		s.setState(StateAwaitResponse)
		s.setTimer(s.applicationTimeout, s.timerExpiredAwaitResponse)
		s.asap.deliverServerIndication(ctx, s, req.ServiceChoice, req.ServiceData)
		return
	}

	if !s.segmentationSupported.CanReceive() {
		s.abortBoth(ctx, bacerr.AbortReasonSegmentationNotSupported)
		return
	}

	s.serviceChoice = req.ServiceChoice
	s.segmentAPDU = append([]byte(nil), req.ServiceData...)
	s.actualWindowSize = min(int(req.ProposedWindowSize), s.proposedWindowSize)
	s.lastSequenceNumber = 0
	s.initialSequenceNumber = 0
	s.setState(StateSegmentedRequest)
	s.setTimer(s.segmentTimeout, s.timerExpiredSegmentedRequest)
	s.ackSegment(ctx, 0)
}

func (s *ServerSSM) indicationSegmentedRequest(ctx context.Context, req apdu.ConfirmedRequest) {
	if !req.Segmented {
		s.abortBoth(ctx, bacerr.AbortReasonInvalidApduInThisState)
		return
	}
	expected := s.lastSequenceNumber + 1
	if req.SequenceNumber != expected {
		s.ackSegment(ctx, s.initialSequenceNumber)
		s.setTimer(s.segmentTimeout, s.timerExpiredSegmentedRequest)
		return
	}
	s.segmentAPDU = append(s.segmentAPDU, req.ServiceData...)
	s.lastSequenceNumber = req.SequenceNumber

	if !req.MoreFollows {
		s.cancelTimer()
		s.setState(StateAwaitResponse)
		s.setTimer(s.applicationTimeout, s.timerExpiredAwaitResponse)
		s.ackSegment(ctx, s.lastSequenceNumber)
		s.asap.deliverServerIndication(ctx, s, s.serviceChoice, s.segmentAPDU)
		return
	}
	if uint8(s.lastSequenceNumber) == s.initialSequenceNumber+uint8(s.actualWindowSize) {
		s.ackSegment(ctx, s.lastSequenceNumber)
		s.initialSequenceNumber = s.lastSequenceNumber
	}
	s.setTimer(s.segmentTimeout, s.timerExpiredSegmentedRequest)
}

func (s *ServerSSM) ackSegment(ctx context.Context, seq uint8) {
	ack := apdu.SegmentAck{FromServer: true, InvokeID: s.invokeID, SequenceNumber: seq, ActualWindowSize: uint8(s.actualWindowSize)}
	s.sendRaw(ctx, ack.Encode())
}

// Respond is called by the application with the service's result once it
// has processed the reassembled indication.
func (s *ServerSSM) Respond(ctx context.Context, result apdu.APDU) {
	if s.state != StateAwaitResponse {
		return
	}
	switch v := result.(type) {
	case apdu.Abort:
		s.cancelTimer()
		s.setState(StateAborted)
		s.sendRaw(ctx, v.Encode())
		s.asap.removeServer(s)
	case apdu.SimpleAck, apdu.Error, apdu.Reject:
		s.cancelTimer()
		s.setState(StateCompleted)
		s.sendRaw(ctx, result.Encode())
		s.asap.removeServer(s)
	case apdu.ComplexAck:
		s.respondComplexAck(ctx, v)
	}
}

func (s *ServerSSM) respondComplexAck(ctx context.Context, v apdu.ComplexAck) {
	peerInfo, known := s.asap.peerInfo(s.peer)
	size := segmentSizeFor(s.maxApduLengthAccepted, peerInfo, known)
	count := segmentCountFor(len(v.ServiceData), size)

	if count > 1 && !s.segmentedResponseAccepted {
		s.abortLocal(ctx, bacerr.AbortReasonSegmentationNotSupported)
		return
	}

	s.segmentAPDU = v.ServiceData
	s.serviceChoice = v.ServiceChoice
	s.segmentSize = size
	s.segmentCount = count

	if count == 1 {
		ack := apdu.ComplexAck{InvokeID: s.invokeID, ServiceChoice: v.ServiceChoice, ServiceData: v.ServiceData}
		s.cancelTimer()
		s.setState(StateCompleted)
		s.sendRaw(ctx, ack.Encode())
		s.asap.removeServer(s)
		return
	}

	s.initialSequenceNumber = 0
	s.actualWindowSize = s.proposedWindowSize
	s.sentAllSegments = false
	s.setState(StateSegmentedResponse)
	s.setTimer(s.segmentTimeout, s.timerExpiredSegmentedResponse)
	s.fillWindow(ctx, 0)
}

// fillWindow mirrors ClientSSM.fillWindow for the response direction,
// §4.5.3.
func (s *ServerSSM) fillWindow(ctx context.Context, seq uint8) {
	for i := 0; i < s.actualWindowSize; i++ {
		index := int(seq) + i
		body, ok := segmentAt(s.segmentAPDU, s.segmentSize, index)
		if !ok {
			break
		}
		last := !moreAfter(s.segmentAPDU, s.segmentSize, index)
		win := uint8(s.actualWindowSize)
		if i == 0 {
			win = uint8(s.proposedWindowSize)
		}
		ack := apdu.ComplexAck{
			Segmented:      true,
			MoreFollows:    !last,
			InvokeID:       s.invokeID,
			SequenceNumber: uint8(index),
			ProposedWindowSize: win,
			ServiceChoice:  s.serviceChoice,
			ServiceData:    body,
		}
		s.sendRaw(ctx, ack.Encode())
		if last {
			s.sentAllSegments = true
			break
		}
	}
}

func (s *ServerSSM) confirmation(ctx context.Context, a apdu.APDU) {
	if s.state != StateSegmentedResponse {
		return
	}
	v, ok := a.(apdu.SegmentAck)
	if !ok {
		return
	}
	s.actualWindowSize = int(v.ActualWindowSize)
	if !seqInWindow(v.SequenceNumber, s.initialSequenceNumber, s.actualWindowSize) {
		s.setTimer(s.segmentTimeout, s.timerExpiredSegmentedResponse)
		return
	}
	if s.sentAllSegments {
		s.cancelTimer()
		s.setState(StateCompleted)
		s.asap.removeServer(s)
		return
	}
	s.initialSequenceNumber = v.SequenceNumber + 1
	s.segmentRetryCount = 0
	s.setTimer(s.segmentTimeout, s.timerExpiredSegmentedResponse)
	s.fillWindow(ctx, s.initialSequenceNumber)
}

func (s *ServerSSM) timerExpiredSegmentedRequest() {
	s.abortLocal(context.Background(), bacerr.AbortReasonNoResponse)
}

func (s *ServerSSM) timerExpiredAwaitResponse() {
	ctx := context.Background()
	a := apdu.Abort{FromServer: true, InvokeID: s.invokeID, Reason: bacerr.AbortReasonServerTimeout}
	s.sendRaw(ctx, a.Encode())
	s.cancelTimer()
	s.setState(StateAborted)
	s.asap.removeServer(s)
}

func (s *ServerSSM) timerExpiredSegmentedResponse() {
	ctx := context.Background()
	if s.segmentRetryCount < s.numberOfApduRetries {
		s.segmentRetryCount++
		s.asap.metrics.RecordSegmentationRetry("server")
		s.setTimer(s.segmentTimeout, s.timerExpiredSegmentedResponse)
		s.fillWindow(ctx, s.initialSequenceNumber)
		return
	}
	s.cancelTimer()
	s.setState(StateAborted)
	s.asap.metrics.RecordAbort(bacerr.AbortReasonNoResponse.String())
	s.asap.removeServer(s)
}

func (s *ServerSSM) abortLocal(ctx context.Context, reason bacerr.AbortReason) {
	a := apdu.Abort{FromServer: true, InvokeID: s.invokeID, Reason: reason}
	s.sendRaw(ctx, a.Encode())
	s.cancelTimer()
	s.setState(StateAborted)
	s.asap.metrics.RecordAbort(reason.String())
	s.asap.removeServer(s)
}

func (s *ServerSSM) abortBoth(ctx context.Context, reason bacerr.AbortReason) {
	s.abortLocal(ctx, reason)
	s.asap.deliverServerAbort(ctx, s, reason)
}

func (s *ServerSSM) sendRaw(ctx context.Context, data []byte) error {
	return s.asap.downstream.Send(ctx, s.peer, pdu.PCI{}, data)
}
