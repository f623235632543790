package appservice

import (
	"context"

	"github.com/kuiwang02/bacnet/pkg/bacnet/apdu"
	"github.com/kuiwang02/bacnet/pkg/bacnet/bacerr"
	"github.com/kuiwang02/bacnet/pkg/bacnet/pdu"
)

// ClientSSM drives the client side of a confirmed-request transaction,
// §4.5.1: IDLE -> SEGMENTED_REQUEST|AWAIT_CONFIRMATION -> (SEGMENTED_
// CONFIRMATION ->) COMPLETED|ABORTED.
type ClientSSM struct {
	transaction
}

func newClientSSM(asap *ApplicationServiceAccessPoint, peer pdu.Address, invokeID uint8) *ClientSSM {
	ssm := &ClientSSM{}
	ssm.asap = asap
	ssm.peer = peer
	ssm.invokeID = invokeID
	ssm.state = StateIdle
	ssm.initFromConfig(asap.cfg)
	return ssm
}

// indication is the entry point for an application-originated
// ConfirmedRequest, §4.5.1 "Initial transition".
func (c *ClientSSM) indication(ctx context.Context, serviceChoice uint8, data []byte) error {
	peerInfo, known := c.asap.peerInfo(c.peer)
	size := segmentSizeFor(c.maxApduLengthAccepted, peerInfo, known)
	count := segmentCountFor(len(data), size)

	if count > 1 {
		if !c.segmentationSupported.CanTransmit() {
			c.abortLocal(bacerr.AbortReasonSegmentationNotSupported)
			return bacerr.NewAbortError(bacerr.AbortReasonSegmentationNotSupported, false)
		}
		if known && !peerInfo.SegmentationSupported.CanReceive() {
			c.abortLocal(bacerr.AbortReasonSegmentationNotSupported)
			return bacerr.NewAbortError(bacerr.AbortReasonSegmentationNotSupported, false)
		}
		if known && peerInfo.MaxSegmentsAccepted > 0 && count > peerInfo.MaxSegmentsAccepted {
			c.abortLocal(bacerr.AbortReasonApduTooLong)
			return bacerr.NewAbortError(bacerr.AbortReasonApduTooLong, false)
		}
	}

	c.segmentAPDU = data
	c.serviceChoice = serviceChoice
	c.segmentSize = size
	c.segmentCount = count

	if count == 1 {
		req := apdu.ConfirmedRequest{
			SegmentedResponseAccepted: true,
			MaxSegmentsAccepted:       apdu.EncodedMaxSegments(c.maxSegmentsAccepted),
			MaxApduLengthAccepted:     apdu.EncodedMaxApdu(c.maxApduLengthAccepted),
			InvokeID:                  c.invokeID,
			ServiceChoice:             serviceChoice,
			ServiceData:               data,
		}
		c.setState(StateAwaitConfirmation)
		c.setTimer(c.apduTimeout, c.timerExpiredAwaitConfirmation)
		return c.send(ctx, req)
	}

	c.initialSequenceNumber = 0
	c.actualWindowSize = c.proposedWindowSize
	c.sentAllSegments = false
	c.setState(StateSegmentedRequest)
	c.setTimer(c.segmentTimeout, c.timerExpiredSegmentedRequest)
	return c.fillWindow(ctx, serviceChoice, 0)
}

// fillWindow emits up to actualWindowSize consecutive segments starting at
// seq, per §4.5.3.
func (c *ClientSSM) fillWindow(ctx context.Context, serviceChoice uint8, seq uint8) error {
	for i := 0; i < c.actualWindowSize; i++ {
		index := int(seq) + i
		body, ok := segmentAt(c.segmentAPDU, c.segmentSize, index)
		if !ok {
			break
		}
		last := !moreAfter(c.segmentAPDU, c.segmentSize, index)
		win := uint8(c.actualWindowSize)
		if i == 0 {
			win = uint8(c.proposedWindowSize)
		}
		req := apdu.ConfirmedRequest{
			Segmented:                 true,
			MoreFollows:               !last,
			SegmentedResponseAccepted: true,
			MaxSegmentsAccepted:       apdu.EncodedMaxSegments(c.maxSegmentsAccepted),
			MaxApduLengthAccepted:     apdu.EncodedMaxApdu(c.maxApduLengthAccepted),
			InvokeID:                  c.invokeID,
			SequenceNumber:            uint8(index),
			ProposedWindowSize:        win,
			ServiceChoice:             serviceChoice,
			ServiceData:               body,
		}
		if err := c.send(ctx, req); err != nil {
			return err
		}
		if last {
			c.sentAllSegments = true
			break
		}
	}
	return nil
}

func moreAfter(body []byte, size, index int) bool {
	_, ok := segmentAt(body, size, index+1)
	return ok
}

// confirmation handles an inbound APDU while the transaction is waiting on
// the peer, dispatching per the current state.
func (c *ClientSSM) confirmation(ctx context.Context, a apdu.APDU) {
	switch c.state {
	case StateSegmentedRequest:
		c.confirmationSegmentedRequest(ctx, a)
	case StateAwaitConfirmation:
		c.confirmationAwaitConfirmation(ctx, a)
	case StateSegmentedConfirmation:
		c.confirmationSegmentedConfirmation(ctx, a)
	}
}

func (c *ClientSSM) confirmationSegmentedRequest(ctx context.Context, a apdu.APDU) {
	switch v := a.(type) {
	case apdu.SegmentAck:
		c.actualWindowSize = int(v.ActualWindowSize)
		if !seqInWindow(v.SequenceNumber, c.initialSequenceNumber, c.actualWindowSize) {
			c.setTimer(c.segmentTimeout, c.timerExpiredSegmentedRequest)
			return
		}
		if c.sentAllSegments {
			c.setState(StateAwaitConfirmation)
			c.setTimer(c.apduTimeout, c.timerExpiredAwaitConfirmation)
			return
		}
		c.initialSequenceNumber = v.SequenceNumber + 1
		c.segmentRetryCount = 0
		c.setTimer(c.segmentTimeout, c.timerExpiredSegmentedRequest)
		c.fillWindow(ctx, c.serviceChoice, c.initialSequenceNumber)
	case apdu.SimpleAck:
		if !c.sentAllSegments {
			c.abortBoth(ctx, bacerr.AbortReasonInvalidApduInThisState)
			return
		}
		c.complete(ctx, a)
	case apdu.ComplexAck:
		if !c.sentAllSegments {
			c.abortBoth(ctx, bacerr.AbortReasonInvalidApduInThisState)
			return
		}
		c.handleComplexAck(ctx, v)
	case apdu.Error, apdu.Reject, apdu.Abort:
		c.complete(ctx, a)
	}
}

func (c *ClientSSM) confirmationAwaitConfirmation(ctx context.Context, a apdu.APDU) {
	switch v := a.(type) {
	case apdu.Abort:
		c.cancelTimer()
		c.setState(StateAborted)
		c.asap.deliverClientResult(ctx, c, a)
		c.asap.removeClient(c)
	case apdu.SimpleAck, apdu.Error, apdu.Reject:
		c.complete(ctx, a)
	case apdu.ComplexAck:
		c.handleComplexAck(ctx, v)
	case apdu.SegmentAck:
		c.setTimer(c.apduTimeout, c.timerExpiredAwaitConfirmation)
	}
}

func (c *ClientSSM) handleComplexAck(ctx context.Context, v apdu.ComplexAck) {
	if !v.Segmented {
		c.complete(ctx, v)
		return
	}
	if v.SequenceNumber != 0 {
		return
	}
	c.segmentAPDU = append([]byte(nil), v.ServiceData...)
	c.actualWindowSize = min(int(v.ProposedWindowSize), c.proposedWindowSize)
	c.lastSequenceNumber = 0
	c.initialSequenceNumber = 0
	c.setState(StateSegmentedConfirmation)
	ack := apdu.SegmentAck{
		FromServer:       false,
		InvokeID:         c.invokeID,
		SequenceNumber:   0,
		ActualWindowSize: uint8(c.actualWindowSize),
	}
	c.sendRaw(ctx, ack.Encode())
	c.setTimer(c.apduTimeout, c.timerExpiredSegmentedConfirmation)
}

func (c *ClientSSM) confirmationSegmentedConfirmation(ctx context.Context, a apdu.APDU) {
	v, ok := a.(apdu.ComplexAck)
	if !ok || !v.Segmented {
		return
	}
	expected := c.lastSequenceNumber + 1
	if v.SequenceNumber != expected {
		ack := apdu.SegmentAck{NegativeAck: true, InvokeID: c.invokeID, SequenceNumber: c.lastSequenceNumber, ActualWindowSize: uint8(c.actualWindowSize)}
		c.sendRaw(ctx, ack.Encode())
		c.setTimer(c.apduTimeout, c.timerExpiredSegmentedConfirmation)
		return
	}
	c.segmentAPDU = append(c.segmentAPDU, v.ServiceData...)
	c.lastSequenceNumber = v.SequenceNumber
	if !v.MoreFollows {
		ack := apdu.SegmentAck{InvokeID: c.invokeID, SequenceNumber: c.lastSequenceNumber, ActualWindowSize: uint8(c.actualWindowSize)}
		c.sendRaw(ctx, ack.Encode())
		final := apdu.ComplexAck{InvokeID: c.invokeID, ServiceChoice: v.ServiceChoice, ServiceData: c.segmentAPDU}
		c.complete(ctx, final)
		return
	}
	if uint8(c.lastSequenceNumber) == c.initialSequenceNumber+uint8(c.actualWindowSize) {
		ack := apdu.SegmentAck{InvokeID: c.invokeID, SequenceNumber: c.lastSequenceNumber, ActualWindowSize: uint8(c.actualWindowSize)}
		c.sendRaw(ctx, ack.Encode())
		c.initialSequenceNumber = c.lastSequenceNumber
	}
	c.setTimer(c.apduTimeout, c.timerExpiredSegmentedConfirmation)
}

func (c *ClientSSM) timerExpiredSegmentedRequest() {
	ctx := context.Background()
	if c.segmentRetryCount < c.numberOfApduRetries {
		c.segmentRetryCount++
		c.asap.metrics.RecordSegmentationRetry("client")
		c.setTimer(c.segmentTimeout, c.timerExpiredSegmentedRequest)
		c.fillWindow(ctx, c.serviceChoice, c.initialSequenceNumber)
		return
	}
	c.abortLocal(bacerr.AbortReasonNoResponse)
}

func (c *ClientSSM) timerExpiredAwaitConfirmation() {
	ctx := context.Background()
	if c.retryCount < c.numberOfApduRetries {
		c.retryCount++
		c.asap.metrics.RecordSegmentationRetry("client")
		c.setTimer(c.apduTimeout, c.timerExpiredAwaitConfirmation)
		c.resend(ctx)
		return
	}
	c.abortLocal(bacerr.AbortReasonNoResponse)
}

func (c *ClientSSM) timerExpiredSegmentedConfirmation() {
	c.abortLocal(bacerr.AbortReasonNoResponse)
}

func (c *ClientSSM) resend(ctx context.Context) {
	req := apdu.ConfirmedRequest{
		SegmentedResponseAccepted: true,
		MaxSegmentsAccepted:       apdu.EncodedMaxSegments(c.maxSegmentsAccepted),
		MaxApduLengthAccepted:     apdu.EncodedMaxApdu(c.maxApduLengthAccepted),
		InvokeID:                  c.invokeID,
		ServiceChoice:             c.serviceChoice,
		ServiceData:               c.segmentAPDU,
	}
	c.send(ctx, req)
}

func (c *ClientSSM) complete(ctx context.Context, result apdu.APDU) {
	c.cancelTimer()
	c.setState(StateCompleted)
	c.asap.deliverClientResult(ctx, c, result)
	c.asap.removeClient(c)
}

func (c *ClientSSM) abortLocal(reason bacerr.AbortReason) {
	ctx := context.Background()
	c.cancelTimer()
	c.setState(StateAborted)
	c.asap.metrics.RecordAbort(reason.String())
	a := apdu.Abort{FromServer: false, InvokeID: c.invokeID, Reason: reason}
	c.asap.deliverClientResult(ctx, c, a)
	c.asap.removeClient(c)
}

func (c *ClientSSM) abortBoth(ctx context.Context, reason bacerr.AbortReason) {
	a := apdu.Abort{FromServer: false, InvokeID: c.invokeID, Reason: reason}
	c.sendRaw(ctx, a.Encode())
	c.cancelTimer()
	c.setState(StateAborted)
	c.asap.metrics.RecordAbort(reason.String())
	c.asap.deliverClientResult(ctx, c, a)
	c.asap.removeClient(c)
}

func (c *ClientSSM) send(ctx context.Context, a apdu.ConfirmedRequest) error {
	return c.asap.downstream.Send(ctx, c.peer, pdu.PCI{ExpectingReply: true}, a.Encode())
}

func (c *ClientSSM) sendRaw(ctx context.Context, data []byte) error {
	return c.asap.downstream.Send(ctx, c.peer, pdu.PCI{}, data)
}

