package appservice

import (
	"time"

	"github.com/kuiwang02/bacnet/pkg/bacnet/pdu"
)

// State is one of the eight SSM transaction states named in §3.
type State int

const (
	StateIdle State = iota
	StateSegmentedRequest
	StateAwaitConfirmation
	StateAwaitResponse
	StateSegmentedResponse
	StateSegmentedConfirmation
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSegmentedRequest:
		return "SEGMENTED_REQUEST"
	case StateAwaitConfirmation:
		return "AWAIT_CONFIRMATION"
	case StateAwaitResponse:
		return "AWAIT_RESPONSE"
	case StateSegmentedResponse:
		return "SEGMENTED_RESPONSE"
	case StateSegmentedConfirmation:
		return "SEGMENTED_CONFIRMATION"
	case StateCompleted:
		return "COMPLETED"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// terminal reports whether a state change away from it is forbidden, per
// §3's "state transitions from COMPLETED or ABORTED are forbidden".
func (s State) terminal() bool { return s == StateCompleted || s == StateAborted }

// transaction is the state shared by ClientSSM and ServerSSM: the fields
// named in §3's "SSM transaction state" block. It is never touched outside
// the owning ASAP's run-loop goroutine, so it carries no lock (§5).
type transaction struct {
	asap    *ApplicationServiceAccessPoint
	peer    pdu.Address
	invokeID uint8
	state   State

	segmentAPDU   []byte
	serviceChoice uint8
	segmentSize   int
	segmentCount  int

	actualWindowSize   int
	proposedWindowSize int

	lastSequenceNumber    uint8
	initialSequenceNumber uint8

	retryCount        int
	segmentRetryCount int
	sentAllSegments   bool

	segmentedResponseAccepted bool

	apduTimeout           time.Duration
	segmentTimeout        time.Duration
	applicationTimeout    time.Duration
	numberOfApduRetries   int
	maxApduLengthAccepted int
	maxSegmentsAccepted   int
	segmentationSupported SegmentationSupport

	timer    *time.Timer
	timerSeq uint64
}

func (t *transaction) initFromConfig(cfg Config) {
	t.apduTimeout = cfg.ApduTimeout
	t.segmentTimeout = cfg.SegmentTimeout
	t.applicationTimeout = cfg.ApplicationTimeout
	t.numberOfApduRetries = cfg.NumberOfApduRetries
	t.maxApduLengthAccepted = cfg.MaxApduLengthAccepted
	t.maxSegmentsAccepted = cfg.MaxSegmentsAccepted
	t.proposedWindowSize = cfg.ProposedWindowSize
	t.segmentationSupported = cfg.SegmentationSupported
}

// setState transitions the transaction, cancelling any running timer first
// and refusing to leave a terminal state.
func (t *transaction) setState(s State) {
	if t.state.terminal() {
		return
	}
	t.cancelTimer()
	t.state = s
}

// setTimer cancels any running timer and starts a new one. Expiry posts fn
// onto the owning ASAP's run-loop channel rather than calling it directly,
// so it always executes serialized with every other SSM mutation (§5). A
// per-timer sequence number guards against a timer that fired concurrently
// with a cancellation racing the run loop.
func (t *transaction) setTimer(d time.Duration, fn func()) {
	t.cancelTimer()
	t.timerSeq++
	seq := t.timerSeq
	t.timer = time.AfterFunc(d, func() {
		t.asap.post(func() {
			if t.timerSeq != seq {
				return // stale timer, already cancelled/replaced
			}
			fn()
		})
	})
}

func (t *transaction) cancelTimer() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.timerSeq++
}

// Peer returns the transaction's peer address.
func (t *transaction) Peer() pdu.Address { return t.peer }

// InvokeID returns the transaction's invoke ID.
func (t *transaction) InvokeID() uint8 { return t.invokeID }

// State returns the transaction's current state.
func (t *transaction) State() State { return t.state }

// segmentSizeFor computes the per-segment payload size, per §4.5
// "Segment sizing": min(peer.max_npdu_length, peer.max_apdu_length_accepted)
// when known, else local maxApduLengthAccepted.
func segmentSizeFor(local int, peer PeerInfo, peerKnown bool) int {
	if !peerKnown {
		return local
	}
	size := peer.MaxApduLengthAccepted
	if peer.MaxNpduLength > 0 && peer.MaxNpduLength < size {
		size = peer.MaxNpduLength
	}
	if size <= 0 {
		return local
	}
	return size
}

// segmentCountFor computes ⌈len/size⌉, minimum 1.
func segmentCountFor(length, size int) int {
	if size <= 0 {
		return 1
	}
	count := (length + size - 1) / size
	if count < 1 {
		count = 1
	}
	return count
}

// segmentAt slices out segment index (0-based) of the given size from the
// full APDU body. ok=false past the end.
func segmentAt(body []byte, size, index int) (seg []byte, ok bool) {
	start := index * size
	if start >= len(body) {
		return nil, false
	}
	end := start + size
	if end > len(body) {
		end = len(body)
	}
	return body[start:end], true
}

// seqInWindow reports whether seq lies in (initial, initial+window] mod 256,
// the range SegmentAck is expected to advance into.
func seqInWindow(seq, initial uint8, window int) bool {
	for i := 1; i <= window; i++ {
		if initial+uint8(i) == seq {
			return true
		}
	}
	return false
}
