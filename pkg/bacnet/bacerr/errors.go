// Package bacerr defines the error taxonomy shared by the codec, service and
// application layers, per the propagation policy: decode failures are
// logged and dropped at every transport/codec/service boundary, SSM
// failures surface through the BACnet abort/reject taxonomy, and
// configuration problems are fatal at startup.
package bacerr

import "fmt"

// DecodingError wraps a malformed-PDU condition at any wire layer.
type DecodingError struct {
	Layer string
	Err   error
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("%s: decoding error: %v", e.Layer, e.Err)
}

func (e *DecodingError) Unwrap() error { return e.Err }

func NewDecodingError(layer string, err error) *DecodingError {
	return &DecodingError{Layer: layer, Err: err}
}

// InvalidTag is a specialized DecodingError raised while decoding an
// application-tagged value inside an UnconfirmedRequest. It is always
// suppressed by the caller so that malformed unconfirmed traffic cannot
// destabilize the stack.
type InvalidTag struct {
	Err error
}

func (e *InvalidTag) Error() string { return fmt.Sprintf("invalid tag: %v", e.Err) }
func (e *InvalidTag) Unwrap() error  { return e.Err }

// AbortReason enumerates the BACnet Abort.Reason codes this module raises.
type AbortReason byte

const (
	AbortReasonOther                  AbortReason = 0
	AbortReasonBufferOverflow         AbortReason = 1
	AbortReasonInvalidApduInThisState AbortReason = 2
	AbortReasonPreemptedByHigherPriorityTask AbortReason = 3
	AbortReasonSegmentationNotSupported AbortReason = 4
	AbortReasonSecurityError          AbortReason = 5
	AbortReasonInsufficientSecurity   AbortReason = 6
	AbortReasonWindowSizeOutOfRange   AbortReason = 7
	AbortReasonApplicationExceededReplyTime AbortReason = 8
	AbortReasonOutOfResources         AbortReason = 9
	AbortReasonTSMTimeout             AbortReason = 10
	AbortReasonApduTooLong            AbortReason = 11
	// Server timeout and no-response are local conditions, not standard
	// reason codes on the wire; they use "other" on the wire but are kept
	// distinct locally for metrics and logging.
	AbortReasonNoResponse   AbortReason = 253
	AbortReasonServerTimeout AbortReason = 254
)

func (r AbortReason) String() string {
	switch r {
	case AbortReasonOther:
		return "other"
	case AbortReasonBufferOverflow:
		return "bufferOverflow"
	case AbortReasonInvalidApduInThisState:
		return "invalidApduInThisState"
	case AbortReasonPreemptedByHigherPriorityTask:
		return "preemptedByHigherPriorityTask"
	case AbortReasonSegmentationNotSupported:
		return "segmentationNotSupported"
	case AbortReasonSecurityError:
		return "securityError"
	case AbortReasonInsufficientSecurity:
		return "insufficientSecurity"
	case AbortReasonWindowSizeOutOfRange:
		return "windowSizeOutOfRange"
	case AbortReasonApplicationExceededReplyTime:
		return "applicationExceededReplyTime"
	case AbortReasonOutOfResources:
		return "outOfResources"
	case AbortReasonTSMTimeout:
		return "tsmTimeout"
	case AbortReasonApduTooLong:
		return "apduTooLong"
	case AbortReasonNoResponse:
		return "noResponse"
	case AbortReasonServerTimeout:
		return "serverTimeout"
	default:
		return fmt.Sprintf("abortReason(%d)", byte(r))
	}
}

// AbortError is raised by the SSM and carries whether it originated on this
// side (FromServer=false) so the caller knows whether it must still be relayed
// to the peer.
type AbortError struct {
	Reason     AbortReason
	FromServer bool
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("abort: %v (fromServer=%v)", e.Reason, e.FromServer)
}

func NewAbortError(reason AbortReason, fromServer bool) *AbortError {
	return &AbortError{Reason: reason, FromServer: fromServer}
}

// RejectReason enumerates the BACnet Reject.Reason codes.
type RejectReason byte

const (
	RejectReasonOther                 RejectReason = 0
	RejectReasonBufferOverflow        RejectReason = 1
	RejectReasonInconsistentParameters RejectReason = 2
	RejectReasonInvalidParameterDataType RejectReason = 3
	RejectReasonInvalidTag            RejectReason = 4
	RejectReasonMissingRequiredParameter RejectReason = 5
	RejectReasonParameterOutOfRange   RejectReason = 6
	RejectReasonTooManyArguments      RejectReason = 7
	RejectReasonUndefinedEnumeration  RejectReason = 8
	RejectReasonUnrecognizedService   RejectReason = 9
)

type RejectError struct {
	Reason RejectReason
}

func (e *RejectError) Error() string { return fmt.Sprintf("reject: %d", e.Reason) }

func NewRejectError(reason RejectReason) *RejectError {
	return &RejectError{Reason: reason}
}

// CommunicationError wraps a transport-level failure; the caller synthesizes
// an Error PDU upward with errorClass=communication.
type CommunicationError struct {
	Err error
}

func (e *CommunicationError) Error() string { return fmt.Sprintf("communication error: %v", e.Err) }
func (e *CommunicationError) Unwrap() error  { return e.Err }

func NewCommunicationError(err error) *CommunicationError {
	return &CommunicationError{Err: err}
}

// ConfigurationError signals a binding/wiring problem at startup. Fatal.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string { return "configuration error: " + e.Msg }

func NewConfigurationError(msg string) *ConfigurationError {
	return &ConfigurationError{Msg: msg}
}
