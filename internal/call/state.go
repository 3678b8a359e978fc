package call

import "fmt"

// State is the lifecycle position of a call session.
type State int

const (
	Idle State = iota
	RingingOutgoing
	RingingIncoming
	Connecting
	Active
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case RingingOutgoing:
		return "ringing-outgoing"
	case RingingIncoming:
		return "ringing-incoming"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Ended:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Ringing reports whether the call is waiting for either side to pick up.
func (s State) Ringing() bool {
	return s == RingingOutgoing || s == RingingIncoming
}

// Kind selects which local devices a call captures.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// ParseKind maps a configuration value to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindAudio, KindVideo:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown call kind %q", s)
	}
}

// EndReason explains why a session reached Ended.
type EndReason int

const (
	ReasonNone EndReason = iota
	ReasonLocalHangup
	ReasonRemoteHangup
	ReasonCancelled
	ReasonDeclined
	ReasonRejected
	ReasonPermissionDenied
	ReasonDeviceNotFound
	ReasonDeviceBusy
	ReasonMediaError
	ReasonTransportLost
	ReasonConnectFailed
	ReasonRingTimeout
	ReasonConnectTimeout
)

var reasonNames = map[EndReason]string{
	ReasonNone:             "none",
	ReasonLocalHangup:      "local-hangup",
	ReasonRemoteHangup:     "remote-hangup",
	ReasonCancelled:        "cancelled",
	ReasonDeclined:         "declined",
	ReasonRejected:         "rejected",
	ReasonPermissionDenied: "permission-denied",
	ReasonDeviceNotFound:   "device-not-found",
	ReasonDeviceBusy:       "device-busy",
	ReasonMediaError:       "media-error",
	ReasonTransportLost:    "transport-lost",
	ReasonConnectFailed:    "connect-failed",
	ReasonRingTimeout:      "ring-timeout",
	ReasonConnectTimeout:   "connect-timeout",
}

var reasonMessages = map[EndReason]string{
	ReasonLocalHangup:      "Call ended",
	ReasonRemoteHangup:     "The other party ended the call",
	ReasonCancelled:        "Call cancelled",
	ReasonDeclined:         "Call declined",
	ReasonRejected:         "The other party declined the call",
	ReasonPermissionDenied: "Access to the microphone or camera was denied",
	ReasonDeviceNotFound:   "No microphone or camera was found",
	ReasonDeviceBusy:       "The microphone or camera is in use by another application",
	ReasonMediaError:       "Could not access the microphone or camera",
	ReasonTransportLost:    "Lost connection to the signaling server",
	ReasonConnectFailed:    "Could not establish a media connection",
	ReasonRingTimeout:      "No answer",
	ReasonConnectTimeout:   "The call could not be connected in time",
}

func (r EndReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// Message is the user-facing description of the reason.
func (r EndReason) Message() string {
	return reasonMessages[r]
}
