package model

import "time"

type VMStatus string

const (
	VMTemplate     VMStatus = "TEMPLATE"
	VMProvisioning VMStatus = "PROVISIONING"
	VMBooting      VMStatus = "BOOTING"
	VMReady        VMStatus = "READY"
	VMInUse        VMStatus = "IN_USE"
	VMDraining     VMStatus = "DRAINING"
	VMTerminated   VMStatus = "TERMINATED"
	VMError        VMStatus = "ERROR"
)

// Terminal reports whether no further transition can leave s.
func (s VMStatus) Terminal() bool { return s == VMTerminated }

// Host is the network identity of the streaming host running on a VM.
type Host struct {
	Address     string
	ControlPort int
	StreamPort  int
	Protocol    string
	UDPPorts    []int
}

type VirtualMachine struct {
	ID              string
	TemplateID      string
	Region          string
	Status          VMStatus
	CurrentSessions int
	MaxSessions     int
	InstanceID      string
	Host            Host
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type SessionStatus string

const (
	SessionStarting SessionStatus = "starting"
	SessionActive   SessionStatus = "active"
	SessionPaused   SessionStatus = "paused"
	SessionEnded    SessionStatus = "ended"
	SessionError    SessionStatus = "error"
)

func (s SessionStatus) Terminal() bool { return s == SessionEnded || s == SessionError }

type Session struct {
	ID        string
	UserID    string
	VMID      *string
	AppID     string
	Region    string
	Status    SessionStatus
	Error     string
	StartedAt time.Time
	EndedAt   *time.Time
}

// PairingPhase is the per-VM trust state held by the pairing client.
type PairingPhase string

const (
	PairingUnpaired     PairingPhase = "unpaired"
	PairingPINRequested PairingPhase = "pin-requested"
	PairingPaired       PairingPhase = "paired"
)

type PairingState struct {
	VMID               string
	ClientUniqueID     string
	Paired             bool
	Phase              PairingPhase
	LastChallengeNonce string
}

type ConnectionState string

const (
	ConnNew          ConnectionState = "new"
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnDisconnected ConnectionState = "disconnected"
	ConnFailed       ConnectionState = "failed"
	ConnClosed       ConnectionState = "closed"
)

func (s ConnectionState) Terminal() bool { return s == ConnFailed || s == ConnClosed }

type PeerConnectionState struct {
	SessionID          string          `json:"sessionId"`
	ConnectionState    ConnectionState `json:"connectionState"`
	ICEConnectionState string          `json:"iceConnectionState"`
	CanSendRTP         bool            `json:"canSendRtp"`
	SSRC               uint32          `json:"ssrc"`
}

// StreamParams are the capture settings a client asks for when it opens
// the media path.
type StreamParams struct {
	Width   int `json:"width"`
	Height  int `json:"height"`
	FPS     int `json:"fps"`
	Bitrate int `json:"bitrate"`
}

// UsageEvent is emitted to the usage collaborator when a session ends.
type UsageEvent struct {
	SessionID       string
	UserID          string
	AppID           string
	Region          string
	VMID            string
	Status          SessionStatus
	StartedAt       time.Time
	EndedAt         time.Time
	DurationSeconds int
}

// SignalEvent is pushed to clients following a session's media transport.
type SignalEvent struct {
	Type      string          `json:"type"`
	State     ConnectionState `json:"state,omitempty"`
	Candidate *ICECandidate   `json:"candidate,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ICECandidate mirrors the browser's RTCIceCandidateInit.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Signal event types.
const (
	SignalState     = "state"
	SignalCandidate = "candidate"
	SignalError     = "error"
	SignalEnded     = "ended"
)

// SessionDescription is an SDP offer or answer as browsers serialize it.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}
