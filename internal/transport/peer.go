package transport

import (
	"fmt"

	"filexfer/pkg/logger"

	"github.com/pion/webrtc/v4"
)

// CleanupFunc is run when the peer connection fails or closes
type CleanupFunc func() error

// ConnectionFailureError describes why a peer connection stopped being usable
type ConnectionFailureError struct {
	State   webrtc.PeerConnectionState
	Role    string
	Message string
}

func (e *ConnectionFailureError) Error() string {
	return fmt.Sprintf("connection failed in %s state for %s: %s", e.State.String(), e.Role, e.Message)
}

// PeerService manages WebRTC peer connection lifecycle
type PeerService struct {
	iceServers  []webrtc.ICEServer
	failureChan chan *ConnectionFailureError
}

// NewPeerService creates a peer service that gathers through iceServers
func NewPeerService(iceServers []webrtc.ICEServer) *PeerService {
	return &PeerService{
		iceServers:  iceServers,
		failureChan: make(chan *ConnectionFailureError, 1),
	}
}

// CreatePeerConnection creates a new peer connection using the configured ICE servers
func (p *PeerService) CreatePeerConnection() (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: p.iceServers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return pc, nil
}

// SetupConnectionStateHandler reports failed or closed connections on the
// failure channel and runs cleanup once for them.
func (p *PeerService) SetupConnectionStateHandler(peerConn *webrtc.PeerConnection, role string, cleanup CleanupFunc) {
	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.handleConnectionStateChange(state, role, cleanup)
	})
}

// GetFailureChannel returns a channel that receives connection failures
func (p *PeerService) GetFailureChannel() <-chan *ConnectionFailureError {
	return p.failureChan
}

func (p *PeerService) handleConnectionStateChange(state webrtc.PeerConnectionState, role string, cleanup CleanupFunc) {
	logger.Log.Info("peer connection state changed", "state", state.String(), "role", role)

	var message string
	switch state {
	case webrtc.PeerConnectionStateFailed:
		message = "peer connection failed"
	case webrtc.PeerConnectionStateClosed:
		message = "peer connection closed"
	default:
		return
	}

	select {
	case p.failureChan <- &ConnectionFailureError{State: state, Role: role, Message: message}:
	default:
	}

	if cleanup != nil {
		if err := cleanup(); err != nil {
			logger.Log.Warn("cleanup after connection loss failed", "role", role, "error", err)
		}
	}
}
