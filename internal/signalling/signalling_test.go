package signalling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"filexfer/pkg/utils"

	"github.com/pion/webrtc/v4"
)

// memoryServer is a SignalingServer kept in process memory
type memoryServer struct {
	mu       sync.Mutex
	sessions map[string]*Session
	answered chan struct{}
}

func newMemoryServer() *memoryServer {
	return &memoryServer{
		sessions: make(map[string]*Session),
		answered: make(chan struct{}, 1),
	}
}

func (m *memoryServer) CreateSession(_ context.Context, offer string) (string, error) {
	code, err := utils.GenerateCode(utils.CodeLength)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[code] = &Session{ID: code, Offer: offer}
	return code, nil
}

func (m *memoryServer) GetOffer(_ context.Context, sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return "", ErrSessionNotFound
	}
	return s.Offer, nil
}

func (m *memoryServer) UpdateAnswer(_ context.Context, sessionID, answer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.Answer = answer
	m.answered <- struct{}{}
	return nil
}

func (m *memoryServer) WaitForAnswer(ctx context.Context, sessionID string) (string, error) {
	select {
	case <-m.answered:
	case <-ctx.Done():
		return "", ErrNoAnswer
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return "", ErrSessionNotFound
	}
	delete(m.sessions, sessionID)
	return s.Answer, nil
}

func (m *memoryServer) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

func newPeer(t *testing.T) *webrtc.PeerConnection {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	return pc
}

func TestOfferAnswerExchange(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server := newMemoryServer()
	svc := NewSignalingService(server, &WebRTCHandler{})

	offerer := newPeer(t)
	if _, err := offerer.CreateDataChannel("filexfer", nil); err != nil {
		t.Fatal(err)
	}
	answerer := newPeer(t)

	code, err := svc.Offer(ctx, offerer)
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if !utils.IsValidCode(code) {
		t.Fatalf("session code %q is not valid", code)
	}

	if err := svc.Answer(ctx, answerer, code); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if err := svc.AwaitAnswer(ctx, offerer, code); err != nil {
		t.Fatalf("AwaitAnswer: %v", err)
	}

	if offerer.RemoteDescription() == nil || offerer.RemoteDescription().Type != webrtc.SDPTypeAnswer {
		t.Error("offerer has no remote answer")
	}
	if answerer.RemoteDescription() == nil || answerer.RemoteDescription().Type != webrtc.SDPTypeOffer {
		t.Error("answerer has no remote offer")
	}
	if _, err := server.GetOffer(ctx, code); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("session survived the exchange: %v", err)
	}
}

func TestAnswerUnknownSession(t *testing.T) {
	svc := NewSignalingService(newMemoryServer(), &WebRTCHandler{})
	err := svc.Answer(context.Background(), newPeer(t), "AAAAAAAA")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestClearSession(t *testing.T) {
	server := newMemoryServer()
	svc := NewSignalingService(server, &WebRTCHandler{})
	code, err := server.CreateSession(context.Background(), "offer")
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.ClearSession(context.Background(), code); err != nil {
		t.Fatal(err)
	}
	if _, err := server.GetOffer(context.Background(), code); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}
