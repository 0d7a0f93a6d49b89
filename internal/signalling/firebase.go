package signalling

import (
	"context"
	"fmt"
	"time"

	"filexfer/internal/config"
	"filexfer/pkg/logger"
	"filexfer/pkg/utils"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"google.golang.org/api/option"
)

const (
	sessionsPath    = "filexfer_sessions"
	answerPollEvery = 3 * time.Second
	answerPolls     = 40
)

// FirebaseClient stores signalling sessions in Firebase Realtime Database
type FirebaseClient struct {
	db  *db.Client
	ref *db.Ref
}

func NewFirebaseClient(ctx context.Context, cfg *config.FirebaseConfig) (*FirebaseClient, error) {
	opt := option.WithCredentialsFile(cfg.CredentialsPath)

	firebaseConfig := &firebase.Config{
		DatabaseURL: cfg.DatabaseURL,
		ProjectID:   cfg.ProjectID,
	}

	app, err := firebase.NewApp(ctx, firebaseConfig, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing Firebase app: %w", err)
	}

	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting database client: %w", err)
	}

	return &FirebaseClient{
		db:  client,
		ref: client.NewRef(sessionsPath),
	}, nil
}

// Session represents a signaling session data
type Session struct {
	ID     string `json:"sessionId"`
	Offer  string `json:"offer"`
	Answer string `json:"answer"`
}

func (f *FirebaseClient) CreateSession(ctx context.Context, offer string) (string, error) {
	code, err := utils.GenerateCode(utils.CodeLength)
	if err != nil {
		return "", fmt.Errorf("error generating session code: %w", err)
	}

	sessionData := Session{ID: code, Offer: offer}
	if err := f.ref.Child(code).Set(ctx, sessionData); err != nil {
		return "", fmt.Errorf("error creating session: %w", err)
	}
	return code, nil
}

func (f *FirebaseClient) UpdateAnswer(ctx context.Context, sessionID, answer string) error {
	sessionRef := f.ref.Child(sessionID)
	if _, err := f.load(ctx, sessionRef, sessionID); err != nil {
		return err
	}

	updates := map[string]any{
		"answer": answer,
	}
	if err := sessionRef.Update(ctx, updates); err != nil {
		return fmt.Errorf("error updating answer for session %s: %w", sessionID, err)
	}
	return nil
}

// WaitForAnswer polls the session until the answering side publishes its SDP.
// The session is deleted when no answer arrives in time.
func (f *FirebaseClient) WaitForAnswer(ctx context.Context, sessionID string) (string, error) {
	sessionRef := f.ref.Child(sessionID)
	if _, err := f.load(ctx, sessionRef, sessionID); err != nil {
		return "", err
	}

	logger.Log.Info("waiting for answer", "code", sessionID)
	for i := range answerPolls {
		session, err := f.load(ctx, sessionRef, sessionID)
		if err != nil {
			logger.Log.Warn("failed to poll session", "code", sessionID, "error", err)
		} else if session.Answer != "" {
			return session.Answer, nil
		}

		if i < answerPolls-1 {
			select {
			case <-time.After(answerPollEvery):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}

	if err := f.DeleteSession(ctx, sessionID); err != nil {
		return "", fmt.Errorf("error deleting session: %w", err)
	}
	return "", ErrNoAnswer
}

func (f *FirebaseClient) DeleteSession(ctx context.Context, sessionID string) error {
	sessionRef := f.ref.Child(sessionID)
	if err := sessionRef.Delete(ctx); err != nil {
		return fmt.Errorf("error deleting session %s: %w", sessionID, err)
	}
	return nil
}

func (f *FirebaseClient) GetOffer(ctx context.Context, sessionID string) (string, error) {
	session, err := f.load(ctx, f.ref.Child(sessionID), sessionID)
	if err != nil {
		return "", err
	}
	if session.Offer == "" {
		return "", fmt.Errorf("%w: %s has no offer", ErrSessionNotFound, sessionID)
	}
	return session.Offer, nil
}

func (f *FirebaseClient) load(ctx context.Context, sessionRef *db.Ref, sessionID string) (Session, error) {
	var session Session
	if err := sessionRef.Get(ctx, &session); err != nil {
		return session, fmt.Errorf("error fetching session %s: %w", sessionID, err)
	}
	if session.ID == "" {
		return session, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return session, nil
}
