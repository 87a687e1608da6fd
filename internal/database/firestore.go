package database

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"
)

// FirebaseConfig holds Firebase project settings
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string // empty uses application default credentials
}

// NewFirebaseApp initializes the Firebase Admin SDK. The same app serves the
// Firestore conversation store and FCM.
func NewFirebaseApp(ctx context.Context, cfg *FirebaseConfig) (*firebase.App, error) {
	var opts []option.ClientOption
	projectID := cfg.ProjectID

	if cfg.CredentialsFile != "" {
		// Read credentials into memory instead of handing the SDK a path
		credentials, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read firebase credentials: %w", err)
		}
		if projectID == "" {
			var creds struct {
				ProjectID string `json:"project_id"`
			}
			if err := json.Unmarshal(credentials, &creds); err != nil {
				return nil, fmt.Errorf("failed to parse firebase credentials: %w", err)
			}
			projectID = creds.ProjectID
		}
		opts = append(opts, option.WithCredentialsJSON(credentials))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}
	return app, nil
}

// NewFirestoreClient opens a Firestore client on app
func NewFirestoreClient(ctx context.Context, app *firebase.App) (*firestore.Client, error) {
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open firestore client: %w", err)
	}
	return client, nil
}
