package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore persists snapshots in Google Cloud Firestore, one document
// per runtime ID. Agent ID strings contain characters Firestore field paths
// reserve, so the snapshot travels as a single JSON blob field rather than
// nested document fields.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// FirestoreConfig contains configuration for the Firestore store.
type FirestoreConfig struct {
	ProjectID       string
	CredentialsFile string
	Collection      string
}

// FirestoreOption configures a FirestoreStore.
type FirestoreOption func(*FirestoreConfig)

// WithProjectID sets the GCP project ID (required).
func WithProjectID(projectID string) FirestoreOption {
	return func(c *FirestoreConfig) {
		c.ProjectID = projectID
	}
}

// WithCredentialsFile sets the path to service account credentials.
// Without it the client uses Application Default Credentials.
func WithCredentialsFile(path string) FirestoreOption {
	return func(c *FirestoreConfig) {
		c.CredentialsFile = path
	}
}

// WithCollection sets the Firestore collection name (default: "agentry_state").
func WithCollection(name string) FirestoreOption {
	return func(c *FirestoreConfig) {
		c.Collection = name
	}
}

// firestoreSnapshot is the stored document shape.
type firestoreSnapshot struct {
	Data    string    `firestore:"data"`
	SavedAt time.Time `firestore:"saved_at"`
}

// NewFirestoreStore creates a Firestore-backed store.
func NewFirestoreStore(ctx context.Context, opts ...FirestoreOption) (*FirestoreStore, error) {
	config := &FirestoreConfig{}
	for _, opt := range opts {
		opt(config)
	}

	if config.ProjectID == "" {
		return nil, fmt.Errorf("project ID is required")
	}
	if config.Collection == "" {
		config.Collection = "agentry_state"
	}

	var clientOpts []option.ClientOption
	if config.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(config.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, config.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}

	return &FirestoreStore{
		client:     client,
		collection: config.Collection,
	}, nil
}

// Save persists a snapshot under the runtime ID.
func (f *FirestoreStore) Save(ctx context.Context, runtimeID string, snapshot map[string]map[string]any) error {
	if err := ValidateRuntimeID(runtimeID); err != nil {
		return err
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	doc := firestoreSnapshot{
		Data:    string(data),
		SavedAt: time.Now().UTC(),
	}
	if _, err := f.client.Collection(f.collection).Doc(runtimeID).Set(ctx, doc); err != nil {
		return fmt.Errorf("save snapshot %s: %w", runtimeID, err)
	}
	return nil
}

// Load retrieves the snapshot for a runtime ID.
func (f *FirestoreStore) Load(ctx context.Context, runtimeID string) (map[string]map[string]any, error) {
	if err := ValidateRuntimeID(runtimeID); err != nil {
		return nil, err
	}

	docSnap, err := f.client.Collection(f.collection).Doc(runtimeID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("get snapshot %s: %w", runtimeID, err)
	}

	var doc firestoreSnapshot
	if err := docSnap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("unmarshal document %s: %w", runtimeID, err)
	}

	var snapshot map[string]map[string]any
	if err := json.Unmarshal([]byte(doc.Data), &snapshot); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", runtimeID, err)
	}
	return snapshot, nil
}

// Delete removes the snapshot for a runtime ID.
func (f *FirestoreStore) Delete(ctx context.Context, runtimeID string) error {
	if err := ValidateRuntimeID(runtimeID); err != nil {
		return err
	}

	docRef := f.client.Collection(f.collection).Doc(runtimeID)
	if _, err := docRef.Get(ctx); err != nil {
		if status.Code(err) == codes.NotFound {
			return ErrSnapshotNotFound
		}
		return fmt.Errorf("get snapshot %s: %w", runtimeID, err)
	}

	if _, err := docRef.Delete(ctx); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", runtimeID, err)
	}
	return nil
}

// List returns the runtime IDs with a stored snapshot, sorted.
func (f *FirestoreStore) List(ctx context.Context) ([]string, error) {
	var ids []string

	iter := f.client.Collection(f.collection).Documents(ctx)
	defer iter.Stop()
	for {
		docSnap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list snapshots: %w", err)
		}
		ids = append(ids, docSnap.Ref.ID)
	}

	sort.Strings(ids)
	return ids, nil
}

// Close releases the underlying Firestore client.
func (f *FirestoreStore) Close() error {
	return f.client.Close()
}
