package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore client.
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id"`
	CollectionName  string `yaml:"collection"`
	CredentialsFile string `yaml:"credentials_file"`
}

// firestoreDoc is the stored document. ExpiresAt can double as the field of
// a Firestore TTL policy so the database purges stale documents itself.
type firestoreDoc struct {
	Value     []byte    `firestore:"value"`
	ExpiresAt time.Time `firestore:"expiresAt"`
}

// FirestoreStore is a Store backed by a Firestore collection.
// Don't use it like this in high volume deployments - that's what redis is for.
type FirestoreStore[V any] struct {
	client         *firestore.Client
	collectionName string
	ownsClient     bool
	logger         zerolog.Logger
	now            func() time.Time
}

// NewProductionFirestoreClient creates a Firestore client, using a service
// account file when one is configured.
func NewProductionFirestoreClient(ctx context.Context, cfg *FirestoreConfig, logger zerolog.Logger) (*firestore.Client, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		logger.Info().Str("credentials_file", cfg.CredentialsFile).Msg("Using specified credentials file for Firestore client.")
	}
	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore.NewClient: %w", err)
	}
	return client, nil
}

// NewFirestoreStore creates a new FirestoreStore around an existing client.
// The client's lifecycle stays with the caller.
func NewFirestoreStore[V any](
	cfg *FirestoreConfig,
	client *firestore.Client,
	logger zerolog.Logger,
) (*FirestoreStore[V], error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, fmt.Errorf("firestore collection name cannot be empty")
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreStore initialized.")

	return &FirestoreStore[V]{
		client:         client,
		collectionName: cfg.CollectionName,
		logger:         logger.With().Str("component", "FirestoreStore").Logger(),
		now:            time.Now,
	}, nil
}

// docRef maps a cache key to a document. Document IDs may not contain '/'.
func (s *FirestoreStore[V]) docRef(key string) *firestore.DocumentRef {
	return s.client.Collection(s.collectionName).Doc(url.PathEscape(key))
}

// Get retrieves a document and decodes its value. A missing document is a miss.
func (s *FirestoreStore[V]) Get(ctx context.Context, key string) (Entry[V], bool, error) {
	docSnap, err := s.docRef(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return Entry[V]{}, false, nil
		}
		return Entry[V]{}, false, backendErr("firestore", "get", key, err)
	}

	var doc firestoreDoc
	if err := docSnap.DataTo(&doc); err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to map Firestore document data.")
		return Entry[V]{}, false, backendErr("firestore", "decode", key, err)
	}
	entry := Entry[V]{ExpiresAt: doc.ExpiresAt}
	if entry.Expired(s.now()) {
		return Entry[V]{}, false, nil
	}
	if err := json.Unmarshal(doc.Value, &entry.Value); err != nil {
		return Entry[V]{}, false, backendErr("firestore", "decode", key, err)
	}

	s.logger.Debug().Str("key", key).Msg("Firestore cache hit.")
	return entry, true, nil
}

// Set writes the document for key.
func (s *FirestoreStore[V]) Set(ctx context.Context, key string, value V, expiresAt time.Time) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return backendErr("firestore", "encode", key, err)
	}
	_, err = s.docRef(key).Set(ctx, firestoreDoc{Value: raw, ExpiresAt: expiresAt})
	if err != nil {
		return backendErr("firestore", "set", key, err)
	}
	s.logger.Debug().Str("key", key).Msg("Successfully wrote data to Firestore.")
	return nil
}

// Remove deletes the document for key.
func (s *FirestoreStore[V]) Remove(ctx context.Context, key string) error {
	_, err := s.docRef(key).Delete(ctx)
	if err != nil {
		// It's acceptable to ignore "not found" errors on delete.
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return backendErr("firestore", "delete", key, err)
	}
	return nil
}

// Close closes the client only when the store created it.
func (s *FirestoreStore[V]) Close() error {
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}
