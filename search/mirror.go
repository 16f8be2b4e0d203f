// Package search maintains the posting search index.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"
)

const keyPrefix = "posting-"

var errNotExist = errors.New("search: record doesn't exist")

// Record is the searchable projection of a posting.
type Record struct {
	ExpiresAt           *int64   `json:"expiresAt"`
	CreatedAt           *int64   `json:"createdAt"`
	ObjectID            string   `json:"objectID"`
	Title               string   `json:"title"`
	TeamName            string   `json:"teamName"`
	Repertoire          string   `json:"repertoire"`
	Region              string   `json:"region"`
	Status              string   `json:"status"`
	CategoryMain        string   `json:"categoryMain"`
	RequiredInstruments []string `json:"requiredInstruments"`
	RequiredSkillLevel  []string `json:"requiredSkillLevel"`
	BookmarkCount       int      `json:"bookmarkCount"`
	TotalNeeded         int      `json:"totalNeeded"`
	TotalFilled         int      `json:"totalFilled"`
}

// Mirror stores index records in a Cloud Storage bucket, or in a local
// directory during development.
type Mirror struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// NewMirror creates an index mirror. A non-empty localPath takes precedence
// over the bucket.
func NewMirror(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Mirror {
	return &Mirror{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// RecordKey returns the object name for a posting ID, or "" when the ID could
// escape the index directory.
func RecordKey(id string) string {
	if id == "" || len(id) > 128 {
		return ""
	}
	for _, c := range id {
		ok := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_'
		if !ok {
			return ""
		}
	}
	return keyPrefix + id + ".json"
}

func idFromKey(key string) string {
	return strings.TrimSuffix(strings.TrimPrefix(key, keyPrefix), ".json")
}

func retryOptions(ctx context.Context, logger *slog.Logger, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30 * time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			logger.Info("Retrying index operation after error", "op", op, "attempt", n, "key", key, "error", retryErr)
		}),
	}
}

// Save writes an index record.
func (m *Mirror) Save(ctx context.Context, rec *Record) error {
	key := RecordKey(rec.ObjectID)
	if key == "" {
		return fmt.Errorf("invalid posting id %q", rec.ObjectID)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	if m.localPath != "" {
		filePath := filepath.Join(m.localPath, key)
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return fmt.Errorf("write to local index: %w", err)
		}
		m.logger.Debug("Index record saved to local storage", "path", filePath)
		return nil
	}

	err = retry.Do(
		func() error {
			w := m.client.Bucket(m.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					m.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retryOptions(ctx, m.logger, "save", key)...,
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	m.logger.Debug("Index record saved", "key", key)
	return nil
}

// Load reads an index record.
func (m *Mirror) Load(ctx context.Context, id string) (*Record, error) {
	key := RecordKey(id)
	if key == "" {
		return nil, errNotExist
	}

	var data []byte
	if m.localPath != "" {
		var err error
		data, err = os.ReadFile(filepath.Join(m.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errNotExist
			}
			return nil, fmt.Errorf("read from local index: %w", err)
		}
	} else {
		missing := false
		err := retry.Do(
			func() error {
				r, openErr := m.client.Bucket(m.bucket).Object(key).NewReader(ctx)
				if openErr != nil {
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						missing = true
						return retry.Unrecoverable(errNotExist)
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						m.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()
				var readErr error
				data, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			retryOptions(ctx, m.logger, "load", key)...,
		)
		if missing {
			return nil, errNotExist
		}
		if err != nil {
			return nil, fmt.Errorf("load after retries: %w", err)
		}
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}

// Delete removes an index record. Deleting a missing record is not an error.
func (m *Mirror) Delete(ctx context.Context, id string) error {
	key := RecordKey(id)
	if key == "" {
		return fmt.Errorf("invalid posting id %q", id)
	}

	if m.localPath != "" {
		if err := os.Remove(filepath.Join(m.localPath, key)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete from local index: %w", err)
		}
		return nil
	}

	missing := false
	err := retry.Do(
		func() error {
			if deleteErr := m.client.Bucket(m.bucket).Object(key).Delete(ctx); deleteErr != nil {
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					missing = true
					return retry.Unrecoverable(errNotExist)
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		retryOptions(ctx, m.logger, "delete", key)...,
	)
	if err != nil && !missing {
		return fmt.Errorf("delete after retries: %w", err)
	}
	return nil
}

// IDs lists the posting IDs present in the index.
func (m *Mirror) IDs(ctx context.Context) ([]string, error) {
	var ids []string

	if m.localPath != "" {
		entries, err := os.ReadDir(m.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local index directory: %w", err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasPrefix(name, keyPrefix) || !strings.HasSuffix(name, ".json") {
				continue
			}
			ids = append(ids, idFromKey(name))
		}
		return ids, nil
	}

	it := m.client.Bucket(m.bucket).Objects(ctx, &storage.Query{Prefix: keyPrefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		ids = append(ids, idFromKey(attrs.Name))
	}
	return ids, nil
}

// IsNotFound reports whether err means an index record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, errNotExist)
}
