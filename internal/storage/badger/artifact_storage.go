package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"

	"github.com/paperpilot/paperpilot/internal/common"
	"github.com/paperpilot/paperpilot/internal/interfaces"
	"github.com/paperpilot/paperpilot/internal/models"
)

const artifactKeyPrefix = "artifact:"

// artifactRecord is the stored form of an artifact blob
type artifactRecord struct {
	Name         string `json:"name"`
	ContentType  string `json:"content_type"`
	Size         int64  `json:"size"`
	LastModified string `json:"last_modified"`
	Data         []byte `json:"data"`
}

// ArtifactStorage implements interfaces.ArtifactStorage on raw badger keys.
// Artifacts are addressed by their full path-style name; reads tolerate the
// prefix drift older writers introduced.
type ArtifactStorage struct {
	db     *BadgerDB
	prefix string
	logger arbor.ILogger
}

// NewArtifactStorage creates an artifact storage service
func NewArtifactStorage(db *BadgerDB, resultsPrefix string, logger arbor.ILogger) interfaces.ArtifactStorage {
	return &ArtifactStorage{
		db:     db,
		prefix: strings.Trim(resultsPrefix, "/"),
		logger: logger,
	}
}

func artifactKey(name string) []byte {
	return []byte(artifactKeyPrefix + name)
}

// nameVariants returns the candidate names for a read, in priority order:
// the name as given, the name with a doubled prefix collapsed, the name
// without the prefix, and the name with the prefix added. Duplicates are
// removed preserving order.
func (s *ArtifactStorage) nameVariants(name string) []string {
	name = strings.TrimLeft(name, "/")
	candidates := []string{name}

	double := s.prefix + "/" + s.prefix + "/"
	if strings.HasPrefix(name, double) {
		candidates = append(candidates, name[len(s.prefix)+1:])
	}
	if strings.HasPrefix(name, s.prefix+"/") {
		candidates = append(candidates, name[len(s.prefix)+1:])
	} else {
		candidates = append(candidates, s.prefix+"/"+name)
	}

	seen := make(map[string]bool, len(candidates))
	variants := candidates[:0]
	for _, c := range candidates {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		variants = append(variants, c)
	}
	return variants
}

// Put stores an artifact under its full name, overwriting any existing blob
func (s *ArtifactStorage) Put(ctx context.Context, name string, data []byte, contentType string) error {
	name = strings.TrimLeft(name, "/")
	rec := artifactRecord{
		Name:         name,
		ContentType:  contentType,
		Size:         int64(len(data)),
		LastModified: common.NowISO(),
		Data:         data,
	}

	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode artifact %s: %w", name, err)
	}

	err = s.db.Badger().Update(func(txn *badgerdb.Txn) error {
		return txn.Set(artifactKey(name), encoded)
	})
	if err != nil {
		return fmt.Errorf("failed to store artifact %s: %w", name, err)
	}

	s.logger.Trace().Str("name", name).Int64("size", rec.Size).Str("content_type", contentType).Msg("Artifact stored")
	return nil
}

func (s *ArtifactStorage) getExact(name string) (*artifactRecord, error) {
	var rec artifactRecord
	err := s.db.Badger().View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(artifactKey(name))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		if err == badgerdb.ErrKeyNotFound {
			return nil, interfaces.ErrArtifactNotFound
		}
		return nil, fmt.Errorf("failed to read artifact %s: %w", name, err)
	}
	return &rec, nil
}

// Get fetches an artifact, trying the prefix-drift name variants in order
func (s *ArtifactStorage) Get(ctx context.Context, name string) ([]byte, *models.Artifact, error) {
	for _, candidate := range s.nameVariants(name) {
		rec, err := s.getExact(candidate)
		if err == interfaces.ErrArtifactNotFound {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return rec.Data, &models.Artifact{
			Name:         rec.Name,
			Size:         rec.Size,
			ContentType:  rec.ContentType,
			LastModified: rec.LastModified,
		}, nil
	}
	return nil, nil, interfaces.ErrArtifactNotFound
}

// GetJSON fetches an artifact and unmarshals it into v
func (s *ArtifactStorage) GetJSON(ctx context.Context, name string, v interface{}) error {
	data, _, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode artifact %s: %w", name, err)
	}
	return nil
}

// Exists reports whether any name variant resolves to an artifact
func (s *ArtifactStorage) Exists(ctx context.Context, name string) (bool, error) {
	_, _, err := s.Get(ctx, name)
	if err == interfaces.ErrArtifactNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List returns artifacts whose name starts with the prefix
func (s *ArtifactStorage) List(ctx context.Context, prefix string) ([]*models.Artifact, error) {
	prefix = strings.TrimLeft(prefix, "/")
	keyPrefix := []byte(artifactKeyPrefix + prefix)

	var artifacts []*models.Artifact
	err := s.db.Badger().View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(keyPrefix); it.ValidForPrefix(keyPrefix); it.Next() {
			var rec artifactRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			artifacts = append(artifacts, &models.Artifact{
				Name:         rec.Name,
				Size:         rec.Size,
				ContentType:  rec.ContentType,
				LastModified: rec.LastModified,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts under %s: %w", prefix, err)
	}
	return artifacts, nil
}

// DownloadTo writes an artifact to a local file path
func (s *ArtifactStorage) DownloadTo(ctx context.Context, name string, path string) error {
	data, _, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write artifact %s to %s: %w", name, path, err)
	}
	return nil
}
