package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/paperpilot/paperpilot/internal/common"
	"github.com/paperpilot/paperpilot/internal/interfaces"
	"github.com/paperpilot/paperpilot/internal/models"
)

// Canonical artifact file names
const (
	SnowballFileName = "snowball.json"
	MetadataFileName = "metadata.json"
)

// EloFileName builds the ranking artifact name from the tuning parameters
func EloFileName(k float64, pairing string) string {
	return fmt.Sprintf("elo_ranked_k%d_p%s.json", int(k), pairing)
}

// ReportFileName builds the report artifact name from the top-K parameter
func ReportFileName(topK int) string {
	return fmt.Sprintf("report_top_k%d.json", topK)
}

// contentTypeFor maps an artifact name to its content type. Everything the
// pipeline writes today is JSON; html and txt cover downloaded extras.
func contentTypeFor(name string) string {
	switch {
	case strings.HasSuffix(name, ".html"):
		return "text/html"
	case strings.HasSuffix(name, ".txt"):
		return "text/plain"
	default:
		return "application/json"
	}
}

// uploadJSON marshals v and stores it under prefix/name, returning the
// artifact info for the stage result
func uploadJSON(ctx context.Context, store interfaces.ArtifactStorage, prefix, name string, v interface{}) (models.ArtifactInfo, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return models.ArtifactInfo{}, fmt.Errorf("failed to encode %s: %w", name, err)
	}

	full := common.ResultsPath(prefix, name)
	contentType := contentTypeFor(name)
	if err := store.Put(ctx, full, data, contentType); err != nil {
		return models.ArtifactInfo{}, err
	}

	return models.ArtifactInfo{
		Name:        full,
		Size:        int64(len(data)),
		ContentType: contentType,
	}, nil
}

// loadMetadata reads the per-job manifest, returning an empty manifest when
// none exists yet
func loadMetadata(ctx context.Context, store interfaces.ArtifactStorage, prefix string, job *models.Job) (*models.Metadata, error) {
	var meta models.Metadata
	err := store.GetJSON(ctx, common.ResultsPath(prefix, MetadataFileName), &meta)
	if err == interfaces.ErrArtifactNotFound {
		return &models.Metadata{
			Query: job.Payload.Query,
			JobID: job.ID,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// saveMetadata stamps and writes the per-job manifest
func saveMetadata(ctx context.Context, store interfaces.ArtifactStorage, prefix string, meta *models.Metadata) (models.ArtifactInfo, error) {
	meta.LastUpdated = common.NowISO()
	return uploadJSON(ctx, store, prefix, MetadataFileName, meta)
}
