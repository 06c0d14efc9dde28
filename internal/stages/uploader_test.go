package stages

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperpilot/paperpilot/internal/models"
)

func TestArtifactFileNames(t *testing.T) {
	assert.Equal(t, "elo_ranked_k32_pswiss.json", EloFileName(32, models.PairingSwiss))
	assert.Equal(t, "elo_ranked_k16_prandom.json", EloFileName(16.0, models.PairingRandom))
	assert.Equal(t, "report_top_k30.json", ReportFileName(30))
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "application/json", contentTypeFor("snowball.json"))
	assert.Equal(t, "text/html", contentTypeFor("report.html"))
	assert.Equal(t, "text/plain", contentTypeFor("notes.txt"))
}

func TestUploadJSONPrefixesName(t *testing.T) {
	artifacts := newMemArtifacts()

	info, err := uploadJSON(context.Background(), artifacts, "results/q/job-1", "snowball.json",
		models.SnowballResult{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "results/q/job-1/snowball.json", info.Name)
	assert.Equal(t, "application/json", info.ContentType)
	assert.Positive(t, info.Size)

	var got models.SnowballResult
	require.NoError(t, artifacts.GetJSON(context.Background(), "results/q/job-1/snowball.json", &got))
	assert.Equal(t, "q", got.Query)
}

func TestLoadMetadataStartsFresh(t *testing.T) {
	artifacts := newMemArtifacts()
	job := &models.Job{ID: "job-9", Payload: models.JobPayload{Query: "fresh query"}}

	meta, err := loadMetadata(context.Background(), artifacts, "results/q/job-9", job)
	require.NoError(t, err)
	assert.Equal(t, "fresh query", meta.Query)
	assert.Equal(t, "job-9", meta.JobID)
	assert.Empty(t, meta.SnowballFile)
}

func TestSaveMetadataStampsLastUpdated(t *testing.T) {
	artifacts := newMemArtifacts()
	meta := &models.Metadata{Query: "q", JobID: "job-1"}

	_, err := saveMetadata(context.Background(), artifacts, "results/q/job-1", meta)
	require.NoError(t, err)
	assert.NotEmpty(t, meta.LastUpdated)

	var got models.Metadata
	require.NoError(t, artifacts.GetJSON(context.Background(), "results/q/job-1/metadata.json", &got))
	assert.Equal(t, meta.LastUpdated, got.LastUpdated)
}
