package stages

import (
	"context"
	"fmt"
	"sort"

	"github.com/ternarybob/arbor"

	"github.com/paperpilot/paperpilot/internal/common"
	"github.com/paperpilot/paperpilot/internal/models"
)

// Defaults for the snowball expansion when the payload leaves them unset
const (
	defaultMaxPapers     = 200
	defaultSeedsPerLevel = 10
	defaultDepth         = 2
	linksPerPaper        = 25
)

// PaperSource is the slice of the OpenAlex client the search stage needs
type PaperSource interface {
	SearchWorks(ctx context.Context, query string, limit int) ([]models.Paper, error)
	Citations(ctx context.Context, workID string, limit int) ([]models.Paper, error)
	References(ctx context.Context, workID string, limit int) ([]models.Paper, error)
}

// SearchStage collects the paper set for a query by snowball expansion:
// a seed search, then per-level citation and reference expansion, deduped by
// work ID and capped by the paper budget.
type SearchStage struct {
	source PaperSource
	cfg    *common.OpenAlexConfig
	logger arbor.ILogger
}

// NewSearchStage creates the snowball search stage
func NewSearchStage(source PaperSource, cfg *common.OpenAlexConfig, logger arbor.ILogger) *SearchStage {
	return &SearchStage{
		source: source,
		cfg:    cfg,
		logger: logger,
	}
}

// Name implements Stage
func (s *SearchStage) Name() string { return models.StageSearch }

// Run implements Stage
func (s *SearchStage) Run(ctx context.Context, sc *Context) (models.JobResult, error) {
	query := sc.Job.Payload.Query
	maxPapers := s.intOr(sc.Job.Payload.MaxPapers, s.cfg.MaxPapers, defaultMaxPapers)
	seedsPerLevel := s.intOr(sc.Job.Payload.SeedsPerLevel, s.cfg.SeedsPerLevel, defaultSeedsPerLevel)
	depth := sc.Job.Payload.Depth
	if depth <= 0 {
		depth = s.intOr(0, s.cfg.Depth, defaultDepth)
	}

	sc.Progress(1, "Searching OpenAlex", 5, fmt.Sprintf("Seed search for %q", query))

	seeds, err := s.source.SearchWorks(ctx, query, seedsPerLevel)
	if err != nil {
		return nil, fmt.Errorf("seed search failed: %w", err)
	}

	seen := make(map[string]bool, maxPapers)
	collected := make([]models.Paper, 0, maxPapers)
	frontier := make([]models.Paper, 0, len(seeds))

	for _, p := range seeds {
		if p.ID == "" || seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		p.Level = 0
		collected = append(collected, p)
		frontier = append(frontier, p)
		if len(collected) >= maxPapers {
			break
		}
	}

	sc.Progress(2, "Running Snowball Search", 15, fmt.Sprintf("Accepted %d seed papers", len(collected)))

	for level := 1; level <= depth && len(collected) < maxPapers && len(frontier) > 0; level++ {
		// Expand only the best-cited papers of the previous level
		expand := frontier
		if len(expand) > seedsPerLevel {
			expand = topCited(expand, seedsPerLevel)
		}

		var nextFrontier []models.Paper
		for i, paper := range expand {
			if len(collected) >= maxPapers {
				break
			}

			linked, err := s.expand(ctx, paper.ID)
			if err != nil {
				// A single unexpandable paper is not fatal to the level
				s.logger.Warn().Err(err).Str("work_id", paper.ID).Msg("Failed to expand paper")
				continue
			}

			for _, p := range linked {
				if p.ID == "" || seen[p.ID] {
					continue
				}
				seen[p.ID] = true
				p.Level = level
				collected = append(collected, p)
				nextFrontier = append(nextFrontier, p)
				if len(collected) >= maxPapers {
					break
				}
			}

			percent := 15 + float64(level-1)/float64(depth)*50 + float64(i+1)/float64(len(expand))*(50/float64(depth))
			sc.Progress(2, "Running Snowball Search", percent,
				fmt.Sprintf("Level %d / %d: expanded %d of %d papers, %d collected", level, depth, i+1, len(expand), len(collected)))
		}

		frontier = nextFrontier
	}

	s.logger.Info().
		Str("job_id", sc.Job.ID).
		Str("query", query).
		Int("papers", len(collected)).
		Int("depth", depth).
		Msg("Snowball search finished")

	// A zero-paper search is not an error here: the empty snowball and the
	// metadata manifest still land so downstream readers see snowball_count 0,
	// and the executor turns the zero count into the terminal outcome.
	sc.Progress(3, "Uploading artifacts", 80, fmt.Sprintf("Storing %d papers", len(collected)))

	snowball := models.SnowballResult{
		Query:       query,
		Papers:      collected,
		SeedCount:   len(seeds),
		Depth:       depth,
		GeneratedAt: common.NowISO(),
	}

	snowballInfo, err := uploadJSON(ctx, sc.Artifacts, sc.ResultsPrefix, SnowballFileName, snowball)
	if err != nil {
		return nil, fmt.Errorf("failed to store snowball artifact: %w", err)
	}

	meta, err := loadMetadata(ctx, sc.Artifacts, sc.ResultsPrefix, sc.Job)
	if err != nil {
		return nil, err
	}
	meta.SnowballFile = SnowballFileName
	meta.SnowballCount = len(collected)
	metaInfo, err := saveMetadata(ctx, sc.Artifacts, sc.ResultsPrefix, meta)
	if err != nil {
		return nil, err
	}

	artifacts := []models.ArtifactInfo{snowballInfo, metaInfo}
	return models.JobResult{
		"papers_found":         len(collected),
		"snowball_file":        SnowballFileName,
		"artifacts":            artifacts,
		"artifact_count":       len(artifacts),
		"artifact_bytes_total": snowballInfo.Size + metaInfo.Size,
	}, nil
}

// expand fetches citations and references of one work
func (s *SearchStage) expand(ctx context.Context, workID string) ([]models.Paper, error) {
	cites, err := s.source.Citations(ctx, workID, linksPerPaper)
	if err != nil {
		return nil, err
	}
	refs, err := s.source.References(ctx, workID, linksPerPaper)
	if err != nil {
		// Citations alone still grow the frontier
		s.logger.Debug().Err(err).Str("work_id", workID).Msg("Reference lookup failed")
		return cites, nil
	}
	return append(cites, refs...), nil
}

func (s *SearchStage) intOr(payload, config, fallback int) int {
	if payload > 0 {
		return payload
	}
	if config > 0 {
		return config
	}
	return fallback
}

// topCited returns the n best-cited papers without reordering the input
func topCited(papers []models.Paper, n int) []models.Paper {
	sorted := make([]models.Paper, len(papers))
	copy(sorted, papers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CitedByCount > sorted[j].CitedByCount })
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}
