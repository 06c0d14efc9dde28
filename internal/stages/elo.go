package stages

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/paperpilot/paperpilot/internal/common"
	"github.com/paperpilot/paperpilot/internal/llm"
	"github.com/paperpilot/paperpilot/internal/models"
)

// Tournament tuning. Matches scale with the paper count and cap so a large
// snowball set cannot run the ranking stage for hours.
const (
	initialRating      = 1500.0
	matchesPerPaper    = 3
	maxTotalMatches    = 500
	calibrationMatches = 20
	pairBatchSize      = 10
	abstractExcerptLen = 500
	leaderboardSize    = 5
)

// TextGenerator is the slice of the LLM provider factory the stages use
type TextGenerator interface {
	GenerateContent(ctx context.Context, request *llm.ContentRequest) (*llm.ContentResponse, error)
}

// eloCandidate carries a paper's tournament state
type eloCandidate struct {
	paper   models.Paper
	rating  float64
	matches int
}

// EloStage ranks the snowball set with pairwise Elo matches. An LLM judges
// each pair for relevance to the query; on judge failure the better-cited
// paper wins so a flaky provider degrades ranking quality, not the job.
type EloStage struct {
	generator TextGenerator
	logger    arbor.ILogger
}

// NewEloStage creates the ranking stage
func NewEloStage(generator TextGenerator, logger arbor.ILogger) *EloStage {
	return &EloStage{
		generator: generator,
		logger:    logger,
	}
}

// Name implements Stage
func (s *EloStage) Name() string { return models.StageRanking }

// Run implements Stage
func (s *EloStage) Run(ctx context.Context, sc *Context) (models.JobResult, error) {
	payload := sc.Job.Payload
	payload.ApplyDefaults()

	var snowball models.SnowballResult
	if err := sc.Artifacts.GetJSON(ctx, common.ResultsPath(sc.ResultsPrefix, SnowballFileName), &snowball); err != nil {
		return nil, fmt.Errorf("failed to load snowball artifact: %w", err)
	}
	if len(snowball.Papers) == 0 {
		return nil, fmt.Errorf("snowball artifact contains no papers")
	}

	candidates := make([]eloCandidate, len(snowball.Papers))
	for i, p := range snowball.Papers {
		candidates[i] = eloCandidate{paper: p, rating: initialRating}
	}

	totalMatches := len(candidates) * matchesPerPaper
	if totalMatches > maxTotalMatches {
		totalMatches = maxTotalMatches
	}
	if len(candidates) < 2 {
		totalMatches = 0
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	strategy := strategyFor(payload.Pairing, rng)
	calibration := &randomPairing{rng: rng}

	sc.Progress(1, "Running Elo Ranking", 5, fmt.Sprintf("Ranking %d papers over %d matches", len(candidates), totalMatches))

	played := 0
	for played < totalMatches {
		active := strategy
		if played < calibrationMatches {
			active = calibration
		}

		batch := pairBatchSize
		if remaining := totalMatches - played; remaining < batch {
			batch = remaining
		}
		pairs := active.selectPairs(candidates, batch)
		if len(pairs) == 0 {
			break
		}

		for _, pair := range pairs {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			winner := s.judge(ctx, snowball.Query, candidates[pair.a].paper, candidates[pair.b].paper)
			updateRatings(&candidates[pair.a], &candidates[pair.b], winner, payload.EloK)
			played++

			if played%5 == 0 || played == totalMatches {
				percent := 5 + float64(played)/float64(totalMatches)*85
				sc.Progress(2, fmt.Sprintf("Ranking match %d / %d", played, totalMatches), percent, leaderboard(candidates))
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].rating > candidates[j].rating })

	ranked := make([]models.Paper, len(candidates))
	for i, c := range candidates {
		p := c.paper
		// One decimal is plenty of precision for a relevance ordering
		p.EloRating = math.Round(c.rating*10) / 10
		p.MatchesPlayed = c.matches
		ranked[i] = p
	}

	sc.Progress(3, "Uploading artifacts", 92, "Storing ranked papers")

	eloFile := EloFileName(payload.EloK, payload.Pairing)
	result := models.EloResult{
		Query:       snowball.Query,
		Papers:      ranked,
		K:           payload.EloK,
		Pairing:     payload.Pairing,
		Matches:     played,
		GeneratedAt: common.NowISO(),
	}

	eloInfo, err := uploadJSON(ctx, sc.Artifacts, sc.ResultsPrefix, eloFile, result)
	if err != nil {
		return nil, fmt.Errorf("failed to store ranking artifact: %w", err)
	}

	meta, err := loadMetadata(ctx, sc.Artifacts, sc.ResultsPrefix, sc.Job)
	if err != nil {
		return nil, err
	}
	meta.EloFile = eloFile
	meta.EloMatches = played
	meta.EloPapers = len(ranked)
	metaInfo, err := saveMetadata(ctx, sc.Artifacts, sc.ResultsPrefix, meta)
	if err != nil {
		return nil, err
	}

	artifacts := []models.ArtifactInfo{eloInfo, metaInfo}
	return models.JobResult{
		"papers_ranked":        len(ranked),
		"matches_played":       played,
		"elo_file":             eloFile,
		"artifacts":            artifacts,
		"artifact_count":       len(artifacts),
		"artifact_bytes_total": eloInfo.Size + metaInfo.Size,
	}, nil
}

// judge decides a match winner: 1 for a, 2 for b, 0 for a draw
func (s *EloStage) judge(ctx context.Context, query string, a, b models.Paper) int {
	if s.generator != nil {
		winner, err := s.judgeWithLLM(ctx, query, a, b)
		if err == nil {
			return winner
		}
		s.logger.Warn().Err(err).Str("paper_a", a.ID).Str("paper_b", b.ID).Msg("Judge call failed, falling back to citation count")
	}

	// Deterministic fallback: the better-cited paper wins, tie goes to a
	if b.CitedByCount > a.CitedByCount {
		return 2
	}
	return 1
}

func (s *EloStage) judgeWithLLM(ctx context.Context, query string, a, b models.Paper) (int, error) {
	prompt := fmt.Sprintf(`You are ranking research papers by relevance to the query: %q

Paper A: %s (%d)
%s

Paper B: %s (%d)
%s

Which paper is more relevant to the query? Answer with exactly one letter: A, B, or T for a tie.`,
		query,
		a.Title, a.Year, excerpt(a.Abstract),
		b.Title, b.Year, excerpt(b.Abstract))

	resp, err := s.generator.GenerateContent(ctx, &llm.ContentRequest{
		Prompt:      prompt,
		Temperature: 0.1,
		MaxTokens:   10,
	})
	if err != nil {
		return 0, err
	}

	answer := strings.ToUpper(strings.TrimSpace(resp.Text))
	switch {
	case strings.HasPrefix(answer, "A"):
		return 1, nil
	case strings.HasPrefix(answer, "B"):
		return 2, nil
	case strings.HasPrefix(answer, "T"):
		return 0, nil
	}
	return 0, fmt.Errorf("unparseable judge answer %q", resp.Text)
}

// updateRatings applies the standard Elo update R' = R + K * (S - E)
func updateRatings(a, b *eloCandidate, winner int, k float64) {
	expectedA := 1.0 / (1.0 + math.Pow(10.0, (b.rating-a.rating)/400.0))
	expectedB := 1.0 - expectedA

	var scoreA, scoreB float64
	switch winner {
	case 1:
		scoreA, scoreB = 1.0, 0.0
	case 2:
		scoreA, scoreB = 0.0, 1.0
	default:
		scoreA, scoreB = 0.5, 0.5
	}

	a.rating += k * (scoreA - expectedA)
	b.rating += k * (scoreB - expectedB)
	a.matches++
	b.matches++
}

// leaderboard renders the current top papers for the progress detail
func leaderboard(candidates []eloCandidate) string {
	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		return candidates[order[i]].rating > candidates[order[j]].rating
	})

	n := leaderboardSize
	if len(order) < n {
		n = len(order)
	}

	var sb strings.Builder
	sb.WriteString("Top: ")
	for i := 0; i < n; i++ {
		c := candidates[order[i]]
		if i > 0 {
			sb.WriteString("; ")
		}
		fmt.Fprintf(&sb, "%d. %s (%.0f)", i+1, truncate(c.paper.Title, 40), c.rating)
	}
	return sb.String()
}

func excerpt(abstract string) string {
	if abstract == "" {
		return "(no abstract)"
	}
	return truncate(abstract, abstractExcerptLen)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
