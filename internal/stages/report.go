package stages

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/paperpilot/paperpilot/internal/common"
	"github.com/paperpilot/paperpilot/internal/llm"
	"github.com/paperpilot/paperpilot/internal/models"
)

// maxCitationWarnings caps how many bad citations a report records; past a
// handful the report is suspect regardless of the exact count.
const maxCitationWarnings = 5

// defaultSections is the outline used when the outline call fails
var defaultSections = []string{
	"Overview",
	"Key Approaches",
	"Comparative Analysis",
	"Open Problems",
	"Conclusion",
}

// ReportStage writes the final research report from the top-K ranked papers:
// an LLM-generated outline, one generation call per section over the paper
// cards, and a citation check that flags references to papers outside the
// ranked set.
type ReportStage struct {
	generator TextGenerator
	logger    arbor.ILogger
}

// NewReportStage creates the report stage
func NewReportStage(generator TextGenerator, logger arbor.ILogger) *ReportStage {
	return &ReportStage{
		generator: generator,
		logger:    logger,
	}
}

// Name implements Stage
func (s *ReportStage) Name() string { return models.StageReport }

// Run implements Stage
func (s *ReportStage) Run(ctx context.Context, sc *Context) (models.JobResult, error) {
	payload := sc.Job.Payload
	payload.ApplyDefaults()

	eloFile := EloFileName(payload.EloK, payload.Pairing)
	var ranked models.EloResult
	if err := sc.Artifacts.GetJSON(ctx, common.ResultsPath(sc.ResultsPrefix, eloFile), &ranked); err != nil {
		return nil, fmt.Errorf("failed to load ranking artifact %s: %w", eloFile, err)
	}
	if len(ranked.Papers) == 0 {
		return nil, fmt.Errorf("ranking artifact %s contains no papers", eloFile)
	}

	papers := ranked.Papers
	if len(papers) > payload.TopK {
		papers = papers[:payload.TopK]
	}
	cards := paperCards(papers)

	sc.Progress(1, "Generating Report", 5, fmt.Sprintf("Outlining report over top %d papers", len(papers)))

	sections := s.outline(ctx, ranked.Query, cards)

	report := models.Report{
		Query:       ranked.Query,
		PapersUsed:  len(papers),
		GeneratedAt: common.NowISO(),
	}

	for i, title := range sections {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		percent := 5 + float64(i)/float64(len(sections))*75
		sc.Progress(2, "Generating Report", percent, fmt.Sprintf("Writing section %d / %d: %s", i+1, len(sections), title))

		content, err := s.writeSection(ctx, ranked.Query, title, cards)
		if err != nil {
			return nil, fmt.Errorf("failed to generate section %q: %w", title, err)
		}
		report.Sections = append(report.Sections, models.ReportSection{
			Title:   title,
			Content: content,
		})
	}

	sc.Progress(3, "Checking citations", 85, "Validating report citations")
	report.Warnings = checkCitations(report.Sections, len(papers))

	sc.Progress(4, "Uploading artifacts", 92, "Storing report")

	reportFile := ReportFileName(payload.TopK)
	reportInfo, err := uploadJSON(ctx, sc.Artifacts, sc.ResultsPrefix, reportFile, report)
	if err != nil {
		return nil, fmt.Errorf("failed to store report artifact: %w", err)
	}

	meta, err := loadMetadata(ctx, sc.Artifacts, sc.ResultsPrefix, sc.Job)
	if err != nil {
		return nil, err
	}
	meta.ReportFile = reportFile
	meta.ReportPapersUsed = len(papers)
	meta.ReportSections = len(report.Sections)
	meta.ReportGeneratedAt = report.GeneratedAt
	metaInfo, err := saveMetadata(ctx, sc.Artifacts, sc.ResultsPrefix, meta)
	if err != nil {
		return nil, err
	}

	artifacts := []models.ArtifactInfo{reportInfo, metaInfo}
	return models.JobResult{
		"report_file":          reportFile,
		"sections":             len(report.Sections),
		"papers_used":          len(papers),
		"citation_warnings":    len(report.Warnings),
		"artifacts":            artifacts,
		"artifact_count":       len(artifacts),
		"artifact_bytes_total": reportInfo.Size + metaInfo.Size,
	}, nil
}

// outline asks the LLM for section titles, falling back to the default
// outline on any failure
func (s *ReportStage) outline(ctx context.Context, query, cards string) []string {
	if s.generator == nil {
		return defaultSections
	}

	prompt := fmt.Sprintf(`Plan a research report answering the query: %q

The report draws on these papers:
%s

List 4 to 6 section titles, one per line, no numbering, no commentary.`, query, cards)

	resp, err := s.generator.GenerateContent(ctx, &llm.ContentRequest{
		Prompt:      prompt,
		Temperature: 0.3,
		MaxTokens:   200,
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("Outline call failed, using default sections")
		return defaultSections
	}

	var sections []string
	for _, line := range strings.Split(resp.Text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
		if line != "" {
			sections = append(sections, line)
		}
	}
	if len(sections) < 2 || len(sections) > 8 {
		s.logger.Warn().Int("sections", len(sections)).Msg("Unusable outline, using default sections")
		return defaultSections
	}
	return sections
}

func (s *ReportStage) writeSection(ctx context.Context, query, title, cards string) (string, error) {
	if s.generator == nil {
		return "", fmt.Errorf("no text generator configured")
	}

	prompt := fmt.Sprintf(`Write the %q section of a research report answering the query: %q

Ground every claim in the papers below and cite them by their bracketed
number, e.g. [3]. Only cite papers from this list.

%s`, title, query, cards)

	resp, err := s.generator.GenerateContent(ctx, &llm.ContentRequest{
		Prompt:      prompt,
		Temperature: 0.4,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

// paperCards renders the ranked papers as a numbered citation list
func paperCards(papers []models.Paper) string {
	var sb strings.Builder
	for i, p := range papers {
		fmt.Fprintf(&sb, "[%d] %s (%d)", i+1, p.Title, p.Year)
		if len(p.Authors) > 0 {
			fmt.Fprintf(&sb, " — %s", strings.Join(firstN(p.Authors, 3), ", "))
		}
		sb.WriteString("\n")
		if p.Abstract != "" {
			fmt.Fprintf(&sb, "    %s\n", excerpt(p.Abstract))
		}
	}
	return sb.String()
}

var citationRe = regexp.MustCompile(`\[(\d+)\]`)

// checkCitations flags bracketed citations outside 1..paperCount. At most
// maxCitationWarnings are recorded.
func checkCitations(sections []models.ReportSection, paperCount int) []string {
	var warnings []string
	for _, section := range sections {
		for _, match := range citationRe.FindAllStringSubmatch(section.Content, -1) {
			n, err := strconv.Atoi(match[1])
			if err != nil {
				continue
			}
			if n < 1 || n > paperCount {
				warnings = append(warnings, fmt.Sprintf("Section %q cites [%d] which is not in the ranked set", section.Title, n))
				if len(warnings) >= maxCitationWarnings {
					return warnings
				}
			}
		}
	}
	return warnings
}

func firstN(values []string, n int) []string {
	if len(values) <= n {
		return values
	}
	return values[:n]
}
