package models

// Paper is a single work collected by the search stage and carried through
// ranking and report generation.
type Paper struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Abstract      string   `json:"abstract,omitempty"`
	Year          int      `json:"year,omitempty"`
	DOI           string   `json:"doi,omitempty"`
	Authors       []string `json:"authors,omitempty"`
	CitedByCount  int      `json:"cited_by_count"`
	Level         int      `json:"level"`
	EloRating     float64  `json:"elo_rating,omitempty"`
	MatchesPlayed int      `json:"matches_played,omitempty"`
}

// SnowballResult is the search stage artifact (snowball.json)
type SnowballResult struct {
	Query       string  `json:"query"`
	Papers      []Paper `json:"papers"`
	SeedCount   int     `json:"seed_count"`
	Depth       int     `json:"depth"`
	GeneratedAt string  `json:"generated_at"`
}

// Metadata is the per-job manifest (metadata.json) updated by every stage
type Metadata struct {
	Query             string `json:"query"`
	JobID             string `json:"job_id"`
	SnowballFile      string `json:"snowball_file,omitempty"`
	SnowballCount     int    `json:"snowball_count"`
	EloFile           string `json:"elo_file,omitempty"`
	EloMatches        int    `json:"elo_matches,omitempty"`
	EloPapers         int    `json:"elo_papers,omitempty"`
	ReportFile        string `json:"report_file,omitempty"`
	ReportPapersUsed  int    `json:"report_papers_used,omitempty"`
	ReportSections    int    `json:"report_sections,omitempty"`
	ReportGeneratedAt string `json:"report_generated_at,omitempty"`
	LastUpdated       string `json:"last_updated"`
}

// EloResult is the ranking stage artifact (elo_ranked_k<K>_p<pairing>.json).
// Papers are sorted by rating, best first.
type EloResult struct {
	Query       string  `json:"query"`
	Papers      []Paper `json:"papers"`
	K           float64 `json:"k"`
	Pairing     string  `json:"pairing"`
	Matches     int     `json:"matches"`
	GeneratedAt string  `json:"generated_at"`
}

// ReportSection is one generated section of the final report
type ReportSection struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Report is the report stage artifact (report_top_k<N>.json)
type Report struct {
	Query       string          `json:"query"`
	Sections    []ReportSection `json:"sections"`
	PapersUsed  int             `json:"papers_used"`
	Warnings    []string        `json:"warnings,omitempty"`
	GeneratedAt string          `json:"generated_at"`
}

// ArtifactInfo describes one uploaded artifact in a stage result
type ArtifactInfo struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}
