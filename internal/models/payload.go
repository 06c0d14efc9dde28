package models

// Default tuning for job payloads
const (
	DefaultTopK    = 30
	DefaultEloK    = 32.0
	DefaultPairing = PairingSwiss
)

// Pairing strategies for the ranking tournament
const (
	PairingSwiss  = "swiss"
	PairingRandom = "random"
)

// JobPayload is the immutable request a job was created with
type JobPayload struct {
	Query             string  `json:"query" validate:"required,min=3"`
	TopK              int     `json:"top_k,omitempty" validate:"omitempty,gt=0"`
	EloK              float64 `json:"elo_k,omitempty" validate:"omitempty,gt=0"`
	Pairing           string  `json:"pairing,omitempty" validate:"omitempty,oneof=swiss random"`
	NotificationEmail string  `json:"notification_email,omitempty" validate:"omitempty,email"`
	MaxPapers         int     `json:"max_papers,omitempty" validate:"omitempty,gt=0"`
	SeedsPerLevel     int     `json:"seeds_per_level,omitempty" validate:"omitempty,gt=0"`
	Depth             int     `json:"depth,omitempty" validate:"omitempty,gte=0"`
}

// ApplyDefaults fills unset tuning fields with their defaults
func (p *JobPayload) ApplyDefaults() {
	if p.TopK <= 0 {
		p.TopK = DefaultTopK
	}
	if p.EloK <= 0 {
		p.EloK = DefaultEloK
	}
	if p.Pairing == "" {
		p.Pairing = DefaultPairing
	}
}
