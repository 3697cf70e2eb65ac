package models

import "time"

// ArchiveRecord is the summary of a finished session kept after its live
// document is no longer needed.
type ArchiveRecord struct {
	SessionID      string     `json:"session_id"`
	Status         Status     `json:"status"`
	HostID         string     `json:"host_id"`
	ParticipantIDs []string   `json:"participant_ids"`
	Wave           int        `json:"wave"`
	MaxWaves       int        `json:"max_waves"`
	TurnCount      int        `json:"turn_count"`
	Revision       int64      `json:"revision"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        time.Time  `json:"ended_at"`
	Log            []LogEntry `json:"log,omitempty"`
}

// NewArchiveRecord summarizes s. It is only meaningful once s is terminal.
func NewArchiveRecord(s *BattleSession) ArchiveRecord {
	return ArchiveRecord{
		SessionID:      s.ID,
		Status:         s.Status,
		HostID:         s.HostID,
		ParticipantIDs: s.ParticipantIDs(),
		Wave:           s.Wave,
		MaxWaves:       s.MaxWaves,
		TurnCount:      s.TurnCount,
		Revision:       s.Revision,
		StartedAt:      s.CreatedAt,
		EndedAt:        s.UpdatedAt,
		Log:            s.BattleLog,
	}
}
