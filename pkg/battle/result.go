package battle

// Result is the outcome of a finished battle. It is persisted verbatim as the
// battle result of a completed challenge.
type Result struct {
	WinnerSide     Side         `json:"winner_side"`
	WinnerID       string       `json:"winner_id"`
	WinnerName     string       `json:"winner_name"`
	Turns          int          `json:"turns"`
	Team1Pokemon   []string     `json:"team1_pokemon"`
	Team2Pokemon   []string     `json:"team2_pokemon"`
	Team1Remaining int          `json:"team1_remaining"`
	Team2Remaining int          `json:"team2_remaining"`
	Log            []LogEntry   `json:"battle_log"`
	DetailedTurns  []HitSummary `json:"detailed_turns"`
}

// Count returns how many entries of the given kind the log holds.
func (r *Result) Count(kind EntryKind) int {
	n := 0
	for _, e := range r.Log {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
