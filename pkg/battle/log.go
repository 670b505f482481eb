package battle

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntryKind tags the variant of a LogEntry.
type EntryKind string

const (
	KindStart  EntryKind = "start"
	KindAttack EntryKind = "attack"
	KindFaint  EntryKind = "faint"
	KindSwitch EntryKind = "switch"
	KindEnd    EntryKind = "end"
)

// Snapshot is the state of a combatant at the moment an entry was recorded.
type Snapshot struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Sprite    string `json:"sprite,omitempty"`
	CurrentHP int    `json:"currentHP"`
	MaxHP     int    `json:"maxHP"`
	Attack    int    `json:"attack"`
	Defense   int    `json:"defense"`
	Speed     int    `json:"speed"`
	SpAttack  int    `json:"spAttack"`
	SpDefense int    `json:"spDefense"`
	Fainted   bool   `json:"fainted"`
	Trainer   string `json:"trainer,omitempty"`
}

type StartEvent struct {
	Challenger string `json:"challenger"`
	Opponent   string `json:"opponent"`
}

type AttackEvent struct {
	Side     Side     `json:"side"`
	Attacker Snapshot `json:"attacker"`
	Defender Snapshot `json:"defender"`
	Damage   int      `json:"damage"`
	Critical bool     `json:"critical"`
}

type FaintEvent struct {
	Side    Side   `json:"side"`
	Pokemon string `json:"pokemon"`
}

type SwitchEvent struct {
	Side    Side   `json:"side"`
	Pokemon string `json:"pokemon"`
}

type EndEvent struct {
	WinnerSide Side   `json:"winner_side"`
	Winner     string `json:"winner"`
}

// LogEntry is one element of a battle log. Exactly one of the event fields is
// set, matching Kind.
type LogEntry struct {
	Kind      EntryKind
	Turn      int
	Message   string
	Timestamp time.Time

	Start  *StartEvent
	Attack *AttackEvent
	Faint  *FaintEvent
	Switch *SwitchEvent
	End    *EndEvent
}

// logEntryJSON is the flat wire form of a LogEntry:
// {"type":"attack","turn":3,"message":"...","timestamp":1700000000000,"attacker":{...},...}
type logEntryJSON struct {
	Type      EntryKind `json:"type"`
	Turn      int       `json:"turn,omitempty"`
	Message   string    `json:"message"`
	Timestamp int64     `json:"timestamp"`

	*StartEvent
	*AttackEvent
	*EndEvent

	Pokemon string `json:"pokemon,omitempty"`
	Side    Side   `json:"side,omitempty"`
}

// MarshalJSON emits the flat tagged form.
func (e LogEntry) MarshalJSON() ([]byte, error) {
	raw := logEntryJSON{
		Type:       e.Kind,
		Turn:       e.Turn,
		Message:    e.Message,
		Timestamp:  e.Timestamp.UnixMilli(),
		StartEvent: e.Start,
		EndEvent:   e.End,
	}

	switch e.Kind {
	case KindAttack:
		if e.Attack == nil {
			return nil, fmt.Errorf("attack entry without payload")
		}
		raw.AttackEvent = e.Attack
		raw.Side = e.Attack.Side
	case KindFaint:
		if e.Faint == nil {
			return nil, fmt.Errorf("faint entry without payload")
		}
		raw.Pokemon, raw.Side = e.Faint.Pokemon, e.Faint.Side
	case KindSwitch:
		if e.Switch == nil {
			return nil, fmt.Errorf("switch entry without payload")
		}
		raw.Pokemon, raw.Side = e.Switch.Pokemon, e.Switch.Side
	}

	return json.Marshal(raw)
}

// UnmarshalJSON restores the typed variant from the flat tagged form.
func (e *LogEntry) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type      EntryKind `json:"type"`
		Turn      int       `json:"turn"`
		Message   string    `json:"message"`
		Timestamp int64     `json:"timestamp"`

		Challenger string    `json:"challenger"`
		Opponent   string    `json:"opponent"`
		Attacker   *Snapshot `json:"attacker"`
		Defender   *Snapshot `json:"defender"`
		Damage     int       `json:"damage"`
		Critical   bool      `json:"critical"`
		Pokemon    string    `json:"pokemon"`
		Side       Side      `json:"side"`
		WinnerSide Side      `json:"winner_side"`
		Winner     string    `json:"winner"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*e = LogEntry{
		Kind:      raw.Type,
		Turn:      raw.Turn,
		Message:   raw.Message,
		Timestamp: time.UnixMilli(raw.Timestamp),
	}

	switch raw.Type {
	case KindStart:
		e.Start = &StartEvent{Challenger: raw.Challenger, Opponent: raw.Opponent}
	case KindAttack:
		if raw.Attacker == nil || raw.Defender == nil {
			return fmt.Errorf("attack entry is missing combatant snapshots")
		}
		e.Attack = &AttackEvent{
			Side:     raw.Side,
			Attacker: *raw.Attacker,
			Defender: *raw.Defender,
			Damage:   raw.Damage,
			Critical: raw.Critical,
		}
	case KindFaint:
		e.Faint = &FaintEvent{Side: raw.Side, Pokemon: raw.Pokemon}
	case KindSwitch:
		e.Switch = &SwitchEvent{Side: raw.Side, Pokemon: raw.Pokemon}
	case KindEnd:
		e.End = &EndEvent{WinnerSide: raw.WinnerSide, Winner: raw.Winner}
	default:
		return fmt.Errorf("unknown log entry type %q", raw.Type)
	}

	return nil
}
