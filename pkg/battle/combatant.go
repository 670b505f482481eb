package battle

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyRoster is returned when a side has no combatants.
	ErrEmptyRoster = errors.New("empty roster")
)

const (
	defaultHP   = 100
	defaultStat = 50
)

// Side identifies one of the two teams of a battle.
type Side int

const (
	SideChallenger Side = 1
	SideOpponent   Side = 2
)

// Other returns the opposing side.
func (s Side) Other() Side {
	if s == SideChallenger {
		return SideOpponent
	}
	return SideChallenger
}

func (s Side) String() string {
	switch s {
	case SideChallenger:
		return "challenger"
	case SideOpponent:
		return "opponent"
	default:
		return fmt.Sprintf("side(%d)", int(s))
	}
}

func (s Side) index() int {
	if s == SideOpponent {
		return 1
	}
	return 0
}

// Stats is the fixed combat stat block of a species.
type Stats struct {
	HP        int      `json:"hp" yaml:"hp"`
	Attack    int      `json:"attack" yaml:"attack"`
	Defense   int      `json:"defense" yaml:"defense"`
	SpAttack  int      `json:"sp_attack" yaml:"sp_attack"`
	SpDefense int      `json:"sp_defense" yaml:"sp_defense"`
	Speed     int      `json:"speed" yaml:"speed"`
	Types     []string `json:"types,omitempty" yaml:"types"`
}

// DefaultStats returns the stat block used when a species could not be resolved.
func DefaultStats() Stats {
	return Stats{
		HP:        defaultHP,
		Attack:    defaultStat,
		Defense:   defaultStat,
		SpAttack:  defaultStat,
		SpDefense: defaultStat,
		Speed:     defaultStat,
	}
}

// WithDefaults replaces every non-positive stat with its default value.
func (s Stats) WithDefaults() Stats {
	if s.HP <= 0 {
		s.HP = defaultHP
	}
	for _, v := range []*int{&s.Attack, &s.Defense, &s.SpAttack, &s.SpDefense, &s.Speed} {
		if *v <= 0 {
			*v = defaultStat
		}
	}
	return s
}

// Entry is a roster slot before its stats are resolved.
type Entry struct {
	SpeciesID   string `json:"id"`
	DisplayName string `json:"name"`
	Sprite      string `json:"sprite,omitempty"`
}

// Combatant is a stat-resolved, mutable-HP projection of a roster entry.
// It only lives for the duration of one battle.
type Combatant struct {
	SpeciesID string
	Name      string
	Sprite    string
	CurrentHP int
	MaxHP     int
	Attack    int
	Defense   int
	Speed     int
	SpAttack  int
	SpDefense int
	Types     []string
	Fainted   bool
	Trainer   string
}

// NewCombatant prepares a combatant at full HP.
func NewCombatant(entry Entry, stats Stats, trainer string) *Combatant {
	stats = stats.WithDefaults()
	name := entry.DisplayName
	if name == "" {
		name = entry.SpeciesID
	}

	return &Combatant{
		SpeciesID: entry.SpeciesID,
		Name:      name,
		Sprite:    entry.Sprite,
		CurrentHP: stats.HP,
		MaxHP:     stats.HP,
		Attack:    stats.Attack,
		Defense:   stats.Defense,
		Speed:     stats.Speed,
		SpAttack:  stats.SpAttack,
		SpDefense: stats.SpDefense,
		Types:     stats.Types,
		Trainer:   trainer,
	}
}

// Snapshot captures the combatant's current state for the log.
func (c *Combatant) Snapshot() Snapshot {
	return Snapshot{
		ID:        c.SpeciesID,
		Name:      c.Name,
		Sprite:    c.Sprite,
		CurrentHP: c.CurrentHP,
		MaxHP:     c.MaxHP,
		Attack:    c.Attack,
		Defense:   c.Defense,
		Speed:     c.Speed,
		SpAttack:  c.SpAttack,
		SpDefense: c.SpDefense,
		Fainted:   c.Fainted,
		Trainer:   c.Trainer,
	}
}

// Team is one side's ordered roster.
type Team struct {
	// TrainerID is the user who owns the team.
	TrainerID string
	// Trainer is the display label of the owner.
	Trainer string
	// Name is the team's name.
	Name    string
	Members []*Combatant
}

// Remaining returns the number of combatants that have not fainted.
func (t *Team) Remaining() int {
	n := 0
	for _, m := range t.Members {
		if !m.Fainted {
			n++
		}
	}
	return n
}

// RemainingHP returns the sum of current HP across the team.
func (t *Team) RemainingHP() int {
	hp := 0
	for _, m := range t.Members {
		hp += m.CurrentHP
	}
	return hp
}

// Names returns the member names in roster order.
func (t *Team) Names() []string {
	names := make([]string, 0, len(t.Members))
	for _, m := range t.Members {
		names = append(names, m.Name)
	}
	return names
}
