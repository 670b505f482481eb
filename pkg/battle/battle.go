package battle

import (
	"fmt"
	"time"
)

// MaxTurns is the turn ceiling after which a battle is decided on survivors.
const MaxTurns = 100

// Option configures a Battle.
type Option func(*Battle)

// WithClock overrides the clock used to timestamp log entries.
func WithClock(now func() time.Time) Option {
	return func(b *Battle) {
		b.now = now
	}
}

// WithMaxTurns overrides the turn ceiling.
func WithMaxTurns(n int) Option {
	return func(b *Battle) {
		if n > 0 {
			b.maxTurns = n
		}
	}
}

// Battle is the mutable state of one fight. It is not safe for concurrent use;
// callers serialize access (a live session owns its Battle exclusively).
type Battle struct {
	teams    [2]*Team
	active   [2]int
	turn     int
	maxTurns int
	log      []LogEntry
	hits     []HitSummary
	src      Source
	now      func() time.Time
	finished *Result
}

// HitSummary is a compact record of one landed attack.
type HitSummary struct {
	Turn        int    `json:"turn"`
	Attacker    string `json:"attacker"`
	Defender    string `json:"defender"`
	Damage      int    `json:"damage"`
	Critical    bool   `json:"critical"`
	RemainingHP int    `json:"remainingHP"`
}

// New validates both teams and starts a battle. The start entry is appended
// immediately.
func New(challenger, opponent *Team, src Source, opts ...Option) (*Battle, error) {
	if challenger == nil || len(challenger.Members) == 0 {
		return nil, fmt.Errorf("%w: challenger team has no combatants", ErrEmptyRoster)
	}
	if opponent == nil || len(opponent.Members) == 0 {
		return nil, fmt.Errorf("%w: opponent team has no combatants", ErrEmptyRoster)
	}
	if src == nil {
		return nil, fmt.Errorf("random source is required")
	}

	b := &Battle{
		teams:    [2]*Team{challenger, opponent},
		maxTurns: MaxTurns,
		src:      src,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}

	for i := range b.teams {
		b.active[i] = firstStanding(b.teams[i], 0)
	}

	b.append(LogEntry{
		Kind:    KindStart,
		Message: fmt.Sprintf("Battle between %s and %s!", challenger.Trainer, opponent.Trainer),
		Start: &StartEvent{
			Challenger: challenger.Trainer,
			Opponent:   opponent.Trainer,
		},
	})

	return b, nil
}

// Team returns the team of the given side.
func (b *Battle) Team(side Side) *Team {
	return b.teams[side.index()]
}

// Active returns the combatant currently fighting for side, or nil if the side
// has no combatant left.
func (b *Battle) Active(side Side) *Combatant {
	team := b.teams[side.index()]
	idx := b.active[side.index()]
	if idx >= len(team.Members) {
		return nil
	}
	return team.Members[idx]
}

// ActiveIndex returns the roster index of the side's active combatant.
func (b *Battle) ActiveIndex(side Side) int {
	return b.active[side.index()]
}

// Turn returns the number of turns resolved so far.
func (b *Battle) Turn() int {
	return b.turn
}

// Log returns a copy of the log recorded so far.
func (b *Battle) Log() []LogEntry {
	out := make([]LogEntry, len(b.log))
	copy(out, b.log)
	return out
}

// Over reports whether a side is fully fainted or the turn ceiling is reached.
func (b *Battle) Over() bool {
	return b.teams[0].Remaining() == 0 || b.teams[1].Remaining() == 0 || b.turn >= b.maxTurns
}

// Order returns the sides in attack order for the next turn: faster active
// combatant first, challenger first on equal speed.
func (b *Battle) Order() (Side, Side) {
	c, o := b.Active(SideChallenger), b.Active(SideOpponent)
	if c == nil || o == nil || c.Speed >= o.Speed {
		return SideChallenger, SideOpponent
	}
	return SideOpponent, SideChallenger
}

// Step resolves exactly one turn and returns the entries it produced.
// It returns nil once the battle is over.
func (b *Battle) Step() []LogEntry {
	if b.Over() {
		return nil
	}

	turn := b.turn + 1
	start := len(b.log)

	// Combatants are fixed at the start of the turn: a replacement sent in
	// after a faint does not act until the next turn.
	fighters := [2]*Combatant{b.Active(SideChallenger), b.Active(SideOpponent)}
	first, second := b.Order()

	for _, side := range []Side{first, second} {
		attacker := fighters[side.index()]
		defender := fighters[side.Other().index()]
		if attacker == nil || defender == nil || attacker.Fainted || defender.Fainted {
			continue
		}

		b.attack(turn, side, attacker, defender)
	}

	b.turn = turn

	out := make([]LogEntry, len(b.log)-start)
	copy(out, b.log[start:])
	return out
}

func (b *Battle) attack(turn int, side Side, attacker, defender *Combatant) {
	hit := Roll(b.src, attacker, defender)

	defender.CurrentHP -= hit.Damage
	if defender.CurrentHP < 0 {
		defender.CurrentHP = 0
	}
	if defender.CurrentHP == 0 {
		defender.Fainted = true
	}

	message := fmt.Sprintf("%s attacks %s for %d damage!", attacker.Name, defender.Name, hit.Damage)
	if hit.Critical {
		message = fmt.Sprintf("%s lands a critical hit on %s for %d damage!", attacker.Name, defender.Name, hit.Damage)
	}

	b.append(LogEntry{
		Kind:    KindAttack,
		Turn:    turn,
		Message: message,
		Attack: &AttackEvent{
			Side:     side,
			Attacker: attacker.Snapshot(),
			Defender: defender.Snapshot(),
			Damage:   hit.Damage,
			Critical: hit.Critical,
		},
	})
	b.hits = append(b.hits, HitSummary{
		Turn:        turn,
		Attacker:    attacker.Name,
		Defender:    defender.Name,
		Damage:      hit.Damage,
		Critical:    hit.Critical,
		RemainingHP: defender.CurrentHP,
	})

	if !defender.Fainted {
		return
	}

	defendingSide := side.Other()
	b.append(LogEntry{
		Kind:    KindFaint,
		Turn:    turn,
		Message: fmt.Sprintf("%s fainted!", defender.Name),
		Faint:   &FaintEvent{Side: defendingSide, Pokemon: defender.Name},
	})

	team := b.teams[defendingSide.index()]
	next := firstStanding(team, b.active[defendingSide.index()]+1)
	b.active[defendingSide.index()] = next
	if next < len(team.Members) {
		b.append(LogEntry{
			Kind:    KindSwitch,
			Turn:    turn,
			Message: fmt.Sprintf("%s sends out %s!", team.Trainer, team.Members[next].Name),
			Switch:  &SwitchEvent{Side: defendingSide, Pokemon: team.Members[next].Name},
		})
	}
}

// Winner decides the winning side. The side with more standing combatants
// wins; equal counts fall back to the larger remaining HP total, then to the
// opponent side.
func (b *Battle) Winner() Side {
	c, o := b.teams[0], b.teams[1]
	if c.Remaining() != o.Remaining() {
		if c.Remaining() > o.Remaining() {
			return SideChallenger
		}
		return SideOpponent
	}
	if c.RemainingHP() > o.RemainingHP() {
		return SideChallenger
	}
	return SideOpponent
}

// Finish closes the battle: it appends the end entry and builds the result.
// Calling Finish more than once returns the same result.
func (b *Battle) Finish() *Result {
	if b.finished != nil {
		return b.finished
	}

	winner := b.Winner()
	winnerTeam := b.teams[winner.index()]
	b.append(LogEntry{
		Kind:    KindEnd,
		Turn:    b.turn,
		Message: fmt.Sprintf("%s wins the battle!", winnerTeam.Trainer),
		End:     &EndEvent{WinnerSide: winner, Winner: winnerTeam.Trainer},
	})

	hits := make([]HitSummary, len(b.hits))
	copy(hits, b.hits)

	b.finished = &Result{
		WinnerSide:     winner,
		WinnerID:       winnerTeam.TrainerID,
		WinnerName:     winnerTeam.Trainer,
		Turns:          b.turn,
		Team1Pokemon:   b.teams[0].Names(),
		Team2Pokemon:   b.teams[1].Names(),
		Team1Remaining: b.teams[0].Remaining(),
		Team2Remaining: b.teams[1].Remaining(),
		Log:            b.Log(),
		DetailedTurns:  hits,
	}
	return b.finished
}

// Resolve runs a complete battle between two teams.
func Resolve(challenger, opponent *Team, src Source, opts ...Option) (*Result, error) {
	b, err := New(challenger, opponent, src, opts...)
	if err != nil {
		return nil, err
	}

	for !b.Over() {
		b.Step()
	}

	return b.Finish(), nil
}

func (b *Battle) append(entry LogEntry) {
	entry.Timestamp = b.now()
	b.log = append(b.log, entry)
}

func firstStanding(team *Team, from int) int {
	for i := from; i < len(team.Members); i++ {
		if !team.Members[i].Fainted {
			return i
		}
	}
	return len(team.Members)
}
