package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/pokedex-arena/battlenode/pkg/battle"
)

// Roster is a named, ordered list of species entries saved by a user.
type Roster struct {
	Name    string         `json:"name"`
	Entries []battle.Entry `json:"pokemons"`
}

// RosterStore returns a user's saved teams. Teams are addressed by their
// zero-based position in the returned list.
type RosterStore interface {
	GetTeams(ctx context.Context, userID string) ([]Roster, error)
}

// TeamRecord is the persisted form of a roster.
type TeamRecord struct {
	ID        uint           `gorm:"primaryKey"`
	UserID    string         `gorm:"column:user_id;type:varchar(255);not null;index"`
	TeamName  string         `gorm:"column:team_name;type:varchar(255);not null"`
	Pokemons  datatypes.JSON `gorm:"column:pokemons;not null"`
	CreatedAt time.Time      `gorm:"column:created_at"`
}

func (TeamRecord) TableName() string {
	return "teams"
}

type DBRosterStore struct {
	db *gorm.DB
}

func NewDBRosterStore(db *gorm.DB) *DBRosterStore {
	return &DBRosterStore{db: db}
}

// GetTeams lists the user's teams newest first.
func (s *DBRosterStore) GetTeams(ctx context.Context, userID string) ([]Roster, error) {
	var records []TeamRecord
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to load teams: %w", err)
	}

	rosters := make([]Roster, 0, len(records))
	for _, record := range records {
		entries, err := decodeRosterEntries(record.Pokemons)
		if err != nil {
			return nil, fmt.Errorf("failed to decode team %d: %w", record.ID, err)
		}
		rosters = append(rosters, Roster{Name: record.TeamName, Entries: entries})
	}
	return rosters, nil
}

// rosterSlot accepts species ids stored either as JSON numbers or strings.
type rosterSlot struct {
	ID     json.RawMessage `json:"id"`
	Name   string          `json:"name"`
	Sprite string          `json:"sprite"`
}

func decodeRosterEntries(raw []byte) ([]battle.Entry, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	var slots []rosterSlot
	if err := json.Unmarshal(raw, &slots); err != nil {
		return nil, err
	}

	entries := make([]battle.Entry, 0, len(slots))
	for _, slot := range slots {
		entries = append(entries, battle.Entry{
			SpeciesID:   speciesIDFromJSON(slot.ID),
			DisplayName: slot.Name,
			Sprite:      slot.Sprite,
		})
	}
	return entries, nil
}

func speciesIDFromJSON(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return n.String()
	}
	return ""
}

// BattlePreparer turns a challenge into two stat-resolved teams.
type BattlePreparer struct {
	rosters RosterStore
	stats   StatsProvider
	users   UserDirectory
}

func NewBattlePreparer(rosters RosterStore, stats StatsProvider, users UserDirectory) *BattlePreparer {
	return &BattlePreparer{rosters: rosters, stats: stats, users: users}
}

// Prepare loads both selected rosters and resolves every entry into a combatant
// at full HP. Missing species data falls back to default stats.
func (p *BattlePreparer) Prepare(ctx context.Context, challenge *Challenge) (*battle.Team, *battle.Team, error) {
	if challenge.OpponentTeamIndex == nil {
		return nil, nil, ErrTeamNotSelected
	}

	var challengerTeam, opponentTeam *battle.Team
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		team, err := p.prepareTeam(gctx, challenge.ChallengerID, challenge.ChallengerTeamIndex)
		challengerTeam = team
		return err
	})
	g.Go(func() error {
		team, err := p.prepareTeam(gctx, challenge.OpponentID, *challenge.OpponentTeamIndex)
		opponentTeam = team
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	return challengerTeam, opponentTeam, nil
}

func (p *BattlePreparer) prepareTeam(ctx context.Context, userID string, index int) (*battle.Team, error) {
	rosters, err := p.rosters.GetTeams(ctx, userID)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(rosters) {
		return nil, fmt.Errorf("%w: no team at index %d for user %s", ErrTeamNotSelected, index, userID)
	}

	roster := rosters[index]
	if len(roster.Entries) == 0 {
		return nil, fmt.Errorf("%w: team %q of user %s", ErrEmptyRoster, roster.Name, userID)
	}

	trainer := displayName(ctx, p.users, userID)
	team := &battle.Team{
		TrainerID: userID,
		Trainer:   trainer,
		Name:      roster.Name,
		Members:   make([]*battle.Combatant, 0, len(roster.Entries)),
	}
	for _, entry := range roster.Entries {
		stats := p.stats.GetStats(ctx, entry.SpeciesID)
		team.Members = append(team.Members, battle.NewCombatant(entry, stats, trainer))
	}
	return team, nil
}
