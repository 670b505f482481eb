package main

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ChallengeStatus string

const (
	ChallengeStatusPending    ChallengeStatus = "pending"
	ChallengeStatusAccepted   ChallengeStatus = "accepted"
	ChallengeStatusInProgress ChallengeStatus = "in_progress"
	ChallengeStatusCompleted  ChallengeStatus = "completed"
	ChallengeStatusRejected   ChallengeStatus = "rejected"
	ChallengeStatusCancelled  ChallengeStatus = "cancelled"
)

// Terminal reports whether no further transition is possible from the status.
func (s ChallengeStatus) Terminal() bool {
	switch s {
	case ChallengeStatusCompleted, ChallengeStatusRejected, ChallengeStatusCancelled:
		return true
	default:
		return false
	}
}

// ExecutionMode records which path claimed the battle.
type ExecutionMode string

const (
	ExecutionModeAuto ExecutionMode = "auto"
	ExecutionModeLive ExecutionMode = "live"
)

// Challenge is the persisted lifecycle record of one battle.
type Challenge struct {
	ID                  string          `gorm:"column:id;primaryKey;type:varchar(64)" json:"id"`
	ChallengerID        string          `gorm:"column:challenger_id;type:varchar(255);not null;index" json:"challenger_id"`
	OpponentID          string          `gorm:"column:opponent_id;type:varchar(255);not null;index" json:"opponent_id"`
	ChallengerTeamIndex int             `gorm:"column:challenger_team_index;not null" json:"challenger_team_index"`
	OpponentTeamIndex   *int            `gorm:"column:opponent_team_index" json:"opponent_team_index"`
	Status              ChallengeStatus `gorm:"column:status;type:varchar(32);not null;index" json:"status"`
	ExecutionMode       ExecutionMode   `gorm:"column:execution_mode;type:varchar(16);not null;default:''" json:"execution_mode,omitempty"`
	WinnerID            *string         `gorm:"column:winner_id;type:varchar(255)" json:"winner_id"`
	BattleResult        datatypes.JSON  `gorm:"column:battle_result" json:"battle_result,omitempty"`
	CreatedAt           time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt           time.Time       `gorm:"column:updated_at" json:"updated_at"`
	AcceptedAt          *time.Time      `gorm:"column:accepted_at" json:"accepted_at"`
	CompletedAt         *time.Time      `gorm:"column:completed_at" json:"completed_at"`
}

func (Challenge) TableName() string {
	return "battle_challenges"
}

// HasParticipant reports whether the user is one of the two sides.
func (c *Challenge) HasParticipant(userID string) bool {
	return c.ChallengerID == userID || c.OpponentID == userID
}

// Counterpart returns the other participant.
func (c *Challenge) Counterpart(userID string) string {
	if c.ChallengerID == userID {
		return c.OpponentID
	}
	return c.ChallengerID
}

func (c *Challenge) BeforeCreate(_ *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

func getChallenge(tx *gorm.DB, id string) (*Challenge, error) {
	var challenge Challenge
	if err := tx.Where("id = ?", id).First(&challenge).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBattleNotFound
		}
		return nil, err
	}
	return &challenge, nil
}

// findPendingChallenge returns the newest pending challenge for the ordered pair, or nil.
func findPendingChallenge(tx *gorm.DB, challengerID, opponentID string) (*Challenge, error) {
	var challenge Challenge
	err := tx.Where("challenger_id = ? AND opponent_id = ? AND status = ?", challengerID, opponentID, ChallengeStatusPending).
		Order("created_at DESC").
		First(&challenge).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &challenge, nil
}

// updateChallengeIf applies the updates only while the record is still in one of the
// expected statuses. It reports whether a row was changed.
func updateChallengeIf(tx *gorm.DB, id string, expected []ChallengeStatus, updates map[string]any) (bool, error) {
	updates["updated_at"] = time.Now()
	res := tx.Model(&Challenge{}).
		Where("id = ? AND status IN ?", id, expected).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func listChallenges(tx *gorm.DB, userID string, statuses []ChallengeStatus, sortBy string, options *ListOptions) ([]Challenge, error) {
	query := applyListOptions(tx, sortBy, SortTypeDescending, options).
		Where("(challenger_id = ? OR opponent_id = ?)", userID, userID)
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}

	var challenges []Challenge
	if err := query.Find(&challenges).Error; err != nil {
		return nil, err
	}
	return challenges, nil
}
