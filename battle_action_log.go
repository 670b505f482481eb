package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BattleActionRecord is the audit record of one action submitted in a live battle.
type BattleActionRecord struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	BattleID   string         `gorm:"column:battle_id;type:varchar(64);not null;index" json:"battle_id"`
	UserID     string         `gorm:"column:user_id;type:varchar(255);not null;index" json:"user_id"`
	ActionType ActionType     `gorm:"column:action_type;type:varchar(32);not null" json:"action_type"`
	ActionData datatypes.JSON `gorm:"column:action_data" json:"action_data,omitempty"`
	TurnNumber int            `gorm:"column:turn_number;not null" json:"turn_number"`
	CreatedAt  time.Time      `gorm:"column:created_at" json:"created_at"`
}

func (BattleActionRecord) TableName() string {
	return "battle_actions"
}

// BattleActionLog stores and lists the actions recorded for live battles.
type BattleActionLog struct {
	db *gorm.DB
}

func NewBattleActionLog(db *gorm.DB) *BattleActionLog {
	return &BattleActionLog{db: db}
}

// Record saves an action for the given turn.
func (s *BattleActionLog) Record(ctx context.Context, battleID, userID string, action BattleAction, turn int) error {
	data, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("failed to marshal action: %w", err)
	}

	record := &BattleActionRecord{
		BattleID:   battleID,
		UserID:     userID,
		ActionType: action.Type,
		ActionData: datatypes.JSON(data),
		TurnNumber: turn,
	}
	return s.db.WithContext(ctx).Create(record).Error
}

// List retrieves a battle's actions, optionally narrowed to one user.
func (s *BattleActionLog) List(ctx context.Context, battleID string, userID *string, options *ListOptions) ([]BattleActionRecord, error) {
	query := applyListOptions(s.db.WithContext(ctx), sortByTurnNumber, SortTypeAscending, options).
		Where("battle_id = ?", battleID)
	if userID != nil {
		query = query.Where("user_id = ?", *userID)
	}

	var records []BattleActionRecord
	err := query.Find(&records).Error
	return records, err
}

// Count returns the number of actions recorded for a battle.
func (s *BattleActionLog) Count(ctx context.Context, battleID string, userID *string) (int64, error) {
	query := s.db.WithContext(ctx).Model(&BattleActionRecord{}).Where("battle_id = ?", battleID)
	if userID != nil {
		query = query.Where("user_id = ?", *userID)
	}

	var count int64
	err := query.Count(&count).Error
	return count, err
}
