package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"gorm.io/gorm"
)

// runCleanupDuplicatesCli removes all but the newest pending challenge of every
// ordered pair. Example: battlenode cleanup-duplicates
func runCleanupDuplicatesCli(logger Logger) {
	logger = logger.NewSystem("cleanup-duplicates")

	db := connectCliDB(logger)
	removed, err := DeleteDuplicatePending(context.Background(), db)
	if err != nil {
		logger.Fatal("Failed to remove duplicate challenges", "error", err)
	}
	logger.Info("Removed duplicate pending challenges", "count", removed)
}

// runPurgeResolvedCli deletes resolved challenges older than the given number
// of days. Example: battlenode purge-resolved 30
func runPurgeResolvedCli(logger Logger) {
	logger = logger.NewSystem("purge-resolved")
	if len(os.Args) < 3 {
		logger.Fatal("Usage: battlenode purge-resolved <days>")
	}

	days, err := strconv.Atoi(os.Args[2])
	if err != nil || days < 0 {
		logger.Fatal("Invalid number of days", "value", os.Args[2])
	}

	db := connectCliDB(logger)
	cutoff := time.Now().AddDate(0, 0, -days)
	removed, err := PurgeResolved(context.Background(), db, cutoff)
	if err != nil {
		logger.Fatal("Failed to purge resolved challenges", "error", err)
	}
	logger.Info("Purged resolved challenges", "count", removed, "cutoff", cutoff)
}

func connectCliDB(logger Logger) *gorm.DB {
	config, err := LoadConfig(logger)
	if err != nil {
		logger.Fatal("Failed to load configuration", "error", err)
	}

	db, err := ConnectToDB(config.dbConf)
	if err != nil {
		logger.Fatal("Failed to setup database", "error", err)
	}
	return db
}

// DeleteDuplicatePending keeps the most recent pending challenge per ordered
// pair and deletes the rest. Databases created before the pending-pair index
// existed can hold such duplicates.
func DeleteDuplicatePending(ctx context.Context, db *gorm.DB) (int64, error) {
	var pending []Challenge
	if err := db.WithContext(ctx).
		Where("status = ?", ChallengeStatusPending).
		Order("created_at DESC").
		Order("id DESC").
		Find(&pending).Error; err != nil {
		return 0, fmt.Errorf("failed to load pending challenges: %w", err)
	}

	seen := make(map[[2]string]struct{})
	var duplicates []string
	for _, ch := range pending {
		key := [2]string{ch.ChallengerID, ch.OpponentID}
		if _, ok := seen[key]; ok {
			duplicates = append(duplicates, ch.ID)
			continue
		}
		seen[key] = struct{}{}
	}
	if len(duplicates) == 0 {
		return 0, nil
	}

	res := db.WithContext(ctx).
		Where("id IN ? AND status = ?", duplicates, ChallengeStatusPending).
		Delete(&Challenge{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete duplicate challenges: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// PurgeResolved deletes completed, rejected and cancelled challenges last
// updated before the cutoff, along with their recorded actions.
func PurgeResolved(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	resolved := []ChallengeStatus{ChallengeStatusCompleted, ChallengeStatusRejected, ChallengeStatusCancelled}

	var removed int64
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&Challenge{}).
			Where("status IN ? AND updated_at < ?", resolved, cutoff).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		if err := tx.Where("battle_id IN ?", ids).Delete(&BattleActionRecord{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", ids).Delete(&Challenge{})
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge resolved challenges: %w", err)
	}
	return removed, nil
}
