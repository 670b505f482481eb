package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

type SortType string

const (
	SortTypeAscending  SortType = "asc"
	SortTypeDescending SortType = "desc"
)

// ParseSortType accepts asc or desc in any case.
func ParseSortType(raw string) (SortType, error) {
	sort := SortType(strings.ToLower(strings.TrimSpace(raw)))
	if sort != SortTypeAscending && sort != SortTypeDescending {
		return "", fmt.Errorf("invalid sort type %q", raw)
	}
	return sort, nil
}

func (s *SortType) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	sort, err := ParseSortType(raw)
	if err != nil {
		return err
	}
	*s = sort
	return nil
}

func (s SortType) ToString() string {
	return strings.ToUpper(string(s))
}

// Columns the listings order by.
const (
	sortByCreatedAt   = "created_at"
	sortByCompletedAt = "completed_at"
	sortByTurnNumber  = "turn_number"
)

// applySort orders by the column and then by id in the same direction, so
// rows sharing a timestamp or turn keep a stable order across pages.
func applySort(db *gorm.DB, sortBy string, defaultSort SortType, sortType *SortType) *gorm.DB {
	direction := defaultSort
	if sortType != nil {
		direction = *sortType
	}

	return db.Order(sortBy + " " + direction.ToString()).Order("id " + direction.ToString())
}

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

func paginate(rawOffset, rawLimit *uint32) func(db *gorm.DB) *gorm.DB {
	offset := 0
	if rawOffset != nil {
		offset = int(*rawOffset)
	}

	limit := DefaultLimit
	if rawLimit != nil {
		limit = int(*rawLimit)
	}
	if limit == 0 {
		limit = DefaultLimit
	} else if limit > MaxLimit {
		limit = MaxLimit
	}

	return func(db *gorm.DB) *gorm.DB {
		return db.Offset(offset).Limit(limit)
	}
}

// ListOptions pages the challenge, history and action listings. A zero limit
// means DefaultLimit and anything above MaxLimit is clamped.
type ListOptions struct {
	Offset uint32    `json:"offset,omitempty"`
	Limit  uint32    `json:"limit,omitempty"`
	Sort   *SortType `json:"sort,omitempty"`
}

func applyListOptions(db *gorm.DB, sortBy string, defaultSort SortType, options *ListOptions) *gorm.DB {
	if options == nil {
		return applySort(db, sortBy, defaultSort, nil)
	}

	db = applySort(db, sortBy, defaultSort, options.Sort)
	db = paginate(&options.Offset, &options.Limit)(db)

	return db
}
