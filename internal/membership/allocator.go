// Package membership allocates human-readable membership numbers.
package membership

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	baseYear       = 2024
	sequenceDigits = 6
	maxSequence    = 999999
	minCycleYear   = baseYear - 26
)

var (
	// ErrSequenceExhausted indicates that a year letter has used every six-digit number.
	ErrSequenceExhausted = errors.New("membership: sequence exhausted for year")
	errMissingTx         = errors.New("membership: transaction handle is required")
)

// Sequence stores the last number issued for a calendar year.
type Sequence struct {
	Year             int   `gorm:"column:year;primaryKey;autoIncrement:false"`
	LastValue        int64 `gorm:"column:last_value;not null;default:0"`
	UpdatedAtSeconds int64 `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Sequence) TableName() string {
	return "membership_sequences"
}

// Models lists the persisted membership models for migrations.
func Models() []any {
	return []any{&Sequence{}}
}

// Allocator issues membership numbers of the form <year letter><six digits>.
type Allocator struct {
	clock func() time.Time
}

// NewAllocator constructs an Allocator. A nil clock uses time.Now.
func NewAllocator(clock func() time.Time) *Allocator {
	if clock == nil {
		clock = time.Now
	}
	return &Allocator{clock: clock}
}

// Allocate increments the current year's sequence on tx and formats the result. The number is
// only consumed if tx commits.
func (a *Allocator) Allocate(ctx context.Context, tx *gorm.DB) (string, error) {
	if tx == nil {
		return "", errMissingTx
	}
	now := a.clock().UTC()
	year := now.Year()
	handle := tx.WithContext(ctx)

	floor, err := a.cycleFloor(handle, year)
	if err != nil {
		return "", err
	}
	seed := Sequence{Year: year, LastValue: floor, UpdatedAtSeconds: now.Unix()}
	if err := handle.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return "", fmt.Errorf("membership: seed sequence %d: %w", year, err)
	}
	result := handle.Model(&Sequence{}).
		Where("year = ? AND last_value < ?", year, maxSequence).
		Updates(map[string]any{
			"last_value":   gorm.Expr("last_value + 1"),
			"updated_at_s": now.Unix(),
		})
	if result.Error != nil {
		return "", fmt.Errorf("membership: increment sequence %d: %w", year, result.Error)
	}
	if result.RowsAffected == 0 {
		return "", fmt.Errorf("%w %d", ErrSequenceExhausted, year)
	}

	var current Sequence
	if err := handle.Where("year = ?", year).Take(&current).Error; err != nil {
		return "", fmt.Errorf("membership: read sequence %d: %w", year, err)
	}
	return Format(year, current.LastValue), nil
}

// cycleFloor returns the highest value issued by earlier years that share year's letter, so a
// reused letter continues past every number it has already produced.
func (a *Allocator) cycleFloor(handle *gorm.DB, year int) (int64, error) {
	var earlier []int
	for prior := year - 26; prior >= minCycleYear; prior -= 26 {
		earlier = append(earlier, prior)
	}
	if len(earlier) == 0 {
		return 0, nil
	}
	var floor int64
	if err := handle.Model(&Sequence{}).
		Where("year IN ?", earlier).
		Select("COALESCE(MAX(last_value), 0)").
		Scan(&floor).Error; err != nil {
		return 0, fmt.Errorf("membership: read earlier cycles of %d: %w", year, err)
	}
	return floor, nil
}

// YearLetter maps a year to its prefix letter, cycling every 26 years from 2024 = 'A'.
func YearLetter(year int) byte {
	offset := (year - baseYear) % 26
	if offset < 0 {
		offset += 26
	}
	return byte('A' + offset)
}

// Format renders a membership number.
func Format(year int, sequence int64) string {
	return fmt.Sprintf("%c%0*d", YearLetter(year), sequenceDigits, sequence)
}
