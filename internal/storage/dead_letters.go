package storage

import (
	"context"
	"errors"

	"chatrelay/backend/internal/models"

	"gorm.io/gorm"
)

var ErrDeadLetterNotFound = errors.New("dead letter not found")

// SaveDeadLetter archives one drained dead letter.
func (s *Service) SaveDeadLetter(ctx context.Context, dl *models.DeadLetter) error {
	return s.DB.WithContext(ctx).Create(dl).Error
}

// ListDeadLetters returns the newest archived dead letters first.
// An empty queue matches every queue.
func (s *Service) ListDeadLetters(ctx context.Context, queue string, includeReplayed bool, limit int) ([]models.DeadLetter, error) {
	var out []models.DeadLetter
	q := s.DB.WithContext(ctx).Order("created_at desc")
	if queue != "" {
		q = q.Where("queue = ?", queue)
	}
	if !includeReplayed {
		q = q.Where("replayed = ?", false)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// FindDeadLetter returns ErrDeadLetterNotFound for an unknown id.
func (s *Service) FindDeadLetter(ctx context.Context, id uint) (*models.DeadLetter, error) {
	var dl models.DeadLetter
	err := s.DB.WithContext(ctx).First(&dl, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDeadLetterNotFound
	}
	if err != nil {
		return nil, err
	}
	return &dl, nil
}

// MarkReplayed flags a dead letter as sent back to its origin.
func (s *Service) MarkReplayed(ctx context.Context, id uint) error {
	res := s.DB.WithContext(ctx).Model(&models.DeadLetter{}).Where("id = ?", id).Update("replayed", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDeadLetterNotFound
	}
	return nil
}
