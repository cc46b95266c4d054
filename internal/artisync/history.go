package artisync

import (
	"fmt"

	"artisync/internal/model"
)

// GetHistory returns the most recent sync operations, ordered newest first.
func (s *Service) GetHistory(limit int) ([]*model.Operation, error) {
	ops, err := s.database.ListOperations(limit)
	if err != nil {
		return nil, fmt.Errorf("listing sync operations: %w", err)
	}
	return ops, nil
}
