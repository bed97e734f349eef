package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// Bulk validates every operation first, reporting failures by index, then
// applies all valid operations in one transaction. Validation sees the effect
// of earlier operations in the same batch. An engine error while applying
// rolls the whole batch back and is returned.
func (s *Store) Bulk(ops []BulkOperation) (BulkResult, error) {
	res := BulkResult{Total: len(ops), Errors: []BulkError{}}
	err := s.tx(func(tx *sql.Tx) error {
		present := map[string]bool{}
		has := func(id string) (bool, error) {
			if v, ok := present[id]; ok {
				return v, nil
			}
			return exists(tx, "conversations", id)
		}

		valid := make([]bool, len(ops))
		for i, op := range ops {
			if err := validateBulkOp(tx, op, has); err != nil {
				if !isValidation(err) {
					return err
				}
				res.Errors = append(res.Errors, BulkError{Index: i, Error: err.Error()})
				continue
			}
			valid[i] = true
			switch op.Type {
			case BulkAdd, BulkUpdate:
				present[op.Data.ID] = true
			case BulkDelete:
				present[op.Data.ID] = false
			}
		}

		for i, op := range ops {
			if !valid[i] {
				continue
			}
			if err := s.applyBulkOp(tx, op); err != nil {
				return fmt.Errorf("bulk operation %d (%s): %w", i, op.Type, err)
			}
			res.Successful++
		}
		return nil
	})
	if err != nil {
		return BulkResult{Total: len(ops), Errors: []BulkError{}}, err
	}
	res.Failed = len(res.Errors)
	return res, nil
}

func validateBulkOp(q querier, op BulkOperation, has func(string) (bool, error)) error {
	switch op.Type {
	case BulkAdd:
		if op.Data.ID != "" {
			ok, err := has(op.Data.ID)
			if err != nil {
				return err
			}
			if ok {
				return invalid("id", "conversation %s already exists", op.Data.ID)
			}
		}
		return validateConversation(q, op.Data)
	case BulkUpdate, BulkDelete:
		if op.Data.ID == "" {
			return invalid("id", "required for %s", op.Type)
		}
		ok, err := has(op.Data.ID)
		if err != nil {
			return err
		}
		if !ok {
			return invalid("id", "conversation %s does not exist", op.Data.ID)
		}
		if op.Type == BulkUpdate {
			return validateConversation(q, op.Data)
		}
		return nil
	}
	return invalid("type", "unknown bulk operation %q", op.Type)
}

func (s *Store) applyBulkOp(q querier, op BulkOperation) error {
	switch op.Type {
	case BulkAdd:
		_, err := s.createConversation(q, op.Data)
		return err
	case BulkUpdate:
		prev, err := getConversation(q, op.Data.ID)
		if err != nil {
			return err
		}
		c := op.Data
		c.CreatedAt = prev.CreatedAt
		now := s.stamp()
		c.UpdatedAt = advance(prev.UpdatedAt, now)
		derive(&c, now)
		return replaceConversation(q, c)
	case BulkDelete:
		return deleteConversation(q, op.Data.ID)
	}
	return fmt.Errorf("unknown bulk operation %q", op.Type)
}

func isValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
