package db

import (
	"fmt"
	"strconv"
)

const companionPIDKey = "companion_pid"

// PIDStore persists the companion PID for one host session
type PIDStore struct {
	db        *DB
	sessionID string
}

// NewPIDStore returns a PID store scoped to sessionID
func NewPIDStore(db *DB, sessionID string) *PIDStore {
	return &PIDStore{db: db, sessionID: sessionID}
}

// LoadPID returns the persisted PID, or 0 when none is stored
func (s *PIDStore) LoadPID() (int, error) {
	value, ok, err := s.db.GetState(s.sessionID, companionPIDKey)
	if err != nil || !ok {
		return 0, err
	}
	pid, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("corrupt companion pid %q: %w", value, err)
	}
	return pid, nil
}

// SavePID persists pid. Saving 0 clears it.
func (s *PIDStore) SavePID(pid int) error {
	if pid <= 0 {
		return s.ClearPID()
	}
	return s.db.SetState(s.sessionID, companionPIDKey, strconv.Itoa(pid))
}

// ClearPID forgets the persisted PID
func (s *PIDStore) ClearPID() error {
	return s.db.DeleteState(s.sessionID, companionPIDKey)
}
