package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"classbeacon/pkg/interfaces"
	"classbeacon/pkg/types"
)

// Roster is the seed file format: classes with their enrolled students
// FUNCTIONAL DISCOVERY: Roster CRUD belongs to the school system; the server
// only needs a copy of who teaches and who is enrolled
type Roster struct {
	Classes []RosterClass `json:"classes" validate:"dive"`
}

type RosterClass struct {
	ID        int64           `json:"id" validate:"required,gt=0"`
	Name      string          `json:"name" validate:"required"`
	TeacherID string          `json:"teacher_id" validate:"required,max=50"`
	Students  []RosterStudent `json:"students" validate:"dive"`
}

type RosterStudent struct {
	StudentID string `json:"student_id" validate:"required,max=50"`
	// RosterID is short because it rides inside the 8 byte BLE check-in id
	RosterID string `json:"roster_id" validate:"required,alphanum,max=2"`
}

// LoadRoster reads and validates a roster file
func LoadRoster(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roster file: %w", err)
	}
	var roster Roster
	if err := json.Unmarshal(data, &roster); err != nil {
		return nil, fmt.Errorf("failed to parse roster file: %w", err)
	}
	if err := types.Validate(&roster); err != nil {
		return nil, fmt.Errorf("invalid roster: %w", err)
	}
	return &roster, nil
}

// Seed upserts every class and enrollment
func (r *Roster) Seed(ctx context.Context, db interfaces.DatabaseManager) (classes, enrollments int, err error) {
	for _, c := range r.Classes {
		class := &types.Class{ID: c.ID, Name: c.Name, TeacherID: c.TeacherID}
		if err := db.CreateClass(ctx, class); err != nil {
			return classes, enrollments, fmt.Errorf("seed class %d: %w", c.ID, err)
		}
		classes++
		for _, s := range c.Students {
			e := &types.Enrollment{ClassID: c.ID, StudentID: s.StudentID, RosterID: s.RosterID}
			if err := db.EnrollStudent(ctx, e); err != nil {
				return classes, enrollments, fmt.Errorf("seed enrollment %s in class %d: %w", s.StudentID, c.ID, err)
			}
			enrollments++
		}
	}
	return classes, enrollments, nil
}
