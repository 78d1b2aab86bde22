// Package testutil holds shared fixtures for package tests: a migrated
// database, a seeded classroom and a live channel test client.
package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"classbeacon/internal/database"
	"classbeacon/migrations"
	dbconfig "classbeacon/pkg/database"
	"classbeacon/pkg/types"
)

// Classroom is a seeded class with one teacher and numbered students
type Classroom struct {
	Class      types.Class
	TeacherID  string
	StudentIDs []string
	// RosterIDs maps student id to the two digit roster id
	RosterIDs map[string]string
}

// NewClassroom describes class classID with studentCount students without persisting it
func NewClassroom(classID int64, studentCount int) *Classroom {
	c := &Classroom{
		Class: types.Class{
			ID:        classID,
			Name:      fmt.Sprintf("Biology %d", classID),
			TeacherID: fmt.Sprintf("teacher_%d", classID),
		},
		RosterIDs: make(map[string]string, studentCount),
	}
	c.TeacherID = c.Class.TeacherID
	for i := 0; i < studentCount; i++ {
		id := fmt.Sprintf("student_%d_%d", classID, i+1)
		c.StudentIDs = append(c.StudentIDs, id)
		c.RosterIDs[id] = fmt.Sprintf("%02d", i+1)
	}
	return c
}

// Seeder is the slice of the database manager a classroom needs
type Seeder interface {
	CreateClass(ctx context.Context, class *types.Class) error
	EnrollStudent(ctx context.Context, enrollment *types.Enrollment) error
}

// Seed persists the class and its enrollments
func (c *Classroom) Seed(t testing.TB, db Seeder) *Classroom {
	t.Helper()
	ctx := context.Background()
	class := c.Class
	if err := db.CreateClass(ctx, &class); err != nil {
		t.Fatalf("seed class: %v", err)
	}
	for _, id := range c.StudentIDs {
		e := &types.Enrollment{ClassID: c.Class.ID, StudentID: id, RosterID: c.RosterIDs[id]}
		if err := db.EnrollStudent(ctx, e); err != nil {
			t.Fatalf("seed enrollment %s: %v", id, err)
		}
	}
	return c
}

// NewTestDB opens a migrated database in t's temp dir, closed on cleanup
func NewTestDB(t testing.TB) *database.Manager {
	t.Helper()

	config := &dbconfig.Config{
		DatabasePath:    filepath.Join(t.TempDir(), "test.db"),
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
	}
	manager, err := database.NewManager(config)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := dbconfig.NewMigrationManager(manager.GetDB(), migrations.FS).ApplyMigrations(); err != nil {
		_ = manager.Close()
		t.Fatalf("migrate test database: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}
