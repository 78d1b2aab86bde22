package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator provides database schema validation functionality
// ARCHITECTURAL DISCOVERY: Separate validation component lets the health check
// and the tests verify the deployed schema without re-running migrations
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"classes":             "Class roster copy",
		"enrollments":         "Class membership",
		"attendance_sessions": "Live attendance sessions",
		"attendance_records":  "Per-student attendance ledger",
		"schema_migrations":   "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.objectExists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}

	return nil
}

// ValidateTableStructure verifies table column structure matches expectations
func (v *SchemaValidator) ValidateTableStructure() error {
	sessionColumns := map[string]string{
		"id":         "INTEGER",
		"live_id":    "TEXT",
		"class_id":   "INTEGER",
		"teacher_id": "TEXT",
		"start_time": "DATETIME",
		"end_time":   "DATETIME",
	}
	if err := v.validateColumns("attendance_sessions", sessionColumns); err != nil {
		return fmt.Errorf("attendance_sessions table structure invalid: %w", err)
	}

	recordColumns := map[string]string{
		"session_id":      "INTEGER",
		"student_id":      "TEXT",
		"is_present":      "INTEGER",
		"marked_manually": "INTEGER",
		"marked_at":       "DATETIME",
	}
	if err := v.validateColumns("attendance_records", recordColumns); err != nil {
		return fmt.Errorf("attendance_records table structure invalid: %w", err)
	}

	return nil
}

// ValidateIndexes verifies that all lookup indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_enrollments_student":         "Live session lookup by student",
		"idx_sessions_class_open":         "Open session lookup by class",
		"idx_sessions_one_open_per_class": "At most one open session per class",
		"idx_records_session":             "Attendance report retrieval",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.objectExists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}

	return nil
}

func (v *SchemaValidator) objectExists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid, notNull, pk int
		var name, dataType string
		var defaultValue interface{}

		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}

	return rows.Err()
}
