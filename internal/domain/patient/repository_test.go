package patient

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The repository binds BirthDate as a *time.Time, nil whenever the intake
// payload carries no date of birth, and scans the column back into the
// same type. The migration has to declare a nullable date column or every
// new-account insert fails at bind time.
func TestSchemaBirthDateColumnShape(t *testing.T) {
	raw, err := os.ReadFile(filepath.Join("..", "..", "..", "migrations", "schema.sql"))
	require.NoError(t, err)
	schema := string(raw)

	assert.Regexp(t, `(?m)^\s*birth_date\s+DATE\s*,`, schema)
	assert.NotRegexp(t, `(?m)^\s*birth_date\s+TEXT`, schema)
	assert.NotRegexp(t, `(?m)^\s*birth_date\s+\S+\s+NOT NULL`, schema)
}
