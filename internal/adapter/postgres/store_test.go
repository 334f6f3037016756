package postgres

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/uroplatus666/geosensors-app/internal/domain"
)

func TestSchema_IsIdempotent(t *testing.T) {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		assert.Contains(t, stmt, "IF NOT EXISTS", stmt)
	}
}

func TestSchema_OwnedTables(t *testing.T) {
	for _, table := range []string{
		"location", "thing", "thing_location", "observed_property",
		"datastream", "raw_observation", "observation_hour", "ingestion_state",
	} {
		assert.Contains(t, schemaSQL, "CREATE TABLE IF NOT EXISTS "+table+" (", table)
	}
}

func TestStorageErr(t *testing.T) {
	cause := errors.New("connection reset")

	err := storageErr("commit", cause)
	assert.ErrorIs(t, err, domain.ErrStorage)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "storage failure: commit: connection reset", err.Error())

	assert.Same(t, err, storageErr("again", err))
}
