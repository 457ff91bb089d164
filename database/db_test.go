package database

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/rs/zerolog"
	"github.com/vnarwal17/zerodha/position"
	"github.com/vnarwal17/zerodha/shared"
)

// setupDatabase starts a fake rqlite endpoint recording executed request bodies.
func setupDatabase(t *testing.T) (*Database, *[]string) {
	bodies := []string{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)

		if strings.HasSuffix(r.URL.Path, "/db/execute") {
			bodies = append(bodies, string(body))
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"last_insert_id":1,"rows_affected":1}]}`))
	}))
	t.Cleanup(server.Close)

	logger := zerolog.Nop()
	db, err := NewDatabase(context.Background(), &DatabaseConfig{
		Endpoint: server.URL,
		Logger:   &logger,
	})
	assert.NoError(t, err)

	return db, &bodies
}

func TestDatabaseConfigValidate(t *testing.T) {
	cfg := &DatabaseConfig{}
	err := cfg.Validate()
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "database endpoint cannot be empty"))
	assert.True(t, strings.Contains(err.Error(), "logger cannot be nil"))
}

func TestGenerateSummaryID(t *testing.T) {
	day := time.Date(2025, 6, 2, 14, 0, 0, 0, shared.IndiaLocationOrFixed())
	assert.Equal(t, generateSummaryID(day, "SBIN"), "2025-06-02-SBIN")
}

func TestOutcome(t *testing.T) {
	// Ensure profitable positions count as wins.
	win, loss := outcome(&position.Position{RealizedPNL: 10})
	assert.Equal(t, win, 1)
	assert.Equal(t, loss, 0)

	// Ensure losing positions count as losses.
	win, loss = outcome(&position.Position{RealizedPNL: -10})
	assert.Equal(t, win, 0)
	assert.Equal(t, loss, 1)

	// Ensure breakeven positions count as neither.
	win, loss = outcome(&position.Position{})
	assert.Equal(t, win+loss, 0)
}

func TestPersistClosedPosition(t *testing.T) {
	db, bodies := setupDatabase(t)

	// Ensure the tables are bootstrapped.
	assert.Equal(t, len(*bodies), 1)
	assert.True(t, strings.Contains((*bodies)[0], "CREATE TABLE IF NOT EXISTS trade"))
	assert.True(t, strings.Contains((*bodies)[0], "CREATE TABLE IF NOT EXISTS summary"))

	at := time.Date(2025, 6, 2, 10, 15, 0, 0, shared.IndiaLocationOrFixed())
	pos, err := position.NewPosition(&shared.EntrySignal{
		Symbol:     "SBIN",
		Direction:  shared.Long,
		EntryPrice: 100,
		StopLoss:   98,
		Target:     106,
	}, 10, "order-1", at)
	assert.NoError(t, err)

	// Ensure active positions are not persisted.
	err = db.PersistClosedPosition(context.Background(), pos)
	assert.Error(t, err)
	assert.Equal(t, len(*bodies), 1)

	// Ensure closed positions are persisted with their daily summary.
	_, err = pos.Close(106, shared.TargetHit, "order-2", at.Add(time.Hour))
	assert.NoError(t, err)
	err = db.PersistClosedPosition(context.Background(), pos)
	assert.NoError(t, err)
	assert.Equal(t, len(*bodies), 2)

	stmts := []json.RawMessage{}
	assert.NoError(t, json.Unmarshal([]byte((*bodies)[1]), &stmts))
	assert.Equal(t, len(stmts), 2)
	assert.True(t, strings.Contains(string(stmts[0]), "INSERT INTO trade"))
	assert.True(t, strings.Contains(string(stmts[0]), pos.ID))
	assert.True(t, strings.Contains(string(stmts[0]), "TARGET"))
	assert.True(t, strings.Contains(string(stmts[1]), "ON CONFLICT(id)"))
	assert.True(t, strings.Contains(string(stmts[1]), "2025-06-02-SBIN"))
}
