package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/davecgh/go-spew/spew"
	rqlitehttp "github.com/rqlite/rqlite-go-http"
	"github.com/rs/zerolog"
	"github.com/vnarwal17/zerodha/position"
	"github.com/vnarwal17/zerodha/shared"
)

const (
	// SQL statements.
	createTradeTableSQL   = "CREATE TABLE IF NOT EXISTS trade (id TEXT PRIMARY KEY, symbol TEXT, direction TEXT, quantity INTEGER, entryprice REAL, exitprice REAL, stoploss REAL, target REAL, realizedpnl REAL, exitreason TEXT, entryorderid TEXT, exitorderid TEXT, enteredon INTEGER, exitedon INTEGER)"
	createSummaryTableSQL = "CREATE TABLE IF NOT EXISTS summary (id TEXT PRIMARY KEY, day TEXT, symbol TEXT, trades INTEGER, wins INTEGER, losses INTEGER, realizedpnl REAL, updatedon INTEGER)"
	persistTradeSQL       = "INSERT INTO trade(id, symbol, direction, quantity, entryprice, exitprice, stoploss, target, realizedpnl, exitreason, entryorderid, exitorderid, enteredon, exitedon) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)"
	upsertSummarySQL      = "INSERT INTO summary(id, day, symbol, trades, wins, losses, realizedpnl, updatedon) VALUES(?,?,?,1,?,?,?,?) ON CONFLICT(id) DO UPDATE SET trades = trades + 1, wins = wins + excluded.wins, losses = losses + excluded.losses, realizedpnl = realizedpnl + excluded.realizedpnl, updatedon = excluded.updatedon"
	findSummariesSQL      = "SELECT symbol, trades, wins, losses, realizedpnl FROM summary WHERE day = ? ORDER BY symbol"

	// dayLayout is the layout of summary days.
	dayLayout = "2006-01-02"
)

// PositionStorer defines the requirements for storing positions.
type PositionStorer interface {
	// PersistClosedPosition stores the provided closed position and folds it
	// into the daily summary of its symbol.
	PersistClosedPosition(ctx context.Context, pos *position.Position) error
}

// DatabaseConfig is the configuration for the database.
type DatabaseConfig struct {
	// Endpoint represents the database connection endpoint.
	Endpoint string
	// User is the database user.
	User string
	// Pass is the database user pass.
	Pass string
	// Timeout is the request timeout of the database client.
	Timeout time.Duration
	// Logger is the database logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *DatabaseConfig) Validate() error {
	var errs error

	if cfg.Endpoint == "" {
		errs = errors.Join(errs, fmt.Errorf("database endpoint cannot be empty"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// Summary is the realized outcome of a symbol's trades on a day.
type Summary struct {
	Symbol      string
	Trades      int
	Wins        int
	Losses      int
	RealizedPNL float64
}

// Database represents the database connection.
type Database struct {
	cfg    *DatabaseConfig
	client *rqlitehttp.Client
}

// Ensure the database implements the PositionStorer interface.
var _ PositionStorer = (*Database)(nil)

// NewDatabase initializes a new database connection.
func NewDatabase(ctx context.Context, cfg *DatabaseConfig) (*Database, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating database config: %w", err)
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second * 5
	}

	httpc := &http.Client{Timeout: cfg.Timeout}
	client, err := rqlitehttp.NewClient(cfg.Endpoint, httpc)
	if err != nil {
		return nil, fmt.Errorf("creating database client: %w", err)
	}

	if cfg.User != "" {
		client.SetBasicAuth(cfg.User, cfg.Pass)
	}

	db := &Database{
		cfg:    cfg,
		client: client,
	}

	err = db.bootstrap(ctx)
	if err != nil {
		return nil, fmt.Errorf("bootstrapping database: %w", err)
	}

	return db, nil
}

// execute runs the provided statements in a transaction.
func (db *Database) execute(ctx context.Context, op string, stmts rqlitehttp.SQLStatements) error {
	resp, err := db.client.Execute(ctx, stmts, &rqlitehttp.ExecuteOptions{
		Transaction: true,
		Timings:     true,
	})
	if err != nil {
		return shared.NewError(shared.TransientNetwork, op, err)
	}

	has, idx, errStr := resp.HasError()
	if has {
		return shared.Errorf(shared.InvalidInput, op, "statement %d -> %s", idx, errStr)
	}

	return nil
}

// bootstrap initializes the database.
func (db *Database) bootstrap(ctx context.Context) error {
	return db.execute(ctx, "bootstrap database", rqlitehttp.SQLStatements{
		{SQL: createTradeTableSQL},
		{SQL: createSummaryTableSQL},
	})
}

// generateSummaryID generates deterministic ids for summaries using the
// trading day and symbol.
func generateSummaryID(day time.Time, symbol string) string {
	return fmt.Sprintf("%s-%s", day.Format(dayLayout), symbol)
}

// outcome returns the win and loss increments of the provided closed position.
// Breakeven positions count as neither.
func outcome(pos *position.Position) (int, int) {
	switch {
	case pos.RealizedPNL > 0:
		return 1, 0
	case pos.RealizedPNL < 0:
		return 0, 1
	default:
		return 0, 0
	}
}

// PersistClosedPosition stores the provided closed position to the database.
func (db *Database) PersistClosedPosition(ctx context.Context, pos *position.Position) error {
	if pos.Status != position.Closed {
		db.cfg.Logger.Error().Msgf("unexpected position state for persistence: %s", spew.Sdump(pos))
		return fmt.Errorf("%s: cannot persist %s position %s", pos.Symbol, pos.Status, pos.ID)
	}

	win, loss := outcome(pos)
	day := pos.ExitTime.In(shared.IndiaLocationOrFixed())

	return db.execute(ctx, "persist closed position", rqlitehttp.SQLStatements{
		{
			SQL: persistTradeSQL,
			PositionalParams: []any{pos.ID, pos.Symbol, pos.Direction.String(), pos.Quantity,
				pos.EntryPrice, pos.ExitPrice, pos.StopLoss, pos.Target, pos.RealizedPNL,
				pos.ExitReason.String(), pos.EntryOrderID, pos.ExitOrderID,
				pos.EntryTime.Unix(), pos.ExitTime.Unix()},
		},
		{
			SQL: upsertSummarySQL,
			PositionalParams: []any{generateSummaryID(day, pos.Symbol), day.Format(dayLayout),
				pos.Symbol, win, loss, pos.RealizedPNL, pos.ExitTime.Unix()},
		},
	})
}

// DailySummaries returns the per-symbol summaries of the provided day.
func (db *Database) DailySummaries(ctx context.Context, day time.Time) ([]Summary, error) {
	op := "fetch daily summaries"
	resp, err := db.client.Query(ctx, rqlitehttp.SQLStatements{
		{
			SQL:              findSummariesSQL,
			PositionalParams: []any{day.In(shared.IndiaLocationOrFixed()).Format(dayLayout)},
		},
	}, &rqlitehttp.QueryOptions{Associative: true})
	if err != nil {
		return nil, shared.NewError(shared.TransientNetwork, op, err)
	}

	has, idx, errStr := resp.HasError()
	if has {
		return nil, shared.Errorf(shared.InvalidInput, op, "statement %d -> %s", idx, errStr)
	}

	summaries := []Summary{}
	for _, res := range resp.GetQueryResultsAssoc() {
		for _, row := range res.Rows {
			summaries = append(summaries, Summary{
				Symbol:      asString(row["symbol"]),
				Trades:      int(asFloat(row["trades"])),
				Wins:        int(asFloat(row["wins"])),
				Losses:      int(asFloat(row["losses"])),
				RealizedPNL: asFloat(row["realizedpnl"]),
			})
		}
	}

	return summaries, nil
}

// asString returns the provided column value as a string.
func asString(v any) string {
	s, _ := v.(string)
	return s
}

// asFloat returns the provided numeric column value as a float.
func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}
