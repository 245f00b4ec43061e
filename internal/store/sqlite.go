// Package store persists edges, trades, positions and opportunities
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"perparb/internal/core"
)

// Config holds the persistence tuning knobs
type Config struct {
	Path          string
	EdgeBatchSize int
	EdgeFlushMS   int
}

// SQLiteStore implements core.IStore on SQLite with WAL. Edge and
// opportunity writes are buffered and drained by a single background
// worker so the trading path never waits on the database; trade and
// position writes are synchronous.
type SQLiteStore struct {
	db     *sql.DB
	logger core.ILogger

	pool *pond.WorkerPool

	mu      sync.Mutex
	edgeBuf []core.EdgeRecord

	batchSize  int
	flushEvery time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSQLiteStore opens the database, applies the schema and starts the
// background flusher
func NewSQLiteStore(cfg Config, logger core.ILogger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := applySchema(db); err != nil {
		return nil, err
	}

	batch := cfg.EdgeBatchSize
	if batch <= 0 {
		batch = 100
	}
	flush := time.Duration(cfg.EdgeFlushMS) * time.Millisecond
	if flush <= 0 {
		flush = time.Second
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "store"),
		// Single worker keeps write order; non-blocking submits protect
		// the trading path when the queue is full
		pool:       pond.New(1, 1024, pond.MinWorkers(1)),
		edgeBuf:    make([]core.EdgeRecord, 0, batch),
		batchSize:  batch,
		flushEvery: flush,
		stopCh:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.flushLoop()

	return s, nil
}

func applySchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS edges (
			ts INTEGER NOT NULL,
			base TEXT NOT NULL,
			spot_index TEXT NOT NULL,
			edge_ps_mm_bps TEXT NOT NULL,
			edge_sp_mm_bps TEXT NOT NULL,
			mid_ref TEXT NOT NULL,
			recv_ms INTEGER NOT NULL,
			send_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_ts ON edges(ts)`,
		`CREATE TABLE IF NOT EXISTS trades (
			ts INTEGER NOT NULL,
			base TEXT NOT NULL,
			direction TEXT NOT NULL,
			threshold_bps TEXT NOT NULL,
			mm_best_bps TEXT NOT NULL,
			notional_usd TEXT NOT NULL,
			role TEXT NOT NULL,
			request_id TEXT NOT NULL,
			request_json TEXT NOT NULL,
			response_json TEXT NOT NULL,
			status TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_ts ON trades(ts)`,
		`CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			direction TEXT NOT NULL,
			opened_at INTEGER NOT NULL,
			closed_at INTEGER,
			notional_usd TEXT NOT NULL,
			perp_size TEXT NOT NULL,
			spot_size TEXT NOT NULL,
			perp_entry_px TEXT NOT NULL,
			spot_entry_px TEXT NOT NULL,
			open_edge_bps TEXT NOT NULL,
			close_edge_bps TEXT,
			realized_pnl_usd TEXT,
			status TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS opportunities (
			detected_at INTEGER NOT NULL,
			direction TEXT NOT NULL,
			edge_bps TEXT NOT NULL,
			perp_bid TEXT NOT NULL,
			perp_ask TEXT NOT NULL,
			spot_bid TEXT NOT NULL,
			spot_ask TEXT NOT NULL,
			baseline_json TEXT NOT NULL,
			perp_bid_dev_bps TEXT NOT NULL,
			perp_ask_dev_bps TEXT NOT NULL,
			spot_bid_dev_bps TEXT NOT NULL,
			spot_ask_dev_bps TEXT NOT NULL,
			perp_movement_bps TEXT NOT NULL,
			spot_movement_bps TEXT NOT NULL,
			volatility_source TEXT NOT NULL,
			source_ratio TEXT NOT NULL,
			sims_json TEXT NOT NULL,
			analysis_us INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_opportunities_detected ON opportunities(detected_at)`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// RecordEdge buffers one edge row; the batch drains at the size limit or
// on the flush timer, whichever comes first
func (s *SQLiteStore) RecordEdge(rec core.EdgeRecord) {
	s.mu.Lock()
	s.edgeBuf = append(s.edgeBuf, rec)
	full := len(s.edgeBuf) >= s.batchSize
	s.mu.Unlock()

	if full {
		s.flushEdges()
	}
}

// RecordOpportunity queues one opportunity row for the background worker
func (s *SQLiteStore) RecordOpportunity(opp core.Opportunity) {
	ok := s.pool.TrySubmit(func() {
		if err := s.insertOpportunity(opp); err != nil {
			s.logger.Error("Failed to write opportunity", "error", err)
		}
	})
	if !ok {
		s.logger.Warn("Opportunity write queue full, dropping record")
	}
}

// RecordTrade writes one trade row synchronously
func (s *SQLiteStore) RecordTrade(ctx context.Context, rec core.TradeRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trades (ts, base, direction, threshold_bps, mm_best_bps, notional_usd,
			role, request_id, request_json, response_json, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TS.UnixMilli(), rec.Base, rec.Direction.String(),
		rec.ThresholdBps.String(), rec.BestBps.String(), rec.NotionalUSD.String(),
		string(rec.Role), rec.RequestID, rec.RequestJSON, rec.ResponseJSON, rec.Status)
	if err != nil {
		return fmt.Errorf("%w: trade insert: %v", core.ErrPersistence, err)
	}
	return nil
}

// SavePosition upserts a position's lifecycle state synchronously
func (s *SQLiteStore) SavePosition(ctx context.Context, pos *core.HedgedPosition) error {
	var closedAt interface{}
	if !pos.ClosedAt.IsZero() {
		closedAt = pos.ClosedAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO positions (id, direction, opened_at, closed_at, notional_usd,
			perp_size, spot_size, perp_entry_px, spot_entry_px, open_edge_bps,
			close_edge_bps, realized_pnl_usd, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			closed_at=excluded.closed_at,
			close_edge_bps=excluded.close_edge_bps,
			realized_pnl_usd=excluded.realized_pnl_usd,
			status=excluded.status`,
		pos.ID, pos.Direction.String(), pos.OpenedAt.UnixMilli(), closedAt,
		pos.NotionalUSD.String(), pos.PerpSize.String(), pos.SpotSize.String(),
		pos.PerpEntryPx.String(), pos.SpotEntryPx.String(), pos.OpenEdgeBps.String(),
		pos.CloseEdgeBps.String(), pos.RealizedPnLUSD.String(), pos.Status.String())
	if err != nil {
		return fmt.Errorf("%w: position upsert: %v", core.ErrPersistence, err)
	}
	return nil
}

// TradesSince returns the trade rows newer than the cutoff
func (s *SQLiteStore) TradesSince(ctx context.Context, since time.Time) ([]core.TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, base, direction, threshold_bps, mm_best_bps, notional_usd,
			role, request_id, request_json, response_json, status
		 FROM trades WHERE ts >= ? ORDER BY ts DESC`,
		since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("%w: trades query: %v", core.ErrPersistence, err)
	}
	defer rows.Close()

	var out []core.TradeRecord
	for rows.Next() {
		var rec core.TradeRecord
		var ts int64
		var direction, threshold, best, notional, role string
		if err := rows.Scan(&ts, &rec.Base, &direction, &threshold, &best, &notional,
			&role, &rec.RequestID, &rec.RequestJSON, &rec.ResponseJSON, &rec.Status); err != nil {
			return nil, fmt.Errorf("%w: trades scan: %v", core.ErrPersistence, err)
		}
		rec.TS = time.UnixMilli(ts)
		rec.Direction, _ = core.ParseDirection(direction)
		rec.ThresholdBps, _ = decimal.NewFromString(threshold)
		rec.BestBps, _ = decimal.NewFromString(best)
		rec.NotionalUSD, _ = decimal.NewFromString(notional)
		rec.Role = core.TradeRole(role)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RealizedPnLSince sums realized P&L over closed positions newer than the
// cutoff and returns the closed count
func (s *SQLiteStore) RealizedPnLSince(ctx context.Context, since time.Time) (decimal.Decimal, int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT realized_pnl_usd FROM positions
		 WHERE status = 'closed' AND closed_at >= ?`,
		since.UnixMilli())
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("%w: pnl query: %v", core.ErrPersistence, err)
	}
	defer rows.Close()

	total := decimal.Zero
	count := 0
	for rows.Next() {
		var pnl string
		if err := rows.Scan(&pnl); err != nil {
			return decimal.Zero, 0, fmt.Errorf("%w: pnl scan: %v", core.ErrPersistence, err)
		}
		val, err := decimal.NewFromString(pnl)
		if err != nil {
			continue
		}
		total = total.Add(val)
		count++
	}
	return total, count, rows.Err()
}

// Flush synchronously drains the edge buffer
func (s *SQLiteStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.edgeBuf
	s.edgeBuf = make([]core.EdgeRecord, 0, s.batchSize)
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := s.insertEdges(batch); err != nil {
		return fmt.Errorf("%w: edge flush: %v", core.ErrPersistence, err)
	}
	return nil
}

// Close flushes, drains the async queue and closes the database
func (s *SQLiteStore) Close() error {
	close(s.stopCh)
	s.wg.Wait()
	_ = s.Flush(context.Background())
	s.pool.StopAndWait()
	return s.db.Close()
}

func (s *SQLiteStore) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.flushEdges()
		}
	}
}

func (s *SQLiteStore) flushEdges() {
	s.mu.Lock()
	if len(s.edgeBuf) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.edgeBuf
	s.edgeBuf = make([]core.EdgeRecord, 0, s.batchSize)
	s.mu.Unlock()

	ok := s.pool.TrySubmit(func() {
		if err := s.insertEdges(batch); err != nil {
			s.logger.Error("Failed to write edge batch", "count", len(batch), "error", err)
		}
	})
	if !ok {
		s.logger.Warn("Edge write queue full, dropping batch", "count", len(batch))
	}
}

func (s *SQLiteStore) insertEdges(batch []core.EdgeRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.Prepare(
		`INSERT INTO edges (ts, base, spot_index, edge_ps_mm_bps, edge_sp_mm_bps, mid_ref, recv_ms, send_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range batch {
		if _, err := stmt.Exec(rec.TS.UnixMilli(), rec.Base, rec.SpotIndex,
			rec.EdgePSBps.String(), rec.EdgeSPBps.String(), rec.MidRef.String(),
			rec.RecvMS, rec.SendMS); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) insertOpportunity(opp core.Opportunity) error {
	baseline, _ := json.Marshal(opp.Baseline)
	sims, _ := json.Marshal(opp.Sims)

	_, err := s.db.Exec(
		`INSERT INTO opportunities (detected_at, direction, edge_bps,
			perp_bid, perp_ask, spot_bid, spot_ask, baseline_json,
			perp_bid_dev_bps, perp_ask_dev_bps, spot_bid_dev_bps, spot_ask_dev_bps,
			perp_movement_bps, spot_movement_bps, volatility_source, source_ratio,
			sims_json, analysis_us)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		opp.DetectedAt.UnixMilli(), opp.Direction.String(), opp.EdgeBps.String(),
		opp.Tick.PerpBid.String(), opp.Tick.PerpAsk.String(),
		opp.Tick.SpotBid.String(), opp.Tick.SpotAsk.String(), string(baseline),
		opp.PerpBidDevBps.String(), opp.PerpAskDevBps.String(),
		opp.SpotBidDevBps.String(), opp.SpotAskDevBps.String(),
		opp.PerpMovementBps.String(), opp.SpotMovementBps.String(),
		opp.Source.String(), opp.SourceRatio.String(), string(sims), opp.AnalysisUS)
	return err
}
