// Package history stores readings and outlet commands in PostgreSQL (or TimescaleDB).
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/nimdanitro/humidity-manager-go/pkg/regulator"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS humidity_readings (
	time        TIMESTAMPTZ      NOT NULL,
	sensor_id   TEXT             NOT NULL,
	sensor_name TEXT,
	humidity    DOUBLE PRECISION NOT NULL,
	temperature DOUBLE PRECISION
);
CREATE TABLE IF NOT EXISTS outlet_commands (
	time   TIMESTAMPTZ NOT NULL,
	outlet TEXT        NOT NULL,
	state  TEXT        NOT NULL,
	reason TEXT
);`

type conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close(ctx context.Context) error
}

type Store struct {
	db  conn
	log *zap.Logger
}

type Options struct {
	// MaxElapsed bounds the connection retries. Zero means 2 minutes.
	MaxElapsed time.Duration
	Logger     *zap.Logger
}

// Open connects to dsn, retrying with exponential backoff, and creates the tables if missing.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("history: empty dsn")
	}
	log := opts.Logger
	if log == nil {
		log = zap.L()
	}
	maxElapsed := opts.MaxElapsed
	if maxElapsed == 0 {
		maxElapsed = 2 * time.Minute
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed

	var c *pgx.Conn
	connect := func() error {
		var err error
		c, err = pgx.Connect(ctx, dsn)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "28P01" {
				// invalid password
				return backoff.Permanent(err)
			}
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("history database not reachable, retrying", zap.Duration("wait", wait), zap.Error(err))
	}

	err := backoff.RetryNotify(connect, backoff.WithContext(b, ctx), notify)
	if err != nil {
		return nil, fmt.Errorf("history: connect: %w", err)
	}

	s := &Store{db: c, log: log}
	if err := s.init(ctx); err != nil {
		_ = c.Close(ctx)
		return nil, err
	}
	log.Info("history database ready")
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("history: create tables: %w", err)
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.db.Close(ctx)
}

// Observe implements regulator.Observer.
func (s *Store) Observe(ctx context.Context, ev regulator.Event) error {
	var errs []error
	if r := ev.Reading; r != nil {
		observed := r.Observed
		if observed.IsZero() {
			observed = ev.Time
		}
		_, err := s.db.Exec(ctx,
			`INSERT INTO humidity_readings (time, sensor_id, sensor_name, humidity, temperature) VALUES ($1, $2, $3, $4, $5)`,
			observed, r.SensorID, r.Name, r.Humidity, r.Temperature)
		if err != nil {
			errs = append(errs, fmt.Errorf("history: insert reading: %w", err))
		}
	}

	for _, c := range ev.Commands {
		_, err := s.db.Exec(ctx,
			`INSERT INTO outlet_commands (time, outlet, state, reason) VALUES ($1, $2, $3, $4)`,
			c.Issued, c.Outlet, c.State.String(), c.Reason)
		if err != nil {
			errs = append(errs, fmt.Errorf("history: insert command: %w", err))
		}
	}
	return errors.Join(errs...)
}
