package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// retriable reports whether err is a Postgres failure worth repeating:
// serialization failures and deadlocks. Everything else surfaces
// immediately.
func retriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// WithRetry runs op and repeats it on transient Postgres conflicts, up
// to retries additional attempts. The wait between attempts doubles
// from base, with up to one base interval of jitter so competing
// writers do not collide again in lockstep.
func WithRetry(ctx context.Context, retries int, base time.Duration, op func() error) error {
	delay := base
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil || !retriable(err) || attempt == retries {
			return err
		}
		jitter := time.Duration(rand.Int64N(int64(base)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
}
