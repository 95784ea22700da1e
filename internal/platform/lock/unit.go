package lock

import (
	"context"

	"github.com/ehr/visitflow/internal/platform/db"
)

// Do acquires keys and runs fn inside one unit of work. Keys are released
// after the unit commits or rolls back, so post-commit hooks still run
// under the lock and a visit's events leave in commit order. The lock is
// held for the transaction plus the sink deliveries, each of which the
// event bus cuts off after its sink timeout.
func Do(ctx context.Context, l Locker, tx db.Transactor, keys []string, fn func(ctx context.Context) error) error {
	lockedCtx, release, err := Acquire(ctx, l, keys...)
	if err != nil {
		return err
	}
	defer release()
	return tx.InTx(lockedCtx, fn)
}
