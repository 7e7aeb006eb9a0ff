package repository

import (
	"context"

	"github.com/jackc/pgx/v4"
)

type Tx interface{}

var NoTX Tx

// TransactionManager executes fn within a storage transaction, passing the
// backend's handle as tx. Repositories must accept a nil tx (non-transactional path).
//
// The executor finalizes a job through it so that the job's terminal write and the
// session mutation commit together:
//
//	tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx Tx) error {
//		job, err := jobs.Complete(ctx, tx, ...)
//		...
//		_, err = sessions.AppendMessage(ctx, tx, msg)
//		return err
//	})
type TransactionManager interface {
	WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error
}
