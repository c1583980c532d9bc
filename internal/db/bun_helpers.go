// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"database/sql"

	"github.com/uptrace/bun"
)

// rawRunner is satisfied by both *bun.DB and *bun.Tx.
type rawRunner interface {
	NewRaw(query string, args ...interface{}) *bun.RawQuery
}

// ExecRaw executes a raw statement on a Bun DB or transaction.
func ExecRaw(ctx context.Context, exec rawRunner, query string, args ...interface{}) (sql.Result, error) {
	return exec.NewRaw(query, args...).Exec(ctx)
}

// WithTx runs fn inside a transaction that is committed when fn returns nil
// and rolled back otherwise.
func WithTx(ctx context.Context, bdb *bun.DB, fn func(ctx context.Context, tx bun.Tx) error) error {
	return bdb.RunInTx(ctx, nil, fn)
}
