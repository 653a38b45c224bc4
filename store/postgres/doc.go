// Package postgres implements the store using pgx/v5 with raw SQL.
// Features: SKIP LOCKED claims, set-based lease recovery with in-SQL
// backoff, a partial unique index for dedup keys, embedded SQL
// migrations.
package postgres
