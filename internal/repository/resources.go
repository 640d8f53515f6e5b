package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/fieldops/sync-worker/internal/apply"
)

// The resource store builds SQL from the static schema registry, never from
// snapshot input: table and column identifiers come from apply.Schemas, and
// snapshot keys outside the schema's column list are dropped.

// Insert creates the resource row unless its id already exists.
func (r *Repository) Insert(ctx context.Context, schema apply.Schema, id uuid.UUID, data map[string]any) (bool, error) {
	columns := []string{"id"}
	args := []any{id}
	for _, col := range schema.Columns {
		if value, ok := data[col]; ok {
			columns = append(columns, col)
			args = append(args, value)
		}
	}

	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO NOTHING`,
		schema.Table,
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
	)

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to insert into %s: %w", schema.Table, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Update overwrites the snapshot columns of an existing row. Reports false
// when no row with the id exists.
func (r *Repository) Update(ctx context.Context, schema apply.Schema, id uuid.UUID, data map[string]any) (bool, error) {
	assignments := []string{"updated_at = now()"}
	args := []any{id}
	for _, col := range schema.Columns {
		if value, ok := data[col]; ok {
			args = append(args, value)
			assignments = append(assignments, fmt.Sprintf("%s = $%d", col, len(args)))
		}
	}

	query := fmt.Sprintf(
		`UPDATE %s SET %s WHERE id = $1`,
		schema.Table,
		strings.Join(assignments, ", "),
	)

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update %s: %w", schema.Table, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Delete removes the row if present. Reports false when it was already gone.
func (r *Repository) Delete(ctx context.Context, schema apply.Schema, id uuid.UUID) (bool, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, schema.Table)

	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete from %s: %w", schema.Table, err)
	}
	return tag.RowsAffected() == 1, nil
}
