package storage

import (
	"context"
	"fmt"

	"github.com/alkimya/gathering-sub003/internal/model"
)

// CreateCircle inserts a new circle row.
func (db *DB) CreateCircle(ctx context.Context, c model.Circle) error {
	return db.write(ctx, "create circle", func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO circles (id, name, project_id, require_review, auto_route, is_active, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			c.ID, c.Name, c.ProjectID, c.RequireReview, c.AutoRoute, c.Active, c.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("storage: create circle %d: %w", c.ID, classify(err))
		}
		return nil
	})
}

// UpdateCircle rewrites the mutable columns of a circle.
func (db *DB) UpdateCircle(ctx context.Context, c model.Circle) error {
	return db.write(ctx, "update circle", func() error {
		tag, err := db.pool.Exec(ctx,
			`UPDATE circles
			 SET name = $2, project_id = $3, require_review = $4, auto_route = $5, is_active = $6
			 WHERE id = $1`,
			c.ID, c.Name, c.ProjectID, c.RequireReview, c.AutoRoute, c.Active,
		)
		if err != nil {
			return fmt.Errorf("storage: update circle %d: %w", c.ID, classify(err))
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("storage: update circle %d: %w", c.ID, ErrNotFound)
		}
		return nil
	})
}

func (db *DB) loadCircles(ctx context.Context) ([]model.Circle, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, name, project_id, require_review, auto_route, is_active, created_at
		 FROM circles ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("storage: query circles: %w", err)
	}
	defer rows.Close()

	var circles []model.Circle
	for rows.Next() {
		var c model.Circle
		if err := rows.Scan(&c.ID, &c.Name, &c.ProjectID, &c.RequireReview, &c.AutoRoute, &c.Active, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan circle: %w", err)
		}
		c.CreatedAt = c.CreatedAt.UTC()
		circles = append(circles, c)
	}
	return circles, rows.Err()
}
