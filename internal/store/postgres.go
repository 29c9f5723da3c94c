package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements ActivityStore and Directory on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Append(ctx context.Context, userID int64, kind ActivityKind, ts time.Time) (Activity, error) {
	var id int64
	err := p.pool.QueryRow(ctx,
		`INSERT INTO user_suspicious_activities (user_id, activity, timestamp) VALUES ($1, $2, $3) RETURNING id`,
		userID, string(kind), ts,
	).Scan(&id)
	if err != nil {
		return Activity{}, fmt.Errorf("insert activity: %w", err)
	}
	return Activity{ID: id, UserID: userID, Kind: kind, Timestamp: ts}, nil
}

func (p *Postgres) List(ctx context.Context, userID int64) ([]Activity, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, user_id, activity, timestamp FROM user_suspicious_activities WHERE user_id = $1 ORDER BY timestamp DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var a Activity
		var kind string
		if err := rows.Scan(&a.ID, &a.UserID, &kind, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		a.Kind = ActivityKind(kind)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	return out, nil
}

func (p *Postgres) Students(ctx context.Context) ([]Student, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, first_name, last_name FROM users WHERE role = 'Student'`,
	)
	if err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	defer rows.Close()

	var out []Student
	for rows.Next() {
		var s Student
		if err := rows.Scan(&s.ID, &s.FirstName, &s.LastName); err != nil {
			return nil, fmt.Errorf("scan student: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	return out, nil
}

func (p *Postgres) StudentByID(ctx context.Context, id int64) (Student, error) {
	var s Student
	err := p.pool.QueryRow(ctx,
		`SELECT id, first_name, last_name, email FROM users WHERE id = $1`,
		id,
	).Scan(&s.ID, &s.FirstName, &s.LastName, &s.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return Student{}, ErrNotFound
	}
	if err != nil {
		return Student{}, fmt.Errorf("find student %d: %w", id, err)
	}
	return s, nil
}
