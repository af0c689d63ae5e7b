package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/visioncare/eyecare-scheduling/internal/auth"
	"github.com/visioncare/eyecare-scheduling/internal/config"
	"github.com/visioncare/eyecare-scheduling/internal/db"
)

const (
	registeredUsers = 500
	pastUsers       = 200
	sampleTokens    = 3
	tokenTTL        = 24 * time.Hour
)

var eyeTestNotes = []string{
	"",
	"routine check",
	"reports eye strain after screen use",
	"contact lens fitting",
	"recheck in six months",
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	gofakeit.Seed(0)

	ids, err := seedRegisteredUsers(ctx, pool, registeredUsers)
	if err != nil {
		log.Fatalf("seed users: %v", err)
	}
	if err := seedPastUsers(ctx, pool, pastUsers); err != nil {
		log.Fatalf("seed past users: %v", err)
	}

	log.Println("seed complete")
	printTokens(cfg.JWTSecret, ids)
}

func seedRegisteredUsers(ctx context.Context, pool *pgxpool.Pool, count int) ([]string, error) {
	log.Printf("seeding %d registered users", count)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		id := fmt.Sprintf("u-%s", gofakeit.LetterN(10))
		_, err := tx.Exec(ctx, `
			INSERT INTO users (id, name, email, phone)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO NOTHING
		`, id, gofakeit.Name(), gofakeit.Email(), gofakeit.Phone())
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	log.Println("registered users seeded")
	return ids, nil
}

// seedPastUsers adds practice-managed records, each with a short eye test
// history.
func seedPastUsers(ctx context.Context, pool *pgxpool.Pool, count int) error {
	log.Printf("seeding %d past users", count)

	const batchSize = 100
	now := time.Now()

	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()
			_, err := tx.Exec(ctx, `
				INSERT INTO past_users (id, name, email, phone, origin)
				VALUES ($1, $2, $3, $4, 'admin')
			`, id, gofakeit.Name(), gofakeit.Email(), gofakeit.Phone())
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}

			tests := gofakeit.Number(0, 3)
			for t := 0; t < tests; t++ {
				_, err := tx.Exec(ctx, `
					INSERT INTO eye_tests (
						id, past_user_id, tested_on,
						right_sphere, right_cylinder, right_axis,
						left_sphere, left_cylinder, left_axis, notes
					)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				`,
					uuid.New(), id, gofakeit.DateRange(now.AddDate(-5, 0, 0), now),
					diopter(-6, 4), diopter(-3, 0), gofakeit.Number(0, 180),
					diopter(-6, 4), diopter(-3, 0), gofakeit.Number(0, 180),
					gofakeit.RandomString(eyeTestNotes),
				)
				if err != nil {
					_ = tx.Rollback(ctx)
					return err
				}
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}
		log.Printf("past users seeded: %d/%d", end, count)
	}

	log.Println("past users seeded")
	return nil
}

// diopter returns a lens power rounded to the usual 0.25 step.
func diopter(lo, hi float64) float64 {
	return math.Round(gofakeit.Float64Range(lo, hi)*4) / 4
}

func printTokens(secret string, ids []string) {
	now := time.Now()
	admin, err := auth.IssueToken(secret, "admin-seed", auth.RoleAdmin, tokenTTL, now)
	if err != nil {
		log.Fatalf("issue admin token: %v", err)
	}
	fmt.Printf("admin token:\n  %s\n", admin)

	for _, id := range ids[:min(sampleTokens, len(ids))] {
		tok, err := auth.IssueToken(secret, id, auth.RoleUser, tokenTTL, now)
		if err != nil {
			log.Fatalf("issue user token: %v", err)
		}
		fmt.Printf("user %s token:\n  %s\n", id, tok)
	}
}
