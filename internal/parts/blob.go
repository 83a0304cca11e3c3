package parts

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".

	"github.com/halwerk/cadsync/internal/store"
)

// ErrBadBlob marks a blob that opened but does not carry the expected
// schema. It is not retriable: the same file parses the same way every time.
var ErrBadBlob = errors.New("parts: blob missing expected schema")

// readBlob opens a parts blob as a read-only SQLite database and extracts
// the enrichment columns. The blob schema is fixed: an `elevation` table
// with one row of frame properties and a `parts` table with one row per
// article.
func readBlob(ctx context.Context, path string) (store.Enrichment, error) {
	var enr store.Enrichment

	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return enr, fmt.Errorf("parts: opening blob: %w", err)
	}
	defer db.Close()

	// One connection keeps the three reads on the same snapshot.
	db.SetMaxOpenConns(1)

	err = db.QueryRowContext(ctx,
		`SELECT system, color, width_mm, height_mm FROM elevation LIMIT 1`).
		Scan(&enr.System, &enr.Color, &enr.WidthMM, &enr.HeightMM)
	if errors.Is(err, sql.ErrNoRows) {
		return enr, fmt.Errorf("%w: elevation table empty", ErrBadBlob)
	}

	if err != nil {
		return enr, fmt.Errorf("%w: %v", ErrBadBlob, err)
	}

	var count int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM parts`).Scan(&count); err != nil {
		return enr, fmt.Errorf("%w: %v", ErrBadBlob, err)
	}

	enr.PartsCount = &count

	// Glass specs are articles too; the summary column joins the distinct
	// descriptions.
	var glass sql.NullString

	err = db.QueryRowContext(ctx,
		`SELECT GROUP_CONCAT(DISTINCT description) FROM parts WHERE category = 'glass'`).
		Scan(&glass)
	if err != nil {
		return enr, fmt.Errorf("%w: %v", ErrBadBlob, err)
	}

	if glass.Valid && glass.String != "" {
		enr.Glass = &glass.String
	}

	return enr, nil
}

// hashFile returns the hex SHA-256 of the file's contents.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("parts: opening blob: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("parts: hashing blob: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
