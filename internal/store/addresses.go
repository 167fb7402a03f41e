package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/safar/go-sql-shop/internal/database"
	"github.com/safar/go-sql-shop/internal/models"
)

const addressColumns = `id, user_id, full_name, street, city, state, postal_code, country, is_default, created_at`

func scanAddress(row rowScanner) (*models.Address, error) {
	a := &models.Address{}
	err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.FullName,
		&a.Street,
		&a.City,
		&a.State,
		&a.PostalCode,
		&a.Country,
		&a.IsDefault,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func CreateAddress(ctx context.Context, q database.Querier, a models.Address) (*models.Address, error) {
	query := `
		INSERT INTO addresses (user_id, full_name, street, city, state, postal_code, country, is_default, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		RETURNING ` + addressColumns

	created, err := scanAddress(q.QueryRowContext(ctx, query,
		a.UserID, a.FullName, a.Street, a.City, a.State, a.PostalCode, a.Country, a.IsDefault))
	if err != nil {
		if database.IsForeignKeyViolation(err) {
			return nil, database.ErrUserNotFound
		}
		return nil, fmt.Errorf("create address: %w", err)
	}

	return created, nil
}

// GetAddressForUser only resolves addresses owned by userID; anything else is
// reported as not found.
func GetAddressForUser(ctx context.Context, q database.Querier, userID, id int64) (*models.Address, error) {
	query := `SELECT ` + addressColumns + ` FROM addresses WHERE id = $1 AND user_id = $2`

	a, err := scanAddress(q.QueryRowContext(ctx, query, id, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrAddressNotFound
		}
		return nil, fmt.Errorf("get address: %w", err)
	}

	return a, nil
}

func ListAddresses(ctx context.Context, q database.Querier, userID int64) ([]models.Address, error) {
	query := `
		SELECT ` + addressColumns + `
		FROM addresses
		WHERE user_id = $1
		ORDER BY is_default DESC, id`

	rows, err := q.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list addresses: %w", err)
	}
	defer rows.Close()

	addresses := []models.Address{}
	for rows.Next() {
		a, err := scanAddress(rows)
		if err != nil {
			return nil, fmt.Errorf("scan address: %w", err)
		}
		addresses = append(addresses, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return addresses, nil
}

func DeleteAddress(ctx context.Context, q database.Querier, userID, id int64) error {
	result, err := q.ExecContext(ctx, `DELETE FROM addresses WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		if database.IsForeignKeyViolation(err) {
			return database.ErrAddressInUse
		}
		return fmt.Errorf("delete address: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return database.ErrAddressNotFound
	}
	return nil
}
