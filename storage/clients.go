package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// AddClient inserts a new client row.
func (s *Store) AddClient(client Client) error {
	if client.Fingerprint == "" {
		return errors.New("fingerprint is required")
	}
	if strings.TrimSpace(client.Alias) == "" {
		return errors.New("alias is required")
	}
	if client.Status == "" {
		client.Status = ClientStatusPending
	}
	if err := validateClientStatus(client.Status); err != nil {
		return err
	}
	if client.AddedTimestamp == 0 {
		client.AddedTimestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO clients (
			fingerprint,
			alias,
			device_model,
			status,
			added_timestamp,
			last_seen_timestamp
		) VALUES (?, ?, ?, ?, ?, ?)`,
		client.Fingerprint,
		client.Alias,
		client.DeviceModel,
		client.Status,
		client.AddedTimestamp,
		nullInt64(client.LastSeenTimestamp),
	)
	if err != nil {
		return fmt.Errorf("insert client %q: %w", client.Fingerprint, err)
	}

	return nil
}

// GetClient fetches a client by fingerprint.
func (s *Store) GetClient(fingerprint string) (*Client, error) {
	row := s.db.QueryRow(
		`SELECT
			fingerprint,
			alias,
			device_model,
			status,
			added_timestamp,
			last_seen_timestamp
		FROM clients
		WHERE fingerprint = ?`,
		fingerprint,
	)

	client, err := scanClient(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get client %q: %w", fingerprint, err)
	}

	return client, nil
}

// ListClients returns all clients sorted by alias.
func (s *Store) ListClients() ([]Client, error) {
	rows, err := s.db.Query(
		`SELECT
			fingerprint,
			alias,
			device_model,
			status,
			added_timestamp,
			last_seen_timestamp
		FROM clients
		ORDER BY alias, fingerprint`,
	)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	clients := make([]Client, 0)
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan client row: %w", err)
		}
		clients = append(clients, *client)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate client rows: %w", err)
	}

	return clients, nil
}

// UpdateClientStatus updates status and optionally last seen timestamp (when > 0).
func (s *Store) UpdateClientStatus(fingerprint, status string, lastSeenTimestamp int64) error {
	if fingerprint == "" {
		return errors.New("fingerprint is required")
	}
	if err := validateClientStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE clients
		SET status = ?,
		    last_seen_timestamp = CASE
				WHEN ? > 0 THEN ?
				ELSE last_seen_timestamp
			END
		WHERE fingerprint = ?`,
		status,
		lastSeenTimestamp,
		lastSeenTimestamp,
		fingerprint,
	)
	if err != nil {
		return fmt.Errorf("update client status %q: %w", fingerprint, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for client status update %q: %w", fingerprint, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// TouchClient refreshes the alias, device model, and last seen timestamp for
// a known client on a repeat inbound attempt.
func (s *Store) TouchClient(fingerprint, alias, deviceModel string, lastSeenTimestamp int64) error {
	if fingerprint == "" {
		return errors.New("fingerprint is required")
	}
	if strings.TrimSpace(alias) == "" {
		return errors.New("alias is required")
	}

	res, err := s.db.Exec(
		`UPDATE clients
		SET alias = ?,
		    device_model = ?,
		    last_seen_timestamp = CASE
				WHEN ? > 0 THEN ?
				ELSE last_seen_timestamp
			END
		WHERE fingerprint = ?`,
		alias,
		deviceModel,
		lastSeenTimestamp,
		lastSeenTimestamp,
		fingerprint,
	)
	if err != nil {
		return fmt.Errorf("touch client %q: %w", fingerprint, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for touch client %q: %w", fingerprint, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// RemoveClient deletes a client by fingerprint. Removal is terminal: the
// fingerprint re-registers only through a fresh inbound attempt.
func (s *Store) RemoveClient(fingerprint string) error {
	if fingerprint == "" {
		return errors.New("fingerprint is required")
	}

	res, err := s.db.Exec(`DELETE FROM clients WHERE fingerprint = ?`, fingerprint)
	if err != nil {
		return fmt.Errorf("remove client %q: %w", fingerprint, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for remove client %q: %w", fingerprint, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func scanClient(row scanner) (*Client, error) {
	var (
		client   Client
		lastSeen sql.NullInt64
	)

	if err := row.Scan(
		&client.Fingerprint,
		&client.Alias,
		&client.DeviceModel,
		&client.Status,
		&client.AddedTimestamp,
		&lastSeen,
	); err != nil {
		return nil, err
	}

	client.LastSeenTimestamp = int64Ptr(lastSeen)
	return &client, nil
}
