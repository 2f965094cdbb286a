package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// AddTrustedServer records a pairing decision: the fingerprint is pinned and
// the given hosts become its known endpoints. Re-pairing an existing
// fingerprint replaces its host list.
func (s *Store) AddTrustedServer(fingerprint string, hosts []string) error {
	if fingerprint == "" {
		return errors.New("fingerprint is required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin trusted server transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(
		`INSERT INTO trusted_servers (fingerprint, added_timestamp)
		VALUES (?, ?)
		ON CONFLICT(fingerprint) DO NOTHING`,
		fingerprint,
		nowUnixMilli(),
	); err != nil {
		return fmt.Errorf("insert trusted server %q: %w", fingerprint, err)
	}

	if err := replaceHosts(tx, fingerprint, hosts); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit trusted server transaction: %w", err)
	}

	return nil
}

// ReplaceTrustedServerHosts replaces the host list for an existing trusted
// server. The fingerprint must already be trusted.
func (s *Store) ReplaceTrustedServerHosts(fingerprint string, hosts []string) error {
	if fingerprint == "" {
		return errors.New("fingerprint is required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin host edit transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var exists int
	if err := tx.QueryRow(
		`SELECT COUNT(1) FROM trusted_servers WHERE fingerprint = ?`,
		fingerprint,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check trusted server %q: %w", fingerprint, err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	if err := replaceHosts(tx, fingerprint, hosts); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit host edit transaction: %w", err)
	}

	return nil
}

// GetTrustedServer fetches a trusted server with its ordered hosts.
func (s *Store) GetTrustedServer(fingerprint string) (*TrustedServer, error) {
	var server TrustedServer
	err := s.db.QueryRow(
		`SELECT fingerprint, added_timestamp
		FROM trusted_servers
		WHERE fingerprint = ?`,
		fingerprint,
	).Scan(&server.Fingerprint, &server.AddedTimestamp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trusted server %q: %w", fingerprint, err)
	}

	hosts, err := s.trustedServerHosts(fingerprint)
	if err != nil {
		return nil, err
	}
	server.Hosts = hosts

	return &server, nil
}

// ListTrustedServers returns all trusted servers with their ordered hosts.
func (s *Store) ListTrustedServers() ([]TrustedServer, error) {
	rows, err := s.db.Query(
		`SELECT fingerprint, added_timestamp
		FROM trusted_servers
		ORDER BY fingerprint`,
	)
	if err != nil {
		return nil, fmt.Errorf("list trusted servers: %w", err)
	}
	defer rows.Close()

	servers := make([]TrustedServer, 0)
	for rows.Next() {
		var server TrustedServer
		if err := rows.Scan(&server.Fingerprint, &server.AddedTimestamp); err != nil {
			return nil, fmt.Errorf("scan trusted server row: %w", err)
		}
		servers = append(servers, server)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trusted server rows: %w", err)
	}

	for i := range servers {
		hosts, err := s.trustedServerHosts(servers[i].Fingerprint)
		if err != nil {
			return nil, err
		}
		servers[i].Hosts = hosts
	}

	return servers, nil
}

// RemoveTrustedServer deletes a trusted server and its hosts.
func (s *Store) RemoveTrustedServer(fingerprint string) error {
	if fingerprint == "" {
		return errors.New("fingerprint is required")
	}

	res, err := s.db.Exec(`DELETE FROM trusted_servers WHERE fingerprint = ?`, fingerprint)
	if err != nil {
		return fmt.Errorf("remove trusted server %q: %w", fingerprint, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for remove trusted server %q: %w", fingerprint, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *Store) trustedServerHosts(fingerprint string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT host
		FROM trusted_server_hosts
		WHERE fingerprint = ?
		ORDER BY position`,
		fingerprint,
	)
	if err != nil {
		return nil, fmt.Errorf("list hosts for %q: %w", fingerprint, err)
	}
	defer rows.Close()

	hosts := make([]string, 0)
	for rows.Next() {
		var host string
		if err := rows.Scan(&host); err != nil {
			return nil, fmt.Errorf("scan host row: %w", err)
		}
		hosts = append(hosts, host)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate host rows: %w", err)
	}

	return hosts, nil
}

func replaceHosts(tx *sql.Tx, fingerprint string, hosts []string) error {
	if _, err := tx.Exec(
		`DELETE FROM trusted_server_hosts WHERE fingerprint = ?`,
		fingerprint,
	); err != nil {
		return fmt.Errorf("clear hosts for %q: %w", fingerprint, err)
	}

	position := 0
	seen := make(map[string]struct{}, len(hosts))
	for _, host := range hosts {
		host = strings.TrimSpace(host)
		if host == "" {
			continue
		}
		if _, exists := seen[host]; exists {
			continue
		}
		seen[host] = struct{}{}

		if _, err := tx.Exec(
			`INSERT INTO trusted_server_hosts (fingerprint, position, host)
			VALUES (?, ?, ?)`,
			fingerprint,
			position,
			host,
		); err != nil {
			return fmt.Errorf("insert host %q for %q: %w", host, fingerprint, err)
		}
		position++
	}

	return nil
}
