package persistence

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore handles PostgreSQL persistence for gateway shared-key
// records and the bandwidth-credential ledger that backs replay protection
// for submitted credentials.
type PostgresStore struct {
	db *sql.DB
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(config Config) (*PostgresStore, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host,
		config.Port,
		config.User,
		config.Password,
		config.DBName,
		config.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := &PostgresStore{db: db}

	// Initialize schema
	if err := store.InitSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Println("PostgreSQL connection established")
	return store, nil
}

// InitSchema creates necessary tables if they don't exist
func (ps *PostgresStore) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS gateway_keys (
		address VARCHAR(64) PRIMARY KEY,
		encryption_key BYTEA NOT NULL,
		mac_key BYTEA NOT NULL,
		established_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_gateway_keys_established_at ON gateway_keys(established_at);

	CREATE TABLE IF NOT EXISTS bandwidth_credentials (
		serial_number VARCHAR(64) PRIMARY KEY,
		gateway_address VARCHAR(64) NOT NULL,
		bandwidth_bytes BIGINT NOT NULL,
		submitted_at TIMESTAMP NOT NULL,
		accepted BOOLEAN DEFAULT false
	);

	CREATE INDEX IF NOT EXISTS idx_bandwidth_credentials_gateway ON bandwidth_credentials(gateway_address);
	CREATE INDEX IF NOT EXISTS idx_bandwidth_credentials_submitted_at ON bandwidth_credentials(submitted_at);
	`

	_, err := ps.db.Exec(schema)
	return err
}

// SaveGatewayKeys saves or updates a gateway's shared-key record.
func (ps *PostgresStore) SaveGatewayKeys(rec GatewayKeyRecord) error {
	query := `
		INSERT INTO gateway_keys (address, encryption_key, mac_key, established_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (address)
		DO UPDATE SET
			encryption_key = EXCLUDED.encryption_key,
			mac_key = EXCLUDED.mac_key,
			established_at = EXCLUDED.established_at,
			updated_at = NOW()
	`

	_, err := ps.db.Exec(query, rec.Address, rec.EncryptionKey, rec.MacKey, rec.EstablishedAt)
	return err
}

// GetGatewayKeys retrieves a gateway's shared-key record by address.
func (ps *PostgresStore) GetGatewayKeys(address string) (GatewayKeyRecord, bool, error) {
	query := `
		SELECT address, encryption_key, mac_key, established_at
		FROM gateway_keys
		WHERE address = $1
	`

	var rec GatewayKeyRecord
	err := ps.db.QueryRow(query, address).Scan(
		&rec.Address,
		&rec.EncryptionKey,
		&rec.MacKey,
		&rec.EstablishedAt,
	)

	if err == sql.ErrNoRows {
		return GatewayKeyRecord{}, false, nil
	}
	if err != nil {
		return GatewayKeyRecord{}, false, err
	}

	return rec, true, nil
}

// DeleteGatewayKeys removes a gateway's shared-key record.
func (ps *PostgresStore) DeleteGatewayKeys(address string) error {
	query := `DELETE FROM gateway_keys WHERE address = $1`
	_, err := ps.db.Exec(query, address)
	return err
}

// DeleteStaleGatewayKeys removes records not refreshed within duration.
func (ps *PostgresStore) DeleteStaleGatewayKeys(duration time.Duration) (int, error) {
	query := `DELETE FROM gateway_keys WHERE established_at < $1`
	threshold := time.Now().Add(-duration)

	result, err := ps.db.Exec(query, threshold)
	if err != nil {
		return 0, err
	}

	rowsAffected, err := result.RowsAffected()
	return int(rowsAffected), err
}

// RecordCredentialSubmission inserts a ledger row for a submitted bandwidth
// credential. Returns false without error if the serial number was already
// recorded, giving the caller a way to detect and reject replayed credentials.
func (ps *PostgresStore) RecordCredentialSubmission(serialNumber, gatewayAddress string, bandwidthBytes int64, accepted bool) (bool, error) {
	query := `
		INSERT INTO bandwidth_credentials (serial_number, gateway_address, bandwidth_bytes, submitted_at, accepted)
		VALUES ($1, $2, $3, NOW(), $4)
		ON CONFLICT (serial_number) DO NOTHING
	`

	result, err := ps.db.Exec(query, serialNumber, gatewayAddress, bandwidthBytes, accepted)
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected > 0, nil
}

// WasCredentialSubmitted reports whether serialNumber already appears in the
// ledger.
func (ps *PostgresStore) WasCredentialSubmitted(serialNumber string) (bool, error) {
	var exists bool
	err := ps.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM bandwidth_credentials WHERE serial_number = $1)`, serialNumber).Scan(&exists)
	return exists, err
}

// TotalBandwidthForGateway sums accepted bandwidth credited to a gateway.
func (ps *PostgresStore) TotalBandwidthForGateway(gatewayAddress string) (int64, error) {
	var total sql.NullInt64
	err := ps.db.QueryRow(
		`SELECT SUM(bandwidth_bytes) FROM bandwidth_credentials WHERE gateway_address = $1 AND accepted = true`,
		gatewayAddress,
	).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

// GetStats returns database statistics
func (ps *PostgresStore) GetStats() (map[string]interface{}, error) {
	var totalGateways, totalCredentials, acceptedCredentials int

	ps.db.QueryRow("SELECT COUNT(*) FROM gateway_keys").Scan(&totalGateways)
	ps.db.QueryRow("SELECT COUNT(*) FROM bandwidth_credentials").Scan(&totalCredentials)
	ps.db.QueryRow("SELECT COUNT(*) FROM bandwidth_credentials WHERE accepted = true").Scan(&acceptedCredentials)

	return map[string]interface{}{
		"gateway_keys":         totalGateways,
		"credentials_recorded": totalCredentials,
		"credentials_accepted": acceptedCredentials,
	}, nil
}

// Close closes the database connection
func (ps *PostgresStore) Close() error {
	log.Println("Closing PostgreSQL connection")
	return ps.db.Close()
}
