package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

// Repository defines the interface for persistence of validation state.
type Repository interface {
	// Validator operations
	SaveValidator(ctx context.Context, validator *Validator) error
	GetValidator(ctx context.Context, address string) (*Validator, error)
	ListValidators(ctx context.Context) ([]*Validator, error)

	// Session operations
	SaveSession(ctx context.Context, session *ValidationSession) error
	GetSession(ctx context.Context, txID string) (*ValidationSession, error)
	PruneSessions(ctx context.Context, before time.Time) (int64, error)

	// Dispute operations
	SaveDispute(ctx context.Context, dispute *DisputeCase) error
	GetDispute(ctx context.Context, txID string) (*DisputeCase, error)
	ListOpenDisputes(ctx context.Context) ([]*DisputeCase, error)

	// Fraud operations. SaveFraudRecord returns ErrDuplicate when a record
	// for the same transaction already exists.
	SaveFraudRecord(ctx context.Context, record *FraudRecord) error
	GetFraudRecord(ctx context.Context, txID string) (*FraudRecord, error)
	ListFraudRecordsByAddress(ctx context.Context, address string) ([]*FraudRecord, error)

	// Accountability operations
	SaveAccountabilityEvent(ctx context.Context, event *AccountabilityEvent) error
	GetAccountability(ctx context.Context, address string) (*ValidatorAccountability, error)
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresRepository creates a repository backed by a pgx pool and
// applies the schema.
func NewPostgresRepository(ctx context.Context, connStr string, logger *zap.Logger) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &PostgresRepository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close releases all database resources.
func (r *PostgresRepository) Close() {
	r.pool.Close()
}

// SaveValidator upserts a validator record.
func (r *PostgresRepository) SaveValidator(ctx context.Context, validator *Validator) error {
	query := `
		INSERT INTO validators (address, public_key, reputation, stake, last_active_height, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (address) DO UPDATE SET
			public_key = EXCLUDED.public_key,
			reputation = EXCLUDED.reputation,
			stake = EXCLUDED.stake,
			last_active_height = EXCLUDED.last_active_height,
			updated_at = EXCLUDED.updated_at`

	_, err := r.pool.Exec(ctx, query,
		validator.Address, validator.PublicKey, validator.Reputation,
		validator.Stake, validator.LastActiveHeight, validator.CreatedAt, validator.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting validator: %w", err)
	}
	return nil
}

// GetValidator retrieves a validator by address.
func (r *PostgresRepository) GetValidator(ctx context.Context, address string) (*Validator, error) {
	query := `
		SELECT address, public_key, reputation, stake, last_active_height, created_at, updated_at
		FROM validators WHERE address = $1`

	v := &Validator{}
	err := r.pool.QueryRow(ctx, query, address).Scan(
		&v.Address, &v.PublicKey, &v.Reputation, &v.Stake,
		&v.LastActiveHeight, &v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying validator: %w", err)
	}
	return v, nil
}

// ListValidators returns all registered validators ordered by address. The
// fixed ordering matters: committee selection shuffles a canonically sorted
// pool.
func (r *PostgresRepository) ListValidators(ctx context.Context) ([]*Validator, error) {
	query := `
		SELECT address, public_key, reputation, stake, last_active_height, created_at, updated_at
		FROM validators ORDER BY address`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying validators: %w", err)
	}
	defer rows.Close()

	var validators []*Validator
	for rows.Next() {
		v := &Validator{}
		if err := rows.Scan(&v.Address, &v.PublicKey, &v.Reputation, &v.Stake,
			&v.LastActiveHeight, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning validator row: %w", err)
		}
		validators = append(validators, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating validator rows: %w", err)
	}
	return validators, nil
}

// SaveSession upserts a validation session (sessions mutate until terminal).
func (r *PostgresRepository) SaveSession(ctx context.Context, session *ValidationSession) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	query := `
		INSERT INTO validation_sessions (tx_id, block_height, state, payload, started_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tx_id) DO UPDATE SET
			state = EXCLUDED.state,
			payload = EXCLUDED.payload,
			resolved_at = EXCLUDED.resolved_at`

	_, err = r.pool.Exec(ctx, query,
		session.TxID, session.BlockHeight, string(session.State), payload,
		session.StartedAt, session.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by transaction id.
func (r *PostgresRepository) GetSession(ctx context.Context, txID string) (*ValidationSession, error) {
	var payload []byte
	err := r.pool.QueryRow(ctx,
		`SELECT payload FROM validation_sessions WHERE tx_id = $1`, txID).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying session: %w", err)
	}

	session := &ValidationSession{}
	if err := json.Unmarshal(payload, session); err != nil {
		return nil, fmt.Errorf("unmarshaling session: %w", err)
	}
	return session, nil
}

// PruneSessions deletes terminal sessions resolved before the cutoff and
// returns the number removed.
func (r *PostgresRepository) PruneSessions(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM validation_sessions WHERE state <> $1 AND resolved_at IS NOT NULL AND resolved_at < $2`,
		string(SessionPending), before)
	if err != nil {
		return 0, fmt.Errorf("pruning sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SaveDispute upserts a dispute case keyed by transaction id.
func (r *PostgresRepository) SaveDispute(ctx context.Context, dispute *DisputeCase) error {
	payload, err := json.Marshal(dispute)
	if err != nil {
		return fmt.Errorf("marshaling dispute: %w", err)
	}

	query := `
		INSERT INTO dispute_cases (tx_id, dispute_id, resolution, payload, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tx_id) DO UPDATE SET
			resolution = EXCLUDED.resolution,
			payload = EXCLUDED.payload,
			resolved_at = EXCLUDED.resolved_at`

	_, err = r.pool.Exec(ctx, query,
		dispute.TxID, dispute.ID, string(dispute.Resolution), payload,
		dispute.CreatedAt, dispute.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting dispute: %w", err)
	}
	return nil
}

// GetDispute retrieves a dispute case by transaction id.
func (r *PostgresRepository) GetDispute(ctx context.Context, txID string) (*DisputeCase, error) {
	var payload []byte
	err := r.pool.QueryRow(ctx,
		`SELECT payload FROM dispute_cases WHERE tx_id = $1`, txID).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying dispute: %w", err)
	}

	dispute := &DisputeCase{}
	if err := json.Unmarshal(payload, dispute); err != nil {
		return nil, fmt.Errorf("unmarshaling dispute: %w", err)
	}
	return dispute, nil
}

// ListOpenDisputes returns all disputes still pending resolution.
func (r *PostgresRepository) ListOpenDisputes(ctx context.Context) ([]*DisputeCase, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT payload FROM dispute_cases WHERE resolution = $1 ORDER BY created_at`,
		string(DisputePending))
	if err != nil {
		return nil, fmt.Errorf("querying open disputes: %w", err)
	}
	defer rows.Close()

	var disputes []*DisputeCase
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning dispute row: %w", err)
		}
		dispute := &DisputeCase{}
		if err := json.Unmarshal(payload, dispute); err != nil {
			return nil, fmt.Errorf("unmarshaling dispute: %w", err)
		}
		disputes = append(disputes, dispute)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating dispute rows: %w", err)
	}
	return disputes, nil
}

// SaveFraudRecord inserts a fraud record. The insert is append-only: a
// second record for the same transaction returns ErrDuplicate.
func (r *PostgresRepository) SaveFraudRecord(ctx context.Context, record *FraudRecord) error {
	query := `
		INSERT INTO fraud_records (
			tx_id, fraudster_address, claimed_final, actual_final, deviation,
			tier, reputation_penalty, stake_slash_fraction, block_height, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.pool.Exec(ctx, query,
		record.TxID, record.FraudsterAddress, record.ClaimedFinal, record.ActualFinal,
		record.Deviation, int(record.Tier), record.ReputationPenalty,
		record.StakeSlashFraction, record.BlockHeight, record.RecordedAt,
	)
	if err != nil {
		if isPgDuplicateError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting fraud record: %w", err)
	}
	return nil
}

// GetFraudRecord retrieves the fraud record for a transaction.
func (r *PostgresRepository) GetFraudRecord(ctx context.Context, txID string) (*FraudRecord, error) {
	query := `
		SELECT tx_id, fraudster_address, claimed_final, actual_final, deviation,
			   tier, reputation_penalty, stake_slash_fraction, block_height, recorded_at
		FROM fraud_records WHERE tx_id = $1`

	record := &FraudRecord{}
	var tier int
	err := r.pool.QueryRow(ctx, query, txID).Scan(
		&record.TxID, &record.FraudsterAddress, &record.ClaimedFinal, &record.ActualFinal,
		&record.Deviation, &tier, &record.ReputationPenalty,
		&record.StakeSlashFraction, &record.BlockHeight, &record.RecordedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying fraud record: %w", err)
	}
	record.Tier = FraudTier(tier)
	return record, nil
}

// ListFraudRecordsByAddress returns all fraud records for an address, most
// recent first.
func (r *PostgresRepository) ListFraudRecordsByAddress(ctx context.Context, address string) ([]*FraudRecord, error) {
	query := `
		SELECT tx_id, fraudster_address, claimed_final, actual_final, deviation,
			   tier, reputation_penalty, stake_slash_fraction, block_height, recorded_at
		FROM fraud_records WHERE fraudster_address = $1 ORDER BY recorded_at DESC`

	rows, err := r.pool.Query(ctx, query, address)
	if err != nil {
		return nil, fmt.Errorf("querying fraud records: %w", err)
	}
	defer rows.Close()

	var records []*FraudRecord
	for rows.Next() {
		record := &FraudRecord{}
		var tier int
		if err := rows.Scan(&record.TxID, &record.FraudsterAddress, &record.ClaimedFinal,
			&record.ActualFinal, &record.Deviation, &tier, &record.ReputationPenalty,
			&record.StakeSlashFraction, &record.BlockHeight, &record.RecordedAt); err != nil {
			return nil, fmt.Errorf("scanning fraud record row: %w", err)
		}
		record.Tier = FraudTier(tier)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating fraud record rows: %w", err)
	}
	return records, nil
}

// SaveAccountabilityEvent appends one voting-history event.
func (r *PostgresRepository) SaveAccountabilityEvent(ctx context.Context, event *AccountabilityEvent) error {
	query := `
		INSERT INTO accountability_events (id, validator_address, tx_id, decision, agreed_with_outcome, ts)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.pool.Exec(ctx, query,
		event.ID, event.ValidatorAddress, event.TxID, string(event.Decision),
		event.AgreedWithOutcome, event.Timestamp,
	)
	if err != nil {
		if isPgDuplicateError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting accountability event: %w", err)
	}
	return nil
}

// GetAccountability derives the running statistic from the event log.
func (r *PostgresRepository) GetAccountability(ctx context.Context, address string) (*ValidatorAccountability, error) {
	query := `
		SELECT count(*),
			   count(*) FILTER (WHERE agreed_with_outcome AND decision <> 'ABSTAIN'),
			   count(*) FILTER (WHERE decision = 'ABSTAIN'),
			   coalesce(max(ts), now())
		FROM accountability_events WHERE validator_address = $1`

	acc := &ValidatorAccountability{ValidatorAddress: address}
	err := r.pool.QueryRow(ctx, query, address).Scan(
		&acc.VotesCast, &acc.VotesAgreed, &acc.Abstentions, &acc.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("querying accountability: %w", err)
	}
	acc.UpdateAccuracy()
	return acc, nil
}

// isPgDuplicateError reports whether the error is a unique violation.
func isPgDuplicateError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
