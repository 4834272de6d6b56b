package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/domain"
)

// ExecutionRepository журнал запросов и результатов исполнения
type ExecutionRepository struct {
	db *sql.DB
}

// NewExecutionRepository создает новый репозиторий исполнений
func NewExecutionRepository(db *sql.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// SaveRequest сохраняет запрос
func (r *ExecutionRepository) SaveRequest(ctx context.Context, req *domain.ExecutionRequest) error {
	query := `
		INSERT INTO execution_requests (
			id, requester, strategy_id, params, max_slippage_bps,
			deadline, priority, requires_approval, sequence, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query,
		req.ID,
		req.Requester,
		req.StrategyID,
		string(req.Params), // jsonb
		req.MaxSlippageBps,
		req.Deadline,
		req.Priority,
		req.RequiresApproval,
		req.Sequence,
		req.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save execution request %s: %w", req.ID, err)
	}
	return nil
}

// SaveResult сохраняет результат. Результат пишется один раз: повтор игнорируется.
func (r *ExecutionRepository) SaveResult(ctx context.Context, res *domain.ExecutionResult) error {
	query := `
		INSERT INTO execution_results (
			request_id, success, return_data, gas_used,
			actual_slippage_bps, completed_at, error_message
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (request_id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query,
		res.RequestID,
		res.Success,
		res.ReturnData,
		res.GasUsed,
		res.ActualSlippageBps,
		res.CompletedAt,
		res.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to save execution result %s: %w", res.RequestID, err)
	}
	return nil
}

// GetByRequester последние N запросов пользователя
func (r *ExecutionRepository) GetByRequester(ctx context.Context, requester string, limit int) ([]domain.ExecutionRequest, error) {
	query := `
		SELECT id, requester, strategy_id, params, max_slippage_bps,
		       deadline, priority, requires_approval, sequence, created_at
		FROM execution_requests
		WHERE requester = $1
		ORDER BY sequence DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, requester, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []domain.ExecutionRequest
	for rows.Next() {
		var req domain.ExecutionRequest
		if err := rows.Scan(
			&req.ID,
			&req.Requester,
			&req.StrategyID,
			&req.Params,
			&req.MaxSlippageBps,
			&req.Deadline,
			&req.Priority,
			&req.RequiresApproval,
			&req.Sequence,
			&req.CreatedAt,
		); err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

// GetResult результат запроса
func (r *ExecutionRepository) GetResult(ctx context.Context, requestID string) (*domain.ExecutionResult, error) {
	query := `
		SELECT request_id, success, return_data, gas_used,
		       actual_slippage_bps, completed_at, error_message
		FROM execution_results
		WHERE request_id = $1
	`
	var res domain.ExecutionResult
	err := r.db.QueryRowContext(ctx, query, requestID).Scan(
		&res.RequestID,
		&res.Success,
		&res.ReturnData,
		&res.GasUsed,
		&res.ActualSlippageBps,
		&res.CompletedAt,
		&res.Error,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownRequest, requestID)
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}
