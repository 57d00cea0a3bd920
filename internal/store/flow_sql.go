package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CivicPipe/internal/models"
)

func (s *sqlDB) SaveFlowVersion(ctx context.Context, doc models.FlowDocument) (models.FlowDocument, error) {
	if doc.TenantID == "" {
		return doc, models.ErrEmptyTenant
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var latest int
		err := tx.QueryRowContext(ctx, s.q(
			`SELECT COALESCE(MAX(version), 0) FROM flow_versions WHERE tenant_id = ? AND flow_id = ?`),
			doc.TenantID, doc.ID,
		).Scan(&latest)
		if err != nil {
			return fmt.Errorf("flow version lookup failed: %w", err)
		}
		doc.Version = latest + 1
		data, err := encodeFlow(doc)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.q(
			`INSERT INTO flow_versions (tenant_id, flow_id, version, document, created_at) VALUES (?, ?, ?, ?, ?)`),
			doc.TenantID, doc.ID, doc.Version, data, utcNow(),
		)
		if err != nil {
			return fmt.Errorf("insert flow version failed: %w", err)
		}
		return nil
	})
	if err != nil {
		slog.Error(s.name+" SaveFlowVersion failed", "error", err, "tenantID", doc.TenantID, "flowID", doc.ID)
		return doc, err
	}
	slog.Debug(s.name+" SaveFlowVersion succeeded", "tenantID", doc.TenantID, "flowID", doc.ID, "version", doc.Version)
	return doc, nil
}

func (s *sqlDB) GetFlowVersion(ctx context.Context, tenantID, flowID string, version int) (*models.FlowDocument, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT document FROM flow_versions WHERE tenant_id = ? AND flow_id = ? AND version = ?`),
		tenantID, flowID, version,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: flow %s version %d", ErrNotFound, flowID, version)
	}
	if err != nil {
		return nil, fmt.Errorf("get flow version failed: %w", err)
	}
	doc, err := decodeFlow(data)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *sqlDB) ListActiveFlows(ctx context.Context, tenantID string) ([]models.FlowDocument, error) {
	return s.listActiveFlows(ctx, s.db, tenantID)
}

func (s *sqlDB) listActiveFlows(ctx context.Context, db querier, tenantID string) ([]models.FlowDocument, error) {
	rows, err := db.QueryContext(ctx, s.q(
		`SELECT fv.document FROM active_flows a
		 JOIN flow_versions fv ON fv.tenant_id = a.tenant_id AND fv.flow_id = a.flow_id AND fv.version = a.version
		 WHERE a.tenant_id = ? ORDER BY a.flow_id`),
		tenantID,
	)
	if err != nil {
		slog.Error(s.name+" ListActiveFlows query failed", "error", err, "tenantID", tenantID)
		return nil, fmt.Errorf("list active flows failed: %w", err)
	}
	defer rows.Close()

	var docs []models.FlowDocument
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan flow document failed: %w", err)
		}
		doc, err := decodeFlow(data)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active flows iteration failed: %w", err)
	}
	return docs, nil
}

func (s *sqlDB) ActivateFlow(ctx context.Context, tenantID, flowID string, version int, deactivate []string, check ActivationCheck) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// SQLite runs on a single connection, so only Postgres needs the table lock.
		if s.postgres {
			if _, err := tx.ExecContext(ctx, `LOCK TABLE active_flows IN SHARE ROW EXCLUSIVE MODE`); err != nil {
				return fmt.Errorf("lock active flows failed: %w", err)
			}
		}
		var exists int
		err := tx.QueryRowContext(ctx, s.q(
			`SELECT 1 FROM flow_versions WHERE tenant_id = ? AND flow_id = ? AND version = ?`),
			tenantID, flowID, version,
		).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: flow %s version %d", ErrNotFound, flowID, version)
		}
		if err != nil {
			return fmt.Errorf("flow version lookup failed: %w", err)
		}
		if check != nil {
			active, err := s.listActiveFlows(ctx, tx, tenantID)
			if err != nil {
				return err
			}
			if err := check(remainingActive(active, flowID, deactivate)); err != nil {
				return err
			}
		}
		for _, other := range deactivate {
			if other == flowID {
				continue
			}
			if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM active_flows WHERE tenant_id = ? AND flow_id = ?`), tenantID, other); err != nil {
				return fmt.Errorf("deactivate flow %s failed: %w", other, err)
			}
		}
		_, err = tx.ExecContext(ctx, s.q(
			`INSERT INTO active_flows (tenant_id, flow_id, version, activated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (tenant_id, flow_id) DO UPDATE SET version = excluded.version, activated_at = excluded.activated_at`),
			tenantID, flowID, version, utcNow(),
		)
		if err != nil {
			return fmt.Errorf("activate flow failed: %w", err)
		}
		return nil
	})
	if err != nil {
		slog.Error(s.name+" ActivateFlow failed", "error", err, "tenantID", tenantID, "flowID", flowID, "version", version)
		return err
	}
	slog.Info(s.name+" ActivateFlow succeeded", "tenantID", tenantID, "flowID", flowID, "version", version, "deactivated", deactivate)
	return nil
}

func (s *sqlDB) DeactivateFlow(ctx context.Context, tenantID, flowID string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM active_flows WHERE tenant_id = ? AND flow_id = ?`), tenantID, flowID); err != nil {
		return fmt.Errorf("deactivate flow failed: %w", err)
	}
	return nil
}

func (s *sqlDB) GetSchedule(ctx context.Context, tenantID, departmentID string) (*models.AvailabilitySchedule, error) {
	var (
		data      string
		updatedAt time.Time
	)
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT document, updated_at FROM schedules WHERE tenant_id = ? AND department_id = ?`),
		tenantID, departmentID,
	).Scan(&data, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule failed: %w", err)
	}
	return decodeSchedule(data, updatedAt)
}

func (s *sqlDB) PutSchedule(ctx context.Context, schedule models.AvailabilitySchedule) error {
	if schedule.TenantID == "" {
		return models.ErrEmptyTenant
	}
	data, err := encodeSchedule(schedule)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(
		`INSERT INTO schedules (tenant_id, department_id, document, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (tenant_id, department_id) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at`),
		schedule.TenantID, schedule.DepartmentID, data, utcNow(),
	)
	if err != nil {
		slog.Error(s.name+" PutSchedule failed", "error", err, "tenantID", schedule.TenantID, "departmentID", schedule.DepartmentID)
		return fmt.Errorf("put schedule failed: %w", err)
	}
	slog.Debug(s.name+" PutSchedule succeeded", "tenantID", schedule.TenantID, "departmentID", schedule.DepartmentID)
	return nil
}
