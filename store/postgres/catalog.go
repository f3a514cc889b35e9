package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/warp/receipt-ledger/billing"
)

// =============================================================================
// CATALOG (billing.Catalog interface)
// =============================================================================

func (s *Store) LoadAdmission(ctx context.Context, admissionNo string) (*billing.Admission, error) {
	return s.loadAdmission(ctx, "admission_no = $1", admissionNo)
}

func (s *Store) LoadAdmissionByID(ctx context.Context, id billing.AdmissionID) (*billing.Admission, error) {
	return s.loadAdmission(ctx, "id = $1", int64(id))
}

func (s *Store) loadAdmission(ctx context.Context, where string, arg any) (*billing.Admission, error) {
	var (
		a         billing.Admission
		id        int64
		visitorID int64
	)
	err := s.pool.QueryRow(ctx,
		"SELECT id, admission_no, visitor_id FROM admissions WHERE "+where, arg,
	).Scan(&id, &a.Number, &visitorID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrAdmissionNotFound
	}
	if err != nil {
		return nil, classify("load admission", err)
	}
	a.ID = billing.AdmissionID(id)
	a.VisitorID = billing.VisitorID(visitorID)

	rows, err := s.pool.Query(ctx, `
		SELECT d.id, d.batch_id, b.name, b.course_id, c.id, c.name, c.fee::text
		FROM admission_details d
		LEFT JOIN batches b ON b.id = d.batch_id
		LEFT JOIN courses c ON c.id = b.course_id
		WHERE d.admission_id = $1
		ORDER BY d.id
	`, id)
	if err != nil {
		return nil, classify("load admission details", err)
	}
	a.Details, err = pgx.CollectRows(rows, scanDetail)
	if err != nil {
		return nil, classify("load admission details", err)
	}
	return &a, nil
}

func scanDetail(row pgx.CollectableRow) (billing.AdmissionDetail, error) {
	var (
		d          billing.AdmissionDetail
		batchName  *string
		courseRef  *int64
		courseID   *int64
		courseName *string
		courseFee  *string
	)
	if err := row.Scan(&d.ID, &d.BatchID, &batchName, &courseRef, &courseID, &courseName, &courseFee); err != nil {
		return d, fmt.Errorf("failed to scan admission detail: %w", err)
	}
	if batchName == nil {
		return d, nil
	}
	d.Batch = &billing.Batch{ID: d.BatchID, Name: *batchName, CourseID: *courseRef}
	if courseID != nil {
		fee, err := decimal.NewFromString(*courseFee)
		if err != nil {
			return d, fmt.Errorf("course %d fee: %w", *courseID, err)
		}
		d.Batch.Course = &billing.Course{ID: *courseID, Name: *courseName, Fee: fee}
	}
	return d, nil
}

// =============================================================================
// CATALOG SEEDING
// =============================================================================

func (s *Store) SaveCourse(ctx context.Context, c billing.Course) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO courses (id, name, fee) VALUES ($1, $2, $3::numeric)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, fee = EXCLUDED.fee
	`, c.ID, c.Name, c.Fee.StringFixed(billing.CurrencyPlaces))
	return err
}

func (s *Store) SaveBatch(ctx context.Context, b billing.Batch) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO batches (id, name, course_id) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, course_id = EXCLUDED.course_id
	`, b.ID, b.Name, b.CourseID)
	return err
}

func (s *Store) SaveAdmission(ctx context.Context, a billing.Admission) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO admissions (id, admission_no, visitor_id) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET admission_no = EXCLUDED.admission_no, visitor_id = EXCLUDED.visitor_id
		`, int64(a.ID), a.Number, int64(a.VisitorID)); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, "DELETE FROM admission_details WHERE admission_id = $1", int64(a.ID)); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, d := range a.Details {
			batch.Queue("INSERT INTO admission_details (id, admission_id, batch_id) VALUES ($1, $2, $3)",
				d.ID, int64(a.ID), d.BatchID)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}
