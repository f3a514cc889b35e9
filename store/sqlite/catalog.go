package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/receipt-ledger/billing"
)

// =============================================================================
// CATALOG (billing.Catalog interface)
// =============================================================================

// LoadAdmission resolves an admission by its admission number.
func (s *Store) LoadAdmission(ctx context.Context, admissionNo string) (*billing.Admission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadAdmission(ctx, "admission_no = ?", admissionNo)
}

// LoadAdmissionByID resolves an admission by its id.
func (s *Store) LoadAdmissionByID(ctx context.Context, id billing.AdmissionID) (*billing.Admission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadAdmission(ctx, "id = ?", int64(id))
}

func (s *Store) loadAdmission(ctx context.Context, where string, arg any) (*billing.Admission, error) {
	var (
		a         billing.Admission
		id        int64
		visitorID int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, admission_no, visitor_id FROM admissions WHERE "+where, arg,
	).Scan(&id, &a.Number, &visitorID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrAdmissionNotFound
	}
	if err != nil {
		return nil, classify("load admission", err)
	}
	a.ID = billing.AdmissionID(id)
	a.VisitorID = billing.VisitorID(visitorID)

	// LEFT JOINs keep detail lines whose batch or course no longer resolves.
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.batch_id, b.name, b.course_id, c.id, c.name, c.fee
		FROM admission_details d
		LEFT JOIN batches b ON b.id = d.batch_id
		LEFT JOIN courses c ON c.id = b.course_id
		WHERE d.admission_id = ?
		ORDER BY d.id
	`, id)
	if err != nil {
		return nil, classify("load admission details", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			d          billing.AdmissionDetail
			batchName  sql.NullString
			courseRef  sql.NullInt64
			courseID   sql.NullInt64
			courseName sql.NullString
			courseFee  sql.NullString
		)
		if err := rows.Scan(&d.ID, &d.BatchID, &batchName, &courseRef, &courseID, &courseName, &courseFee); err != nil {
			return nil, fmt.Errorf("failed to scan admission detail: %w", err)
		}
		if batchName.Valid {
			d.Batch = &billing.Batch{ID: d.BatchID, Name: batchName.String, CourseID: courseRef.Int64}
			if courseID.Valid {
				fee, err := decimal.NewFromString(courseFee.String)
				if err != nil {
					return nil, fmt.Errorf("course %d fee: %w", courseID.Int64, err)
				}
				d.Batch.Course = &billing.Course{ID: courseID.Int64, Name: courseName.String, Fee: fee}
			}
		}
		a.Details = append(a.Details, d)
	}
	return &a, rows.Err()
}

// =============================================================================
// CATALOG SEEDING (demo scenarios and tests)
// =============================================================================

// SaveCourse inserts or replaces a course.
func (s *Store) SaveCourse(ctx context.Context, c billing.Course) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO courses (id, name, fee) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, fee = excluded.fee
	`, c.ID, c.Name, c.Fee.String())
	return err
}

// SaveBatch inserts or replaces a batch.
func (s *Store) SaveBatch(ctx context.Context, b billing.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batches (id, name, course_id) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, course_id = excluded.course_id
	`, b.ID, b.Name, b.CourseID)
	return err
}

// SaveAdmission inserts or replaces an admission and its detail lines.
func (s *Store) SaveAdmission(ctx context.Context, a billing.Admission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO admissions (id, admission_no, visitor_id) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET admission_no = excluded.admission_no, visitor_id = excluded.visitor_id
	`, int64(a.ID), a.Number, int64(a.VisitorID)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM admission_details WHERE admission_id = ?", int64(a.ID)); err != nil {
		return err
	}
	for _, d := range a.Details {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO admission_details (id, admission_id, batch_id) VALUES (?, ?, ?)",
			d.ID, int64(a.ID), d.BatchID,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}
