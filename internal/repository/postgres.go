package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BalajiS74/trakerbackend/internal/model"
)

// Postgres implements Store on a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const principalColumns = `id, email, password_hash, name, phone, gender, role,
	college, dept, year, avatar, emergency_contact, guardians, last_login,
	refresh_tokens, created_at, updated_at`

func (s *Postgres) FindByContact(ctx context.Context, email string) ([]model.Principal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+principalColumns+`
		FROM principals
		WHERE email = $1
		   OR EXISTS (
			SELECT 1 FROM jsonb_each(guardians) g WHERE g.value->>'email' = $1
		   )
	`, email)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var principals []model.Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, err
		}
		principals = append(principals, p)
	}
	return principals, rows.Err()
}

func (s *Postgres) GetPrincipal(ctx context.Context, id string) (model.Principal, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+principalColumns+`
		FROM principals
		WHERE id = $1
	`, id)
	p, err := scanPrincipal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Principal{}, ErrNotFound
	}
	return p, err
}

func (s *Postgres) CreatePrincipal(ctx context.Context, p model.Principal) error {
	contact, guardians, err := encodeEmbedded(p)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO principals (id, email, password_hash, name, phone, gender, role,
			college, dept, year, avatar, emergency_contact, guardians, last_login,
			refresh_tokens, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, p.ID, p.Email, p.PasswordHash, p.Name, p.Phone, p.Gender, p.Role,
		p.College, p.Dept, p.Year, p.Avatar, contact, guardians, p.LastLogin,
		p.RefreshTokens, p.CreatedAt, p.UpdatedAt)
	return mapUniqueViolation(err)
}

func (s *Postgres) UpdatePrincipal(ctx context.Context, p model.Principal) error {
	contact, guardians, err := encodeEmbedded(p)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE principals
		SET email = $2, password_hash = $3, name = $4, phone = $5, gender = $6,
			role = $7, college = $8, dept = $9, year = $10, avatar = $11,
			emergency_contact = $12, guardians = $13, last_login = $14,
			refresh_tokens = $15, updated_at = $16
		WHERE id = $1
	`, p.ID, p.Email, p.PasswordHash, p.Name, p.Phone, p.Gender, p.Role,
		p.College, p.Dept, p.Year, p.Avatar, contact, guardians, p.LastLogin,
		p.RefreshTokens, time.Now().UTC())
	if err != nil {
		return mapUniqueViolation(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) DeletePrincipal(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM principals WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) RotateRefreshToken(ctx context.Context, id, oldToken, newToken string) (bool, error) {
	// Single conditional statement: the WHERE clause guarantees at most one
	// concurrent caller sees oldToken present.
	tag, err := s.pool.Exec(ctx, `
		UPDATE principals
		SET refresh_tokens = array_append(array_remove(refresh_tokens, $2), $3),
			updated_at = now()
		WHERE id = $1 AND $2 = ANY(refresh_tokens)
	`, id, oldToken, newToken)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) CountActiveByRole(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT role, COUNT(*)
		FROM principals
		WHERE last_login IS NOT NULL AND last_login >= $1
		GROUP BY role
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var role string
		var count int
		if err := rows.Scan(&role, &count); err != nil {
			return nil, err
		}
		counts[role] = count
	}
	return counts, rows.Err()
}

func (s *Postgres) ListBuses(ctx context.Context) ([]model.Bus, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT busid, route_name, is_not_available, created_at
		FROM buses
		ORDER BY busid
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var buses []model.Bus
	for rows.Next() {
		var bus model.Bus
		if err := rows.Scan(&bus.BusID, &bus.RouteName, &bus.IsNotAvailable, &bus.CreatedAt); err != nil {
			return nil, err
		}
		buses = append(buses, bus)
	}
	return buses, rows.Err()
}

func (s *Postgres) CreateBus(ctx context.Context, bus model.Bus) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO buses (busid, route_name, is_not_available, created_at)
		VALUES ($1, $2, $3, $4)
	`, bus.BusID, bus.RouteName, bus.IsNotAvailable, bus.CreatedAt)
	return mapUniqueViolation(err)
}

func (s *Postgres) UpsertBusAvailability(ctx context.Context, busID string, notAvailable bool) (model.Bus, error) {
	var bus model.Bus
	row := s.pool.QueryRow(ctx, `
		INSERT INTO buses (busid, route_name, is_not_available, created_at)
		VALUES ($1, '', $2, now())
		ON CONFLICT (busid) DO UPDATE SET is_not_available = $2
		RETURNING busid, route_name, is_not_available, created_at
	`, busID, notAvailable)
	err := row.Scan(&bus.BusID, &bus.RouteName, &bus.IsNotAvailable, &bus.CreatedAt)
	return bus, err
}

func (s *Postgres) SetAllBusAvailability(ctx context.Context, notAvailable bool) error {
	_, err := s.pool.Exec(ctx, `UPDATE buses SET is_not_available = $1`, notAvailable)
	return err
}

func (s *Postgres) CreateReport(ctx context.Context, rep model.Report) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reports (id, user_id, report_type, description, bus_id, bus_name,
			stop_name, status, response, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rep.ID, rep.UserID, rep.ReportType, rep.Description, rep.BusID, rep.BusName,
		rep.StopName, rep.Status, rep.Response, rep.CreatedAt, rep.UpdatedAt)
	return err
}

func (s *Postgres) GetReport(ctx context.Context, id string) (model.Report, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, report_type, description, bus_id, bus_name, stop_name,
			status, response, created_at, updated_at
		FROM reports
		WHERE id = $1
	`, id)
	rep, err := scanReport(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Report{}, ErrNotFound
	}
	return rep, err
}

func (s *Postgres) ListReportsByUser(ctx context.Context, userID string) ([]model.Report, error) {
	return s.listReports(ctx, `
		SELECT id, user_id, report_type, description, bus_id, bus_name, stop_name,
			status, response, created_at, updated_at
		FROM reports
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
}

func (s *Postgres) ListReports(ctx context.Context) ([]model.Report, error) {
	return s.listReports(ctx, `
		SELECT id, user_id, report_type, description, bus_id, bus_name, stop_name,
			status, response, created_at, updated_at
		FROM reports
		ORDER BY created_at DESC
	`)
}

func (s *Postgres) UpdateReport(ctx context.Context, rep model.Report) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE reports
		SET status = $2, response = $3, updated_at = $4
		WHERE id = $1
	`, rep.ID, rep.Status, rep.Response, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) DeleteReport(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM reports WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) listReports(ctx context.Context, query string, args ...interface{}) ([]model.Report, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []model.Report
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, rep)
	}
	return reports, rows.Err()
}

func scanPrincipal(row pgx.Row) (model.Principal, error) {
	var p model.Principal
	var contact, guardians []byte
	err := row.Scan(
		&p.ID,
		&p.Email,
		&p.PasswordHash,
		&p.Name,
		&p.Phone,
		&p.Gender,
		&p.Role,
		&p.College,
		&p.Dept,
		&p.Year,
		&p.Avatar,
		&contact,
		&guardians,
		&p.LastLogin,
		&p.RefreshTokens,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return model.Principal{}, err
	}
	if len(contact) > 0 {
		p.EmergencyContact = &model.Contact{}
		if err := json.Unmarshal(contact, p.EmergencyContact); err != nil {
			return model.Principal{}, err
		}
	}
	p.Guardians = map[string]model.Guardian{}
	if len(guardians) > 0 {
		if err := json.Unmarshal(guardians, &p.Guardians); err != nil {
			return model.Principal{}, err
		}
	}
	return p, nil
}

func scanReport(row pgx.Row) (model.Report, error) {
	var rep model.Report
	err := row.Scan(
		&rep.ID,
		&rep.UserID,
		&rep.ReportType,
		&rep.Description,
		&rep.BusID,
		&rep.BusName,
		&rep.StopName,
		&rep.Status,
		&rep.Response,
		&rep.CreatedAt,
		&rep.UpdatedAt,
	)
	return rep, err
}

func encodeEmbedded(p model.Principal) (contact, guardians []byte, err error) {
	if p.EmergencyContact != nil {
		contact, err = json.Marshal(p.EmergencyContact)
		if err != nil {
			return nil, nil, err
		}
	}
	if p.Guardians == nil {
		guardians = []byte(`{}`)
	} else {
		guardians, err = json.Marshal(p.Guardians)
		if err != nil {
			return nil, nil, err
		}
	}
	return contact, guardians, nil
}

func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}
