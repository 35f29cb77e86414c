package patient

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/patient-api/pkg/apierror"
	"github.com/nao1215/patient-api/pkg/correlation"
	"github.com/nao1215/patient-api/pkg/event"
	"github.com/nao1215/patient-api/pkg/middleware"
	"github.com/nao1215/patient-api/pkg/migration"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate は患者テーブルと変更履歴テーブルのマイグレーションを適用する。
func Migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) (int, error) {
	return migration.Run(ctx, db, migrations, "migrations", logger)
}

// ListQuery は一覧取得の条件。
type ListQuery struct {
	// Page は0始まりのページ番号。
	Page int
	// Size は1ページの件数。
	Size int
	// Search は姓名の部分一致検索語。空なら全件。
	Search string
}

// Store はSQLiteに患者を保存する。
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// StoreOption はStoreの設定を変更する。
type StoreOption func(*Store)

// WithStoreClock は現在時刻の取得関数を差し替える。
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore は新しいStoreを生成する。
func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const selectColumns = `id, first_name, last_name, date_of_birth, email, phone, address,
	medical_record_number, status, created_at, updated_at`

// Create は患者を登録する。ID、診療録番号、ステータス、日時はここで採番する。
func (s *Store) Create(ctx context.Context, p *Patient) error {
	now := s.now().UTC()
	p.ID = uuid.NewString()
	p.MedicalRecordNumber = NewMRN(now)
	p.Status = StatusActive
	p.CreatedAt = now
	p.UpdatedAt = now

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureEmailAvailable(ctx, tx, p.Email, ""); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO patients (id, first_name, last_name, date_of_birth, email, phone, address,
				medical_record_number, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.FirstName, p.LastName, p.DateOfBirth,
			nullString(p.Email), nullString(p.Phone), nullString(p.Address),
			p.MedicalRecordNumber, string(p.Status), formatTime(now), formatTime(now),
		)
		if err != nil {
			return translate(err, p.Email, "患者の登録に失敗")
		}
		return appendEvent(ctx, tx, p.ID, event.TypePatientRegistered, event.PatientRegisteredData{
			MedicalRecordNumber: p.MedicalRecordNumber,
			FirstName:           p.FirstName,
			LastName:            p.LastName,
		}, now)
	})
}

// Get はIDで患者を取得する。
func (s *Store) Get(ctx context.Context, id string) (*Patient, error) {
	return get(ctx, s.db, id)
}

func get(ctx context.Context, q querier, id string) (*Patient, error) {
	row := q.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM patients WHERE id = ?", id)
	p, err := scanPatient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("患者の取得に失敗: %w", err)
	}
	return p, nil
}

// GetByMRN は診療録番号で患者を取得する。
func (s *Store) GetByMRN(ctx context.Context, mrn string) (*Patient, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM patients WHERE medical_record_number = ?", mrn)
	p, err := scanPatient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierror.New(apierror.NotFound, fmt.Sprintf("Patient not found with medicalRecordNumber: '%s'", mrn))
	}
	if err != nil {
		return nil, fmt.Errorf("患者の取得に失敗: %w", err)
	}
	return p, nil
}

// List は姓、名の順に並べた患者一覧を返す。
func (s *Store) List(ctx context.Context, q ListQuery) (Page, error) {
	where := ""
	var args []any
	if term := strings.TrimSpace(q.Search); term != "" {
		pattern := "%" + escapeLike(strings.ToLower(term)) + "%"
		where = ` WHERE lower(first_name) LIKE ? ESCAPE '\' OR lower(last_name) LIKE ? ESCAPE '\'`
		args = append(args, pattern, pattern)
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM patients"+where, args...).Scan(&total); err != nil {
		return Page{}, fmt.Errorf("患者件数の取得に失敗: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+selectColumns+" FROM patients"+where+
			" ORDER BY last_name COLLATE NOCASE, first_name COLLATE NOCASE, id LIMIT ? OFFSET ?",
		append(args, q.Size, q.Page*q.Size)...,
	)
	if err != nil {
		return Page{}, fmt.Errorf("患者一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var content []Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return Page{}, fmt.Errorf("患者一覧の読み込みに失敗: %w", err)
		}
		content = append(content, *p)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("患者一覧の読み込みに失敗: %w", err)
	}
	return newPage(content, q.Page, q.Size, total), nil
}

// Update は患者の属性を更新する。IDと診療録番号、作成日時は変更しない。
// p.Statusが空の場合は現在のステータスを維持する。値が変わった場合のみ履歴を残す。
func (s *Store) Update(ctx context.Context, p *Patient) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := get(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		if p.Email != "" && p.Email != current.Email {
			if err := ensureEmailAvailable(ctx, tx, p.Email, p.ID); err != nil {
				return err
			}
		}
		if p.Status == "" {
			p.Status = current.Status
		}

		now := s.now().UTC()
		p.MedicalRecordNumber = current.MedicalRecordNumber
		p.CreatedAt = current.CreatedAt
		p.UpdatedAt = now

		_, err = tx.ExecContext(ctx, `
			UPDATE patients SET first_name = ?, last_name = ?, date_of_birth = ?, email = ?,
				phone = ?, address = ?, status = ?, updated_at = ?
			WHERE id = ?`,
			p.FirstName, p.LastName, p.DateOfBirth,
			nullString(p.Email), nullString(p.Phone), nullString(p.Address),
			string(p.Status), formatTime(now), p.ID,
		)
		if err != nil {
			return translate(err, p.Email, "患者の更新に失敗")
		}

		changed := changedFields(current, p)
		if len(changed) == 0 {
			return nil
		}
		return appendEvent(ctx, tx, p.ID, event.TypePatientUpdated, event.PatientUpdatedData{
			ChangedFields: changed,
			Status:        string(p.Status),
		}, now)
	})
}

// Deactivate は患者を論理削除する。
func (s *Store) Deactivate(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var previous string
		err := tx.QueryRowContext(ctx, "SELECT status FROM patients WHERE id = ?", id).Scan(&previous)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound(id)
		}
		if err != nil {
			return fmt.Errorf("患者の削除に失敗: %w", err)
		}

		now := s.now().UTC()
		if _, err := tx.ExecContext(ctx,
			"UPDATE patients SET status = ?, updated_at = ? WHERE id = ?",
			string(StatusInactive), formatTime(now), id,
		); err != nil {
			return fmt.Errorf("患者の削除に失敗: %w", err)
		}
		return appendEvent(ctx, tx, id, event.TypePatientDeactivated, event.PatientDeactivatedData{
			PreviousStatus: previous,
		}, now)
	})
}

// History は患者の変更履歴をVersion順に返す。
func (s *Store) History(ctx context.Context, id string) ([]event.Event, error) {
	if _, err := get(ctx, s.db, id); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, patient_id, event_type, data, version, actor, correlation_id, created_at
		FROM patient_events WHERE patient_id = ? ORDER BY version`, id)
	if err != nil {
		return nil, fmt.Errorf("変更履歴の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []event.Event{}
	for rows.Next() {
		var (
			ev              event.Event
			eventType, data string
			actor, cid      sql.NullString
			createdAt       string
		)
		if err := rows.Scan(&ev.ID, &ev.AggregateID, &eventType, &data, &ev.Version, &actor, &cid, &createdAt); err != nil {
			return nil, fmt.Errorf("変更履歴の読み込みに失敗: %w", err)
		}
		ev.AggregateType = event.AggregateTypePatient
		ev.EventType = event.Type(eventType)
		ev.Data = json.RawMessage(data)
		ev.Actor = actor.String
		ev.CorrelationID = cid.String
		if ev.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("created_atの解析に失敗: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("変更履歴の読み込みに失敗: %w", err)
	}
	return events, nil
}

// querier は*sql.DBと*sql.Txの共通部分。
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx はfnをトランザクション内で実行する。fnがエラーを返した場合はロールバックする。
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}
	return nil
}

// appendEvent は患者の次のVersionで変更履歴を追加する。
func appendEvent(ctx context.Context, q querier, patientID string, typ event.Type, data any, at time.Time) error {
	var version int64
	if err := q.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM patient_events WHERE patient_id = ?", patientID,
	).Scan(&version); err != nil {
		return fmt.Errorf("変更履歴のバージョン取得に失敗: %w", err)
	}

	ev, err := event.New(patientID, event.AggregateTypePatient, typ, version+1, data, metadataFrom(ctx), at)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO patient_events (id, patient_id, event_type, data, version, actor, correlation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.AggregateID, string(ev.EventType), string(ev.Data), ev.Version,
		nullString(ev.Actor), nullString(ev.CorrelationID), formatTime(ev.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("変更履歴の追加に失敗: %w", err)
	}
	return nil
}

// metadataFrom はリクエストコンテキストから操作者と相関IDを取り出す。
func metadataFrom(ctx context.Context) event.Metadata {
	meta := event.Metadata{CorrelationID: correlation.FromContext(ctx).CorrelationID}
	if p, ok := middleware.PrincipalFromContext(ctx); ok {
		meta.Actor = p.Username
	}
	return meta
}

// changedFields は値が変わった属性のJSON名を返す。
func changedFields(before, after *Patient) []string {
	var changed []string
	for _, f := range []struct {
		name      string
		old, curr string
	}{
		{"firstName", before.FirstName, after.FirstName},
		{"lastName", before.LastName, after.LastName},
		{"dateOfBirth", before.DateOfBirth, after.DateOfBirth},
		{"email", before.Email, after.Email},
		{"phone", before.Phone, after.Phone},
		{"address", before.Address, after.Address},
		{"status", string(before.Status), string(after.Status)},
	} {
		if f.old != f.curr {
			changed = append(changed, f.name)
		}
	}
	return changed
}

func notFound(id string) error {
	return apierror.New(apierror.NotFound, fmt.Sprintf("Patient not found with id: '%s'", id))
}

// ensureEmailAvailable はメールアドレスが他の患者に使われていないことを確認する。
func ensureEmailAvailable(ctx context.Context, q querier, email, exceptID string) error {
	if email == "" {
		return nil
	}
	var exists bool
	err := q.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM patients WHERE email = ? AND id != ?)", email, exceptID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("メールアドレスの確認に失敗: %w", err)
	}
	if exists {
		return duplicateEmail(email)
	}
	return nil
}

// translate は一意制約違反を重複エラーに変換する。
func translate(err error, email, msg string) error {
	if strings.Contains(err.Error(), "UNIQUE constraint failed: patients.email") {
		return duplicateEmail(email)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func duplicateEmail(email string) error {
	return apierror.New(apierror.Duplicate, fmt.Sprintf("Patient with email %s already exists", email))
}

// rowScanner は*sql.Rowと*sql.Rowsの共通部分。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPatient(r rowScanner) (*Patient, error) {
	var (
		p                     Patient
		email, phone, address sql.NullString
		status                string
		createdAt, updatedAt  string
	)
	if err := r.Scan(
		&p.ID, &p.FirstName, &p.LastName, &p.DateOfBirth, &email, &phone, &address,
		&p.MedicalRecordNumber, &status, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	p.Email = email.String
	p.Phone = phone.String
	p.Address = address.String
	p.Status = Status(status)

	var err error
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("created_atの解析に失敗: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("updated_atの解析に失敗: %w", err)
	}
	return &p, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// escapeLike はLIKEパターンの特殊文字をエスケープする。
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
