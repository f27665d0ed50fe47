/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Persists the catalog, enrollments, lesson progress and purchases. In
  production the same patterns apply to PostgreSQL (see store/gormstore).

KEY TABLES:
  enrollments:     UNIQUE(user_id, course_id)
  lesson_progress: UNIQUE(user_id, lesson_id)
  purchases:       UNIQUE(transaction_id)
  lessons:         UNIQUE(course_id, lesson_order)

INSERT-IF-ABSENT:
  Every record insert is `INSERT ... ON CONFLICT DO NOTHING` followed by a
  read of the stored row. Two concurrent inserts of the same key produce
  one row and both callers see it. There is no check-then-write anywhere.

PURCHASE TRANSITIONS:
  `UPDATE purchases SET status = ? WHERE transaction_id = ? AND status = ?`
  The row changes only if it is still in the expected status.

MIGRATION:
  Schema is versioned with goose and embedded in the binary
  (migrations/*.sql). Applied on New().

USAGE:
  store, err := sqlite.New("./data/access.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"
	"github.com/warp/access-engine/ledger"
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps dialect and base FS in package globals.
var migrateMu sync.Mutex

// Timestamps are stored as fixed-width UTC text so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.UpContext(ctx, s.db, "migrations")
}

// =============================================================================
// CATALOG
// =============================================================================

// SaveCourse upserts a course and its lessons in one transaction.
func (s *Store) SaveCourse(ctx context.Context, course ledger.Course) error {
	if err := ledger.ValidateLessonOrder(course.ID, course.Lessons); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM courses WHERE id = ?", course.ID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check course: %w", err)
	}
	if exists > 0 {
		existing, err := listLessons(ctx, tx, course.ID)
		if err != nil {
			return err
		}
		if !ledger.SameLessonSequence(existing, course.Lessons) {
			return fmt.Errorf("%w: lesson sequence of course %s is published", ledger.ErrInvalidCatalog, course.ID)
		}
	}

	now := formatTime(time.Now())
	_, err = tx.ExecContext(ctx, `
		INSERT INTO courses (id, title, is_free, price_usd, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			is_free = excluded.is_free,
			price_usd = excluded.price_usd,
			updated_at = excluded.updated_at
	`, course.ID, course.Title, course.IsFree, course.PriceUSD.String(), now, now)
	if err != nil {
		return fmt.Errorf("failed to save course: %w", err)
	}

	for _, l := range course.Lessons {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO lessons (id, course_id, title, lesson_order, is_preview)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				title = excluded.title,
				is_preview = excluded.is_preview
			WHERE lessons.course_id = excluded.course_id
		`, l.ID, course.ID, l.Title, l.Order, l.IsPreview)
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("%w: lesson %s conflicts with an existing lesson", ledger.ErrInvalidCatalog, l.ID)
			}
			return fmt.Errorf("failed to save lesson: %w", err)
		}
	}

	// A lesson id owned by another course is left untouched by the upsert above.
	saved, err := listLessons(ctx, tx, course.ID)
	if err != nil {
		return err
	}
	if !ledger.SameLessonSequence(saved, course.Lessons) {
		return fmt.Errorf("%w: lesson ids of course %s belong to another course", ledger.ErrInvalidCatalog, course.ID)
	}

	return tx.Commit()
}

// GetCourse retrieves a course with its ordered lessons.
func (s *Store) GetCourse(ctx context.Context, id ledger.CourseID) (*ledger.Course, error) {
	var (
		c     ledger.Course
		price string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, title, is_free, price_usd FROM courses WHERE id = ?", id,
	).Scan(&c.ID, &c.Title, &c.IsFree, &price)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get course: %w", err)
	}
	if c.PriceUSD, err = parsePrice(price); err != nil {
		return nil, fmt.Errorf("course %s: %w", c.ID, err)
	}

	c.Lessons, err = listLessons(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCourses returns all courses with lessons.
func (s *Store) ListCourses(ctx context.Context) ([]ledger.Course, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, title, is_free, price_usd FROM courses ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list courses: %w", err)
	}
	var courses []ledger.Course
	for rows.Next() {
		var (
			c     ledger.Course
			price string
		)
		if err := rows.Scan(&c.ID, &c.Title, &c.IsFree, &price); err != nil {
			rows.Close()
			return nil, err
		}
		if c.PriceUSD, err = parsePrice(price); err != nil {
			rows.Close()
			return nil, fmt.Errorf("course %s: %w", c.ID, err)
		}
		courses = append(courses, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range courses {
		courses[i].Lessons, err = listLessons(ctx, s.db, courses[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return courses, nil
}

// GetLesson retrieves a lesson by ID.
func (s *Store) GetLesson(ctx context.Context, id ledger.LessonID) (*ledger.Lesson, error) {
	var l ledger.Lesson
	err := s.db.QueryRowContext(ctx,
		"SELECT id, course_id, title, lesson_order, is_preview FROM lessons WHERE id = ?", id,
	).Scan(&l.ID, &l.CourseID, &l.Title, &l.Order, &l.IsPreview)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lesson: %w", err)
	}
	return &l, nil
}

// ListLessons returns a course's lessons ordered by position.
func (s *Store) ListLessons(ctx context.Context, courseID ledger.CourseID) ([]ledger.Lesson, error) {
	return listLessons(ctx, s.db, courseID)
}

func listLessons(ctx context.Context, q querier, courseID ledger.CourseID) ([]ledger.Lesson, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, course_id, title, lesson_order, is_preview
		FROM lessons
		WHERE course_id = ?
		ORDER BY lesson_order ASC
	`, courseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query lessons: %w", err)
	}
	defer rows.Close()

	var lessons []ledger.Lesson
	for rows.Next() {
		var l ledger.Lesson
		if err := rows.Scan(&l.ID, &l.CourseID, &l.Title, &l.Order, &l.IsPreview); err != nil {
			return nil, fmt.Errorf("failed to scan lesson: %w", err)
		}
		lessons = append(lessons, l)
	}
	return lessons, rows.Err()
}

// SaveResource upserts a resource.
func (s *Store) SaveResource(ctx context.Context, r ledger.Resource) error {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resources (id, title, is_premium, price_usd, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			is_premium = excluded.is_premium,
			price_usd = excluded.price_usd,
			updated_at = excluded.updated_at
	`, r.ID, r.Title, r.IsPremium, r.PriceUSD.String(), now, now)
	if err != nil {
		return fmt.Errorf("failed to save resource: %w", err)
	}
	return nil
}

// GetResource retrieves a resource by ID.
func (s *Store) GetResource(ctx context.Context, id ledger.ResourceID) (*ledger.Resource, error) {
	var (
		r     ledger.Resource
		price string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, title, is_premium, price_usd FROM resources WHERE id = ?", id,
	).Scan(&r.ID, &r.Title, &r.IsPremium, &price)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	if r.PriceUSD, err = parsePrice(price); err != nil {
		return nil, fmt.Errorf("resource %s: %w", r.ID, err)
	}
	return &r, nil
}

// =============================================================================
// ENROLLMENT STORE
// =============================================================================

// InsertEnrollment creates the enrollment unless one exists for the pair.
func (s *Store) InsertEnrollment(ctx context.Context, e ledger.Enrollment) (ledger.Enrollment, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO enrollments (user_id, course_id, created_at, source_transaction_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, course_id) DO NOTHING
	`, e.UserID, e.CourseID, formatTime(e.CreatedAt), nullString(e.SourceTransactionID))
	if err != nil {
		return ledger.Enrollment{}, false, fmt.Errorf("failed to insert enrollment: %w", err)
	}
	created, err := affected(res)
	if err != nil {
		return ledger.Enrollment{}, false, err
	}

	stored, err := s.GetEnrollment(ctx, e.UserID, e.CourseID)
	if err != nil {
		return ledger.Enrollment{}, false, err
	}
	return *stored, created, nil
}

// GetEnrollment retrieves an enrollment.
func (s *Store) GetEnrollment(ctx context.Context, userID ledger.UserID, courseID ledger.CourseID) (*ledger.Enrollment, error) {
	var (
		e         ledger.Enrollment
		createdAt string
		sourceTx  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, course_id, created_at, source_transaction_id
		FROM enrollments WHERE user_id = ? AND course_id = ?
	`, userID, courseID).Scan(&e.UserID, &e.CourseID, &createdAt, &sourceTx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get enrollment: %w", err)
	}
	e.CreatedAt = parseTime(createdAt)
	e.SourceTransactionID = sourceTx.String
	return &e, nil
}

// ListEnrollments returns a user's enrollments, oldest first.
func (s *Store) ListEnrollments(ctx context.Context, userID ledger.UserID) ([]ledger.Enrollment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, course_id, created_at, source_transaction_id
		FROM enrollments WHERE user_id = ?
		ORDER BY created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list enrollments: %w", err)
	}
	defer rows.Close()

	var result []ledger.Enrollment
	for rows.Next() {
		var (
			e         ledger.Enrollment
			createdAt string
			sourceTx  sql.NullString
		)
		if err := rows.Scan(&e.UserID, &e.CourseID, &createdAt, &sourceTx); err != nil {
			return nil, fmt.Errorf("failed to scan enrollment: %w", err)
		}
		e.CreatedAt = parseTime(createdAt)
		e.SourceTransactionID = sourceTx.String
		result = append(result, e)
	}
	return result, rows.Err()
}

// =============================================================================
// PROGRESS STORE
// =============================================================================

// InsertLessonProgress records a completion unless one exists. The first
// completed_at is kept.
func (s *Store) InsertLessonProgress(ctx context.Context, p ledger.LessonProgress) (ledger.LessonProgress, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO lesson_progress (user_id, lesson_id, completed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, lesson_id) DO NOTHING
	`, p.UserID, p.LessonID, formatTime(p.CompletedAt))
	if err != nil {
		return ledger.LessonProgress{}, false, fmt.Errorf("failed to insert lesson progress: %w", err)
	}
	created, err := affected(res)
	if err != nil {
		return ledger.LessonProgress{}, false, err
	}

	var (
		stored      ledger.LessonProgress
		completedAt string
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT lp.user_id, lp.lesson_id, COALESCE(l.course_id, ''), lp.completed_at
		FROM lesson_progress lp
		LEFT JOIN lessons l ON l.id = lp.lesson_id
		WHERE lp.user_id = ? AND lp.lesson_id = ?
	`, p.UserID, p.LessonID).Scan(&stored.UserID, &stored.LessonID, &stored.CourseID, &completedAt)
	if err != nil {
		return ledger.LessonProgress{}, false, fmt.Errorf("failed to read lesson progress: %w", err)
	}
	stored.CompletedAt = parseTime(completedAt)
	return stored, created, nil
}

// CompletedLessons returns the user's completions within a course.
func (s *Store) CompletedLessons(ctx context.Context, userID ledger.UserID, courseID ledger.CourseID) ([]ledger.LessonProgress, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT lp.user_id, lp.lesson_id, l.course_id, lp.completed_at
		FROM lesson_progress lp
		JOIN lessons l ON l.id = lp.lesson_id
		WHERE lp.user_id = ? AND l.course_id = ?
		ORDER BY l.lesson_order ASC
	`, userID, courseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query lesson progress: %w", err)
	}
	defer rows.Close()

	var result []ledger.LessonProgress
	for rows.Next() {
		var (
			p           ledger.LessonProgress
			completedAt string
		)
		if err := rows.Scan(&p.UserID, &p.LessonID, &p.CourseID, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan lesson progress: %w", err)
		}
		p.CompletedAt = parseTime(completedAt)
		result = append(result, p)
	}
	return result, rows.Err()
}

// =============================================================================
// PURCHASE STORE
// =============================================================================

const purchaseColumns = `id, user_id, item_kind, item_id, amount_usd, status,
	transaction_id, metadata_json, created_at, updated_at`

// InsertPurchase records a purchase unless its transaction id exists.
func (s *Store) InsertPurchase(ctx context.Context, p ledger.Purchase) (ledger.Purchase, bool, error) {
	metadataJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return ledger.Purchase{}, false, fmt.Errorf("failed to encode purchase metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO purchases (`+purchaseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transaction_id) DO NOTHING
	`,
		p.ID, p.UserID, p.Item.Kind, p.Item.ID, p.AmountUSD.String(), p.Status,
		p.TransactionID, string(metadataJSON), formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return ledger.Purchase{}, false, fmt.Errorf("failed to insert purchase: %w", err)
	}
	created, err := affected(res)
	if err != nil {
		return ledger.Purchase{}, false, err
	}

	stored, err := s.GetPurchaseByTransaction(ctx, p.TransactionID)
	if err != nil {
		return ledger.Purchase{}, false, err
	}
	return *stored, created, nil
}

// GetPurchaseByTransaction retrieves a purchase by provider transaction id.
func (s *Store) GetPurchaseByTransaction(ctx context.Context, transactionID string) (*ledger.Purchase, error) {
	purchases, err := s.queryPurchases(ctx,
		"SELECT "+purchaseColumns+" FROM purchases WHERE transaction_id = ?", transactionID)
	if err != nil {
		return nil, err
	}
	if len(purchases) == 0 {
		return nil, ledger.ErrNotFound
	}
	return &purchases[0], nil
}

// TransitionPurchase moves a purchase from one status to another atomically.
func (s *Store) TransitionPurchase(ctx context.Context, transactionID string, from, to ledger.PurchaseStatus, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE purchases SET status = ?, updated_at = ?
		WHERE transaction_id = ? AND status = ?
	`, to, formatTime(at), transactionID, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition purchase: %w", err)
	}
	return affected(res)
}

// FindCompletedPurchase returns the earliest completed purchase of an item.
func (s *Store) FindCompletedPurchase(ctx context.Context, userID ledger.UserID, item ledger.ItemRef) (*ledger.Purchase, error) {
	purchases, err := s.queryPurchases(ctx, `
		SELECT `+purchaseColumns+` FROM purchases
		WHERE user_id = ? AND item_kind = ? AND item_id = ? AND status = ?
		ORDER BY created_at ASC
		LIMIT 1
	`, userID, item.Kind, item.ID, ledger.PurchaseCompleted)
	if err != nil {
		return nil, err
	}
	if len(purchases) == 0 {
		return nil, ledger.ErrNotFound
	}
	return &purchases[0], nil
}

// ListPurchases returns a user's purchases, oldest first.
func (s *Store) ListPurchases(ctx context.Context, userID ledger.UserID) ([]ledger.Purchase, error) {
	return s.queryPurchases(ctx,
		"SELECT "+purchaseColumns+" FROM purchases WHERE user_id = ? ORDER BY created_at ASC", userID)
}

// UnenrolledCoursePurchases returns completed course purchases with no matching enrollment.
func (s *Store) UnenrolledCoursePurchases(ctx context.Context, limit int) ([]ledger.Purchase, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	return s.queryPurchases(ctx, `
		SELECT `+purchaseColumns+` FROM purchases p
		WHERE p.status = ? AND p.item_kind = ?
		  AND NOT EXISTS (
			SELECT 1 FROM enrollments e
			WHERE e.user_id = p.user_id AND e.course_id = p.item_id
		  )
		ORDER BY p.created_at ASC
		LIMIT ?
	`, ledger.PurchaseCompleted, ledger.ItemCourse, limit)
}

func (s *Store) queryPurchases(ctx context.Context, query string, args ...any) ([]ledger.Purchase, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query purchases: %w", err)
	}
	defer rows.Close()

	var purchases []ledger.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}

func scanPurchase(rows *sql.Rows) (ledger.Purchase, error) {
	var (
		p            ledger.Purchase
		itemKind     string
		amount       string
		metadataJSON sql.NullString
		createdAt    string
		updatedAt    string
	)
	err := rows.Scan(
		&p.ID, &p.UserID, &itemKind, &p.Item.ID, &amount, &p.Status,
		&p.TransactionID, &metadataJSON, &createdAt, &updatedAt,
	)
	if err != nil {
		return p, fmt.Errorf("failed to scan purchase: %w", err)
	}
	p.Item.Kind = ledger.ItemKind(itemKind)
	p.AmountUSD, err = decimal.NewFromString(amount)
	if err != nil {
		return p, fmt.Errorf("invalid purchase amount %q: %w", amount, err)
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &p.Metadata); err != nil {
			return p, fmt.Errorf("invalid purchase metadata for %s: %w", p.TransactionID, err)
		}
	}
	return p, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parsePrice(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid price %q: %w", s, err)
	}
	return d, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
