/*
Package gormstore implements ledger.Store on GORM.

PURPOSE:
  Production Ledger Store for Postgres. The same code runs on SQLite
  through gorm.io/driver/sqlite, which is how the tests exercise it.

INSERT-IF-ABSENT:
  Inserts use clause.OnConflict{DoNothing: true} on the unique index of
  the record, then read the stored row back. RowsAffected tells whether
  this call created it. Purchase transitions are one conditional UPDATE
  (WHERE status = from).

SEE ALSO:
  - models.go: Table definitions and unique indexes
  - store/sqlite: database/sql implementation with goose migrations
*/
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/access-engine/ledger"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Store is a GORM-backed ledger.Store.
type Store struct {
	db *gorm.DB
}

var _ ledger.Store = (*Store)(nil)

// Open connects with driver "postgres" or "sqlite" and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported gorm driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		// SQLite allows one writer; a single connection also keeps :memory: shared.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := db.AutoMigrate(allModels()...); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.ErrNotFound
	}
	return err
}

// =============================================================================
// CATALOG
// =============================================================================

func (s *Store) SaveCourse(ctx context.Context, course ledger.Course) error {
	if err := ledger.ValidateLessonOrder(course.ID, course.Lessons); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing courseModel
		err := tx.First(&existing, "id = ?", string(course.ID)).Error
		switch {
		case err == nil:
			published, err := listLessons(tx, course.ID)
			if err != nil {
				return err
			}
			if !ledger.SameLessonSequence(published, course.Lessons) {
				return fmt.Errorf("%w: lesson sequence of course %s is published", ledger.ErrInvalidCatalog, course.ID)
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("failed to check course: %w", err)
		}

		if len(course.Lessons) > 0 {
			ids := make([]string, len(course.Lessons))
			for i, l := range course.Lessons {
				ids[i] = string(l.ID)
			}
			var owned int64
			if err := tx.Model(&lessonModel{}).
				Where("id IN ? AND course_id <> ?", ids, string(course.ID)).
				Count(&owned).Error; err != nil {
				return fmt.Errorf("failed to check lessons: %w", err)
			}
			if owned > 0 {
				return fmt.Errorf("%w: lesson ids of course %s belong to another course", ledger.ErrInvalidCatalog, course.ID)
			}
		}

		cm := courseModel{
			ID:       string(course.ID),
			Title:    course.Title,
			IsFree:   course.IsFree,
			PriceUSD: course.PriceUSD,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"title", "is_free", "price_usd", "updated_at"}),
		}).Create(&cm).Error; err != nil {
			return fmt.Errorf("failed to save course: %w", err)
		}

		for _, l := range course.Lessons {
			lm := lessonModel{
				ID:        string(l.ID),
				CourseID:  string(course.ID),
				Title:     l.Title,
				Order:     l.Order,
				IsPreview: l.IsPreview,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"title", "is_preview"}),
			}).Create(&lm).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return fmt.Errorf("%w: lesson %s conflicts with an existing lesson", ledger.ErrInvalidCatalog, l.ID)
				}
				return fmt.Errorf("failed to save lesson: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) GetCourse(ctx context.Context, id ledger.CourseID) (*ledger.Course, error) {
	db := s.db.WithContext(ctx)
	var cm courseModel
	if err := db.First(&cm, "id = ?", string(id)).Error; err != nil {
		return nil, notFound(err)
	}
	lessons, err := listLessons(db, id)
	if err != nil {
		return nil, err
	}
	c := toCourse(cm)
	c.Lessons = lessons
	return &c, nil
}

func (s *Store) ListCourses(ctx context.Context) ([]ledger.Course, error) {
	db := s.db.WithContext(ctx)
	var models []courseModel
	if err := db.Order("id ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list courses: %w", err)
	}
	var lessons []lessonModel
	if err := db.Order("course_id ASC, lesson_order ASC").Find(&lessons).Error; err != nil {
		return nil, fmt.Errorf("failed to list lessons: %w", err)
	}
	byCourse := make(map[string][]ledger.Lesson)
	for _, lm := range lessons {
		byCourse[lm.CourseID] = append(byCourse[lm.CourseID], toLesson(lm))
	}

	result := make([]ledger.Course, 0, len(models))
	for _, cm := range models {
		c := toCourse(cm)
		c.Lessons = byCourse[cm.ID]
		result = append(result, c)
	}
	return result, nil
}

func (s *Store) GetLesson(ctx context.Context, id ledger.LessonID) (*ledger.Lesson, error) {
	var lm lessonModel
	if err := s.db.WithContext(ctx).First(&lm, "id = ?", string(id)).Error; err != nil {
		return nil, notFound(err)
	}
	l := toLesson(lm)
	return &l, nil
}

func (s *Store) ListLessons(ctx context.Context, courseID ledger.CourseID) ([]ledger.Lesson, error) {
	return listLessons(s.db.WithContext(ctx), courseID)
}

func listLessons(db *gorm.DB, courseID ledger.CourseID) ([]ledger.Lesson, error) {
	var models []lessonModel
	if err := db.Where("course_id = ?", string(courseID)).Order("lesson_order ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list lessons: %w", err)
	}
	lessons := make([]ledger.Lesson, len(models))
	for i, lm := range models {
		lessons[i] = toLesson(lm)
	}
	return lessons, nil
}

func (s *Store) SaveResource(ctx context.Context, r ledger.Resource) error {
	rm := resourceModel{
		ID:        string(r.ID),
		Title:     r.Title,
		IsPremium: r.IsPremium,
		PriceUSD:  r.PriceUSD,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "is_premium", "price_usd", "updated_at"}),
	}).Create(&rm).Error
	if err != nil {
		return fmt.Errorf("failed to save resource: %w", err)
	}
	return nil
}

func (s *Store) GetResource(ctx context.Context, id ledger.ResourceID) (*ledger.Resource, error) {
	var rm resourceModel
	if err := s.db.WithContext(ctx).First(&rm, "id = ?", string(id)).Error; err != nil {
		return nil, notFound(err)
	}
	return &ledger.Resource{
		ID:        ledger.ResourceID(rm.ID),
		Title:     rm.Title,
		IsPremium: rm.IsPremium,
		PriceUSD:  rm.PriceUSD,
	}, nil
}

// =============================================================================
// ENROLLMENT
// =============================================================================

func (s *Store) InsertEnrollment(ctx context.Context, e ledger.Enrollment) (ledger.Enrollment, bool, error) {
	db := s.db.WithContext(ctx)
	m := enrollmentModel{
		UserID:              string(e.UserID),
		CourseID:            string(e.CourseID),
		CreatedAt:           e.CreatedAt.UTC(),
		SourceTransactionID: e.SourceTransactionID,
	}
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "course_id"}},
		DoNothing: true,
	}).Create(&m)
	if res.Error != nil {
		return ledger.Enrollment{}, false, fmt.Errorf("failed to insert enrollment: %w", res.Error)
	}

	stored, err := s.GetEnrollment(ctx, e.UserID, e.CourseID)
	if err != nil {
		return ledger.Enrollment{}, false, err
	}
	return *stored, res.RowsAffected > 0, nil
}

func (s *Store) GetEnrollment(ctx context.Context, userID ledger.UserID, courseID ledger.CourseID) (*ledger.Enrollment, error) {
	var m enrollmentModel
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND course_id = ?", string(userID), string(courseID)).
		First(&m).Error
	if err != nil {
		return nil, notFound(err)
	}
	e := toEnrollment(m)
	return &e, nil
}

func (s *Store) ListEnrollments(ctx context.Context, userID ledger.UserID) ([]ledger.Enrollment, error) {
	var models []enrollmentModel
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", string(userID)).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list enrollments: %w", err)
	}
	result := make([]ledger.Enrollment, len(models))
	for i, m := range models {
		result[i] = toEnrollment(m)
	}
	return result, nil
}

// =============================================================================
// PROGRESS
// =============================================================================

func (s *Store) InsertLessonProgress(ctx context.Context, p ledger.LessonProgress) (ledger.LessonProgress, bool, error) {
	db := s.db.WithContext(ctx)

	courseID := string(p.CourseID)
	if courseID == "" {
		var lm lessonModel
		if err := db.Select("course_id").First(&lm, "id = ?", string(p.LessonID)).Error; err != nil {
			return ledger.LessonProgress{}, false, notFound(err)
		}
		courseID = lm.CourseID
	}

	m := lessonProgressModel{
		UserID:      string(p.UserID),
		LessonID:    string(p.LessonID),
		CourseID:    courseID,
		CompletedAt: p.CompletedAt.UTC(),
	}
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "lesson_id"}},
		DoNothing: true,
	}).Create(&m)
	if res.Error != nil {
		return ledger.LessonProgress{}, false, fmt.Errorf("failed to insert lesson progress: %w", res.Error)
	}

	var stored lessonProgressModel
	if err := db.Where("user_id = ? AND lesson_id = ?", string(p.UserID), string(p.LessonID)).
		First(&stored).Error; err != nil {
		return ledger.LessonProgress{}, false, fmt.Errorf("failed to read lesson progress: %w", err)
	}
	return toProgress(stored), res.RowsAffected > 0, nil
}

func (s *Store) CompletedLessons(ctx context.Context, userID ledger.UserID, courseID ledger.CourseID) ([]ledger.LessonProgress, error) {
	var models []lessonProgressModel
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND course_id = ?", string(userID), string(courseID)).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to query lesson progress: %w", err)
	}
	result := make([]ledger.LessonProgress, len(models))
	for i, m := range models {
		result[i] = toProgress(m)
	}
	return result, nil
}

// =============================================================================
// PURCHASE
// =============================================================================

func (s *Store) InsertPurchase(ctx context.Context, p ledger.Purchase) (ledger.Purchase, bool, error) {
	m := purchaseModel{
		ID:            string(p.ID),
		UserID:        string(p.UserID),
		ItemKind:      string(p.Item.Kind),
		ItemID:        p.Item.ID,
		AmountUSD:     p.AmountUSD,
		Status:        string(p.Status),
		TransactionID: p.TransactionID,
		Metadata:      toJSONMap(p.Metadata),
		CreatedAt:     p.CreatedAt.UTC(),
		UpdatedAt:     p.UpdatedAt.UTC(),
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "transaction_id"}},
		DoNothing: true,
	}).Create(&m)
	if res.Error != nil {
		return ledger.Purchase{}, false, fmt.Errorf("failed to insert purchase: %w", res.Error)
	}

	stored, err := s.GetPurchaseByTransaction(ctx, p.TransactionID)
	if err != nil {
		return ledger.Purchase{}, false, err
	}
	return *stored, res.RowsAffected > 0, nil
}

func (s *Store) GetPurchaseByTransaction(ctx context.Context, transactionID string) (*ledger.Purchase, error) {
	var m purchaseModel
	if err := s.db.WithContext(ctx).First(&m, "transaction_id = ?", transactionID).Error; err != nil {
		return nil, notFound(err)
	}
	p := toPurchase(m)
	return &p, nil
}

func (s *Store) TransitionPurchase(ctx context.Context, transactionID string, from, to ledger.PurchaseStatus, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&purchaseModel{}).
		Where("transaction_id = ? AND status = ?", transactionID, string(from)).
		Updates(map[string]any{"status": string(to), "updated_at": at.UTC()})
	if res.Error != nil {
		return false, fmt.Errorf("failed to transition purchase: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) FindCompletedPurchase(ctx context.Context, userID ledger.UserID, item ledger.ItemRef) (*ledger.Purchase, error) {
	var m purchaseModel
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND item_kind = ? AND item_id = ? AND status = ?",
			string(userID), string(item.Kind), item.ID, string(ledger.PurchaseCompleted)).
		Order("created_at ASC").
		First(&m).Error
	if err != nil {
		return nil, notFound(err)
	}
	p := toPurchase(m)
	return &p, nil
}

func (s *Store) ListPurchases(ctx context.Context, userID ledger.UserID) ([]ledger.Purchase, error) {
	var models []purchaseModel
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", string(userID)).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list purchases: %w", err)
	}
	return toPurchases(models), nil
}

func (s *Store) UnenrolledCoursePurchases(ctx context.Context, limit int) ([]ledger.Purchase, error) {
	q := s.db.WithContext(ctx).
		Where("status = ? AND item_kind = ?", string(ledger.PurchaseCompleted), string(ledger.ItemCourse)).
		Where("NOT EXISTS (SELECT 1 FROM enrollments e WHERE e.user_id = purchases.user_id AND e.course_id = purchases.item_id)").
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []purchaseModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to query unenrolled purchases: %w", err)
	}
	return toPurchases(models), nil
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toCourse(m courseModel) ledger.Course {
	price := m.PriceUSD
	if m.IsFree {
		price = decimal.Zero
	}
	return ledger.Course{ID: ledger.CourseID(m.ID), Title: m.Title, IsFree: m.IsFree, PriceUSD: price}
}

func toLesson(m lessonModel) ledger.Lesson {
	return ledger.Lesson{
		ID:        ledger.LessonID(m.ID),
		CourseID:  ledger.CourseID(m.CourseID),
		Title:     m.Title,
		Order:     m.Order,
		IsPreview: m.IsPreview,
	}
}

func toEnrollment(m enrollmentModel) ledger.Enrollment {
	return ledger.Enrollment{
		UserID:              ledger.UserID(m.UserID),
		CourseID:            ledger.CourseID(m.CourseID),
		CreatedAt:           m.CreatedAt.UTC(),
		SourceTransactionID: m.SourceTransactionID,
	}
}

func toProgress(m lessonProgressModel) ledger.LessonProgress {
	return ledger.LessonProgress{
		UserID:      ledger.UserID(m.UserID),
		LessonID:    ledger.LessonID(m.LessonID),
		CourseID:    ledger.CourseID(m.CourseID),
		CompletedAt: m.CompletedAt.UTC(),
	}
}

func toPurchase(m purchaseModel) ledger.Purchase {
	var md map[string]string
	if len(m.Metadata) > 0 {
		md = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			md[k] = fmt.Sprint(v)
		}
	}
	return ledger.Purchase{
		ID:            ledger.PurchaseID(m.ID),
		UserID:        ledger.UserID(m.UserID),
		Item:          ledger.ItemRef{Kind: ledger.ItemKind(m.ItemKind), ID: m.ItemID},
		AmountUSD:     m.AmountUSD,
		Status:        ledger.PurchaseStatus(m.Status),
		TransactionID: m.TransactionID,
		CreatedAt:     m.CreatedAt.UTC(),
		UpdatedAt:     m.UpdatedAt.UTC(),
		Metadata:      md,
	}
}

func toPurchases(models []purchaseModel) []ledger.Purchase {
	result := make([]ledger.Purchase, len(models))
	for i, m := range models {
		result[i] = toPurchase(m)
	}
	return result
}

func toJSONMap(md map[string]string) datatypes.JSONMap {
	if md == nil {
		return nil
	}
	m := make(datatypes.JSONMap, len(md))
	for k, v := range md {
		m[k] = v
	}
	return m
}
