package gormstore

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Unique indexes carry the engine's uniqueness invariants:
//   idx_lesson_course_order      one lesson per (course, order)
//   idx_enrollment_user_course   one enrollment per (user, course)
//   idx_progress_user_lesson     one completion per (user, lesson)
//   transaction_id               one purchase per provider transaction

type courseModel struct {
	ID        string          `gorm:"primaryKey;size:128"`
	Title     string          `gorm:"not null"`
	IsFree    bool            `gorm:"not null"`
	PriceUSD  decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (courseModel) TableName() string { return "courses" }

type lessonModel struct {
	ID        string `gorm:"primaryKey;size:128"`
	CourseID  string `gorm:"size:128;not null;uniqueIndex:idx_lesson_course_order"`
	Title     string `gorm:"not null"`
	Order     int    `gorm:"column:lesson_order;not null;uniqueIndex:idx_lesson_course_order"`
	IsPreview bool   `gorm:"not null"`
}

func (lessonModel) TableName() string { return "lessons" }

type resourceModel struct {
	ID        string          `gorm:"primaryKey;size:128"`
	Title     string          `gorm:"not null"`
	IsPremium bool            `gorm:"not null"`
	PriceUSD  decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (resourceModel) TableName() string { return "resources" }

type enrollmentModel struct {
	ID                  uint      `gorm:"primaryKey"`
	UserID              string    `gorm:"size:128;not null;uniqueIndex:idx_enrollment_user_course"`
	CourseID            string    `gorm:"size:128;not null;uniqueIndex:idx_enrollment_user_course"`
	CreatedAt           time.Time `gorm:"not null"`
	SourceTransactionID string    `gorm:"size:128"`
}

func (enrollmentModel) TableName() string { return "enrollments" }

type lessonProgressModel struct {
	ID          uint      `gorm:"primaryKey"`
	UserID      string    `gorm:"size:128;not null;uniqueIndex:idx_progress_user_lesson;index:idx_progress_user_course"`
	LessonID    string    `gorm:"size:128;not null;uniqueIndex:idx_progress_user_lesson"`
	CourseID    string    `gorm:"size:128;not null;index:idx_progress_user_course"`
	CompletedAt time.Time `gorm:"not null"`
}

func (lessonProgressModel) TableName() string { return "lesson_progress" }

type purchaseModel struct {
	ID            string            `gorm:"primaryKey;size:64"`
	UserID        string            `gorm:"size:128;not null;index:idx_purchase_user_item_status"`
	ItemKind      string            `gorm:"size:16;not null;index:idx_purchase_user_item_status"`
	ItemID        string            `gorm:"size:128;not null;index:idx_purchase_user_item_status"`
	AmountUSD     decimal.Decimal   `gorm:"type:numeric(12,2);not null"`
	Status        string            `gorm:"size:16;not null;index:idx_purchase_user_item_status"`
	TransactionID string            `gorm:"size:128;not null;uniqueIndex"`
	Metadata      datatypes.JSONMap `gorm:"type:json"`
	CreatedAt     time.Time         `gorm:"not null"`
	UpdatedAt     time.Time         `gorm:"not null"`
}

func (purchaseModel) TableName() string { return "purchases" }

func allModels() []any {
	return []any{
		&courseModel{},
		&lessonModel{},
		&resourceModel{},
		&enrollmentModel{},
		&lessonProgressModel{},
		&purchaseModel{},
	}
}
