/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's records from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Small response wrappers

VALIDATION:
  Request types carry go-playground/validator tags; handlers call
  Handler.validate before touching the engine.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/access-engine/access"
	"github.com/warp/access-engine/enrollment"
	"github.com/warp/access-engine/ledger"
	"github.com/warp/access-engine/progress"
)

// =============================================================================
// ACCESS
// =============================================================================

// DecisionDTO is the answer to every access question.
type DecisionDTO struct {
	CanView                  bool         `json:"can_view"`
	Reason                   string       `json:"reason,omitempty"`
	Item                     string       `json:"item,omitempty"`
	FarthestUnlockedLessonID string       `json:"farthest_unlocked_lesson_id,omitempty"`
	BlockingLessonID         string       `json:"blocking_lesson_id,omitempty"`
	Preview                  bool         `json:"preview,omitempty"`
	Progress                 *ProgressDTO `json:"progress,omitempty"`
}

type ProgressDTO struct {
	CourseID                 string           `json:"course_id"`
	Lessons                  []LessonStateDTO `json:"lessons"`
	FarthestUnlockedLessonID string           `json:"farthest_unlocked_lesson_id,omitempty"`
	CompletedCount           int              `json:"completed_count"`
	TotalLessons             int              `json:"total_lessons"`
}

type LessonStateDTO struct {
	LessonID    string `json:"lesson_id"`
	Order       int    `json:"order"`
	Title       string `json:"title"`
	IsPreview   bool   `json:"is_preview"`
	State       string `json:"state"`
	CompletedAt string `json:"completed_at,omitempty"`
}

func toDecisionDTO(d access.Decision) DecisionDTO {
	dto := DecisionDTO{
		CanView:                  d.CanView,
		Reason:                   string(d.Reason),
		FarthestUnlockedLessonID: string(d.FarthestUnlockedLessonID),
		BlockingLessonID:         string(d.BlockingLessonID),
		Preview:                  d.Preview,
	}
	if !d.Item.IsZero() {
		dto.Item = d.Item.String()
	}
	if d.Progress != nil {
		p := toProgressDTO(*d.Progress)
		dto.Progress = &p
	}
	return dto
}

func toProgressDTO(p progress.Progress) ProgressDTO {
	dto := ProgressDTO{
		CourseID:                 string(p.CourseID),
		Lessons:                  make([]LessonStateDTO, len(p.Lessons)),
		FarthestUnlockedLessonID: string(p.FarthestUnlockedLessonID),
		CompletedCount:           p.CompletedCount,
		TotalLessons:             len(p.Lessons),
	}
	for i, l := range p.Lessons {
		dto.Lessons[i] = LessonStateDTO{
			LessonID:  string(l.LessonID),
			Order:     l.Order,
			Title:     l.Title,
			IsPreview: l.IsPreview,
			State:     string(l.State),
		}
		if l.CompletedAt != nil {
			dto.Lessons[i].CompletedAt = l.CompletedAt.UTC().Format(time.RFC3339)
		}
	}
	return dto
}

// =============================================================================
// ENROLLMENTS + PURCHASES
// =============================================================================

type EnrollmentDTO struct {
	CourseID            string `json:"course_id"`
	CreatedAt           string `json:"created_at"`
	SourceTransactionID string `json:"source_transaction_id,omitempty"`
}

func toEnrollmentDTOs(es []ledger.Enrollment) []EnrollmentDTO {
	dtos := make([]EnrollmentDTO, len(es))
	for i, e := range es {
		dtos[i] = EnrollmentDTO{
			CourseID:            string(e.CourseID),
			CreatedAt:           e.CreatedAt.UTC().Format(time.RFC3339),
			SourceTransactionID: e.SourceTransactionID,
		}
	}
	return dtos
}

type PurchaseDTO struct {
	ID            string            `json:"id"`
	ItemKind      string            `json:"item_kind"`
	ItemID        string            `json:"item_id"`
	AmountUSD     string            `json:"amount_usd"`
	Status        string            `json:"status"`
	TransactionID string            `json:"transaction_id"`
	CreatedAt     string            `json:"created_at"`
	UpdatedAt     string            `json:"updated_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func toPurchaseDTO(p ledger.Purchase) PurchaseDTO {
	return PurchaseDTO{
		ID:            string(p.ID),
		ItemKind:      string(p.Item.Kind),
		ItemID:        p.Item.ID,
		AmountUSD:     p.AmountUSD.StringFixed(2),
		Status:        string(p.Status),
		TransactionID: p.TransactionID,
		CreatedAt:     p.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     p.UpdatedAt.UTC().Format(time.RFC3339),
		Metadata:      p.Metadata,
	}
}

func toPurchaseDTOs(ps []ledger.Purchase) []PurchaseDTO {
	dtos := make([]PurchaseDTO, len(ps))
	for i, p := range ps {
		dtos[i] = toPurchaseDTO(p)
	}
	return dtos
}

// CreatePurchaseRequest opens a purchase intent. The amount is taken from the
// catalog price and the transaction id is assigned by the server; the client
// hands the returned id to the payment provider's checkout.
type CreatePurchaseRequest struct {
	ItemKind string            `json:"item_kind" validate:"required,oneof=course resource"`
	ItemID   string            `json:"item_id" validate:"required,max=128"`
	Metadata map[string]string `json:"metadata" validate:"omitempty,max=20,dive,keys,max=64,endkeys,max=512"`
}

func (r CreatePurchaseRequest) item() ledger.ItemRef {
	return ledger.ItemRef{Kind: ledger.ItemKind(r.ItemKind), ID: r.ItemID}
}

// =============================================================================
// ADMIN
// =============================================================================

type CatalogImportResponse struct {
	Courses   int `json:"courses"`
	Resources int `json:"resources"`
}

type ReconcileResponse struct {
	Checked  int    `json:"checked"`
	Enrolled int    `json:"enrolled"`
	Failed   int    `json:"failed"`
	RanAt    string `json:"ran_at"`
}

func toReconcileResponse(res enrollment.ReconcileResult, at time.Time) ReconcileResponse {
	return ReconcileResponse{
		Checked:  res.Checked,
		Enrolled: res.Enrolled,
		Failed:   res.Failed,
		RanAt:    at.UTC().Format(time.RFC3339),
	}
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx answer except access denials,
// which return a DecisionDTO.
type ErrorResponse struct {
	Error     string            `json:"error"`
	Details   string            `json:"details,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Retryable bool              `json:"retryable,omitempty"`
}
