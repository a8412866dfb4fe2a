package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"escrowsync/escrow"
)

// Order is a contract between a client and a builder. Escrow fields are
// mutated only by the sync service and explicit dispute actions; the budget is
// immutable once escrow is funded.
type Order struct {
	ID                   uuid.UUID          `gorm:"type:uuid;primaryKey" json:"id"`
	ClientAddress        string             `gorm:"size:64;index" json:"clientAddress"`
	BuilderAddress       string             `gorm:"size:64;index" json:"builderAddress"`
	EscrowID             string             `gorm:"size:66;uniqueIndex" json:"escrowId"`
	Budget               string             `gorm:"size:78;not null" json:"budget"`
	EscrowStatus         escrow.OrderStatus `gorm:"size:16;index" json:"escrowStatus"`
	EscrowReleasedAmount string             `gorm:"size:78;not null;default:0" json:"escrowReleasedAmount"`
	InDispute            bool               `gorm:"not null;default:false" json:"inDispute"`
	CreatedAt            time.Time          `json:"createdAt"`
	UpdatedAt            time.Time          `json:"updatedAt"`
	Milestones           []Milestone        `gorm:"foreignKey:OrderID" json:"milestones,omitempty"`
}

// Milestone is an ordered sub-unit of an order. MilestoneIndex defines the
// execution order and is unique within the order.
type Milestone struct {
	ID               uuid.UUID               `gorm:"type:uuid;primaryKey" json:"id"`
	OrderID          uuid.UUID               `gorm:"type:uuid;index:idx_order_milestone,unique" json:"orderId"`
	MilestoneIndex   uint32                  `gorm:"index:idx_order_milestone,unique" json:"milestoneIndex"`
	Title            string                  `gorm:"size:256" json:"title"`
	Amount           string                  `gorm:"size:78;not null" json:"amount"`
	EscrowStatus     escrow.MilestoneStatus  `gorm:"size:16;index" json:"escrowStatus"`
	PriorStatus      *escrow.MilestoneStatus `gorm:"size:16" json:"priorStatus,omitempty"`
	SubmittedAt      *time.Time              `json:"submittedAt,omitempty"`
	ApprovedAt       *time.Time              `json:"approvedAt,omitempty"`
	PaidAt           *time.Time              `json:"paidAt,omitempty"`
	ApprovalDeadline int64                   `json:"approvalDeadline"`
	CreatedAt        time.Time               `json:"createdAt"`
	UpdatedAt        time.Time               `json:"updatedAt"`
}

// Transaction is the append-only audit record of one attempted on-chain
// action. TxHash is unique once assigned; status settles exactly once.
type Transaction struct {
	ID              uuid.UUID                `gorm:"type:uuid;primaryKey" json:"id"`
	OrderID         uuid.UUID                `gorm:"type:uuid;index" json:"orderId"`
	TransactionType escrow.TransactionType   `gorm:"size:32;index" json:"transactionType"`
	MilestoneIndex  *uint32                  `json:"milestoneIndex,omitempty"`
	Amount          string                   `gorm:"size:78" json:"amount"`
	TxHash          string                   `gorm:"size:66;uniqueIndex" json:"txHash"`
	Status          escrow.TransactionStatus `gorm:"size:16;index" json:"status"`
	BlockNumber     *uint64                  `json:"blockNumber,omitempty"`
	FromAddress     string                   `gorm:"size:64" json:"fromAddress"`
	ToAddress       string                   `gorm:"size:64" json:"toAddress"`
	FailureReason   string                   `gorm:"size:512" json:"failureReason,omitempty"`
	CreatedAt       time.Time                `json:"createdAt"`
	UpdatedAt       time.Time                `json:"updatedAt"`
}

// Dispute is the side-channel record freezing an order's payment flow until
// resolved by an external admin actor.
type Dispute struct {
	ID            uuid.UUID            `gorm:"type:uuid;primaryKey" json:"id"`
	OrderID       uuid.UUID            `gorm:"type:uuid;index" json:"orderId"`
	Reason        string               `gorm:"size:256;not null" json:"reason"`
	Description   string               `gorm:"type:text" json:"description"`
	InitiatedBy   string               `gorm:"size:64" json:"initiatedBy"`
	InitiatorType escrow.InitiatorType `gorm:"size:16" json:"initiatorType"`
	Status        escrow.DisputeStatus `gorm:"size:16;index" json:"status"`
	Outcome       *string              `gorm:"size:512" json:"outcome,omitempty"`
	ResolvedAt    *time.Time           `json:"resolvedAt,omitempty"`
	CreatedAt     time.Time            `json:"createdAt"`
	UpdatedAt     time.Time            `json:"updatedAt"`
}

// IdempotencyKey stores request replay metadata for mutating HTTP endpoints.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Order{},
		&Milestone{},
		&Transaction{},
		&Dispute{},
		&IdempotencyKey{},
	)
}
