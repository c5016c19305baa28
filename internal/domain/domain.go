// Package domain holds the value-oriented records shared by every service
// layer: Tenant, Document, Chunk, ReviewAction, TenantSettings. These are
// plain structs read from and written to a repository that owns all SQL;
// nothing here talks to a database.
package domain

import (
	"strconv"
	"time"
)

// Role distinguishes a tenant-owner from an administrator, who may widen
// scope to act on another tenant's data.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Tenant is the authenticated principal every operation is scoped by.
type Tenant struct {
	ID   int64
	Role Role
}

// IsAdmin reports whether t may act outside its own tenant scope.
func (t Tenant) IsAdmin() bool { return t.Role == RoleAdmin }

// DocumentStatus is the document's position in the review/index lifecycle.
type DocumentStatus string

const (
	StatusUploaded  DocumentStatus = "uploaded"
	StatusConfirmed DocumentStatus = "confirmed"
	StatusApproved  DocumentStatus = "approved"
	StatusIndexed   DocumentStatus = "indexed"
	StatusRejected  DocumentStatus = "rejected"
)

// ConversionStatus is the document's position in the async conversion
// pipeline, independent of DocumentStatus.
type ConversionStatus string

const (
	ConversionPending    ConversionStatus = "pending"
	ConversionProcessing ConversionStatus = "processing"
	ConversionReady      ConversionStatus = "ready"
	ConversionFailed     ConversionStatus = "failed"
)

// Document is the unit of upload.
type Document struct {
	ID               int64
	OwnerID          int64
	Filename         string
	ContentType      string
	SHA256           string
	SizeBytes        int64
	Status           DocumentStatus
	ConversionStatus ConversionStatus
	BlobKey          string
	MarkdownKey      string
	ConversionError  string
	RejectReason     string
	CreatedAt        time.Time
	ConfirmedAt      *time.Time
	ReviewedAt       *time.Time
	IndexedAt        *time.Time
	ReviewerID       *int64
	PreviewText      string
}

// Owned reports whether tenant t may act on d: either t owns d, or t is an
// administrator.
func (d Document) Owned(t Tenant) bool {
	return t.IsAdmin() || d.OwnerID == t.ID
}

// Chunk is the unit of retrieval: an ordered, contiguous slice of a
// document's Markdown.
type Chunk struct {
	ID         int64
	DocumentID int64
	ChunkIndex int
	Content    string
	CharCount  int
	Included   bool
}

// ReviewActionKind enumerates the audit-log action taken by a reviewer.
type ReviewActionKind string

const (
	ActionApprove ReviewActionKind = "approve"
	ActionReject  ReviewActionKind = "reject"
)

// ReviewAction is an append-only audit-log row.
type ReviewAction struct {
	ID         int64
	DocumentID int64
	ReviewerID int64
	Action     ReviewActionKind
	Reason     string
	CreatedAt  time.Time
}

// TenantSettings holds per-tenant defaults for the retrieval path.
type TenantSettings struct {
	TenantID          int64
	LLMProvider       string
	LLMModel          string
	EmbeddingProvider string
	EmbeddingModel    string
	TopK              int
	Temperature       float64
	RerankEnabled     bool
	RerankProvider    string
	RerankModel       string
}

// PartitionName returns the vector-store partition name for ownerID.
func PartitionName(ownerID int64) string {
	return "tenant_" + strconv.FormatInt(ownerID, 10)
}
