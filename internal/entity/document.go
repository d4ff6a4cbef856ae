package entity

import (
	"encoding/json"
	"fmt"
)

// ContentType describes the document body format.
type ContentType string

const (
	ContentTypeText     ContentType = "text"
	ContentTypeMarkdown ContentType = "markdown"
	ContentTypeJSON     ContentType = "json"
)

// DocumentStatus is active or archived.
type DocumentStatus string

const (
	DocumentStatusActive   DocumentStatus = "active"
	DocumentStatusArchived DocumentStatus = "archived"
)

// DocumentCategory classifies documents for search and stewardship.
type DocumentCategory string

const (
	CategoryRequirements  DocumentCategory = "requirements"
	CategoryDesign        DocumentCategory = "design"
	CategoryArchitecture  DocumentCategory = "architecture"
	CategoryAPI           DocumentCategory = "api"
	CategoryGuide         DocumentCategory = "guide"
	CategoryRunbook       DocumentCategory = "runbook"
	CategoryResearch      DocumentCategory = "research"
	CategoryDecision      DocumentCategory = "decision"
	CategoryMeeting       DocumentCategory = "meeting"
	CategoryPlan          DocumentCategory = "plan"
	CategoryRetrospective DocumentCategory = "retrospective"
	CategoryReference     DocumentCategory = "reference"
	CategoryTemplate      DocumentCategory = "template"
	CategoryOther         DocumentCategory = "other"
)

// DocumentCategories lists all valid categories.
func DocumentCategories() []DocumentCategory {
	return []DocumentCategory{
		CategoryRequirements, CategoryDesign, CategoryArchitecture, CategoryAPI,
		CategoryGuide, CategoryRunbook, CategoryResearch, CategoryDecision,
		CategoryMeeting, CategoryPlan, CategoryRetrospective, CategoryReference,
		CategoryTemplate, CategoryOther,
	}
}

// ValidDocumentCategory reports whether c is a known category.
func ValidDocumentCategory(c DocumentCategory) bool {
	for _, v := range DocumentCategories() {
		if v == c {
			return true
		}
	}
	return false
}

// MaxContentSize bounds the UTF-8 byte length of a document body.
const MaxContentSize = 1 << 20

// Document is a versioned content record. Content updates append a new
// record to the version chain rather than mutating in place: the envelope
// Version is the position in the chain, and PreviousVersionID points at the
// chain root (the first version's id), not the immediate predecessor.
// PreviousVersionID is nil exactly on the first version.
type Document struct {
	Envelope
	Title             string           `json:"title"`
	ContentType       ContentType      `json:"contentType"`
	Content           string           `json:"content"`
	Category          DocumentCategory `json:"category"`
	Status            DocumentStatus   `json:"status"`
	Immutable         bool             `json:"immutable"`
	PreviousVersionID *string          `json:"previousVersionId"`
}

// NewDocument creates the first version of a document chain.
func NewDocument(title string, contentType ContentType, content, createdBy string) *Document {
	return &Document{
		Envelope:    NewEnvelope(TypeDocument, PrefixDocument, createdBy),
		Title:       TrimTitle(title),
		ContentType: contentType,
		Content:     content,
		Category:    CategoryOther,
		Status:      DocumentStatusActive,
	}
}

// Validate checks the document invariants.
func (d *Document) Validate() error {
	title := TrimTitle(d.Title)
	if len(title) == 0 {
		return NewValidationError("title", "must not be empty")
	}
	if len(title) > MaxTitleLen {
		return NewValidationError("title", fmt.Sprintf("exceeds %d characters", MaxTitleLen))
	}
	switch d.ContentType {
	case ContentTypeText, ContentTypeMarkdown, ContentTypeJSON:
	default:
		return NewValidationError("contentType", fmt.Sprintf("unknown content type %q", d.ContentType))
	}
	if len(d.Content) > MaxContentSize {
		return NewValidationError("content", fmt.Sprintf("exceeds %d bytes", MaxContentSize))
	}
	if d.ContentType == ContentTypeJSON && !json.Valid([]byte(d.Content)) {
		return NewValidationError("content", "json content must parse")
	}
	if !ValidDocumentCategory(d.Category) {
		return NewValidationError("category", fmt.Sprintf("unknown category %q", d.Category))
	}
	switch d.Status {
	case DocumentStatusActive, DocumentStatusArchived:
	default:
		return NewValidationError("status", fmt.Sprintf("unknown status %q", d.Status))
	}
	// previousVersionId is nil exactly on the first version
	if (d.Version == 1) != (d.PreviousVersionID == nil) {
		return NewValidationError("previousVersionId", "must be nil exactly when version is 1")
	}
	return nil
}

// ChainRootID returns the id of the first version in this document's chain.
func (d *Document) ChainRootID() string {
	if d.PreviousVersionID != nil {
		return *d.PreviousVersionID
	}
	return d.ID
}

// NextVersion builds the successor record for a content update: a fresh id,
// the chain position advanced by one, and the root pointer anchored. The
// receiver is left untouched; it stays in the store as history.
func (d *Document) NextVersion(content, updatedBy string) *Document {
	root := d.ChainRootID()
	next := &Document{
		Envelope:          NewEnvelope(TypeDocument, PrefixDocument, updatedBy),
		Title:             d.Title,
		ContentType:       d.ContentType,
		Content:           content,
		Category:          d.Category,
		Status:            d.Status,
		Immutable:         d.Immutable,
		PreviousVersionID: &root,
	}
	next.Version = d.Version + 1
	next.Tags = append([]string(nil), d.Tags...)
	for k, v := range d.Metadata {
		next.Metadata[k] = v
	}
	return next
}
