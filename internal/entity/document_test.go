package entity

import (
	"errors"
	"strings"
	"testing"
)

func TestNewDocumentIsChainRoot(t *testing.T) {
	doc := NewDocument("Design notes", ContentTypeMarkdown, "# Notes", "director-1")
	if doc.Version != 1 {
		t.Errorf("expected version 1, got %d", doc.Version)
	}
	if doc.PreviousVersionID != nil {
		t.Errorf("first version must have nil previousVersionId, got %v", *doc.PreviousVersionID)
	}
	if doc.ChainRootID() != doc.ID {
		t.Errorf("chain root of first version should be itself")
	}
	if doc.Status != DocumentStatusActive || doc.Category != CategoryOther {
		t.Errorf("unexpected defaults: status=%s category=%s", doc.Status, doc.Category)
	}
	if err := doc.Validate(); err != nil {
		t.Fatalf("new document should validate: %v", err)
	}
}

func TestDocumentVersionChain(t *testing.T) {
	root := NewDocument("Runbook", ContentTypeMarkdown, "v1", "who")
	v2 := root.NextVersion("v2", "who")
	v3 := v2.NextVersion("v3", "who")

	if v2.Version != 2 || v3.Version != 3 {
		t.Fatalf("expected versions 2 and 3, got %d and %d", v2.Version, v3.Version)
	}
	if v2.ID == root.ID || v3.ID == v2.ID {
		t.Error("each version must be a distinct record")
	}
	if v2.PreviousVersionID == nil || *v2.PreviousVersionID != root.ID {
		t.Error("v2 must point at the chain root")
	}
	if v3.PreviousVersionID == nil || *v3.PreviousVersionID != root.ID {
		t.Error("v3 must point at the chain root, not its predecessor")
	}
	if v3.ChainRootID() != root.ID {
		t.Errorf("chain root id: expected %s, got %s", root.ID, v3.ChainRootID())
	}
	if root.Content != "v1" {
		t.Error("creating a new version must not mutate the old record")
	}
	for _, d := range []*Document{v2, v3} {
		if err := d.Validate(); err != nil {
			t.Errorf("version %d should validate: %v", d.Version, err)
		}
	}
}

func TestNextVersionCopiesTagsAndMetadata(t *testing.T) {
	root := NewDocument("Tagged", ContentTypeText, "v1", "who")
	root.AddTag("area:sync")
	root.Metadata["owner"] = "steward-1"

	next := root.NextVersion("v2", "who")
	if !next.HasTag("area:sync") {
		t.Error("tags should carry over to the new version")
	}
	if next.Metadata["owner"] != "steward-1" {
		t.Error("metadata should carry over to the new version")
	}

	next.AddTag("draft")
	next.Metadata["owner"] = "steward-2"
	if root.HasTag("draft") || root.Metadata["owner"] != "steward-1" {
		t.Error("new version must not share tag or metadata storage with the old record")
	}
}

func TestDocumentValidateChainInvariant(t *testing.T) {
	doc := NewDocument("Broken", ContentTypeText, "body", "who")

	doc.Version = 2
	if err := doc.Validate(); err == nil {
		t.Error("version > 1 with nil previousVersionId must be rejected")
	}

	doc.Version = 1
	prev := "doc-something"
	doc.PreviousVersionID = &prev
	if err := doc.Validate(); err == nil {
		t.Error("version 1 with previousVersionId must be rejected")
	}
}

func TestDocumentValidateContent(t *testing.T) {
	doc := NewDocument("Big", ContentTypeText, strings.Repeat("a", MaxContentSize+1), "who")
	err := doc.Validate()
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "content" {
		t.Fatalf("oversized content should fail on content, got %v", err)
	}

	doc = NewDocument("Bad JSON", ContentTypeJSON, "{not json", "who")
	err = doc.Validate()
	if !errors.As(err, &verr) || verr.Field != "content" {
		t.Fatalf("invalid json content should fail on content, got %v", err)
	}

	doc = NewDocument("Good JSON", ContentTypeJSON, `{"ok":true}`, "who")
	if err := doc.Validate(); err != nil {
		t.Fatalf("valid json content should pass: %v", err)
	}
}

func TestDocumentCategories(t *testing.T) {
	if n := len(DocumentCategories()); n != 14 {
		t.Errorf("expected 14 categories, got %d", n)
	}
	for _, c := range DocumentCategories() {
		doc := NewDocument("Cat", ContentTypeText, "x", "who")
		doc.Category = c
		if err := doc.Validate(); err != nil {
			t.Errorf("category %s should validate: %v", c, err)
		}
	}
	doc := NewDocument("Cat", ContentTypeText, "x", "who")
	doc.Category = "novel"
	if err := doc.Validate(); err == nil {
		t.Error("unknown category should be rejected")
	}
}
