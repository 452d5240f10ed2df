package domain

import (
	"testing"
	"time"
)

func docIn(status ExtractionStatus, attempts, tokens int) Document {
	doc := NewDocument("d", "u", "s", "f.pdf", 1, 3, baseTime)
	doc.ExtractionStatus = status
	doc.ExtractionAttempts = attempts
	doc.TokensUsed = tokens
	if status == ExtractionExtracted || status == ExtractionFailed {
		done := baseTime.Add(time.Duration(attempts) * time.Minute)
		doc.ExtractionCompletedAt = &done
	}
	return *doc
}

func TestAggregatePartialSession(t *testing.T) {
	docs := []Document{
		docIn(ExtractionExtracted, 1, 10),
		docIn(ExtractionExtracted, 2, 20),
		docIn(ExtractionFailed, 3, 0),
	}
	agg := Aggregate(true, docs)
	if agg.Status != SessionPartial {
		t.Fatalf("expected partial, got %s", agg.Status)
	}
	if agg.TotalFiles != 3 || agg.ProcessedFiles != 2 || agg.FailedFiles != 1 {
		t.Fatalf("unexpected counters: %+v", agg)
	}
	if agg.TotalTokensUsed != 30 {
		t.Fatalf("expected 30 tokens, got %d", agg.TotalTokensUsed)
	}
	if agg.CompletedAt == nil {
		t.Fatalf("expected completed_at once every document is terminal")
	}
}

func TestAggregateDerivedStatusRules(t *testing.T) {
	cases := []struct {
		name   string
		active bool
		docs   []Document
		want   SessionStatus
	}{
		{"empty session", true, nil, SessionDraft},
		{"all extracted", false, []Document{docIn(ExtractionExtracted, 1, 0), docIn(ExtractionExtracted, 1, 0)}, SessionCompleted},
		{"all failed terminal", true, []Document{docIn(ExtractionFailed, 3, 0)}, SessionFailed},
		{"pending with extraction on", true, []Document{docIn(ExtractionPending, 0, 0), docIn(ExtractionExtracted, 1, 0)}, SessionProcessing},
		{"pending with extraction off", false, []Document{docIn(ExtractionPending, 0, 0)}, SessionDraft},
		{"retryable failure keeps processing", true, []Document{docIn(ExtractionFailed, 1, 0)}, SessionProcessing},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Aggregate(tc.active, tc.docs).Status; got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestAggregateIsOrderIndependentAndIdempotent(t *testing.T) {
	docs := []Document{
		docIn(ExtractionExtracted, 1, 7),
		docIn(ExtractionFailed, 3, 0),
		docIn(ExtractionExtracting, 1, 0),
		docIn(ExtractionExtracted, 2, 11),
	}
	want := Aggregate(true, docs)

	reversed := make([]Document, len(docs))
	for i := range docs {
		reversed[len(docs)-1-i] = docs[i]
	}
	got := Aggregate(true, reversed)
	if got.Status != want.Status || got.TotalTokensUsed != want.TotalTokensUsed ||
		got.ProcessedFiles != want.ProcessedFiles || got.FailedFiles != want.FailedFiles {
		t.Fatalf("aggregate depends on order: %+v vs %+v", got, want)
	}

	session := &Session{ID: "s"}
	if !session.Apply(want) {
		t.Fatalf("first apply should report a change")
	}
	if session.Apply(Aggregate(true, docs)) {
		t.Fatalf("re-applying the same aggregate must be a no-op")
	}
}

func TestAggregateCountersStayWithinTotal(t *testing.T) {
	statuses := []ExtractionStatus{ExtractionPending, ExtractionQueued, ExtractionExtracting, ExtractionExtracted, ExtractionFailed}
	var docs []Document
	for _, status := range statuses {
		for attempts := 0; attempts <= 3; attempts++ {
			docs = append(docs, docIn(status, attempts, attempts))
			agg := Aggregate(true, docs)
			if agg.ProcessedFiles+agg.FailedFiles > agg.TotalFiles {
				t.Fatalf("counters exceed total: %+v", agg)
			}
			if agg.TotalFiles != len(docs) {
				t.Fatalf("expected total %d, got %d", len(docs), agg.TotalFiles)
			}
		}
	}
}

func TestSessionProgress(t *testing.T) {
	s := Session{TotalFiles: 4, ProcessedFiles: 2, FailedFiles: 1}
	if got := s.Progress(); got != 0.75 {
		t.Fatalf("expected 0.75, got %v", got)
	}
	if (&Session{}).Progress() != 0 {
		t.Fatalf("expected empty session progress 0")
	}
}

func TestPlanTableLimits(t *testing.T) {
	table := DefaultPlanTable()
	if table.Limits(PlanFree).MaxDocuments != 15 || table.Limits(PlanPremium).MaxTokens != 5000 {
		t.Fatalf("unexpected default plan table: %+v", table)
	}
	if table.Limits(PlanType("enterprise")) != table.Limits(PlanFree) {
		t.Fatalf("unknown plans must fall back to free")
	}
	if _, err := ParsePlanType("Gold"); !IsKind(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
