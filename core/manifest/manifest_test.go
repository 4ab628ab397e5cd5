package manifest

import (
	"testing"
	"time"
)

func TestArtifactRefValidate(t *testing.T) {
	ok := ArtifactRef{SourceID: "db1", ArtifactID: "db1_20250110_120000", Kind: KindDatabase, Backend: "pg-main"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("expected valid ref: %v", err)
	}

	cases := []struct {
		name string
		ref  ArtifactRef
	}{
		{"missing source", ArtifactRef{ArtifactID: "a", Kind: KindDatabase, Backend: "b"}},
		{"missing artifact", ArtifactRef{SourceID: "s", Kind: KindDatabase, Backend: "b"}},
		{"missing backend", ArtifactRef{SourceID: "s", ArtifactID: "a", Kind: KindDatabase}},
		{"bad kind", ArtifactRef{SourceID: "s", ArtifactID: "a", Kind: "Blob", Backend: "b"}},
	}
	for _, tc := range cases {
		if err := tc.ref.Validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestFilterMatches(t *testing.T) {
	created := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	e := Entry{
		Ref:       ArtifactRef{SourceID: "db1", ArtifactID: "a1", Kind: KindDatabase, Backend: "pg-main"},
		Outcome:   OutcomeSuccess,
		CreatedAt: created,
	}

	if !(Filter{}).Matches(e) {
		t.Fatalf("zero filter must match")
	}
	if !(Filter{Backend: "pg-main", SourceID: "db1", Kind: KindDatabase, Outcome: OutcomeSuccess}).Matches(e) {
		t.Fatalf("full filter must match")
	}
	if (Filter{Backend: "other"}).Matches(e) {
		t.Fatalf("backend mismatch must not match")
	}
	if (Filter{Kind: KindTable}).Matches(e) {
		t.Fatalf("kind mismatch must not match")
	}

	// OlderThan is strict: an entry created exactly at the cutoff stays.
	if (Filter{OlderThan: created}).Matches(e) {
		t.Fatalf("entry at cutoff must not match")
	}
	if !(Filter{OlderThan: created.Add(time.Second)}).Matches(e) {
		t.Fatalf("entry before cutoff must match")
	}
	if (Filter{OlderThan: created.Add(-time.Second)}).Matches(e) {
		t.Fatalf("entry after cutoff must not match")
	}
}
