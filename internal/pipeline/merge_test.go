package pipeline

import (
	"strings"
	"testing"
)

func TestMergeBatchesDeduplicatesOverlap(t *testing.T) {
	batchA := strings.Join([]string{
		"## Key Rules",
		"Rule one applies to everything.",
		"Rule two has an exception.",
		"Rule three is rarely used.",
	}, "\n")
	batchB := strings.Join([]string{
		"## Key Rules",
		"Rule two has an exception.",
		"Rule three is rarely used.",
		"Rule one applies to everything.",
		"Rule four closes the list.",
	}, "\n")

	res := MergeBatches([]string{batchA, batchB})
	if res.Sections != 1 {
		t.Fatalf("expected 1 merged section, got %d", res.Sections)
	}
	wantOrder := []string{
		"Rule one applies to everything.",
		"Rule two has an exception.",
		"Rule three is rarely used.",
		"Rule four closes the list.",
	}
	for _, line := range wantOrder {
		if n := strings.Count(res.Document, line); n != 1 {
			t.Fatalf("line %q appears %d times, want exactly once", line, n)
		}
	}
	lastIdx := -1
	for _, line := range wantOrder {
		idx := strings.Index(res.Document, line)
		if idx < lastIdx {
			t.Fatalf("line %q out of first-seen order", line)
		}
		lastIdx = idx
	}
}

func TestMergeBatchesNormalizesHeadings(t *testing.T) {
	res := MergeBatches([]string{
		"## 1. Photosynthesis\nLight reactions split water.",
		"## Photosynthesis:\nThe Calvin cycle fixes carbon.",
	})
	if res.Sections != 1 {
		t.Fatalf("equivalent headings did not coalesce: %d sections", res.Sections)
	}
	if !strings.Contains(res.Document, "Light reactions split water.") ||
		!strings.Contains(res.Document, "The Calvin cycle fixes carbon.") {
		t.Fatalf("merged section lost content:\n%s", res.Document)
	}
}

func TestMergeBatchesDropsEmptySections(t *testing.T) {
	res := MergeBatches([]string{
		"## Filled\ncontent line",
		"## Hollow\n\n",
	})
	if res.Sections != 1 {
		t.Fatalf("expected the hollow section dropped, got %d sections", res.Sections)
	}
	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "Hollow") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a diagnostic for the dropped section, warnings: %v", res.Warnings)
	}
}

func TestMergeBatchesPreamble(t *testing.T) {
	res := MergeBatches([]string{"intro line before any heading\n## First\nbody"})
	if res.Sections != 2 {
		t.Fatalf("expected preamble plus one section, got %d", res.Sections)
	}
	if !strings.HasPrefix(res.Document, "intro line") {
		t.Fatalf("preamble not first:\n%s", res.Document)
	}
}

func TestParseSections(t *testing.T) {
	secs := ParseSections("## A\none\ntwo\n## B\nthree")
	if len(secs) != 2 {
		t.Fatalf("expected 2 sections, got %d", len(secs))
	}
	if secs[0].Title != "A" || len(secs[0].Lines) != 2 {
		t.Fatalf("section A parsed wrong: %+v", secs[0])
	}
	if secs[1].Title != "B" || len(secs[1].Lines) != 1 {
		t.Fatalf("section B parsed wrong: %+v", secs[1])
	}
}
