package pipeline

import (
	"strings"
)

// Section is one titled block of a structured summary document.
type Section struct {
	Title string
	Lines []string
}

/*
ParseSections reads markdown-ish text where second-level headings mark
topical sections. Lines before the first heading fall into an untitled
preamble section. Titles keep their display form; matching across batches
happens on the normalized form.
*/
func ParseSections(text string) []Section {
	var sections []Section
	current := -1
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "## ") {
			sections = append(sections, Section{Title: strings.TrimSpace(strings.TrimPrefix(trimmed, "## "))})
			current = len(sections) - 1
			continue
		}
		if trimmed == "" {
			continue
		}
		if current == -1 {
			sections = append(sections, Section{Title: ""})
			current = 0
		}
		sections[current].Lines = append(sections[current].Lines, trimmed)
	}
	return sections
}

// normalizeTitle collapses equivalent headings across batches: case,
// leading enumeration ("3.", "IV)", "-") and trailing punctuation are all
// presentation noise, not identity.
func normalizeTitle(title string) string {
	t := strings.ToLower(strings.TrimSpace(title))
	t = strings.TrimLeft(t, "0123456789ivxlc.)-–: ")
	t = strings.TrimRight(t, ".:;, ")
	return strings.Join(strings.Fields(t), " ")
}

// MergeResult carries the merged document plus non-fatal sanity warnings
// for the operator.
type MergeResult struct {
	Document string
	Sections int
	Warnings []string
}

/*
MergeBatches reconciles overlapping summary batches into one document.
Sections recurring across batches (the overlap seed re-summarized)
coalesce under their normalized title; within a section, a line identical
to one already kept is dropped, so overlap-induced repeats vanish while
every distinct detail survives in first-seen order. Sections left empty
after dedup are dropped with a diagnostic.
*/
func MergeBatches(batches []string) MergeResult {
	type bucket struct {
		title string
		lines []string
		seen  map[string]bool
	}
	byKey := make(map[string]*bucket)
	var order []string
	var warnings []string

	totalInput := 0
	for _, batch := range batches {
		totalInput += len(batch)
		for _, sec := range ParseSections(batch) {
			key := normalizeTitle(sec.Title)
			b, ok := byKey[key]
			if !ok {
				b = &bucket{title: sec.Title, seen: make(map[string]bool)}
				byKey[key] = b
				order = append(order, key)
			}
			for _, line := range sec.Lines {
				if b.seen[line] {
					continue
				}
				b.seen[line] = true
				b.lines = append(b.lines, line)
			}
		}
	}

	var parts []string
	kept := 0
	for _, key := range order {
		b := byKey[key]
		if len(b.lines) == 0 {
			warnings = append(warnings, "dropped empty section: "+b.title)
			continue
		}
		kept++
		var sb strings.Builder
		if b.title != "" {
			sb.WriteString("## ")
			sb.WriteString(b.title)
			sb.WriteString("\n")
		}
		sb.WriteString(strings.Join(b.lines, "\n"))
		parts = append(parts, sb.String())
	}

	// Sanity checks are advisory: a thin result is suspicious, not fatal.
	if totalInput > 4000 && kept < 2 {
		warnings = append(warnings, "implausibly few sections for input size")
	}
	for _, key := range order {
		b := byKey[key]
		if len(b.lines) == 1 && totalInput > 4000 {
			warnings = append(warnings, "section has a single line: "+b.title)
		}
	}

	return MergeResult{
		Document: strings.Join(parts, "\n\n---\n\n"),
		Sections: kept,
		Warnings: warnings,
	}
}
