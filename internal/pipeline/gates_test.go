package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/studyforge-backend/internal/logger"
	"github.com/yungbote/studyforge-backend/internal/repos"
	"github.com/yungbote/studyforge-backend/internal/repos/testutil"
	"github.com/yungbote/studyforge-backend/internal/types"
)

type gateFixture struct {
	db        *gorm.DB
	jobs      repos.JobRepo
	units     repos.ContentUnitRepo
	artifacts repos.StudyArtifactRepo
	gates     *GateEvaluator
	unitID    uuid.UUID
}

func newGateFixture(t *testing.T) *gateFixture {
	t.Helper()
	db := testutil.DB(t)
	log := logger.NewNop()
	jobs := repos.NewJobRepo(db, log)
	units := repos.NewContentUnitRepo(db, log)
	artifacts := repos.NewStudyArtifactRepo(db, log)

	unit, err := units.Create(context.Background(), nil, &types.ContentUnit{Title: "test unit"})
	if err != nil {
		t.Fatalf("create unit: %v", err)
	}
	return &gateFixture{
		db:        db,
		jobs:      jobs,
		units:     units,
		artifacts: artifacts,
		gates:     NewGateEvaluator(log, jobs, units, artifacts, nil, 3),
		unitID:    unit.ID,
	}
}

func gateCeilings() map[string]int {
	return map[string]int{
		types.JobTypeExtract:   100,
		types.JobTypeEmbed:     100,
		types.JobTypeSegment:   100,
		types.JobTypeAnalyze:   100,
		types.JobTypeQuiz:      100,
		types.JobTypeAggregate: 100,
	}
}

func (f *gateFixture) seedCompletedJobs(t *testing.T, jobType string, n int) []*types.PipelineJob {
	t.Helper()
	out := make([]*types.PipelineJob, n)
	for i := 0; i < n; i++ {
		raw, err := EncodePayload(map[string]string{"i": fmt.Sprint(i)})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		job, _, err := f.jobs.Enqueue(context.Background(), nil, &types.PipelineJob{
			ContentUnitID: f.unitID,
			JobType:       jobType,
			Payload:       raw,
			MaxAttempts:   3,
		})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		claimed, err := f.jobs.ClaimNext(context.Background(), nil, "w-seed", gateCeilings())
		if err != nil || claimed == nil || claimed.ID != job.ID {
			t.Fatalf("claim seeded job: job=%v err=%v", claimed, err)
		}
		if owned, err := f.jobs.Complete(context.Background(), nil, job.ID, "w-seed"); err != nil || !owned {
			t.Fatalf("complete: owned=%v err=%v", owned, err)
		}
		out[i] = job
	}
	return out
}

func (f *gateFixture) countByType(t *testing.T, jobType string) int {
	t.Helper()
	all, err := f.jobs.GetByUnitID(context.Background(), nil, f.unitID)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	n := 0
	for _, j := range all {
		if j.JobType == jobType {
			n++
		}
	}
	return n
}

func TestGateEnqueuesNextStageExactlyOnceUnderRace(t *testing.T) {
	f := newGateFixture(t)
	const siblings = 8
	completed := f.seedCompletedJobs(t, types.JobTypeExtract, siblings)

	// All siblings are terminal, so every concurrent evaluation passes the
	// readiness check; the dedupe key must collapse them to one embed job.
	var wg sync.WaitGroup
	for _, job := range completed {
		job := job
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.gates.OnCompleted(context.Background(), job); err != nil {
				t.Errorf("gate: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := f.countByType(t, types.JobTypeEmbed); n != 1 {
		t.Fatalf("expected exactly 1 embed job, got %d", n)
	}
}

func TestGateHoldsWhileSiblingsActive(t *testing.T) {
	f := newGateFixture(t)
	done := f.seedCompletedJobs(t, types.JobTypeExtract, 1)

	raw, _ := EncodePayload(map[string]string{"i": "active"})
	_, _, err := f.jobs.Enqueue(context.Background(), nil, &types.PipelineJob{
		ContentUnitID: f.unitID,
		JobType:       types.JobTypeExtract,
		Payload:       raw,
		MaxAttempts:   3,
	})
	if err != nil {
		t.Fatalf("enqueue active sibling: %v", err)
	}

	if err := f.gates.OnCompleted(context.Background(), done[0]); err != nil {
		t.Fatalf("gate: %v", err)
	}
	if n := f.countByType(t, types.JobTypeEmbed); n != 0 {
		t.Fatalf("gate opened with an active sibling, %d embed jobs", n)
	}
}

func TestGateEmbedCompletionAdvancesUnitAndEnqueuesSegment(t *testing.T) {
	f := newGateFixture(t)
	done := f.seedCompletedJobs(t, types.JobTypeEmbed, 1)

	if err := f.gates.OnCompleted(context.Background(), done[0]); err != nil {
		t.Fatalf("gate: %v", err)
	}
	unit, err := f.units.GetByID(context.Background(), nil, f.unitID)
	if err != nil {
		t.Fatalf("get unit: %v", err)
	}
	if unit.Status != types.UnitStatusEmbedded {
		t.Fatalf("unit status = %s, want embedded", unit.Status)
	}
	if n := f.countByType(t, types.JobTypeSegment); n != 1 {
		t.Fatalf("expected 1 segment job, got %d", n)
	}
}

func TestGateQuizJobsDerivedFromAnalyses(t *testing.T) {
	f := newGateFixture(t)
	for _, topic := range []string{"Photosynthesis", "Cell Respiration"} {
		_, err := f.artifacts.Upsert(context.Background(), nil, &types.StudyArtifact{
			ContentUnitID: f.unitID,
			Kind:          types.ArtifactKindAnalysis,
			Topic:         topic,
			Body:          "## Notes\ncontent",
		})
		if err != nil {
			t.Fatalf("upsert analysis: %v", err)
		}
	}
	done := f.seedCompletedJobs(t, types.JobTypeAnalyze, 2)

	// Both completions race through the gate; each quiz topic must still
	// be enqueued once.
	var wg sync.WaitGroup
	for _, job := range done {
		job := job
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.gates.OnCompleted(context.Background(), job); err != nil {
				t.Errorf("gate: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := f.countByType(t, types.JobTypeQuiz); n != 2 {
		t.Fatalf("expected 2 quiz jobs (one per topic), got %d", n)
	}

	// Dedupe keys carry the slugified topic, the same form analyze keys use.
	all, err := f.jobs.GetByUnitID(context.Background(), nil, f.unitID)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	want := map[string]bool{
		fmt.Sprintf("quiz:%s:photosynthesis", f.unitID):   false,
		fmt.Sprintf("quiz:%s:cell-respiration", f.unitID): false,
	}
	for _, j := range all {
		if j.JobType != types.JobTypeQuiz {
			continue
		}
		if _, ok := want[j.DedupeKey]; !ok {
			t.Fatalf("unexpected quiz dedupe key %q", j.DedupeKey)
		}
		want[j.DedupeKey] = true
	}
	for key, seen := range want {
		if !seen {
			t.Fatalf("missing quiz job for dedupe key %q", key)
		}
	}
}

func TestGateAggregateCompletionCompletesUnit(t *testing.T) {
	f := newGateFixture(t)
	done := f.seedCompletedJobs(t, types.JobTypeAggregate, 1)

	if err := f.gates.OnCompleted(context.Background(), done[0]); err != nil {
		t.Fatalf("gate: %v", err)
	}
	unit, err := f.units.GetByID(context.Background(), nil, f.unitID)
	if err != nil {
		t.Fatalf("get unit: %v", err)
	}
	if unit.Status != types.UnitStatusCompleted {
		t.Fatalf("unit status = %s, want completed", unit.Status)
	}
}
