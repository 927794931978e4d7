package repos_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/studyforge-backend/internal/repos"
	"github.com/yungbote/studyforge-backend/internal/repos/testutil"
	"github.com/yungbote/studyforge-backend/internal/retry"
	"github.com/yungbote/studyforge-backend/internal/types"
)

func testCeilings() map[string]int {
	return map[string]int{
		types.JobTypeExtract:   100,
		types.JobTypeEmbed:     100,
		types.JobTypeSegment:   100,
		types.JobTypeAnalyze:   100,
		types.JobTypeQuiz:      100,
		types.JobTypeAggregate: 100,
	}
}

func newJob(unitID uuid.UUID, jobType, dedupeKey string) *types.PipelineJob {
	return &types.PipelineJob{
		ContentUnitID: unitID,
		JobType:       jobType,
		Payload:       datatypes.JSON([]byte(`{"content_unit_id":"` + unitID.String() + `"}`)),
		MaxAttempts:   3,
		DedupeKey:     dedupeKey,
	}
}

func TestEnqueueDedupe(t *testing.T) {
	db := testutil.DB(t)
	jobs := repos.NewJobRepo(db, testutil.Logger(t))
	ctx := context.Background()
	unitID := uuid.New()

	first, existed, err := jobs.Enqueue(ctx, nil, newJob(unitID, types.JobTypeEmbed, "embed:"+unitID.String()))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if existed {
		t.Fatalf("first enqueue reported existing")
	}

	second, existed, err := jobs.Enqueue(ctx, nil, newJob(unitID, types.JobTypeEmbed, "embed:"+unitID.String()))
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if !existed {
		t.Fatalf("duplicate enqueue was not deduped")
	}
	if second.ID != first.ID {
		t.Fatalf("dedupe returned a different job: %s vs %s", second.ID, first.ID)
	}

	// A terminal job frees the key.
	claimed, err := jobs.ClaimNext(ctx, nil, "w1", testCeilings())
	if err != nil || claimed == nil {
		t.Fatalf("claim: job=%v err=%v", claimed, err)
	}
	owned, err := jobs.Complete(ctx, nil, claimed.ID, "w1")
	if err != nil || !owned {
		t.Fatalf("complete: owned=%v err=%v", owned, err)
	}
	third, existed, err := jobs.Enqueue(ctx, nil, newJob(unitID, types.JobTypeEmbed, "embed:"+unitID.String()))
	if err != nil {
		t.Fatalf("third enqueue: %v", err)
	}
	if existed || third.ID == first.ID {
		t.Fatalf("terminal job should not block re-enqueue")
	}
}

func TestClaimExclusivity(t *testing.T) {
	db := testutil.DB(t)
	jobs := repos.NewJobRepo(db, testutil.Logger(t))
	ctx := context.Background()
	unitID := uuid.New()

	const pending = 10
	const workers = 4
	for i := 0; i < pending; i++ {
		if _, _, err := jobs.Enqueue(ctx, nil, newJob(unitID, types.JobTypeExtract, fmt.Sprintf("extract:%d", i))); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	var mu sync.Mutex
	claimed := make(map[uuid.UUID]string)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		workerID := fmt.Sprintf("worker-%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := jobs.ClaimNext(ctx, nil, workerID, testCeilings())
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				if prev, dup := claimed[job.ID]; dup {
					t.Errorf("job %s claimed twice: %s and %s", job.ID, prev, workerID)
				}
				claimed[job.ID] = workerID
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != pending {
		t.Fatalf("expected %d distinct claims, got %d", pending, len(claimed))
	}
}

func TestClaimRespectsCeiling(t *testing.T) {
	db := testutil.DB(t)
	jobs := repos.NewJobRepo(db, testutil.Logger(t))
	ctx := context.Background()
	unitID := uuid.New()

	for i := 0; i < 3; i++ {
		if _, _, err := jobs.Enqueue(ctx, nil, newJob(unitID, types.JobTypeEmbed, fmt.Sprintf("e:%d", i))); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	ceilings := testCeilings()
	ceilings[types.JobTypeEmbed] = 1

	first, err := jobs.ClaimNext(ctx, nil, "w1", ceilings)
	if err != nil || first == nil {
		t.Fatalf("first claim: job=%v err=%v", first, err)
	}
	second, err := jobs.ClaimNext(ctx, nil, "w2", ceilings)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second != nil {
		t.Fatalf("claim ignored saturated ceiling, got job %s", second.ID)
	}
	if owned, err := jobs.Complete(ctx, nil, first.ID, "w1"); err != nil || !owned {
		t.Fatalf("complete: owned=%v err=%v", owned, err)
	}
	third, err := jobs.ClaimNext(ctx, nil, "w2", ceilings)
	if err != nil || third == nil {
		t.Fatalf("claim after completion: job=%v err=%v", third, err)
	}
}

func TestClaimHonorsNextRetryAt(t *testing.T) {
	db := testutil.DB(t)
	jobs := repos.NewJobRepo(db, testutil.Logger(t))
	ctx := context.Background()

	job := newJob(uuid.New(), types.JobTypeExtract, "")
	job.NextRetryAt = time.Now().Add(time.Hour)
	if _, _, err := jobs.Enqueue(ctx, nil, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, err := jobs.ClaimNext(ctx, nil, "w1", testCeilings())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got != nil {
		t.Fatalf("claimed a job whose next_retry_at is in the future")
	}
}

func TestFailBackoffThenDead(t *testing.T) {
	db := testutil.DB(t)
	jobs := repos.NewJobRepo(db, testutil.Logger(t))
	ctx := context.Background()
	policy := retry.Policy{Base: time.Second, Multiplier: 2, Cap: time.Minute, Jitter: 0.25}

	job := newJob(uuid.New(), types.JobTypeExtract, "")
	job.MaxAttempts = 2
	created, _, err := jobs.Enqueue(ctx, nil, job)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := jobs.ClaimNext(ctx, nil, "w1", testCeilings())
	if err != nil || claimed == nil {
		t.Fatalf("claim: job=%v err=%v", claimed, err)
	}

	before := time.Now()
	updated, err := jobs.Fail(ctx, nil, created.ID, "w1", "boom", policy)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if updated.Status != types.JobStatusPending {
		t.Fatalf("expected pending after first failure, got %s", updated.Status)
	}
	if updated.AttemptCount != 1 {
		t.Fatalf("expected attempt_count 1, got %d", updated.AttemptCount)
	}
	if !updated.NextRetryAt.After(before) {
		t.Fatalf("next_retry_at was not pushed out: %v", updated.NextRetryAt)
	}
	if updated.LockedBy != "" {
		t.Fatalf("lock not cleared on failure")
	}

	// Make the retry due again and let another worker pick it up.
	if err := db.Model(&types.PipelineJob{}).Where("id = ?", created.ID).
		Update("next_retry_at", time.Now().Add(-time.Minute)).Error; err != nil {
		t.Fatalf("advance retry clock: %v", err)
	}
	claimed, err = jobs.ClaimNext(ctx, nil, "w2", testCeilings())
	if err != nil || claimed == nil {
		t.Fatalf("reclaim: job=%v err=%v", claimed, err)
	}
	updated, err = jobs.Fail(ctx, nil, created.ID, "w2", "boom again", policy)
	if err != nil {
		t.Fatalf("second fail: %v", err)
	}
	if updated.Status != types.JobStatusDead {
		t.Fatalf("expected dead after exhausting attempts, got %s", updated.Status)
	}
}

func TestResetStale(t *testing.T) {
	db := testutil.DB(t)
	jobs := repos.NewJobRepo(db, testutil.Logger(t))
	ctx := context.Background()
	lease := 5 * time.Minute
	stale := time.Now().Add(-time.Hour)

	revivable, _, err := jobs.Enqueue(ctx, nil, newJob(uuid.New(), types.JobTypeExtract, ""))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	exhausted, _, err := jobs.Enqueue(ctx, nil, newJob(uuid.New(), types.JobTypeExtract, ""))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := db.Model(&types.PipelineJob{}).Where("id = ?", revivable.ID).Updates(map[string]interface{}{
		"status": types.JobStatusProcessing, "locked_by": "w1", "locked_at": stale, "updated_at": stale,
	}).Error; err != nil {
		t.Fatalf("seed revivable: %v", err)
	}
	if err := db.Model(&types.PipelineJob{}).Where("id = ?", exhausted.ID).Updates(map[string]interface{}{
		"status": types.JobStatusProcessing, "locked_by": "w2", "locked_at": stale,
		"updated_at": stale, "attempt_count": 3,
	}).Error; err != nil {
		t.Fatalf("seed exhausted: %v", err)
	}

	n, err := jobs.ResetStale(ctx, nil, lease)
	if err != nil {
		t.Fatalf("reset stale: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 reclaimed jobs, got %d", n)
	}

	got, err := jobs.GetByID(ctx, nil, revivable.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.JobStatusPending || got.LockedBy != "" {
		t.Fatalf("revivable job not reset: status=%s locked_by=%q", got.Status, got.LockedBy)
	}
	if got.ErrorMessage == "" {
		t.Fatalf("expected reclaim reason recorded")
	}

	got, err = jobs.GetByID(ctx, nil, exhausted.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.JobStatusDead {
		t.Fatalf("exhausted job should be dead, got %s", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Fatalf("expected explanatory message on dead job")
	}
}

func TestResetToPendingRevivesDeadJob(t *testing.T) {
	db := testutil.DB(t)
	jobs := repos.NewJobRepo(db, testutil.Logger(t))
	ctx := context.Background()

	job, _, err := jobs.Enqueue(ctx, nil, newJob(uuid.New(), types.JobTypeExtract, ""))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := jobs.ClaimNext(ctx, nil, "w1", testCeilings())
	if err != nil || claimed == nil {
		t.Fatalf("claim: job=%v err=%v", claimed, err)
	}
	if owned, err := jobs.MarkDead(ctx, nil, job.ID, "w1", "gone"); err != nil || !owned {
		t.Fatalf("mark dead: owned=%v err=%v", owned, err)
	}
	if err := jobs.ResetToPending(ctx, nil, job.ID); err != nil {
		t.Fatalf("reset: %v", err)
	}
	got, err := jobs.GetByID(ctx, nil, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.JobStatusPending || got.AttemptCount != 0 || got.ErrorMessage != "" {
		t.Fatalf("reset did not fully revive job: %+v", got)
	}
}

// A worker whose lease expired must not be able to write a terminal state
// over the job's new owner.
func TestStaleOwnerCannotWriteTerminalState(t *testing.T) {
	db := testutil.DB(t)
	jobs := repos.NewJobRepo(db, testutil.Logger(t))
	ctx := context.Background()
	policy := retry.Policy{Base: time.Second, Multiplier: 2, Cap: time.Minute, Jitter: 0}

	created, _, err := jobs.Enqueue(ctx, nil, newJob(uuid.New(), types.JobTypeExtract, ""))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := jobs.ClaimNext(ctx, nil, "worker-a", testCeilings())
	if err != nil || claimed == nil {
		t.Fatalf("claim: job=%v err=%v", claimed, err)
	}

	// worker-a stalls past its lease; the sweep reclaims the job and
	// worker-b picks it up.
	stale := time.Now().Add(-time.Hour)
	if err := db.Model(&types.PipelineJob{}).Where("id = ?", created.ID).Updates(map[string]interface{}{
		"locked_at": stale, "updated_at": stale,
	}).Error; err != nil {
		t.Fatalf("age lease: %v", err)
	}
	if n, err := jobs.ResetStale(ctx, nil, 5*time.Minute); err != nil || n != 1 {
		t.Fatalf("reset stale: n=%d err=%v", n, err)
	}
	reclaimed, err := jobs.ClaimNext(ctx, nil, "worker-b", testCeilings())
	if err != nil || reclaimed == nil {
		t.Fatalf("reclaim: job=%v err=%v", reclaimed, err)
	}
	if reclaimed.LockedBy != "worker-b" {
		t.Fatalf("reclaimed lock holder = %q, want worker-b", reclaimed.LockedBy)
	}

	// worker-a comes back late; none of its terminal writes may land.
	if owned, err := jobs.Complete(ctx, nil, created.ID, "worker-a"); err != nil || owned {
		t.Fatalf("stale complete: owned=%v err=%v", owned, err)
	}
	if updated, err := jobs.Fail(ctx, nil, created.ID, "worker-a", "late failure", policy); err != nil || updated != nil {
		t.Fatalf("stale fail: updated=%v err=%v", updated, err)
	}
	if owned, err := jobs.MarkDead(ctx, nil, created.ID, "worker-a", "late dead"); err != nil || owned {
		t.Fatalf("stale mark dead: owned=%v err=%v", owned, err)
	}

	got, err := jobs.GetByID(ctx, nil, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.JobStatusProcessing || got.LockedBy != "worker-b" {
		t.Fatalf("new owner's claim was clobbered: status=%s locked_by=%q", got.Status, got.LockedBy)
	}

	// The real owner can still finish normally.
	if owned, err := jobs.Complete(ctx, nil, created.ID, "worker-b"); err != nil || !owned {
		t.Fatalf("owner complete: owned=%v err=%v", owned, err)
	}
	got, _ = jobs.GetByID(ctx, nil, created.ID)
	if got.Status != types.JobStatusCompleted || got.LockedBy != "" {
		t.Fatalf("owner completion not recorded: status=%s locked_by=%q", got.Status, got.LockedBy)
	}
}
