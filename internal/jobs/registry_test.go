package jobs_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdxseg/internal/jobs"
	"pdxseg/internal/services"
)

func TestCreateStartsPending(t *testing.T) {
	r := jobs.NewRegistry()
	id := r.Create(jobs.Payload{StudyID: "s1", Threshold: 0.5})
	require.NotEmpty(t, id)

	job, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, job.Status)
	assert.Equal(t, 0, job.Progress)
	assert.Equal(t, "s1", job.Payload.StudyID)
	assert.Nil(t, job.Result)
}

func TestDoneIsPermanent(t *testing.T) {
	r := jobs.NewRegistry()
	id := r.Create(jobs.Payload{StudyID: "s1"})
	r.SetRunning(id)
	require.True(t, r.SetDone(id, jobs.Result{StudyID: "s1", ClassificationFlags: []bool{true, false}}))

	assert.False(t, r.SetError(id, "late failure"))
	assert.False(t, r.SetDone(id, jobs.Result{StudyID: "other"}))
	r.SetRunning(id)
	r.SetProgress(id, 10)

	job, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusDone, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Empty(t, job.Error)
	require.NotNil(t, job.Result)
	assert.Equal(t, "s1", job.Result.StudyID)
}

func TestErrorIsPermanent(t *testing.T) {
	r := jobs.NewRegistry()
	id := r.Create(jobs.Payload{StudyID: "s1"})
	require.True(t, r.SetError(id, "model failure"))
	assert.False(t, r.SetDone(id, jobs.Result{StudyID: "s1"}))

	job, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusError, job.Status)
	assert.Equal(t, "model failure", job.Error)
}

func TestUnknownJob(t *testing.T) {
	r := jobs.NewRegistry()
	_, err := r.Get("missing")
	assert.True(t, errors.Is(err, services.ErrNotFound))
	assert.False(t, r.SetDone("missing", jobs.Result{}))
	assert.False(t, r.SetError("missing", "x"))
	r.SetRunning("missing")
	r.SetProgress("missing", 50)
}

func TestProgressOnlyWhileRunning(t *testing.T) {
	r := jobs.NewRegistry()
	id := r.Create(jobs.Payload{})
	r.SetProgress(id, 40)
	job, _ := r.Get(id)
	assert.Equal(t, 0, job.Progress)

	r.SetRunning(id)
	r.SetProgress(id, 140)
	job, _ = r.Get(id)
	assert.Equal(t, 100, job.Progress)

	r.SetProgress(id, -5)
	job, _ = r.Get(id)
	assert.Equal(t, 0, job.Progress)
}

func TestSnapshotsAreIndependent(t *testing.T) {
	r := jobs.NewRegistry()
	id := r.Create(jobs.Payload{})
	flags := []bool{true}
	r.SetDone(id, jobs.Result{ClassificationFlags: flags})
	flags[0] = false

	job, _ := r.Get(id)
	job.Result.ClassificationFlags[0] = false
	again, _ := r.Get(id)
	assert.Equal(t, []bool{true}, again.Result.ClassificationFlags)
}

func TestListInCreationOrder(t *testing.T) {
	r := jobs.NewRegistry()
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, r.Create(jobs.Payload{}))
	}
	listed := r.List()
	require.Len(t, listed, 5)
	for i, job := range listed {
		assert.Equal(t, ids[i], job.ID)
	}
}

func TestConcurrentTerminalTransitionsSettleOnce(t *testing.T) {
	r := jobs.NewRegistry()
	id := r.Create(jobs.Payload{})
	r.SetRunning(id)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var ok bool
			if i%2 == 0 {
				ok = r.SetDone(id, jobs.Result{})
			} else {
				ok = r.SetError(id, "boom")
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
