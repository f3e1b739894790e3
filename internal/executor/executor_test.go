package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aiserve/ratelimitd/internal/coordination"
	"github.com/aiserve/ratelimitd/internal/jobtype"
	"github.com/aiserve/ratelimitd/internal/memmgr"
	"github.com/aiserve/ratelimitd/internal/modellimiter"
	"github.com/aiserve/ratelimitd/internal/ratelimit"
	"github.com/stretchr/testify/require"
)

func intp(n int) *int { return &n }

type harness struct {
	exec     *Executor
	client   *coordination.Client
	limiters map[string]*modellimiter.Limiter
}

func newHarness(t *testing.T, models []ratelimit.ModelConfig, jobTypes []ratelimit.JobTypeConfig, escalation []string) *harness {
	t.Helper()

	jtMgr := jobtype.New(jobTypes, 0, 0)
	jtMgr.SetCapacity(10)

	mem := memmgr.New(1_000_000)

	store := coordination.NewMemStore(models, jobTypes)
	client := coordination.NewClient(store, "inst-1", 0, 0)
	require.NoError(t, client.Start(context.Background()))
	t.Cleanup(func() { client.Stop(context.Background()) })

	limiters := make(map[string]*modellimiter.Limiter, len(models))
	modelMap := make(map[string]ratelimit.ModelConfig, len(models))
	jobTypeMap := make(map[string]ratelimit.JobTypeConfig, len(jobTypes))
	for _, m := range models {
		limiters[m.ID] = modellimiter.New(m)
		modelMap[m.ID] = m
	}
	for _, jt := range jobTypes {
		jobTypeMap[jt.ID] = jt
	}

	exec := New(escalation, jtMgr, mem, client, limiters, modelMap, jobTypeMap)
	return &harness{exec: exec, client: client, limiters: limiters}
}

func genModel(id string) ratelimit.ModelConfig {
	return ratelimit.ModelConfig{ID: id, RPM: intp(1000), TPM: intp(1_000_000), MaxConcurrent: intp(10)}
}

func genJobType(id string) ratelimit.JobTypeConfig {
	return ratelimit.JobTypeConfig{ID: id, EstimatedTokens: 100, EstimatedRequests: 1, Ratio: 1}
}

func TestQueueJobResolvesOnFirstModel(t *testing.T) {
	h := newHarness(t, []ratelimit.ModelConfig{genModel("mA")}, []ratelimit.JobTypeConfig{genJobType("chat")}, []string{"mA"})

	job := Job{
		ID:      "job-1",
		JobType: "chat",
		Func: func(ctx context.Context, modelID string, args any, r *Reporter) {
			r.Resolve(UsageReport{InputTokens: 10, OutputTokens: 20, Requests: 1}, "ok")
		},
	}

	res, err := h.exec.QueueJob(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, "mA", res.ModelUsed)
	require.Equal(t, "ok", res.Data)
	require.Len(t, res.Usage, 1)
}

func TestQueueJobDelegatesToSecondModel(t *testing.T) {
	h := newHarness(t,
		[]ratelimit.ModelConfig{genModel("mA"), genModel("mB")},
		[]ratelimit.JobTypeConfig{genJobType("chat")},
		[]string{"mA", "mB"},
	)

	job := Job{
		ID:      "job-1",
		JobType: "chat",
		Func: func(ctx context.Context, modelID string, args any, r *Reporter) {
			if modelID == "mA" {
				r.Reject(UsageReport{InputTokens: 5, Requests: 1}, true)
				return
			}
			r.Resolve(UsageReport{InputTokens: 10, Requests: 1}, "from-b")
		},
	}

	res, err := h.exec.QueueJob(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, "mB", res.ModelUsed)
	require.Equal(t, "from-b", res.Data)
	require.Len(t, res.Usage, 2, "usage from the rejected mA attempt and the resolved mB attempt both accumulate")
}

func TestQueueJobRejectWithoutDelegateFails(t *testing.T) {
	h := newHarness(t, []ratelimit.ModelConfig{genModel("mA")}, []ratelimit.JobTypeConfig{genJobType("chat")}, []string{"mA"})

	job := Job{
		ID:      "job-1",
		JobType: "chat",
		Func: func(ctx context.Context, modelID string, args any, r *Reporter) {
			r.Reject(UsageReport{Requests: 1}, false)
		},
	}

	_, err := h.exec.QueueJob(context.Background(), job)
	require.Error(t, err)
	var rlErr *ratelimit.Error
	require.True(t, errors.As(err, &rlErr))
	require.Equal(t, ratelimit.ErrUserJobError, rlErr.Kind)
}

func TestQueueJobProtocolViolation(t *testing.T) {
	h := newHarness(t, []ratelimit.ModelConfig{genModel("mA")}, []ratelimit.JobTypeConfig{genJobType("chat")}, []string{"mA"})

	job := Job{
		ID:      "job-1",
		JobType: "chat",
		Func: func(ctx context.Context, modelID string, args any, r *Reporter) {
			// neither Resolve nor Reject called
		},
	}

	_, err := h.exec.QueueJob(context.Background(), job)
	require.Error(t, err)
	var rlErr *ratelimit.Error
	require.True(t, errors.As(err, &rlErr))
	require.Equal(t, ratelimit.ErrJobProtocolViolation, rlErr.Kind)
}

func TestQueueJobPanicIsUserJobError(t *testing.T) {
	h := newHarness(t, []ratelimit.ModelConfig{genModel("mA")}, []ratelimit.JobTypeConfig{genJobType("chat")}, []string{"mA"})

	job := Job{
		ID:      "job-1",
		JobType: "chat",
		Func: func(ctx context.Context, modelID string, args any, r *Reporter) {
			panic(errors.New("boom"))
		},
	}

	_, err := h.exec.QueueJob(context.Background(), job)
	require.Error(t, err)
	var rlErr *ratelimit.Error
	require.True(t, errors.As(err, &rlErr))
	require.Equal(t, ratelimit.ErrUserJobError, rlErr.Kind)
	require.EqualError(t, errors.Unwrap(rlErr), "boom")
}

func TestQueueJobUnknownJobType(t *testing.T) {
	h := newHarness(t, []ratelimit.ModelConfig{genModel("mA")}, []ratelimit.JobTypeConfig{genJobType("chat")}, []string{"mA"})

	_, err := h.exec.QueueJob(context.Background(), Job{ID: "job-1", JobType: "nope"})
	require.Error(t, err)
	var rlErr *ratelimit.Error
	require.True(t, errors.As(err, &rlErr))
	require.Equal(t, ratelimit.ErrUnknownJobType, rlErr.Kind)
}

// denyStore wraps a MemStore but always refuses Acquire, simulating a
// coordination backend whose pool is permanently exhausted while local
// Model Limiter state has plenty of room.
type denyStore struct {
	*coordination.MemStore
}

func (d *denyStore) Acquire(ctx context.Context, instanceID, modelID string) (bool, error) {
	return false, nil
}

func TestQueueJobAllModelsExhaustedWhenCoordinationNeverGrants(t *testing.T) {
	models := []ratelimit.ModelConfig{genModel("mA")}
	jobTypes := []ratelimit.JobTypeConfig{genJobType("chat")}

	jtMgr := jobtype.New(jobTypes, 0, 0)
	jtMgr.SetCapacity(10)
	mem := memmgr.New(1_000_000)

	store := &denyStore{MemStore: coordination.NewMemStore(models, jobTypes)}
	client := coordination.NewClient(store, "inst-1", 0, 0)
	require.NoError(t, client.Start(context.Background()))
	t.Cleanup(func() { client.Stop(context.Background()) })

	limiters := map[string]*modellimiter.Limiter{"mA": modellimiter.New(models[0])}
	modelMap := map[string]ratelimit.ModelConfig{"mA": models[0]}
	jobTypeMap := map[string]ratelimit.JobTypeConfig{"chat": jobTypes[0]}

	exec := New([]string{"mA"}, jtMgr, mem, client, limiters, modelMap, jobTypeMap)
	h := &harness{exec: exec, client: client, limiters: limiters}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job := Job{
		ID:      "job-1",
		JobType: "chat",
		Func: func(ctx context.Context, modelID string, args any, r *Reporter) {
			r.Resolve(UsageReport{Requests: 1}, "unreachable")
		},
	}

	_, err := h.exec.QueueJob(ctx, job)
	require.Error(t, err)
	var rlErr *ratelimit.Error
	require.True(t, errors.As(err, &rlErr))
	require.Equal(t, ratelimit.ErrAllModelsExhausted, rlErr.Kind)
}

func TestQueueJobForModelBypassesJobTypeManager(t *testing.T) {
	h := newHarness(t, []ratelimit.ModelConfig{genModel("mA")}, []ratelimit.JobTypeConfig{genJobType("chat")}, []string{"mA"})

	job := Job{
		ID:      "job-1",
		JobType: "chat",
		Func: func(ctx context.Context, modelID string, args any, r *Reporter) {
			r.Resolve(UsageReport{Requests: 1}, "direct")
		},
	}

	res, err := h.exec.QueueJobForModel(context.Background(), "mA", job)
	require.NoError(t, err)
	require.Equal(t, "direct", res.Data)
}
