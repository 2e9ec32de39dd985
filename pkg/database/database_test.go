package database_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"batch-pipeline/pkg/batch"
	"batch-pipeline/pkg/mq"
	"batch-pipeline/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubExecutor struct{}

func (stubExecutor) Kind() batch.Kind { return batch.KindPaymentRun }
func (stubExecutor) Validate(json.RawMessage) []batch.FieldError { return nil }

func (stubExecutor) Execute(_ context.Context, task batch.Task, rep batch.Reporter) (batch.Result, error) {
	rep.Progress(60)
	if task.ItemID == "p2" {
		return batch.Result{}, batch.SettlementError("card declined", errors.New("do_not_honor"))
	}
	return batch.Result{Data: json.RawMessage(`{"reference":"ref-` + task.ItemID + `"}`), Value: 25}, nil
}

func TestClient_PersistsCoordinatorRun(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	// Re-running the schema must tolerate the existing enum types.
	require.NoError(t, db.InitSchema(ctx))

	c, err := batch.NewCoordinator(batch.Options{Registry: batch.NewRegistry(stubExecutor{}), Store: db})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown(ctx) })

	id, err := c.Submit(ctx, batch.SubmissionRequest{
		Kind: batch.KindPaymentRun,
		Items: []batch.ItemSpec{
			{ID: "p1", Config: json.RawMessage(`{"amount":25}`)},
			{ID: "p2", Config: json.RawMessage(`{"amount":25}`)},
			{ID: "p3", Config: json.RawMessage(`{"amount":25}`)},
		},
		ConcurrencyLimit: 2,
	})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	snap, err := c.Wait(waitCtx, id)
	require.NoError(t, err)
	require.Equal(t, batch.BatchCompleted, snap.Status)

	stored, err := db.GetBatch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, batch.BatchCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
	require.Len(t, stored.Items, 3)
	assert.Equal(t, []string{"p1", "p2", "p3"}, []string{stored.Items[0].ID, stored.Items[1].ID, stored.Items[2].ID})

	assert.Equal(t, batch.StatusCompleted, stored.Items[0].Status)
	assert.Equal(t, 100, stored.Items[0].ProgressPercent)
	assert.JSONEq(t, `{"reference":"ref-p1"}`, string(stored.Items[0].Result))
	assert.JSONEq(t, `{"amount":25}`, string(stored.Items[0].Config))

	assert.Equal(t, batch.StatusFailed, stored.Items[1].Status)
	assert.Equal(t, batch.CodeSettlement, stored.Items[1].ErrorCode)
	assert.Equal(t, 60, stored.Items[1].ProgressPercent)
	assert.Contains(t, stored.Items[1].Error, "card declined")

	summary, err := db.GetSummary(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.InDelta(t, 50.0, summary.AggregateValue, 1e-9)

	msgs, err := db.FetchOutboxMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].BatchID)
	assert.Equal(t, mq.EventsExchange, msgs[0].Exchange)
	assert.Equal(t, "batch.completed", msgs[0].RoutingKey)

	var ev mq.BatchEvent
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &ev))
	assert.Equal(t, id, ev.BatchID)
	require.NotNil(t, ev.Summary)
	assert.Equal(t, 3, ev.Summary.TotalItems)

	require.NoError(t, db.DeleteOutboxMessage(ctx, msgs[0].ID))
	msgs, err = db.FetchOutboxMessages(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, c.Purge(ctx, id))
	_, err = db.GetBatch(ctx, id)
	assert.Equal(t, batch.CodeNotFound, batch.CodeOf(err))
}

func TestClient_FailInterrupted(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	reg := batch.NewRegistry(stubExecutor{})
	job, err := reg.Register(batch.SubmissionRequest{
		Kind:             batch.KindPaymentRun,
		Items:            []batch.ItemSpec{{ID: "a", Config: json.RawMessage(`{}`)}, {ID: "b", Config: json.RawMessage(`{}`)}},
		ConcurrencyLimit: 1,
	})
	require.NoError(t, err)
	require.NoError(t, db.CreateBatch(ctx, job))
	require.NoError(t, db.StartBatch(ctx, job.ID))

	started := time.Now().UTC()
	running := job.Items[0]
	running.Status = batch.StatusPostProcessing
	running.ProgressPercent = 100
	running.StartedAt = &started
	require.NoError(t, db.UpdateItem(ctx, job.ID, running))

	n, err := db.FailInterrupted(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	stored, err := db.GetBatch(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.BatchFailed, stored.Status)
	assert.Equal(t, "interrupted by service restart", stored.Fault)
	assert.Equal(t, batch.StatusFailed, stored.Items[0].Status)
	assert.Equal(t, 99, stored.Items[0].ProgressPercent)
	assert.Equal(t, batch.CodeInfrastructure, stored.Items[0].ErrorCode)
	assert.Equal(t, batch.StatusCancelled, stored.Items[1].Status)

	_, err = db.GetSummary(ctx, job.ID)
	assert.Equal(t, batch.CodeNotTerminal, batch.CodeOf(err))
}

func TestClient_UnknownRows(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	const missing = "00000000-0000-0000-0000-000000000000"
	assert.Error(t, db.StartBatch(ctx, missing))
	assert.Error(t, db.UpdateItem(ctx, missing, batch.Item{ID: "x", Status: batch.StatusRunning}))

	_, err := db.GetBatch(ctx, missing)
	assert.Equal(t, batch.CodeNotFound, batch.CodeOf(err))

	for _, id := range []string{"not-a-uuid", "", "'; DROP TABLE batches; --"} {
		_, err = db.GetBatch(ctx, id)
		assert.Equal(t, batch.CodeNotFound, batch.CodeOf(err), id)
		_, err = db.GetSummary(ctx, id)
		assert.Equal(t, batch.CodeNotFound, batch.CodeOf(err), id)
		assert.NoError(t, db.DeleteBatch(ctx, id), id)
	}
}
