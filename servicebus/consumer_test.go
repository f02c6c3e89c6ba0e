package servicebus_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-rpc-bus/adapters/memstore"
	"github.com/next-trace/scg-rpc-bus/contract/blog"
	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
	"github.com/next-trace/scg-rpc-bus/contract/rpc"
	"github.com/next-trace/scg-rpc-bus/servicebus"
)

func createUser(login string) rpc.CreateUser {
	return rpc.CreateUser{Login: login, PasswordHash: "hash", LastName: "Doe", FirstName: "Jo"}
}

func TestConsumer_SuccessMarksProcessed(t *testing.T) {
	f := newFixture(t, nil)
	req, msg := request(t, rpc.ActionCreateUser, createUser("jo"), secret)

	d, a := deliver(msg)
	require.Equal(t, servicebus.OutcomeSuccess, f.consumer.HandleDelivery(t.Context(), d))

	acked, rejected, _ := a.settled()
	assert.Equal(t, 1, acked)
	assert.Zero(t, rejected)

	resp, pub := f.lastReply(t, replyQueue)
	assert.Equal(t, req.ID, resp.CorrelationID)
	assert.Equal(t, req.ID.String(), pub.Message.CorrelationID)
	assert.True(t, pub.Message.Persistent)
	assert.Equal(t, rpc.StatusOK, resp.Status)

	id := mustUserID(t, resp)
	u, err := f.store.GetUser(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, "jo", u.Login)

	done, err := f.ledger.IsProcessed(t.Context(), req.ID)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestConsumer_DuplicateIsReplayedFromLedger(t *testing.T) {
	f := newFixture(t, nil)
	req, msg := request(t, rpc.ActionCreateUser, createUser("jo"), secret)

	d1, _ := deliver(msg)
	require.Equal(t, servicebus.OutcomeSuccess, f.consumer.HandleDelivery(t.Context(), d1))

	d2, a2 := deliver(msg)
	require.Equal(t, servicebus.OutcomeCached, f.consumer.HandleDelivery(t.Context(), d2))

	acked, _, _ := a2.settled()
	assert.Equal(t, 1, acked)

	resp, _ := f.lastReply(t, replyQueue)
	assert.Equal(t, req.ID, resp.CorrelationID)
	assert.True(t, resp.OK())

	var cached rpc.CachedResult
	require.NoError(t, resp.DecodeData(&cached))
	assert.True(t, cached.IsCached)
	assert.Equal(t, "Already processed", cached.Message)

	users, err := f.store.ListUsers(t.Context(), 1, 10)
	require.NoError(t, err)
	assert.Len(t, users, 1, "the domain operation ran once")
}

func TestConsumer_ConcurrentDuplicatesExecuteOnce(t *testing.T) {
	f := newFixture(t, nil)
	_, msg := request(t, rpc.ActionCreateUser, createUser("race"), secret)

	const n = 8

	outcomes := make([]servicebus.Outcome, n)

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)

		go func() {
			defer wg.Done()

			d, _ := deliver(msg)
			outcomes[i] = f.consumer.HandleDelivery(t.Context(), d)
		}()
	}

	wg.Wait()

	users, err := f.store.ListUsers(t.Context(), 1, 10)
	require.NoError(t, err)
	assert.Len(t, users, 1)

	var success int
	for _, o := range outcomes {
		assert.Contains(t, []servicebus.Outcome{servicebus.OutcomeSuccess, servicebus.OutcomeCached, servicebus.OutcomeRetried}, o)

		if o == servicebus.OutcomeSuccess {
			success++
		}
	}

	assert.Equal(t, 1, success)
}

func TestConsumer_InFlightDuplicateIsRetried(t *testing.T) {
	f := newFixture(t, nil)
	req, msg := request(t, rpc.ActionCreateUser, createUser("jo"), secret)

	claimed, err := f.ledger.Claim(t.Context(), req.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	d, a := deliver(msg)
	require.Equal(t, servicebus.OutcomeRetried, f.consumer.HandleDelivery(t.Context(), d))

	acked, _, _ := a.settled()
	assert.Equal(t, 1, acked)

	republished := f.broker.PublishedTo(rpc.RequestQueue)
	require.Len(t, republished, 1)
	assert.Equal(t, 1, rpc.RetryCount(republished[0].Message.Headers))

	users, err := f.store.ListUsers(t.Context(), 1, 10)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestConsumer_Unauthorized(t *testing.T) {
	for name, auth := range map[string]string{"wrong": "guess", "blank": ""} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, nil)
			req, msg := request(t, rpc.ActionCreateUser, createUser("jo"), auth)

			d, a := deliver(msg)
			require.Equal(t, servicebus.OutcomeUnauthorized, f.consumer.HandleDelivery(t.Context(), d))

			acked, rejected, _ := a.settled()
			assert.Equal(t, 1, acked)
			assert.Zero(t, rejected)

			resp, _ := f.lastReply(t, replyQueue)
			assert.Equal(t, rpc.StatusError, resp.Status)
			assert.Equal(t, "Unauthorized", resp.Error)

			done, err := f.ledger.IsProcessed(t.Context(), req.ID)
			require.NoError(t, err)
			assert.False(t, done)
			assert.Empty(t, f.broker.PublishedTo(rpc.RequestQueue), "unauthorized requests are not retried")
		})
	}
}

func TestConsumer_DomainErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name   string
		action string
		data   any
		reason string
	}{
		{"not found", rpc.ActionGetUser, rpc.GetUser{UserID: uuid.New()}, "User not found"},
		{"post not found", rpc.ActionDeletePost, rpc.DeletePost{PostID: uuid.New()}, "Post not found"},
		{"unknown action", "rename_user", map[string]string{}, "Unknown action: rename_user"},
		{"missing field", rpc.ActionCreateUser, map[string]string{"Login": "x"}, "Missing field: PasswordHash"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			req, msg := request(t, tc.action, tc.data, secret)

			d, a := deliver(msg)
			require.Equal(t, servicebus.OutcomeDomainError, f.consumer.HandleDelivery(t.Context(), d))

			acked, _, _ := a.settled()
			assert.Equal(t, 1, acked)

			resp, _ := f.lastReply(t, replyQueue)
			assert.Equal(t, rpc.StatusError, resp.Status)
			assert.Equal(t, tc.reason, resp.Error)
			assert.Empty(t, resp.Data)

			assert.Empty(t, f.broker.PublishedTo(rpc.RequestQueue))
			assert.Empty(t, f.sleeps.waits())

			done, err := f.ledger.IsProcessed(t.Context(), req.ID)
			require.NoError(t, err)
			assert.False(t, done)
		})
	}
}

func TestConsumer_ConflictIsADomainError(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.store.AddUser(t.Context(), "taken", "h", "L", "F")
	require.NoError(t, err)

	_, msg := request(t, rpc.ActionCreateUser, createUser("taken"), secret)

	d, _ := deliver(msg)
	require.Equal(t, servicebus.OutcomeDomainError, f.consumer.HandleDelivery(t.Context(), d))

	resp, _ := f.lastReply(t, replyQueue)
	assert.Equal(t, "User already exists", resp.Error)
}

func TestConsumer_RetryProgressionThenDeadLetter(t *testing.T) {
	exec := &flaky{Store: memstore.New()}
	f := newFixture(t, exec)
	req, msg := request(t, rpc.ActionCreateUser, createUser("jo"), secret)

	for attempt := 1; attempt <= rpc.MaxRetryCount; attempt++ {
		d, a := deliver(msg)
		require.Equal(t, servicebus.OutcomeRetried, f.consumer.HandleDelivery(t.Context(), d))

		acked, rejected, _ := a.settled()
		require.Equal(t, 1, acked)
		require.Zero(t, rejected)

		m, ok := f.broker.Get(rpc.RequestQueue)
		require.True(t, ok, "attempt %d not republished", attempt)
		assert.Equal(t, attempt, rpc.RetryCount(m.Headers))
		assert.Equal(t, msg.CorrelationID, m.CorrelationID)
		assert.Equal(t, msg.ReplyTo, m.ReplyTo)
		assert.Equal(t, msg.Body, m.Body)
		assert.True(t, m.Persistent)

		msg = m
	}

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, f.sleeps.waits())
	assert.Empty(t, f.broker.PublishedTo(replyQueue), "no reply while retrying")

	d, a := deliver(msg)
	require.Equal(t, servicebus.OutcomeDeadLettered, f.consumer.HandleDelivery(t.Context(), d))

	acked, _, _ := a.settled()
	assert.Equal(t, 1, acked)
	assert.Equal(t, rpc.MaxRetryCount+1, exec.calls)

	resp, _ := f.lastReply(t, replyQueue)
	assert.Equal(t, req.ID, resp.CorrelationID)
	assert.Equal(t, "Failed after retries. Moved to DLQ", resp.Error)

	dl, ok := f.broker.Get(rpc.DeadLetterQueue)
	require.True(t, ok)
	assert.Equal(t, msg.Body, dl.Body)
	assert.Contains(t, dl.Headers[rpc.HeaderOriginalError], "db down")
	assert.NotEmpty(t, dl.Headers[rpc.HeaderTimestamp])

	letters := f.sink.letters()
	require.Len(t, letters, 1)
	assert.Equal(t, rpc.RequestQueue, letters[0].Source)

	// the failed claim was released
	claimed, err := f.ledger.Claim(t.Context(), req.ID)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestConsumer_BackoffSaturates(t *testing.T) {
	tests := []struct {
		retries int
		want    time.Duration
	}{
		{retries: 8, want: 256 * time.Second},
		{retries: 9, want: servicebus.MaxBackoff},
		{retries: 40, want: servicebus.MaxBackoff},
		{retries: 70, want: servicebus.MaxBackoff},
	}

	for _, tc := range tests {
		exec := &flaky{Store: memstore.New()}
		f := newFixture(t, exec, servicebus.WithMaxRetries(100))

		_, msg := request(t, rpc.ActionCreateUser, createUser("jo"), secret)
		msg.Headers = rpc.WithRetryCount(nil, tc.retries)

		d, _ := deliver(msg)
		require.Equal(t, servicebus.OutcomeRetried, f.consumer.HandleDelivery(t.Context(), d))
		assert.Equal(t, []time.Duration{tc.want}, f.sleeps.waits(), "retry_count=%d", tc.retries)
	}
}

func TestConsumer_MalformedGoesToDeadLetterQueue(t *testing.T) {
	for name, body := range map[string]string{
		"not json":   "{{{",
		"not object": `["id"]`,
		"no id":      `{"action":"get_users","data":{}}`,
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, nil)

			d, a := deliver(rpc.Message{Body: []byte(body), ReplyTo: replyQueue})
			require.Equal(t, servicebus.OutcomeRejected, f.consumer.HandleDelivery(t.Context(), d))

			acked, rejected, requeue := a.settled()
			assert.Zero(t, acked)
			assert.Equal(t, 1, rejected)
			assert.False(t, requeue)

			dl, ok := f.broker.Get(rpc.DeadLetterQueue)
			require.True(t, ok)
			assert.Equal(t, body, string(dl.Body))
			assert.Contains(t, dl.Headers[rpc.HeaderOriginalError], berr.ErrCodeMalformedEnvelope)

			assert.Empty(t, f.broker.PublishedTo(replyQueue))
		})
	}
}

func TestConsumer_MissingReplyToUsesResponseQueue(t *testing.T) {
	f := newFixture(t, nil)
	req, msg := request(t, rpc.ActionGetUsers, rpc.ListUsers{}, secret)
	msg.ReplyTo = ""

	d, _ := deliver(msg)
	require.Equal(t, servicebus.OutcomeSuccess, f.consumer.HandleDelivery(t.Context(), d))

	resp, _ := f.lastReply(t, rpc.ResponseQueue)
	assert.Equal(t, req.ID, resp.CorrelationID)

	var users []blog.UserDTO
	require.NoError(t, resp.DecodeData(&users))
	assert.NotNil(t, users)
	assert.Empty(t, users)
}

func TestConsumer_CancelledBackoffRequeues(t *testing.T) {
	f := newFixture(t, &flaky{Store: memstore.New()})
	f.sleeps.err = context.Canceled

	_, msg := request(t, rpc.ActionCreateUser, createUser("jo"), secret)

	d, a := deliver(msg)
	require.Equal(t, servicebus.OutcomeRequeued, f.consumer.HandleDelivery(t.Context(), d))

	acked, rejected, requeue := a.settled()
	assert.Zero(t, acked)
	assert.Equal(t, 1, rejected)
	assert.True(t, requeue)
	assert.Empty(t, f.broker.PublishedTo(rpc.RequestQueue))
}

// failingReplies drops every publish to the reply queue.
type failingReplies struct {
	rpc.Transport
}

func (f failingReplies) Publish(ctx context.Context, exchange, key string, msg rpc.Message) error {
	if key == replyQueue {
		return berr.ErrPublishFailed
	}

	return f.Transport.Publish(ctx, exchange, key, msg)
}

func TestConsumer_ReplyFailureRequeuesAndReplaysLater(t *testing.T) {
	f := newFixture(t, nil)

	d, err := servicebus.NewBlogDispatcher(f.store, nil)
	require.NoError(t, err)

	broken, err := servicebus.NewConsumer(failingReplies{f.broker}, d, f.ledger, rpc.StaticCredential(secret), nil)
	require.NoError(t, err)

	req, msg := request(t, rpc.ActionCreateUser, createUser("jo"), secret)

	first, a := deliver(msg)
	require.Equal(t, servicebus.OutcomeRequeued, broken.HandleDelivery(t.Context(), first))

	_, rejected, requeue := a.settled()
	assert.Equal(t, 1, rejected)
	assert.True(t, requeue)

	second, _ := deliver(msg)
	require.Equal(t, servicebus.OutcomeCached, f.consumer.HandleDelivery(t.Context(), second))

	resp, _ := f.lastReply(t, replyQueue)
	assert.Equal(t, req.ID, resp.CorrelationID)
}

func TestConsumer_ResultShapes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	u, err := f.store.AddUser(ctx, "author", "h", "Doe", "Jo")
	require.NoError(t, err)

	handle := func(action string, data any) json.RawMessage {
		_, msg := request(t, action, data, secret)
		d, _ := deliver(msg)
		require.Equal(t, servicebus.OutcomeSuccess, f.consumer.HandleDelivery(ctx, d), action)

		resp, _ := f.lastReply(t, replyQueue)

		return resp.Data
	}

	raw := handle(rpc.ActionCreatePost, rpc.CreatePost{Title: "T", Content: "C", UserID: u.ID})

	var created map[string]string
	require.NoError(t, json.Unmarshal(raw, &created))
	postID := created["PostId"]
	require.NotEmpty(t, postID)

	assert.JSONEq(t, `{"Success":true}`, string(handle(rpc.ActionUpdatePost, map[string]string{"PostId": postID, "Title": "T2", "Content": "C2"})))

	var post map[string]any
	require.NoError(t, json.Unmarshal(handle(rpc.ActionGetPost, map[string]string{"PostId": postID}), &post))
	assert.Equal(t, "T2", post["Title"])
	assert.Equal(t, u.ID.String(), post["UserId"])
	assert.Contains(t, post, "CreatedAt")

	var user map[string]any
	require.NoError(t, json.Unmarshal(handle(rpc.ActionGetUser, rpc.GetUser{UserID: u.ID}), &user))
	assert.Equal(t, "author", user["Login"])
	assert.NotContains(t, user, "PasswordHash")

	var posts []map[string]any
	require.NoError(t, json.Unmarshal(handle(rpc.ActionGetPosts, map[string]any{"PageNumber": 1, "PageSize": "5"}), &posts))
	assert.Len(t, posts, 1)

	assert.JSONEq(t, `{"Success":true}`, string(handle(rpc.ActionDeletePost, map[string]string{"PostId": postID})))
	assert.JSONEq(t, `{"Success":true}`, string(handle(rpc.ActionDeleteUser, rpc.DeleteUser{UserID: u.ID})))
}

func TestConsumer_OversizedPageIsAnEmptySuccess(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	_, err := f.store.AddUser(ctx, "author", "h", "Doe", "Jo")
	require.NoError(t, err)

	for _, action := range []string{rpc.ActionGetUsers, rpc.ActionGetPosts} {
		_, msg := request(t, action, json.RawMessage(`{"PageNumber":3,"PageSize":5000000000000000000}`), secret)
		d, a := deliver(msg)

		require.Equal(t, servicebus.OutcomeSuccess, f.consumer.HandleDelivery(ctx, d), action)

		resp, _ := f.lastReply(t, replyQueue)
		require.True(t, resp.OK(), action)
		assert.JSONEq(t, `[]`, string(resp.Data), action)

		acked, rejected, _ := a.settled()
		assert.Equal(t, 1, acked)
		assert.Zero(t, rejected)
	}

	assert.Empty(t, f.sleeps.waits())
	assert.Empty(t, f.sink.letters())
}

func TestNewConsumer_Validates(t *testing.T) {
	f := newFixture(t, nil)
	d := servicebus.NewDispatcher(nil)

	_, err := servicebus.NewConsumer(nil, d, f.ledger, rpc.StaticCredential(secret), nil)
	require.ErrorIs(t, err, berr.ErrInvalidConfig)

	_, err = servicebus.NewConsumer(f.broker, d, f.ledger, rpc.StaticCredential(secret), nil, servicebus.WithConcurrency(0))
	require.ErrorIs(t, err, berr.ErrInvalidConfig)
}

func TestConsumer_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t, nil, servicebus.WithConcurrency(4), servicebus.WithRateLimit(1000, 10))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)

	go func() { done <- f.consumer.Run(ctx) }()

	_, msg := request(t, rpc.ActionCreateUser, createUser("run"), secret)
	require.NoError(t, f.broker.Publish(t.Context(), "", rpc.RequestQueue, msg))

	require.Eventually(t, func() bool {
		return len(f.broker.PublishedTo(replyQueue)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConsumer_RunFailsWhenQueueMissing(t *testing.T) {
	f := newFixture(t, nil, servicebus.WithTopology(rpc.Topology{RequestQueue: "absent"}))

	err := f.consumer.Run(t.Context())
	require.ErrorIs(t, err, berr.ErrConsumeFailed)
}
