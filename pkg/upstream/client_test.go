package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasknexus/mcp-bridge/pkg/pipeline"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func fastConfig() pipeline.Config {
	return pipeline.Config{
		QueueSlots:    1,
		RetryAttempts: 3,
		RetryBase:     time.Millisecond,
		RetryCap:      5 * time.Millisecond,
		RateWait:      time.Second,
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	log := testLogger()
	breaker := pipeline.NewBreaker(srv.URL, 100, time.Second, log)
	limiter := pipeline.NewLimiter(1000, 1000)
	return NewClient(srv.URL, "tn_test_key", fastConfig(), breaker, limiter, log)
}

func writeEnvelope(w http.ResponseWriter, code int, msg string, data any) {
	raw, _ := json.Marshal(data)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code": code,
		"msg":  msg,
		"data": json.RawMessage(raw),
	})
}

func TestWhoamiSendsCredential(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/whoami", r.URL.Path)
		assert.Equal(t, "Bearer tn_test_key", r.Header.Get("Authorization"))
		writeEnvelope(w, 0, "", Account{UserID: "user-1", Name: "Ada", Email: "ada@example.com"})
	})

	account, err := client.Whoami(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "user-1", account.UserID)
	assert.Equal(t, "Ada", account.Name)
}

func TestErrorEnvelopeIsNeverSuccess(t *testing.T) {
	// HTTP 200 with a non-zero envelope code must classify as the error the
	// envelope describes.
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, pipeline.CodeUnauthenticated, "key revoked", nil)
	})

	_, err := client.Whoami(context.Background())
	require.Error(t, err)
	assert.Equal(t, pipeline.KindAuth, pipeline.KindOf(err))
}

func TestEnvelopeNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, pipeline.CodeNotFound, "no such objective", nil)
	})

	_, err := client.GetObjective(context.Background(), "obj-404")
	require.Error(t, err)
	assert.Equal(t, pipeline.KindNotFound, pipeline.KindOf(err))
}

func TestHTTPStatusClassification(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeEnvelope(w, 0, "", []Objective{{ID: "obj-1", Title: "Ship it"}})
	})

	// 503s are transient and retried; the third attempt succeeds.
	objectives, err := client.ListObjectives(context.Background())
	require.NoError(t, err)
	require.Len(t, objectives, 1)
	assert.Equal(t, "obj-1", objectives[0].ID)
	assert.Equal(t, 3, calls)
}

func TestMutationNotRetried(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.CreateTask(context.Background(), TaskInput{ObjectiveID: "obj-1", Title: "task"})
	require.Error(t, err)
	assert.Equal(t, pipeline.KindTransient, pipeline.KindOf(err))
	assert.Equal(t, 1, calls)
}

func TestCreateTaskPostsPayload(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/tasks", r.URL.Path)
		var input TaskInput
		require.NoError(t, json.NewDecoder(r.Body).Decode(&input))
		assert.Equal(t, "obj-1", input.ObjectiveID)
		writeEnvelope(w, 0, "", Task{ID: "task-1", ObjectiveID: input.ObjectiveID, Title: input.Title, Status: "open"})
	})

	task, err := client.CreateTask(context.Background(), TaskInput{ObjectiveID: "obj-1", Title: "write tests"})
	require.NoError(t, err)
	assert.Equal(t, "task-1", task.ID)
	assert.Equal(t, "open", task.Status)
}

func TestListTasksQuery(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "obj-1", r.URL.Query().Get("objective_id"))
		writeEnvelope(w, 0, "", []Task{{ID: "task-1", ObjectiveID: "obj-1"}})
	})

	tasks, err := client.ListTasks(context.Background(), "obj-1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
}

func TestValidateCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeEnvelope(w, 0, "", Account{UserID: "user-1", Name: "Ada"})
	}))
	t.Cleanup(srv.Close)

	account, err := ValidateCredential(context.Background(), srv.URL, "good-key")
	require.NoError(t, err)
	assert.Equal(t, "user-1", account.UserID)

	_, err = ValidateCredential(context.Background(), srv.URL, "bad-key")
	require.Error(t, err)
	assert.Equal(t, pipeline.KindAuth, pipeline.KindOf(err))
}

func TestValidateCredentialRejectsEmptyUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 0, "", Account{})
	}))
	t.Cleanup(srv.Close)

	_, err := ValidateCredential(context.Background(), srv.URL, "some-key")
	assert.Error(t, err)
}
