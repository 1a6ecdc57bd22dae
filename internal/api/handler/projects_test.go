package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/launchpad/internal/api/handler"
	"github.com/kiranshivaraju/launchpad/internal/runner"
	"github.com/kiranshivaraju/launchpad/internal/store"
	"github.com/kiranshivaraju/launchpad/internal/submit"
	"github.com/kiranshivaraju/launchpad/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── mocks ───────────────────────────────────────────────────────────────────

type mockSubmitter struct {
	submitFn func(submit.Request) (*submit.Result, error)
	updateFn func(string, submit.StatusUpdate) (*models.Job, error)
	lastReq  submit.Request
}

func (m *mockSubmitter) Submit(_ context.Context, req submit.Request) (*submit.Result, error) {
	m.lastReq = req
	return m.submitFn(req)
}

func (m *mockSubmitter) UpdateStatus(_ context.Context, id string, u submit.StatusUpdate) (*models.Job, error) {
	return m.updateFn(id, u)
}

type mockProjects struct {
	jobs    map[string]*models.Job
	listErr error
	deleted []string

	lastLimit, lastOffset int
}

func newMockProjects(jobs ...*models.Job) *mockProjects {
	m := &mockProjects{jobs: make(map[string]*models.Job)}
	for _, j := range jobs {
		m.jobs[j.ID] = j
	}
	return m
}

func (m *mockProjects) GetByID(_ context.Context, id string) (*models.Job, error) {
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return j, nil
}

func (m *mockProjects) ListByOwner(_ context.Context, owner string, limit, offset int) ([]*models.Job, int, error) {
	m.lastLimit, m.lastOffset = limit, offset
	if m.listErr != nil {
		return nil, 0, m.listErr
	}
	all := []*models.Job{}
	for i := 0; i < len(m.jobs); i++ {
		j := m.jobs[fmt.Sprintf("job-%02d", i)]
		if j != nil && j.OwnerID == owner {
			all = append(all, j)
		}
	}
	start := min(offset, len(all))
	end := min(start+limit, len(all))
	return all[start:end], len(all), nil
}

func (m *mockProjects) Delete(_ context.Context, id string) (*models.Job, error) {
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	delete(m.jobs, id)
	m.deleted = append(m.deleted, id)
	return j, nil
}

type mockStatusCache struct {
	statuses map[string]string
	err      error
	deleted  []string
}

func (c *mockStatusCache) GetJobStatus(_ context.Context, id string) (string, bool, error) {
	if c.err != nil {
		return "", false, c.err
	}
	s, ok := c.statuses[id]
	return s, ok, nil
}

func (c *mockStatusCache) DeleteJobStatus(_ context.Context, id string) error {
	c.deleted = append(c.deleted, id)
	return nil
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func job(id, owner, status string) *models.Job {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &models.Job{
		ID: id, Name: "Site " + id, OwnerID: owner, RepoURL: "https://github.com/acme/" + id,
		Status: status, CreatedAt: now, UpdatedAt: now, Logs: []models.LogEntry{},
	}
}

func serve(t *testing.T, method, pattern, target string, h http.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r := chi.NewRouter()
	r.Method(method, pattern, h)
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env.Data
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env.Error.Code
}

// ─── submit ──────────────────────────────────────────────────────────────────

func TestSubmitHandler_Accepted(t *testing.T) {
	svc := &mockSubmitter{submitFn: func(req submit.Request) (*submit.Result, error) {
		return &submit.Result{JobID: "my-site", URL: "http://my-site.localhost:8000"}, nil
	}}

	w := serve(t, http.MethodPost, "/projects", "/projects", handler.NewSubmitHandler(svc), map[string]string{
		"repoUrl": "https://github.com/acme/site",
		"slug":    "my-site",
		"ownerId": "u1",
	})

	assert.Equal(t, http.StatusAccepted, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, "my-site", data["jobId"])
	assert.Equal(t, "http://my-site.localhost:8000", data["url"])
	assert.Equal(t, "https://github.com/acme/site", svc.lastReq.RepoURL)
	assert.Equal(t, "u1", svc.lastReq.OwnerID)
}

func TestSubmitHandler_AcceptsLegacyFieldNames(t *testing.T) {
	svc := &mockSubmitter{submitFn: func(req submit.Request) (*submit.Result, error) {
		return &submit.Result{JobID: "x", URL: "u"}, nil
	}}

	w := serve(t, http.MethodPost, "/projects", "/projects", handler.NewSubmitHandler(svc), map[string]string{
		"gitURL": "https://github.com/acme/site",
		"userId": "u2",
	})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "https://github.com/acme/site", svc.lastReq.RepoURL)
	assert.Equal(t, "u2", svc.lastReq.OwnerID)
}

func TestSubmitHandler_ErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: bad", submit.ErrInvalidRepoURL), http.StatusBadRequest, "INVALID_REPO_URL"},
		{fmt.Errorf("%w: bad", submit.ErrInvalidSlug), http.StatusBadRequest, "INVALID_SLUG"},
		{submit.ErrOwnerRequired, http.StatusBadRequest, "INVALID_REQUEST"},
		{fmt.Errorf("%w: taken", submit.ErrSlugTaken), http.StatusConflict, "SLUG_TAKEN"},
		{fmt.Errorf("launch: %w", runner.ErrLaunchFailed), http.StatusBadGateway, "LAUNCH_FAILED"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			svc := &mockSubmitter{submitFn: func(submit.Request) (*submit.Result, error) { return nil, tc.err }}
			w := serve(t, http.MethodPost, "/projects", "/projects", handler.NewSubmitHandler(svc),
				map[string]string{"repoUrl": "x", "ownerId": "u"})
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.code, errCode(t, w))
		})
	}
}

func TestSubmitHandler_InvalidJSON(t *testing.T) {
	svc := &mockSubmitter{}
	r := chi.NewRouter()
	r.Post("/projects", handler.NewSubmitHandler(svc))
	req := httptest.NewRequest(http.MethodPost, "/projects", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", errCode(t, w))
}

// ─── list ────────────────────────────────────────────────────────────────────

func TestListHandler_RequiresOwner(t *testing.T) {
	w := serve(t, http.MethodGet, "/projects", "/projects", handler.NewListHandler(newMockProjects()), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", errCode(t, w))
}

func TestListHandler_Paginates(t *testing.T) {
	var jobs []*models.Job
	for i := 0; i < 5; i++ {
		jobs = append(jobs, job(fmt.Sprintf("job-%02d", i), "u1", models.JobStatusDeployed))
	}
	jobs = append(jobs, job("job-05", "someone-else", models.JobStatusDeployed))
	projects := newMockProjects(jobs...)

	w := serve(t, http.MethodGet, "/projects", "/projects?ownerId=u1&page=2&limit=2", handler.NewListHandler(projects), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var env struct {
		Data []models.Job `json:"data"`
		Meta struct {
			Page    int  `json:"page"`
			Limit   int  `json:"limit"`
			Total   int  `json:"total"`
			HasNext bool `json:"hasNext"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.Len(t, env.Data, 2)
	assert.Equal(t, "job-02", env.Data[0].ID)
	assert.Equal(t, "job-03", env.Data[1].ID)
	assert.Equal(t, 5, env.Meta.Total)
	assert.True(t, env.Meta.HasNext)
	assert.Equal(t, 2, projects.lastLimit)
	assert.Equal(t, 2, projects.lastOffset, "page window goes to the registry")
}

func TestListHandler_LastPage(t *testing.T) {
	var jobs []*models.Job
	for i := 0; i < 5; i++ {
		jobs = append(jobs, job(fmt.Sprintf("job-%02d", i), "u1", models.JobStatusDeployed))
	}
	projects := newMockProjects(jobs...)

	w := serve(t, http.MethodGet, "/projects", "/projects?ownerId=u1&page=3&limit=2", handler.NewListHandler(projects), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var env struct {
		Data []models.Job `json:"data"`
		Meta struct {
			HasNext bool `json:"hasNext"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.Len(t, env.Data, 1)
	assert.Equal(t, "job-04", env.Data[0].ID)
	assert.False(t, env.Meta.HasNext)
}

func TestListHandler_CapsLimit(t *testing.T) {
	projects := newMockProjects()
	w := serve(t, http.MethodGet, "/projects", "/projects?ownerId=u1&limit=5000", handler.NewListHandler(projects), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 100, projects.lastLimit)
	assert.Zero(t, projects.lastOffset)
}

func TestListHandler_PageBeyondEnd(t *testing.T) {
	projects := newMockProjects(job("job-00", "u1", models.JobStatusQueued))

	w := serve(t, http.MethodGet, "/projects", "/projects?userId=u1&page=9", handler.NewListHandler(projects), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var env struct {
		Data []any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.NotNil(t, env.Data)
	assert.Empty(t, env.Data)
}

func TestListHandler_BadParams(t *testing.T) {
	h := handler.NewListHandler(newMockProjects())
	for _, q := range []string{"page=0", "limit=-1", "page=abc"} {
		w := serve(t, http.MethodGet, "/projects", "/projects?ownerId=u1&"+q, h, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestListHandler_StoreError(t *testing.T) {
	projects := newMockProjects()
	projects.listErr = errors.New("db down")
	w := serve(t, http.MethodGet, "/projects", "/projects?ownerId=u1", handler.NewListHandler(projects), nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

// ─── get / status ────────────────────────────────────────────────────────────

func TestGetHandler(t *testing.T) {
	projects := newMockProjects(job("abc123", "u1", models.JobStatusBuilding))
	h := handler.NewGetHandler(projects)

	w := serve(t, http.MethodGet, "/projects/{id}", "/projects/abc123", h, nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, "abc123", data["id"])
	assert.Equal(t, "building", data["status"])
	assert.Equal(t, "u1", data["ownerId"])

	w = serve(t, http.MethodGet, "/projects/{id}", "/projects/missing", h, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "RESOURCE_NOT_FOUND", errCode(t, w))
}

func TestStatusHandler_CacheHit(t *testing.T) {
	cache := &mockStatusCache{statuses: map[string]string{"abc123": "deployed"}}
	h := handler.NewStatusHandler(newMockProjects(), cache)

	w := serve(t, http.MethodGet, "/projects/{id}/status", "/projects/abc123/status", h, nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, "deployed", data["status"])
	assert.Equal(t, "cache", data["source"])
}

func TestStatusHandler_FallsBackToRegistry(t *testing.T) {
	j := job("abc123", "u1", models.JobStatusDeployed)
	url := "http://abc123.localhost:8000"
	j.DeployURL = &url
	for _, cache := range []*mockStatusCache{{}, {err: errors.New("redis down")}} {
		h := handler.NewStatusHandler(newMockProjects(j), cache)
		w := serve(t, http.MethodGet, "/projects/{id}/status", "/projects/abc123/status", h, nil)
		require.Equal(t, http.StatusOK, w.Code)
		data := decodeData(t, w)
		assert.Equal(t, "deployed", data["status"])
		assert.Equal(t, "registry", data["source"])
		assert.Equal(t, url, data["deployUrl"])
	}

	h := handler.NewStatusHandler(newMockProjects(), &mockStatusCache{})
	w := serve(t, http.MethodGet, "/projects/{id}/status", "/projects/nope/status", h, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ─── update ──────────────────────────────────────────────────────────────────

func TestUpdateHandler(t *testing.T) {
	var gotID string
	var gotUpdate submit.StatusUpdate
	svc := &mockSubmitter{updateFn: func(id string, u submit.StatusUpdate) (*models.Job, error) {
		gotID, gotUpdate = id, u
		return job(id, "u1", u.Status), nil
	}}

	w := serve(t, http.MethodPut, "/projects/{id}", "/projects/abc123", handler.NewUpdateHandler(svc), map[string]string{
		"status":     "deployed",
		"deployUrl":  "https://abc123.example.com",
		"logMessage": "manual promote",
	})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "abc123", gotID)
	assert.Equal(t, submit.StatusUpdate{Status: "deployed", DeployURL: "https://abc123.example.com", LogMessage: "manual promote"}, gotUpdate)
	assert.Equal(t, "deployed", decodeData(t, w)["status"])
}

func TestUpdateHandler_Errors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{store.ErrNotFound, http.StatusNotFound, "RESOURCE_NOT_FOUND"},
		{fmt.Errorf("%w: \"exploded\"", submit.ErrInvalidStatus), http.StatusBadRequest, "INVALID_STATUS"},
		{errors.New("db down"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		svc := &mockSubmitter{updateFn: func(string, submit.StatusUpdate) (*models.Job, error) { return nil, tc.err }}
		w := serve(t, http.MethodPut, "/projects/{id}", "/projects/x", handler.NewUpdateHandler(svc), map[string]string{"status": "x"})
		assert.Equal(t, tc.status, w.Code)
		assert.Equal(t, tc.code, errCode(t, w))
	}
}

// ─── delete ──────────────────────────────────────────────────────────────────

func TestDeleteHandler(t *testing.T) {
	projects := newMockProjects(job("done", "u1", models.JobStatusDeployed))
	cache := &mockStatusCache{}
	h := handler.NewDeleteHandler(projects, cache)

	w := serve(t, http.MethodDelete, "/projects/{id}", "/projects/done", h, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "done", decodeData(t, w)["id"])
	assert.Equal(t, []string{"done"}, projects.deleted)
	assert.Equal(t, []string{"done"}, cache.deleted)

	w = serve(t, http.MethodDelete, "/projects/{id}", "/projects/done", h, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteHandler_RefusesRunningBuild(t *testing.T) {
	projects := newMockProjects(job("busy", "u1", models.JobStatusBuilding))
	h := handler.NewDeleteHandler(projects, &mockStatusCache{})

	w := serve(t, http.MethodDelete, "/projects/{id}", "/projects/busy", h, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "JOB_IN_PROGRESS", errCode(t, w))
	assert.Empty(t, projects.deleted)
}
