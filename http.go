package sentinel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sentinelqa/sentinel/internal/model"
)

func (s *Server) router() *httprouter.Router {
	router := httprouter.New()

	router.POST("/suites", s.CreateSuite)
	router.GET("/suites", s.GetSuites)
	router.GET("/suites/:suite-id", s.GetSuite)
	router.POST("/suites/:suite-id/tests", s.CreateTest)
	router.PUT("/tests/:test-id", s.UpdateTest)
	router.DELETE("/tests/:test-id", s.DeleteTest)

	router.POST("/suites/:suite-id/runs", s.StartSuiteRun)
	router.GET("/suites/:suite-id/runs", s.GetSuiteRuns)
	router.GET("/suites/:suite-id/runs/:run-id", s.GetSuiteRun)
	router.POST("/tests/:test-id/runs", s.StartTestRun)
	router.GET("/runs/:run-id", s.GetTestRun)

	router.GET("/healthz", s.Healthz)
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	return router
}

func (s *Server) httpError(w http.ResponseWriter, err error) {
	var notFound model.NotFoundError
	var malformedRequest model.MalformedRequestError

	if errors.As(err, &notFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	} else if errors.As(err, &malformedRequest) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.log.Error("internal server error", "error", err)
	w.WriteHeader(http.StatusInternalServerError)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err = w.Write(payload); err != nil {
		s.log.Warn("error writing response body", "error", err)
	}
}

type createSuiteRequest struct {
	Name                      string             `json:"name"`
	CronCadence               *model.CronCadence `json:"cronCadence"`
	NotificationsEmailAddress *string            `json:"notificationsEmailAddress"`
}

func (s *Server) CreateSuite(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body createSuiteRequest

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.httpError(w, model.MalformedRequestError{Param: "body"})
		return
	}

	if body.Name == "" {
		s.httpError(w, model.MalformedRequestError{Param: "name"})
		return
	}

	if body.CronCadence != nil && !body.CronCadence.Valid() {
		s.httpError(w, model.MalformedRequestError{Param: "cronCadence"})
		return
	}

	suite := model.Suite{
		Name:                      body.Name,
		CreatedAt:                 time.Now(),
		CronCadence:               body.CronCadence,
		NotificationsEmailAddress: body.NotificationsEmailAddress,
	}

	id, err := s.storage.CreateSuite(r.Context(), suite)
	if err != nil {
		s.httpError(w, err)
		return
	}

	suite, err = s.storage.LoadSuite(r.Context(), id)
	if err != nil {
		s.httpError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, suite)
}

func (s *Server) GetSuites(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	suites, err := s.storage.LoadSuites(r.Context())
	if err != nil {
		s.httpError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, suites)
}

func (s *Server) GetSuite(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	suiteID, err := intParam(p, "suite-id")
	if err != nil {
		s.httpError(w, err)
		return
	}

	suite, err := s.storage.LoadSuite(r.Context(), suiteID)
	if err != nil {
		s.httpError(w, err)
		return
	}

	tests, err := s.storage.LoadSuiteTests(r.Context(), suiteID)
	if err != nil {
		s.httpError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, model.SuiteHTTP{Suite: suite, Tests: tests})
}

type createTestRequest struct {
	Label      string `json:"label"`
	Evaluation string `json:"evaluation"`
}

func (s *Server) CreateTest(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	suiteID, err := intParam(p, "suite-id")
	if err != nil {
		s.httpError(w, err)
		return
	}

	var body createTestRequest

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.httpError(w, model.MalformedRequestError{Param: "body"})
		return
	}

	if body.Label == "" {
		s.httpError(w, model.MalformedRequestError{Param: "label"})
		return
	}
	if body.Evaluation == "" {
		s.httpError(w, model.MalformedRequestError{Param: "evaluation"})
		return
	}

	// ensure the suite exists, a test row must never be orphaned
	if _, err := s.storage.LoadSuite(r.Context(), suiteID); err != nil {
		s.httpError(w, err)
		return
	}

	test := model.Test{
		SuiteID:    suiteID,
		CreatedAt:  time.Now(),
		Label:      body.Label,
		Evaluation: body.Evaluation,
	}

	id, err := s.storage.CreateTest(r.Context(), test)
	if err != nil {
		s.httpError(w, err)
		return
	}

	test, err = s.storage.LoadTest(r.Context(), id)
	if err != nil {
		s.httpError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, test)
}

type updateTestRequest struct {
	Evaluation string `json:"evaluation"`
}

func (s *Server) UpdateTest(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	testID, err := intParam(p, "test-id")
	if err != nil {
		s.httpError(w, err)
		return
	}

	var body updateTestRequest

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.httpError(w, model.MalformedRequestError{Param: "body"})
		return
	}

	if body.Evaluation == "" {
		s.httpError(w, model.MalformedRequestError{Param: "evaluation"})
		return
	}

	if err := s.storage.UpdateTestEvaluation(r.Context(), testID, body.Evaluation); err != nil {
		s.httpError(w, err)
		return
	}

	test, err := s.storage.LoadTest(r.Context(), testID)
	if err != nil {
		s.httpError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, test)
}

func (s *Server) DeleteTest(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	testID, err := intParam(p, "test-id")
	if err != nil {
		s.httpError(w, err)
		return
	}

	if err := s.storage.DeleteTest(r.Context(), testID); err != nil {
		s.httpError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// StartSuiteRun creates a pending suite run plus a pending test run per test
// of the suite in one transaction and hands the run to the engine. The rows
// exist before any remote work starts so a crash can never lose the run.
func (s *Server) StartSuiteRun(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	suiteID, err := intParam(p, "suite-id")
	if err != nil {
		s.httpError(w, err)
		return
	}

	suiteRun, err := s.triggerSuiteRun(r.Context(), suiteID)
	if err != nil {
		s.httpError(w, err)
		return
	}

	s.log.Info("triggered suite run", "suite-id", suiteID, "suite-run-id", suiteRun.ID, "triggered-by", "api")

	s.writeJSON(w, http.StatusCreated, suiteRun)
}

func (s *Server) triggerSuiteRun(ctx context.Context, suiteID int) (model.SuiteRunHTTP, error) {
	suite, err := s.storage.LoadSuite(ctx, suiteID)
	if err != nil {
		return model.SuiteRunHTTP{}, err
	}

	tests, err := s.storage.LoadSuiteTests(ctx, suiteID)
	if err != nil {
		return model.SuiteRunHTTP{}, err
	}

	now := time.Now()

	txCtx, err := s.storage.StartTransaction(ctx)
	if err != nil {
		return model.SuiteRunHTTP{}, err
	}
	defer s.storage.RollbackTransaction(txCtx)

	suiteRunID, err := s.storage.CreateSuiteRun(txCtx, suiteID, now)
	if err != nil {
		return model.SuiteRunHTTP{}, err
	}

	for _, t := range tests {
		if _, err = s.storage.CreateTestRun(txCtx, t.ID, &suiteRunID, now); err != nil {
			return model.SuiteRunHTTP{}, err
		}
	}

	if err = s.storage.CommitTransaction(txCtx); err != nil {
		return model.SuiteRunHTTP{}, err
	}

	suiteRun, err := s.loadSuiteRunHTTP(ctx, suite, suiteRunID)
	if err != nil {
		return model.SuiteRunHTTP{}, err
	}

	s.events <- runSuiteRequested{suiteRunID: suiteRunID}

	return suiteRun, nil
}

func (s *Server) GetSuiteRuns(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	suiteID, err := intParam(p, "suite-id")
	if err != nil {
		s.httpError(w, err)
		return
	}

	if _, err := s.storage.LoadSuite(r.Context(), suiteID); err != nil {
		s.httpError(w, err)
		return
	}

	runs, err := s.storage.LoadSuiteRuns(r.Context(), suiteID)
	if err != nil {
		s.httpError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) GetSuiteRun(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	suiteID, err := intParam(p, "suite-id")
	if err != nil {
		s.httpError(w, err)
		return
	}

	runID, err := intParam(p, "run-id")
	if err != nil {
		s.httpError(w, err)
		return
	}

	suite, err := s.storage.LoadSuite(r.Context(), suiteID)
	if err != nil {
		s.httpError(w, err)
		return
	}

	suiteRun, err := s.loadSuiteRunHTTP(r.Context(), suite, runID)
	if err != nil {
		s.httpError(w, err)
		return
	}

	if suiteRun.SuiteID != suiteID {
		s.httpError(w, model.NotFoundError{})
		return
	}

	s.writeJSON(w, http.StatusOK, suiteRun)
}

func (s *Server) loadSuiteRunHTTP(ctx context.Context, suite model.Suite, suiteRunID int) (model.SuiteRunHTTP, error) {
	suiteRun, err := s.storage.LoadSuiteRun(ctx, suiteRunID)
	if err != nil {
		return model.SuiteRunHTTP{}, err
	}

	testRuns, err := s.storage.LoadSuiteRunTestRuns(ctx, suiteRunID)
	if err != nil {
		return model.SuiteRunHTTP{}, err
	}

	return model.SuiteRunHTTP{SuiteRun: suiteRun, SuiteName: suite.Name, TestRuns: testRuns}, nil
}

// StartTestRun creates a pending standalone run for a single test and hands
// it to the engine.
func (s *Server) StartTestRun(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	testID, err := intParam(p, "test-id")
	if err != nil {
		s.httpError(w, err)
		return
	}

	test, err := s.storage.LoadTest(r.Context(), testID)
	if err != nil {
		s.httpError(w, err)
		return
	}

	runID, err := s.storage.CreateTestRun(r.Context(), testID, nil, time.Now())
	if err != nil {
		s.httpError(w, err)
		return
	}

	run, err := s.storage.LoadTestRun(r.Context(), runID)
	if err != nil {
		s.httpError(w, err)
		return
	}

	s.events <- runTestRequested{testRunID: runID}

	s.log.Info("triggered test run", "test-id", testID, "test-run-id", runID, "triggered-by", "api")

	s.writeJSON(w, http.StatusCreated, model.TestRunHTTP{TestRun: run, TestLabel: test.Label, Steps: []model.TestRunStep{}})
}

func (s *Server) GetTestRun(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	runID, err := intParam(p, "run-id")
	if err != nil {
		s.httpError(w, err)
		return
	}

	run, err := s.storage.LoadTestRun(r.Context(), runID)
	if err != nil {
		s.httpError(w, err)
		return
	}

	test, err := s.storage.LoadTest(r.Context(), run.TestID)
	if err != nil {
		s.httpError(w, err)
		return
	}

	steps, err := s.storage.LoadTestRunSteps(r.Context(), runID)
	if err != nil {
		s.httpError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, model.TestRunHTTP{TestRun: run, TestLabel: test.Label, Steps: steps})
}

func (s *Server) Healthz(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.WriteHeader(http.StatusOK)
}

func intParam(p httprouter.Params, name string) (int, error) {
	v, err := strconv.Atoi(p.ByName(name))
	if err != nil {
		return 0, model.MalformedRequestError{Param: name}
	}

	return v, nil
}
