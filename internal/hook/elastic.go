package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/sentinelqa/sentinel/internal/model"
)

// ElasticSearchHook indexes finished test runs so that operators can search
// run outcomes and error texts alongside their service logs.
type ElasticSearchHook struct {
	client *elasticsearch.Client
	index  string

	log *slog.Logger
}

func NewElasticSearchHook(cfg elasticsearch.Config, index string, log *slog.Logger) (*ElasticSearchHook, error) {
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, err
	}

	return &ElasticSearchHook{
		client: client,
		index:  index,
		log:    log,
	}, nil
}

func (h *ElasticSearchHook) Name() string {
	return "elastic-search"
}

func (h *ElasticSearchHook) Init() error {
	return nil
}

func (h *ElasticSearchHook) TestRunFinished(ctx context.Context, suite model.Suite, test model.Test, run model.TestRun) {
	doc := map[string]any{
		"@timestamp":       time.Now().Format(time.RFC3339),
		"suite_id":         suite.ID,
		"suite_name":       suite.Name,
		"test_id":          test.ID,
		"test_label":       test.Label,
		"test_run_id":      run.ID,
		"status":           string(run.Status),
		"error":            run.Error,
		"external_task_id": run.ExternalTaskID,
		"public_share_url": run.PublicShareURL,
		"started_at":       run.StartedAt,
		"finished_at":      run.FinishedAt,
	}

	body, err := json.Marshal(doc)
	if err != nil {
		h.log.Error("marshaling test run document", "error", err)
		return
	}

	res, err := h.client.Index(
		h.index,
		bytes.NewReader(body),
		h.client.Index.WithDocumentID("test-run-"+strconv.Itoa(run.ID)),
		h.client.Index.WithContext(ctx),
	)
	if err != nil {
		h.log.Error("unable to index test run", "test-run-id", run.ID, "error", err)
		return
	}
	defer res.Body.Close()

	if res.IsError() {
		h.log.Error("unable to index test run", "test-run-id", run.ID, "status", res.Status())
	}
}
