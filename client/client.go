// Package client is a typed http client for the sentinel api.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sentinelqa/sentinel/internal/model"
)

type Suite = model.SuiteHTTP
type SuiteRun = model.SuiteRunHTTP
type TestRun = model.TestRunHTTP

type Client struct {
	http *http.Client
	host string
}

type RequestError struct {
	ResponseCode int
}

func (e RequestError) Error() string {
	return fmt.Sprintf("request failed with status %d", e.ResponseCode)
}

func New(host string, c *http.Client) Client {
	if c == nil {
		c = http.DefaultClient
	}

	return Client{http: c, host: host}
}

type CreateSuiteRequest struct {
	Name                      string             `json:"name"`
	CronCadence               *model.CronCadence `json:"cronCadence,omitempty"`
	NotificationsEmailAddress *string            `json:"notificationsEmailAddress,omitempty"`
}

func (c Client) CreateSuite(ctx context.Context, r CreateSuiteRequest) (model.Suite, error) {
	req, err := c.jsonRequest("POST", c.url("/suites"), r)
	if err != nil {
		return model.Suite{}, err
	}

	var suite model.Suite

	if err = c.do(ctx, req, &suite); err != nil {
		return model.Suite{}, err
	}

	return suite, nil
}

func (c Client) GetSuite(ctx context.Context, suiteID int) (Suite, error) {
	req, err := http.NewRequest("GET", c.url("/suites/%d", suiteID), nil)
	if err != nil {
		return Suite{}, err
	}

	var suite Suite

	if err = c.do(ctx, req, &suite); err != nil {
		return Suite{}, err
	}

	return suite, nil
}

type CreateTestRequest struct {
	Label      string `json:"label"`
	Evaluation string `json:"evaluation"`
}

func (c Client) CreateTest(ctx context.Context, suiteID int, r CreateTestRequest) (model.Test, error) {
	req, err := c.jsonRequest("POST", c.url("/suites/%d/tests", suiteID), r)
	if err != nil {
		return model.Test{}, err
	}

	var test model.Test

	if err = c.do(ctx, req, &test); err != nil {
		return model.Test{}, err
	}

	return test, nil
}

func (c Client) CreateSuiteRun(ctx context.Context, suiteID int) (SuiteRun, error) {
	req, err := http.NewRequest("POST", c.url("/suites/%d/runs", suiteID), nil)
	if err != nil {
		return SuiteRun{}, err
	}

	var sr SuiteRun

	if err = c.do(ctx, req, &sr); err != nil {
		return SuiteRun{}, err
	}

	return sr, nil
}

func (c Client) GetSuiteRun(ctx context.Context, suiteID, runID int) (SuiteRun, error) {
	req, err := http.NewRequest("GET", c.url("/suites/%d/runs/%d", suiteID, runID), nil)
	if err != nil {
		return SuiteRun{}, err
	}

	var sr SuiteRun

	if err = c.do(ctx, req, &sr); err != nil {
		return SuiteRun{}, err
	}

	return sr, nil
}

func (c Client) CreateTestRun(ctx context.Context, testID int) (TestRun, error) {
	req, err := http.NewRequest("POST", c.url("/tests/%d/runs", testID), nil)
	if err != nil {
		return TestRun{}, err
	}

	var tr TestRun

	if err = c.do(ctx, req, &tr); err != nil {
		return TestRun{}, err
	}

	return tr, nil
}

func (c Client) GetTestRun(ctx context.Context, runID int) (TestRun, error) {
	req, err := http.NewRequest("GET", c.url("/runs/%d", runID), nil)
	if err != nil {
		return TestRun{}, err
	}

	var tr TestRun

	if err = c.do(ctx, req, &tr); err != nil {
		return TestRun{}, err
	}

	return tr, nil
}

func (c Client) url(path string, args ...any) string {
	return fmt.Sprintf(c.host+path, args...)
}

func (c Client) jsonRequest(method, url string, body any) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(method, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	return req, nil
}

func (c Client) do(ctx context.Context, req *http.Request, body any) error {
	req = req.WithContext(ctx)
	req.Header.Add("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return RequestError{res.StatusCode}
	}

	if body != nil {
		d := json.NewDecoder(res.Body)

		if err = d.Decode(body); err != nil {
			return err
		}
	}

	return nil
}
