// Package api publishes run reports to a collecting HTTP service.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	publishRetries      = 3
	publishRetryWaitMax = 10 * time.Second
)

// ClientAPI ...
type ClientAPI interface {
	PublishReport(runID string, report []byte) (PublishResponse, error)
}

// HTTPClient ...
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ReportClient ...
type ReportClient struct {
	logger     log.Logger
	httpClient HTTPClient
	url        string
	authToken  string
}

// NewReportClient returns a client posting reports to url. Failed requests are retried.
func NewReportClient(url, authToken string, logger log.Logger) *ReportClient {
	return &ReportClient{
		logger:     logger,
		httpClient: newRetryableClient(logger).StandardClient(),
		url:        url,
		authToken:  authToken,
	}
}

func newRetryableClient(logger log.Logger) *retryablehttp.Client {
	client := retryhttp.NewClient(logger)
	client.RetryMax = publishRetries
	client.RetryWaitMax = publishRetryWaitMax
	client.CheckRetry = retryablehttp.DefaultRetryPolicy
	return client
}

// PublishReport posts a JSON report.
func (c *ReportClient) PublishReport(runID string, report []byte) (PublishResponse, error) {
	req, err := http.NewRequest(http.MethodPost, c.url, bytes.NewBuffer(report))
	if err != nil {
		return PublishResponse{}, err
	}
	req.Header.Set("X-Run-ID", runID)

	resp, body, err := c.perform(req)
	if err != nil {
		return PublishResponse{}, err
	}

	var response PublishResponse
	if len(bytes.TrimSpace(body)) == 0 {
		return response, nil
	}
	if err := json.Unmarshal(body, &response); err != nil {
		c.logger.Warnf("Unexpected response from %s (%d): %s", c.url, resp.StatusCode, err)
	}

	return response, nil
}

func (c *ReportClient) perform(request *http.Request) (*http.Response, []byte, error) {
	request.Header.Set("Content-Type", "application/json; charset=UTF-8")
	if c.authToken != "" {
		request.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	dump, err := httputil.DumpRequest(request, false)
	if err != nil {
		c.logger.Warnf("Request dump failed: %s", err)
	} else {
		c.logger.Debugf("Request dump: %s", string(dump))
	}

	resp, err := c.httpClient.Do(request)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warnf("Failed to close response body: %s", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	c.logger.Debugf("Response: %d %s", resp.StatusCode, string(body))

	if resp.StatusCode >= 300 || resp.StatusCode < 200 {
		message, err := parseErrorMessage(body)
		if err != nil {
			c.logger.Warnf("Failed to parse error message from the response: %s", err)
		}

		return nil, nil, fmt.Errorf("request to %s failed: status code should be 2xx (%d): %s", request.URL, resp.StatusCode, message)
	}

	return resp, body, nil
}

func parseErrorMessage(body []byte) (string, error) {
	type errorResponse struct {
		Message string `json:"error_msg"`
	}

	var response errorResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", err
	}

	return response.Message, nil
}
