package report

import (
	"encoding/json"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-steplib/steps-nrf91-hil-test/report/api"
)

// Publisher sends finished reports to a collecting service.
type Publisher struct {
	client api.ClientAPI
	logger log.Logger
}

// NewPublisher ...
func NewPublisher(url, authToken string, logger log.Logger) Publisher {
	return Publisher{
		client: api.NewReportClient(url, authToken, logger),
		logger: logger,
	}
}

// Publish ...
func (p Publisher) Publish(r Report) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}

	p.logger.Printf("Publishing report %s", r.RunID)
	response, err := p.client.PublishReport(r.RunID, body)
	if err != nil {
		return err
	}

	if response.URL != "" {
		p.logger.Donef("Report published: %s", response.URL)
	} else {
		p.logger.Donef("Report published")
	}
	return nil
}
