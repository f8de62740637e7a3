package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/flakewatch/flakewatch/pkg/config"
	"github.com/flakewatch/flakewatch/pkg/ingest"
	"github.com/sirupsen/logrus"
)

const defaultTimeout = 10 * time.Second

// Compile-time interface check.
var _ ingest.FailureNotifier = (*notifier)(nil)

type notifier struct {
	log       logrus.FieldLogger
	endpoints []config.WebhookEndpoint
	client    *http.Client
}

// NewNotifier creates a FailureNotifier delivering run-failure
// summaries to the configured endpoints.
func NewNotifier(
	log logrus.FieldLogger,
	cfg *config.WebhookConfig,
) (ingest.FailureNotifier, error) {
	timeout := defaultTimeout

	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("parsing webhook timeout: %w", err)
		}

		timeout = d
	}

	return &notifier{
		log:       log.WithField("component", "webhook"),
		endpoints: cfg.Endpoints,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

// NotifyRunFailure POSTs the summary to every endpoint. Delivery is
// best effort: all endpoints are attempted and failures are joined.
func (n *notifier) NotifyRunFailure(
	ctx context.Context, summary ingest.RunFailureSummary,
) error {
	body, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshaling summary: %w", err)
	}

	var errs []error

	for _, ep := range n.endpoints {
		if err := n.deliver(ctx, ep, body); err != nil {
			n.log.WithError(err).WithField("url", ep.URL).
				Warn("Webhook delivery failed")
			errs = append(errs, err)

			continue
		}

		n.log.WithFields(logrus.Fields{
			"url": ep.URL,
			"run": summary.RunID,
		}).Debug("Webhook delivered")
	}

	return errors.Join(errs...)
}

func (n *notifier) deliver(
	ctx context.Context, ep config.WebhookEndpoint, body []byte,
) error {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, ep.URL, bytes.NewReader(body),
	)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if ep.Secret != "" {
		req.Header.Set("X-Flakewatch-Token", ep.Secret)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", ep.URL, err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned status %d", ep.URL, resp.StatusCode)
	}

	return nil
}
