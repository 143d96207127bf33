package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"modelpool/message"
)

// Start launches the background poll that refreshes the cached model list
// every interval. A second Start while polling is a no-op.
func (c *Client) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	c.pollMu.Lock()
	defer c.pollMu.Unlock()
	if c.pollCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.pollCancel = cancel
	c.pollDone = done

	go func() {
		defer close(done)
		c.poll(ctx, interval)
	}()
	c.log.WithField("interval", interval).Info("Started model pool polling")
}

// poll never stops on error; a failed cycle is retried after the full interval.
func (c *Client) poll(ctx context.Context, interval time.Duration) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		c.pollOnce(ctx)
		timer.Reset(interval)
	}
}

func (c *Client) pollOnce(ctx context.Context) {
	start := time.Now()
	models, err := c.GetAvailableModels(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.log.WithError(err).Error("Failed to query the model pool status")
		}
		return
	}

	c.log.WithFields(logrus.Fields{
		"addr":     c.CurrentAddress(),
		"count":    len(models),
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("Retrieved models")
	c.log.Info("Received model list: " + formatModels(models))
}

func (c *Client) stopPolling() {
	c.pollMu.Lock()
	cancel, done := c.pollCancel, c.pollDone
	c.pollCancel, c.pollDone = nil, nil
	c.pollMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func formatModels(models []message.Model) string {
	if len(models) == 0 {
		return "[]"
	}
	var b strings.Builder
	for _, m := range models {
		fmt.Fprintf(&b, "\n- name: %q, model_type: %q, model: %q, base_url: %q, status: %q, usage_count: %d",
			m.Name, m.ModelType, m.Model, m.BaseURL, m.Status, m.UsageCount)
	}
	return b.String()
}
