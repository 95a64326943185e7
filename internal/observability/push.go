package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Push sends the gathered metrics to a Prometheus Pushgateway under the given
// job name. Batch jobs call it once on exit. An empty url is a no-op.
func Push(url, job string, g prometheus.Gatherer) error {
	if url == "" {
		return nil
	}
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	if err := push.New(url, job).Gatherer(g).Push(); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}
