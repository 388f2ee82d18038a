package aws

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// MetricsRecorder publishes counter metrics to CloudWatch under a fixed namespace.
// Failures are logged and swallowed so metric emission never fails a request.
type MetricsRecorder struct {
	CloudWatch CloudWatchAPI
	Namespace  string
	logger     *slog.Logger
}

// NewMetricsRecorder returns a recorder bound to a namespace.
func NewMetricsRecorder(cwClient CloudWatchAPI, namespace string, logger *slog.Logger) *MetricsRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &MetricsRecorder{
		CloudWatch: cwClient,
		Namespace:  namespace,
		logger:     logger,
	}
}

// Count emits a count-of-one metric with optional dimensions.
func (m *MetricsRecorder) Count(ctx context.Context, name string, dimensions map[string]string) {
	datum := cwtypes.MetricDatum{
		MetricName: awsString(name),
		Value:      awsFloat64(1),
		Unit:       cwtypes.StandardUnitCount,
		Timestamp:  awsTime(time.Now()),
	}
	for k, v := range dimensions {
		datum.Dimensions = append(datum.Dimensions, cwtypes.Dimension{
			Name:  awsString(k),
			Value: awsString(v),
		})
	}

	_, err := m.CloudWatch.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  awsString(m.Namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	})
	if err != nil {
		m.logger.Warn("put metric data failed", "metric", name, "error", err)
	}
}

func awsFloat64(f float64) *float64 { return &f }

func awsTime(t time.Time) *time.Time { return &t }
