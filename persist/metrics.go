package persist

import (
	"github.com/go-kit/kit/metrics"
)

type metricsService struct {
	appends      metrics.Counter
	bytesWritten metrics.Counter
	service      Service
}

// NewMetricsService instruments a writer with append and
// byte counters.
func NewMetricsService(s Service, appends, bytesWritten metrics.Counter) Service {
	return &metricsService{
		appends:      appends,
		bytesWritten: bytesWritten,
		service:      s,
	}
}

func (s *metricsService) Append(rec Record) {
	s.appends.Add(1)
	s.bytesWritten.Add(float64(len(rec.Payload)))
	s.service.Append(rec)
}

func (s *metricsService) SetUpcall(fn func(Record)) {
	s.service.SetUpcall(fn)
}

func (s *metricsService) Close() error {
	return s.service.Close()
}
