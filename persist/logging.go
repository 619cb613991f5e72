package persist

import (
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

type loggingService struct {
	logger  log.Logger
	service Service
}

// NewLoggingService wraps a provided existing
// service with the provided logger.
func NewLoggingService(s Service, logger log.Logger) Service {
	return &loggingService{logger, s}
}

// Append wraps this service's Append method
// with added logging capabilities.
func (s *loggingService) Append(rec Record) {

	level.Debug(s.logger).Log(
		"method", "Append",
		"subgroup", rec.Subgroup,
		"sender", rec.Sender,
		"index", rec.Index,
		"bytes", len(rec.Payload),
	)

	s.service.Append(rec)
}

func (s *loggingService) SetUpcall(fn func(Record)) {
	s.service.SetUpcall(fn)
}

// Close wraps this service's Close method
// with added logging capabilities.
func (s *loggingService) Close() error {

	err := s.service.Close()
	if err != nil {
		level.Warn(s.logger).Log(
			"msg", "failed to close persistence writer",
			"err", err,
		)
	}

	return err
}
