package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-accent/internal/bus"
	"github.com/loqalabs/loqa-accent/internal/protocol"
	"github.com/loqalabs/loqa-accent/internal/recorder"
	"github.com/nats-io/nats.go"
)

// Service answers analysis requests arriving over the bus.
type Service struct {
	bus          *bus.Client
	orchestrator *Orchestrator
	sub          *nats.Subscription
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	mu           sync.Mutex
	ready        bool
	logger       *slog.Logger
}

func NewService(parent context.Context, busClient *bus.Client, orchestrator *Orchestrator, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:          busClient,
		orchestrator: orchestrator,
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger.With(slog.String("component", "analysis-service")),
	}
}

func (s *Service) Start() error {
	if s.bus == nil {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectAnalyzeRequest, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe analysis requests: %w", err)
	}
	s.mu.Lock()
	s.sub = sub
	s.ready = true
	s.mu.Unlock()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	sub := s.sub
	s.ready = false
	s.mu.Unlock()
	if sub != nil {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bus == nil || s.ready
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.AnalyzeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode analysis request", slogError(err))
		s.reply(msg, protocol.AnalyzeResponse{Error: "Malformed analysis request.", Kind: string(KindInvalidInput)})
		return
	}

	// Close flips ready before draining, so no Add can race its Wait.
	s.mu.Lock()
	if !s.ready {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		start := time.Now()
		result, err := s.orchestrator.Analyze(s.ctx, recorder.NewArtifact(req.Audio, req.MediaType))
		resp := protocol.AnalyzeResponse{RequestID: req.RequestID, LatencyMS: time.Since(start).Milliseconds()}
		event := protocol.SessionEvent{
			SessionID: req.SessionID,
			MediaType: req.MediaType,
			ByteCount: len(req.Audio),
			LatencyMS: resp.LatencyMS,
			Timestamp: time.Now().UTC(),
		}
		subject := protocol.SubjectAnalysisCompleted
		if err != nil {
			resp.Error = err.Error()
			resp.Kind = string(KindOf(err))
			event.Type = protocol.EventAnalysisFailed
			event.Kind = resp.Kind
			subject = protocol.SubjectAnalysisFailed
		} else {
			resp.Transcription = result.Transcription
			resp.Analysis = result.Analysis
			event.Type = protocol.EventAnalysisCompleted
		}
		s.reply(msg, resp)
		if err := s.bus.Publish(subject, event); err != nil {
			s.logger.Warn("failed to publish analysis event", slogError(err))
		}
	}()
}

func (s *Service) reply(msg *nats.Msg, resp protocol.AnalyzeResponse) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Warn("failed to encode analysis reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send analysis reply", slogError(err))
	}
}
