package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"go_fiskal/internal/events"
	"go_fiskal/internal/fiscal"
	"go_fiskal/internal/model"
)

// Worker polls the queue and runs claimed requests through the pipeline.
// Several workers may run against the same database; the claim CAS keeps
// them from processing the same row twice.
type Worker struct {
	service   *Service
	pipeline  *fiscal.Pipeline
	publisher *events.Publisher
	interval  time.Duration

	id     string
	logger *logrus.Entry

	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewWorker creates a queue worker. Each worker gets a unique id used as the
// lock owner token on claimed rows.
func NewWorker(service *Service, pipeline *fiscal.Pipeline, publisher *events.Publisher, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	id := "worker-" + uuid.New().String()[:8]
	return &Worker{
		service:   service,
		pipeline:  pipeline,
		publisher: publisher,
		interval:  interval,
		id:        id,
		logger:    logrus.WithField("component", "queue-worker").WithField("worker", id),
		stopChan:  make(chan struct{}),
	}
}

// Start launches the polling loop in a goroutine.
func (w *Worker) Start() {
	w.stoppedChan = make(chan struct{})
	go w.loop()
	w.logger.WithField("interval", w.interval.String()).Info("queue worker started")
}

// Stop signals the loop and waits for the in-flight tick to finish.
func (w *Worker) Stop() {
	close(w.stopChan)
	if w.stoppedChan != nil {
		<-w.stoppedChan
	}
	w.logger.Info("queue worker stopped")
}

func (w *Worker) loop() {
	defer close(w.stoppedChan)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run immediately on start
	w.tick()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

// maxClaimsPerTick caps how many requests one worker takes per poll so a
// deep backlog from one tenant cannot starve the others between ticks.
const maxClaimsPerTick = 5

// tick claims up to a small batch of eligible work so a backlog clears
// faster than one request per interval.
func (w *Worker) tick() {
	for n := 0; n < maxClaimsPerTick; n++ {
		select {
		case <-w.stopChan:
			return
		default:
		}

		req, err := w.service.Claim(w.id)
		if err != nil {
			w.logger.WithError(err).Error("failed to claim a request")
			return
		}
		if req == nil {
			return
		}
		w.process(req)
	}
}

func (w *Worker) process(req *model.FiscalRequest) {
	entry := w.logger.WithFields(logrus.Fields{
		"request":     req.ID,
		"company":     req.CompanyID,
		"messageType": req.MessageType,
		"attempt":     req.Attempts + 1,
	})
	entry.Info("processing fiscal request")

	ctx := context.Background()
	ferr, err := w.pipeline.Run(ctx, req)
	if err != nil {
		entry.WithError(err).Error("infrastructure fault, releasing request")
		if relErr := w.service.Release(req); relErr != nil {
			entry.WithError(relErr).Error("failed to release request")
		}
		return
	}

	if ferr == nil {
		if err := w.service.Complete(req); err != nil {
			entry.WithError(err).Error("failed to mark request completed")
			return
		}
		entry.Info("fiscal request completed")
		w.publish(ctx, req, model.RequestStatusCompleted, "")
		return
	}

	entry.WithFields(logrus.Fields{
		"code":      string(ferr.Code),
		"retriable": ferr.Retriable(),
	}).Warn(ferr.Message)

	if err := w.service.Fail(req, ferr); err != nil {
		entry.WithError(err).Error("failed to record request failure")
		return
	}

	// Re-read for the post-transition status so the event reflects whether
	// the request went failed or dead.
	updated, err := w.service.Get(req.CompanyID, req.ID)
	if err != nil || updated == nil {
		return
	}
	if updated.IsTerminal() || updated.Status == model.RequestStatusFailed {
		w.publish(ctx, updated, updated.Status, string(ferr.Code))
	}
}

func (w *Worker) publish(ctx context.Context, req *model.FiscalRequest, status, errorCode string) {
	result := events.Result{
		RequestID:   req.ID,
		CompanyID:   req.CompanyID,
		InvoiceID:   req.InvoiceID,
		MessageType: req.MessageType,
		Status:      status,
		ErrorCode:   errorCode,
		OccurredAt:  time.Now(),
	}
	if req.JIR != nil {
		result.JIR = *req.JIR
	}
	if req.ZKI != nil {
		result.ZKI = *req.ZKI
	}
	w.publisher.PublishResult(ctx, result)
}
