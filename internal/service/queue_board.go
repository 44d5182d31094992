package service

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lab-validation-server/internal/domain"
)

const defaultPrefetchTimeout = 30 * time.Second

// QueueSection is one work list. Exactly one of Orders and Error is set.
type QueueSection struct {
	Kind   domain.QueueKind `json:"kind"`
	Orders []domain.Order   `json:"orders,omitempty"`
	Error  string           `json:"error,omitempty"`
	err    error
}

// Err returns the load failure of the section, if any.
func (s QueueSection) Err() error {
	return s.err
}

// Board is the set of work lists shown to lab staff.
type Board struct {
	Sections []QueueSection `json:"sections"`
	LoadedAt time.Time      `json:"loaded_at"`
}

// Section returns the section of a queue kind.
func (b *Board) Section(kind domain.QueueKind) (QueueSection, bool) {
	for _, s := range b.Sections {
		if s.Kind == kind {
			return s, true
		}
	}
	return QueueSection{}, false
}

// QueueBoard loads the processing, validation and completed queues. Each queue
// loads on its own; a failing queue does not hide the others.
type QueueBoard struct {
	api        domain.LabAPI
	controller *LifecycleController
	drafts     *DraftStore
	logger     *logrus.Logger

	prefetchTimeout time.Duration
	prefetching     sync.WaitGroup
}

// NewQueueBoard creates a queue board.
func NewQueueBoard(api domain.LabAPI, controller *LifecycleController, drafts *DraftStore, logger *logrus.Logger) *QueueBoard {
	return &QueueBoard{
		api:             api,
		controller:      controller,
		drafts:          drafts,
		logger:          logger,
		prefetchTimeout: defaultPrefetchTimeout,
	}
}

var boardQueues = []domain.QueueKind{domain.QueueProcessing, domain.QueueValidation, domain.QueueCompleted}

// Load fetches every queue concurrently, tracks the orders it finds and starts
// a background prefetch of the editable ones.
func (q *QueueBoard) Load(ctx context.Context) *Board {
	board := &Board{Sections: make([]QueueSection, len(boardQueues))}

	var wg sync.WaitGroup
	for i, kind := range boardQueues {
		wg.Add(1)
		go func(i int, kind domain.QueueKind) {
			defer wg.Done()
			section := QueueSection{Kind: kind}
			orders, err := q.api.FetchQueue(ctx, kind)
			if err != nil {
				q.logger.WithError(err).WithField("queue", kind).Warn("Failed to load queue")
				section.err = err
				section.Error = "failed to load " + string(kind) + " queue"
			} else {
				section.Orders = orders
			}
			board.Sections[i] = section
		}(i, kind)
	}
	wg.Wait()
	board.LoadedAt = time.Now().UTC()

	var editable []domain.Order
	for _, s := range board.Sections {
		for _, o := range s.Orders {
			q.controller.Track(o)
			if s.Kind != domain.QueueCompleted && !o.Status.IsTerminal() {
				editable = append(editable, o)
			}
		}
	}
	q.prefetch(ctx, editable)
	return board
}

// prefetch runs detached from the request so it survives the response.
func (q *QueueBoard) prefetch(ctx context.Context, orders []domain.Order) {
	if len(orders) == 0 {
		return
	}
	q.prefetching.Add(1)
	go func() {
		defer q.prefetching.Done()
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.prefetchTimeout)
		defer cancel()
		for i := range orders {
			q.drafts.Prefetch(pctx, &orders[i])
		}
		q.logger.WithField("orders", len(orders)).Debug("Queue prefetch finished")
	}()
}

// Wait blocks until background prefetches have finished.
func (q *QueueBoard) Wait() {
	q.prefetching.Wait()
}
