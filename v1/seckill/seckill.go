package seckill

import (
	"context"
	"fmt"
	"strconv"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mirkobrombin/go-surge/v1/idgen"
	"github.com/mirkobrombin/go-surge/v1/metrics"
	"github.com/mirkobrombin/go-surge/v1/queue"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-surge/v1/seckill")

// Key prefixes for the decision state.
const (
	StockKeyPrefix = "seckill:stock:"
	OrderKeyPrefix = "seckill:order:"

	orderNamespace = "order"
)

// Verdict is the outcome of a seckill decision. Non-accepted verdicts are
// terminal: retrying after sold-out or duplicate cannot change the outcome.
type Verdict int

const (
	VerdictAccepted Verdict = iota
	VerdictSoldOut
	VerdictDuplicate
)

// String implements fmt.Stringer.
func (v Verdict) String() string {
	switch v {
	case VerdictAccepted:
		return "accepted"
	case VerdictSoldOut:
		return "sold_out"
	case VerdictDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Service runs seckill decisions. In stream mode (default) the decision
// script itself appends the accepted task to the order stream, atomically
// with the decrement; with a local dispatcher the service enqueues in Go
// after an accepted verdict, which is the degraded in-process fallback.
type Service struct {
	client     *redis.Client
	ids        *idgen.Worker
	dispatcher queue.Queue
	streamKey  string
	logger     zerolog.Logger

	traceEnabled bool
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithStreamKey sets the stream the script appends accepted tasks to.
func WithStreamKey(key string) ServiceOption {
	return func(s *Service) { s.streamKey = key }
}

// WithLocalDispatch switches the service to the in-process transport: the
// script no longer enqueues and q receives accepted tasks instead.
func WithLocalDispatch(q queue.Queue) ServiceOption {
	return func(s *Service) { s.dispatcher = q }
}

// WithServiceLogger sets the logger.
func WithServiceLogger(log zerolog.Logger) ServiceOption {
	return func(s *Service) { s.logger = log }
}

// WithServiceTracing enables OpenTelemetry spans on decisions.
func WithServiceTracing() ServiceOption {
	return func(s *Service) { s.traceEnabled = true }
}

// NewService returns a new seckill Service.
func NewService(client *redis.Client, ids *idgen.Worker, opts ...ServiceOption) *Service {
	s := &Service{
		client:    client,
		ids:       ids,
		streamKey: queue.DefaultStream,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PrimeStock seeds the authoritative stock counter for a voucher. Called
// when the voucher goes on sale; the counter is the sole source of truth the
// decision script reads.
func (s *Service) PrimeStock(ctx context.Context, voucherID, stock int64) error {
	return s.client.Set(ctx, stockKey(voucherID), stock, 0).Err()
}

// Seckill decides one purchase attempt. On VerdictAccepted the returned
// order id identifies the task now in flight toward persistence. Non-zero
// verdicts are normal outcomes, not errors.
func (s *Service) Seckill(ctx context.Context, voucherID, userID int64) (int64, Verdict, error) {
	ctx, end := s.startSpan(ctx, voucherID, userID)
	defer end()

	orderID, err := s.ids.NextID(ctx, orderNamespace)
	if err != nil {
		return 0, 0, err
	}

	enqueueFlag := "1"
	if s.dispatcher != nil {
		enqueueFlag = "0"
	}

	code, err := decisionScript.Run(ctx, s.client,
		[]string{stockKey(voucherID), orderKey(voucherID), s.streamKey},
		strconv.FormatInt(userID, 10),
		strconv.FormatInt(voucherID, 10),
		strconv.FormatInt(orderID, 10),
		enqueueFlag,
	).Int()
	if err != nil {
		return 0, 0, err
	}

	switch code {
	case 0:
		metrics.SeckillVerdictCounter.WithLabelValues(VerdictAccepted.String()).Inc()
	case 1:
		metrics.SeckillVerdictCounter.WithLabelValues(VerdictSoldOut.String()).Inc()
		return 0, VerdictSoldOut, nil
	case 2:
		metrics.SeckillVerdictCounter.WithLabelValues(VerdictDuplicate.String()).Inc()
		return 0, VerdictDuplicate, nil
	default:
		return 0, 0, fmt.Errorf("unexpected decision code %d", code)
	}

	if s.dispatcher != nil {
		task := queue.Task{OrderID: orderID, UserID: userID, VoucherID: voucherID}
		if err := s.dispatcher.Enqueue(ctx, task); err != nil {
			// the decrement already happened; losing the task here means an
			// accepted order will not persist, surface it loudly
			s.logger.Error().Err(err).Int64("orderId", orderID).Msg("accepted task could not be enqueued")
			return orderID, VerdictAccepted, err
		}
	}
	return orderID, VerdictAccepted, nil
}

func (s *Service) startSpan(ctx context.Context, voucherID, userID int64) (context.Context, func()) {
	if !s.traceEnabled {
		return ctx, func() {}
	}
	ctx, span := tracer.Start(ctx, "Service.Seckill")
	span.SetAttributes(
		attribute.Int64("surge.seckill.voucher_id", voucherID),
		attribute.Int64("surge.seckill.user_id", userID),
	)
	return ctx, func() { span.End() }
}

func stockKey(voucherID int64) string {
	return StockKeyPrefix + strconv.FormatInt(voucherID, 10)
}

func orderKey(voucherID int64) string {
	return OrderKeyPrefix + strconv.FormatInt(voucherID, 10)
}
