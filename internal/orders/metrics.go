package orders

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type handlerMetrics struct {
	ordersCreated  metric.Int64Counter
	itemsCreated   metric.Int64Counter
	createFailures metric.Int64Counter
}

func newHandlerMetrics() (*handlerMetrics, error) {
	meter := otel.Meter("github.com/joao-fontenele/fruit-orders/internal/orders")

	ordersCreated, err := meter.Int64Counter("orders.created",
		metric.WithDescription("Orders committed to storage"),
		metric.WithUnit("{order}"),
	)
	if err != nil {
		return nil, err
	}

	itemsCreated, err := meter.Int64Counter("orders.items.created",
		metric.WithDescription("Order line items committed to storage"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	createFailures, err := meter.Int64Counter("orders.create.failures",
		metric.WithDescription("Order creation requests that were rejected or failed"),
	)
	if err != nil {
		return nil, err
	}

	return &handlerMetrics{
		ordersCreated:  ordersCreated,
		itemsCreated:   itemsCreated,
		createFailures: createFailures,
	}, nil
}

func (m *handlerMetrics) recordCreated(ctx context.Context, items int) {
	m.ordersCreated.Add(ctx, 1)
	m.itemsCreated.Add(ctx, int64(items))
}

func (m *handlerMetrics) recordFailure(ctx context.Context, reason string) {
	m.createFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
