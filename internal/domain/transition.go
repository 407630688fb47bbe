package domain

import "fmt"

// TransitionPolicy решает, допустима ли смена статуса from -> to.
type TransitionPolicy interface {
	Allow(from, to OrderStatus) error
}

// TransitionFunc адаптирует функцию к TransitionPolicy.
type TransitionFunc func(from, to OrderStatus) error

// Allow вызывает f(from, to).
func (f TransitionFunc) Allow(from, to OrderStatus) error { return f(from, to) }

// PermissiveTransitions разрешает любой переход между известными статусами.
type PermissiveTransitions struct{}

// Allow всегда разрешает переход.
func (PermissiveTransitions) Allow(_, _ OrderStatus) error { return nil }

// AdjacencyTransitions: строгая таблица переходов.
type AdjacencyTransitions map[OrderStatus][]OrderStatus

// DefaultAdjacency: таблица для строгого режима.
func DefaultAdjacency() AdjacencyTransitions {
	return AdjacencyTransitions{
		OrderStatusPending: {OrderStatusPaid, OrderStatusCancelled},
		OrderStatusPaid:    {OrderStatusDelivered, OrderStatusCancelled},
	}
}

// Allow проверяет наличие ребра from -> to.
func (t AdjacencyTransitions) Allow(from, to OrderStatus) error {
	for _, next := range t[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrTransitionNotAllowed, from, to)
}

var (
	_ TransitionPolicy = PermissiveTransitions{}
	_ TransitionPolicy = AdjacencyTransitions(nil)
	_ TransitionPolicy = TransitionFunc(nil)
)
