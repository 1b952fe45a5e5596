// Package queue provides the durable delay queue that delivers workflow
// invocations at a requested future instant.
//
// Delivery is at-least-once: an invocation interrupted mid-delivery by a
// crash is re-queued on startup, and consumers are expected to be
// idempotent. An invocation is never delivered before its deliver_at.
package queue

import "time"

// InvocationStatus represents the delivery state of an invocation
type InvocationStatus string

const (
	// StatusQueued means the invocation is waiting for its deliver_at.
	StatusQueued InvocationStatus = "queued"
	// StatusDelivering means a worker is handing the invocation to the
	// handler right now. Rows stuck here after a crash are re-queued.
	StatusDelivering InvocationStatus = "delivering"
	// StatusDelivered means the handler was given the invocation. The
	// handler's own outcome (ok or classified failure) is not the
	// queue's concern; it is not retried here.
	StatusDelivered InvocationStatus = "delivered"
)

// Invocation is one scheduled delivery of (ownerID, workflowID) at a
// future instant. Its ID doubles as the task id in the execution history.
type Invocation struct {
	ID         string           `json:"id"`
	OwnerID    string           `json:"owner_id"`
	WorkflowID string           `json:"workflow_id"`
	DeliverAt  time.Time        `json:"deliver_at"`
	Status     InvocationStatus `json:"status"`
	Attempts   int              `json:"attempts"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}
