package sstables

import "github.com/yuantianwen/scylla/internal/log"

// ResourceTracker charges parser-owned temporary buffers against a
// consumer-supplied budget for the duration they're held (spec §5,
// "resource accounting"). The parser itself does not enforce the budget;
// it only reports acquisitions and releases so the consumer's tracker
// can.
type ResourceTracker interface {
	Reserve(bytes int)
	Release(bytes int)
}

// IOPriority is an opaque tag a consumer attaches so the reader can
// schedule the underlying I/O; this package never inspects it.
type IOPriority interface{}

// consumerCommon is embedded by both RowConsumer and ConsumerM (spec
// §4.4).
type consumerCommon interface {
	ResourceTracker() ResourceTracker
	IOPriority() IOPriority
	// Reset is invoked when the reader fast-forwards the parser to el.
	Reset(el IndexableElement)
}

// RowConsumer receives the typed events the legacy row parser emits
// (spec §4.2, §4.4).
type RowConsumer interface {
	consumerCommon

	ConsumeRowStart(key KeyView, deltime DeletionTime) Proceed
	ConsumeCell(name KeyView, value ValueView, timestamp int64, ttl, expiration uint32) Proceed
	ConsumeCounterCell(name KeyView, value ValueView, timestamp int64) Proceed
	ConsumeDeletedCell(name KeyView, deltime DeletionTime) Proceed
	ConsumeShadowableRowTombstone(name KeyView, deltime DeletionTime) Proceed
	ConsumeRangeTombstone(start, end KeyView, deltime DeletionTime) Proceed
	ConsumeRowEnd() Proceed
}

// ConsumerM receives the typed events the "3_x" row parser emits (spec
// §4.3, §4.4).
type ConsumerM interface {
	consumerCommon

	ConsumePartitionStart(key KeyView, deltime DeletionTime) Proceed
	ConsumePartitionEnd() Proceed
	ConsumeRowStart(clusteringKey []KeyView) Proceed
	ConsumeStaticRowStart() Proceed
	ConsumeColumn(id ColumnID, value ValueView, timestamp int64, ttl uint32, localDeletionTime uint32) Proceed
	ConsumeRowEnd(liveness Liveness) Proceed
}

// BaseConsumer is an embeddable implementation of consumerCommon for
// consumers that don't need fast-forward support or resource accounting
// beyond the defaults — the Go analogue of row_consumer's constructor
// storing _resource_tracker and _pc.
type BaseConsumer struct {
	Tracker  ResourceTracker
	Priority IOPriority
	Logger   log.Logger
}

// ResourceTracker implements consumerCommon.
func (b *BaseConsumer) ResourceTracker() ResourceTracker { return b.Tracker }

// IOPriority implements consumerCommon.
func (b *BaseConsumer) IOPriority() IOPriority { return b.Priority }

// Reset implements consumerCommon as a no-op; embedders that support
// fast-forward override it.
func (b *BaseConsumer) Reset(IndexableElement) {}

// noopResourceTracker is used when a consumer is built without an
// explicit ResourceTracker; every buffer acquisition becomes a no-op
// rather than a nil-pointer panic.
type noopResourceTracker struct{}

func (noopResourceTracker) Reserve(int) {}
func (noopResourceTracker) Release(int) {}

// NoopResourceTracker is a ResourceTracker that never charges anything,
// suitable for tests and for callers that account for memory elsewhere.
var NoopResourceTracker ResourceTracker = noopResourceTracker{}
