package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"posvault/internal/model"
)

// QueuedArtifact describes one artifact waiting in the outbox.
type QueuedArtifact struct {
	Name     string    `json:"name"`
	Checksum string    `json:"checksum"`
	Size     int64     `json:"size"`
	QueuedAt time.Time `json:"queued_at"`
	Attempts int       `json:"attempts"`
	LastErr  string    `json:"last_error,omitempty"`
}

// DeliverFunc is called by ArtifactQueue.ProcessNext with the queued content.
type DeliverFunc func(item QueuedArtifact, content io.Reader) error

// ArtifactQueue is a durable FIFO of artifacts waiting for delivery.
type ArtifactQueue interface {
	// Enqueue stores the content and appends it to the queue. Enqueuing a
	// name already queued replaces nothing and returns the existing item.
	Enqueue(name string, r io.Reader) (*QueuedArtifact, error)

	// ProcessNext hands the head of the queue to fn. If fn succeeds the item
	// is removed; otherwise it stays at the head with its attempt count
	// bumped. It returns false when the queue is empty.
	ProcessNext(fn DeliverFunc) (bool, error)

	// Count returns the number of queued artifacts.
	Count() (int, error)

	// List returns the queued artifacts in delivery order.
	List() ([]QueuedArtifact, error)
}

// FlushResult summarizes an outbox flush.
type FlushResult struct {
	Delivered int
	Remaining int
}

// QueueReplay moves artifacts of finished workflows to a remote sink. It
// listens for completed BACKUP and MIGRATION workflows, packs their snapshot
// into the queue, and delivers queued artifacts on Flush. Delivery failures
// leave the artifact queued; snapshot correctness never depends on it.
type QueueReplay struct {
	snapshots *SnapshotStore
	packer    Packer
	queue     ArtifactQueue
	transport Transport
	logger    Logger
}

var _ WorkflowListener = (*QueueReplay)(nil)

// NewQueueReplay creates a QueueReplay. transport may be nil, in which case
// artifacts accumulate until one is configured.
func NewQueueReplay(snapshots *SnapshotStore, packer Packer, queue ArtifactQueue, transport Transport, logger Logger) *QueueReplay {
	return &QueueReplay{snapshots: snapshots, packer: packer, queue: queue, transport: transport, logger: logger}
}

// ArtifactName is the outbox and vault name of a snapshot's artifact.
func ArtifactName(snapshotUUID string) string {
	return snapshotUUID + ".snap"
}

// WorkflowFinished enqueues the snapshot produced by a completed workflow.
func (q *QueueReplay) WorkflowFinished(ctx context.Context, wf *model.Workflow) {
	if wf.Status != model.WorkflowCompleted {
		return
	}
	uuid, ok := producedSnapshot(wf)
	if !ok {
		return
	}
	if _, err := q.Enqueue(ctx, uuid); err != nil {
		q.logger.Error("queueing snapshot artifact", "workflow", wf.ID, "snapshot", uuid, "error", err)
	}
}

// producedSnapshot returns the UUID of the snapshot a workflow writes.
func producedSnapshot(wf *model.Workflow) (string, bool) {
	switch wf.Type {
	case model.WorkflowBackup:
		var req BuildRequest
		if err := json.Unmarshal(wf.Params, &req); err != nil || req.UUID == "" {
			return "", false
		}
		return req.UUID, true
	case model.WorkflowMigration:
		var req RestoreRequest
		if err := json.Unmarshal(wf.Params, &req); err != nil || req.TargetUUID == "" {
			return "", false
		}
		return req.TargetUUID, true
	}
	return "", false
}

// Enqueue packs a complete snapshot and appends it to the outbox.
func (q *QueueReplay) Enqueue(ctx context.Context, snapshotUUID string) (*QueuedArtifact, error) {
	enc, err := q.snapshots.Encoded(ctx, snapshotUUID)
	if err != nil {
		return nil, err
	}
	packed, err := q.packer.Pack(enc)
	if err != nil {
		return nil, fmt.Errorf("packing snapshot: %w", err)
	}
	item, err := q.queue.Enqueue(ArtifactName(snapshotUUID), bytes.NewReader(packed))
	if err != nil {
		return nil, fmt.Errorf("enqueuing artifact: %w", err)
	}
	q.logger.Info("artifact queued", "snapshot", snapshotUUID, "size", item.Size)
	return item, nil
}

// Flush delivers queued artifacts in order until the queue is empty or a
// delivery fails. A failed artifact stays at the head for the next flush.
func (q *QueueReplay) Flush(ctx context.Context) (FlushResult, error) {
	var res FlushResult
	if q.transport == nil {
		n, err := q.queue.Count()
		res.Remaining = n
		if err != nil {
			return res, err
		}
		return res, fmt.Errorf("no transport configured")
	}

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		processed, err := q.queue.ProcessNext(func(item QueuedArtifact, content io.Reader) error {
			ack, err := q.transport.Submit(ctx, Artifact{
				Name:     item.Name,
				Checksum: item.Checksum,
				Size:     item.Size,
				Body:     content,
			})
			if err != nil {
				return err
			}
			q.logger.Info("artifact delivered", "name", item.Name, "location", ack.Location)
			return nil
		})
		if err != nil {
			n, _ := q.queue.Count()
			res.Remaining = n
			return res, fmt.Errorf("delivering artifact: %w", err)
		}
		if !processed {
			return res, nil
		}
		res.Delivered++
	}
}

// Pending lists the queued artifacts.
func (q *QueueReplay) Pending() ([]QueuedArtifact, error) {
	return q.queue.List()
}

// Import fetches an artifact from the transport and stores its snapshot.
func (q *QueueReplay) Import(ctx context.Context, name string, dc DecryptionContext) (*model.SnapshotMetadata, error) {
	if q.transport == nil {
		return nil, fmt.Errorf("no transport configured")
	}
	var buf bytes.Buffer
	if err := q.transport.Fetch(ctx, name, &buf); err != nil {
		return nil, fmt.Errorf("fetching artifact: %w", err)
	}
	enc, err := q.packer.Unpack(buf.Bytes(), dc)
	if err != nil {
		return nil, fmt.Errorf("unpacking artifact: %w", err)
	}
	md, err := q.snapshots.Import(ctx, enc)
	if err != nil {
		return nil, err
	}
	q.logger.Info("snapshot imported", "snapshot", md.UUID, "artifact", name)
	return md, nil
}

// Remote lists artifacts available on the transport.
func (q *QueueReplay) Remote(ctx context.Context) ([]string, error) {
	if q.transport == nil {
		return nil, fmt.Errorf("no transport configured")
	}
	return q.transport.List(ctx)
}
