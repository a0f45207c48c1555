package classifiers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ledfleet/eventcore/contracts"
	"github.com/ledfleet/eventcore/messaging"
	"github.com/ledfleet/eventcore/progress"
	"github.com/ledfleet/eventcore/routing"
)

const progressTTL = 5 * time.Minute

// Progress handles task and upload progress. Batched reports are folded
// into the aggregator and only its throttled summaries leave; single item
// reports go through the item throttle.
type Progress struct {
	base
	aggregator *progress.Aggregator
}

// NewProgress creates the progress classifier
func NewProgress(builder *Builder, aggregator *progress.Aggregator) *Progress {
	if aggregator == nil {
		aggregator = progress.NewAggregator()
	}
	return &Progress{
		base:       newBase("progress", contracts.FamilyProgress, builder),
		aggregator: aggregator,
	}
}

// Aggregator returns the aggregator the classifier feeds
func (c *Progress) Aggregator() *progress.Aggregator {
	return c.aggregator
}

// Process implements messaging.Classifier
func (c *Progress) Process(_ context.Context, event *contracts.Event, routingKey string) messaging.Result {
	kind := event.Kind()
	if kind.Family() != contracts.FamilyProgress {
		return messaging.Failed(unsupported(c.name, kind))
	}

	batchID, batched := event.MetaString("batchId")
	switch {
	case kind == contracts.KindBatchUploadCompleted:
		if !batched {
			return messaging.Failed(contracts.MissingField(event.ID, "batchId"))
		}
		return c.complete(event, batchID)
	case batched:
		return c.batch(event, batchID)
	case kind == contracts.KindBatchUploadProgress:
		return messaging.Failed(contracts.MissingField(event.ID, "batchId"))
	}
	return c.single(event, routingKey)
}

func (c *Progress) single(event *contracts.Event, routingKey string) messaging.Result {
	itemID, err := c.itemID(event, routingKey)
	if err != nil {
		return messaging.Failed(err)
	}
	pct, ok := event.MetaFloat("progress")
	if !ok {
		return messaging.Failed(contracts.MissingField(event.ID, "progress"))
	}
	if failed(event) {
		pct = -1
	}

	if !c.aggregator.AllowItem(itemID, pct) {
		return messaging.Skipped(fmt.Sprintf("item %s at %d%% already sent", itemID, progress.Percent(pct)))
	}

	target, err := recipient(event)
	if err != nil {
		return messaging.Failed(err)
	}

	env := c.builder.Build(contracts.MessageTaskProgress, event)
	env.Target = target
	env.Source.ResourceID = itemID
	env.Payload["itemId"] = itemID
	env.Payload["progress"] = pct
	env.Payload["percent"] = progress.Percent(pct)
	if event.Kind() == contracts.KindFileUploadProgress {
		env.Source.ResourceType = "file"
	} else {
		env.Source.ResourceType = "task"
	}
	ephemeral(env, progressTTL)
	return messaging.Processed(env)
}

func (c *Progress) batch(event *contracts.Event, batchID string) messaging.Result {
	userID, _ := event.Receiver()
	orgID, _ := event.Org()

	if !c.aggregator.Registered(batchID) {
		if files, ok := event.MetaList("files"); ok {
			c.aggregator.Register(batchID, userID, orgID, manifest(files))
		}
	}

	itemID, ok := firstString(event, "fileId", "itemId", "taskId")
	if !ok {
		return messaging.Failed(contracts.MissingField(event.ID, "fileId"))
	}

	update := progress.Update{
		BatchID: batchID,
		ItemID:  itemID,
		UserID:  userID,
		OrgID:   orgID,
		Status:  itemStatus(event),
	}
	update.Label, _ = firstString(event, "fileName", "label")
	update.Progress, _ = event.MetaFloat("progress")
	update.BytesDone, _ = event.MetaInt64("bytesUploaded")
	update.BytesTotal, _ = event.MetaInt64("fileSize")
	if total, ok := event.MetaInt64("totalFiles"); ok {
		update.TotalItems = int(total)
	}

	summary, emit := c.aggregator.Update(update)
	if !emit {
		return messaging.Skipped(fmt.Sprintf("batch %s at %d%% already sent", batchID, summary.Percent))
	}
	return c.summary(event, summary)
}

func (c *Progress) complete(event *contracts.Event, batchID string) messaging.Result {
	summary, ok := c.aggregator.Complete(batchID)
	if !ok {
		return messaging.Skipped(fmt.Sprintf("batch %s is not tracked", batchID))
	}
	return c.summary(event, summary)
}

func (c *Progress) summary(event *contracts.Event, summary progress.BatchSummary) messaging.Result {
	env := c.builder.Build(contracts.MessageBatchProgress, event)
	env.Source.ResourceType = "batch"
	env.Source.ResourceID = summary.BatchID

	switch {
	case summary.UserID != 0:
		env.Target = routing.ToUser(summary.UserID)
	case summary.OrgID != 0:
		env.Target = routing.ToOrganization(summary.OrgID)
	default:
		target, err := recipient(event)
		if err != nil {
			return messaging.Failed(err)
		}
		env.Target = target
	}

	env.Payload = map[string]interface{}{
		"batchId":         summary.BatchID,
		"totalFiles":      summary.TotalFiles,
		"completedFiles":  summary.CompletedFiles,
		"failedFiles":     summary.FailedFiles,
		"overallProgress": summary.OverallProgress,
		"percent":         summary.Percent,
		"bytesDone":       summary.BytesDone,
		"bytesTotal":      summary.BytesTotal,
		"items":           summary.Items,
		"finished":        summary.Finished,
	}
	if summary.Finished {
		env.Message = fmt.Sprintf("Batch finished: %d of %d files uploaded", summary.CompletedFiles, summary.TotalFiles)
		if summary.FailedFiles > 0 {
			env.Message += fmt.Sprintf(", %d failed", summary.FailedFiles)
		}
		env.Delivery.Persistent = true
	} else {
		env.Message = fmt.Sprintf("Uploading %d files: %d%%", summary.TotalFiles, summary.Percent)
		ephemeral(env, progressTTL)
	}
	return messaging.Processed(env)
}

func (c *Progress) itemID(event *contracts.Event, routingKey string) (string, error) {
	if id, ok := firstString(event, "taskId", "fileId", "itemId"); ok {
		return id, nil
	}
	return field(event, "taskId", routingKey, 1)
}

func firstString(event *contracts.Event, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := event.MetaString(k); ok {
			return v, true
		}
	}
	return "", false
}

func failed(event *contracts.Event) bool {
	status, _ := event.MetaString("status")
	return strings.EqualFold(status, string(progress.ItemFailed))
}

func itemStatus(event *contracts.Event) progress.ItemStatus {
	status, _ := event.MetaString("status")
	switch progress.ItemStatus(strings.ToUpper(status)) {
	case progress.ItemFailed:
		return progress.ItemFailed
	case progress.ItemCompleted:
		return progress.ItemCompleted
	}
	return progress.ItemActive
}

// manifest reads the files list producers attach to the first batch event
func manifest(files []map[string]interface{}) []progress.Item {
	items := make([]progress.Item, 0, len(files))
	for _, f := range files {
		entry := &contracts.Event{Metadata: f}
		id, ok := firstString(entry, "fileId", "id", "itemId")
		if !ok {
			continue
		}
		item := progress.Item{ID: id}
		item.Label, _ = firstString(entry, "fileName", "name", "label")
		item.BytesTotal, _ = entry.MetaInt64("fileSize")
		items = append(items, item)
	}
	return items
}
