package classifiers

import (
	"context"

	"github.com/ledfleet/eventcore/contracts"
	"github.com/ledfleet/eventcore/messaging"
)

// Task handles task lifecycle and device command feedback
type Task struct {
	base
}

// NewTask creates the task classifier
func NewTask(builder *Builder) *Task {
	return &Task{base: newBase("task", contracts.FamilyTask, builder)}
}

// Process implements messaging.Classifier
func (c *Task) Process(_ context.Context, event *contracts.Event, routingKey string) messaging.Result {
	switch kind := event.Kind(); kind {
	case contracts.KindCommandSent, contracts.KindCommandFeedback, contracts.KindCommandTimeout:
		return c.command(event, kind, routingKey)
	case contracts.KindTaskCreated, contracts.KindTaskStarted, contracts.KindTaskCompleted,
		contracts.KindTaskFailed, contracts.KindTaskCancelled:
		return c.task(event, kind, routingKey)
	default:
		return messaging.Failed(unsupported(c.name, kind))
	}
}

func (c *Task) task(event *contracts.Event, kind contracts.EventKind, routingKey string) messaging.Result {
	taskID, err := field(event, "taskId", routingKey, 1)
	if err != nil {
		return messaging.Failed(err)
	}
	target, err := recipient(event)
	if err != nil {
		return messaging.Failed(err)
	}

	env := c.builder.Build(contracts.MessageStatusChange, event)
	env.Source.ResourceType = "task"
	env.Source.ResourceID = taskID
	if exec, ok := event.MetaString("executionId"); ok {
		env.Source.ExecutionID = exec
	}
	env.Target = withResource(target, "task", taskID)
	env.Payload["taskId"] = taskID

	switch kind {
	case contracts.KindTaskFailed:
		env.Type = contracts.MessageNotification
		if env.Delivery.Priority < contracts.PriorityHigh {
			env.Delivery.Priority = contracts.PriorityHigh
		}
	case contracts.KindTaskCompleted, contracts.KindTaskCancelled:
		env.Type = contracts.MessageNotification
	}
	return messaging.Processed(env)
}

func (c *Task) command(event *contracts.Event, kind contracts.EventKind, routingKey string) messaging.Result {
	deviceID, err := field(event, "deviceId", routingKey, 1)
	if err != nil {
		return messaging.Failed(err)
	}
	target, err := recipient(event)
	if err != nil {
		return messaging.Failed(err)
	}

	env := c.builder.Build(contracts.MessageCommandFeedback, event)
	env.Source.ResourceType = "device"
	env.Source.ResourceID = deviceID
	if cmd, ok := event.MetaString("commandId"); ok {
		env.Source.ExecutionID = cmd
		env.Delivery.CorrelationID = cmd
	}
	env.Target = withResource(target, "device", deviceID)
	env.Payload["deviceId"] = deviceID

	if kind == contracts.KindCommandTimeout && env.Delivery.Priority < contracts.PriorityHigh {
		env.Delivery.Priority = contracts.PriorityHigh
	}
	return messaging.Processed(env)
}
