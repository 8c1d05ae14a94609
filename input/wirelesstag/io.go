package wirelesstag

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/c360/tagstreams/cloud"
	"github.com/c360/tagstreams/component"
	"github.com/c360/tagstreams/errors"
	"github.com/c360/tagstreams/nodestate"
	"github.com/c360/tagstreams/router"
	"github.com/c360/tagstreams/tagresolve"
)

// startIO runs once, on the node's first connected transition. Stop may run
// while it is in a remote call, so every registration goes through keep.
func (n *Node) startIO() {
	if n.stopped.Load() {
		return
	}
	ctx := n.context()

	switch {
	case !n.config.Tag.IsZero():
		n.logger.Info("Starting updates", "tag", n.config.Tag.String(), "tag_manager", n.config.TagManager)
		tag, err := n.resolver.Resolve(ctx, n.config.TagManager, n.config.Tag)
		if err != nil {
			n.logger.Error("Failed to find tag", "error", err)
			n.recordError(err)
			break
		}
		if n.stopped.Load() {
			// Stop already released the cache; drop what this call added.
			n.resolver.Release()
			return
		}
		if !n.registerTag(tag) {
			return
		}
		// initial message with the current readings
		if err := n.sendData(ctx, tag); err != nil {
			n.logger.Error("Failed to send data", "tag", tag.Name(), "error", err)
		}
	case n.config.AutoDiscover:
		n.logger.Info("Starting updates (auto-discovery mode)")
		if n.updates == nil {
			break
		}
		if err := n.updates.EnableDiscovery(n.session, n.name, n.onTagData); err != nil {
			n.logger.Error("Failed to enable auto-discovery", "error", err)
			n.recordError(err)
			break
		}
		if !n.keep(func() { n.discoverOn = true }, func() { n.updates.DisableDiscovery(n.session, n.name) }) {
			return
		}
	}

	if err := n.subscribeInbound(ctx); err != nil {
		n.logger.Error("Failed to subscribe to commands", "error", err)
		n.recordError(err)
	}
}

// registerTag adds tag to the poll set when auto-update is on. It reports
// false when the node was stopped meanwhile.
func (n *Node) registerTag(tag cloud.Tag) bool {
	n.mu.Lock()
	n.fixedTag = tag
	n.mu.Unlock()

	if !n.config.AutoUpdate || n.updates == nil {
		return !n.stopped.Load()
	}
	n.logger.Info("Registering tag for updates", "tag", tag.Name(), "uuid", tag.UUID())
	if err := n.updates.Subscribe(n.session, tag, n.name, n.onTagData); err != nil {
		n.logger.Error("Failed to register tag for updates", "tag", tag.Name(), "error", err)
		n.recordError(err)
		return !n.stopped.Load()
	}
	return n.keep(
		func() { n.subscribed = true },
		func() { n.updates.Unsubscribe(n.session, tag.UUID(), n.name) },
	)
}

// keep runs record under n.mu unless the node is stopped, in which case the
// registration is undone instead. Stop snapshots under the same lock, so each
// registration is released exactly once.
func (n *Node) keep(record, undo func()) bool {
	n.mu.Lock()
	if !n.stopped.Load() {
		record()
		n.mu.Unlock()
		return true
	}
	n.mu.Unlock()
	undo()
	return false
}

func (n *Node) subscribeInbound(ctx context.Context) error {
	subject := component.SubjectOf(n.inputPorts, PortCommands)
	if n.nats == nil || subject == "" {
		return nil
	}
	sub, err := n.nats.Subscribe(ctx, subject, func(_ context.Context, data []byte) {
		if err := n.HandleInput(data); err != nil {
			n.logger.Warn("Dropped inbound message", "error", err)
		}
	})
	if err != nil {
		return errors.Wrap(err, "Node", "subscribeInbound", "subscribe "+subject)
	}
	n.keep(func() { n.sub = sub }, func() {
		if err := n.nats.Unsubscribe(sub); err != nil {
			n.logger.Warn("Failed to unsubscribe from commands", "error", err)
		}
	})
	return nil
}

// onTagData receives tags refreshed by the poll loop.
func (n *Node) onTagData(tag cloud.Tag) {
	if n.stopped.Load() {
		return
	}
	if err := n.sendData(n.context(), tag); err != nil {
		n.logger.Error("Failed to send data", "tag", tag.Name(), "error", err)
	}
}

// sendData publishes one message per sensor of tag that passes the sensor
// filter. A filter matching nothing is ErrSensorNotFound.
func (n *Node) sendData(ctx context.Context, tag cloud.Tag) error {
	sensors, err := tag.DiscoverSensors(ctx)
	if err != nil {
		n.metrics.recordSendFailure()
		n.recordError(err)
		return errors.WrapTransient(err, "Node", "sendData", "discover sensors")
	}
	if len(n.config.Sensor) > 0 {
		sensors = tagresolve.FilterSensors(sensors, n.config.Sensor...)
		if len(sensors) == 0 {
			n.metrics.recordSendFailure()
			err := fmt.Errorf("specified tag does not have sensor %v: %w", n.config.Sensor, errors.ErrSensorNotFound)
			n.recordError(err)
			return errors.WrapInvalid(err, "Node", "sendData", "filter sensors")
		}
	}

	if machine := n.Machine(); machine != nil {
		machine.Indicate(nodestate.StatusSendingData, sendingHold)
	}
	for _, sensor := range sensors {
		n.sendSensorData(ctx, sensor)
	}
	return nil
}

func (n *Node) sendSensorData(ctx context.Context, sensor cloud.Sensor) {
	msg, err := n.builder.Build(sensor)
	if err != nil {
		n.logger.Error("Failed to build message", "sensor", sensor.Type(), "error", err)
		n.recordError(err)
		return
	}
	data, err := msg.Marshal()
	if err != nil {
		n.logger.Error("Failed to encode message", "sensor", sensor.Type(), "error", err)
		n.recordError(err)
		return
	}
	n.logger.Debug("Sending", "topic", msg.Topic, "message", string(data))

	subject := component.SubjectOf(n.outputPorts, PortSensorData)
	if n.publisher == nil || subject == "" {
		return
	}
	err = n.publisher.Publish(ctx, subject, data)
	n.metrics.recordSent(err)
	if err != nil {
		n.logger.Error("Failed to publish message", "subject", subject, "topic", msg.Topic, "error", err)
		n.recordError(err)
		return
	}
	n.messagesSent.Add(1)
	n.lastActivity.Store(time.Now())
}

// HandleInput queues an inbound message. Messages of one node are applied one
// at a time, in arrival order.
func (n *Node) HandleInput(data []byte) error {
	n.mu.Lock()
	pool := n.pool
	n.mu.Unlock()
	if pool == nil {
		return errors.WrapInvalid(fmt.Errorf("node %s is not started", n.name), "Node", "HandleInput", "queue message")
	}
	if err := pool.Submit(append([]byte(nil), data...)); err != nil {
		n.metrics.recordInbound("dropped")
		return errors.WrapTransient(err, "Node", "HandleInput", "queue message")
	}
	return nil
}

// processInput applies one inbound message. Failures are logged against the
// message and the status returns to the current state either way.
func (n *Node) processInput(ctx context.Context, data []byte) error {
	res, err := n.apply(ctx, data)
	if machine := n.Machine(); machine != nil {
		machine.Refresh()
	}
	if err != nil {
		n.metrics.recordInbound("error")
		n.recordError(err)
		if stderrors.Is(err, errors.ErrTagNotSpecified) {
			n.logger.Error("Tag not specified in input, cannot process", "message", string(data))
		} else {
			n.logger.Error("Error processing message", "error", err, "message", string(data))
		}
		return err
	}
	n.metrics.recordInbound("ok")
	n.logger.Debug("Processed message", "actions", res.Actions)
	return nil
}

func (n *Node) apply(ctx context.Context, data []byte) (router.Result, error) {
	if n.session == nil || n.resolver == nil {
		return router.Result{}, errors.WrapInvalid(errors.ErrSessionNotFound, "Node", "processInput", "look up session")
	}

	req, err := router.Decode(n.validator, data)
	if err != nil {
		return router.Result{}, err
	}

	mac := n.config.TagManager
	id := n.config.Tag
	sensorTypes := n.config.Sensor
	if id.IsZero() {
		id = req.TagID()
		if id.IsZero() {
			return router.Result{}, errors.WrapInvalid(errors.ErrTagNotSpecified, "Node", "processInput", "select tag")
		}
		mac = req.MAC()
		sensorTypes = nil
		if req.Payload.Sensor != "" {
			sensorTypes = []string{req.Payload.Sensor}
		}
	}

	tag, err := n.resolver.Resolve(ctx, mac, id)
	if err != nil {
		return router.Result{}, errors.Wrap(err, "Node", "processInput", "resolve tag")
	}
	sensors, err := n.resolveSensors(ctx, tag, sensorTypes)
	if err != nil {
		return router.Result{}, errors.Wrap(err, "Node", "processInput", "resolve sensors")
	}

	target := router.Target{Tag: tag}
	if len(sensors) == 1 {
		target.Sensor = sensors[0]
	}

	if machine := n.Machine(); machine != nil {
		machine.Indicate(nodestate.StatusProcessing, 0)
	}
	res, err := n.router.Route(ctx, req, target)
	if err != nil {
		return res, err
	}

	// Without the poll loop nothing else reports the new state of a fixed tag.
	if !n.config.Tag.IsZero() && !n.config.AutoUpdate {
		if err := n.sendData(ctx, tag); err != nil {
			n.logger.Warn("Failed to send data after update", "tag", tag.Name(), "error", err)
		}
	}
	return res, nil
}

// resolveSensors returns the sensors of tag selected by types. Naming types
// that match nothing is ErrSensorNotFound.
func (n *Node) resolveSensors(ctx context.Context, tag cloud.Tag, types []string) ([]cloud.Sensor, error) {
	if len(types) == 1 {
		return n.resolver.ResolveSensors(ctx, tag, types[0])
	}
	sensors, err := n.resolver.ResolveSensors(ctx, tag, "")
	if err != nil || len(types) == 0 {
		return sensors, err
	}
	sensors = tagresolve.FilterSensors(sensors, types...)
	if len(sensors) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("specified tag does not have sensor %v: %w", types, errors.ErrSensorNotFound),
			"Node", "resolveSensors", "filter sensors")
	}
	return sensors, nil
}
