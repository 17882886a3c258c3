package consumer

import (
	"context"
	"fmt"
	"time"
)

// State is a step of the shutdown sequence
type State int32

const (
	StateRunning State = iota
	StateStopping
	StateDrainingParse
	StateDrainingWrite
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateDrainingParse:
		return "DrainingParse"
	case StateDrainingWrite:
		return "DrainingWrite"
	case StateTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Stopper is the producing side that must stop before the queues can drain
type Stopper interface {
	Stop()
}

// State returns the current shutdown state
func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
	shutdownStateGauge.WithLabelValues(c.SocketURL).Set(float64(s))
}

// Shutdown stops intake and drains the pipeline: the feed is stopped, queued commits are
// decoded, queued rows are written, and the sink is closed. No queued work is dropped
// Repeated or concurrent calls wait for the first one and return its result
func (c *Consumer) Shutdown(ctx context.Context, feed Stopper) error {
	c.shutdownOnce.Do(func() {
		c.shutdownErr = c.shutdown(ctx, feed)
	})
	return c.shutdownErr
}

func (c *Consumer) shutdown(ctx context.Context, feed Stopper) error {
	log := c.logger.With("component", "shutdown")

	c.setState(StateStopping)
	log.Info("stopping intake")
	if feed != nil {
		feed.Stop()
	}
	c.Scheduler.Stop()

	c.setState(StateDrainingParse)
	log.Info("draining intake queue", "queued", c.Scheduler.Len())
	if err := c.waitFor(ctx, func() bool { return c.Scheduler.Len() == 0 }); err != nil {
		return c.closeSinkAfter(err)
	}

	// Closing the queue lets workers finish the commits they already hold, then exit.
	c.Scheduler.Shutdown()

	c.setState(StateDrainingWrite)
	log.Info("decode workers stopped, draining output queue", "queued", c.OutputLen())
	if err := c.waitFor(ctx, func() bool { return c.OutputLen() == 0 }); err != nil {
		return c.closeSinkAfter(err)
	}

	close(c.out)
	<-c.writerDone
	if err := c.WriterErr(); err != nil {
		return c.closeSinkAfter(err)
	}

	if err := c.sink.Close(); err != nil {
		return fmt.Errorf("failed to close sink: %w", err)
	}

	c.setState(StateTerminated)
	log.Info("pipeline drained", "cursor", c.Cursor.Get())
	return nil
}

// waitFor polls until done reports true, the writer aborts or ctx ends
func (c *Consumer) waitFor(ctx context.Context, done func() bool) error {
	ticker := time.NewTicker(c.config.DrainPollInterval)
	defer ticker.Stop()

	for !done() {
		select {
		case <-c.abort:
			return c.WriterErr()
		case <-ctx.Done():
			return fmt.Errorf("drain interrupted: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

func (c *Consumer) closeSinkAfter(err error) error {
	if cerr := c.sink.Close(); cerr != nil {
		c.logger.Error("failed to close sink", "error", cerr)
	}
	return err
}
