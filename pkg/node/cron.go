package node

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/apperr"
	"go.uber.org/zap"
)

// CronTriggerType is the registry key for the cron trigger node.
const CronTriggerType = "cron-trigger"

// cronListener is the handle stored for a running schedule.
type cronListener struct {
	stop chan struct{}
}

// CronTrigger fires workflow executions on a schedule. Supported schedule
// types: "regular_intervals" (interval_minutes), "once" (once_datetime,
// RFC 3339) and "every_day" (daily_time, "15:04:05").
type CronTrigger struct {
	logger *zap.Logger
}

// NewCronTrigger creates a cron trigger node.
func NewCronTrigger(logger *zap.Logger) *CronTrigger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CronTrigger{logger: logger}
}

// StartListener validates the schedule config and starts the timer goroutine.
// The listener handle is stored under the trigger node id.
func (c *CronTrigger) StartListener(ctx context.Context, req ListenerRequest) *apperr.Error {
	scheduleType, _ := req.Config["schedule_type"].(string)

	fire := func() {
		details := TriggerDetails{Type: TriggerCron, NodeID: req.TriggerNodeID}
		if err := req.Callback(context.Background(), req.UserID, req.WorkflowID,
			"Cron job triggered", FormatString, details); err != nil {
			c.logger.Error("Cron trigger callback failed",
				zap.String("workflowID", req.WorkflowID),
				zap.String("triggerNodeID", req.TriggerNodeID),
				zap.Error(err))
		}
	}

	listener := &cronListener{stop: make(chan struct{})}

	switch scheduleType {
	case "regular_intervals":
		minutes, err := intervalMinutes(req.Config)
		if err != nil {
			return err.WithTrace("node - CronTrigger.StartListener - intervalMinutes")
		}
		go runInterval(time.Duration(minutes)*time.Minute, listener.stop, fire)

	case "once":
		raw, _ := req.Config["once_datetime"].(string)
		at, parseErr := time.Parse(time.RFC3339, raw)
		if parseErr != nil {
			return apperr.NewBadRequest(
				fmt.Sprintf("Invalid date-time format for once schedule: %s!", raw),
				map[string]interface{}{"workflowId": req.WorkflowID, "nodeId": req.TriggerNodeID},
				"node - CronTrigger.StartListener - time.Parse")
		}
		delay := time.Until(at)
		if delay <= 0 {
			// Already past: fire at the same time tomorrow.
			delay += 24 * time.Hour
		}
		go runOnce(delay, listener.stop, fire)

	case "every_day":
		raw, _ := req.Config["daily_time"].(string)
		at, parseErr := time.Parse("15:04:05", raw)
		if parseErr != nil {
			return apperr.NewBadRequest(
				fmt.Sprintf("Invalid time format for every_day schedule: %s!", raw),
				map[string]interface{}{"workflowId": req.WorkflowID, "nodeId": req.TriggerNodeID},
				"node - CronTrigger.StartListener - time.Parse")
		}
		go runDaily(at.Hour(), at.Minute(), at.Second(), listener.stop, fire)

	default:
		return apperr.NewBadRequest(
			fmt.Sprintf("Unknown schedule type: %s!", scheduleType),
			map[string]interface{}{"workflowId": req.WorkflowID, "nodeId": req.TriggerNodeID},
			"node - CronTrigger.StartListener - unknown schedule_type")
	}

	if err := req.Store(TriggerCron, req.TriggerNodeID, listener); err != nil {
		close(listener.stop)
		return err.WithTrace("node - CronTrigger.StartListener - Store")
	}

	c.logger.Info("Cron listener started",
		zap.String("workflowID", req.WorkflowID),
		zap.String("triggerNodeID", req.TriggerNodeID),
		zap.String("scheduleType", scheduleType))
	return nil
}

// StopListener stops the timer goroutine behind the stored handle.
func (c *CronTrigger) StopListener(ctx context.Context, listener interface{}, uniqueKey string) *apperr.Error {
	handle, ok := listener.(*cronListener)
	if !ok {
		return apperr.NewBadRequest("Invalid cron listener handle!",
			map[string]interface{}{"uniqueKey": uniqueKey},
			"node - CronTrigger.StopListener - type assertion")
	}
	select {
	case <-handle.stop:
		// already stopped
	default:
		close(handle.stop)
	}
	c.logger.Info("Cron listener stopped", zap.String("triggerNodeID", uniqueKey))
	return nil
}

func intervalMinutes(config map[string]interface{}) (int, *apperr.Error) {
	switch v := config["interval_minutes"].(type) {
	case string:
		minutes, err := strconv.Atoi(v)
		if err == nil && minutes > 0 {
			return minutes, nil
		}
	case float64:
		if v > 0 {
			return int(v), nil
		}
	case int:
		if v > 0 {
			return v, nil
		}
	}
	return 0, apperr.NewBadRequest("Invalid interval_minutes for cron schedule!",
		map[string]interface{}{"interval_minutes": config["interval_minutes"]},
		"node - intervalMinutes - parse")
}

func runInterval(interval time.Duration, stop <-chan struct{}, fire func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			fire()
		}
	}
}

func runOnce(delay time.Duration, stop <-chan struct{}, fire func()) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-stop:
	case <-timer.C:
		fire()
	}
}

func runDaily(hour, minute, second int, stop <-chan struct{}, fire func()) {
	for {
		now := time.Now()
		next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, second, 0, now.Location())
		if !next.After(now) {
			next = next.Add(24 * time.Hour)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
			fire()
		}
	}
}
