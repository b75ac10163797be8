package tools

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/escanlabs/escan/internal/db"
	"github.com/escanlabs/escan/internal/ratelimit"
	"github.com/escanlabs/escan/internal/token"
	"github.com/escanlabs/escan/internal/validate"
)

// Stub scan status thresholds. Status is derived from elapsed time since
// the task id was minted, so polling is deterministic without a job queue.
const (
	scanQueuedFor  = 2 * time.Second
	scanRunningFor = 10 * time.Second
)

// RegisterBuiltins installs the standard tool set.
func RegisterBuiltins(reg *Registry) error {
	builtins := []*Tool{
		listToolsTool(),
		listFlagsTool(),
		startScanTool(),
		scanStatusTool(),
		adminStatsTool(),
		metricsSnapshotTool(),
		metricsResetTool(),
	}
	for _, t := range builtins {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func listToolsTool() *Tool {
	return &Tool{
		Name:        "list_tools",
		Description: "List the tools available to the caller.",
		Execute: func(ctx context.Context, call *Call) (any, error) {
			return map[string]any{"tools": call.Registry().List(call.Elevated)}, nil
		},
	}
}

func listFlagsTool() *Tool {
	return &Tool{
		Name:        "list_flags",
		Description: "List feature flags and their current values.",
		Execute: func(ctx context.Context, call *Call) (any, error) {
			return map[string]any{"flags": call.Flags}, nil
		},
	}
}

func startScanTool() *Tool {
	return &Tool{
		Name:        "start_scan",
		Description: "Validate a target and enqueue a scan task.",
		Quota:       ratelimit.Quota{Limit: 5, Window: time.Minute},
		Input: &Schema{Fields: []Field{
			{Name: "target", Type: TypeString, Required: true, MaxLen: 2048},
		}},
		Execute: func(ctx context.Context, call *Call) (any, error) {
			target := StringField(call.Input, "target")
			res := validate.Validate(target, validate.Options{SuperAdmin: call.Elevated})
			if !res.OK {
				return nil, &InputError{Detail: res.Code}
			}

			suffix, err := token.NewID()
			if err != nil {
				return nil, err
			}
			taskID := fmt.Sprintf("scan_%d_%s", call.Clock().UnixMilli(), suffix[:8])
			return map[string]any{
				"taskId": taskID,
				"target": res.Normalized,
				"status": "queued",
			}, nil
		},
	}
}

func scanStatusTool() *Tool {
	return &Tool{
		Name:        "scan_status",
		Description: "Poll the status of a scan task.",
		Input: &Schema{Fields: []Field{
			{Name: "taskId", Type: TypeString, Required: true, MaxLen: 64},
		}},
		Execute: func(ctx context.Context, call *Call) (any, error) {
			taskID := StringField(call.Input, "taskId")
			parts := strings.Split(taskID, "_")
			if len(parts) != 3 || parts[0] != "scan" {
				return nil, &InputError{Detail: "malformed taskId"}
			}
			startedMs, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return nil, &InputError{Detail: "malformed taskId"}
			}

			elapsed := call.Clock().Sub(time.UnixMilli(startedMs))
			status := "complete"
			switch {
			case elapsed < scanQueuedFor:
				status = "queued"
			case elapsed < scanRunningFor:
				status = "running"
			}
			return map[string]any{
				"taskId":    taskID,
				"status":    status,
				"elapsedMs": elapsed.Milliseconds(),
			}, nil
		},
	}
}

func adminStatsTool() *Tool {
	return &Tool{
		Name:           "admin_stats",
		Description:    "Aggregate consent and scan counts from relational storage.",
		SuperAdminOnly: true,
		Execute: func(ctx context.Context, call *Call) (any, error) {
			if call.DB == nil {
				return nil, ErrNoDB
			}
			stats, err := db.CountStats(call.DB)
			if err != nil {
				return nil, err
			}
			return stats, nil
		},
	}
}

func metricsSnapshotTool() *Tool {
	return &Tool{
		Name:           "metrics_snapshot",
		Description:    "Read the in-memory metrics counters.",
		SuperAdminOnly: true,
		Execute: func(ctx context.Context, call *Call) (any, error) {
			snap := call.Metrics().Snapshot()
			if call.Flags["metrics-persistence"] && call.KV != nil {
				if err := call.Metrics().PersistTo(ctx, call.KV); err != nil {
					return nil, err
				}
			}
			return snap, nil
		},
	}
}

func metricsResetTool() *Tool {
	return &Tool{
		Name:           "metrics_reset",
		Description:    "Reset the in-memory metrics counters.",
		SuperAdminOnly: true,
		Execute: func(ctx context.Context, call *Call) (any, error) {
			call.Metrics().Reset()
			return map[string]any{"reset": true}, nil
		},
	}
}
