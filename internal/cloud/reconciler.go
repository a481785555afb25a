package cloud

import (
	"context"
	"fmt"

	"computeswarm/internal/gce"
	"computeswarm/internal/logging"

	"go.uber.org/zap"
)

// IsAlive reports whether an observed instance status counts toward the
// instance cap. Only instances that are running or on their way up do;
// stopping, terminated and suspended instances are already on their way out.
func IsAlive(status string) bool {
	switch status {
	case "PROVISIONING", "STAGING", "RUNNING":
		return true
	}
	return false
}

// CapacityReconciler computes remaining headroom by reconciling actual
// cloud-side state against the configured cap. Ownership is established by
// the cloud-id label, never by in-memory references, so headroom stays
// correct across controller restarts.
type CapacityReconciler struct {
	client      gce.Client
	cloudName   string
	instanceID  string
	instanceCap int
}

// NewCapacityReconciler creates a reconciler for one cloud
func NewCapacityReconciler(client gce.Client, cloudName, instanceID string, instanceCap int) *CapacityReconciler {
	return &CapacityReconciler{
		client:      client,
		cloudName:   cloudName,
		instanceID:  instanceID,
		instanceCap: instanceCap,
	}
}

// Headroom returns how many instances may still be created before hitting
// the cap. Callers must serialize Headroom with their subsequent create on
// the owning cloud's mutex or the cap can be raced past.
func (r *CapacityReconciler) Headroom(ctx context.Context) (int, error) {
	instances, err := r.client.ListInstancesWithLabel(ctx, map[string]string{
		CloudIDLabelKey: r.instanceID,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count existing instances in cloud %s: %w", r.cloudName, err)
	}

	live := 0
	for _, inst := range instances {
		if IsAlive(inst.Status) {
			live++
		}
	}

	headroom := r.instanceCap - live
	logging.Logger().Info("Computed node capacity",
		zap.String("cloud", r.cloudName),
		zap.Int("live_instances", live),
		zap.Int("instance_cap", r.instanceCap),
		zap.Int("headroom", headroom))
	return headroom, nil
}
