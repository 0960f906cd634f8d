package provision

import (
	"context"
	"fmt"

	"github.com/go-errors/errors"
	"github.com/hashicorp/go-multierror"

	"github.com/pinacle-sh/pinacle/pkg/engine"
	"github.com/pinacle-sh/pinacle/pkg/store"
	"github.com/pinacle-sh/pinacle/pkg/utils"
)

// DeprovisionPod tears the pod off its host, volumes included, and archives
// the record. Already-gone resources never fail the call; real teardown
// errors are aggregated so one failure doesn't hide another.
func (p *Provisioner) DeprovisionPod(ctx context.Context, podID string) error {
	release := p.locks.Acquire(podID)
	defer release()

	record, err := p.store.GetPod(podID)
	if errors.Is(err, store.ErrNotFound) {
		p.Log.Warn(fmt.Sprintf("pod %s has no record, nothing to deprovision", podID))
		return nil
	}
	if err != nil {
		return utils.WrapError(err)
	}

	var result *multierror.Error
	serverID := ""

	if record.ServerID.Valid {
		serverID = record.ServerID.String
		server, err := p.store.GetServer(serverID)
		if err != nil {
			result = multierror.Append(result, utils.WrapError(err))
		} else {
			manager := p.managerFor(server)
			if record.ContainerID != "" {
				err = manager.CleanupPodByContainerID(ctx, podID, record.ContainerID, true)
			} else {
				err = manager.CleanupPod(ctx, podID)
			}
			if err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	if err := p.store.ArchivePod(podID); err != nil {
		result = multierror.Append(result, utils.WrapError(err))
	}

	p.recordUsage(ctx, podID, serverID, "deprovisioned")

	if err := result.ErrorOrNil(); err != nil {
		return err
	}
	p.Log.Info(fmt.Sprintf("pod %s: deprovisioned", podID))
	return nil
}

// CleanupPod sweeps a pod's remnants off a known server by name convention.
// It works without a pod record, which is the point: it is the recovery
// path for pods whose records are gone or never made it to a host
// assignment.
func (p *Provisioner) CleanupPod(ctx context.Context, podID string, serverID string) error {
	release := p.locks.Acquire(podID)
	defer release()

	server, err := p.store.GetServer(serverID)
	if err != nil {
		return utils.WrapError(err)
	}
	return p.managerFor(server).CleanupPod(ctx, podID)
}

// GetPodLogs fetches container logs from the pod's assigned host
func (p *Provisioner) GetPodLogs(ctx context.Context, podID string, tail int, follow bool) (string, error) {
	record, err := p.store.GetPod(podID)
	if err != nil {
		return "", utils.WrapError(err)
	}
	if !record.ServerID.Valid {
		return "", errors.Errorf("pod %s is not placed on any server", podID)
	}
	server, err := p.store.GetServer(record.ServerID.String)
	if err != nil {
		return "", utils.WrapError(err)
	}
	return p.managerFor(server).GetPodLogs(ctx, podID, tail, follow)
}

// ExecInPod runs argv inside the pod's container on its assigned host. A
// non-zero exit comes back as both a populated result and an error, so
// callers can show the command's output alongside the failure.
func (p *Provisioner) ExecInPod(ctx context.Context, podID string, argv []string) (*engine.ExecResult, error) {
	record, err := p.store.GetPod(podID)
	if err != nil {
		return nil, utils.WrapError(err)
	}
	if !record.ServerID.Valid {
		return nil, errors.Errorf("pod %s is not placed on any server", podID)
	}
	server, err := p.store.GetServer(record.ServerID.String)
	if err != nil {
		return nil, utils.WrapError(err)
	}
	return p.managerFor(server).ExecInPod(ctx, podID, argv)
}

// CommandHistory returns the pod's journaled commands, newest first. The
// journal outlives the pod record, so this deliberately does not require one:
// pods swept by the recovery path still have a trail worth reading.
func (p *Provisioner) CommandHistory(podID string, limit int) ([]store.PodLog, error) {
	logs, err := p.store.ListPodLogs(podID, limit)
	if err != nil {
		return nil, utils.WrapError(err)
	}
	return logs, nil
}

// PurgePod erases an archived pod's record along with its command journal.
// Anything not yet archived is refused, because a record in any other state
// may still own resources on a host.
func (p *Provisioner) PurgePod(podID string) error {
	release := p.locks.Acquire(podID)
	defer release()

	record, err := p.store.GetPod(podID)
	if err != nil {
		return utils.WrapError(err)
	}
	if record.Status != store.StatusArchived {
		return errors.Errorf("pod %s is %s, deprovision it before purging", podID, record.Status)
	}

	if err := p.store.DeletePodLogs(podID); err != nil {
		return utils.WrapError(err)
	}
	if err := p.store.DeletePod(podID); err != nil {
		return utils.WrapError(err)
	}
	p.Log.Info(fmt.Sprintf("pod %s: purged", podID))
	return nil
}
