package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/devstack-sh/devstack/engine/runtime"
	"github.com/devstack-sh/devstack/spec"
)

// BackupCoordinator performs volume backup and restore on behalf of the
// orchestrator. The orchestrator delegates the whole archive strategy —
// format, destination, retention — and only manages the environment's
// state around the call (maintenance during, previous state after).
//
// Implementations receive read-only snapshots; mutating them has no
// effect on the environment.
type BackupCoordinator interface {
	// Backup archives the named volumes and returns an identifier for
	// the archive (typically a path).
	Backup(ctx context.Context, cfg spec.EnvironmentConfig, status spec.EnvironmentStatus, volumes []string) (string, error)

	// Restore loads the archive into the named volumes.
	Restore(ctx context.Context, cfg spec.EnvironmentConfig, archive string, volumes []string) error
}

// helperImage runs tar inside a throwaway container with the volumes
// mounted. Volumes are only reachable through the runtime, so the
// archiver cannot read them from the host directly.
const helperImage = "busybox:stable"

// VolumeArchiver is a BackupCoordinator that tars each volume into a
// per-backup directory on the host. It starts a helper container with
// the volumes and the archive directory mounted, execs tar for each
// volume, then removes the helper.
type VolumeArchiver struct {
	Adapter runtime.Adapter
	Dir     string // base archive directory
}

// Backup archives the volumes and returns the archive directory path.
func (a *VolumeArchiver) Backup(ctx context.Context, cfg spec.EnvironmentConfig, _ spec.EnvironmentStatus, volumes []string) (string, error) {
	if len(volumes) == 0 {
		return "", fmt.Errorf("no volumes to back up")
	}

	dir := filepath.Join(a.Dir, fmt.Sprintf("%s-%s", cfg.Project, time.Now().Format("20060102-150405")))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	helper, err := a.startHelper(ctx, cfg.Project, volumes, dir, true)
	if err != nil {
		return "", err
	}
	defer a.removeHelper(ctx, helper)

	for _, vol := range volumes {
		cmd := []string{"tar", "czf", "/archive/" + vol + ".tar.gz", "-C", "/volumes/" + vol, "."}
		res, err := a.Adapter.ExecInService(ctx, helper, cmd, runtime.ExecOptions{})
		if err != nil {
			return "", fmt.Errorf("archive %s: %w", vol, err)
		}
		if res.ExitCode != 0 {
			return "", fmt.Errorf("archive %s: tar exited %d: %s", vol, res.ExitCode, res.Stderr)
		}
	}

	return dir, nil
}

// Restore unpacks each volume's tarball from the archive directory.
func (a *VolumeArchiver) Restore(ctx context.Context, cfg spec.EnvironmentConfig, archive string, volumes []string) error {
	if _, err := os.Stat(archive); err != nil {
		return fmt.Errorf("archive %s: %w", archive, err)
	}

	helper, err := a.startHelper(ctx, cfg.Project, volumes, archive, false)
	if err != nil {
		return err
	}
	defer a.removeHelper(ctx, helper)

	for _, vol := range volumes {
		cmd := []string{"tar", "xzf", "/archive/" + vol + ".tar.gz", "-C", "/volumes/" + vol}
		res, err := a.Adapter.ExecInService(ctx, helper, cmd, runtime.ExecOptions{})
		if err != nil {
			return fmt.Errorf("restore %s: %w", vol, err)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("restore %s: tar exited %d: %s", vol, res.ExitCode, res.Stderr)
		}
	}

	return nil
}

// startHelper runs a sleeping container with every volume mounted under
// /volumes and the archive directory bind-mounted at /archive.
func (a *VolumeArchiver) startHelper(ctx context.Context, project string, volumes []string, dir string, readOnlyVolumes bool) (string, error) {
	if err := a.Adapter.PullImage(ctx, helperImage); err != nil {
		return "", fmt.Errorf("pull helper image: %w", err)
	}

	mounts := []spec.MountSpec{{Source: dir, Target: "/archive"}}
	for _, vol := range volumes {
		mounts = append(mounts, spec.MountSpec{
			Source:   vol,
			Target:   "/volumes/" + vol,
			ReadOnly: readOnlyVolumes,
		})
	}

	name := fmt.Sprintf("%s-backup-%d", project, time.Now().UnixNano())
	opts := runtime.ServiceOptions{
		Name:    name,
		Image:   helperImage,
		Command: []string{"sleep", "3600"},
		Mounts:  mounts,
		Labels:  map[string]string{"devstack.project": project, "devstack.role": "backup"},
	}

	if _, err := a.Adapter.RunService(ctx, opts); err != nil {
		return "", fmt.Errorf("start backup helper: %w", err)
	}
	return name, nil
}

func (a *VolumeArchiver) removeHelper(ctx context.Context, name string) {
	a.Adapter.StopService(ctx, name)
	a.Adapter.RemoveService(ctx, name)
}
