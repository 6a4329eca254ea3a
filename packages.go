package sandkit

import (
	"context"

	"github.com/sandkit/sandkit/protocol"
)

// Package-manager operations follow a single-request,
// single-acknowledgement pattern on the packager channel. They are
// gated on the packager capability and degrade to a false no-op when
// the workspace lacks one.

// AddPackages installs packages in the workspace.
func (c *Client) AddPackages(ctx context.Context, packages ...string) (bool, error) {
	if !c.capabilities().Packager {
		return false, nil
	}

	ch, err := c.Channel(ctx, servicePackager, "")
	if err != nil {
		return false, err
	}

	resp, err := ch.Request(ctx, protocol.TypePackageAdd, protocol.PackagesPayload{Packages: packages})
	if err != nil {
		return false, err
	}

	var p protocol.PackageResultPayload
	if err := resp.Decode(&p); err != nil {
		return false, err
	}

	c.logger.Info("added packages", "count", p.Added)
	return true, nil
}

// RemovePackages uninstalls packages from the workspace.
func (c *Client) RemovePackages(ctx context.Context, packages ...string) (bool, error) {
	if !c.capabilities().Packager {
		return false, nil
	}

	ch, err := c.Channel(ctx, servicePackager, "")
	if err != nil {
		return false, err
	}

	resp, err := ch.Request(ctx, protocol.TypePackageRemove, protocol.PackagesPayload{Packages: packages})
	if err != nil {
		return false, err
	}

	var p protocol.PackageResultPayload
	if err := resp.Decode(&p); err != nil {
		return false, err
	}

	c.logger.Info("removed packages", "count", p.Removed)
	return true, nil
}

// ListPackages returns the workspace's installed packages. ok is
// false when the workspace has no packager.
func (c *Client) ListPackages(ctx context.Context) (packages []string, ok bool, err error) {
	if !c.capabilities().Packager {
		return nil, false, nil
	}

	ch, err := c.Channel(ctx, servicePackager, "")
	if err != nil {
		return nil, false, err
	}

	resp, err := ch.Request(ctx, protocol.TypePackageList, nil)
	if err != nil {
		return nil, false, err
	}

	var p protocol.PackageManifestPayload
	if err := resp.Decode(&p); err != nil {
		return nil, false, err
	}
	return p.Packages, true, nil
}
