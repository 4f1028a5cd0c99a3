package vault

import (
	"context"
	"io"

	"xdao.co/capvault/model"
	"xdao.co/capvault/storage"
	"xdao.co/capvault/storage/bundle"
)

// Export writes the ciphertext of every blob in containerID to w as a
// bundle. Any capability holder may export.
func (c *Client) Export(ctx context.Context, containerID string, w io.Writer) (int, error) {
	if _, err := c.resolver.Lookup(ctx, c.identity, containerID); err != nil {
		return 0, err
	}
	cont, err := c.ledger.GetContainer(ctx, containerID)
	if err != nil {
		return 0, model.WrapError(model.ResolverUnavailable, "CAPV-VLT-001", "vault: container lookup failed", err)
	}
	if err := bundle.Export(ctx, w, c.reader, cont.Content, bundle.ExportOptions{Container: containerID, IncludeIndex: true}); err != nil {
		return 0, err
	}
	c.log.Info("container exported", "container", containerID, "blobs", len(cont.Content))
	return len(cont.Content), nil
}

// RestoreResult describes one blob re-uploaded from a bundle.
type RestoreResult struct {
	SourceRef string
	Upload    storage.UploadResult
	// Certified is false when the container already listed the new ref.
	Certified bool
}

// Restore uploads every blob in the bundle read from r to the rotation
// and certifies those containerID does not already list. Only an Owner
// may restore. Results for blobs handled before a failure are returned
// with the error.
func (c *Client) Restore(ctx context.Context, containerID string, r io.Reader) ([]RestoreResult, error) {
	owner, err := c.ownerCapability(ctx, containerID)
	if err != nil {
		return nil, err
	}
	cont, err := c.ledger.GetContainer(ctx, containerID)
	if err != nil {
		return nil, model.WrapError(model.ResolverUnavailable, "CAPV-VLT-001", "vault: container lookup failed", err)
	}

	var out []RestoreResult
	_, err = bundle.Import(r, bundle.ImportOptions{}, func(ref string, data []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		up, err := c.uploader.Upload(ctx, data)
		if err != nil {
			return err
		}
		res := RestoreResult{SourceRef: ref, Upload: up}
		if !cont.HasContent(up.Locator.BlobRef) {
			if _, err := c.certify.Certify(ctx, containerID, owner.ID, up.Locator); err != nil {
				out = append(out, res)
				return err
			}
			cont.Content = append(cont.Content, up.Locator.BlobRef)
			res.Certified = true
		}
		out = append(out, res)
		return nil
	})
	if err != nil {
		return out, err
	}
	c.log.Info("container restored", "container", containerID, "blobs", len(out))
	return out, nil
}
