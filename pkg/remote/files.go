package remote

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/sftp"

	"github.com/droverhq/drover/pkg/errdefs"
)

// Put copies a local file to the remote path, byte-faithful.
func (p *Pool) Put(ctx context.Context, target Target, localPath, remotePath string) error {
	client, err := p.client(target)
	if err != nil {
		return err
	}

	sc, err := sftp.NewClient(client)
	if err != nil {
		p.invalidate(target)
		return errdefs.Wrap(err, errdefs.KindTransport, "sftp on %s", target.Host)
	}
	defer sc.Close()

	src, err := os.Open(localPath)
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindNotFound, "open %s", localPath)
	}
	defer src.Close()

	if err := sc.MkdirAll(filepath.Dir(remotePath)); err != nil {
		return errdefs.Wrap(err, errdefs.KindTransport, "mkdir %s on %s", filepath.Dir(remotePath), target.Host)
	}

	dst, err := sc.Create(remotePath)
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindTransport, "create %s on %s", remotePath, target.Host)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return errdefs.Wrap(err, errdefs.KindTransport, "copy to %s", target.Host)
	}
	return nil
}

// Get copies a remote file to the local path, byte-faithful.
func (p *Pool) Get(ctx context.Context, target Target, remotePath, localPath string) error {
	client, err := p.client(target)
	if err != nil {
		return err
	}

	sc, err := sftp.NewClient(client)
	if err != nil {
		p.invalidate(target)
		return errdefs.Wrap(err, errdefs.KindTransport, "sftp on %s", target.Host)
	}
	defer sc.Close()

	src, err := sc.Open(remotePath)
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindNotFound, "open %s on %s", remotePath, target.Host)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return errdefs.Wrap(err, errdefs.KindTransport, "mkdir %s", filepath.Dir(localPath))
	}

	dst, err := os.Create(localPath)
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindTransport, "create %s", localPath)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return errdefs.Wrap(err, errdefs.KindTransport, "copy from %s", target.Host)
	}
	return nil
}
