package transfer

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SFTPUploader pushes archives over ssh public-key auth. It is strictly
// batch-mode: key-only auth, no agent, no password prompt, explicit dial
// timeout. One connection per upload keeps the failure domain small — a
// half-dead session can't poison later attempts.
type SFTPUploader struct {
	User      string
	Host      string
	Port      int
	RemoteDir string
	KeyPath   string
	Timeout   time.Duration // dial and handshake bound

	// UploadTimeout bounds one whole upload, so a remote that accepts the
	// connection and then stalls cannot block the transfer loop. Zero means
	// defaultUploadTimeout.
	UploadTimeout time.Duration
}

const defaultUploadTimeout = 5 * time.Minute

// closeOnDone closes c when ctx is cancelled, unblocking any I/O stalled on
// it. The returned stop function releases the watchdog; call it once the I/O
// has completed.
func closeOnDone(ctx context.Context, c io.Closer) (stop func()) {
	finished := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-finished:
		}
	}()
	return func() { close(finished) }
}

// Upload copies localPath to RemoteDir. The file lands under a dotted
// temporary name and is renamed into place, so the receiver's quiescence
// check never sees a half-written archive under its final name.
func (s *SFTPUploader) Upload(ctx context.Context, localPath string) error {
	key, err := os.ReadFile(s.KeyPath)
	if err != nil {
		return fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return fmt.Errorf("parse ssh key: %w", err)
	}

	port := s.Port
	if port == 0 {
		port = 22
	}
	cfg := &ssh.ClientConfig{
		User:            s.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         s.Timeout,
	}

	conn, err := ssh.Dial("tcp", net.JoinHostPort(s.Host, fmt.Sprintf("%d", port)), cfg)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.Host, err)
	}
	defer conn.Close()

	// Everything past the dial runs under a per-upload deadline. The sftp
	// calls below have no context parameter, so the watchdog tears down the
	// underlying connection to unblock them.
	uploadTimeout := s.UploadTimeout
	if uploadTimeout == 0 {
		uploadTimeout = defaultUploadTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()
	stop := closeOnDone(ctx, conn)
	defer stop()

	client, err := sftp.NewClient(conn)
	if err != nil {
		return fmt.Errorf("open sftp session: %w", err)
	}
	defer client.Close()

	if err := ctx.Err(); err != nil {
		return err
	}

	name := filepath.Base(localPath)
	remoteTmp := path.Join(s.RemoteDir, "."+name+".part")
	remoteFinal := path.Join(s.RemoteDir, name)

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer src.Close()

	dst, err := client.Create(remoteTmp)
	if err != nil {
		return fmt.Errorf("create remote file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		client.Remove(remoteTmp)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("copy to remote: %w", ctxErr)
		}
		return fmt.Errorf("copy to remote: %w", err)
	}
	if err := dst.Close(); err != nil {
		client.Remove(remoteTmp)
		return fmt.Errorf("flush remote file: %w", err)
	}

	if err := client.PosixRename(remoteTmp, remoteFinal); err != nil {
		client.Remove(remoteTmp)
		return fmt.Errorf("rename remote file: %w", err)
	}
	return nil
}
