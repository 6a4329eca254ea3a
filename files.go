package sandkit

import (
	"context"

	"github.com/sandkit/sandkit/protocol"
)

// File operations are one-shot request/response calls on the files
// channel. Remote-reported failures surface as *transport.RemoteError.

// FileStat describes a remote file or directory.
type FileStat struct {
	Path    string
	Size    int64
	IsDir   bool
	ModTime string
}

// FileEntry is one entry in a directory listing.
type FileEntry struct {
	Name  string
	IsDir bool
	Size  int64
}

// ReadFile returns the content of a remote file.
func (c *Client) ReadFile(ctx context.Context, path string) (string, error) {
	ch, err := c.Channel(ctx, serviceFiles, "")
	if err != nil {
		return "", err
	}

	resp, err := ch.Request(ctx, protocol.TypeFileRead, protocol.FilePathPayload{Path: path})
	if err != nil {
		return "", err
	}

	var p protocol.FileContentPayload
	if err := resp.Decode(&p); err != nil {
		return "", err
	}
	return p.Content, nil
}

// WriteFile creates or replaces a remote file.
func (c *Client) WriteFile(ctx context.Context, path, content string) error {
	ch, err := c.Channel(ctx, serviceFiles, "")
	if err != nil {
		return err
	}
	_, err = ch.Request(ctx, protocol.TypeFileWrite, protocol.FileWritePayload{
		Path:    path,
		Content: content,
	})
	return err
}

// Move renames a remote file or directory.
func (c *Client) Move(ctx context.Context, from, to string) error {
	ch, err := c.Channel(ctx, serviceFiles, "")
	if err != nil {
		return err
	}
	_, err = ch.Request(ctx, protocol.TypeFileMove, protocol.FileMovePayload{From: from, To: to})
	return err
}

// Remove deletes a remote file or directory.
func (c *Client) Remove(ctx context.Context, path string) error {
	ch, err := c.Channel(ctx, serviceFiles, "")
	if err != nil {
		return err
	}
	_, err = ch.Request(ctx, protocol.TypeFileRemove, protocol.FilePathPayload{Path: path})
	return err
}

// Mkdir creates a remote directory, including missing parents.
func (c *Client) Mkdir(ctx context.Context, path string) error {
	ch, err := c.Channel(ctx, serviceFiles, "")
	if err != nil {
		return err
	}
	_, err = ch.Request(ctx, protocol.TypeFileMkdir, protocol.FilePathPayload{Path: path})
	return err
}

// Stat returns metadata for a remote path.
func (c *Client) Stat(ctx context.Context, path string) (*FileStat, error) {
	ch, err := c.Channel(ctx, serviceFiles, "")
	if err != nil {
		return nil, err
	}

	resp, err := ch.Request(ctx, protocol.TypeFileStat, protocol.FilePathPayload{Path: path})
	if err != nil {
		return nil, err
	}

	var p protocol.FileInfoPayload
	if err := resp.Decode(&p); err != nil {
		return nil, err
	}
	return &FileStat{
		Path:    p.Path,
		Size:    p.Size,
		IsDir:   p.IsDir,
		ModTime: p.ModTime,
	}, nil
}

// List returns the entries of a remote directory.
func (c *Client) List(ctx context.Context, path string) ([]FileEntry, error) {
	ch, err := c.Channel(ctx, serviceFiles, "")
	if err != nil {
		return nil, err
	}

	resp, err := ch.Request(ctx, protocol.TypeFileList, protocol.FilePathPayload{Path: path})
	if err != nil {
		return nil, err
	}

	var p protocol.FileEntriesPayload
	if err := resp.Decode(&p); err != nil {
		return nil, err
	}

	entries := make([]FileEntry, 0, len(p.Entries))
	for _, e := range p.Entries {
		entries = append(entries, FileEntry{Name: e.Name, IsDir: e.IsDir, Size: e.Size})
	}
	return entries, nil
}
