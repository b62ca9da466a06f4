package tcp

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// SendFile streams the file at path over the connection and returns the
// byte count. The connection stays open; pair with Close to signal EOF.
func (c *Conn) SendFile(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "open file to send")
	}
	defer f.Close()

	var total int64
	buf := make([]byte, 32*1024)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			sent, serr := c.Send(buf[:n])
			total += int64(sent)
			if serr != nil {
				return total, serr
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, errors.Wrap(rerr, "read file to send")
		}
	}
}

// RecvFile writes the stream into the file at path until the peer closes,
// returning the byte count.
func (c *Conn) RecvFile(path string) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, errors.Wrap(err, "create file to receive")
	}
	defer f.Close()

	var total int64
	for {
		chunk, rerr := c.Recv(32 * 1024)
		if len(chunk) > 0 {
			if _, werr := f.Write(chunk); werr != nil {
				return total, errors.Wrap(werr, "write received file")
			}
			total += int64(len(chunk))
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}
