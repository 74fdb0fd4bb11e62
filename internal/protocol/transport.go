package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// Transport carries framed packets between the client and the backend.
type Transport interface {
	// Send writes one framed packet to the backend.
	Send(msg *Message) error

	// Receive blocks until the next packet arrives from the backend.
	Receive() (*Message, error)

	// Close closes the transport.
	Close() error
}

// Message is one framed packet body.
type Message struct {
	// ContentLength is the length of Content in bytes.
	ContentLength int

	// Content is the JSON packet body.
	Content json.RawMessage
}

// MaxPacketSize is the largest packet body accepted from the backend
// (10MB). Anything larger is treated as a framing error.
const MaxPacketSize = 10 * 1024 * 1024

// StdioTransport frames packets over the stdin/stdout of a backend
// subprocess.
type StdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	reader *bufio.Reader
	mu     sync.Mutex
}

// NewStdioTransport starts cmd and frames packets over its pipes.
func NewStdioTransport(cmd *exec.Cmd) (*StdioTransport, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("get stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("get stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("start backend: %w", err)
	}

	return &StdioTransport{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		reader: bufio.NewReader(stdout),
	}, nil
}

// Send writes a packet to the backend process.
func (t *StdioTransport) Send(msg *Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return writeFrame(t.stdin, msg)
}

// Receive reads the next packet from the backend process.
func (t *StdioTransport) Receive() (*Message, error) {
	return readFrame(t.reader)
}

// Close closes the pipes and terminates the subprocess.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stdin.Close()
	t.stdout.Close()

	if t.cmd.Process != nil {
		t.cmd.Process.Kill()
	}

	return t.cmd.Wait()
}

// SocketTransport frames packets over a TCP connection.
type SocketTransport struct {
	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex
}

// NewSocketTransport dials address and frames packets over the
// resulting connection.
func NewSocketTransport(address string) (*SocketTransport, error) {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	return NewSocketTransportFromConn(conn), nil
}

// NewSocketTransportFromConn wraps an existing connection.
func NewSocketTransportFromConn(conn net.Conn) *SocketTransport {
	return &SocketTransport{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

// Send writes a packet to the connection.
func (t *SocketTransport) Send(msg *Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return writeFrame(t.conn, msg)
}

// Receive reads the next packet from the connection.
func (t *SocketTransport) Receive() (*Message, error) {
	return readFrame(t.reader)
}

// Close closes the connection.
func (t *SocketTransport) Close() error {
	return t.conn.Close()
}

// RawTransport wraps any io.ReadWriteCloser as a Transport.
type RawTransport struct {
	rwc    io.ReadWriteCloser
	reader *bufio.Reader
	mu     sync.Mutex
}

// NewRawTransport frames packets over any ReadWriteCloser.
func NewRawTransport(rwc io.ReadWriteCloser) *RawTransport {
	return &RawTransport{
		rwc:    rwc,
		reader: bufio.NewReader(rwc),
	}
}

// Send writes a packet.
func (t *RawTransport) Send(msg *Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return writeFrame(t.rwc, msg)
}

// Receive reads the next packet.
func (t *RawTransport) Receive() (*Message, error) {
	return readFrame(t.reader)
}

// Close closes the underlying connection.
func (t *RawTransport) Close() error {
	return t.rwc.Close()
}

// writeFrame writes one length-prefixed packet.
func writeFrame(w io.Writer, msg *Message) error {
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(msg.Content))

	if _, err := io.WriteString(w, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	if _, err := w.Write(msg.Content); err != nil {
		return fmt.Errorf("write body: %w", err)
	}

	return nil
}

// readFrame reads one length-prefixed packet.
func readFrame(r *bufio.Reader) (*Message, error) {
	var contentLength int

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break // End of headers
		}

		parts := strings.SplitN(line, ": ", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid header: %s", line)
		}

		if strings.EqualFold(parts[0], "content-length") {
			length, err := strconv.Atoi(parts[1])
			if err != nil {
				return nil, fmt.Errorf("invalid content-length: %w", err)
			}
			if length < 0 || length > MaxPacketSize {
				return nil, fmt.Errorf("content-length %d exceeds maximum allowed %d", length, MaxPacketSize)
			}
			contentLength = length
		}
		// Other headers are ignored.
	}

	if contentLength == 0 {
		return nil, fmt.Errorf("missing Content-Length header")
	}

	content := make([]byte, contentLength)
	if _, err := io.ReadFull(r, content); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return &Message{
		ContentLength: contentLength,
		Content:       content,
	}, nil
}
