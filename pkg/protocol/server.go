// Package protocol serves thumbnail lookups over a JSON-lines stream: one
// request per input line, one response per delivery.
package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/chronosphereio/thumbcache/pkg/dispatch"
)

// Cmd represents a request command type.
type Cmd string

const (
	CmdGet        = Cmd("get")
	CmdInvalidate = Cmd("invalidate")
	CmdClose      = Cmd("close")
)

// Request represents a request from the client. An empty Command is a get.
type Request struct {
	ID       int64
	Command  Cmd    `json:",omitempty"`
	Path     string `json:",omitempty"`
	Position int
	// Size, when positive, also loads the thumbnail scaled to this box.
	Size    int  `json:",omitempty"`
	Refresh bool `json:",omitempty"`
}

// Response represents a response to the client. Deliveries arrive in
// completion order; Position ties them back to the request.
type Response struct {
	ID            int64  `json:",omitempty"`
	Err           string `json:",omitempty"`
	KnownCommands []Cmd  `json:",omitempty"`
	Position      int
	Path          string `json:",omitempty"`
	Fallback      bool   `json:",omitempty"`
	Generation    uint64
	Width         int `json:",omitempty"`
	Height        int `json:",omitempty"`
}

// Dispatcher is the part of dispatch.Dispatcher the server drives.
type Dispatcher interface {
	Submit(path string, position int, sink dispatch.Sink) error
	SubmitRefresh(path string, position int, sink dispatch.Sink) error
	SubmitAtScale(path string, position, size int, sink dispatch.Sink) error
	Invalidate() uint64
}

// Server implements the thumbnail line protocol. Responses are written by a
// single goroutine, so worker deliveries never interleave on the wire.
type Server struct {
	dispatcher Dispatcher
	scanner    *bufio.Scanner
	writer     *bufio.Writer
	logger     *slog.Logger

	out     chan Response
	pending sync.WaitGroup
}

// NewServer creates a server reading requests from r and writing
// responses to w.
func NewServer(d Dispatcher, r io.Reader, w io.Writer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	scanner := bufio.NewScanner(r)
	// Paths are short; 1MB leaves room for unusual ones.
	const maxScanTokenSize = 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)

	return &Server{
		dispatcher: d,
		scanner:    scanner,
		writer:     bufio.NewWriter(w),
		logger:     logger,
		out:        make(chan Response, 64),
	}
}

// SendResponse writes a response line. Only the writer goroutine calls it
// once Run has started.
func (s *Server) SendResponse(resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	if _, err := s.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}

	if err := s.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return s.writer.Flush()
}

// ReadRequest reads the next non-empty request line.
func (s *Server) ReadRequest() (*Request, error) {
	var line string
	for {
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, fmt.Errorf("failed to read request: %w", err)
			}
			return nil, io.EOF
		}

		line = s.scanner.Text()
		if strings.TrimSpace(line) != "" {
			break
		}
	}

	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w (line: %q)", err, line)
	}
	if req.Command == "" {
		req.Command = CmdGet
	}
	return &req, nil
}

// HandleRequest submits a get or answers a control command. Get responses
// are sent when the dispatcher delivers.
func (s *Server) HandleRequest(req *Request) {
	switch req.Command {
	case CmdGet:
		if err := s.submit(req); err != nil {
			s.out <- Response{ID: req.ID, Position: req.Position, Err: err.Error()}
		}

	case CmdInvalidate:
		gen := s.dispatcher.Invalidate()
		s.out <- Response{ID: req.ID, Generation: gen}

	default:
		s.out <- Response{ID: req.ID, Err: fmt.Sprintf("unknown command: %s", req.Command)}
	}
}

func (s *Server) submit(req *Request) error {
	if req.Path == "" {
		return fmt.Errorf("missing path")
	}
	if req.Refresh && req.Size > 0 {
		return fmt.Errorf("refresh cannot be combined with size")
	}

	id := req.ID
	sink := dispatch.SinkFunc(func(r dispatch.Result) {
		defer s.pending.Done()
		resp := Response{
			ID:         id,
			Position:   r.Position,
			Path:       r.Path,
			Fallback:   r.Fallback,
			Generation: r.Generation,
		}
		if r.Image != nil {
			b := r.Image.Bounds()
			resp.Width, resp.Height = b.Dx(), b.Dy()
		}
		s.out <- resp
	})

	s.pending.Add(1)
	var err error
	switch {
	case req.Refresh:
		err = s.dispatcher.SubmitRefresh(req.Path, req.Position, sink)
	case req.Size > 0:
		err = s.dispatcher.SubmitAtScale(req.Path, req.Position, req.Size, sink)
	default:
		err = s.dispatcher.Submit(req.Path, req.Position, sink)
	}
	if err != nil {
		s.pending.Done()
	}
	return err
}

// writeLoop is the only writer of the output stream. After a write error it
// keeps draining so that sinks never block.
func (s *Server) writeLoop(done chan<- error) {
	var firstErr error
	for resp := range s.out {
		if firstErr != nil {
			continue
		}
		if err := s.SendResponse(resp); err != nil {
			s.logger.Error("failed to send response", "id", resp.ID, "error", err)
			firstErr = err
		}
	}
	done <- firstErr
}

// Run processes requests until EOF or a close command. Every submitted get
// is answered before Run returns.
func (s *Server) Run() error {
	done := make(chan error, 1)
	go s.writeLoop(done)

	s.out <- Response{KnownCommands: []Cmd{CmdGet, CmdInvalidate, CmdClose}}

	var (
		readErr error
		closeID int64
		closing bool
	)
	for {
		req, err := s.ReadRequest()
		if err == io.EOF {
			break
		}
		if err != nil {
			readErr = err
			break
		}

		if req.Command == CmdClose {
			closeID, closing = req.ID, true
			break
		}
		s.HandleRequest(req)
	}

	// Outstanding deliveries go out before the close acknowledgement.
	s.pending.Wait()
	if closing {
		s.out <- Response{ID: closeID}
	}
	close(s.out)
	writeErr := <-done

	if readErr != nil {
		return readErr
	}
	return writeErr
}
