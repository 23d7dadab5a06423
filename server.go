package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/richardartoul/cacherestore/pkg/cachestore"
	"github.com/richardartoul/cacherestore/pkg/restore"
)

// Cmd represents a serve command type.
type Cmd string

const (
	CmdRestore = Cmd("restore")
	CmdClose   = Cmd("close")
)

// Request represents one line read by the serve loop.
type Request struct {
	ID      int64
	Command Cmd
	// Args are the restore arguments: a key and an optional options record.
	Args []any `json:",omitempty"`
	// Exclude lists glob patterns of entries to skip; see excludeFilter.
	Exclude []string `json:",omitempty"`
}

// Response represents one line written by the serve loop.
type Response struct {
	ID            int64      `json:",omitempty"`
	Err           string     `json:",omitempty"`
	Kind          string     `json:",omitempty"`
	KnownCommands []Cmd      `json:",omitempty"`
	Key           string     `json:",omitempty"`
	Path          string     `json:",omitempty"`
	Digest        string     `json:",omitempty"`
	Size          int64      `json:",omitempty"`
	Time          *time.Time `json:",omitempty"`
}

// Server reads restore requests as JSON lines and answers each with one JSON
// line. Requests run concurrently, so responses may arrive out of order and
// are matched by ID.
type Server struct {
	restorer    *restore.Restorer
	scanner     *bufio.Scanner
	logger      zerolog.Logger
	concurrency int

	mu     sync.Mutex // guards writer
	writer *bufio.Writer
}

// NewServer creates a server reading requests from r and writing responses
// to w.
func NewServer(restorer *restore.Restorer, r io.Reader, w io.Writer, concurrency int, logger zerolog.Logger) *Server {
	scanner := bufio.NewScanner(r)
	// Requests are small, but leave room for large options records.
	const maxScanTokenSize = 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)

	if concurrency < 1 {
		concurrency = 1
	}
	return &Server{
		restorer:    restorer,
		scanner:     scanner,
		logger:      logger,
		concurrency: concurrency,
		writer:      bufio.NewWriter(w),
	}
}

// SendResponse writes a response line.
func (s *Server) SendResponse(resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	if err := s.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return s.writer.Flush()
}

// SendInitialResponse sends the initial response with capabilities.
func (s *Server) SendInitialResponse() error {
	return s.SendResponse(Response{
		ID:            0,
		KnownCommands: []Cmd{CmdRestore, CmdClose},
	})
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
	return &req, nil
}

// HandleRequest processes a single request and sends a response.
func (s *Server) HandleRequest(ctx context.Context, req *Request) error {
	var resp Response
	resp.ID = req.ID

	switch req.Command {
	case CmdRestore:
		info, err := s.restore(ctx, req)
		if err != nil {
			resp.Err = err.Error()
			resp.Kind = string(restore.Classify(err))
		} else {
			resp.Kind = string(restore.KindSuccess)
			resp.Key = info.Key
			resp.Path = info.Path
			resp.Digest = info.Digest
			resp.Size = info.Size
			if !info.Time.IsZero() {
				t := info.Time
				resp.Time = &t
			}
		}

	case CmdClose:
		// Will exit after sending response

	default:
		resp.Err = fmt.Sprintf("unknown command: %s", req.Command)
	}

	return s.SendResponse(resp)
}

func (s *Server) restore(ctx context.Context, req *Request) (*cachestore.Info, error) {
	args := req.Args
	if len(req.Exclude) > 0 {
		filter, err := excludeFilter(req.Exclude)
		if err != nil {
			return nil, err
		}
		args = withFilter(args, filter)
	}
	return s.restorer.RestoreArgs(ctx, args...)
}

// Run sends the capabilities line and then serves requests until close or
// EOF. It waits for in-flight restores before answering close or returning.
func (s *Server) Run(ctx context.Context) error {
	if err := s.SendInitialResponse(); err != nil {
		return fmt.Errorf("failed to send initial response: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	var closeReq *Request
	for closeReq == nil {
		req, err := s.ReadRequest()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Let in-flight restores answer before failing.
			_ = g.Wait() //nolint:errcheck // the read error takes precedence
			return err
		}

		if req.Command == CmdClose {
			closeReq = req
			break
		}

		s.logger.Debug().Int64("id", req.ID).Str("command", string(req.Command)).Msg("request")
		g.Go(func() error {
			if err := s.HandleRequest(gctx, req); err != nil {
				return fmt.Errorf("failed to handle request %d: %w", req.ID, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if closeReq != nil {
		return s.HandleRequest(ctx, closeReq)
	}
	return nil
}

// withFilter returns args with filter set as the options record's filter.
// Arguments that cannot carry a filter are returned unchanged so that
// validation reports them.
func withFilter(args []any, filter restore.EntryFilter) []any {
	switch len(args) {
	case 1:
		return []any{args[0], map[string]any{"filter": filter}}
	case 2:
		record, ok := args[1].(map[string]any)
		if !ok {
			return args
		}
		merged := make(map[string]any, len(record)+1)
		for k, v := range record {
			merged[k] = v
		}
		merged["filter"] = filter
		return []any{args[0], merged}
	default:
		return args
	}
}
