package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// StdIOOption configures a StdIO transport.
type StdIOOption func(*StdIO)

// StdIO carries JSON-RPC frames as newline-delimited UTF-8 JSON over an
// io.Reader/io.Writer pair, typically stdin/stdout. Each frame is one line
// terminated by LF; a CR before the LF is accepted and stripped, and empty
// lines are ignored. There is no other framing.
//
// A dedicated writer goroutine drains a send queue so Send never interleaves
// partial frames; frames are written in Send-call order. Send before Start
// is queued and drained once the writer starts. Create instances with
// NewStdIO and release them with Shutdown.
type StdIO struct {
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	id string

	callbackMu sync.Mutex
	onMessage  MessageHandler
	onError    ErrorHandler

	sendQueue chan []byte

	started      chan struct{}
	done         chan struct{}
	readClosed   chan struct{}
	writeClosed  chan struct{}
	startOnce    sync.Once
	shutdownOnce sync.Once
}

// NewStdIO creates a stdio transport over the given reader and writer.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) *StdIO {
	s := &StdIO{
		reader:      reader,
		writer:      writer,
		logger:      slog.Default(),
		id:          uuid.New().String(),
		sendQueue:   make(chan []byte, 64),
		started:     make(chan struct{}),
		done:        make(chan struct{}),
		readClosed:  make(chan struct{}),
		writeClosed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithStdIOLogger sets the logger for the transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.logger = logger.With(
			slog.String("package", "go-mcp"),
			slog.String("component", "stdio"),
		)
	}
}

// ID returns the transport's session identifier.
func (s *StdIO) ID() string { return s.id }

// Start installs the callbacks and spawns the reader and writer goroutines.
func (s *StdIO) Start(onMessage MessageHandler, onError ErrorHandler) error {
	select {
	case <-s.done:
		return ErrTransportClosed
	default:
	}

	s.callbackMu.Lock()
	s.onMessage = onMessage
	s.onError = onError
	s.callbackMu.Unlock()

	s.startOnce.Do(func() {
		close(s.started)
		go s.readLoop()
		go s.writeLoop()
	})
	return nil
}

// Send serializes the frame and queues it for the writer goroutine. Write
// failures are reported through the error callback; Send itself only fails
// when the context ends or the transport is shut down.
func (s *StdIO) Send(ctx context.Context, msg Message) error {
	bs, err := Serialize(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}
	// Line framing: one frame, one LF.
	bs = append(bs, '\n')

	// Checked first so a Send after Shutdown never wins a race against a free
	// queue slot.
	select {
	case <-s.done:
		return ErrTransportClosed
	default:
	}

	select {
	case <-s.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	case s.sendQueue <- bs:
		return nil
	}
}

// Shutdown terminates the transport: it unblocks the reader and writer and
// fails subsequent Sends. It is idempotent and safe to call from any
// goroutine.
func (s *StdIO) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		close(s.done)
	})

	select {
	case <-s.started:
	default:
		// Never started, no loops to wait for.
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.writeClosed:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.readClosed:
	}
	return nil
}

func (s *StdIO) readLoop() {
	defer close(s.readClosed)

	// bufio.Reader instead of bufio.Scanner so long frames never hit a max
	// token size.
	reader := bufio.NewReader(s.reader)
	for {
		type lineWithErr struct {
			line string
			err  error
		}

		lines := make(chan lineWithErr, 1)

		// Read on a separate goroutine so shutdown is not held up by a
		// blocked read.
		go func() {
			line, err := reader.ReadString('\n')
			if err != nil {
				lines <- lineWithErr{err: err}
				return
			}
			lines <- lineWithErr{line: line}
		}()

		var lwe lineWithErr
		select {
		case <-s.done:
			return
		case lwe = <-lines:
		}

		if lwe.err != nil {
			if !errors.Is(lwe.err, io.EOF) {
				s.reportError(fmt.Errorf("failed to read line: %w", lwe.err))
			}
			return
		}

		line := strings.TrimSuffix(lwe.line, "\n")
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}

		msg, err := Parse([]byte(line))
		if err != nil {
			// Parse errors are reported but never terminate the stream.
			s.reportError(err)
			continue
		}

		s.callbackMu.Lock()
		onMessage := s.onMessage
		s.callbackMu.Unlock()
		if onMessage != nil {
			onMessage(msg)
		}
	}
}

func (s *StdIO) writeLoop() {
	defer close(s.writeClosed)

	for {
		select {
		case <-s.done:
			// Flush whatever was queued before shutdown.
			for {
				select {
				case bs := <-s.sendQueue:
					s.writeAll(bs)
				default:
					return
				}
			}
		case bs := <-s.sendQueue:
			s.writeAll(bs)
		}
	}
}

func (s *StdIO) writeAll(bs []byte) {
	for len(bs) > 0 {
		n, err := s.writer.Write(bs)
		if err != nil {
			s.reportError(fmt.Errorf("failed to write message: %w", err))
			return
		}
		bs = bs[n:]
	}
}

func (s *StdIO) reportError(err error) {
	s.callbackMu.Lock()
	onError := s.onError
	s.callbackMu.Unlock()

	if onError != nil {
		onError(err)
		return
	}
	s.logger.Error("stdio transport error", slog.String("err", err.Error()))
}
