package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"ExpertChat/internal/transport"
)

// REPL reads lines from in, sends each as a turn of one conversation and prints
// the replies as they stream in.
type REPL struct {
	client         *Client
	conversationID string
	experts        string
	in             io.Reader
	out            io.Writer
	logger         *slog.Logger

	mu        sync.Mutex
	lastGroup string
}

func NewREPL(client *Client, conversationID, experts string, in io.Reader, out io.Writer, logger *slog.Logger) *REPL {
	return &REPL{
		client:         client,
		conversationID: conversationID,
		experts:        experts,
		in:             in,
		out:            out,
		logger:         logger,
	}
}

// Run blocks until the input ends, /quit is entered, ctx is done or the relay hangs up.
func (r *REPL) Run(ctx context.Context) error {
	r.printf("=== ExpertChat ===\n")
	r.printf("Conversation: %s\n", r.conversationID)
	r.printf("Type /help for commands, /quit to exit\n\n")

	received := make(chan error, 1)
	go func() {
		received <- r.receive()
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r.in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-received:
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			input := strings.TrimSpace(line)
			if input == "" {
				continue
			}
			if strings.HasPrefix(input, "/") {
				if r.handleCommand(input) {
					return nil
				}
				continue
			}
			if err := r.client.Send(transport.InboundFrame{
				ConversationID: r.conversationID,
				Message:        input,
				Experts:        r.experts,
			}); err != nil {
				r.logger.Error("failed to send message", "error", err)
				return err
			}
		}
	}
}

func (r *REPL) handleCommand(cmd string) bool {
	switch strings.Fields(cmd)[0] {
	case "/quit", "/exit":
		r.printf("Goodbye!\n")
		return true
	case "/help":
		r.printf("Available commands:\n")
		r.printf("  /quit, /exit - Leave the conversation\n")
		r.printf("  /help        - Show this help message\n")
	default:
		r.printf("Unknown command: %s\n", cmd)
	}
	return false
}

func (r *REPL) receive() error {
	for {
		frame, err := r.client.Receive()
		if err != nil {
			return err
		}
		if frame.Error != nil {
			r.printf("Error (%d): %s: %s\n", frame.Error.Status, frame.Error.Error, frame.Error.Details)
			continue
		}
		r.printEvent(*frame.Event)
	}
}

// printEvent continues the current line while fragments of one group arrive back to
// back, and starts a new tagged line when another expert interleaves.
func (r *REPL) printEvent(e transport.EventFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e.MessageID != r.lastGroup {
		if r.lastGroup != "" {
			fmt.Fprintln(r.out)
		}
		fmt.Fprintf(r.out, "[%s] ", e.Expert.Name)
		r.lastGroup = e.MessageID
	}
	fmt.Fprint(r.out, e.Message)
	if e.IsStop {
		fmt.Fprintln(r.out)
		r.lastGroup = ""
	}
}

func (r *REPL) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}
