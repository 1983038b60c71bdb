package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/fatih/color"

	protocol "github.com/pixperk/roomchat"
	"github.com/pixperk/roomchat/transport"
)

var (
	ErrServerClosed = errors.New("server disconnected")
	ErrNoUsername   = errors.New("no username given")
)

type Client struct {
	Addr     string
	Kind     transport.Kind
	Username string
	Options  transport.Options

	conn    transport.Conn
	closing atomic.Bool
	out     io.Writer
	outMu   sync.Mutex
	prompt  bool

	// one reader owns input for the client's lifetime; quit releases it
	input     *bufio.Scanner
	lines     chan string
	inputOnce sync.Once
	quit      chan struct{}
	quitOnce  sync.Once

	notice *color.Color
	errc   *color.Color
	pm     *color.Color
}

func New(addr string, kind transport.Kind, in io.Reader, out io.Writer) *Client {
	c := &Client{
		Addr:   addr,
		Kind:   kind,
		input:  bufio.NewScanner(in),
		out:    out,
		prompt: true,
		notice: color.New(color.FgYellow),
		errc:   color.New(color.FgRed),
		pm:     color.New(color.FgMagenta),
		quit:   make(chan struct{}),
	}
	// leave room for the newline
	c.input.Split(splitInput(protocol.MaxFrameSize - 1))
	return c
}

// splitInput splits input into lines and cuts any line longer than limit
// bytes into several, never inside a rune.
func splitInput(limit int) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		advance, token, err := bufio.ScanLines(data, atEOF)
		if err != nil || (token != nil && len(token) <= limit) {
			return advance, token, err
		}
		if token == nil && len(data) <= limit {
			return advance, token, err
		}

		n := limit
		for n > 0 && !utf8.RuneStart(data[n]) {
			n--
		}
		if n == 0 {
			n = limit
		}
		return n, data[:n], nil
	}
}

// readInput starts the input reader on first use and returns its lines.
func (c *Client) readInput() <-chan string {
	c.inputOnce.Do(func() {
		c.lines = make(chan string)
		go func() {
			defer close(c.lines)
			for c.input.Scan() {
				select {
				case c.lines <- c.input.Text():
				case <-c.quit:
					return
				}
			}
		}()
	})
	return c.lines
}

// DisableColor turns off ANSI colouring and the interactive prompt, for
// piped output.
func (c *Client) DisableColor() {
	c.notice.DisableColor()
	c.errc.DisableColor()
	c.pm.DisableColor()
	c.prompt = false
}

func (c *Client) Connect(ctx context.Context) error {
	c.printf("Connecting to %s...\n", c.Addr)

	conn, err := transport.Dial(ctx, c.Kind, c.Addr, c.Options)
	if err != nil {
		return err
	}
	c.conn = conn
	c.printf("Connected to server!\n")
	return nil
}

// Join sends the JOIN line, prompting for a username when none is set. A
// canceled ctx abandons the prompt.
func (c *Client) Join(ctx context.Context) error {
	if c.Username == "" {
		c.printf("Enter your username: ")
		select {
		case name, ok := <-c.readInput():
			if !ok {
				return ErrNoUsername
			}
			c.Username = strings.TrimSpace(name)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return c.SendLine("JOIN:" + c.Username)
}

func (c *Client) SendLine(line string) error {
	if c.conn == nil {
		return fmt.Errorf("not connected to server")
	}
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	_, err := c.conn.Write([]byte(line))
	return err
}

// Run forwards input lines to the server and prints everything the server
// sends until the server acknowledges /exit, the connection drops, the input
// ends or ctx is canceled. An acknowledged exit returns nil.
func (c *Client) Run(ctx context.Context) error {
	if c.conn == nil {
		return fmt.Errorf("not connected to server")
	}

	recvDone := make(chan error, 1)
	go func() { recvDone <- c.receiveMessages() }()

	lines := c.readInput()
	c.showPrompt()
	for {
		select {
		case err := <-recvDone:
			return err

		case line, ok := <-lines:
			if !ok {
				// input closed; leave politely and wait for the ack
				lines = nil
				if err := c.SendLine("/exit"); err != nil {
					return err
				}
				continue
			}
			line = strings.TrimSpace(line)
			if line == "" {
				c.showPrompt()
				continue
			}
			if err := c.SendLine(line); err != nil {
				c.errorf("Send failed: %v\n", err)
				return err
			}
			c.showPrompt()

		case <-ctx.Done():
			c.printf("\nReceived shutdown signal...\n")
			c.Close()
			<-recvDone
			return nil
		}
	}
}

func (c *Client) receiveMessages() error {
	reader := bufio.NewReader(c.conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if c.closing.Load() {
				return nil
			}
			c.printf("\nServer disconnected\n")
			return ErrServerClosed
		}

		if line == protocol.ExitAck {
			c.printf("\nExiting chat...\n")
			c.Close()
			return nil
		}
		c.display(line)
	}
}

func (c *Client) display(line string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()

	if c.prompt {
		fmt.Fprint(c.out, "\r\033[K")
	}
	switch {
	case strings.HasPrefix(line, "* Error:"):
		c.errc.Fprint(c.out, line)
	case strings.HasPrefix(line, "[PM "):
		c.pm.Fprint(c.out, line)
	case strings.HasPrefix(line, "* "):
		c.notice.Fprint(c.out, line)
	default:
		fmt.Fprint(c.out, line)
	}
	if c.prompt {
		fmt.Fprint(c.out, "> ")
	}
}

func (c *Client) showPrompt() {
	if !c.prompt {
		return
	}
	c.printf("> ")
}

func (c *Client) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *Client) errorf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	c.errc.Fprintf(c.out, format, args...)
}

func (c *Client) Close() error {
	c.quitOnce.Do(func() { close(c.quit) })
	if c.conn == nil {
		return nil
	}
	c.closing.Store(true)
	return c.conn.Close()
}
