package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/omochice/roomchat/internal/client"
	"github.com/omochice/roomchat/internal/logging"
	"github.com/omochice/roomchat/pkg/protocol"
)

type connectFlags struct {
	addr      string
	websocket bool
	path      string
	login     string
	password  string
	timeout   time.Duration
	logLevel  string
}

func (f *connectFlags) bind(cmd *cobra.Command) {
	fs := cmd.PersistentFlags()
	fs.StringVar(&f.addr, "server", "localhost:8080", "server address")
	fs.BoolVar(&f.websocket, "ws", false, "connect through WebSocket instead of raw TCP")
	fs.StringVar(&f.path, "ws-path", "/ws", "WebSocket request path")
	fs.StringVarP(&f.login, "login", "l", "", "account login")
	fs.StringVarP(&f.password, "password", "p", "", "account password")
	fs.DurationVar(&f.timeout, "timeout", 10*time.Second, "timeout for each request")
	fs.StringVar(&f.logLevel, "log-level", "warn", "client log level")
}

func (f *connectFlags) dial(ctx context.Context) (*client.Client, error) {
	if f.login == "" {
		return nil, errors.New("login is required, use --login")
	}

	logger, err := logging.NewWithWriter(os.Stderr, f.logLevel, logging.FormatConsole)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if f.websocket {
		return client.DialWebSocket(ctx, "ws://"+f.addr+f.path, client.WithLogger(logger))
	}
	return client.Dial(ctx, f.addr, client.WithLogger(logger))
}

func main() {
	var flags connectFlags

	rootCmd := &cobra.Command{
		Use:           "roomchat-client",
		Short:         "Command line client for roomchat-server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags.bind(rootCmd)
	rootCmd.AddCommand(registerCmd(&flags), chatCmd(&flags))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func registerCmd(flags *connectFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()

			id, err := c.Register(ctx, flags.login, flags.password)
			if err != nil {
				return err
			}
			if id == protocol.NoIdentity {
				return errors.Errorf("login %q is already registered", flags.login)
			}
			fmt.Printf("registered %s with client id %d\n", flags.login, id)
			return nil
		},
	}
}

func chatCmd(flags *connectFlags) *cobra.Command {
	var (
		roomID   int64
		register bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Log in, join a room and chat from stdin",
		Long: `Log in, join a room and send every line read from stdin to it.
Lines starting with /join <room> move to another room; /quit exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := flags.dial(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			call := func(fn func(context.Context) error) error {
				ctx, cancel := context.WithTimeout(ctx, flags.timeout)
				defer cancel()
				return fn(ctx)
			}

			var id int64
			err = call(func(ctx context.Context) error {
				var err error
				if register {
					id, err = c.Register(ctx, flags.login, flags.password)
				} else {
					id, err = c.Authorise(ctx, flags.login, flags.password)
				}
				return err
			})
			if err != nil {
				return err
			}
			if id == protocol.NoIdentity {
				return errors.New("login refused")
			}

			join := func(room int64) error {
				return call(func(ctx context.Context) error {
					ok, err := c.JoinRoom(ctx, room)
					if err != nil {
						return err
					}
					if !ok {
						return errors.Errorf("room %d refused", room)
					}
					roomID = room
					fmt.Printf("*** joined room %d ***\n", room)
					return nil
				})
			}
			if err := join(roomID); err != nil {
				return err
			}

			go func() {
				for msg := range c.Messages() {
					fmt.Printf("[%d] %s: %s\n", msg.RoomID, msg.Login, msg.Text)
				}
				if err := c.Err(); err != nil && !errors.Is(err, io.EOF) {
					fmt.Fprintf(os.Stderr, "connection lost: %v\n", err)
				}
			}()

			return readLines(ctx, os.Stdin, func(line string) error {
				switch {
				case line == "/quit":
					return io.EOF
				case strings.HasPrefix(line, "/join "):
					var room int64
					if _, err := fmt.Sscanf(strings.TrimPrefix(line, "/join "), "%d", &room); err != nil {
						fmt.Fprintln(os.Stderr, "usage: /join <room>")
						return nil
					}
					if err := join(room); err != nil {
						fmt.Fprintln(os.Stderr, err)
					}
					return nil
				default:
					return c.SendText(roomID, line)
				}
			})
		},
	}

	cmd.Flags().Int64VarP(&roomID, "room", "r", 1, "room to join")
	cmd.Flags().BoolVar(&register, "register", false, "register the login before chatting")
	return cmd
}

// readLines calls fn for every non-empty line of r until EOF, ctx is done or
// fn returns an error. io.EOF from fn ends the loop without error.
func readLines(ctx context.Context, r io.Reader, fn func(string) error) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errc:
					return err
				default:
					return nil
				}
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if err := fn(line); err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
		}
	}
}
