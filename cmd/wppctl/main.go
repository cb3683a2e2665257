package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/matheus3301/wppdesk/internal/api"
	"github.com/matheus3301/wppdesk/internal/daemon"
	"github.com/matheus3301/wppdesk/internal/lock"
	"github.com/matheus3301/wppdesk/internal/session"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"
)

type options struct {
	session string
	json    bool
	timeout time.Duration
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "wppctl",
		Short:         "Inspect wppdesk session daemons",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.session, "session", "", "session name (overrides config default)")
	cmd.PersistentFlags().BoolVar(&opts.json, "json", false, "output in JSON format")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "daemon request timeout")

	cmd.AddCommand(newStatusCommand(opts), newChatsCommand(opts), newSessionsCommand(opts))
	return cmd
}

func newStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the session's push channel is connected",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name := session.Resolve(opts.session)
			if err := session.ValidateName(name); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			resp, err := checkHealth(ctx, session.SocketPath(name))
			if err != nil {
				return fmt.Errorf("cannot reach daemon for session %q: %w", name, err)
			}
			return printStatus(cmd.OutOrStdout(), name, resp, opts.json)
		},
	}
}

func checkHealth(ctx context.Context, socketPath string) (*healthpb.HealthCheckResponse, error) {
	cc, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cc.Close() }()
	return healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{Service: daemon.ServiceName})
}

func printStatus(w io.Writer, name string, resp *healthpb.HealthCheckResponse, asJSON bool) error {
	if asJSON {
		out, err := protojson.MarshalOptions{Multiline: true, EmitUnpopulated: true}.Marshal(resp)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(out))
		return err
	}
	connected := "no"
	if resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
		connected = "yes"
	}
	_, err := fmt.Fprintf(w, "Session:   %s\nConnected: %s\n", name, connected)
	return err
}

func newChatsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "chats",
		Short: "List the session's chats, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name := session.Resolve(opts.session)
			if err := session.ValidateName(name); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			chats, err := fetchChats(ctx, session.APISocketPath(name))
			if err != nil {
				return fmt.Errorf("cannot reach daemon for session %q: %w", name, err)
			}
			return printChats(cmd.OutOrStdout(), chats, opts.json)
		},
	}
}

func fetchChats(ctx context.Context, socketPath string) ([]api.ChatView, error) {
	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://wppd/v1/chats", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("daemon returned %s", resp.Status)
	}
	var chats []api.ChatView
	if err := json.NewDecoder(resp.Body).Decode(&chats); err != nil {
		return nil, fmt.Errorf("decode chats: %w", err)
	}
	return chats, nil
}

func printChats(w io.Writer, chats []api.ChatView, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(chats)
	}
	if len(chats) == 0 {
		_, err := fmt.Fprintln(w, "No chats.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tUNREAD\tID")
	for _, c := range chats {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\n", c.Name, c.UnreadCount, c.ID)
	}
	return tw.Flush()
}

func newSessionsCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage local sessions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List known sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			names, err := session.List()
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			return printSessions(cmd.OutOrStdout(), names, opts.json)
		},
	})
	return cmd
}

// daemonPID reads the owner of a session lock; 0 means no daemon holds it.
func daemonPID(name string) int {
	data, err := os.ReadFile(filepath.Join(session.Dir(name), lock.FileName))
	if err != nil {
		return 0
	}
	return lock.Owner(string(data))
}

func printSessions(w io.Writer, names []string, asJSON bool) error {
	if asJSON {
		for _, n := range names {
			if _, err := fmt.Fprintf(w, "{\"name\":%q,\"pid\":%d}\n", n, daemonPID(n)); err != nil {
				return err
			}
		}
		return nil
	}
	if len(names) == 0 {
		_, err := fmt.Fprintln(w, "No sessions found.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tDAEMON\tPATH")
	for _, n := range names {
		state := "stopped"
		if pid := daemonPID(n); pid > 0 {
			state = fmt.Sprintf("running (pid %d)", pid)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", n, state, session.Dir(n))
	}
	return tw.Flush()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
