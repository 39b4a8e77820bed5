package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/paygate/internal/client"
	"github.com/alfredjeanlab/paygate/internal/ui"
)

// profileFile is the TOML file of named gate deployments, one per store or
// device fleet:
//
//	active = "store-42"
//
//	[remotes.store-42]
//	url = "https://paygate.store42.example"
//	token = "..."
//	nats_url = "nats://store42:4222"
type profileFile struct {
	Active  string            `toml:"active" json:"active,omitempty"`
	Remotes map[string]Remote `toml:"remotes" json:"remotes"`
}

type Remote struct {
	URL     string `toml:"url" json:"url"`
	Token   string `toml:"token,omitempty" json:"token,omitempty"`
	NATSURL string `toml:"nats_url,omitempty" json:"nats_url,omitempty"`
}

var errNoActiveRemote = errors.New("no active remote; pass a name or run 'paygate remote use <name>'")

// profilesPath honours PAYGATE_REMOTES_FILE, else
// ~/.local/state/paygate/remotes.toml.
func profilesPath() (string, error) {
	if p := os.Getenv("PAYGATE_REMOTES_FILE"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "state", "paygate", "remotes.toml"), nil
}

func readProfiles() (*profileFile, error) {
	pf := &profileFile{Remotes: map[string]Remote{}}
	path, err := profilesPath()
	if err != nil {
		return nil, err
	}
	if _, err := toml.DecodeFile(path, pf); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if pf.Remotes == nil {
		pf.Remotes = map[string]Remote{}
	}
	return pf, nil
}

// write replaces the file atomically; tokens live here so it stays 0600.
func (pf *profileFile) write() error {
	path, err := profilesPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".remotes-*.toml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := toml.NewEncoder(tmp).Encode(pf); err != nil {
		tmp.Close()
		return fmt.Errorf("encode remotes: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// lookup resolves name, or the active remote when name is empty.
func (pf *profileFile) lookup(name string) (string, Remote, error) {
	if name == "" {
		name = pf.Active
	}
	if name == "" {
		return "", Remote{}, errNoActiveRemote
	}
	r, ok := pf.Remotes[name]
	if !ok {
		return "", Remote{}, fmt.Errorf("remote %q not found", name)
	}
	return name, r, nil
}

func (pf *profileFile) names() []string {
	names := make([]string, 0, len(pf.Remotes))
	for name := range pf.Remotes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// editProfiles loads, applies fn, and writes back only when fn succeeds.
func editProfiles(fn func(pf *profileFile) error) error {
	pf, err := readProfiles()
	if err != nil {
		return err
	}
	if err := fn(pf); err != nil {
		return err
	}
	return pf.write()
}

// The active remote feeds flag defaults, so it is read at most once.
var activeRemote = sync.OnceValue(func() Remote {
	pf, err := readProfiles()
	if err != nil {
		return Remote{}
	}
	_, r, err := pf.lookup("")
	if err != nil {
		return Remote{}
	}
	return r
})

func activeRemoteURL() string     { return activeRemote().URL }
func activeRemoteToken() string   { return activeRemote().Token }
func activeRemoteNATSURL() string { return activeRemote().NATSURL }

// redact keeps the first keep bytes of a secret.
func redact(secret string, keep int, fill func(hidden int) string) string {
	if len(secret) <= keep {
		return secret
	}
	return secret[:keep] + fill(len(secret)-keep)
}

func ellipsis(int) string     { return "..." }
func stars(hidden int) string { return strings.Repeat("*", hidden) }

func activeMark(active bool) string {
	if active {
		return "* "
	}
	return "  "
}

var remoteCmd = &cobra.Command{
	Use:     "remote",
	Short:   "Manage named gate deployments",
	GroupID: "system",
	// Profile edits never talk to a server.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
}

var remoteAddCmd = &cobra.Command{
	Use:   "add <name> <url>",
	Short: "Add or update a remote",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, _ := cmd.Flags().GetString("token")
		natsURL, _ := cmd.Flags().GetString("nats")
		use, _ := cmd.Flags().GetBool("use")
		name := args[0]
		url := strings.TrimRight(args[1], "/")

		err := editProfiles(func(pf *profileFile) error {
			pf.Remotes[name] = Remote{URL: url, Token: token, NATSURL: natsURL}
			if use || len(pf.Remotes) == 1 {
				pf.Active = name
			}
			return nil
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "remote %q -> %s\n", name, url)
		return nil
	},
}

var remoteRemoveCmd = &cobra.Command{
	Use:     "remove <name>",
	Aliases: []string{"rm"},
	Short:   "Forget a remote",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		err := editProfiles(func(pf *profileFile) error {
			if _, _, err := pf.lookup(name); err != nil {
				return err
			}
			delete(pf.Remotes, name)
			if pf.Active == name {
				pf.Active = ""
			}
			return nil
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "remote %q removed\n", name)
		return nil
	},
}

var remoteUseCmd = &cobra.Command{
	Use:   "use <name>",
	Short: "Make a remote the default target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		err := editProfiles(func(pf *profileFile) error {
			if _, _, err := pf.lookup(name); err != nil {
				return err
			}
			pf.Active = name
			return nil
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "now targeting %q\n", name)
		return nil
	},
}

var remoteListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List remotes",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		pf, err := readProfiles()
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), redactedProfiles(pf))
		}
		if len(pf.Remotes) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no remotes configured")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "  NAME\tURL\tTOKEN\tBUS")
		for _, name := range pf.names() {
			r := pf.Remotes[name]
			fmt.Fprintf(tw, "%s%s\t%s\t%s\t%s\n", activeMark(name == pf.Active), name, r.URL,
				redact(r.Token, 8, ellipsis), orDash(r.NATSURL))
		}
		return tw.Flush()
	},
}

var remoteShowCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Show one remote (default: the active one)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pf, err := readProfiles()
		if err != nil {
			return err
		}
		name, r, err := pf.lookup(firstArg(args))
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		suffix := ""
		if name == pf.Active {
			suffix = " " + ui.RenderMuted("(active)")
		}
		fmt.Fprintf(tw, "Name:\t%s%s\n", name, suffix)
		fmt.Fprintf(tw, "URL:\t%s\n", r.URL)
		fmt.Fprintf(tw, "Token:\t%s\n", orDash(redact(r.Token, 8, stars)))
		fmt.Fprintf(tw, "Bus:\t%s\n", orDash(r.NATSURL))
		return tw.Flush()
	},
}

var remotePingCmd = &cobra.Command{
	Use:   "ping [name...]",
	Short: "Check gate health on remotes (default: all)",
	RunE: func(cmd *cobra.Command, args []string) error {
		pf, err := readProfiles()
		if err != nil {
			return err
		}
		names := args
		if len(names) == 0 {
			names = pf.names()
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")

		failed := 0
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		for _, name := range names {
			_, r, err := pf.lookup(name)
			if err != nil {
				return err
			}
			status, latency := pingRemote(r, timeout)
			if status != "ok" {
				failed++
			}
			fmt.Fprintf(tw, "%s%s\t%s\t%s\n", activeMark(name == pf.Active), name,
				ui.RenderHealth(status), latency.Round(time.Millisecond))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d remotes unhealthy", failed, len(names))
		}
		return nil
	},
}

func pingRemote(r Remote, timeout time.Duration) (string, time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	start := time.Now()
	status, err := client.NewHTTPClient(r.URL, r.Token).Health(ctx)
	if err != nil {
		return "unreachable", time.Since(start)
	}
	return status, time.Since(start)
}

// redactedProfiles is the --json form of list; tokens never leave masked.
func redactedProfiles(pf *profileFile) profileFile {
	out := profileFile{Active: pf.Active, Remotes: make(map[string]Remote, len(pf.Remotes))}
	for name, r := range pf.Remotes {
		r.Token = redact(r.Token, 8, ellipsis)
		out.Remotes[name] = r
	}
	return out
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	remoteAddCmd.Flags().String("token", "", "bearer token for the gate API")
	remoteAddCmd.Flags().String("nats", "", "NATS URL used by `watch --bus`")
	remoteAddCmd.Flags().Bool("use", false, "make this the active remote")
	remotePingCmd.Flags().Duration("timeout", 3*time.Second, "per-remote health timeout")

	remoteCmd.AddCommand(remoteAddCmd, remoteRemoveCmd, remoteUseCmd, remoteListCmd, remoteShowCmd, remotePingCmd)
}
