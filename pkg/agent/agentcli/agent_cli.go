package agentcli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-yaml"
	"github.com/neuroplastio/neio-stream/pkg/agent"
	"github.com/neuroplastio/neio-stream/streamapi"
	"github.com/spf13/cobra"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

func Main(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) error {
	dir, err := os.UserConfigDir()
	if err != nil {
		return err
	}
	cmd := NewRootCmd(filepath.Join(dir, "neio-stream"))
	cmd.SetArgs(args)
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	return cmd.ExecuteContext(ctx)
}

type agentProvider func() *agent.Agent

func NewRootCmd(configDir string) *cobra.Command {
	cfg := agent.Config{
		DataDir:      filepath.Join(configDir, "data"),
		StreamConfig: filepath.Join(configDir, "stream.yml"),
	}
	rootCmd := &cobra.Command{
		Use:           "neio-stream",
		Short:         "Sensor event stream broker",
		Long:          `neio-stream runs battery and motion drivers on demand and streams their readings to subscribers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	var a *agent.Agent
	agentProvider := func() *agent.Agent {
		return a
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "data directory")
	flags.StringVar(&cfg.StreamConfig, "config", cfg.StreamConfig, "stream config file")
	flags.StringVar(&cfg.HTTPAddr, "http", "", "debug HTTP listen address, e.g. 127.0.0.1:9090")
	flags.StringVar(&cfg.Log.Level, "log-level", "info", "log level")
	flags.StringVar(&cfg.Log.File, "log-file", "", "rotated JSON log file")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		var err error
		a, err = agent.NewAgent(cfg)
		return err
	}
	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		if a == nil {
			return nil
		}
		return a.Close()
	}
	rootCmd.AddCommand(NewRun(agentProvider))
	rootCmd.AddCommand(NewWatch(agentProvider))
	rootCmd.AddCommand(NewListChannels(agentProvider))
	return rootCmd
}

func NewRun(agent agentProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the stream broker",
		Long:  `Run the stream broker with its catalog, config watcher and optional debug HTTP server until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return agent().Run(cmd.Context())
		},
	}
}

type watchEvent struct {
	Channel string          `json:"channel"`
	Value   streamapi.Value `json:"value"`
}

func NewWatch(agent agentProvider) *cobra.Command {
	var (
		count    int
		jsonLine bool
	)
	cmd := &cobra.Command{
		Use:   "watch <channel>...",
		Short: "Print events of one or more channels",
		Long:  `Subscribe to the given channels and print every event until interrupted, every subscription ends, or --count events were printed.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			a := agent()
			stream := a.Stream()

			group, groupCtx := errgroup.WithContext(ctx)
			group.Go(func() error {
				return a.Run(groupCtx)
			})

			var mu sync.Mutex
			out := cmd.OutOrStdout()
			errOut := cmd.ErrOrStderr()
			printed := atomic.NewInt64(0)
			show := func(channel string, v streamapi.Value) error {
				mu.Lock()
				defer mu.Unlock()
				if count > 0 && printed.Load() >= int64(count) {
					return nil
				}
				if jsonLine {
					b, err := json.Marshal(watchEvent{Channel: channel, Value: v})
					if err != nil {
						return err
					}
					fmt.Fprintln(out, string(b))
				} else {
					fmt.Fprintf(out, "[%s]\n%v\n", channel, v)
				}
				if printed.Inc() == int64(count) {
					cancel()
				}
				return nil
			}

			select {
			case <-stream.Ready():
			case <-groupCtx.Done():
				return group.Wait()
			}
			var subs sync.WaitGroup
			for _, channel := range args {
				sub, err := stream.Subscribe(channel, streamapi.SubscriberFuncs{
					Event: func(v streamapi.Value) error {
						return show(channel, v)
					},
					Error: func(err *streamapi.Error) {
						mu.Lock()
						defer mu.Unlock()
						fmt.Fprintf(errOut, "%s: %s\n", channel, err.Error())
					},
				})
				if err != nil {
					cancel()
					_ = group.Wait()
					return err
				}
				subs.Add(1)
				go func() {
					defer subs.Done()
					select {
					case <-sub.Done():
					case <-groupCtx.Done():
						sub.Cancel()
					}
				}()
			}
			subs.Wait()
			cancel()
			return group.Wait()
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "stop after this many events (0 means no limit)")
	cmd.Flags().BoolVar(&jsonLine, "json", false, "print one JSON object per event")
	return cmd
}

type channelListing struct {
	streamapi.ChannelInfo `yaml:",inline"`
	Activations           uint64 `json:"activations" yaml:"activations"`
	Failures              uint64 `json:"failures" yaml:"failures"`
	LastError             string `json:"lastError,omitempty" yaml:"lastError,omitempty"`
}

func NewListChannels(agent agentProvider) *cobra.Command {
	var asYAML bool
	cmd := &cobra.Command{
		Use:   "list-channels",
		Short: "List channels",
		Long:  `List registered channels with their activation history.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := agent()
			var listing []channelListing
			for _, info := range a.Stream().Channels() {
				item := channelListing{ChannelInfo: info}
				if rec, err := a.Catalog().Get(info.Name); err == nil {
					item.Activations = rec.Activations
					item.Failures = rec.Failures
					if rec.LastError != nil {
						item.LastError = fmt.Sprintf("%s: %s", rec.LastError.Kind, rec.LastError.Message)
					}
				}
				listing = append(listing, item)
			}
			var (
				b   []byte
				err error
			)
			if asYAML {
				b, err = yaml.Marshal(listing)
			} else {
				b, err = json.MarshalIndent(listing, "", "  ")
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "print YAML instead of JSON")
	return cmd
}
