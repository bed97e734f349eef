package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/chatmerge/internal/bus"
	"github.com/kalambet/chatmerge/internal/config"
	"github.com/kalambet/chatmerge/internal/conversation"
	"github.com/kalambet/chatmerge/internal/extract"
	"github.com/kalambet/chatmerge/internal/monitor"
	"github.com/kalambet/chatmerge/internal/relay"
	"github.com/kalambet/chatmerge/internal/storage"
)

// --- conversations ---

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "List, show or delete stored conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recently updated first",
	RunE: func(cmd *cobra.Command, args []string) error {
		folder, _ := cmd.Flags().GetString("folder")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/api/conversations"
		if folder != "" {
			path += "?folder=" + url.QueryEscape(folder)
		}
		var convs []storage.DBConversation
		if err := client.call(cmd.Context(), http.MethodGet, path, nil, &convs); err != nil {
			return err
		}
		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		writeConversations(os.Stdout, convs)
		return nil
	},
}

var conversationsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one conversation with its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var c storage.DBConversation
		if err := client.call(cmd.Context(), http.MethodGet, "/api/conversations/"+url.PathEscape(args[0]), nil, &c); err != nil {
			return err
		}
		if asJSON {
			return printJSON(c)
		}

		fmt.Println(colorize(colorBold, c.Title))
		fmt.Printf("%s  %d messages", c.Platform, c.Metadata.MessageCount)
		if c.PlatformURL != "" {
			fmt.Printf("  %s", c.PlatformURL)
		}
		fmt.Println()
		for _, m := range c.Messages {
			label := colorize(colorGreen, "user")
			if m.Role == conversation.RoleAssistant {
				label = colorize(colorCyan, "assistant")
			}
			fmt.Printf("\n%s\n%s\n", label, m.Content)
		}
		return nil
	},
}

var conversationsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.call(cmd.Context(), http.MethodDelete, "/api/conversations/"+url.PathEscape(args[0]), nil, nil); err != nil {
			return err
		}
		printSuccess("Deleted conversation %s", args[0])
		return nil
	},
}

func init() {
	conversationsListCmd.Flags().String("folder", "", `folder id, or "root" for unfiled conversations`)
	conversationsShowCmd.Flags().Bool("json", false, "print the stored record as JSON")
	conversationsCmd.AddCommand(conversationsListCmd, conversationsShowCmd, conversationsDeleteCmd)
}

// --- search ---

func searchPath(terms []string, platforms string, limit int) string {
	q := url.Values{}
	q.Set("q", strings.Join(terms, " "))
	if platforms != "" {
		q.Set("platform", platforms)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	return "/api/search?" + q.Encode()
}

var searchCmd = &cobra.Command{
	Use:   "search <terms...>",
	Short: "Search conversations; every term must match",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		platforms, _ := cmd.Flags().GetString("platform")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var res storage.SearchResult
		if err := client.call(cmd.Context(), http.MethodGet, searchPath(args, platforms, limit), nil, &res); err != nil {
			return err
		}
		if res.Total == 0 {
			fmt.Println("No results found.")
			return nil
		}
		writeConversations(os.Stdout, res.Conversations)
		if res.HasMore {
			printStatus("Showing", "%d of %d", len(res.Conversations), res.Total)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().String("platform", "", "comma-separated platforms to restrict to")
	searchCmd.Flags().Int("limit", 20, "maximum number of results")
}

// --- folders ---

var foldersCmd = &cobra.Command{
	Use:   "folders",
	Short: "Manage conversation folders",
}

var foldersListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the folder tree",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var tree []storage.FolderNode
		if err := client.call(cmd.Context(), http.MethodGet, "/api/folders/tree", nil, &tree); err != nil {
			return err
		}
		if len(tree) == 0 {
			fmt.Println("No folders.")
			return nil
		}
		writeTree(os.Stdout, tree, 0)
		return nil
	},
}

var foldersCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		parent, _ := cmd.Flags().GetString("parent")

		body := storage.DBFolder{Name: args[0]}
		if parent != "" {
			body.ParentID = &parent
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var f storage.DBFolder
		if err := client.call(cmd.Context(), http.MethodPost, "/api/folders", body, &f); err != nil {
			return err
		}
		printSuccess("Created folder %s (%s)", f.Name, f.ID)
		return nil
	},
}

var foldersDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		moveToRoot, _ := cmd.Flags().GetBool("move-to-root")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/api/folders/" + url.PathEscape(args[0])
		if moveToRoot {
			path += "?moveToRoot=true"
		}
		if err := client.call(cmd.Context(), http.MethodDelete, path, nil, nil); err != nil {
			return err
		}
		printSuccess("Deleted folder %s", args[0])
		return nil
	},
}

func init() {
	foldersCreateCmd.Flags().String("parent", "", "parent folder id")
	foldersDeleteCmd.Flags().Bool("move-to-root", false, "move contained conversations and subfolders to the root")
	foldersCmd.AddCommand(foldersListCmd, foldersCreateCmd, foldersDeleteCmd)
}

// --- export / import ---

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export every conversation, folder and setting as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/export")
		if err != nil {
			return err
		}
		data, err := readRaw(resp)
		if err != nil {
			return err
		}

		if output == "" {
			_, err := os.Stdout.Write(data)
			return err
		}
		if err := os.WriteFile(output, data, 0o600); err != nil {
			return fmt.Errorf("writing export: %w", err)
		}
		printSuccess("Data exported to %s", output)
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a JSON export",
	Long: `Import a JSON export.

Strategies:
  merge          insert new records and overwrite existing ids (default)
  skip-existing  insert only records whose id is not stored yet
  replace        delete everything first, then insert`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy, _ := cmd.Flags().GetString("strategy")
		if _, err := storage.ParseMergeStrategy(strategy); err != nil {
			return err
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading import file: %w", err)
		}
		if !json.Valid(data) {
			return fmt.Errorf("%s is not valid JSON", args[0])
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var res storage.ImportResult
		if err := client.call(cmd.Context(), http.MethodPost, "/api/import?strategy="+url.QueryEscape(strategy), json.RawMessage(data), &res); err != nil {
			return err
		}

		printSuccess("Imported %d/%d conversations and %d/%d folders",
			res.ImportedConversations, res.TotalConversations, res.ImportedFolders, res.TotalFolders)
		if res.Skipped > 0 {
			printStatus("Skipped", "%d", res.Skipped)
		}
		for _, e := range res.Errors {
			printWarning("%s", e)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().String("output", "", "output file path (default: stdout)")
	importCmd.Flags().String("strategy", "merge", "merge strategy: merge, skip-existing or replace")
}

// --- extract / watch ---

// extractFile runs the platform extractor over a saved HTML page.
func extractFile(path, pageURL string) (*conversation.Conversation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	page, err := extract.ParsePage(f, pageURL)
	if err != nil {
		return nil, err
	}
	conv, err := extract.ExtractPage(page, time.Now())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return conv, nil
}

// relayClient posts envelopes to the relay's internal message endpoint.
type relayClient struct {
	url        string
	httpClient *http.Client
}

func newRelayClient() (*relayClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &relayClient{
		url:        strings.TrimRight(cfg.Relay.URL, "/") + "/relay/message",
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (c *relayClient) send(ctx context.Context, typ string, conv *conversation.Conversation) (relay.Response, error) {
	env, err := relay.NewEnvelope(typ, conv)
	if err != nil {
		return relay.Response{}, err
	}
	env.Platform = conv.Platform
	env.Timestamp = time.Now().UnixMilli()
	body, err := json.Marshal(env)
	if err != nil {
		return relay.Response{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return relay.Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return relay.Response{}, fmt.Errorf("relay not reachable, is chatmerge running? (%w)", err)
	}
	defer resp.Body.Close()

	var out relay.Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return relay.Response{}, fmt.Errorf("decoding relay response: %w", err)
	}
	if !out.Success {
		return out, fmt.Errorf("relay rejected %s: %s", typ, out.Error)
	}
	return out, nil
}

var extractCmd = &cobra.Command{
	Use:   "extract <file.html>",
	Short: "Extract a conversation from a saved chat page",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pageURL, _ := cmd.Flags().GetString("url")
		send, _ := cmd.Flags().GetBool("send")

		conv, err := extractFile(args[0], pageURL)
		if err != nil {
			return err
		}
		if conv == nil {
			printWarning("No conversation found in %s", args[0])
			return nil
		}
		if !send {
			return printJSON(conv)
		}

		rc, err := newRelayClient()
		if err != nil {
			return err
		}
		if _, err := rc.send(cmd.Context(), relay.TypeConversationDetected, conv); err != nil {
			return err
		}
		printSuccess("Sent %q (%d messages) to the relay", conv.Title, conv.Metadata.MessageCount)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Watch a directory of saved chat pages and sync every change",
	Long: `Watch a directory of saved chat pages and sync every change.

Each new page is extracted and sent to the relay at once. Later saves of the
same file are debounced like live page updates before being re-extracted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		debounce, _ := cmd.Flags().GetDuration("debounce")

		rc, err := newRelayClient()
		if err != nil {
			return err
		}
		w, err := monitor.NewWatcher(args[0])
		if err != nil {
			return err
		}
		defer w.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		monitors := make(map[string]*monitor.Monitor)
		defer func() {
			for _, m := range monitors {
				m.Close()
			}
		}()

		printStep("Watching %s", args[0])
		err = w.Run(ctx, func(path string, b monitor.Batch) {
			if m, seen := monitors[path]; seen {
				m.Observe(b)
				return
			}
			m := monitor.New(debounce, 0, func(tr monitor.Trigger) {
				syncSnapshot(ctx, rc, path, tr)
			})
			monitors[path] = m
			m.StartExtraction()
		})
		if err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

func syncSnapshot(ctx context.Context, rc *relayClient, path string, tr monitor.Trigger) {
	conv, err := extractFile(path, "")
	if err != nil {
		printError("%v", err)
		return
	}
	if conv == nil {
		slog.Debug("no conversation in snapshot", "path", path)
		return
	}
	typ := relay.TypeConversationUpdated
	if tr == monitor.TriggerStart {
		typ = relay.TypeConversationDetected
	}
	out, err := rc.send(ctx, typ, conv)
	if err != nil {
		printError("%s: %v", path, err)
		return
	}
	queued := false
	if m, isMap := out.Data.(map[string]any); isMap {
		queued, _ = m["queued"].(bool)
	}
	if queued {
		printWarning("%s: web app unavailable, queued %q", path, conv.Title)
		return
	}
	printSuccess("%s: synced %q (%d messages)", path, conv.Title, conv.Metadata.MessageCount)
}

func init() {
	extractCmd.Flags().String("url", "", "page URL (default: read from the saved page)")
	extractCmd.Flags().Bool("send", false, "send the conversation to the running relay instead of printing it")
	watchCmd.Flags().Duration("debounce", 2*time.Second, "quiet period after a save before re-extracting")
}

// --- follow ---

var followCmd = &cobra.Command{
	Use:   "follow",
	Short: "Print conversation events published on NATS",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.NATS.URL == "" {
			return fmt.Errorf("nats.url is not set; run: chatmerge config set nats.url nats://127.0.0.1:4222")
		}

		nc, err := bus.NewClient(cfg.NATS.URL, cfg.NATS.Token, slog.Default())
		if err != nil {
			return err
		}
		defer nc.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		err = nc.SubscribeConversations(func(ev bus.ConversationEvent) {
			fmt.Printf("%s  %-8s  %-10s  %s (%d messages)\n",
				ev.PublishedAt.Local().Format("15:04:05"),
				colorize(colorCyan, ev.Event),
				ev.Platform,
				truncate(ev.Conversation.Title, 60),
				ev.Conversation.Metadata.MessageCount,
			)
		})
		if err != nil {
			return err
		}
		printStep("Following %s (Ctrl-C to stop)", bus.SubjectAll)
		<-ctx.Done()
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key> <value>",
	Short: "Store a secret (nats.token) in the platform secret store",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetSecret(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Stored %s", args[0])
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd, configSetSecretCmd)
}
