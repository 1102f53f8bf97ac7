package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/engram/internal/config"
)

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a document into a user's memory",
	Long: `Upload a document into a user's memory.

Examples:
  engram upload ./notes.md --user alice
  engram upload ./handbook.pdf --user alice --name "Employee handbook"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		name, _ := cmd.Flags().GetString("name")
		if userID == "" {
			return fmt.Errorf("--user is required")
		}

		path := args[0]
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}
		if name == "" {
			name = filepath.Base(path)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"user_id":  userID,
			"filename": name,
			"content":  base64.StdEncoding.EncodeToString(data),
		}
		resp, err := client.post(cmd.Context(), "/v1/documents", req)
		if err != nil {
			return err
		}

		var doc struct {
			ID         string `json:"id"`
			ChunkCount int    `json:"chunk_count"`
		}
		if err := decodeJSON(resp, &doc); err != nil {
			return err
		}

		printSuccess("Indexed %s as %s (%d chunks)", name, doc.ID, doc.ChunkCount)
		return nil
	},
}

func init() {
	uploadCmd.Flags().String("user", "", "user the document belongs to")
	uploadCmd.Flags().String("name", "", "display name for the document (default: file name)")
}

// --- docs ---

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Manage uploaded documents",
}

var docsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		if userID == "" {
			return fmt.Errorf("--user is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/documents?user_id="+url.QueryEscape(userID))
		if err != nil {
			return err
		}

		var docs []struct {
			ID         string `json:"id"`
			Filename   string `json:"filename"`
			FileType   string `json:"file_type"`
			ChunkCount int    `json:"chunk_count"`
			CreatedAt  string `json:"created_at"`
		}
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}

		if len(docs) == 0 {
			fmt.Println("No documents found.")
			return nil
		}
		for _, d := range docs {
			fmt.Printf("%s  %-5s  %3d chunks  %s\n",
				colorize(colorCyan, d.ID[:8]),
				d.FileType,
				d.ChunkCount,
				d.Filename,
			)
		}
		return nil
	},
}

var docsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a document and its chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		if userID == "" {
			return fmt.Errorf("--user is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/v1/documents/%s?user_id=%s", args[0], url.QueryEscape(userID))
		resp, err := client.delete(cmd.Context(), path)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted document %s", args[0])
		return nil
	},
}

func init() {
	docsListCmd.Flags().String("user", "", "user whose documents to list")
	docsDeleteCmd.Flags().String("user", "", "user the document belongs to")
	docsCmd.AddCommand(docsListCmd)
	docsCmd.AddCommand(docsDeleteCmd)
}

// --- recall ---

var recallCmd = &cobra.Command{
	Use:   "recall <query>",
	Short: "Semantic search over a user's documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		userID, _ := cmd.Flags().GetString("user")
		limit, _ := cmd.Flags().GetInt("limit")
		if userID == "" {
			return fmt.Errorf("--user is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"user_id": userID,
			"query":   query,
			"limit":   limit,
		}
		resp, err := client.post(cmd.Context(), "/v1/recall", req)
		if err != nil {
			return err
		}

		var results []struct {
			ID         string  `json:"id"`
			DocumentID string  `json:"document_id"`
			Text       string  `json:"text"`
			Score      float32 `json:"score"`
			SourceName string  `json:"source_name"`
		}
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}

		if len(results) == 0 {
			fmt.Println("No results found.")
			return nil
		}
		for i, r := range results {
			fmt.Printf("\n%s [score: %.3f]\n", colorize(colorBold, fmt.Sprintf("Result %d", i+1)), r.Score)
			if r.SourceName != "" {
				fmt.Printf("  Source: %s\n", r.SourceName)
			}
			text := r.Text
			if len(text) > 500 {
				text = text[:500] + "..."
			}
			fmt.Printf("  %s\n", text)
		}
		return nil
	},
}

func init() {
	recallCmd.Flags().String("user", "", "user whose memory to search")
	recallCmd.Flags().Int("limit", 5, "maximum number of results")
}

// --- profile ---

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage user profiles",
}

var profileShowCmd = &cobra.Command{
	Use:   "show <user>",
	Short: "Show a user's profile as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/profile/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var profile any
		if err := decodeJSON(resp, &profile); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(profile)
	},
}

var profileSetCmd = &cobra.Command{
	Use:   "set <user>",
	Short: "Set profile fields directly",
	Long: `Set profile fields directly, bypassing extraction.

Examples:
  engram profile set alice --name "Alice" --location "Denver"
  engram profile set alice --interest hiking --interest climbing`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{}
		for flag, key := range map[string]string{
			"name":       "name",
			"location":   "location",
			"profession": "profession",
		} {
			if v, _ := cmd.Flags().GetString(flag); v != "" {
				body[key] = v
			}
		}
		for flag, key := range map[string]string{
			"interest":   "interests",
			"preference": "preferences",
			"opinion":    "opinions",
		} {
			if vs, _ := cmd.Flags().GetStringArray(flag); len(vs) > 0 {
				body[key] = vs
			}
		}
		if len(body) == 0 {
			return fmt.Errorf("at least one profile flag is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.patch(cmd.Context(), "/v1/profile/"+url.PathEscape(args[0]), body)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Profile updated for %s", args[0])
		return nil
	},
}

func init() {
	profileSetCmd.Flags().String("name", "", "user's name")
	profileSetCmd.Flags().String("location", "", "user's location")
	profileSetCmd.Flags().String("profession", "", "user's profession")
	profileSetCmd.Flags().StringArray("interest", nil, "interest to add (repeatable)")
	profileSetCmd.Flags().StringArray("preference", nil, "preference to add (repeatable)")
	profileSetCmd.Flags().StringArray("opinion", nil, "opinion to add (repeatable)")
	profileCmd.AddCommand(profileShowCmd)
	profileCmd.AddCommand(profileSetCmd)
}

// --- sessions ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect or clear conversation sessions",
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session>",
	Short: "Show a session's message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		if userID == "" {
			return fmt.Errorf("--user is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/v1/sessions/%s/messages?user_id=%s", url.PathEscape(args[0]), url.QueryEscape(userID))
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var messages []struct {
			Role      string `json:"role"`
			Content   string `json:"content"`
			CreatedAt string `json:"created_at"`
		}
		if err := decodeJSON(resp, &messages); err != nil {
			return err
		}

		if len(messages) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range messages {
			content := m.Content
			if len(content) > 200 {
				content = content[:200] + "..."
			}
			fmt.Printf("%s %s  %s\n", colorize(colorBold, fmt.Sprintf("%-9s", m.Role)), m.CreatedAt, content)
		}
		return nil
	},
}

var sessionsClearCmd = &cobra.Command{
	Use:   "clear <session>",
	Short: "Delete a session's message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		confirm, _ := cmd.Flags().GetBool("confirm")
		if userID == "" {
			return fmt.Errorf("--user is required")
		}
		if !confirm {
			printWarning("This will delete all messages in session %s. Use --confirm to proceed.", args[0])
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/v1/sessions/%s?user_id=%s", url.PathEscape(args[0]), url.QueryEscape(userID))
		resp, err := client.delete(cmd.Context(), path)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Cleared session %s", args[0])
		return nil
	},
}

func init() {
	sessionsShowCmd.Flags().String("user", "", "user the session belongs to")
	sessionsClearCmd.Flags().String("user", "", "user the session belongs to")
	sessionsClearCmd.Flags().Bool("confirm", false, "confirm session deletion")
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsClearCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, kv := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, kv.Key), kv.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
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

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value, reverting to the default",
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
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
