package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/engram/internal/api"
	"github.com/kalambet/engram/internal/composer"
	"github.com/kalambet/engram/internal/config"
	"github.com/kalambet/engram/internal/documents"
	"github.com/kalambet/engram/internal/embedding"
	"github.com/kalambet/engram/internal/extract"
	"github.com/kalambet/engram/internal/llm"
	"github.com/kalambet/engram/internal/pipeline"
	"github.com/kalambet/engram/internal/profile"
	"github.com/kalambet/engram/internal/reranking"
	"github.com/kalambet/engram/internal/retrieval"
	"github.com/kalambet/engram/internal/rewrite"
	"github.com/kalambet/engram/internal/storage"
	"github.com/kalambet/engram/internal/worker"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the engram server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running engram server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engram system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "engram.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func newLLMClient(cfg config.Config) llm.Client {
	if cfg.LLM.Provider == "openrouter" {
		return llm.NewOpenAIClient(cfg.LLM.OpenRouterAPIKey)
	}
	return llm.NewOllamaClient(cfg.LLM.BaseURL)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "engram version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
	logger := slog.Default()

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/healthz", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("engram is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("engram is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Check inference backend reachability. The server still starts without
	// it; embedding falls back to hashes if configured, and chat-dependent
	// stages degrade per request.
	client := newLLMClient(cfg)
	if !client.IsRunning(ctx) {
		printWarning("LLM backend (%s) is not reachable; extraction and rewriting will be skipped until it is", cfg.LLM.Provider)
	}

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Build the memory stack.
	embedOpts := []embedding.Option{}
	if cfg.Embedding.HashFallback {
		embedOpts = append(embedOpts, embedding.WithHashFallback())
	}
	embedder, err := embedding.New(client, cfg.Embedding.Model, cfg.Embedding.Dimensions, embedOpts...)
	if err != nil {
		return fmt.Errorf("building embedder: %w", err)
	}

	var chunkIndex retrieval.ChunkIndex
	if cfg.Storage.VectorBackend == "chromem" {
		chromem := retrieval.NewChromemChunkIndex()
		if err := chromem.Warm(ctx, store); err != nil {
			return fmt.Errorf("warming chunk index: %w", err)
		}
		chunkIndex = chromem
	} else {
		chunkIndex = retrieval.NewSQLiteChunkIndex(store)
	}

	retriever := retrieval.NewRetriever(store, embedder, logger)
	docs := documents.NewService(store, chunkIndex, embedder, cfg.Documents.ChunkSize, cfg.Documents.ChunkOverlap, logger)
	profileMgr := profile.NewManager(store, embedder, logger)
	extractor := extract.NewExtractor(client, cfg.LLM.FastModel, logger)
	rewriter := rewrite.NewRewriter(client, cfg.LLM.FastModel, logger)

	rerankTimeout, err := time.ParseDuration(cfg.Reranking.Timeout)
	if err != nil {
		logger.Warn("invalid reranking timeout, using default 5s", "value", cfg.Reranking.Timeout, "error", err)
		rerankTimeout = 5 * time.Second
	}
	reranker := reranking.NewReranker(
		client,
		cfg.LLM.FastModel,
		cfg.Reranking.Enabled,
		rerankTimeout,
		cfg.Reranking.Threshold,
		cfg.Reranking.TopK,
	)

	comp := composer.New(cfg.Memory.MaxContextTokens)
	enricher := pipeline.NewEnricher(store, rewriter, retriever, docs, reranker, profileMgr, comp, pipeline.Options{
		ShortTermWindow: cfg.Memory.ShortTermWindow,
		VectorLimit:     cfg.Memory.VectorLimit,
		ChunkTopK:       cfg.Memory.ChunkTopK,
	}, logger)

	// Start the background job worker.
	w := worker.NewWorker(store, embedder, extractor, profileMgr, 500*time.Millisecond)
	go w.Run(ctx)

	// Build HTTP handler and server.
	handler := api.NewHandler(api.AppDeps{
		Store:     store,
		Enricher:  enricher,
		Documents: docs,
		Profile:   profileMgr,
		Token:     cfg.Auth.Token,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Build and start MCP server (streamable HTTP transport).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Recorder:  enricher,
		Retriever: retriever,
		Documents: docs,
		Profile:   profileMgr,
	})
	mcpAddr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.MCPPort)
	httpMCP := server.NewStreamableHTTPServer(mcpSrv)
	go func() {
		logger.Info("MCP server listening", "addr", mcpAddr)
		if err := httpMCP.Start(mcpAddr); err != nil && err != http.ErrServerClosed {
			logger.Error("MCP server error", "error", err)
		}
	}()

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "engram listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpMCP.Shutdown(shutdownCtx); err != nil {
		logger.Warn("MCP server shutdown", "error", err)
	}
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("engram is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop engram (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to engram (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	// Check server health.
	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/healthz")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	// Check the inference backend.
	checkCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if newLLMClient(cfg).IsRunning(checkCtx) {
		printStatus("LLM backend", "%s reachable", cfg.LLM.Provider)
	} else {
		printStatus("LLM backend", "%s not reachable", cfg.LLM.Provider)
	}

	printStatus("Chat model", "%s", cfg.LLM.ChatModel)
	printStatus("Fast model", "%s", cfg.LLM.FastModel)
	printStatus("Embed model", "%s", cfg.Embedding.Model)
	printStatus("Vector backend", "%s", cfg.Storage.VectorBackend)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
