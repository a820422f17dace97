package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dunamismax/scenecast/internal/domain"
	"github.com/spf13/cobra"
)

const localFilePrefix = "file:"

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var (
		compositionID string
		chunkFrames   int
		webhookURL    string
		asJSON        bool
	)

	cmd := &cobra.Command{
		Use:   "submit <request.json>",
		Short: "Submit a render request",
		Long: "Submit a render request read from a JSON file. Asset sources of the form " +
			"file:<path> are read from disk (relative to the request file) and sent inline.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := loadRenderRequest(args[0])
			if err != nil {
				return err
			}
			if compositionID != "" {
				req.CompositionID = compositionID
			}
			if chunkFrames > 0 {
				req.ChunkFrames = chunkFrames
			}
			if webhookURL != "" {
				req.WebhookURL = webhookURL
			}
			if err := req.Validate(); err != nil {
				return fmt.Errorf("invalid request: %w", err)
			}

			sub, err := ctx.client().SubmitRender(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("submit render: %w", err)
			}
			if asJSON {
				return writeJSON(cmd, sub)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderFields([][2]string{
				{"Job", sub.JobID},
				{"Storage", orDash(sub.StorageLocation)},
				{"Inline assets", strconv.Itoa(req.Manifest.InlineCount())},
				{"Webhook watch", sub.Watch},
			}))
			fmt.Fprintf(cmd.OutOrStdout(), "Follow with: scenecastctl watch %s --storage-location %s\n", sub.JobID, sub.StorageLocation)
			return nil
		},
	}

	cmd.Flags().StringVar(&compositionID, "composition", "", "Override composition_id")
	cmd.Flags().IntVar(&chunkFrames, "chunk-frames", 0, "Override chunk_frames")
	cmd.Flags().StringVar(&webhookURL, "webhook", "", "Webhook URL notified when the render finishes")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the API response as JSON")
	return cmd
}

func loadRenderRequest(path string) (domain.CreateRenderRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.CreateRenderRequest{}, fmt.Errorf("read request: %w", err)
	}
	var req domain.CreateRenderRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return domain.CreateRenderRequest{}, fmt.Errorf("parse request %s: %w", path, err)
	}
	if err := inlineLocalFiles(&req.Manifest, filepath.Dir(path)); err != nil {
		return domain.CreateRenderRequest{}, err
	}
	return req, nil
}

// inlineLocalFiles replaces file:<path> sources with data URLs.
func inlineLocalFiles(manifest *domain.AssetManifest, baseDir string) error {
	for i := range manifest.Scenes {
		if err := inlineAsset(manifest.Scenes[i].Asset, baseDir); err != nil {
			return fmt.Errorf("scene %d: %w", i, err)
		}
	}
	if err := inlineAsset(manifest.Narration, baseDir); err != nil {
		return fmt.Errorf("narration: %w", err)
	}
	return nil
}

func inlineAsset(asset *domain.MediaAsset, baseDir string) error {
	if asset == nil {
		return nil
	}
	rel, ok := strings.CutPrefix(asset.Source, localFilePrefix)
	if !ok {
		return nil
	}

	path := rel
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read asset: %w", err)
	}

	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mediaType
	}

	asset.Source = "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
	return nil
}
