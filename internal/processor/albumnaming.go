package processor

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pixelforge/gallery-core/internal/blob"
	"github.com/pixelforge/gallery-core/internal/catalog"
	"github.com/pixelforge/gallery-core/internal/modelclient"
	"github.com/pixelforge/gallery-core/internal/storage"
)

// representativeImageCount is the number of highest-scored images sent to
// the model as naming context.
const representativeImageCount = 3

// defaultSystemPrompt is prepended to every naming prompt. It is a fixed
// constant; it is not read from the settings table.
const defaultSystemPrompt = "You name photo albums. Reply with a short, evocative name only — no quotes, no explanation."

// AlbumNaming implements the manual-only album-naming processor:
// FindPendingItems always returns empty since a rename is always
// user-triggered, never discovered.
type AlbumNaming struct {
	Catalog catalog.Store
	Storage *storage.Manager
}

func (p *AlbumNaming) TaskKind() modelclient.TaskKind { return modelclient.TaskAlbumNaming }

func (p *AlbumNaming) FindPendingItems(ctx context.Context, modelName string, limit int) ([]string, error) {
	return nil, nil
}

// Process expects itemID to be an album id; it is enqueued directly by the
// user-facing handler that triggers a rename, not by discovery.
func (p *AlbumNaming) Process(ctx context.Context, itemID, modelName string, client modelclient.Client) error {
	albumID, err := strconv.ParseInt(itemID, 10, 64)
	if err != nil {
		return fmt.Errorf("processor: album-naming bad item id %q: %w", itemID, err)
	}

	album, err := p.Catalog.Album(ctx, albumID)
	if err != nil {
		return err
	}

	images, err := p.Catalog.RepresentativeImages(ctx, albumID, representativeImageCount)
	if err != nil {
		return err
	}
	if len(images) == 0 {
		return fmt.Errorf("processor: album %d has no representative images", albumID)
	}

	payloads := make([]modelclient.ImagePayload, len(images))
	for i, img := range images {
		data, err := downloadImage(ctx, p.Storage, img)
		if err != nil {
			return err
		}
		payloads[i] = modelclient.ImagePayload{Bytes: data, MediaType: blob.SniffContentType(blob.Key(img.Path))}
	}

	prompt := buildNamingPrompt(len(images), album.Description)
	caption, err := client.Caption(ctx, payloads, defaultSystemPrompt+"\n\n"+prompt)
	if err != nil {
		return fmt.Errorf("processor: caption album %d: %w", albumID, err)
	}

	name := cleanAlbumName(caption)
	if name == "" {
		return fmt.Errorf("processor: album %d: model returned an empty name", albumID)
	}
	return p.Catalog.RenameAlbum(ctx, albumID, name)
}

func buildNamingPrompt(imageCount int, description string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "This album contains %d photo(s).", imageCount)
	if description != "" {
		fmt.Fprintf(&b, " The user describes it as: %q.", description)
	}
	b.WriteString(" Suggest a short name for it.")
	return b.String()
}

// cleanAlbumName strips surrounding quotes/prefixes, keeps only the first
// line, and truncates to the album name column's width (≤50 chars).
func cleanAlbumName(raw string) string {
	line := raw
	if idx := strings.IndexAny(line, "\r\n"); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	line = strings.Trim(line, `"'“”`)
	for _, prefix := range []string{"Name:", "Album name:", "Title:"} {
		if strings.HasPrefix(line, prefix) {
			line = strings.TrimSpace(line[len(prefix):])
		}
	}
	runes := []rune(line)
	if len(runes) > 50 {
		runes = runes[:50]
	}
	return string(runes)
}

var _ Processor = (*AlbumNaming)(nil)
