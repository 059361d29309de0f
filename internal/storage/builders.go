package storage

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/pixelforge/gallery-core/internal/blob"
	"github.com/pixelforge/gallery-core/internal/blob/azure"
	"github.com/pixelforge/gallery-core/internal/blob/clouddrive"
	"github.com/pixelforge/gallery-core/internal/blob/local"
	"github.com/pixelforge/gallery-core/internal/blob/s3"
	"github.com/pixelforge/gallery-core/internal/distlock"
)

// RegisterDefaultBuilders wires the four backend kinds blob.Store ships with
// into m, reading their constructor parameters out of BackendConfig.Params.
// locker may be nil, in which case each cloud-drive backend refreshes its
// token behind a process-local mutex only.
func RegisterDefaultBuilders(m *Manager, locker *distlock.Lock) {
	m.RegisterBuilder(blob.TypeLocal, buildLocal)
	m.RegisterBuilder(blob.TypeS3, buildS3)
	m.RegisterBuilder(blob.TypeAzure, buildAzure)
	m.RegisterBuilder(blob.TypeCloudDrive, buildCloudDriveWith(locker))
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func buildLocal(ctx context.Context, cfg BackendConfig) (blob.Store, error) {
	root := stringParam(cfg.Params, "root")
	if root == "" {
		return nil, fmt.Errorf("local backend %q: missing %q param", cfg.ID, "root")
	}
	return local.New(cfg.ID, root)
}

func buildS3(ctx context.Context, cfg BackendConfig) (blob.Store, error) {
	opts := s3.Options{
		Region:          stringParam(cfg.Params, "region"),
		Bucket:          stringParam(cfg.Params, "bucket"),
		Prefix:          stringParam(cfg.Params, "prefix"),
		Endpoint:        stringParam(cfg.Params, "endpoint"),
		AccessKeyID:     stringParam(cfg.Params, "access_key_id"),
		SecretAccessKey: stringParam(cfg.Params, "secret_access_key"),
		SessionToken:    stringParam(cfg.Params, "session_token"),
		CDNURLPrefix:    stringParam(cfg.Params, "cdn_url_prefix"),
	}
	if v, ok := cfg.Params["use_path_style"].(bool); ok {
		opts.UsePathStyle = v
	}
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 backend %q: missing %q param", cfg.ID, "bucket")
	}
	return s3.New(ctx, cfg.ID, opts)
}

func buildAzure(ctx context.Context, cfg BackendConfig) (blob.Store, error) {
	opts := azure.Options{
		AccountURL:    stringParam(cfg.Params, "account_url"),
		AccountName:   stringParam(cfg.Params, "account_name"),
		AccountKey:    stringParam(cfg.Params, "account_key"),
		ContainerName: stringParam(cfg.Params, "container"),
		Prefix:        stringParam(cfg.Params, "prefix"),
	}
	if opts.ContainerName == "" {
		return nil, fmt.Errorf("azure backend %q: missing %q param", cfg.ID, "container")
	}
	return azure.New(cfg.ID, opts)
}

func buildCloudDriveWith(locker *distlock.Lock) Builder {
	return func(ctx context.Context, cfg BackendConfig) (blob.Store, error) {
		baseURL := stringParam(cfg.Params, "api_base_url")
		folderPath := stringParam(cfg.Params, "folder_path")
		if baseURL == "" || folderPath == "" {
			return nil, fmt.Errorf("clouddrive backend %q: missing %q/%q params", cfg.ID, "api_base_url", "folder_path")
		}

		oauthCfg := oauth2.Config{
			ClientID:     stringParam(cfg.Params, "client_id"),
			ClientSecret: stringParam(cfg.Params, "client_secret"),
			Endpoint: oauth2.Endpoint{
				TokenURL: stringParam(cfg.Params, "token_url"),
			},
		}
		refreshToken := stringParam(cfg.Params, "refresh_token")
		tokenSource := oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

		var ratePerSecond, burstSize float64
		if v, ok := cfg.Params["rate_per_second"].(float64); ok {
			ratePerSecond = v
		}
		if v, ok := cfg.Params["burst_size"].(float64); ok {
			burstSize = v
		}

		return clouddrive.New(ctx, cfg.ID, clouddrive.Options{
			APIBaseURL:       baseURL,
			DriveKind:        stringParam(cfg.Params, "drive_kind"),
			FolderPath:       folderPath,
			TokenSource:      tokenSource,
			Locker:           locker,
			RatePerSecond:    ratePerSecond,
			BurstSize:        burstSize,
			IllegalURLPrefix: stringParam(cfg.Params, "illegal_url_prefix"),
		})
	}
}
