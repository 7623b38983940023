package backup

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"

	"github.com/carrelhq/carrel/internal/cli/output"
	"github.com/carrelhq/carrel/internal/logger"
	"github.com/carrelhq/carrel/pkg/archive"
	"github.com/carrelhq/carrel/pkg/config"
	"github.com/carrelhq/carrel/pkg/store"
)

var (
	runDir       string
	runWorkspace string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Archive workspaces",
	Long: `Archive every workspace into a zip file.

Each workspace becomes one archive named <workspace-id>-<timestamp>.zip
containing its live files and folder structure. Archives are written to the
configured backup directory and, when an S3 bucket is configured, uploaded
there as well.

Destinations come from the 'backup' section of the configuration; --dir
overrides the local directory.

Examples:
  # Backup all workspaces to the configured destinations
  carrel backup run

  # Backup to a specific directory
  carrel backup run --dir /tmp/carrel-backups

  # Backup a single workspace
  carrel backup run --workspace ws_01HX...`,
	RunE: runBackup,
}

func init() {
	runCmd.Flags().StringVar(&runDir, "dir", "", "Local output directory (overrides backup.dir)")
	runCmd.Flags().StringVar(&runWorkspace, "workspace", "", "Backup only this workspace ID")
}

func runBackup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	// Get config path from the root's persistent flag
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	dir := runDir
	if dir == "" {
		dir = cfg.Backup.Dir
	}
	if dir == "" && cfg.Backup.S3Bucket == "" {
		return fmt.Errorf("no backup destination configured: set backup.dir or backup.s3_bucket, or pass --dir")
	}

	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create backup directory: %w", err)
		}
	}

	var uploader *s3Uploader
	if cfg.Backup.S3Bucket != "" {
		uploader, err = newS3Uploader(ctx, &cfg.Backup)
		if err != nil {
			return err
		}
	}

	st, err := store.New(&cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	workspaces, err := st.ListWorkspaces(ctx)
	if err != nil {
		return err
	}

	stamp := time.Now().UTC().Format("20060102T150405Z")
	table := output.NewTableData("WORKSPACE", "FILES", "SIZE", "CHECKSUM")
	archived := 0

	for _, ws := range workspaces {
		if runWorkspace != "" && ws.ID != runWorkspace {
			continue
		}

		files, err := st.ListFiles(ctx, ws.ID, "", false)
		if err != nil {
			return fmt.Errorf("workspace %s: %w", ws.ID, err)
		}
		markers, err := st.ListFolderMarkers(ctx, ws.ID, "")
		if err != nil {
			return fmt.Errorf("workspace %s: %w", ws.ID, err)
		}

		entries := make([]archive.File, 0, len(files))
		for _, f := range files {
			entries = append(entries, archive.File{
				Path:     f.Path,
				Content:  []byte(f.Content),
				Modified: f.UpdatedAt,
			})
		}
		folders := make([]string, 0, len(markers))
		for _, m := range markers {
			folders = append(folders, m.Path)
		}

		export, err := archive.BuildZip("", entries, folders, 0)
		if err != nil {
			return fmt.Errorf("workspace %s: %w", ws.ID, err)
		}

		name := fmt.Sprintf("%s-%s.zip", ws.ID, stamp)
		if dir != "" {
			target := filepath.Join(dir, name)
			if err := os.WriteFile(target, export.Data, 0600); err != nil {
				return fmt.Errorf("failed to write %s: %w", target, err)
			}
			logger.Info("Workspace archived", "workspace", ws.ID, "file", target)
		}
		if uploader != nil {
			if err := uploader.upload(ctx, name, export.Data); err != nil {
				return fmt.Errorf("workspace %s: %w", ws.ID, err)
			}
			logger.Info("Workspace uploaded", "workspace", ws.ID, "bucket", cfg.Backup.S3Bucket, "key", uploader.key(name))
		}

		table.AddRow(ws.ID, fmt.Sprintf("%d", len(files)), fmt.Sprintf("%d", len(export.Data)), export.Checksum)
		archived++
	}

	if runWorkspace != "" && archived == 0 {
		return fmt.Errorf("workspace not found: %s", runWorkspace)
	}

	fmt.Printf("Archived %d workspace(s)\n\n", archived)
	return output.PrintTable(os.Stdout, table)
}

// s3Uploader puts archives into the configured bucket.
type s3Uploader struct {
	client *s3.Client
	bucket string
	prefix string
}

func newS3Uploader(ctx context.Context, cfg *config.BackupConfig) (*s3Uploader, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})

	return &s3Uploader{
		client: client,
		bucket: cfg.S3Bucket,
		prefix: cfg.S3Prefix,
	}, nil
}

func (u *s3Uploader) key(name string) string {
	if u.prefix == "" {
		return name
	}
	return path.Join(u.prefix, name)
}

func (u *s3Uploader) upload(ctx context.Context, name string, data []byte) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(u.key(name)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", name, err)
	}
	return nil
}
