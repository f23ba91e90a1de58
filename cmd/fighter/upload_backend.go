package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/ab-shrek/fight-4ever/internal/persistence/upload"
)

// openUploader selects where closed experience files go. It returns nil when
// uploads are disabled.
func openUploader(dataDir, instanceID string, logger *log.Logger) (*upload.Uploader, error) {
	backend := strings.ToLower(strings.TrimSpace(os.Getenv("FIGHTER_UPLOAD_BACKEND")))

	var (
		sink upload.Sink
		err  error
	)
	switch backend {
	case "", "none", "off", "disabled":
		return nil, nil
	case "s3", "r2":
		sink, err = upload.NewS3Sink(upload.S3Config{
			Endpoint:        strings.TrimSpace(os.Getenv("FIGHTER_S3_ENDPOINT")),
			Bucket:          strings.TrimSpace(os.Getenv("FIGHTER_S3_BUCKET")),
			Region:          strings.TrimSpace(os.Getenv("FIGHTER_S3_REGION")),
			AccessKeyID:     strings.TrimSpace(os.Getenv("FIGHTER_S3_ACCESS_KEY_ID")),
			SecretAccessKey: strings.TrimSpace(os.Getenv("FIGHTER_S3_SECRET_ACCESS_KEY")),
		})
	case "form":
		sink, err = upload.NewFormSink(strings.TrimSpace(os.Getenv("FIGHTER_UPLOAD_URL")), instanceID)
	default:
		return nil, fmt.Errorf("unknown FIGHTER_UPLOAD_BACKEND=%q (expected s3|form|none)", backend)
	}
	if err != nil {
		return nil, err
	}
	return upload.New(sink, upload.Config{
		DataDir:           dataDir,
		Prefix:            strings.TrimSpace(os.Getenv("FIGHTER_S3_PREFIX")),
		Workers:           envInt("FIGHTER_UPLOAD_WORKERS", 2),
		RemoveAfterUpload: os.Getenv("FIGHTER_UPLOAD_KEEP_LOCAL") != "1",
		Logger:            logger,
	}), nil
}
