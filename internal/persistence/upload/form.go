package upload

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// FormSink posts each file as multipart form data to the policy service's
// experience upload endpoint, with the player and client id as form fields.
type FormSink struct {
	url        string
	client     string
	httpClient *http.Client
}

func NewFormSink(baseURL, clientID string) (*FormSink, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("empty upload url")
	}
	return &FormSink{
		url:        baseURL + "/upload_experience",
		client:     clientID,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

func (s *FormSink) Put(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			if err := mw.WriteField("player", strconv.Itoa(PlayerFromName(localPath))); err != nil {
				return err
			}
			if err := mw.WriteField("client", s.client); err != nil {
				return err
			}
			if err := mw.WriteField("key", key); err != nil {
				return err
			}
			part, err := mw.CreateFormFile("file", filepath.Base(localPath))
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, f); err != nil {
				return err
			}
			return mw.Close()
		}()
		_ = pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, pr)
	if err != nil {
		_ = pr.Close()
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	return fmt.Errorf("upload failed status=%d key=%s body=%s", resp.StatusCode, key, strings.TrimSpace(string(body)))
}

// PlayerFromName extracts N from an experience_player<N>_... file name, or -1.
func PlayerFromName(p string) int {
	base := filepath.Base(p)
	const prefix = "experience_player"
	if !strings.HasPrefix(base, prefix) {
		return -1
	}
	rest := base[len(prefix):]
	end := strings.IndexByte(rest, '_')
	if end <= 0 {
		return -1
	}
	n, err := strconv.Atoi(rest[:end])
	if err != nil {
		return -1
	}
	return n
}
