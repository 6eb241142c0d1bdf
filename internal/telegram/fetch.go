package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Connect authorizes the bot against the public Bot API, or against a
// self-hosted server when endpoint is set ("http://host:8081/bot%s/%s").
// Only a self-hosted server serves files above 20 MB.
func Connect(token, endpoint string) (*tgbotapi.BotAPI, error) {
	if endpoint == "" {
		return tgbotapi.NewBotAPI(token)
	}
	return tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
}

type fileGetter interface {
	GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error)
}

// Fetcher downloads uploaded files by id.
type Fetcher struct {
	api          fileGetter
	token        string
	fileEndpoint string
	client       *http.Client
}

// NewFetcher builds a fetcher for files known to api. apiEndpoint is the
// same value passed to Connect.
func NewFetcher(api *tgbotapi.BotAPI, apiEndpoint string) *Fetcher {
	return newFetcher(api, api.Token, apiEndpoint, http.DefaultClient)
}

func newFetcher(api fileGetter, token, apiEndpoint string, client *http.Client) *Fetcher {
	return &Fetcher{
		api:          api,
		token:        token,
		fileEndpoint: fileEndpoint(apiEndpoint),
		client:       client,
	}
}

func fileEndpoint(apiEndpoint string) string {
	if apiEndpoint == "" {
		return tgbotapi.FileEndpoint
	}
	return strings.Replace(apiEndpoint, "/bot%s/%s", "/file/bot%s/%s", 1)
}

// Open resolves fileID and streams its content. A self-hosted server in
// local mode reports absolute paths, which are read from disk directly.
func (f *Fetcher) Open(ctx context.Context, fileID string) (io.ReadCloser, error) {
	file, err := f.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("get file %s: %w", fileID, err)
	}
	if filepath.IsAbs(file.FilePath) {
		return os.Open(file.FilePath)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(f.fileEndpoint, f.token, file.FilePath), nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download %s: status %d", file.FilePath, resp.StatusCode)
	}
	return resp.Body, nil
}
