package history

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"alumnet-chat/internal/models"

	"github.com/go-resty/resty/v2"
)

// Client fetches conversation history from the relay's REST surface.
// It satisfies chatclient.HistoryFetcher.
type Client struct {
	http *resty.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(10 * time.Second),
	}
}

// Fetch returns the caller's conversation with peer, oldest first, with
// server timestamps already converted to epoch milliseconds.
func (c *Client) Fetch(ctx context.Context, token, peer string) ([]models.Message, error) {
	var records []models.MessageRecord

	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&records).
		Get("/api/messages/" + url.PathEscape(peer))
	if err != nil {
		return nil, fmt.Errorf("history request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("history request: %s", resp.Status())
	}

	msgs := make([]models.Message, 0, len(records))
	for i := range records {
		msgs = append(msgs, records[i].ToMessage())
	}
	return msgs, nil
}
